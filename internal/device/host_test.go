package device

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapipay/tapicore/internal/accounts"
	"github.com/tapipay/tapicore/internal/authflow"
	"github.com/tapipay/tapicore/internal/behavior"
	"github.com/tapipay/tapicore/internal/biometric"
	"github.com/tapipay/tapicore/internal/connectivity"
	"github.com/tapipay/tapicore/internal/credential"
	"github.com/tapipay/tapicore/internal/ledger"
	"github.com/tapipay/tapicore/internal/money"
	"github.com/tapipay/tapicore/internal/realtime"
	"github.com/tapipay/tapicore/internal/reconciliation"
)

type matcherFunc func(ctx context.Context, frame []byte) (*biometric.Match, error)

func (f matcherFunc) Match(ctx context.Context, frame []byte) (*biometric.Match, error) {
	return f(ctx, frame)
}

func confident(ctx context.Context, frame []byte) (*biometric.Match, error) {
	return &biometric.Match{Identity: "user_1", ConfidencePercent: 95, LivenessPassed: true}, nil
}

type published struct {
	eventType realtime.EventType
	subject   string
	data      any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(eventType realtime.EventType, subject string, data any) {
	p.mu.Lock()
	p.events = append(p.events, published{eventType, subject, data})
	p.mu.Unlock()
}

func (p *recordingPublisher) ofType(eventType realtime.EventType) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	host    *Host
	store   *accounts.MemoryStore
	ledger  *ledger.Ledger
	feed    *biometric.Feed
	sampler *behavior.Sampler
	audit   *authflow.MemoryStore
	events  *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := accounts.NewMemoryStore()
	require.NoError(t, store.Open(context.Background(), "acct_1", "250"))

	policy, err := ledger.ParsePolicy("0.10", "200")
	require.NoError(t, err)
	l := ledger.New(policy, ledger.NewJournal("secret"), logger)
	settler := reconciliation.NewSettler(store, l, 2, time.Millisecond, logger)
	coord := connectivity.New(connectivity.Config{AccountID: "acct_1", RetryAttempts: 2, RetryDelay: time.Millisecond}, l, store, settler, logger)

	feed := biometric.NewFeed(1)
	cfg := biometric.DefaultConfig()
	cfg.Timeout = 2 * time.Second
	adapter := biometric.NewAdapter(cfg, feed, matcherFunc(confident), logger, biometric.WithLocalMatcher(matcherFunc(confident)))

	signer, err := credential.GenerateKeySigner()
	require.NoError(t, err)

	sampler := behavior.NewSampler()
	audit := authflow.NewMemoryStore()
	events := &recordingPublisher{}
	authPolicy := authflow.DefaultPolicy()
	authPolicy.DebitDelay = time.Millisecond

	host := New("acct_1", authPolicy, Components{
		Sampler:     sampler,
		Feed:        feed,
		Capturer:    adapter,
		Issuer:      credential.NewIssuer(signer, "fp_device", logger),
		Ledger:      l,
		Accounts:    store,
		Coordinator: coord,
		Audit:       audit,
		Events:      events,
	}, logger)

	return &fixture{host: host, store: store, ledger: l, feed: feed, sampler: sampler, audit: audit, events: events}
}

func (f *fixture) pushFace(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.host.PushFrame([]byte("jpeg"))
	}, 2*time.Second, time.Millisecond)
}

func (f *fixture) pay(t *testing.T, amount string) authflow.Snapshot {
	t.Helper()
	snap, err := f.host.StartAuthorization(context.Background(), money.MustParse(amount), "merchant_1")
	require.NoError(t, err)
	f.pushFace(t)

	m, err := f.host.Authorization(snap.ID)
	require.NoError(t, err)
	final, err := m.Await(context.Background())
	require.NoError(t, err)
	return final
}

func (f *fixture) balance(t *testing.T) string {
	t.Helper()
	acct, err := f.store.GetBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	return acct.Balance
}

func TestHost_OnlinePayment(t *testing.T) {
	f := newFixture(t)

	snap := f.pay(t, "10")
	assert.Equal(t, authflow.StateComplete, snap.State, snap.Reason)
	assert.False(t, snap.Offline)
	assert.Equal(t, "240.000000", f.balance(t))
	assert.False(t, f.feed.InUse(), "camera released after capture")
}

func TestHost_SingleActiveAuthorization(t *testing.T) {
	f := newFixture(t)

	first, err := f.host.StartAuthorization(context.Background(), money.MustParse("5"), "m")
	require.NoError(t, err)

	_, err = f.host.StartAuthorization(context.Background(), money.MustParse("5"), "m")
	assert.ErrorIs(t, err, ErrBusy)

	m, err := f.host.Authorization(first.ID)
	require.NoError(t, err)
	_, err = m.Cancel(context.Background())
	require.NoError(t, err)

	_, err = f.host.StartAuthorization(context.Background(), money.MustParse("5"), "m")
	assert.NoError(t, err)
}

func TestHost_OfflineRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.host.OnConnectivityChanged(ctx, false))
	assert.False(t, f.host.Online())
	assert.True(t, f.host.LedgerView().IsActive)
	assert.Equal(t, "230.000000", f.balance(t), "deposit held while offline")

	snap := f.pay(t, "50")
	require.Equal(t, authflow.StateComplete, snap.State, snap.Reason)
	assert.True(t, snap.Offline)
	assert.NotEmpty(t, snap.ReceiptID)

	cred, ok := f.host.Credential()
	require.True(t, ok)
	assert.Equal(t, "fp_device", cred.Payload.DeviceFingerprint)
	assert.Equal(t, "125.000000", f.host.LedgerView().AvailableBalance)

	require.NoError(t, f.host.OnConnectivityChanged(ctx, true))
	assert.False(t, f.host.LedgerView().IsActive)
	assert.Equal(t, "200.000000", f.balance(t))

	_, ok = f.host.Credential()
	assert.False(t, ok, "credential discarded once settled")
}

func TestHost_LogoutCancelsAndResets(t *testing.T) {
	f := newFixture(t)
	session := f.sampler.SessionID()

	snap, err := f.host.StartAuthorization(context.Background(), money.MustParse("5"), "m")
	require.NoError(t, err)
	require.Eventually(t, f.feed.InUse, time.Second, time.Millisecond)

	require.NoError(t, f.host.Logout(context.Background()))

	m, err := f.host.Authorization(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, authflow.StateCancelled, m.Snapshot().State)
	assert.False(t, f.feed.InUse())
	assert.NotEqual(t, session, f.host.BehaviorSummary().SessionID)
	assert.Equal(t, "250.000000", f.balance(t))

	require.Eventually(t, func() bool {
		rec, err := f.audit.Get(context.Background(), snap.ID)
		return err == nil && rec.FinalState == authflow.StateCancelled
	}, time.Second, 5*time.Millisecond)
}

func TestHost_ShutdownReportsLeak(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.OnConnectivityChanged(context.Background(), false))

	err := f.host.Shutdown(context.Background())
	var leak *ledger.LeakError
	require.ErrorAs(t, err, &leak)
	assert.Equal(t, "20.000000", money.Format(leak.Reserved))
}

func TestHost_UnknownAuthorization(t *testing.T) {
	f := newFixture(t)
	_, err := f.host.Authorization("auth_missing")
	assert.ErrorIs(t, err, authflow.ErrNotFound)
	assert.False(t, f.host.PushFrame([]byte("x")), "no capture waiting")
}

func TestHost_PublishesEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.host.OnConnectivityChanged(ctx, false))
	require.NoError(t, f.host.OnConnectivityChanged(ctx, false))
	assert.Len(t, f.events.ofType(realtime.EventConnectivity), 1, "repeated signal is not republished")

	snap := f.pay(t, "5")
	require.Equal(t, authflow.StateComplete, snap.State)

	require.Eventually(t, func() bool {
		evs := f.events.ofType(realtime.EventAuthorization)
		if len(evs) == 0 {
			return false
		}
		last := evs[len(evs)-1].data.(authflow.Event)
		return last.State == authflow.StateComplete
	}, time.Second, 5*time.Millisecond)
	for _, e := range f.events.ofType(realtime.EventAuthorization) {
		assert.Equal(t, snap.ID, e.subject)
	}

	require.NoError(t, f.host.OnConnectivityChanged(ctx, true))
	settled := f.events.ofType(realtime.EventSettlement)
	require.Len(t, settled, 1)
	assert.Equal(t, 1, settled[0].data.(*reconciliation.Result).Settled)
}

func TestHost_ConcurrentSignalsPublishOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.host.OnConnectivityChanged(ctx, false))
		}()
	}
	wg.Wait()

	evs := f.events.ofType(realtime.EventConnectivity)
	require.Len(t, evs, 1)
	assert.Equal(t, map[string]any{"online": false}, evs[0].data)
	assert.Equal(t, "230.000000", f.balance(t), "deposit held once")
}

func TestHost_FailedReconnectNotPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.host.OnConnectivityChanged(ctx, false))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, f.host.OnConnectivityChanged(cancelled, true), context.Canceled)
	assert.False(t, f.host.Online())
	assert.Len(t, f.events.ofType(realtime.EventConnectivity), 1)
	assert.Empty(t, f.events.ofType(realtime.EventSettlement))

	require.NoError(t, f.host.OnConnectivityChanged(ctx, true))
	assert.True(t, f.host.Online())
	assert.Len(t, f.events.ofType(realtime.EventConnectivity), 2)
}
