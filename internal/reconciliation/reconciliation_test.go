package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapipay/tapicore/internal/accounts"
	"github.com/tapipay/tapicore/internal/ledger"
	"github.com/tapipay/tapicore/internal/money"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyStore fails the next n Debit/Credit calls with a transient error.
type flakyStore struct {
	accounts.Store
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) fail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return true
	}
	return false
}

func (f *flakyStore) setFails(n int) {
	f.mu.Lock()
	f.fails = n
	f.mu.Unlock()
}

func (f *flakyStore) Debit(ctx context.Context, id, amount, ref, desc string) error {
	if f.fail() {
		return errors.New("connection reset")
	}
	return f.Store.Debit(ctx, id, amount, ref, desc)
}

func (f *flakyStore) Credit(ctx context.Context, id, amount, ref, desc string) error {
	if f.fail() {
		return errors.New("connection reset")
	}
	return f.Store.Credit(ctx, id, amount, ref, desc)
}

// offlineSession activates a 10% ledger on a 250 balance (holding the 20
// initial deposit on the account) and makes the given payments.
func offlineSession(t *testing.T, store accounts.Store, payments ...string) (*ledger.Ledger, *ledger.Settlement) {
	t.Helper()
	ctx := context.Background()
	policy, err := ledger.ParsePolicy("0.10", "200")
	require.NoError(t, err)
	l := ledger.New(policy, ledger.NewJournal("secret"), quietLogger())

	require.NoError(t, store.Debit(ctx, "acct_1", "20", "hold_1", "initial deposit"))
	require.NoError(t, l.Activate(ctx, money.MustParse("250")))
	for _, p := range payments {
		_, err := l.Reserve(ctx, ledger.ReserveRequest{AccountID: "acct_1", Amount: money.MustParse(p), PayeeRef: "m"})
		require.NoError(t, err)
	}
	st, err := l.Reconcile(ctx)
	require.NoError(t, err)
	return l, st
}

func balance(t *testing.T, store accounts.Store) string {
	t.Helper()
	a, err := store.GetBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	return a.Balance
}

func TestSettle_NetEffectIsSumOfPayments(t *testing.T) {
	store := accounts.NewMemoryStore()
	require.NoError(t, store.Open(context.Background(), "acct_1", "250"))
	l, st := offlineSession(t, store, "100", "30")

	s := NewSettler(store, l, 3, time.Millisecond, quietLogger())
	res, err := s.Settle(context.Background(), "acct_1", st)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Settled)
	assert.Zero(t, res.Failed)
	assert.Equal(t, "143.000000", res.Debited)
	assert.Equal(t, "33.000000", res.Returned)
	assert.Equal(t, "120.000000", balance(t, store))
}

func TestSettle_ReplayIsIdempotent(t *testing.T) {
	store := accounts.NewMemoryStore()
	require.NoError(t, store.Open(context.Background(), "acct_1", "250"))
	l, st := offlineSession(t, store, "10")

	s := NewSettler(store, l, 1, time.Millisecond, quietLogger())
	_, err := s.Settle(context.Background(), "acct_1", &ledger.Settlement{Receipts: st.Receipts, Anchor: st.Anchor})
	require.NoError(t, err)
	before := balance(t, store)

	res, err := s.Settle(context.Background(), "acct_1", &ledger.Settlement{Receipts: st.Receipts, Anchor: st.Anchor})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled, "duplicate reference counts as settled")
	assert.Equal(t, before, balance(t, store))
}

func TestSettle_TransientFailureRetried(t *testing.T) {
	mem := accounts.NewMemoryStore()
	require.NoError(t, mem.Open(context.Background(), "acct_1", "250"))
	store := &flakyStore{Store: mem}
	l, st := offlineSession(t, store, "10")

	store.setFails(2)
	s := NewSettler(store, l, 3, time.Millisecond, quietLogger())
	res, err := s.Settle(context.Background(), "acct_1", st)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	assert.Zero(t, s.BacklogLen())
	assert.Equal(t, "240.000000", balance(t, mem))
}

func TestSettle_ExhaustedRetriesGoToBacklog(t *testing.T) {
	mem := accounts.NewMemoryStore()
	require.NoError(t, mem.Open(context.Background(), "acct_1", "250"))
	store := &flakyStore{Store: mem}
	l, st := offlineSession(t, store, "10")

	store.setFails(100)
	s := NewSettler(store, l, 2, time.Millisecond, quietLogger())
	res, err := s.Settle(context.Background(), "acct_1", st)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, s.BacklogLen())

	store.setFails(0)
	res, err = s.RetryBacklog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	assert.Equal(t, "21.000000", res.Returned)
	assert.Zero(t, s.BacklogLen())
	assert.Equal(t, "240.000000", balance(t, mem))
}

func TestSettle_PermanentFailureNotRetried(t *testing.T) {
	mem := accounts.NewMemoryStore()
	require.NoError(t, mem.Open(context.Background(), "acct_1", "0"))
	s := NewSettler(mem, nil, 5, time.Hour, quietLogger())

	st := &ledger.Settlement{Receipts: []*ledger.Receipt{{ID: "rcpt_1", AccountID: "acct_1", Amount: "5.000000", Deposit: "0.000000"}}}
	start := time.Now()
	res, err := s.Settle(context.Background(), "acct_1", st)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Less(t, time.Since(start), time.Second, "insufficient balance must not wait for backoff")
}

func TestSettle_TamperedChainQuarantined(t *testing.T) {
	store := accounts.NewMemoryStore()
	require.NoError(t, store.Open(context.Background(), "acct_1", "250"))
	l, st := offlineSession(t, store, "10", "20")
	st.Receipts[0].Amount = "0.010000"

	s := NewSettler(store, l, 1, time.Millisecond, quietLogger())
	_, err := s.Settle(context.Background(), "acct_1", st)
	assert.ErrorIs(t, err, ErrChainInvalid)
	assert.Len(t, s.Quarantined(), 2)
	assert.Equal(t, "230.000000", balance(t, store), "nothing applied from a rejected batch")
}

func TestSettle_TruncatedBatchQuarantined(t *testing.T) {
	for name, trim := range map[string]func([]*ledger.Receipt) []*ledger.Receipt{
		"first dropped": func(r []*ledger.Receipt) []*ledger.Receipt { return r[1:] },
		"last dropped":  func(r []*ledger.Receipt) []*ledger.Receipt { return r[:len(r)-1] },
	} {
		t.Run(name, func(t *testing.T) {
			store := accounts.NewMemoryStore()
			require.NoError(t, store.Open(context.Background(), "acct_1", "250"))
			l, st := offlineSession(t, store, "10", "20", "30")
			st.Receipts = trim(st.Receipts)

			s := NewSettler(store, l, 1, time.Millisecond, quietLogger())
			_, err := s.Settle(context.Background(), "acct_1", st)
			assert.ErrorIs(t, err, ErrChainInvalid)
			assert.Equal(t, "230.000000", balance(t, store), "nothing applied from a truncated batch")
		})
	}
}

func TestSettle_Nil(t *testing.T) {
	s := NewSettler(accounts.NewMemoryStore(), nil, 1, time.Millisecond, quietLogger())
	res, err := s.Settle(context.Background(), "acct_1", nil)
	require.NoError(t, err)
	assert.Zero(t, res.Settled)
}
