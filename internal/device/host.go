// Package device hosts the single active session of one payment device:
// capture surfaces feed it, the HTTP bridge drives authorizations through
// it, and connectivity signals reach the offline ledger through it.
package device

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"

	"github.com/tapipay/tapicore/internal/accounts"
	"github.com/tapipay/tapicore/internal/authflow"
	"github.com/tapipay/tapicore/internal/behavior"
	"github.com/tapipay/tapicore/internal/biometric"
	"github.com/tapipay/tapicore/internal/connectivity"
	"github.com/tapipay/tapicore/internal/credential"
	"github.com/tapipay/tapicore/internal/ledger"
	"github.com/tapipay/tapicore/internal/realtime"
	"github.com/tapipay/tapicore/internal/reconciliation"
)

var ErrBusy = errors.New("an authorization is already in progress")

// retained bounds how many finished authorizations stay addressable.
const retained = 64

// Publisher streams device events. *realtime.Hub implements it.
type Publisher interface {
	Publish(eventType realtime.EventType, subject string, data any)
}

// Components are the long-lived collaborators of a device session.
type Components struct {
	Sampler     *behavior.Sampler
	Feed        *biometric.Feed
	Capturer    authflow.Capturer
	Decider     authflow.Decider
	Issuer      *credential.Issuer
	Wallet      *credential.Wallet
	Ledger      *ledger.Ledger
	Accounts    accounts.Store
	Coordinator *connectivity.Coordinator
	PIN         authflow.PINVerifier
	Audit       authflow.Store
	Events      Publisher
}

// Host owns the device session.
type Host struct {
	accountID string
	policy    authflow.Policy
	c         Components
	logger    *slog.Logger

	mu       sync.Mutex
	machines map[string]*authflow.Machine
	order    []string
	active   *authflow.Machine
}

// New creates a host for accountID. Sampler and Wallet are created when
// missing.
func New(accountID string, policy authflow.Policy, c Components, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	if c.Sampler == nil {
		c.Sampler = behavior.NewSampler()
	}
	if c.Wallet == nil {
		c.Wallet = credential.NewWallet()
	}
	h := &Host{
		accountID: accountID,
		policy:    policy,
		c:         c,
		logger:    logger,
		machines:  make(map[string]*authflow.Machine),
	}
	if c.Coordinator != nil {
		c.Coordinator.OnReconciled(func(ctx context.Context, res *reconciliation.Result) {
			h.c.Wallet.Discard()
			h.publish(realtime.EventSettlement, accountID, res)
			h.logger.Info("offline session settled",
				"settled", res.Settled,
				"failed", res.Failed,
				"returned", res.Returned,
			)
		})
	}
	return h
}

// AccountID is the account this device pays from.
func (h *Host) AccountID() string {
	return h.accountID
}

// StartAuthorization begins a payment in the current connectivity mode.
// It returns once capture has started.
func (h *Host) StartAuthorization(ctx context.Context, amount *big.Int, payeeRef string) (authflow.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active != nil && !h.active.Snapshot().State.Terminal() {
		return h.active.Snapshot(), ErrBusy
	}

	m := authflow.New(h.deps(), h.policy, h.logger)
	events, unsubscribe := m.Subscribe()
	snap, err := m.Begin(ctx, authflow.Intent{
		AccountID: h.accountID,
		Amount:    amount,
		PayeeRef:  payeeRef,
		Offline:   !h.Online(),
	})
	if err != nil {
		unsubscribe()
		return snap, err
	}
	go h.forward(events)
	h.trackLocked(m)
	h.active = m
	return snap, nil
}

// Authorization looks up a current or recently finished authorization.
func (h *Host) Authorization(id string) (*authflow.Machine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.machines[id]
	if !ok {
		return nil, authflow.ErrNotFound
	}
	return m, nil
}

// RecordKey forwards a keyboard edge to the behavioral sampler.
func (h *Host) RecordKey(key string, phase behavior.KeyPhase) {
	h.c.Sampler.RecordKeyEvent(key, phase)
}

// RecordTouch forwards a touch edge to the behavioral sampler.
func (h *Host) RecordTouch(x, y float64, phase behavior.TouchPhase, pressure float64) {
	h.c.Sampler.RecordTouchEvent(x, y, phase, pressure)
}

// PushFrame hands a camera frame to the capture in progress. It reports
// false when no capture is waiting for one.
func (h *Host) PushFrame(frame []byte) bool {
	if h.c.Feed == nil {
		return false
	}
	return h.c.Feed.Push(frame)
}

// BehaviorSummary returns the current behavioral summary.
func (h *Host) BehaviorSummary() behavior.Summary {
	return h.c.Sampler.Summary()
}

// Online reports the connectivity mode new authorizations will use.
func (h *Host) Online() bool {
	if h.c.Coordinator == nil {
		return true
	}
	return h.c.Coordinator.Online()
}

// OnConnectivityChanged forwards a connectivity signal.
func (h *Host) OnConnectivityChanged(ctx context.Context, online bool) error {
	if h.c.Coordinator == nil {
		return nil
	}
	changed, err := h.c.Coordinator.Transition(ctx, online)
	if changed {
		h.publish(realtime.EventConnectivity, h.accountID, map[string]any{"online": online})
	}
	return err
}

// LedgerView returns the offline ledger state.
func (h *Host) LedgerView() ledger.View {
	if h.c.Ledger == nil {
		return ledger.View{}
	}
	return h.c.Ledger.View()
}

// Credential returns the unexpired offline credential, if any.
func (h *Host) Credential() (*credential.Credential, bool) {
	return h.c.Wallet.Current()
}

// Logout ends the user session: the active authorization is cancelled,
// the credential discarded and behavioral sampling restarted.
func (h *Host) Logout(ctx context.Context) error {
	if err := h.cancelActive(ctx); err != nil {
		return err
	}
	h.c.Wallet.Discard()
	h.c.Sampler.Reset()
	h.logger.Info("device session reset")
	return nil
}

// Shutdown cancels the active authorization and deactivates the offline
// ledger. A *ledger.LeakError is returned when unsettled deposits are
// lost.
func (h *Host) Shutdown(ctx context.Context) error {
	if err := h.cancelActive(ctx); err != nil {
		return err
	}
	if h.c.Coordinator == nil {
		return nil
	}
	return h.c.Coordinator.Shutdown(ctx)
}

func (h *Host) cancelActive(ctx context.Context) error {
	h.mu.Lock()
	m := h.active
	h.mu.Unlock()
	if m == nil {
		return nil
	}
	_, err := m.Cancel(ctx)
	if errors.Is(err, authflow.ErrInvalidTransition) {
		return nil
	}
	return err
}

// forward relays one authorization's events until it terminates.
func (h *Host) forward(events <-chan authflow.Event) {
	for ev := range events {
		h.publish(realtime.EventAuthorization, ev.AuthorizationID, ev)
	}
}

func (h *Host) publish(eventType realtime.EventType, subject string, data any) {
	if h.c.Events != nil {
		h.c.Events.Publish(eventType, subject, data)
	}
}

// deps avoids handing typed nil pointers to the machine as non-nil
// interfaces.
func (h *Host) deps() authflow.Deps {
	d := authflow.Deps{
		Capturer: h.c.Capturer,
		Behavior: h.c.Sampler,
		Decider:  h.c.Decider,
		Accounts: h.c.Accounts,
		PIN:      h.c.PIN,
		Wallet:   h.c.Wallet,
		Store:    h.c.Audit,
	}
	if h.c.Issuer != nil {
		d.Issuer = h.c.Issuer
	}
	if h.c.Ledger != nil {
		d.Ledger = h.c.Ledger
	}
	return d
}

func (h *Host) trackLocked(m *authflow.Machine) {
	h.machines[m.ID()] = m
	h.order = append(h.order, m.ID())
	for len(h.order) > retained {
		oldest := h.order[0]
		if old := h.machines[oldest]; old != nil && !old.Snapshot().State.Terminal() {
			break
		}
		delete(h.machines, oldest)
		h.order = h.order[1:]
	}
}
