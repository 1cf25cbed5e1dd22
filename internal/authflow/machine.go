package authflow

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/tapipay/tapicore/internal/accounts"
	"github.com/tapipay/tapicore/internal/behavior"
	"github.com/tapipay/tapicore/internal/biometric"
	"github.com/tapipay/tapicore/internal/credential"
	"github.com/tapipay/tapicore/internal/fusion"
	"github.com/tapipay/tapicore/internal/idgen"
	"github.com/tapipay/tapicore/internal/ledger"
	"github.com/tapipay/tapicore/internal/money"
	"github.com/tapipay/tapicore/internal/retry"
	"github.com/tapipay/tapicore/internal/traces"
)

var errNotConfigured = errors.New("finalizer not configured")

// Machine is one authorization attempt.
//
// Long-running work (capture, finalize) runs on an op goroutine owned by the
// machine. Cancel tears the op down and waits for it before the machine
// reports cancelled, so a capture always releases the camera first.
type Machine struct {
	id     string
	deps   Deps
	policy Policy
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	progress    int
	reason      string
	intent      Intent
	decision    *fusion.Decision
	sessionID   string
	pin         []byte
	pinAttempts int
	captures    int
	recaptures  int
	receipt     *ledger.Receipt
	cred        *credential.Credential
	startedAt   time.Time
	updatedAt   time.Time

	base       context.Context
	cancelling bool
	verifying  bool
	opCancel   context.CancelFunc
	opDone     chan struct{}
	skip       chan struct{}
	changed    chan struct{}
	subs       map[int]chan Event
	nextSub    int
}

// Option configures a Machine.
type Option func(*Machine)

// WithID fixes the authorization ID.
func WithID(id string) Option {
	return func(m *Machine) { m.id = id }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates an idle machine.
func New(deps Deps, policy Policy, logger *slog.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Decider == nil {
		deps.Decider = fusion.NewEngine(logger)
	}
	m := &Machine{
		id:      idgen.WithPrefix("auth_"),
		deps:    deps,
		policy:  policy,
		now:     time.Now,
		state:   StateIdle,
		base:    context.Background(),
		skip:    make(chan struct{}, 1),
		changed: make(chan struct{}),
		subs:    make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.With("authorization", m.id)
	m.updatedAt = m.now()
	return m
}

// ID returns the authorization ID.
func (m *Machine) ID() string {
	return m.id
}

// Snapshot returns the current view.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Start begins the authorization and blocks until it needs the caller
// (step_up) or reaches a terminal state. If ctx ends first the
// authorization is cancelled.
func (m *Machine) Start(ctx context.Context, intent Intent) (Snapshot, error) {
	ctx, span := traces.StartSpan(ctx, "authflow.Start",
		traces.AuthorizationID(m.id),
		traces.AccountID(intent.AccountID),
		traces.Offline(intent.Offline),
	)
	defer span.End()

	if snap, err := m.Begin(ctx, intent); err != nil {
		return snap, err
	}
	snap, err := m.Await(ctx)
	if err != nil {
		snap, _ = m.Cancel(context.Background())
		return snap, err
	}
	return snap, nil
}

// Begin moves the machine into capture and returns immediately. The
// attempt outlives ctx; use Cancel to stop it.
func (m *Machine) Begin(ctx context.Context, intent Intent) (Snapshot, error) {
	if intent.AccountID == "" || intent.Amount == nil || intent.Amount.Sign() <= 0 {
		return m.Snapshot(), ErrInvalidIntent
	}

	m.mu.Lock()
	if m.state != StateIdle {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, ErrInvalidTransition
	}
	m.intent = Intent{
		AccountID: intent.AccountID,
		Amount:    new(big.Int).Set(intent.Amount),
		PayeeRef:  intent.PayeeRef,
		Offline:   intent.Offline,
	}
	m.base = context.WithoutCancel(ctx)
	m.startedAt = m.now()
	m.captures++
	opCtx, done := m.beginOpLocked()
	m.transitionLocked(StateCapturing, "")
	snap := m.snapshotLocked()
	m.mu.Unlock()

	startedTotal.WithLabelValues(string(fusion.ModeFor(intent.Offline))).Inc()
	m.logger.Info("authorization started",
		"account", intent.AccountID,
		"amount", snap.Amount,
		"offline", intent.Offline,
	)

	go m.runCapture(opCtx, done)
	return snap, nil
}

// Await blocks until the machine is in step_up or a terminal state.
func (m *Machine) Await(ctx context.Context) (Snapshot, error) {
	for {
		m.mu.Lock()
		if m.state.settled() {
			snap := m.snapshotLocked()
			m.mu.Unlock()
			return snap, nil
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return m.Snapshot(), ctx.Err()
		}
	}
}

// SkipBiometric ends the current capture without a face result.
func (m *Machine) SkipBiometric() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCapturing || m.cancelling {
		return m.snapshotLocked(), ErrInvalidTransition
	}
	select {
	case m.skip <- struct{}{}:
	default:
	}
	return m.snapshotLocked(), nil
}

// SubmitPINDigit appends one digit. The sixth digit triggers verification:
// a match finalizes (and this call waits for the outcome), a mismatch
// clears the entry and stays in step_up.
func (m *Machine) SubmitPINDigit(ctx context.Context, digit string) (Snapshot, error) {
	if len(digit) != 1 || digit[0] < '0' || digit[0] > '9' {
		return m.Snapshot(), ErrInvalidDigit
	}

	m.mu.Lock()
	if m.state != StateStepUp || m.cancelling || m.verifying {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, ErrInvalidTransition
	}
	m.pin = append(m.pin, digit[0])
	if len(m.pin) < PINLength {
		m.advanceLocked()
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, nil
	}
	pin := string(m.pin)
	m.clearPINLocked()
	m.pinAttempts++
	m.verifying = true
	m.mu.Unlock()

	ok := m.deps.PIN != nil && m.deps.PIN.Verify(pin)

	m.mu.Lock()
	m.verifying = false
	if m.state != StateStepUp || m.cancelling {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, nil
	}
	if !ok {
		pinMismatchesTotal.Inc()
		m.logger.Info("pin mismatch", "attempt", m.pinAttempts)
		if m.policy.MaxPINAttempts > 0 && m.pinAttempts >= m.policy.MaxPINAttempts {
			m.transitionLocked(StateDenied, ReasonPINAttemptsExceeded)
		} else {
			m.reason = ReasonPINMismatch
			m.advanceLocked()
		}
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, nil
	}
	opCtx, done := m.beginOpLocked()
	m.transitionLocked(StateFinalizing, "")
	m.mu.Unlock()

	go m.runFinalize(opCtx, done)
	return m.Await(ctx)
}

// Recapture restarts biometric capture from step_up. Only
// Policy.MaxRecaptures re-captures are allowed; asking for another denies
// the authorization.
func (m *Machine) Recapture() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStepUp || m.cancelling || m.verifying {
		return m.snapshotLocked(), ErrInvalidTransition
	}
	if m.recaptures >= m.policy.MaxRecaptures {
		m.transitionLocked(StateDenied, ReasonCaptureRetriesExceeded)
		return m.snapshotLocked(), nil
	}
	m.recaptures++
	m.captures++
	m.clearPINLocked()
	m.decision = nil
	m.skip = make(chan struct{}, 1)
	opCtx, done := m.beginOpLocked()
	m.transitionLocked(StateCapturing, "")

	go m.runCapture(opCtx, done)
	return m.snapshotLocked(), nil
}

// Cancel stops the authorization from any non-terminal state. It waits for
// in-flight work to unwind. If a finalize had already committed, the
// returned snapshot is complete.
func (m *Machine) Cancel(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	if m.state.Terminal() {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, ErrInvalidTransition
	}
	m.cancelling = true
	cancel, done := m.opCancel, m.opDone
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return m.Snapshot(), ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Terminal() {
		m.transitionLocked(StateCancelled, ReasonCancelled)
	}
	return m.snapshotLocked(), nil
}

// Subscribe returns a channel carrying the current state followed by every
// change. The channel is closed when the machine terminates or the returned
// func is called. Slow readers miss intermediate events.
func (m *Machine) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, 32)
	ch <- m.eventLocked()
	if m.state.Terminal() {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Machine) runCapture(ctx context.Context, done chan struct{}) {
	defer m.endOp(done)

	ctx, span := traces.StartSpan(ctx, "authflow.capture", traces.AuthorizationID(m.id))
	defer span.End()

	m.mu.Lock()
	online := !m.intent.Offline
	skip := m.skip
	m.mu.Unlock()

	face := m.capture(ctx, online, skip)
	if ctx.Err() != nil {
		return
	}
	m.fuse(ctx, face)
}

// capture returns nil when the user skipped or ctx ended. The capture call
// has returned, and released the camera, by the time capture does.
func (m *Machine) capture(ctx context.Context, online bool, skip <-chan struct{}) *biometric.Result {
	if m.deps.Capturer == nil {
		return nil
	}
	capCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan *biometric.Result, 1)
	go func() {
		results <- m.deps.Capturer.Capture(capCtx, online)
	}()

	select {
	case r := <-results:
		return r
	case <-skip:
		m.logger.Info("biometric capture skipped")
	case <-ctx.Done():
	}
	cancel()
	<-results
	return nil
}

func (m *Machine) fuse(ctx context.Context, face *biometric.Result) {
	m.mu.Lock()
	if m.haltedLocked() {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(StateFusing, "")
	mode := fusion.ModeFor(m.intent.Offline)
	highValue := m.policy.HighValueThreshold != nil &&
		m.intent.Amount.Cmp(m.policy.HighValueThreshold) >= 0
	m.mu.Unlock()

	var summary *behavior.Summary
	if m.deps.Behavior != nil {
		s := m.deps.Behavior.Summary()
		summary = &s
	}
	d := m.deps.Decider.Decide(face, summary, mode)

	m.mu.Lock()
	if m.haltedLocked() {
		m.mu.Unlock()
		return
	}
	m.decision = &d
	if summary != nil {
		m.sessionID = summary.SessionID
	}
	switch {
	case d.Action == fusion.ActionStepUp:
		stepUpsTotal.WithLabelValues("confidence").Inc()
		m.transitionLocked(StateStepUp, ReasonLowConfidence)
	case highValue:
		stepUpsTotal.WithLabelValues("high_value").Inc()
		m.transitionLocked(StateStepUp, ReasonHighValue)
	default:
		m.transitionLocked(StateFinalizing, "")
		m.mu.Unlock()
		m.finalize(ctx)
		return
	}
	m.mu.Unlock()
}

func (m *Machine) runFinalize(ctx context.Context, done chan struct{}) {
	defer m.endOp(done)
	m.finalize(ctx)
}

func (m *Machine) finalize(ctx context.Context) {
	ctx, span := traces.StartSpan(ctx, "authflow.finalize", traces.AuthorizationID(m.id))
	defer span.End()

	m.mu.Lock()
	intent := m.intent
	sessionID := m.sessionID
	var d fusion.Decision
	if m.decision != nil {
		d = *m.decision
	}
	m.mu.Unlock()

	var (
		cred    *credential.Credential
		receipt *ledger.Receipt
		err     error
	)
	if intent.Offline {
		cred, receipt, err = m.finalizeOffline(ctx, intent, sessionID, d)
	} else {
		err = m.finalizeOnline(ctx, intent)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.receipt, m.cred = receipt, cred
		if cred != nil && m.deps.Wallet != nil {
			m.deps.Wallet.Put(cred)
		}
		m.transitionLocked(StateComplete, "")
		return
	}
	if m.haltedLocked() || ctx.Err() != nil {
		return
	}
	reason := reasonFor(err)
	m.logger.Info("authorization denied", "reason", reason, "error", err)
	m.transitionLocked(StateDenied, reason)
}

func (m *Machine) finalizeOffline(ctx context.Context, intent Intent, sessionID string, d fusion.Decision) (*credential.Credential, *ledger.Receipt, error) {
	if m.deps.Issuer == nil || m.deps.Ledger == nil {
		return nil, nil, errNotConfigured
	}
	cred, err := m.deps.Issuer.Issue(ctx, credential.Request{
		AccountID:       intent.AccountID,
		SessionID:       sessionID,
		BehavioralScore: d.BehavioralConfidence,
		FaceScore:       d.FaceConfidence,
		Offline:         true,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := m.deps.Issuer.Check(cred); err != nil {
		return nil, nil, err
	}
	receipt, err := m.deps.Ledger.Reserve(ctx, ledger.ReserveRequest{
		AccountID:         intent.AccountID,
		Amount:            intent.Amount,
		PayeeRef:          intent.PayeeRef,
		DeviceFingerprint: cred.Payload.DeviceFingerprint,
		CredentialToken:   cred.Token,
	})
	if err != nil {
		return nil, nil, err
	}
	return cred, receipt, nil
}

// finalizeOnline debits the account using the authorization ID as the
// idempotency reference, so a retried debit never charges twice.
func (m *Machine) finalizeOnline(ctx context.Context, intent Intent) error {
	if m.deps.Accounts == nil {
		return errNotConfigured
	}
	amount := money.Format(intent.Amount)
	return retry.Do(ctx, m.policy.DebitAttempts, m.policy.DebitDelay, func(int) error {
		err := m.deps.Accounts.Debit(ctx, intent.AccountID, amount, m.id, "payment to "+intent.PayeeRef)
		switch {
		case err == nil, errors.Is(err, accounts.ErrDuplicateReference):
			return nil
		case errors.Is(err, accounts.ErrInsufficientBalance),
			errors.Is(err, accounts.ErrAccountNotFound),
			errors.Is(err, accounts.ErrInvalidAmount):
			return retry.Permanent(err)
		}
		return err
	})
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, accounts.ErrInsufficientBalance):
		return ReasonInsufficientFunds
	case errors.Is(err, credential.ErrCredentialExpired):
		return ReasonCredentialExpired
	case errors.Is(err, credential.ErrCredentialInvalid):
		return ReasonCredentialInvalid
	case errors.Is(err, ledger.ErrInactive):
		return ReasonLedgerInactive
	case errors.Is(err, accounts.ErrAccountNotFound):
		return ReasonAccountUnavailable
	default:
		return err.Error()
	}
}

func (m *Machine) beginOpLocked() (context.Context, chan struct{}) {
	ctx, cancel := context.WithCancel(m.base)
	done := make(chan struct{})
	m.opCancel, m.opDone = cancel, done
	return ctx, done
}

// endOp finishes an op goroutine. A pending cancel is reported here, after
// the op has unwound.
func (m *Machine) endOp(done chan struct{}) {
	m.mu.Lock()
	if m.cancelling && !m.state.Terminal() {
		m.transitionLocked(StateCancelled, ReasonCancelled)
	}
	if m.opDone == done {
		m.opCancel()
		m.opCancel, m.opDone = nil, nil
	}
	m.mu.Unlock()
	close(done)
}

func (m *Machine) haltedLocked() bool {
	return m.cancelling || m.state.Terminal()
}

func (m *Machine) clearPINLocked() {
	for i := range m.pin {
		m.pin[i] = 0
	}
	m.pin = m.pin[:0]
}

func (m *Machine) transitionLocked(to State, reason string) {
	from := m.state
	m.state = to
	m.reason = reason
	if to.Terminal() {
		m.progress = 100
	} else {
		m.progress = max(m.progress+1, stage[to])
	}
	m.updatedAt = m.now()
	m.logger.Debug("authorization transition", "from", string(from), "to", string(to), "reason", reason)
	m.publishLocked()

	if to.Terminal() {
		m.finishLocked()
	}
}

// advanceLocked bumps progress without changing state.
func (m *Machine) advanceLocked() {
	m.progress = min(m.progress+1, 99)
	m.updatedAt = m.now()
	m.publishLocked()
}

func (m *Machine) publishLocked() {
	ev := m.eventLocked()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Machine) finishLocked() {
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.clearPINLocked()

	mode := string(fusion.ModeFor(m.intent.Offline))
	authorizationsTotal.WithLabelValues(string(m.state), mode).Inc()
	if !m.startedAt.IsZero() {
		authorizationDuration.WithLabelValues(string(m.state)).Observe(m.updatedAt.Sub(m.startedAt).Seconds())
	}
	m.logger.Info("authorization finished", "state", string(m.state), "reason", m.reason)

	if m.deps.Store == nil {
		return
	}
	rec := m.recordLocked()
	go func() {
		if err := m.deps.Store.Record(context.Background(), rec); err != nil {
			m.logger.Warn("failed to record authorization", "error", err)
		}
	}()
}

func (m *Machine) eventLocked() Event {
	return Event{
		AuthorizationID: m.id,
		State:           m.state,
		Progress:        m.progress,
		Reason:          m.reason,
		At:              m.updatedAt,
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:          m.id,
		AccountID:   m.intent.AccountID,
		PayeeRef:    m.intent.PayeeRef,
		Offline:     m.intent.Offline,
		State:       m.state,
		Progress:    m.progress,
		Reason:      m.reason,
		PINEntered:  len(m.pin),
		PINAttempts: m.pinAttempts,
		Captures:    m.captures,
		StartedAt:   m.startedAt,
		UpdatedAt:   m.updatedAt,
	}
	if m.intent.Amount != nil {
		s.Amount = money.Format(m.intent.Amount)
	}
	if m.decision != nil {
		d := *m.decision
		s.Decision = &d
	}
	if m.receipt != nil {
		s.ReceiptID = m.receipt.ID
	}
	if m.cred != nil {
		s.Credential = m.cred.Token
	}
	return s
}

func (m *Machine) recordLocked() *Record {
	rec := &Record{
		ID:          m.id,
		AccountID:   m.intent.AccountID,
		PayeeRef:    m.intent.PayeeRef,
		Offline:     m.intent.Offline,
		FinalState:  m.state,
		Reason:      m.reason,
		PINAttempts: m.pinAttempts,
		Captures:    m.captures,
		StartedAt:   m.startedAt,
		FinishedAt:  m.updatedAt,
	}
	if m.intent.Amount != nil {
		rec.Amount = money.Format(m.intent.Amount)
	} else {
		rec.Amount = "0.000000"
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = m.updatedAt
	}
	if m.decision != nil {
		d := *m.decision
		rec.Decision = &d
	}
	if m.receipt != nil {
		rec.ReceiptID = m.receipt.ID
	}
	return rec
}
