// Package ledger holds the offline balance reservation ledger.
//
// Flow:
//  1. Device goes offline: Activate locks up to the cap from the account
//     balance and sets aside the initial deposit
//  2. Each offline payment Reserves amount·(1+rate) from the available
//     balance and keeps amount·rate as a deposit
//  3. Device comes back online: Reconcile hands back the reserved deposits
//     and the receipt journal for settlement, and zeroes the ledger
//
// All mutations share one lock, so a reservation can never land on a
// ledger that has already been reconciled.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/tapipay/tapicore/internal/idgen"
	"github.com/tapipay/tapicore/internal/money"
	"github.com/tapipay/tapicore/internal/syncutil"
	"github.com/tapipay/tapicore/internal/traces"
)

var (
	ErrInactive           = errors.New("offline ledger not active")
	ErrAlreadyActive      = errors.New("offline ledger already active")
	ErrInsufficientFunds  = errors.New("insufficient offline funds")
	ErrInvariantViolation = errors.New("ledger invariant violation")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidPolicy      = errors.New("invalid ledger policy")
)

// LeakError is returned by Deactivate when reserved deposits (and any
// unsettled receipts) are dropped without reconciliation.
type LeakError struct {
	Reserved *big.Int
	Receipts []*Receipt
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("offline ledger deactivated with %s reserved and %d unsettled receipts",
		money.Format(e.Reserved), len(e.Receipts))
}

// Policy is the deployment's offline spending policy.
type Policy struct {
	DepositRate *big.Int // micro-units, 100000 = 10%
	LockCap     *big.Int
}

// DefaultPolicy is a zero deposit rate and a 200.00 cap.
func DefaultPolicy() Policy {
	return Policy{DepositRate: big.NewInt(0), LockCap: money.MustParse("200")}
}

// ParsePolicy builds a policy from decimal strings. The rate must lie in
// [0, 1); the cap must be positive.
func ParsePolicy(rate, lockCap string) (Policy, error) {
	r, ok := money.Parse(rate)
	if !ok || r.Cmp(money.MustParse("1")) >= 0 {
		return Policy{}, fmt.Errorf("%w: deposit rate %q", ErrInvalidPolicy, rate)
	}
	c, ok := money.Parse(lockCap)
	if !ok || c.Sign() <= 0 {
		return Policy{}, fmt.Errorf("%w: lock cap %q", ErrInvalidPolicy, lockCap)
	}
	return Policy{DepositRate: r, LockCap: c}, nil
}

// State is a point-in-time copy of the ledger.
type State struct {
	Locked      *big.Int
	Available   *big.Int
	Reserved    *big.Int
	Active      bool
	ActivatedAt time.Time
}

// View is the JSON form of State.
type View struct {
	LockedAmount     string    `json:"lockedAmount"`
	AvailableBalance string    `json:"availableBalance"`
	ReservedDeposits string    `json:"reservedDeposits"`
	IsActive         bool      `json:"isActive"`
	ActivatedAt      time.Time `json:"activatedAt,omitempty"`
	PendingReceipts  int       `json:"pendingReceipts"`
}

func zeroState() State {
	return State{Locked: new(big.Int), Available: new(big.Int), Reserved: new(big.Int)}
}

func (s State) clone() State {
	return State{
		Locked:      new(big.Int).Set(s.Locked),
		Available:   new(big.Int).Set(s.Available),
		Reserved:    new(big.Int).Set(s.Reserved),
		Active:      s.Active,
		ActivatedAt: s.ActivatedAt,
	}
}

// ReserveRequest is one offline payment.
type ReserveRequest struct {
	AccountID         string
	Amount            *big.Int
	PayeeRef          string
	DeviceFingerprint string
	CredentialToken   string
}

// Settlement is what Reconcile hands back for settlement against the
// account system.
type Settlement struct {
	Returned *big.Int
	Receipts []*Receipt
	Anchor   ChainAnchor
}

// Ledger is the offline reservation ledger for one device.
type Ledger struct {
	policy  Policy
	journal *Journal
	mu      *syncutil.ContextMutex
	state   State
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an inactive ledger.
func New(policy Policy, journal *Journal, logger *slog.Logger, opts ...Option) *Ledger {
	def := DefaultPolicy()
	if policy.DepositRate == nil {
		policy.DepositRate = def.DepositRate
	}
	if policy.LockCap == nil {
		policy.LockCap = def.LockCap
	}
	if journal == nil {
		journal = NewJournal("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		policy:  policy,
		journal: journal,
		mu:      syncutil.NewContextMutex(),
		state:   zeroState(),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the ledger's spending policy.
func (l *Ledger) Policy() Policy {
	return l.policy
}

// Activate locks min(balance, cap) and reserves locked·rate as the initial
// deposit.
func (l *Ledger) Activate(ctx context.Context, balance *big.Int) error {
	done := observeOp("activate")
	defer done()

	if balance == nil || balance.Sign() < 0 {
		return ErrInvalidAmount
	}

	unlock, err := l.mu.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if l.state.Active {
		return ErrAlreadyActive
	}

	next := zeroState()
	next.Locked = money.Min(balance, l.policy.LockCap)
	next.Reserved = money.ApplyRate(next.Locked, l.policy.DepositRate)
	next.Available = new(big.Int).Sub(next.Locked, next.Reserved)
	next.Active = true
	next.ActivatedAt = l.now()

	if err := checkInvariants(next); err != nil {
		return err
	}
	if next.Locked.Cmp(balance) > 0 {
		return fmt.Errorf("%w: locked exceeds account balance", ErrInvariantViolation)
	}

	l.state = next
	publishState(next)
	l.logger.Info("offline ledger activated",
		"locked", money.Format(next.Locked),
		"available", money.Format(next.Available),
		"reserved", money.Format(next.Reserved),
	)
	return nil
}

// Reserve debits amount·(1+rate) from the available balance and credits
// amount·rate to reserved deposits. On any error the state is unchanged.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Reserve", traces.AccountID(req.AccountID), traces.Amount(money.Format(req.Amount)))
	defer span.End()
	done := observeOp("reserve")
	defer done()

	if req.Amount == nil || req.Amount.Sign() <= 0 {
		reserveTotal.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidAmount
	}

	unlock, err := l.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !l.state.Active {
		reserveTotal.WithLabelValues("inactive").Inc()
		return nil, ErrInactive
	}

	deposit := money.ApplyRate(req.Amount, l.policy.DepositRate)
	total := new(big.Int).Add(req.Amount, deposit)
	if total.Cmp(l.state.Available) > 0 {
		reserveTotal.WithLabelValues("insufficient").Inc()
		return nil, traces.Fail(span, ErrInsufficientFunds)
	}

	next := l.state.clone()
	next.Available.Sub(next.Available, total)
	next.Reserved.Add(next.Reserved, deposit)
	if err := checkInvariants(next); err != nil {
		reserveTotal.WithLabelValues("invariant").Inc()
		l.logger.Error("reservation rejected", "error", err)
		return nil, traces.Fail(span, err)
	}

	receipt := &Receipt{
		ID:                idgen.WithPrefix("rcpt_"),
		AccountID:         req.AccountID,
		Amount:            money.Format(req.Amount),
		Deposit:           money.Format(deposit),
		PayeeRef:          req.PayeeRef,
		DeviceFingerprint: req.DeviceFingerprint,
		CredentialToken:   req.CredentialToken,
		CreatedAt:         l.now().UTC(),
	}
	l.journal.Append(receipt)

	l.state = next
	publishState(next)
	reserveTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(traces.ReceiptID(receipt.ID))
	l.logger.Info("offline reservation committed",
		"receipt", receipt.ID,
		"amount", receipt.Amount,
		"deposit", receipt.Deposit,
		"available", money.Format(next.Available),
	)
	return receipt, nil
}

// Reconcile returns the reserved deposits and pending receipts and zeroes
// the ledger. A second call returns zero and no receipts.
func (l *Ledger) Reconcile(ctx context.Context) (*Settlement, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Reconcile")
	defer span.End()
	done := observeOp("reconcile")
	defer done()

	unlock, err := l.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	receipts, anchor := l.journal.Drain()
	settlement := &Settlement{
		Returned: new(big.Int).Set(l.state.Reserved),
		Receipts: receipts,
		Anchor:   anchor,
	}
	wasActive := l.state.Active
	l.state = zeroState()
	publishState(l.state)

	if wasActive {
		l.logger.Info("offline ledger reconciled",
			"returned", money.Format(settlement.Returned),
			"receipts", len(settlement.Receipts),
		)
	}
	return settlement, nil
}

// Deactivate zeroes the ledger without settlement. Non-zero reserved
// deposits are reported as a *LeakError after the state is cleared.
func (l *Ledger) Deactivate(ctx context.Context) error {
	done := observeOp("deactivate")
	defer done()

	unlock, err := l.mu.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	reserved := new(big.Int).Set(l.state.Reserved)
	receipts, _ := l.journal.Drain()
	l.state = zeroState()
	publishState(l.state)

	if reserved.Sign() > 0 || len(receipts) > 0 {
		leak := &LeakError{Reserved: reserved, Receipts: receipts}
		leaksTotal.Inc()
		l.logger.Warn("offline ledger leaked reserved funds", "reserved", money.Format(reserved), "receipts", len(receipts))
		return leak
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() State {
	unlock := l.mu.Lock()
	defer unlock()
	return l.state.clone()
}

// View returns the JSON form of the current state.
func (l *Ledger) View() View {
	unlock := l.mu.Lock()
	defer unlock()
	return View{
		LockedAmount:     money.Format(l.state.Locked),
		AvailableBalance: money.Format(l.state.Available),
		ReservedDeposits: money.Format(l.state.Reserved),
		IsActive:         l.state.Active,
		ActivatedAt:      l.state.ActivatedAt,
		PendingReceipts:  l.journal.Len(),
	}
}

// Active reports whether the ledger is active.
func (l *Ledger) Active() bool {
	return l.Snapshot().Active
}

// VerifyChain checks a drained batch against the ledger's journal key.
func (l *Ledger) VerifyChain(receipts []*Receipt, anchor ChainAnchor) error {
	return l.journal.Verify(receipts, anchor)
}

// checkInvariants validates a candidate state before it is committed.
func checkInvariants(s State) error {
	if s.Available.Sign() < 0 {
		return fmt.Errorf("%w: available balance negative", ErrInvariantViolation)
	}
	if s.Reserved.Sign() < 0 {
		return fmt.Errorf("%w: reserved deposits negative", ErrInvariantViolation)
	}
	if new(big.Int).Add(s.Available, s.Reserved).Cmp(s.Locked) > 0 {
		return fmt.Errorf("%w: available plus reserved exceeds locked", ErrInvariantViolation)
	}
	if !s.Active && (s.Locked.Sign() != 0 || s.Available.Sign() != 0 || s.Reserved.Sign() != 0) {
		return fmt.Errorf("%w: inactive ledger holds funds", ErrInvariantViolation)
	}
	return nil
}
