// Package reconciliation settles offline receipts against the account
// system once the device is back online.
//
// Each receipt is debited for amount+deposit using the receipt ID as the
// idempotency reference, then the ledger's returned deposits are credited
// back. Net account effect is the sum of the offline payment amounts.
// Anything that cannot be applied within the retry budget stays in a
// backlog that the Timer retries later.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/tapipay/tapicore/internal/accounts"
	"github.com/tapipay/tapicore/internal/idgen"
	"github.com/tapipay/tapicore/internal/ledger"
	"github.com/tapipay/tapicore/internal/money"
	"github.com/tapipay/tapicore/internal/retry"
	"github.com/tapipay/tapicore/internal/traces"
)

// ErrChainInvalid means the receipt journal failed verification and the
// batch was quarantined instead of settled.
var ErrChainInvalid = errors.New("receipt chain failed verification")

// ChainVerifier checks a receipt batch before it is settled.
type ChainVerifier interface {
	VerifyChain(receipts []*ledger.Receipt, anchor ledger.ChainAnchor) error
}

// Result summarizes one settlement or backlog run.
type Result struct {
	Settled     int      `json:"settled"`
	Failed      int      `json:"failed"`
	Debited     string   `json:"debited"`
	Returned    string   `json:"returned"`
	Backlog     int      `json:"backlog"`
	ReceiptIDs  []string `json:"receiptIds"`
	Quarantined int      `json:"quarantined,omitempty"`
}

type pendingCredit struct {
	accountID string
	amount    string
	reference string
}

// Settler applies settlements to an account store.
type Settler struct {
	store     accounts.Store
	verifier  ChainVerifier
	attempts  int
	baseDelay time.Duration
	logger    *slog.Logger

	mu          sync.Mutex
	receipts    []*ledger.Receipt
	credits     []pendingCredit
	quarantined []*ledger.Receipt
}

// NewSettler creates a settler. verifier may be nil to skip chain checks.
func NewSettler(store accounts.Store, verifier ChainVerifier, attempts int, baseDelay time.Duration, logger *slog.Logger) *Settler {
	if attempts <= 0 {
		attempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{
		store:     store,
		verifier:  verifier,
		attempts:  attempts,
		baseDelay: baseDelay,
		logger:    logger,
	}
}

// Settle applies a ledger settlement for accountID.
func (s *Settler) Settle(ctx context.Context, accountID string, st *ledger.Settlement) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.Settle", traces.AccountID(accountID))
	defer span.End()
	start := time.Now()
	defer func() { settleDuration.Observe(time.Since(start).Seconds()) }()

	res := &Result{Debited: money.Format(nil), Returned: money.Format(nil)}
	if st == nil {
		return res, nil
	}

	if s.verifier != nil && (len(st.Receipts) > 0 || st.Anchor != (ledger.ChainAnchor{})) {
		if err := s.verifier.VerifyChain(st.Receipts, st.Anchor); err != nil {
			s.mu.Lock()
			s.quarantined = append(s.quarantined, st.Receipts...)
			res.Quarantined = len(s.quarantined)
			s.mu.Unlock()
			settleErrors.Inc()
			settleRuns.WithLabelValues("quarantined").Inc()
			s.logger.Error("receipt chain rejected, batch quarantined", "account", accountID, "receipts", len(st.Receipts), "error", err)
			return res, traces.Fail(span, fmt.Errorf("%w: %w", ErrChainInvalid, err))
		}
	}

	debited := new(big.Int)
	for _, r := range st.Receipts {
		if err := s.debitReceipt(ctx, r); err != nil {
			res.Failed++
			s.enqueueReceipt(r)
			s.logger.Warn("receipt settlement deferred", "receipt", r.ID, "error", err)
			continue
		}
		res.Settled++
		res.ReceiptIDs = append(res.ReceiptIDs, r.ID)
		debited.Add(debited, receiptTotal(r))
	}
	res.Debited = money.Format(debited)

	if st.Returned != nil && st.Returned.Sign() > 0 {
		credit := pendingCredit{
			accountID: accountID,
			amount:    money.Format(st.Returned),
			reference: idgen.WithPrefix("ret_"),
		}
		if err := s.applyCredit(ctx, credit); err != nil {
			res.Failed++
			s.enqueueCredit(credit)
			s.logger.Warn("deposit return deferred", "account", accountID, "amount", credit.amount, "error", err)
		} else {
			res.Returned = credit.amount
		}
	}

	res.Backlog = s.BacklogLen()
	s.record(res)
	s.logger.Info("offline settlement applied",
		"account", accountID,
		"settled", res.Settled,
		"failed", res.Failed,
		"debited", res.Debited,
		"returned", res.Returned,
		"backlog", res.Backlog,
	)
	return res, nil
}

// RetryBacklog makes one bounded attempt at every deferred receipt and
// credit.
func (s *Settler) RetryBacklog(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	receipts, credits := s.receipts, s.credits
	s.receipts, s.credits = nil, nil
	s.mu.Unlock()

	res := &Result{Debited: money.Format(nil), Returned: money.Format(nil)}
	if len(receipts) == 0 && len(credits) == 0 {
		return res, nil
	}

	debited, returned := new(big.Int), new(big.Int)
	for _, r := range receipts {
		if err := s.debitReceipt(ctx, r); err != nil {
			res.Failed++
			s.enqueueReceipt(r)
			continue
		}
		res.Settled++
		res.ReceiptIDs = append(res.ReceiptIDs, r.ID)
		debited.Add(debited, receiptTotal(r))
	}
	for _, c := range credits {
		if err := s.applyCredit(ctx, c); err != nil {
			res.Failed++
			s.enqueueCredit(c)
			continue
		}
		amt, _ := money.Parse(c.amount)
		returned.Add(returned, amt)
	}
	res.Debited = money.Format(debited)
	res.Returned = money.Format(returned)
	res.Backlog = s.BacklogLen()
	s.record(res)

	if res.Failed > 0 {
		return res, fmt.Errorf("%d settlement items still pending", res.Failed)
	}
	return res, nil
}

// BacklogLen returns how many receipts and credits await a retry.
func (s *Settler) BacklogLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts) + len(s.credits)
}

// Quarantined returns receipts whose chain failed verification.
func (s *Settler) Quarantined() []*ledger.Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ledger.Receipt, len(s.quarantined))
	copy(out, s.quarantined)
	return out
}

func (s *Settler) debitReceipt(ctx context.Context, r *ledger.Receipt) error {
	total := money.Format(receiptTotal(r))
	desc := "offline payment to " + r.PayeeRef
	return retry.Do(ctx, s.attempts, s.baseDelay, func(int) error {
		err := s.store.Debit(ctx, r.AccountID, total, r.ID, desc)
		return classify(err)
	})
}

func (s *Settler) applyCredit(ctx context.Context, c pendingCredit) error {
	return retry.Do(ctx, s.attempts, s.baseDelay, func(int) error {
		err := s.store.Credit(ctx, c.accountID, c.amount, c.reference, "offline deposits returned")
		return classify(err)
	})
}

// classify treats a replayed reference as success and marks business
// rejections as permanent.
func classify(err error) error {
	switch {
	case err == nil, errors.Is(err, accounts.ErrDuplicateReference):
		return nil
	case errors.Is(err, accounts.ErrInsufficientBalance),
		errors.Is(err, accounts.ErrAccountNotFound),
		errors.Is(err, accounts.ErrInvalidAmount):
		return retry.Permanent(err)
	default:
		return err
	}
}

func (s *Settler) enqueueReceipt(r *ledger.Receipt) {
	s.mu.Lock()
	s.receipts = append(s.receipts, r)
	s.mu.Unlock()
}

func (s *Settler) enqueueCredit(c pendingCredit) {
	s.mu.Lock()
	s.credits = append(s.credits, c)
	s.mu.Unlock()
}

func (s *Settler) record(res *Result) {
	receiptsSettled.Add(float64(res.Settled))
	backlogSize.Set(float64(res.Backlog))
	if res.Failed > 0 {
		settleErrors.Add(float64(res.Failed))
		settleRuns.WithLabelValues("partial").Inc()
		return
	}
	settleRuns.WithLabelValues("ok").Inc()
}

func receiptTotal(r *ledger.Receipt) *big.Int {
	amount, _ := money.Parse(r.Amount)
	deposit, _ := money.Parse(r.Deposit)
	if amount == nil {
		amount = new(big.Int)
	}
	if deposit == nil {
		deposit = new(big.Int)
	}
	return new(big.Int).Add(amount, deposit)
}
