// Package connectivity reacts to the device's online/offline transitions:
// activating the offline ledger when the network drops and settling it
// when the network returns.
package connectivity

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
	"github.com/tapipay/tapicore/internal/reconciliation"
	"github.com/tapipay/tapicore/internal/retry"
	"github.com/tapipay/tapicore/internal/traces"
)

// Config controls outbound retries.
type Config struct {
	AccountID     string
	RetryAttempts int
	RetryDelay    time.Duration
}

// Coordinator serializes connectivity transitions for one device.
type Coordinator struct {
	cfg      Config
	ledger   *ledger.Ledger
	accounts accounts.Store
	settler  *reconciliation.Settler
	logger   *slog.Logger

	mu           sync.Mutex
	online       bool
	onReconciled []func(ctx context.Context, res *reconciliation.Result)
}

// New creates a coordinator that starts in online mode.
func New(cfg Config, l *ledger.Ledger, store accounts.Store, settler *reconciliation.Settler, logger *slog.Logger) *Coordinator {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		ledger:   l,
		accounts: store,
		settler:  settler,
		logger:   logger,
		online:   true,
	}
}

// Online reports the current connectivity mode.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// OnReconciled registers a hook run after every settlement. Hooks run
// while the transition is in progress and must not call back into the
// coordinator.
func (c *Coordinator) OnReconciled(fn func(ctx context.Context, res *reconciliation.Result)) {
	c.mu.Lock()
	c.onReconciled = append(c.onReconciled, fn)
	c.mu.Unlock()
}

// OnConnectivityChanged applies a transition. A signal for the current
// mode is a no-op.
func (c *Coordinator) OnConnectivityChanged(ctx context.Context, online bool) error {
	_, err := c.Transition(ctx, online)
	return err
}

// Transition applies a connectivity signal and reports whether the mode
// changed. Going offline always switches the mode; a failed activation is
// reported through the error. Going online switches only once the ledger
// has been reconciled, so a failed reconnect can be retried with the same
// signal. Settlement failures after that are left to the settler backlog.
func (c *Coordinator) Transition(ctx context.Context, online bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if online == c.online {
		return false, nil
	}

	if !online {
		c.online = false
		c.changed(false)
		return true, c.goOffline(ctx)
	}

	st, err := c.reconcile(ctx)
	if err != nil {
		c.logger.Warn("reconnect deferred: ledger not reconciled", "error", err)
		return false, err
	}
	c.online = true
	c.changed(true)
	return true, c.settle(context.WithoutCancel(ctx), st)
}

func (c *Coordinator) changed(online bool) {
	transitionsTotal.WithLabelValues(modeLabel(online)).Inc()
	c.logger.Info("connectivity changed", "online", online)
}

func (c *Coordinator) goOffline(ctx context.Context) error {
	ctx, span := traces.StartSpan(ctx, "connectivity.goOffline", traces.AccountID(c.cfg.AccountID))
	defer span.End()

	var acct *accounts.Account
	err := retry.Do(ctx, c.cfg.RetryAttempts, c.cfg.RetryDelay, func(int) error {
		var err error
		acct, err = c.accounts.GetBalance(ctx, c.cfg.AccountID)
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		c.logger.Error("offline activation failed: balance unavailable", "error", err)
		return fmt.Errorf("read balance: %w", err)
	}
	balance, ok := money.Parse(acct.Balance)
	if !ok {
		return fmt.Errorf("read balance: unparseable %q", acct.Balance)
	}

	policy := c.ledger.Policy()
	deposit := money.ApplyRate(money.Min(balance, policy.LockCap), policy.DepositRate)
	holdRef := idgen.WithPrefix("hold_")
	if deposit.Sign() > 0 {
		if err := c.debit(ctx, money.Format(deposit), holdRef); err != nil {
			c.logger.Error("offline activation failed: deposit hold rejected", "error", err)
			return fmt.Errorf("hold initial deposit: %w", err)
		}
	}

	if err := c.ledger.Activate(ctx, balance); err != nil {
		if deposit.Sign() > 0 {
			c.release(ctx, deposit, holdRef)
		}
		return fmt.Errorf("activate ledger: %w", err)
	}
	return nil
}

func (c *Coordinator) reconcile(ctx context.Context) (*ledger.Settlement, error) {
	ctx, span := traces.StartSpan(ctx, "connectivity.reconcile", traces.AccountID(c.cfg.AccountID))
	defer span.End()

	st, err := c.ledger.Reconcile(ctx)
	if err != nil {
		return nil, traces.Fail(span, fmt.Errorf("reconcile ledger: %w", err))
	}
	return st, nil
}

// settle runs detached from the caller's cancellation: the batch has
// already left the ledger.
func (c *Coordinator) settle(ctx context.Context, st *ledger.Settlement) error {
	ctx, span := traces.StartSpan(ctx, "connectivity.settle", traces.AccountID(c.cfg.AccountID))
	defer span.End()

	res, err := c.settler.Settle(ctx, c.cfg.AccountID, st)
	for _, fn := range c.onReconciled {
		fn(ctx, res)
	}
	if err != nil {
		return traces.Fail(span, fmt.Errorf("settle: %w", err))
	}
	return nil
}

// Shutdown deactivates an active ledger. Unsettled funds come back as a
// *ledger.LeakError.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Deactivate(ctx)
}

func (c *Coordinator) debit(ctx context.Context, amount, ref string) error {
	return retry.Do(ctx, c.cfg.RetryAttempts, c.cfg.RetryDelay, func(int) error {
		err := c.accounts.Debit(ctx, c.cfg.AccountID, amount, ref, "offline deposit hold")
		switch {
		case err == nil, errors.Is(err, accounts.ErrDuplicateReference):
			return nil
		case errors.Is(err, accounts.ErrInsufficientBalance), errors.Is(err, accounts.ErrAccountNotFound):
			return retry.Permanent(err)
		}
		return err
	})
}

// release returns a hold when activation could not complete.
func (c *Coordinator) release(ctx context.Context, amount *big.Int, ref string) {
	err := retry.Do(ctx, c.cfg.RetryAttempts, c.cfg.RetryDelay, func(int) error {
		err := c.accounts.Credit(ctx, c.cfg.AccountID, money.Format(amount), ref, "offline deposit hold released")
		if errors.Is(err, accounts.ErrDuplicateReference) {
			return nil
		}
		return err
	})
	if err != nil {
		c.logger.Error("failed to release deposit hold", "amount", money.Format(amount), "reference", ref, "error", err)
	}
}

func modeLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
