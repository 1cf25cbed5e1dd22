package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// BacklogRetrier retries deferred settlement items.
type BacklogRetrier interface {
	RetryBacklog(ctx context.Context) (*Result, error)
	BacklogLen() int
}

// Timer periodically retries the settlement backlog.
type Timer struct {
	runner   BacklogRetrier
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a backlog timer. A zero interval uses one minute.
func NewTimer(runner BacklogRetrier, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic retry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement timer", "panic", fmt.Sprint(r))
		}
	}()

	if t.runner.BacklogLen() == 0 {
		return
	}
	res, err := t.runner.RetryBacklog(ctx)
	if err != nil {
		t.logger.Warn("settlement backlog retry incomplete", "error", err, "pending", res.Backlog)
		return
	}
	t.logger.Info("settlement backlog cleared", "settled", res.Settled)
}
