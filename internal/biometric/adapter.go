package biometric

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/tapipay/tapicore/internal/circuitbreaker"
	"github.com/tapipay/tapicore/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// Config bounds a capture.
type Config struct {
	Timeout        time.Duration
	FallbackMin    float64 // percent
	FallbackMax    float64 // percent
	BreakerTrips   int
	BreakerCooloff time.Duration
}

// DefaultConfig returns the production capture bounds.
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		FallbackMin:    40,
		FallbackMax:    60,
		BreakerTrips:   3,
		BreakerCooloff: 30 * time.Second,
	}
}

// Adapter turns camera frames into biometric results.
type Adapter struct {
	cfg     Config
	camera  Camera
	remote  Matcher
	local   Matcher
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLocalMatcher installs an on-device matcher used while offline.
func WithLocalMatcher(m Matcher) Option {
	return func(a *Adapter) { a.local = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// NewAdapter creates an adapter. remote may be nil, in which case every
// online capture falls back.
func NewAdapter(cfg Config, camera Camera, remote Matcher, logger *slog.Logger, opts ...Option) *Adapter {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FallbackMax <= 0 || cfg.FallbackMax < cfg.FallbackMin {
		cfg.FallbackMin, cfg.FallbackMax = def.FallbackMin, def.FallbackMax
	}
	cfg.FallbackMin = math.Max(0, cfg.FallbackMin)
	cfg.FallbackMax = math.Min(100, cfg.FallbackMax)
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:     cfg,
		camera:  camera,
		remote:  remote,
		breaker: circuitbreaker.New("face_matcher", cfg.BreakerTrips, cfg.BreakerCooloff),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.breaker.OnTransition(func(from, to circuitbreaker.State) {
		a.logger.Warn("face matcher circuit changed", "from", from.String(), "to", to.String())
	})
	return a
}

// Breaker exposes the matcher circuit for health reporting.
func (a *Adapter) Breaker() *circuitbreaker.Breaker {
	return a.breaker
}

// Capture opens the camera, takes one frame and evaluates it. It never
// returns an error and never retries; the camera is released before it
// returns, including when ctx is cancelled.
func (a *Adapter) Capture(ctx context.Context, online bool) *Result {
	ctx, span := traces.StartSpan(ctx, "biometric.Capture", attribute.Bool("online", online))
	defer span.End()

	start := a.now()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	if a.camera == nil {
		return a.record(start, a.fallback(ModeError, "no camera"))
	}
	src, err := a.camera.Open(ctx)
	if err != nil {
		return a.record(start, a.fallback(ModeError, "camera unavailable: "+err.Error()))
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			a.logger.Warn("camera release failed", "error", cerr)
		}
	}()

	frame, err := src.Frame(ctx)
	if err != nil {
		return a.record(start, a.fallback(modeFor(online), captureReason(err)))
	}
	return a.record(start, a.evaluate(ctx, frame, online))
}

// Evaluate scores a frame delivered outside of Capture.
func (a *Adapter) Evaluate(ctx context.Context, frame []byte, online bool) *Result {
	start := a.now()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	return a.record(start, a.evaluate(ctx, frame, online))
}

func (a *Adapter) evaluate(ctx context.Context, frame []byte, online bool) *Result {
	if len(frame) == 0 {
		return a.fallback(modeFor(online), "empty frame")
	}

	if !online {
		if a.local == nil {
			return a.fallback(ModeOffline, "matcher unavailable offline")
		}
		m, err := a.local.Match(ctx, frame)
		if err != nil {
			return a.fallback(ModeOffline, captureReason(err))
		}
		return a.result(m, ModeOffline)
	}

	if a.remote == nil {
		return a.fallback(ModeError, "no matcher configured")
	}
	var m *Match
	err := a.breaker.Call(func() error {
		var merr error
		m, merr = a.remote.Match(ctx, frame)
		return merr
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return a.fallback(ModeError, "matcher circuit open")
		}
		return a.fallback(ModeError, captureReason(err))
	}
	return a.result(m, ModeOnline)
}

func (a *Adapter) result(m *Match, mode Mode) *Result {
	if m == nil {
		return a.fallback(mode, "matcher returned no result")
	}
	return &Result{
		ConfidencePercent: clampPercent(m.ConfidencePercent),
		MatchedIdentity:   m.Identity,
		LivenessPassed:    m.LivenessPassed,
		Mode:              mode,
		CapturedAt:        a.now(),
	}
}

// fallback produces a low-trust result with confidence drawn uniformly
// from the configured range.
func (a *Adapter) fallback(mode Mode, reason string) *Result {
	a.logger.Info("biometric capture fell back", "mode", string(mode), "reason", reason)
	return &Result{
		ConfidencePercent: randomPercent(a.cfg.FallbackMin, a.cfg.FallbackMax),
		LivenessPassed:    false,
		Mode:              mode,
		Fallback:          true,
		Reason:            reason,
		CapturedAt:        a.now(),
	}
}

func (a *Adapter) record(start time.Time, r *Result) *Result {
	capturesTotal.WithLabelValues(string(r.Mode), fmt.Sprint(r.Fallback)).Inc()
	captureDuration.Observe(a.now().Sub(start).Seconds())
	return r
}

func modeFor(online bool) Mode {
	if online {
		return ModeError
	}
	return ModeOffline
}

func captureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "capture timed out"
	case errors.Is(err, context.Canceled):
		return "capture cancelled"
	default:
		return err.Error()
	}
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// randomPercent returns a value in [lo, hi] at 0.01 resolution.
func randomPercent(lo, hi float64) float64 {
	span := int64(math.Round((hi - lo) * 100))
	if span <= 0 {
		return lo
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span+1))
	if err != nil {
		return lo
	}
	return lo + float64(n.Int64())/100
}
