package fusion

import (
	"log/slog"

	"github.com/tapipay/tapicore/internal/behavior"
	"github.com/tapipay/tapicore/internal/biometric"
)

// Override replaces the computed decision when it returns ok. It is the
// only way to force an outcome; identities are never inspected.
type Override func(computed Decision) (forced Decision, ok bool)

// Engine applies Fuse with an optional override and records metrics.
type Engine struct {
	override Override
	logger   *slog.Logger
}

// NewEngine creates a fusion engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// WithOverride returns a copy of the engine that consults o.
func (e *Engine) WithOverride(o Override) *Engine {
	return &Engine{override: o, logger: e.logger}
}

// Decide fuses the signals and applies the override, if any.
func (e *Engine) Decide(face *biometric.Result, behavioral *behavior.Summary, mode Mode) Decision {
	d := Fuse(face, behavioral, mode)
	if e.override != nil {
		if forced, ok := e.override(d); ok {
			forced.Overridden = true
			if forced.Mode == "" {
				forced.Mode = mode
			}
			d = forced
		}
	}

	decisionsTotal.WithLabelValues(string(d.Action), string(d.Mode)).Inc()
	combinedConfidence.WithLabelValues(string(d.Mode)).Observe(d.CombinedConfidence)

	e.logger.Debug("fused decision",
		"face", d.FaceConfidence,
		"behavioral", d.BehavioralConfidence,
		"combined", d.CombinedConfidence,
		"tier", d.Tier,
		"action", d.Action,
		"mode", d.Mode,
		"overridden", d.Overridden,
	)
	return d
}

// Force returns an override that always yields the given action with a
// matching tier and confidence.
func Force(action Action) Override {
	return func(computed Decision) (Decision, bool) {
		forced := computed
		forced.Action = action
		if action == ActionAllow {
			forced.Tier = TierLow
			forced.CombinedConfidence = 1
		} else {
			forced.Tier = TierHigh
			forced.CombinedConfidence = 0
		}
		return forced, true
	}
}
