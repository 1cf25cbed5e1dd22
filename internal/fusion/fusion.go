// Package fusion combines face and behavioral confidence into a single
// risk decision.
package fusion

import (
	"math"

	"github.com/tapipay/tapicore/internal/behavior"
	"github.com/tapipay/tapicore/internal/biometric"
)

// Mode is the connectivity mode the decision is made under.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// ModeFor maps an offline flag to a Mode.
func ModeFor(offline bool) Mode {
	if offline {
		return ModeOffline
	}
	return ModeOnline
}

// Tier is the coarse risk classification.
type Tier string

const (
	TierLow  Tier = "low"
	TierHigh Tier = "high"
)

// Action is what the authorization flow should do next.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionStepUp Action = "step_up"
)

const (
	FaceWeight       = 0.7
	BehavioralWeight = 0.3

	LowRiskThreshold = 0.8
	AllowOnline      = 0.8
	AllowOffline     = 0.6
)

// Decision is the fused outcome. It is never persisted.
type Decision struct {
	FaceConfidence       float64 `json:"faceConfidence"`
	BehavioralConfidence float64 `json:"behavioralConfidence"`
	CombinedConfidence   float64 `json:"combinedConfidence"`
	FaceSkipped          bool    `json:"faceSkipped"`
	Tier                 Tier    `json:"riskTier"`
	Action               Action  `json:"action"`
	Mode                 Mode    `json:"mode"`
	Overridden           bool    `json:"overridden,omitempty"`
}

// Fuse computes a decision. A nil face means the user skipped capture; a
// nil behavioral summary means no behavioral signal is available.
//
//	combined = 0.7·face + 0.3·behavioral   face present
//	combined = behavioral                  face skipped
//	combined = 0                           neither signal
//
// Fuse is deterministic and has no side effects.
func Fuse(face *biometric.Result, behavioral *behavior.Summary, mode Mode) Decision {
	d := Decision{Mode: mode, FaceSkipped: face == nil}

	if behavioral != nil {
		d.BehavioralConfidence = behavioral.ConsistencyScore
	}

	switch {
	case face != nil && behavioral != nil:
		d.FaceConfidence = face.Confidence()
		d.CombinedConfidence = FaceWeight*d.FaceConfidence + BehavioralWeight*d.BehavioralConfidence
	case face != nil:
		d.FaceConfidence = face.Confidence()
		d.CombinedConfidence = FaceWeight * d.FaceConfidence
	case behavioral != nil:
		d.CombinedConfidence = d.BehavioralConfidence
	}
	d.CombinedConfidence = round4(d.CombinedConfidence)

	d.Tier = TierHigh
	if d.CombinedConfidence > LowRiskThreshold {
		d.Tier = TierLow
	}

	threshold := AllowOnline
	if mode == ModeOffline {
		threshold = AllowOffline
	}
	d.Action = ActionStepUp
	if d.CombinedConfidence > threshold {
		d.Action = ActionAllow
	}
	return d
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
