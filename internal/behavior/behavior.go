// Package behavior accumulates keystroke and touch timing samples for the
// active device session and derives a consistency score from them.
//
// Capture surfaces forward raw Down/Up and Start/End events; the sampler
// pairs them into samples. Summary is pure over a snapshot of the samples,
// so it can be read at any time while events keep arriving.
package behavior

import (
	"math"
	"time"
)

// KeyPhase is the edge of a key press.
type KeyPhase string

const (
	KeyDown KeyPhase = "down"
	KeyUp   KeyPhase = "up"
)

// TouchPhase is the edge of a touch.
type TouchPhase string

const (
	TouchStart TouchPhase = "start"
	TouchEnd   TouchPhase = "end"
)

// Score bounds. The cold-start score is never 0 or 1.
const (
	ColdStartScore = 0.5
	MinScore       = 0.2
	MaxKeyScore    = 0.95
	MaxTouchScore  = 0.90

	keyWeight   = 0.6
	touchWeight = 0.4
)

// KeySample is one completed key press.
type KeySample struct {
	Key           string        `json:"key"`
	PressDuration time.Duration `json:"pressDuration"`
	PressedAt     time.Time     `json:"pressedAt"`
}

// TouchSample is one completed touch.
type TouchSample struct {
	X         float64       `json:"x"`
	Y         float64       `json:"y"`
	Pressure  float64       `json:"pressure"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"startedAt"`
}

// Summary is derived from the sample sequence on demand; it is never stored.
type Summary struct {
	SessionID        string        `json:"sessionId"`
	Count            int           `json:"count"`
	KeystrokeCount   int           `json:"keystrokeCount"`
	TouchCount       int           `json:"touchCount"`
	AvgDwell         time.Duration `json:"avgDwell"`
	AvgPressure      float64       `json:"avgPressure"`
	ConsistencyScore float64       `json:"consistencyScore"`
	SessionDuration  time.Duration `json:"sessionDuration"`
}

// Summarize computes a Summary from sample slices. It is deterministic for
// identical inputs.
func Summarize(keys []KeySample, touches []TouchSample) Summary {
	s := Summary{
		Count:            len(keys) + len(touches),
		KeystrokeCount:   len(keys),
		TouchCount:       len(touches),
		ConsistencyScore: ColdStartScore,
	}
	if s.Count == 0 {
		return s
	}

	var keyScore, touchScore float64

	if len(keys) > 0 {
		dwell := make([]float64, len(keys))
		var total time.Duration
		for i, k := range keys {
			dwell[i] = millis(k.PressDuration)
			total += k.PressDuration
		}
		s.AvgDwell = total / time.Duration(len(keys))
		keyScore = clamp(consistency(dwell), MinScore, MaxKeyScore)
	}

	if len(touches) > 0 {
		durations := make([]float64, len(touches))
		var pressure float64
		for i, t := range touches {
			durations[i] = millis(t.Duration)
			pressure += t.Pressure
		}
		s.AvgPressure = pressure / float64(len(touches))
		touchScore = clamp(consistency(durations), MinScore, MaxTouchScore)
	}

	switch {
	case len(keys) > 0 && len(touches) > 0:
		s.ConsistencyScore = keyWeight*keyScore + touchWeight*touchScore
	case len(keys) > 0:
		s.ConsistencyScore = keyScore
	default:
		s.ConsistencyScore = touchScore
	}
	s.ConsistencyScore = clamp(round4(s.ConsistencyScore), MinScore, MaxKeyScore)
	return s
}

// consistency is 1 − (max − min)/(mean + 1) over millisecond values.
func consistency(values []float64) float64 {
	lo, hi, sum := values[0], values[0], 0.0
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		sum += v
	}
	mean := sum / float64(len(values))
	return 1 - (hi-lo)/(mean+1)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
