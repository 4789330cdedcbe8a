package flowcontrol

import (
	"sync"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

// Backpressure threshold bands (spec §3.1, §4.3): Low=[1..3],
// Medium=[4..6], High=[7..10], Reject=[11..]. Recommended delays in ms.
const (
	LowMax    = 3
	MediumMax = 6
	HighMax   = 10

	DelayLowMs    = 0
	DelayMediumMs = 500
	DelayHighMs   = 2000
)

// BackpressureController is a band-based state function with no
// hysteresis: severity is recomputed on every increment/decrement.
// Transition events are emitted only when severity changes, to avoid
// chatter on the wire (§4.3).
type BackpressureController struct {
	mu          sync.Mutex
	maxInflight int
	current     int
	lastSeverity dubmodel.BackpressureSeverity
	haveLast     bool

	onTransition func(state dubmodel.BackpressureState)
}

// NewBackpressureController creates a controller bound to maxInflight.
func NewBackpressureController(maxInflight int, onTransition func(dubmodel.BackpressureState)) *BackpressureController {
	return &BackpressureController{
		maxInflight:  maxInflight,
		onTransition: onTransition,
	}
}

func severityFor(current int) (dubmodel.BackpressureSeverity, string) {
	switch {
	case current <= LowMax:
		return dubmodel.SeverityLow, "low"
	case current <= MediumMax:
		return dubmodel.SeverityMedium, "medium"
	default:
		return dubmodel.SeverityHigh, "high"
	}
}

func actionFor(sev dubmodel.BackpressureSeverity) dubmodel.BackpressureAction {
	switch sev {
	case dubmodel.SeverityLow:
		return dubmodel.ActionNone
	case dubmodel.SeverityMedium:
		return dubmodel.ActionSlowDown
	default:
		return dubmodel.ActionPause
	}
}

func delayFor(sev dubmodel.BackpressureSeverity) *int {
	var d int
	switch sev {
	case dubmodel.SeverityLow:
		d = DelayLowMs
	case dubmodel.SeverityMedium:
		d = DelayMediumMs
	default:
		d = DelayHighMs
	}
	return &d
}

// state builds a BackpressureState for the current inflight count. Must
// be called with mu held.
func (c *BackpressureController) state() dubmodel.BackpressureState {
	sev, label := severityFor(c.current)
	return dubmodel.BackpressureState{
		Severity:           sev,
		Action:             actionFor(sev),
		CurrentInflight:    c.current,
		MaxInflight:        c.maxInflight,
		ThresholdExceeded:  label,
		RecommendedDelayMs: delayFor(sev),
	}
}

// recompute recomputes severity under lock and fires onTransition only
// if it changed (or this is the first computation).
func (c *BackpressureController) recompute() dubmodel.BackpressureState {
	st := c.state()
	if !c.haveLast || st.Severity != c.lastSeverity {
		c.haveLast = true
		c.lastSeverity = st.Severity
		if c.onTransition != nil {
			c.onTransition(st)
		}
	}
	return st
}

// Increment records one more in-flight fragment and returns the updated
// state.
func (c *BackpressureController) Increment() dubmodel.BackpressureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current++
	return c.recompute()
}

// Decrement records one fewer in-flight fragment and returns the
// updated state.
func (c *BackpressureController) Decrement() dubmodel.BackpressureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current > 0 {
		c.current--
	}
	return c.recompute()
}

// Current returns the current snapshot without mutating state.
func (c *BackpressureController) Current() dubmodel.BackpressureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state()
}

// ShouldReject reports whether the producer should be rejected outright
// (current inflight already at or above HighMax=10, i.e. the next
// increment would enter the Reject band above High).
func (c *BackpressureController) ShouldReject() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current >= HighMax
}
