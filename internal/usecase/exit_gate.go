package usecase

import "time"

// ExitGate debounces the exit gesture: a press only confirms when it follows
// the previous press by less than the window.
type ExitGate struct {
	window time.Duration
	now    func() time.Time
	last   time.Time
}

// NewExitGate creates a gate. now defaults to time.Now.
func NewExitGate(window time.Duration, now func() time.Time) *ExitGate {
	if now == nil {
		now = time.Now
	}
	return &ExitGate{window: window, now: now}
}

// Press records one exit gesture and reports whether it confirms the exit.
// A confirming press clears the gate.
func (g *ExitGate) Press() bool {
	t := g.now()
	if !g.last.IsZero() && t.Sub(g.last) < g.window {
		g.last = time.Time{}
		return true
	}
	g.last = t
	return false
}

// Reset forgets any pending press.
func (g *ExitGate) Reset() {
	g.last = time.Time{}
}
