package verifypin

import "pinguard/internal/fault"

// witness is the per-call step counter. Each checkpoint increments it and
// compares it with the count expected at that point of the control flow.
type witness struct {
	e     *Engine
	on    bool
	count int
}

func (e *Engine) newWitness() *witness {
	return &witness{e: e, on: e.has(StepCounter)}
}

func (w *witness) step(expected int) {
	if !w.on {
		return
	}
	if !w.e.inj.Skip(fault.SiteStepIncrement) {
		w.count++
	}
	if w.e.inj.Branch(fault.SiteStepCheck, w.count != expected) {
		w.e.trip()
	}
}
