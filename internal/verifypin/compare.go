package verifypin

import (
	"pinguard/internal/cardstate"
	"pinguard/internal/fault"
	"pinguard/internal/hardbool"
)

// at reads p[i]. Indexes pushed out of range by a fault read as zero.
func at(p *cardstate.PIN, i int) byte {
	if i < 0 || i >= len(p) {
		return 0
	}
	return p[i]
}

// compare returns the verdict for a == b in the engine's codec. Without
// Inlined the verdict crosses a call boundary where it can be corrupted.
func (e *Engine) compare(w *witness, a, b *cardstate.PIN) hardbool.Bool {
	var v hardbool.Bool
	if e.has(FixedTimeLoop) {
		v = e.compareFixed(w, a, b)
	} else {
		v = e.compareEarlyExit(a, b)
	}
	if !e.has(Inlined) {
		v = hardbool.Bool(e.inj.Byte(fault.SiteReturnValue, byte(v)))
	}
	return v
}

// compareEarlyExit returns at the first mismatching byte.
func (e *Engine) compareEarlyExit(a, b *cardstate.PIN) hardbool.Bool {
	i := 0
	for e.inj.Branch(fault.SiteLoopCond, i < n) {
		if e.inj.Branch(fault.SiteByteCompare, at(a, i) != at(b, i)) {
			return e.codec.False
		}
		if !e.inj.Skip(fault.SiteLoopIncrement) {
			i++
		}
	}
	return e.codec.True
}

// compareFixed scans every position, then checks that the loop ran exactly
// n times before deriving the verdict from diff.
func (e *Engine) compareFixed(w *witness, a, b *cardstate.PIN) hardbool.Bool {
	diff := e.codec.False
	iterations := 0
	i := 0
	for e.inj.Branch(fault.SiteLoopCond, i < n) {
		if e.inj.Branch(fault.SiteByteCompare, at(a, i) != at(b, i)) {
			if !e.inj.Skip(fault.SiteDiffStore) {
				diff = e.codec.True
			}
		}
		iterations++
		w.step(4 + i)
		if !e.inj.Skip(fault.SiteLoopIncrement) {
			i++
		}
	}
	w.step(4 + n)

	if e.inj.Branch(fault.SiteLoopBound, i != n) {
		e.trip()
	}
	if e.has(LoopCounter) && e.inj.Branch(fault.SiteLoopCounterCheck, iterations != n) {
		e.trip()
	}

	diff = hardbool.Bool(e.inj.Byte(fault.SiteDiff, byte(diff)))
	return e.verdict(diff)
}

// verdict maps diff == false to true. With DoubleTest the negation is
// re-tested before committing.
func (e *Engine) verdict(diff hardbool.Bool) hardbool.Bool {
	if e.has(HardenedBooleans) && e.codec.Decode(diff) == hardbool.StateInvalid {
		e.trip()
		return e.codec.False
	}
	if e.inj.Branch(fault.SiteVerdict, diff == e.codec.False) {
		if e.has(DoubleTest) && !e.inj.Branch(fault.SiteVerdictRecheck, e.codec.False == diff) {
			e.trip()
			return e.codec.False
		}
		return e.codec.True
	}
	return e.codec.False
}
