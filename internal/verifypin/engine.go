// Package verifypin implements PIN verification hardened against fault
// injection.
//
// An Engine runs one verification per call against a cardstate.State. The
// hardening applied is chosen by a Policy, a set of independently toggleable
// techniques; Ladder lists the named rungs from the unhardened routine up to
// the fully hardened one. Every consistency check that fails invokes the
// configured countermeasure.Trigger through countermeasure.Fire, so a
// detected fault never returns to the caller. Hosts wrap VerifyPIN in
// countermeasure.Catch.
//
// Every instruction, branch and data read a fault could target is routed
// through a fault.Injector. Engines built without WithInjector use
// fault.None.
package verifypin

import (
	"errors"

	"pinguard/internal/cardstate"
	"pinguard/internal/countermeasure"
	"pinguard/internal/fault"
	"pinguard/internal/hardbool"
)

var (
	ErrUnknownTechnique = errors.New("verifypin: unknown technique")
	ErrUnknownPreset    = errors.New("verifypin: unknown preset")
)

// n is the PIN length as used in step counter arithmetic.
const n = cardstate.PINSize

// Engine verifies presented PINs under a fixed policy. An Engine is not safe
// for concurrent use with the same State; the host serializes calls.
type Engine struct {
	policy  Policy
	codec   hardbool.Codec
	trigger countermeasure.Trigger
	inj     fault.Injector
}

// Option configures an Engine.
type Option func(*Engine)

// WithTrigger sets the countermeasure trigger. The default is
// countermeasure.Nop.
func WithTrigger(t countermeasure.Trigger) Option {
	return func(e *Engine) {
		if t != nil {
			e.trigger = t
		}
	}
}

// WithInjector routes every fault site through inj.
func WithInjector(inj fault.Injector) Option {
	return func(e *Engine) {
		if inj != nil {
			e.inj = inj
		}
	}
}

// New returns an engine for the given policy. StepCounter and LoopCounter
// count loop iterations and therefore imply FixedTimeLoop.
func New(p Policy, opts ...Option) *Engine {
	if p.Techniques&(StepCounter|LoopCounter) != 0 {
		p.Techniques |= FixedTimeLoop
	}
	e := &Engine{
		policy:  p,
		codec:   hardbool.Plain,
		trigger: countermeasure.Nop,
		inj:     fault.None,
	}
	if p.Techniques.Has(HardenedBooleans) {
		e.codec = hardbool.Hardened
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

func (e *Engine) has(t Technique) bool {
	return e.policy.Techniques.Has(t)
}

// VerifyPIN compares st.PresentedPIN against st.ReferencePIN and updates the
// try counter and authentication flag. It returns true only on the success
// path, after the counter was restored to cardstate.MaxRetries and the flag
// set. A locked card (counter <= 0) always returns false without comparing.
func (e *Engine) VerifyPIN(st *cardstate.State) bool {
	w := e.newWitness()

	// Fail closed first so that any early exit leaves the flag false.
	if !e.inj.Skip(fault.SiteResetFlag) {
		st.Authenticated = hardbool.False
	}

	backup := st.RetryCounter
	ptc := int8(e.inj.Byte(fault.SiteCounterRead, byte(st.RetryCounter)))
	if !e.inj.Branch(fault.SiteCounterCheck, ptc > 0) {
		return false
	}
	// The re-test reads the counter again, so a corrupted first read is
	// caught along with an inverted branch.
	if e.has(DoubleTest) && e.inj.Branch(fault.SiteCounterRecheck, !(0 < st.RetryCounter)) {
		e.trip()
		return false
	}
	if e.has(CounterBackup) && e.inj.Branch(fault.SiteBackupCheck, backup != st.RetryCounter) {
		e.trip()
	}
	w.step(1)

	if e.has(DecrementFirst) {
		e.decrement(st, &backup)
	}
	w.step(2)
	w.step(3)

	verdict := e.compare(w, &st.PresentedPIN, &st.ReferencePIN)
	w.step(5 + n)

	status := hardbool.Bool(e.inj.Byte(fault.SiteStatus, byte(verdict)))
	if e.decide(fault.SiteStatusCheck, status) == hardbool.StateTrue {
		w.step(6 + n)
		if e.has(DoubleTest) && !e.inj.Branch(fault.SiteStatusRecheck, e.codec.True == status) {
			e.trip()
			return false
		}
		w.step(7 + n)
		if e.has(CounterBackup) && e.inj.Branch(fault.SiteRestoreCheck, backup != st.RetryCounter) {
			e.trip()
		}
		if !e.inj.Skip(fault.SiteRestoreCounter) {
			st.RetryCounter = cardstate.MaxRetries
		}
		w.step(8 + n)
		if !e.inj.Skip(fault.SiteSetFlag) {
			st.Authenticated = hardbool.True
		}
		return true
	}

	if !e.has(DecrementFirst) {
		e.decrement(st, &backup)
	}
	if e.policy.TrailingCountermeasure {
		e.trip()
	}
	return false
}

// decrement consumes one try. With CounterBackup the result is checked
// against the local copy, which then follows the counter, and a counter
// driven below zero means the lockout check was bypassed.
func (e *Engine) decrement(st *cardstate.State, backup *int8) {
	if !e.inj.Skip(fault.SiteDecrement) {
		st.RetryCounter--
	}
	if e.has(CounterBackup) {
		if e.inj.Branch(fault.SiteDecrementCheck, st.RetryCounter != *backup-1 || st.RetryCounter < 0) {
			e.trip()
		}
		*backup--
	}
}

// decide evaluates whether v holds the true encoding at branch site s. With
// hardened booleans an encoding that is neither true nor false trips.
func (e *Engine) decide(s fault.Site, v hardbool.Bool) hardbool.State {
	if e.has(HardenedBooleans) && e.codec.Decode(v) == hardbool.StateInvalid {
		e.trip()
		return hardbool.StateFalse
	}
	if e.inj.Branch(s, v == e.codec.True) {
		return hardbool.StateTrue
	}
	return hardbool.StateFalse
}

// trip fires the countermeasure. It returns only when a fault skipped the
// call, in which case callers fall through to a fail-closed result.
func (e *Engine) trip() {
	if e.inj.Skip(fault.SiteCountermeasure) {
		return
	}
	countermeasure.Fire(e.trigger)
}
