// Package countermeasure implements the terminal action taken when a
// consistency check inside the verification engine fails.
//
// A countermeasure never returns to the code that detected the
// inconsistency: Fire runs the configured Trigger and then unwinds the call
// with a private panic value. The host recovers that value at its own
// boundary with Catch, after which the card is expected to be locked or
// silenced. Triggers receive no arguments so nothing about the failed check
// can leak through them.
package countermeasure

import (
	"os"
	"sync/atomic"
)

// ExitCode is the process exit status used by Exit when no code is set.
const ExitCode = 86

// Trigger is a side-effecting device action: lock, reset, alarm.
type Trigger interface {
	Trigger()
}

// Func adapts a function to the Trigger interface.
type Func func()

// Trigger calls f.
func (f Func) Trigger() {
	f()
}

// Nop is a trigger with no side effect. Fire still unwinds the call.
var Nop Trigger = Func(func() {})

// tripped is the panic value used to unwind a call after a countermeasure.
type tripped struct{}

// Fire runs t and unwinds the current call. It does not return.
func Fire(t Trigger) {
	if t != nil {
		t.Trigger()
	}
	panic(tripped{})
}

// Catch runs fn and reports whether a countermeasure fired inside it. Panics
// that did not come from Fire are re-raised.
func Catch(fn func()) (fired bool) {
	defer func() {
		if r := recover(); r != nil {
			if !IsTripped(r) {
				panic(r)
			}
			fired = true
		}
	}()
	fn()
	return false
}

// IsTripped reports whether a recovered panic value came from Fire.
func IsTripped(r any) bool {
	_, ok := r.(tripped)
	return ok
}

// Chain runs every trigger in order.
func Chain(triggers ...Trigger) Trigger {
	return Func(func() {
		for _, t := range triggers {
			if t != nil {
				t.Trigger()
			}
		}
	})
}

// Counter counts how many times it was triggered before delegating to Next.
type Counter struct {
	Next  Trigger
	count atomic.Uint64
}

// Trigger increments the count and runs Next.
func (c *Counter) Trigger() {
	c.count.Add(1)
	if c.Next != nil {
		c.Next.Trigger()
	}
}

// Count returns the number of times the trigger ran.
func (c *Counter) Count() uint64 {
	return c.count.Load()
}

// Exit terminates the process, the software analogue of a device reset.
type Exit struct {
	// Code is the exit status; zero means ExitCode.
	Code int
	// Before runs first, typically to flush the audit log.
	Before func()
}

// exit is replaced in tests.
var exit = os.Exit

// Trigger runs Before and exits.
func (e Exit) Trigger() {
	if e.Before != nil {
		e.Before()
	}
	code := e.Code
	if code == 0 {
		code = ExitCode
	}
	exit(code)
}
