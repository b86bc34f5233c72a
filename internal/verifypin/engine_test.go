package verifypin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pinguard/internal/cardstate"
	"pinguard/internal/countermeasure"
	"pinguard/internal/fault"
	"pinguard/internal/hardbool"
)

var (
	reference = cardstate.PIN{1, 2, 3, 4}
	wrongPIN  = cardstate.PIN{9, 2, 3, 4}
)

func newState(presented cardstate.PIN, retries int8) *cardstate.State {
	st := cardstate.New(reference)
	st.RetryCounter = retries
	st.Present(presented)
	return st
}

type outcome struct {
	ok        bool
	fired     bool
	truncated bool
}

func verify(e *Engine, st *cardstate.State) outcome {
	var o outcome
	o.fired = countermeasure.Catch(func() {
		o.truncated = fault.RunTruncatable(func() {
			o.ok = e.VerifyPIN(st)
		})
	})
	return o
}

func preset(t *testing.T, name string) Policy {
	t.Helper()
	p, err := Lookup(name)
	require.NoError(t, err)
	return p.Policy
}

func TestCorrectPINAuthenticates(t *testing.T) {
	for _, p := range Ladder() {
		t.Run(p.Name, func(t *testing.T) {
			for retries := int8(1); retries <= cardstate.MaxRetries; retries++ {
				st := newState(reference, retries)
				o := verify(New(p.Policy), st)

				require.False(t, o.fired)
				assert.True(t, o.ok)
				assert.Equal(t, hardbool.True, st.Authenticated)
				assert.Equal(t, cardstate.MaxRetries, st.RetryCounter)
			}
		})
	}
}

func TestWrongPINDecrements(t *testing.T) {
	wrong := []cardstate.PIN{
		{9, 2, 3, 4},
		{1, 2, 3, 9},
		{0, 0, 0, 0},
		{4, 3, 2, 1},
	}
	for _, p := range Ladder() {
		t.Run(p.Name, func(t *testing.T) {
			for _, pin := range wrong {
				for retries := int8(1); retries <= cardstate.MaxRetries; retries++ {
					st := newState(pin, retries)
					o := verify(New(p.Policy), st)

					require.False(t, o.fired)
					assert.False(t, o.ok)
					assert.Equal(t, hardbool.False, st.Authenticated)
					assert.Equal(t, retries-1, st.RetryCounter)
				}
			}
		})
	}
}

func TestLockoutIsIdempotent(t *testing.T) {
	for _, p := range Ladder() {
		t.Run(p.Name, func(t *testing.T) {
			e := New(p.Policy)
			for _, pin := range []cardstate.PIN{reference, wrongPIN} {
				st := newState(pin, 0)
				for i := 0; i < 3; i++ {
					o := verify(e, st)
					assert.False(t, o.ok)
					assert.False(t, o.fired)
					assert.Equal(t, int8(0), st.RetryCounter)
					assert.Equal(t, hardbool.False, st.Authenticated)
				}
			}
		})
	}
}

func TestBudgetExhaustion(t *testing.T) {
	e := New(preset(t, DefaultPreset))
	st := newState(wrongPIN, cardstate.MaxRetries)

	var seen []int8
	for i := 0; i < 3; i++ {
		assert.False(t, verify(e, st).ok)
		seen = append(seen, st.RetryCounter)
	}
	assert.Equal(t, []int8{2, 1, 0}, seen)

	st.Present(reference)
	assert.False(t, verify(e, st).ok, "correct PIN after lockout")
	assert.Equal(t, int8(0), st.RetryCounter)
}

func TestSuccessResetsBudget(t *testing.T) {
	st := newState(reference, 1)
	assert.True(t, verify(New(preset(t, DefaultPreset)), st).ok)
	assert.Equal(t, cardstate.MaxRetries, st.RetryCounter)
}

func TestFixedTimeLoopScansEveryPosition(t *testing.T) {
	for _, p := range Ladder() {
		if !p.Policy.Techniques.Has(FixedTimeLoop) {
			continue
		}
		t.Run(p.Name, func(t *testing.T) {
			tr := &fault.Trace{}
			st := newState(cardstate.PIN{9, 9, 9, 9}, 3)
			verify(New(p.Policy, WithInjector(tr)), st)
			assert.Equal(t, cardstate.PINSize, tr.Hits(fault.SiteByteCompare))
		})
	}
}

func TestEarlyExitStopsAtFirstMismatch(t *testing.T) {
	tr := &fault.Trace{}
	verify(New(preset(t, "v0"), WithInjector(tr)), newState(cardstate.PIN{9, 9, 9, 9}, 3))
	assert.Equal(t, 1, tr.Hits(fault.SiteByteCompare))
}

func TestTruncationAfterResetFailsClosed(t *testing.T) {
	for _, p := range Ladder() {
		t.Run(p.Name, func(t *testing.T) {
			st := newState(reference, 3)
			st.Authenticated = hardbool.True

			e := New(p.Policy, WithInjector(fault.Arm(fault.Fault{Model: fault.Truncate, Site: fault.SiteCounterRead})))
			o := verify(e, st)

			require.True(t, o.truncated)
			assert.Equal(t, hardbool.False, st.Authenticated)
			assert.Equal(t, int8(3), st.RetryCounter)
		})
	}
}

func TestTrailingCountermeasure(t *testing.T) {
	p := preset(t, "v7")
	p.TrailingCountermeasure = true

	assert.True(t, verify(New(p), newState(wrongPIN, 3)).fired)

	o := verify(New(p), newState(reference, 3))
	assert.False(t, o.fired)
	assert.True(t, o.ok)
}

func TestTriggerRunsOnDetection(t *testing.T) {
	c := &countermeasure.Counter{}
	e := New(preset(t, DefaultPreset),
		WithTrigger(c),
		WithInjector(fault.Arm(fault.Fault{Model: fault.Skip, Site: fault.SiteDecrement})))

	o := verify(e, newState(wrongPIN, 3))
	assert.True(t, o.fired)
	assert.False(t, o.ok)
	assert.Equal(t, uint64(1), c.Count())
}

func TestSkippedCountermeasureFailsClosed(t *testing.T) {
	e := New(preset(t, "v6"), WithInjector(fault.Arm(
		fault.Fault{Model: fault.Invert, Site: fault.SiteVerdict},
		fault.Fault{Model: fault.Skip, Site: fault.SiteCountermeasure},
	)))
	st := newState(wrongPIN, 3)
	o := verify(e, st)

	assert.False(t, o.fired)
	assert.False(t, o.ok)
	assert.Equal(t, hardbool.False, st.Authenticated)
}

// Each case pairs a fault with the weakest rung it defeats and the rung
// that adds the technique detecting it.
func TestTechniqueCatchesTargetFault(t *testing.T) {
	tests := []struct {
		name      string
		faults    []fault.Fault
		weak      string
		strong    string
		weakState func(t *testing.T, st *cardstate.State, o outcome)
	}{
		{
			name:   "HB detects corrupted return value",
			faults: []fault.Fault{{Model: fault.Flip, Site: fault.SiteReturnValue, Bit: 0}},
			weak:   "v0",
			strong: "v1",
			weakState: func(t *testing.T, st *cardstate.State, o outcome) {
				assert.True(t, o.ok)
				assert.Equal(t, hardbool.True, st.Authenticated)
			},
		},
		{
			name:   "FTL detects loop exit",
			faults: []fault.Fault{{Model: fault.Invert, Site: fault.SiteLoopCond}},
			weak:   "v1",
			strong: "v2",
			weakState: func(t *testing.T, st *cardstate.State, o outcome) {
				assert.True(t, o.ok)
			},
		},
		{
			name:   "PTCBK detects skipped decrement",
			faults: []fault.Fault{{Model: fault.Skip, Site: fault.SiteDecrement}},
			weak:   "v6",
			strong: "v4",
			weakState: func(t *testing.T, st *cardstate.State, o outcome) {
				assert.False(t, o.ok)
				assert.Equal(t, int8(3), st.RetryCounter)
			},
		},
		{
			name:   "LC detects repeated iteration",
			faults: []fault.Fault{{Model: fault.Skip, Site: fault.SiteLoopIncrement}},
			weak:   "v2",
			strong: "v4",
			weakState: func(t *testing.T, st *cardstate.State, o outcome) {
				assert.False(t, o.ok)
				assert.Equal(t, int8(2), st.RetryCounter)
			},
		},
		{
			name:   "DT detects inverted verdict",
			faults: []fault.Fault{{Model: fault.Invert, Site: fault.SiteVerdict}},
			weak:   "v4",
			strong: "v6",
			weakState: func(t *testing.T, st *cardstate.State, o outcome) {
				assert.True(t, o.ok)
			},
		},
		{
			name:   "DT detects inverted status check",
			faults: []fault.Fault{{Model: fault.Invert, Site: fault.SiteStatusCheck}},
			weak:   "v4",
			strong: "v6",
			weakState: func(t *testing.T, st *cardstate.State, o outcome) {
				assert.True(t, o.ok)
			},
		},
		{
			name:   "SC detects repeated iteration",
			faults: []fault.Fault{{Model: fault.Skip, Site: fault.SiteLoopIncrement}},
			weak:   "v6",
			strong: "v7",
			weakState: func(t *testing.T, st *cardstate.State, o outcome) {
				assert.False(t, o.ok)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newState(wrongPIN, 3)
			o := verify(New(preset(t, tt.weak), WithInjector(fault.Arm(tt.faults...))), st)
			require.False(t, o.fired, "%s should not detect", tt.weak)
			tt.weakState(t, st, o)

			st = newState(wrongPIN, 3)
			o = verify(New(preset(t, tt.strong), WithInjector(fault.Arm(tt.faults...))), st)
			assert.True(t, o.fired, "%s should detect", tt.strong)
			assert.False(t, o.ok)
			assert.Equal(t, hardbool.False, st.Authenticated)

			st = newState(wrongPIN, 3)
			o = verify(New(preset(t, DefaultPreset), WithInjector(fault.Arm(tt.faults...))), st)
			assert.False(t, o.ok)
			assert.Equal(t, hardbool.False, st.Authenticated)
		})
	}
}

func TestLockoutSurvivesSingleFault(t *testing.T) {
	inverted := []fault.Fault{{Model: fault.Invert, Site: fault.SiteCounterCheck}}
	for bit := uint8(0); bit < 7; bit++ {
		inverted = append(inverted, fault.Fault{Model: fault.Flip, Site: fault.SiteCounterRead, Bit: bit})
	}

	for _, f := range inverted {
		t.Run(f.String(), func(t *testing.T) {
			st := newState(reference, 0)
			o := verify(New(preset(t, "v2"), WithInjector(fault.Arm(f))), st)
			require.True(t, o.ok, "v2 has no second look at the counter")

			for _, name := range []string{"v4", "v6", "v7", DefaultPreset} {
				st := newState(reference, 0)
				o := verify(New(preset(t, name), WithInjector(fault.Arm(f))), st)
				assert.True(t, o.fired, name)
				assert.False(t, o.ok, name)
				assert.Equal(t, hardbool.False, st.Authenticated, name)
				assert.LessOrEqual(t, st.RetryCounter, int8(0), name)
			}
		})
	}
}

func TestCounterBackupRejectsNegativeCounter(t *testing.T) {
	e := New(Policy{Techniques: DecrementFirst | CounterBackup},
		WithInjector(fault.Arm(fault.Fault{Model: fault.Invert, Site: fault.SiteCounterCheck})))
	st := newState(reference, 0)
	o := verify(e, st)
	assert.True(t, o.fired)
	assert.False(t, o.ok)
	assert.Equal(t, int8(-1), st.RetryCounter)
}

func TestDecrementFirstConsumesTryBeforeTruncation(t *testing.T) {
	truncate := fault.Fault{Model: fault.Truncate, Site: fault.SiteVerdict}

	st := newState(wrongPIN, 3)
	require.True(t, verify(New(preset(t, "v2"), WithInjector(fault.Arm(truncate))), st).truncated)
	assert.Equal(t, int8(3), st.RetryCounter)

	st = newState(wrongPIN, 3)
	require.True(t, verify(New(preset(t, "v6"), WithInjector(fault.Arm(truncate))), st).truncated)
	assert.Equal(t, int8(2), st.RetryCounter)
}

func TestStepCounterDetectsSkippedStep(t *testing.T) {
	e := New(preset(t, "v7"), WithInjector(fault.Arm(fault.Fault{Model: fault.Skip, Site: fault.SiteStepIncrement, Hit: 5})))
	o := verify(e, newState(reference, 3))
	assert.True(t, o.fired)
	assert.False(t, o.ok)
}

func TestHardenedBooleanInvalidStatusTrips(t *testing.T) {
	e := New(preset(t, DefaultPreset), WithInjector(fault.Arm(fault.Fault{Model: fault.Zero, Site: fault.SiteStatus})))
	o := verify(e, newState(reference, 3))
	assert.True(t, o.fired)
}

func TestDoubleFaultDefeatsDoubleTest(t *testing.T) {
	e := New(preset(t, "v6"), WithInjector(fault.Arm(
		fault.Fault{Model: fault.Invert, Site: fault.SiteVerdict},
		fault.Fault{Model: fault.Invert, Site: fault.SiteVerdictRecheck},
	)))
	st := newState(wrongPIN, 3)
	o := verify(e, st)
	assert.False(t, o.fired)
	assert.True(t, o.ok)
	assert.Equal(t, int8(3), st.RetryCounter)
}

func TestStepCounterImpliesFixedTimeLoop(t *testing.T) {
	e := New(Policy{Techniques: StepCounter})
	assert.True(t, e.Policy().Techniques.Has(FixedTimeLoop))

	o := verify(e, newState(reference, 3))
	assert.False(t, o.fired)
	assert.True(t, o.ok)
}
