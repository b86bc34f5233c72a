package fault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSiteNamesRoundTrip(t *testing.T) {
	for _, s := range Sites() {
		got, err := ParseSite(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
		assert.NotZero(t, s.Kind(), "site %s has no kind", s)
	}
	_, err := ParseSite("nowhere")
	assert.Error(t, err)
}

func TestModelApplies(t *testing.T) {
	assert.True(t, Skip.Applies(KindInstruction))
	assert.False(t, Skip.Applies(KindBranch))
	assert.True(t, Invert.Applies(KindBranch))
	assert.False(t, Invert.Applies(KindData))
	assert.True(t, Flip.Applies(KindData))
	assert.True(t, Zero.Applies(KindData))
	for _, k := range []Kind{KindInstruction, KindBranch, KindData} {
		assert.True(t, Truncate.Applies(k))
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Fault
	}{
		{"skip@decrement", Fault{Model: Skip, Site: SiteDecrement}},
		{"invert@loop-cond#2", Fault{Model: Invert, Site: SiteLoopCond, Hit: 2}},
		{"flip:3@return-value", Fault{Model: Flip, Site: SiteReturnValue, Bit: 3}},
		{"zero@status", Fault{Model: Zero, Site: SiteStatus}},
		{"truncate@verdict", Fault{Model: Truncate, Site: SiteVerdict}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{
		"skip",
		"melt@decrement",
		"skip@nowhere",
		"skip@verdict",
		"flip:9@diff",
		"invert@loop-cond#x",
		"invert@loop-cond#-1",
	} {
		_, err := Parse(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestNoneIsIdentity(t *testing.T) {
	assert.False(t, None.Skip(SiteDecrement))
	assert.True(t, None.Branch(SiteVerdict, true))
	assert.False(t, None.Branch(SiteVerdict, false))
	assert.Equal(t, byte(0xAA), None.Byte(SiteDiff, 0xAA))
}

func TestArmedFiresOnSelectedHit(t *testing.T) {
	a := Arm(Fault{Model: Invert, Site: SiteLoopCond, Hit: 1})

	assert.True(t, a.Branch(SiteLoopCond, true))
	assert.False(t, a.Branch(SiteLoopCond, true))
	assert.True(t, a.Branch(SiteLoopCond, true))
	assert.True(t, a.Fired())
	assert.Equal(t, 3, a.Hits(SiteLoopCond))
}

func TestArmedDataModels(t *testing.T) {
	a := Arm(
		Fault{Model: Flip, Site: SiteDiff, Bit: 0},
		Fault{Model: Zero, Site: SiteStatus},
	)
	assert.Equal(t, byte(0x54), a.Byte(SiteDiff, 0x55))
	assert.Equal(t, byte(0), a.Byte(SiteStatus, 0xAA))
	assert.True(t, a.Fired())
}

func TestArmedDoubleFaultOnSameSiteCancels(t *testing.T) {
	a := Arm(
		Fault{Model: Invert, Site: SiteVerdict},
		Fault{Model: Invert, Site: SiteVerdict},
	)
	assert.True(t, a.Branch(SiteVerdict, true))
}

func TestArmedNotReached(t *testing.T) {
	a := Arm(Fault{Model: Skip, Site: SiteSetFlag})
	assert.False(t, a.Skip(SiteDecrement))
	assert.False(t, a.Fired())
}

func TestArmedIgnoresMismatchedModel(t *testing.T) {
	a := Arm(Fault{Model: Skip, Site: SiteVerdict})
	assert.True(t, a.Branch(SiteVerdict, true))
	assert.False(t, a.Fired())
}

func TestTruncate(t *testing.T) {
	a := Arm(Fault{Model: Truncate, Site: SiteDecrement})
	reached := false
	truncated := RunTruncatable(func() {
		a.Skip(SiteResetFlag)
		a.Skip(SiteDecrement)
		reached = true
	})
	assert.True(t, truncated)
	assert.False(t, reached)
	assert.True(t, a.Fired())
}

func TestRunTruncatableRepanics(t *testing.T) {
	assert.PanicsWithValue(t, "boom", func() {
		RunTruncatable(func() { panic("boom") })
	})
}

func TestTraceCountsAndDelegates(t *testing.T) {
	tr := &Trace{Next: Arm(Fault{Model: Skip, Site: SiteDecrement})}

	assert.True(t, tr.Skip(SiteDecrement))
	assert.False(t, tr.Skip(SiteDecrement))
	tr.Branch(SiteLoopCond, true)

	assert.Equal(t, 2, tr.Hits(SiteDecrement))
	assert.Equal(t, map[Site]int{SiteDecrement: 2, SiteLoopCond: 1}, tr.Profile())
}
