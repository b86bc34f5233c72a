package verifypin

import (
	"fmt"
	"math/bits"
	"strings"
)

// Technique is a single hardening technique. Techniques combine as a bit set.
type Technique uint16

const (
	// HardenedBooleans stores local booleans in the 0xAA/0x55 encoding and
	// switches on them exhaustively.
	HardenedBooleans Technique = 1 << iota
	// FixedTimeLoop scans every PIN position and checks the loop exit index.
	FixedTimeLoop
	// Inlined keeps the comparator result in the caller's frame instead of
	// returning it across a call boundary.
	Inlined
	// DecrementFirst consumes a try before comparing.
	DecrementFirst
	// CounterBackup witnesses the try counter with a local copy.
	CounterBackup
	// LoopCounter checks an independent iteration count after the loop.
	LoopCounter
	// DoubleTest re-tests the negation of every security decision.
	DoubleTest
	// StepCounter checks a control-flow witness at every step.
	StepCounter

	allTechniques = HardenedBooleans | FixedTimeLoop | Inlined | DecrementFirst |
		CounterBackup | LoopCounter | DoubleTest | StepCounter
)

var techniqueNames = []struct {
	t    Technique
	name string
}{
	{HardenedBooleans, "HB"},
	{FixedTimeLoop, "FTL"},
	{Inlined, "INL"},
	{DecrementFirst, "DPTC"},
	{CounterBackup, "PTCBK"},
	{LoopCounter, "LC"},
	{DoubleTest, "DT"},
	{StepCounter, "SC"},
}

// Techniques returns every technique in ladder order.
func Techniques() []Technique {
	out := make([]Technique, len(techniqueNames))
	for i, n := range techniqueNames {
		out[i] = n.t
	}
	return out
}

// Has reports whether all techniques in o are set in t.
func (t Technique) Has(o Technique) bool {
	return t&o == o
}

// Len returns the number of techniques set.
func (t Technique) Len() int {
	return bits.OnesCount16(uint16(t))
}

// String joins technique abbreviations with '+', e.g. "HB+FTL+DT".
// The empty set is "none".
func (t Technique) String() string {
	var parts []string
	for _, n := range techniqueNames {
		if t&n.t != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// ParseTechniques parses a '+' or ',' separated list of abbreviations.
// Matching is case-insensitive; "none" and "" are the empty set.
func ParseTechniques(s string) (Technique, error) {
	var out Technique
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return 0, nil
	}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' }) {
		part = strings.TrimSpace(part)
		found := false
		for _, n := range techniqueNames {
			if strings.EqualFold(part, n.name) {
				out |= n.t
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: %q", ErrUnknownTechnique, part)
		}
	}
	return out, nil
}

// Policy selects the techniques an Engine applies.
type Policy struct {
	Techniques Technique

	// TrailingCountermeasure fires the countermeasure after every failed
	// comparison. It reproduces a ladder rung whose countermeasure placement
	// was later removed and is only meant for fault campaigns.
	TrailingCountermeasure bool
}

func (p Policy) String() string {
	s := p.Techniques.String()
	if p.TrailingCountermeasure {
		s += "+TCM"
	}
	return s
}

// Preset is a named rung of the countermeasure ladder.
type Preset struct {
	Name   string
	Policy Policy
}

// Ladder returns the rungs in order of increasing hardening.
func Ladder() []Preset {
	return []Preset{
		{"v0", Policy{}},
		{"v1-hb", Policy{Techniques: HardenedBooleans}},
		{"v2-hb-ftl", Policy{Techniques: HardenedBooleans | FixedTimeLoop}},
		{"v4-hb-ftl-inl-dptc-ptcbk-lc", Policy{Techniques: HardenedBooleans | FixedTimeLoop |
			Inlined | DecrementFirst | CounterBackup | LoopCounter}},
		{"v6-hb-ftl-inl-dptc-dt", Policy{Techniques: HardenedBooleans | FixedTimeLoop |
			Inlined | DecrementFirst | DoubleTest}},
		{"v7-hb-ftl-inl-dptc-dt-sc", Policy{Techniques: HardenedBooleans | FixedTimeLoop |
			Inlined | DecrementFirst | DoubleTest | StepCounter}},
		{"hardened", Policy{Techniques: allTechniques}},
	}
}

// DefaultPreset is the preset used when none is configured.
const DefaultPreset = "hardened"

// Lookup returns the preset with the given name. The short forms "v0" to "v7"
// match the rung whose name starts with them.
func Lookup(name string) (Preset, error) {
	for _, p := range Ladder() {
		if p.Name == name {
			return p, nil
		}
	}
	for _, p := range Ladder() {
		if strings.HasPrefix(p.Name, name+"-") {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
}
