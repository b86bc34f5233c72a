// Package fault models physical fault injection against the verification
// engine.
//
// The engine exposes every instruction, branch and data read an attacker
// could target as a Site and routes it through an Injector. In production
// the Injector is None and every hook is the identity. Tests and campaigns
// arm one or two Faults to reproduce the fault models of binary-level tools:
// instruction skip (NOP), branch inversion (je/jne flip), single bit flip,
// zeroing of a value, and truncation of the call.
package fault

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies what a site represents.
type Kind uint8

const (
	// KindInstruction is a store or side effect that can be skipped.
	KindInstruction Kind = iota + 1
	// KindBranch is a conditional whose outcome can be inverted.
	KindBranch
	// KindData is a value read that can be corrupted.
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindInstruction:
		return "instruction"
	case KindBranch:
		return "branch"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Site identifies a fault target inside the engine.
type Site uint8

// Sites in the order the engine reaches them.
const (
	SiteResetFlag Site = iota
	SiteCounterRead
	SiteCounterCheck
	SiteCounterRecheck
	SiteBackupCheck
	SiteDecrement
	SiteDecrementCheck
	SiteLoopCond
	SiteByteCompare
	SiteDiffStore
	SiteLoopIncrement
	SiteLoopBound
	SiteLoopCounterCheck
	SiteDiff
	SiteVerdict
	SiteVerdictRecheck
	SiteReturnValue
	SiteStatus
	SiteStatusCheck
	SiteStatusRecheck
	SiteRestoreCheck
	SiteRestoreCounter
	SiteSetFlag
	SiteStepIncrement
	SiteStepCheck
	SiteCountermeasure

	numSites
)

var sites = [numSites]struct {
	name string
	kind Kind
}{
	SiteResetFlag:        {"reset-flag", KindInstruction},
	SiteCounterRead:      {"counter-read", KindData},
	SiteCounterCheck:     {"counter-check", KindBranch},
	SiteCounterRecheck:   {"counter-recheck", KindBranch},
	SiteBackupCheck:      {"backup-check", KindBranch},
	SiteDecrement:        {"decrement", KindInstruction},
	SiteDecrementCheck:   {"decrement-check", KindBranch},
	SiteLoopCond:         {"loop-cond", KindBranch},
	SiteByteCompare:      {"byte-compare", KindBranch},
	SiteDiffStore:        {"diff-store", KindInstruction},
	SiteLoopIncrement:    {"loop-increment", KindInstruction},
	SiteLoopBound:        {"loop-bound", KindBranch},
	SiteLoopCounterCheck: {"loop-counter-check", KindBranch},
	SiteDiff:             {"diff", KindData},
	SiteVerdict:          {"verdict", KindBranch},
	SiteVerdictRecheck:   {"verdict-recheck", KindBranch},
	SiteReturnValue:      {"return-value", KindData},
	SiteStatus:           {"status", KindData},
	SiteStatusCheck:      {"status-check", KindBranch},
	SiteStatusRecheck:    {"status-recheck", KindBranch},
	SiteRestoreCheck:     {"restore-check", KindBranch},
	SiteRestoreCounter:   {"restore-counter", KindInstruction},
	SiteSetFlag:          {"set-flag", KindInstruction},
	SiteStepIncrement:    {"step-increment", KindInstruction},
	SiteStepCheck:        {"step-check", KindBranch},
	SiteCountermeasure:   {"countermeasure", KindInstruction},
}

// Sites returns every site in engine order.
func Sites() []Site {
	out := make([]Site, 0, numSites)
	for s := Site(0); s < numSites; s++ {
		out = append(out, s)
	}
	return out
}

func (s Site) String() string {
	if s < numSites {
		return sites[s].name
	}
	return "site(" + strconv.Itoa(int(s)) + ")"
}

// Kind returns the site's kind.
func (s Site) Kind() Kind {
	if s < numSites {
		return sites[s].kind
	}
	return 0
}

// ParseSite looks a site up by name.
func ParseSite(name string) (Site, error) {
	for s := Site(0); s < numSites; s++ {
		if sites[s].name == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("fault: unknown site %q", name)
}

// Model is a fault model.
type Model uint8

const (
	// Skip turns an instruction into a NOP.
	Skip Model = iota + 1
	// Invert flips the outcome of a branch.
	Invert
	// Flip flips a single bit of a value.
	Flip
	// Zero clears a value.
	Zero
	// Truncate aborts the call at the site, as a reset or a jump out would.
	Truncate
)

var modelNames = map[Model]string{
	Skip:     "skip",
	Invert:   "invert",
	Flip:     "flip",
	Zero:     "zero",
	Truncate: "truncate",
}

func (m Model) String() string {
	if n, ok := modelNames[m]; ok {
		return n
	}
	return "model(" + strconv.Itoa(int(m)) + ")"
}

// ParseModel looks a model up by name.
func ParseModel(name string) (Model, error) {
	for m, n := range modelNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("fault: unknown model %q", name)
}

// Models returns every model.
func Models() []Model {
	return []Model{Skip, Invert, Flip, Zero, Truncate}
}

// Applies reports whether the model can target a site of kind k.
func (m Model) Applies(k Kind) bool {
	switch m {
	case Skip:
		return k == KindInstruction
	case Invert:
		return k == KindBranch
	case Flip, Zero:
		return k == KindData
	case Truncate:
		return k != 0
	default:
		return false
	}
}

// Fault is a single fault: a model applied at the Hit-th visit (from zero) of
// a site.
type Fault struct {
	Model Model
	Site  Site
	Hit   int
	// Bit selects the bit for Flip.
	Bit uint8
}

// Valid reports whether the model applies to the site.
func (f Fault) Valid() bool {
	return f.Model.Applies(f.Site.Kind()) && f.Hit >= 0 && f.Bit < 8
}

// String renders the fault as model[:bit]@site[#hit].
func (f Fault) String() string {
	var b strings.Builder
	b.WriteString(f.Model.String())
	if f.Model == Flip {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(int(f.Bit)))
	}
	b.WriteString("@")
	b.WriteString(f.Site.String())
	if f.Hit != 0 {
		b.WriteString("#")
		b.WriteString(strconv.Itoa(f.Hit))
	}
	return b.String()
}

// Parse reads a fault in the form produced by String, for example
// "skip@decrement", "invert@loop-cond#2" or "flip:0@return-value".
func Parse(s string) (Fault, error) {
	var f Fault
	modelPart, rest, ok := strings.Cut(s, "@")
	if !ok {
		return f, fmt.Errorf("fault: %q: missing '@'", s)
	}
	name, bit, hasBit := strings.Cut(modelPart, ":")
	m, err := ParseModel(name)
	if err != nil {
		return f, err
	}
	f.Model = m
	if hasBit {
		n, err := strconv.ParseUint(bit, 10, 8)
		if err != nil || n > 7 {
			return f, fmt.Errorf("fault: %q: bad bit %q", s, bit)
		}
		f.Bit = uint8(n)
	}
	siteName, hit, hasHit := strings.Cut(rest, "#")
	if f.Site, err = ParseSite(siteName); err != nil {
		return f, err
	}
	if hasHit {
		n, err := strconv.Atoi(hit)
		if err != nil || n < 0 {
			return f, fmt.Errorf("fault: %q: bad hit %q", s, hit)
		}
		f.Hit = n
	}
	if !f.Valid() {
		return f, fmt.Errorf("fault: %s cannot target a %s site", f.Model, f.Site.Kind())
	}
	return f, nil
}
