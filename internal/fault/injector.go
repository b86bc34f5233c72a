package fault

// Injector is consulted by the engine at every site.
type Injector interface {
	// Skip reports whether the instruction at s must be skipped.
	Skip(s Site) bool
	// Branch returns the possibly inverted outcome of the condition at s.
	Branch(s Site, cond bool) bool
	// Byte returns the possibly corrupted value read at s.
	Byte(s Site, v byte) byte
}

type none struct{}

func (none) Skip(Site) bool                { return false }
func (none) Branch(_ Site, cond bool) bool { return cond }
func (none) Byte(_ Site, v byte) byte      { return v }

// None injects nothing.
var None Injector = none{}

// Truncation is the panic value raised by a Truncate fault.
type Truncation struct {
	Site Site
}

func (t Truncation) String() string {
	return "truncated at " + t.Site.String()
}

// RunTruncatable runs fn and reports whether a Truncate fault cut it short.
// Other panics are re-raised.
func RunTruncatable(fn func()) (truncated bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(Truncation); !ok {
				panic(r)
			}
			truncated = true
		}
	}()
	fn()
	return false
}

// Armed applies a fixed set of faults, each at a given visit of its site.
type Armed struct {
	faults []Fault
	fired  []bool
	hits   [numSites]int
}

// Arm returns an injector for the given faults. Faults whose model does not
// apply to their site never fire.
func Arm(faults ...Fault) *Armed {
	return &Armed{
		faults: append([]Fault(nil), faults...),
		fired:  make([]bool, len(faults)),
	}
}

// visit counts a hit at s and returns the faults due on it.
func (a *Armed) visit(s Site, k Kind) []Fault {
	n := a.hits[s]
	a.hits[s]++
	var due []Fault
	for i, f := range a.faults {
		if f.Site != s || f.Hit != n || !f.Model.Applies(k) {
			continue
		}
		a.fired[i] = true
		if f.Model == Truncate {
			panic(Truncation{Site: s})
		}
		due = append(due, f)
	}
	return due
}

func (a *Armed) Skip(s Site) bool {
	return len(a.visit(s, KindInstruction)) > 0
}

func (a *Armed) Branch(s Site, cond bool) bool {
	for range a.visit(s, KindBranch) {
		cond = !cond
	}
	return cond
}

func (a *Armed) Byte(s Site, v byte) byte {
	for _, f := range a.visit(s, KindData) {
		switch f.Model {
		case Flip:
			v ^= 1 << f.Bit
		case Zero:
			v = 0
		}
	}
	return v
}

// Fired reports whether every armed fault was applied.
func (a *Armed) Fired() bool {
	for _, ok := range a.fired {
		if !ok {
			return false
		}
	}
	return true
}

// Hits returns how many times s was visited.
func (a *Armed) Hits(s Site) int {
	return a.hits[s]
}

// Trace counts site visits and delegates to Next (None when nil).
type Trace struct {
	Next Injector
	hits [numSites]int
}

func (t *Trace) next() Injector {
	if t.Next == nil {
		return None
	}
	return t.Next
}

func (t *Trace) Skip(s Site) bool {
	t.hits[s]++
	return t.next().Skip(s)
}

func (t *Trace) Branch(s Site, cond bool) bool {
	t.hits[s]++
	return t.next().Branch(s, cond)
}

func (t *Trace) Byte(s Site, v byte) byte {
	t.hits[s]++
	return t.next().Byte(s, v)
}

// Hits returns how many times s was visited.
func (t *Trace) Hits(s Site) int {
	return t.hits[s]
}

// Profile returns the visit count of every site that was reached.
func (t *Trace) Profile() map[Site]int {
	out := make(map[Site]int)
	for s, n := range t.hits {
		if n > 0 {
			out[Site(s)] = n
		}
	}
	return out
}
