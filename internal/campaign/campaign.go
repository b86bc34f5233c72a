// Package campaign evaluates the countermeasure ladder against simulated
// faults.
//
// For every rung and scenario the engine first runs once under a fault.Trace
// to learn which sites a clean attempt visits and how often. Each visit is
// then attacked with every applicable fault model, one trial per fault (or
// per pair of faults when double faults are enabled), and the resulting
// state is classified. The oracle is the one used on real cards: a trial is
// a bypass when the engine authenticates a PIN it should have rejected.
package campaign

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pinguard/internal/cardstate"
	"pinguard/internal/countermeasure"
	"pinguard/internal/fault"
	"pinguard/internal/logging"
	"pinguard/internal/metrics"
	"pinguard/internal/store"
	"pinguard/internal/verifypin"
)

// Outcome classifies a trial.
type Outcome string

const (
	// Detected means a countermeasure fired.
	Detected Outcome = "detected"
	// Bypassed means the engine authenticated the attacker.
	Bypassed Outcome = "bypassed"
	// Spared means the attempt was rejected without consuming a try, which
	// gives the attacker unlimited guesses.
	Spared Outcome = "spared"
	// Harmless means the attempt was rejected and accounted for normally.
	Harmless Outcome = "harmless"
	// NotReached means an armed fault never applied, e.g. because a first
	// fault diverted execution away from the second one's site.
	NotReached Outcome = "not_reached"
)

// Outcomes returns every outcome in report order.
func Outcomes() []Outcome {
	return []Outcome{Detected, Bypassed, Spared, Harmless, NotReached}
}

// Scenario is the card situation a trial attacks.
type Scenario string

const (
	// WrongPIN presents a wrong PIN with the full try budget.
	WrongPIN Scenario = "wrong_pin"
	// LockedCard presents the right PIN to a card whose budget is exhausted.
	LockedCard Scenario = "locked_card"
)

// Scenarios returns every scenario.
func Scenarios() []Scenario {
	return []Scenario{WrongPIN, LockedCard}
}

var (
	referencePIN = cardstate.PIN{1, 2, 3, 4}
	attackerPIN  = cardstate.PIN{9, 2, 3, 4}
)

func (s Scenario) state() *cardstate.State {
	st := cardstate.New(referencePIN)
	switch s {
	case LockedCard:
		st.RetryCounter = 0
		st.Present(referencePIN)
	default:
		st.Present(attackerPIN)
	}
	return st
}

// Options selects the fault space of a run.
type Options struct {
	// Presets to attack. Empty means verifypin.Ladder().
	Presets []verifypin.Preset
	// Models to inject. Empty means fault.Models().
	Models []fault.Model
	// Scenarios to attack. Empty means Scenarios().
	Scenarios []Scenario
	// MaxHit limits attacked visits per site to the first MaxHit. Zero
	// attacks every visit seen in the clean trace.
	MaxHit int
	// DoubleFaults adds every pair of branch inversions at distinct visits.
	DoubleFaults bool
	// Workers evaluates rungs concurrently. Zero means one per rung.
	Workers int
}

func (o Options) withDefaults() Options {
	if len(o.Presets) == 0 {
		o.Presets = verifypin.Ladder()
	}
	if len(o.Models) == 0 {
		o.Models = fault.Models()
	}
	if len(o.Scenarios) == 0 {
		o.Scenarios = Scenarios()
	}
	if o.Workers <= 0 {
		o.Workers = len(o.Presets)
	}
	return o
}

// Trial is one evaluated fault set.
type Trial struct {
	Scenario  Scenario      `json:"scenario"`
	Faults    []fault.Fault `json:"-"`
	Fault     string        `json:"fault"`
	Outcome   Outcome       `json:"outcome"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Counts tallies trial outcomes.
type Counts struct {
	Total      int `json:"total"`
	Detected   int `json:"detected"`
	Bypassed   int `json:"bypassed"`
	Spared     int `json:"spared"`
	Harmless   int `json:"harmless"`
	NotReached int `json:"not_reached"`
	Truncated  int `json:"truncated"`
}

func (c *Counts) add(t Trial) {
	c.Total++
	switch t.Outcome {
	case Detected:
		c.Detected++
	case Bypassed:
		c.Bypassed++
	case Spared:
		c.Spared++
	case Harmless:
		c.Harmless++
	case NotReached:
		c.NotReached++
	}
	if t.Truncated {
		c.Truncated++
	}
}

// Of returns the count for o.
func (c Counts) Of(o Outcome) int {
	switch o {
	case Detected:
		return c.Detected
	case Bypassed:
		return c.Bypassed
	case Spared:
		return c.Spared
	case Harmless:
		return c.Harmless
	case NotReached:
		return c.NotReached
	}
	return 0
}

// Rung is the result for one preset.
type Rung struct {
	Preset   string  `json:"preset"`
	Policy   string  `json:"policy"`
	Counts   Counts  `json:"counts"`
	Bypasses []Trial `json:"bypasses"`
	Spared   []Trial `json:"spared"`
	Trials   []Trial `json:"-"`
}

// Report is the result of a run.
type Report struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Models       []string  `json:"models"`
	Scenarios    []string  `json:"scenarios"`
	MaxHit       int       `json:"max_hit"`
	DoubleFaults bool      `json:"double_faults"`
	Rungs        []Rung    `json:"rungs"`
}

// Rung returns the result for the named preset.
func (r *Report) Rung(preset string) (*Rung, bool) {
	for i := range r.Rungs {
		if r.Rungs[i].Preset == preset {
			return &r.Rungs[i], true
		}
	}
	return nil, false
}

// ResultSink persists per-trial results.
type ResultSink interface {
	InsertCampaignResults(ctx context.Context, results []store.CampaignResult) error
}

// Runner executes campaigns.
type Runner struct {
	metrics *metrics.CampaignMetrics
	audit   *logging.AuditLogger
	sink    ResultSink
	log     *logging.Logger
	now     func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMetrics counts evaluated faults on m.
func WithMetrics(m *metrics.CampaignMetrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithAudit records a campaign event per run.
func WithAudit(a *logging.AuditLogger) RunnerOption {
	return func(r *Runner) {
		if a != nil {
			r.audit = a
		}
	}
}

// WithSink persists every trial.
func WithSink(s ResultSink) RunnerOption {
	return func(r *Runner) { r.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRunner returns a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		audit: logging.DiscardAudit(),
		log:   logging.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithComponent("campaign")
	return r
}

// Run evaluates the fault space selected by opts.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	rep := &Report{
		RunID:        uuid.NewString(),
		StartedAt:    r.now().UTC(),
		MaxHit:       opts.MaxHit,
		DoubleFaults: opts.DoubleFaults,
		Rungs:        make([]Rung, len(opts.Presets)),
	}
	for _, m := range opts.Models {
		rep.Models = append(rep.Models, m.String())
	}
	for _, s := range opts.Scenarios {
		rep.Scenarios = append(rep.Scenarios, string(s))
	}
	r.log.Info("campaign started", "run_id", rep.RunID, "rungs", len(opts.Presets))

	var (
		wg   sync.WaitGroup
		sem  = make(chan struct{}, opts.Workers)
		errs = make([]error, len(opts.Presets))
	)
	for i, p := range opts.Presets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			rep.Rungs[i], errs[i] = r.runRung(ctx, p, opts)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	rep.FinishedAt = r.now().UTC()

	var faults, bypassed int
	for _, rung := range rep.Rungs {
		faults += rung.Counts.Total
		bypassed += rung.Counts.Bypassed
		r.log.Info("rung evaluated", "preset", rung.Preset,
			"faults", rung.Counts.Total, "detected", rung.Counts.Detected, "bypassed", rung.Counts.Bypassed)
	}

	if r.sink != nil {
		if err := r.sink.InsertCampaignResults(ctx, rep.Results()); err != nil {
			return nil, fmt.Errorf("persist campaign results: %w", err)
		}
	}
	if err := r.audit.LogCampaign(ctx, rep.RunID, faults, bypassed); err != nil {
		r.log.Error("audit write failed", "error", err)
	}
	return rep, nil
}

func (r *Runner) runRung(ctx context.Context, p verifypin.Preset, opts Options) (Rung, error) {
	rung := Rung{Preset: p.Name, Policy: p.Policy.String(), Bypasses: []Trial{}, Spared: []Trial{}}
	for _, sc := range opts.Scenarios {
		for _, faults := range Enumerate(p.Policy, sc, opts) {
			if err := ctx.Err(); err != nil {
				return Rung{}, err
			}
			t := RunTrial(p.Policy, sc, faults...)
			rung.Trials = append(rung.Trials, t)
			rung.Counts.add(t)
			switch t.Outcome {
			case Bypassed:
				rung.Bypasses = append(rung.Bypasses, t)
			case Spared:
				rung.Spared = append(rung.Spared, t)
			}
			if r.metrics != nil {
				r.metrics.Faults.Inc()
				switch t.Outcome {
				case Detected:
					r.metrics.Detected.Inc()
				case Bypassed:
					r.metrics.Bypassed.Inc()
				}
			}
		}
	}
	return rung, nil
}

// Profile returns how often a clean attempt in scenario sc visits each site.
func Profile(p verifypin.Policy, sc Scenario) map[fault.Site]int {
	tr := &fault.Trace{}
	e := verifypin.New(p, verifypin.WithInjector(tr))
	st := sc.state()
	countermeasure.Catch(func() { e.VerifyPIN(st) })
	return tr.Profile()
}

// Enumerate lists the fault sets a run attacks policy p with in scenario sc.
// Single faults come first, ordered by site, hit, model and bit.
func Enumerate(p verifypin.Policy, sc Scenario, opts Options) [][]fault.Fault {
	opts = opts.withDefaults()
	profile := Profile(p, sc)

	var singles, inversions []fault.Fault
	for _, site := range fault.Sites() {
		hits := profile[site]
		if opts.MaxHit > 0 && hits > opts.MaxHit {
			hits = opts.MaxHit
		}
		for hit := 0; hit < hits; hit++ {
			for _, m := range opts.Models {
				if !m.Applies(site.Kind()) {
					continue
				}
				f := fault.Fault{Model: m, Site: site, Hit: hit}
				if m == fault.Flip {
					for bit := uint8(0); bit < 8; bit++ {
						f.Bit = bit
						singles = append(singles, f)
					}
					continue
				}
				singles = append(singles, f)
				if m == fault.Invert {
					inversions = append(inversions, f)
				}
			}
		}
	}

	out := make([][]fault.Fault, 0, len(singles))
	for _, f := range singles {
		out = append(out, []fault.Fault{f})
	}
	if opts.DoubleFaults {
		for i, a := range inversions {
			for _, b := range inversions[i+1:] {
				out = append(out, []fault.Fault{a, b})
			}
		}
	}
	return out
}

// RunTrial runs one attempt of scenario sc under policy p with faults armed
// and classifies the result.
func RunTrial(p verifypin.Policy, sc Scenario, faults ...fault.Fault) Trial {
	t := Trial{Scenario: sc, Faults: faults, Fault: Label(faults)}

	st := sc.state()
	before := st.RetryCounter
	inj := fault.Arm(faults...)
	e := verifypin.New(p, verifypin.WithInjector(inj))

	var ok bool
	fired := countermeasure.Catch(func() {
		t.Truncated = fault.RunTruncatable(func() { ok = e.VerifyPIN(st) })
	})

	snap := st.Snapshot()
	switch {
	case fired:
		t.Outcome = Detected
	case !inj.Fired():
		t.Outcome = NotReached
	case ok || snap.IsAuthenticated():
		t.Outcome = Bypassed
	case before > 0 && snap.RetryCounter >= before:
		t.Outcome = Spared
	default:
		t.Outcome = Harmless
	}
	return t
}

// Label renders a fault set in fault.Parse syntax, joined by "+".
func Label(faults []fault.Fault) string {
	parts := make([]string, len(faults))
	for i, f := range faults {
		parts[i] = f.String()
	}
	return strings.Join(parts, "+")
}

// Results flattens the report into store rows.
func (r *Report) Results() []store.CampaignResult {
	var out []store.CampaignResult
	for _, rung := range r.Rungs {
		for _, t := range rung.Trials {
			out = append(out, store.CampaignResult{
				RunID:     r.RunID,
				Preset:    rung.Preset,
				Scenario:  string(t.Scenario),
				Fault:     t.Fault,
				Outcome:   string(t.Outcome),
				Truncated: t.Truncated,
				CreatedAt: r.FinishedAt,
			})
		}
	}
	return out
}
