// Package card hosts a verification engine the way a card operating system
// would: it loads the persistent state before each attempt, runs the engine
// inside the countermeasure boundary, and persists the outcome.
//
// A countermeasure mutes the card. A muted card answers every further
// request with ErrMuted and nothing else, so an attacker learns neither which
// check fired nor how many tries remain. Muting is undone only by
// provisioning a new PIN.
package card

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pinguard/internal/cardstate"
	"pinguard/internal/countermeasure"
	"pinguard/internal/fault"
	"pinguard/internal/hardbool"
	"pinguard/internal/logging"
	"pinguard/internal/metrics"
	"pinguard/internal/security"
	"pinguard/internal/store"
	"pinguard/internal/tamper"
	"pinguard/internal/verifypin"
)

var (
	ErrNotProvisioned = errors.New("card: not provisioned")
	ErrMuted          = errors.New("card: muted")
	ErrPINLength      = errors.New("card: wrong PIN length")
)

// Result is the answer to a verification attempt.
type Result struct {
	Authenticated bool `json:"authenticated"`
	RetriesLeft   int8 `json:"retries_left"`
	Locked        bool `json:"locked"`
}

// Status describes the persisted state of a card. It never includes PIN
// material.
type Status struct {
	CardID        string    `json:"card_id"`
	Policy        string    `json:"policy"`
	RetriesLeft   int8      `json:"retries_left"`
	Authenticated bool      `json:"authenticated"`
	Locked        bool      `json:"locked"`
	Muted         bool      `json:"muted"`
	TamperCount   uint64    `json:"tamper_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Card serializes verification attempts against one persisted card state.
type Card struct {
	mu sync.Mutex

	id       string
	store    store.StateStore
	policy   verifypin.Policy
	tamper   tamper.Counter
	audit    *logging.AuditLogger
	log      *logging.Logger
	metrics  *metrics.CardMetrics
	onTrip   countermeasure.Trigger
	injector fault.Injector
}

// Option configures a Card.
type Option func(*Card)

// WithTamperCounter records every countermeasure on c.
func WithTamperCounter(c tamper.Counter) Option {
	return func(k *Card) {
		if c != nil {
			k.tamper = c
		}
	}
}

// WithAudit sets the audit trail.
func WithAudit(a *logging.AuditLogger) Option {
	return func(k *Card) {
		if a != nil {
			k.audit = a
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(l *logging.Logger) Option {
	return func(k *Card) {
		if l != nil {
			k.log = l
		}
	}
}

// WithMetrics records attempts and countermeasures on m.
func WithMetrics(m *metrics.CardMetrics) Option {
	return func(k *Card) { k.metrics = m }
}

// WithTrigger runs t after a countermeasure has muted the card and the muted
// state was persisted, e.g. countermeasure.Exit to reset the process.
func WithTrigger(t countermeasure.Trigger) Option {
	return func(k *Card) { k.onTrip = t }
}

// WithInjector routes the engine's fault sites through inj. Only the fault
// simulation uses it.
func WithInjector(inj fault.Injector) Option {
	return func(k *Card) { k.injector = inj }
}

// New returns a card for the state stored under id.
func New(id string, st store.StateStore, p verifypin.Policy, opts ...Option) *Card {
	c := &Card{
		id:     id,
		store:  st,
		policy: p,
		tamper: tamper.Discard{},
		audit:  logging.DiscardAudit(),
		log:    logging.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithComponent("card")
	return c
}

// ID returns the card identifier.
func (c *Card) ID() string {
	return c.id
}

// Policy returns the engine policy of the card.
func (c *Card) Policy() verifypin.Policy {
	return c.policy
}

// Provision installs a new reference PIN, restores the try budget and clears
// the muted latch. pin is wiped before Provision returns.
func (c *Card) Provision(ctx context.Context, pin []byte) error {
	defer security.Wipe(pin)
	ref, ok := cardstate.ParsePIN(pin)
	if !ok {
		return ErrPINLength
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var tamperCount uint64
	switch prev, err := c.store.LoadState(ctx, c.id); {
	case err == nil:
		tamperCount = prev.TamperCount
		security.Wipe(prev.ReferencePIN)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrIntegrity):
		if v, err := c.tamper.Value(ctx); err == nil {
			tamperCount = v
		}
	default:
		return err
	}

	st := cardstate.New(ref)
	rec := toRecord(c.id, st, tamperCount)
	security.Wipe(ref[:])
	wipeState(st)
	if err := c.store.SaveState(ctx, rec); err != nil {
		return fmt.Errorf("provision card: %w", err)
	}
	security.Wipe(rec.ReferencePIN)

	c.log.Info("card provisioned", "card_id", c.id, "policy", c.policy.String())
	c.setRetries(cardstate.MaxRetries)
	return c.audit.LogProvision(ctx, c.id)
}

// Verify runs one verification attempt with the presented PIN. pin is
// wiped before Verify returns. A wrong PIN is not an error: the Result
// reports it. ErrMuted is returned when the card is muted or becomes muted
// during this attempt.
func (c *Card) Verify(ctx context.Context, pin []byte) (Result, error) {
	presented := security.FromBytes(pin)
	defer presented.Destroy()

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.VerifyDuration.ObserveDuration(time.Since(start))
		}
	}()

	rec, err := c.load(ctx)
	if err != nil {
		return Result{}, err
	}
	if hardbool.Bool(rec.Muted).State() != hardbool.StateFalse {
		c.count(func(m *metrics.CardMetrics) *metrics.Counter { return m.VerifyMuted })
		return Result{}, ErrMuted
	}
	if presented.Len() != cardstate.PINSize {
		return Result{}, ErrPINLength
	}

	st := fromRecord(rec)
	defer wipeState(st)
	copy(st.PresentedPIN[:], presented.Bytes())
	wasLocked := st.RetryCounter <= 0

	latch := countermeasure.Func(func() { st.Muted = hardbool.True })
	opts := []verifypin.Option{verifypin.WithTrigger(latch)}
	if c.injector != nil {
		opts = append(opts, verifypin.WithInjector(c.injector))
	}
	engine := verifypin.New(c.policy, opts...)

	var ok, truncated bool
	fired := countermeasure.Catch(func() {
		truncated = fault.RunTruncatable(func() { ok = engine.VerifyPIN(st) })
	})
	if fired {
		return Result{}, c.mute(ctx, rec, st)
	}
	if truncated {
		c.log.Warn("verification cut short", "card_id", c.id)
	}

	snap := st.Snapshot()
	res := Result{
		Authenticated: ok && !truncated && snap.IsAuthenticated(),
		RetriesLeft:   snap.RetryCounter,
		Locked:        snap.IsLocked(),
	}

	next := toRecord(c.id, st, rec.TamperCount)
	defer security.Wipe(next.ReferencePIN)
	if err := c.store.SaveState(ctx, next); err != nil {
		return Result{}, fmt.Errorf("save card state: %w", err)
	}

	c.setRetries(res.RetriesLeft)
	switch {
	case res.Authenticated:
		c.count(func(m *metrics.CardMetrics) *metrics.Counter { return m.VerifySuccess })
	case wasLocked:
		c.count(func(m *metrics.CardMetrics) *metrics.Counter { return m.VerifyLocked })
	default:
		c.count(func(m *metrics.CardMetrics) *metrics.Counter { return m.VerifyFailure })
	}

	c.log.Debug("verification", "card_id", c.id, "authenticated", res.Authenticated, "retries_left", res.RetriesLeft)
	if err := c.audit.LogVerifyAttempt(ctx, c.id, res.Authenticated, res.RetriesLeft); err != nil {
		c.log.Error("audit write failed", "error", err)
	}
	if res.Locked && !wasLocked {
		c.log.Warn("card locked", "card_id", c.id)
		if err := c.audit.LogLockout(ctx, c.id); err != nil {
			c.log.Error("audit write failed", "error", err)
		}
	}
	return res, nil
}

// Logout clears the authentication flag.
func (c *Card) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.load(ctx)
	if err != nil {
		return err
	}
	defer security.Wipe(rec.ReferencePIN)
	rec.Authenticated = uint8(hardbool.False)
	rec.UpdatedAt = time.Time{}
	return c.store.SaveState(ctx, rec)
}

// Status returns the persisted state of the card.
func (c *Card) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.load(ctx)
	if err != nil && !errors.Is(err, ErrMuted) {
		return Status{}, err
	}
	if errors.Is(err, ErrMuted) {
		if rec, err = c.store.LoadState(ctx, c.id); err != nil {
			return Status{}, err
		}
	}
	defer security.Wipe(rec.ReferencePIN)

	muted := hardbool.Bool(rec.Muted).State() != hardbool.StateFalse
	s := Status{
		CardID:      c.id,
		Policy:      c.policy.String(),
		Muted:       muted,
		TamperCount: rec.TamperCount,
		UpdatedAt:   rec.UpdatedAt,
	}
	if !muted {
		s.RetriesLeft = rec.RetryCounter
		s.Locked = rec.RetryCounter <= 0
		s.Authenticated = hardbool.Bool(rec.Authenticated).State() == hardbool.StateTrue
	}
	return s, nil
}

// load returns the stored record. A record that fails its integrity check
// mutes the card and yields ErrMuted.
func (c *Card) load(ctx context.Context) (*store.StateRecord, error) {
	rec, err := c.store.LoadState(ctx, c.id)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrNotProvisioned
	case errors.Is(err, store.ErrIntegrity):
		c.log.Error("card state failed integrity check", "card_id", c.id)
		var tamperCount uint64
		if v, verr := c.tamper.Value(ctx); verr == nil {
			tamperCount = v
		}
		dead := &store.StateRecord{
			CardID:        c.id,
			Authenticated: uint8(hardbool.False),
			Muted:         uint8(hardbool.True),
			ReferencePIN:  make([]byte, cardstate.PINSize),
			TamperCount:   tamperCount,
		}
		return nil, c.mute(ctx, dead, nil)
	default:
		return nil, fmt.Errorf("load card state: %w", err)
	}
}

// mute persists the muted latch, records the tamper event and runs the
// configured trigger. It always returns ErrMuted unless persisting fails.
func (c *Card) mute(ctx context.Context, rec *store.StateRecord, st *cardstate.State) error {
	next := rec.Clone()
	if st != nil {
		next = toRecord(c.id, st, rec.TamperCount)
	}
	defer security.Wipe(next.ReferencePIN)
	next.Muted = uint8(hardbool.True)
	next.Authenticated = uint8(hardbool.False)
	next.UpdatedAt = time.Time{}

	if v, err := c.tamper.Increment(ctx); err != nil {
		c.log.Error("tamper counter increment failed", "error", err)
		next.TamperCount++
	} else {
		next.TamperCount = max(next.TamperCount+1, v)
	}

	if err := c.store.SaveState(ctx, next); err != nil {
		return fmt.Errorf("persist muted state: %w", err)
	}

	c.count(func(m *metrics.CardMetrics) *metrics.Counter { return m.Countermeasures })
	c.log.Warn("countermeasure fired, card muted", "card_id", c.id, "tamper_count", next.TamperCount)
	if err := c.audit.LogCountermeasure(ctx, c.id, next.TamperCount); err != nil {
		c.log.Error("audit write failed", "error", err)
	}
	if c.onTrip != nil {
		c.onTrip.Trigger()
	}
	return ErrMuted
}

func (c *Card) count(pick func(*metrics.CardMetrics) *metrics.Counter) {
	if c.metrics != nil {
		pick(c.metrics).Inc()
	}
}

func (c *Card) setRetries(n int8) {
	if c.metrics != nil {
		c.metrics.RetryCounter.Set(int64(n))
	}
}

func fromRecord(rec *store.StateRecord) *cardstate.State {
	st := &cardstate.State{
		RetryCounter:  rec.RetryCounter,
		Authenticated: hardbool.Bool(rec.Authenticated),
		Muted:         hardbool.Bool(rec.Muted),
	}
	copy(st.ReferencePIN[:], rec.ReferencePIN)
	security.Wipe(rec.ReferencePIN)
	return st
}

func toRecord(id string, st *cardstate.State, tamperCount uint64) *store.StateRecord {
	return &store.StateRecord{
		CardID:        id,
		RetryCounter:  st.RetryCounter,
		Authenticated: uint8(st.Authenticated),
		Muted:         uint8(st.Muted),
		ReferencePIN:  append([]byte(nil), st.ReferencePIN[:]...),
		TamperCount:   tamperCount,
	}
}

func wipeState(st *cardstate.State) {
	st.ClearPresented()
	security.Wipe(st.ReferencePIN[:])
}
