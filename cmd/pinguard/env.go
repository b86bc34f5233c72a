package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"pinguard/internal/card"
	"pinguard/internal/config"
	"pinguard/internal/countermeasure"
	"pinguard/internal/fault"
	"pinguard/internal/logging"
	"pinguard/internal/metrics"
	"pinguard/internal/security"
	"pinguard/internal/store"
	"pinguard/internal/tamper"
)

// env holds the collaborators a command needs, opened from the configuration.
type env struct {
	cfg      *config.Config
	log      *logging.Logger
	audit    *logging.AuditLogger
	registry *metrics.Registry
	store    store.StateStore
	sqlite   *store.SQLite
	tamper   tamper.Counter
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if v := cmd.String("preset"); v != "" {
		cfg.Card.Preset = v
	}
	if v := cmd.String("card"); v != "" {
		cfg.Card.ID = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openEnv(ctx context.Context, cmd *cli.Command) (_ *env, err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, registry: metrics.NewRegistry("pinguard")}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	lc, err := cfg.LoggerConfig()
	if err != nil {
		return nil, err
	}
	if cmd.Bool("debug") {
		lc.Level = logging.LevelDebug
	}
	if lc.Output == "stderr" {
		lc.Writer = cmd.Root().ErrWriter
	}
	if e.log, err = logging.New(lc); err != nil {
		return nil, err
	}
	logging.SetDefault(e.log)

	e.audit = logging.DiscardAudit()
	if cfg.Audit.Enabled {
		a, err := logging.OpenAuditLog(cfg.Audit.FilePath, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, "pinguard")
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		e.audit = a
	}

	switch cfg.Storage.Type {
	case "memory":
		e.store = store.NewMemory()
	default:
		master, err := security.LoadOrCreateSecret(cfg.Storage.SecretPath)
		if err != nil {
			return nil, fmt.Errorf("load device secret: %w", err)
		}
		key, err := security.DeriveKey(master, "state-mac")
		security.Wipe(master)
		if err != nil {
			return nil, err
		}
		db, err := store.Open(ctx, cfg.Storage.Path, key)
		security.Wipe(key)
		if err != nil {
			return nil, err
		}
		e.store, e.sqlite = db, db
	}

	e.tamper, err = tamper.Open(cfg.Tamper.Backend, cfg.Tamper.DevicePath)
	if errors.Is(err, tamper.ErrUnavailable) {
		e.log.Warn("TPM unavailable, tamper events are counted in the state record only")
		e.tamper, err = tamper.Discard{}, nil
	}
	if err != nil {
		return nil, err
	}
	e.tamper = seedTamper(ctx, e.tamper, e.store, cfg.Card.ID)
	return e, nil
}

// seedTamper starts a software counter from the tamper count of the stored
// record, which is the only place it survives between runs.
func seedTamper(ctx context.Context, c tamper.Counter, s store.StateStore, cardID string) tamper.Counter {
	if _, ok := c.(*tamper.Software); !ok {
		return c
	}
	rec, err := s.LoadState(ctx, cardID)
	if err != nil {
		return c
	}
	security.Wipe(rec.ReferencePIN)
	return tamper.NewSoftware(rec.TamperCount)
}

// card builds the card host, optionally with simulated faults armed.
func (e *env) card(faults []fault.Fault) (*card.Card, error) {
	p, err := e.cfg.Policy()
	if err != nil {
		return nil, err
	}
	opts := []card.Option{
		card.WithTamperCounter(e.tamper),
		card.WithAudit(e.audit),
		card.WithLogger(e.log),
		card.WithMetrics(metrics.NewCardMetrics(e.registry)),
	}
	if e.cfg.Card.Trigger == "exit" {
		opts = append(opts, card.WithTrigger(countermeasure.Exit{Before: func() { e.Close() }}))
	}
	if len(faults) > 0 {
		opts = append(opts, card.WithInjector(fault.Arm(faults...)))
	}
	return card.New(e.cfg.Card.ID, e.store, p, opts...), nil
}

func (e *env) Close() {
	if e.tamper != nil {
		e.tamper.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
	if e.audit != nil {
		e.audit.Close()
	}
	if e.log != nil {
		e.log.Close()
	}
}
