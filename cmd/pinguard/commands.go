package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"pinguard/internal/campaign"
	"pinguard/internal/card"
	"pinguard/internal/cardstate"
	"pinguard/internal/config"
	"pinguard/internal/fault"
	"pinguard/internal/metrics"
	"pinguard/internal/verifypin"
)

func pinFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "pin",
		Usage:    fmt.Sprintf("%d-digit PIN", cardstate.PINSize),
		Sources:  cli.EnvVars("PINGUARD_PIN"),
		Required: true,
	}
}

func jsonFlag() *cli.BoolFlag {
	return &cli.BoolFlag{Name: "json", Usage: "output JSON"}
}

// parsePIN converts keypad digits to the PIN bytes the card stores.
func parsePIN(s string) ([]byte, error) {
	p, ok := cardstate.ParseDigits(s)
	if !ok {
		return nil, fmt.Errorf("%w: want %d digits", card.ErrPINLength, cardstate.PINSize)
	}
	return p[:], nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func provisionCommand() *cli.Command {
	return &cli.Command{
		Name:   "provision",
		Usage:  "Install a reference PIN and reset the try counter",
		Flags:  []cli.Flag{pinFlag()},
		Action: runProvision,
	}
}

func runProvision(ctx context.Context, cmd *cli.Command) error {
	pin, err := parsePIN(cmd.String("pin"))
	if err != nil {
		return err
	}
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	c, err := e.card(nil)
	if err != nil {
		return err
	}
	if err := c.Provision(ctx, pin); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "card %s provisioned (%s)\n", c.ID(), c.Policy())
	return nil
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Present a PIN to the card",
		Flags: []cli.Flag{
			pinFlag(),
			&cli.StringSliceFlag{
				Name:  "fault",
				Usage: "simulate a fault during this attempt, e.g. invert@verdict or flip:0@return-value#0 (repeatable)",
			},
			&cli.BoolFlag{Name: "metrics", Usage: "print metrics in Prometheus text format to stderr"},
			jsonFlag(),
		},
		Action: runVerify,
	}
}

func runVerify(ctx context.Context, cmd *cli.Command) error {
	var faults []fault.Fault
	for _, s := range cmd.StringSlice("fault") {
		f, err := fault.Parse(s)
		if err != nil {
			return err
		}
		faults = append(faults, f)
	}
	pin, err := parsePIN(cmd.String("pin"))
	if err != nil {
		return err
	}

	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	c, err := e.card(faults)
	if err != nil {
		return err
	}
	res, err := c.Verify(ctx, pin)
	if cmd.Bool("metrics") {
		e.registry.WritePrometheus(cmd.Root().ErrWriter)
	}
	if err != nil {
		return err
	}

	out := cmd.Root().Writer
	if cmd.Bool("json") {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else {
		switch {
		case res.Authenticated:
			fmt.Fprintln(out, "PIN accepted")
		case res.Locked:
			fmt.Fprintln(out, "PIN rejected, card locked")
		default:
			fmt.Fprintf(out, "PIN rejected, %d tries left\n", res.RetriesLeft)
		}
	}
	if !res.Authenticated {
		return errRejected
	}
	return nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show the persisted card state",
		Flags:  []cli.Flag{jsonFlag()},
		Action: runStatus,
	}
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	c, err := e.card(nil)
	if err != nil {
		return err
	}
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}

	out := cmd.Root().Writer
	if cmd.Bool("json") {
		return writeJSON(out, st)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Card:\t%s\n", st.CardID)
	fmt.Fprintf(tw, "Policy:\t%s\n", st.Policy)
	if st.Muted {
		fmt.Fprintf(tw, "State:\tmuted\n")
	} else {
		fmt.Fprintf(tw, "Tries left:\t%d\n", st.RetriesLeft)
		fmt.Fprintf(tw, "Authenticated:\t%t\n", st.Authenticated)
		fmt.Fprintf(tw, "Locked:\t%t\n", st.Locked)
	}
	fmt.Fprintf(tw, "Tamper events:\t%d\n", st.TamperCount)
	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(tw, "Updated:\t%s\n", st.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Clear the authentication flag",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			c, err := e.card(nil)
			if err != nil {
				return err
			}
			return c.Logout(ctx)
		},
	}
}

func ladderCommand() *cli.Command {
	return &cli.Command{
		Name:  "ladder",
		Usage: "List the countermeasure presets and fault sites",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "sites", Usage: "also list the fault sites"},
		},
		Action: runLadder,
	}
}

func runLadder(_ context.Context, cmd *cli.Command) error {
	out := cmd.Root().Writer
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRESET\tTECHNIQUES")
	for _, p := range verifypin.Ladder() {
		fmt.Fprintf(tw, "%s\t%s\n", p.Name, p.Policy)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !cmd.Bool("sites") {
		return nil
	}

	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SITE\tKIND\tMODELS")
	for _, s := range fault.Sites() {
		var models []string
		for _, m := range fault.Models() {
			if m.Applies(s.Kind()) {
				models = append(models, m.String())
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\n", s, s.Kind(), models)
	}
	return tw.Flush()
}

func campaignCommand() *cli.Command {
	return &cli.Command{
		Name:  "campaign",
		Usage: "Evaluate the ladder against simulated faults",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "rung", Usage: "preset to attack (repeatable, default: campaign.presets or the whole ladder)"},
			&cli.StringSliceFlag{Name: "model", Usage: "fault model to inject (repeatable, default: campaign.models or all)"},
			&cli.StringSliceFlag{Name: "scenario", Usage: "wrong_pin or locked_card (repeatable, default: both)"},
			&cli.IntFlag{Name: "max-hit", Usage: "attack only the first N visits of each site (0: all)"},
			&cli.BoolFlag{Name: "double", Usage: "also evaluate pairs of branch inversions"},
			&cli.StringFlag{Name: "report", Usage: "write the JSON report to this path"},
			&cli.BoolFlag{Name: "persist", Usage: "store every trial in the database"},
			&cli.BoolFlag{Name: "list", Usage: "list the faults that bypassed or spared each rung"},
			&cli.BoolFlag{Name: "metrics", Usage: "print metrics in Prometheus text format to stderr"},
			jsonFlag(),
		},
		Action: runCampaign,
	}
}

func campaignOptions(cmd *cli.Command, cfg *config.CampaignConfig) (campaign.Options, error) {
	var opts campaign.Options

	presets := cfg.Presets
	if cmd.IsSet("rung") {
		presets = cmd.StringSlice("rung")
	}
	for _, name := range presets {
		p, err := verifypin.Lookup(name)
		if err != nil {
			return opts, err
		}
		opts.Presets = append(opts.Presets, p)
	}

	models := cfg.Models
	if cmd.IsSet("model") {
		models = cmd.StringSlice("model")
	}
	for _, name := range models {
		m, err := fault.ParseModel(name)
		if err != nil {
			return opts, err
		}
		opts.Models = append(opts.Models, m)
	}

	for _, s := range cmd.StringSlice("scenario") {
		switch sc := campaign.Scenario(s); sc {
		case campaign.WrongPIN, campaign.LockedCard:
			opts.Scenarios = append(opts.Scenarios, sc)
		default:
			return opts, fmt.Errorf("unknown scenario %q", s)
		}
	}

	opts.MaxHit = cfg.MaxHit
	if cmd.IsSet("max-hit") {
		opts.MaxHit = int(cmd.Int("max-hit"))
	}
	opts.DoubleFaults = cfg.DoubleFaults || cmd.Bool("double")
	return opts, nil
}

func runCampaign(ctx context.Context, cmd *cli.Command) error {
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	opts, err := campaignOptions(cmd, &e.cfg.Campaign)
	if err != nil {
		return err
	}

	runnerOpts := []campaign.RunnerOption{
		campaign.WithMetrics(metrics.NewCampaignMetrics(e.registry)),
		campaign.WithAudit(e.audit),
		campaign.WithLogger(e.log),
	}
	if cmd.Bool("persist") || e.cfg.Campaign.Persist {
		if e.sqlite == nil {
			return fmt.Errorf("--persist requires sqlite storage")
		}
		runnerOpts = append(runnerOpts, campaign.WithSink(e.sqlite))
	}

	rep, err := campaign.NewRunner(runnerOpts...).Run(ctx, opts)
	if err != nil {
		return err
	}

	reportPath := e.cfg.Campaign.ReportPath
	if cmd.IsSet("report") {
		reportPath = cmd.String("report")
	}
	if reportPath != "" {
		if err := rep.SaveJSON(reportPath); err != nil {
			return err
		}
	}
	if cmd.Bool("metrics") {
		e.registry.WritePrometheus(cmd.Root().ErrWriter)
	}

	out := cmd.Root().Writer
	if cmd.Bool("json") {
		return rep.WriteJSON(out)
	}
	fmt.Fprintf(out, "run %s\n\n", rep.RunID)
	return rep.WriteTable(out, cmd.Bool("list"))
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Inspect the configuration",
		Commands: []*cli.Command{
			{
				Name:   "check",
				Usage:  "Validate the configuration and print the resolved policy",
				Action: runConfigCheck,
			},
			{
				Name:   "watch",
				Usage:  "Watch the configuration file and audit every change",
				Action: runConfigWatch,
			},
		},
	}
}

func runConfigCheck(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	p, err := cfg.Policy()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "configuration OK: card %s, policy %s, storage %s, tamper %s\n",
		cfg.Card.ID, p, cfg.Storage.Type, cfg.Tamper.Backend)
	return nil
}

func runConfigWatch(ctx context.Context, cmd *cli.Command) error {
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	l := config.NewLoader(cmd.String("config"))
	if _, err := l.Load(); err != nil {
		return err
	}
	l.OnChange(func(old, new *config.Config) {
		changes := config.Diff(old, new)
		fields := make([]string, 0, len(changes))
		for f := range changes {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			v := changes[f]
			e.log.Info("configuration changed", "setting", f, "old", v[0], "new", v[1])
			if err := e.audit.LogConfigChange(ctx, f, v[0], v[1]); err != nil {
				e.log.Error("audit write failed", "error", err)
			}
		}
	})
	if err := l.Watch(); err != nil {
		return err
	}
	defer l.Close()

	e.log.Info("watching configuration", "path", l.Path())
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-l.Errors():
			e.log.Warn("configuration rejected", "error", err)
		}
	}
}
