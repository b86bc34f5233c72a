// pinguard is the command line front end of the hardened PIN verifier: it
// provisions and verifies a persisted card and runs fault campaigns against
// the countermeasure ladder.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"pinguard/internal/card"
)

// errRejected is returned by verify when the PIN was not accepted.
var errRejected = errors.New("PIN rejected")

// Exit codes.
const (
	exitOK       = 0
	exitRejected = 1
	exitError    = 2
	exitMuted    = 3
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "pinguard",
		Usage: "Fault-hardened PIN verification",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file (default: ~/.pinguard/config.toml)",
				Sources: cli.EnvVars("PINGUARD_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "card",
				Usage: "card identifier, overrides card.card_id",
			},
			&cli.StringFlag{
				Name:  "preset",
				Usage: "countermeasure preset, overrides card.preset",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log at debug level",
			},
		},
		Commands: []*cli.Command{
			provisionCommand(),
			verifyCommand(),
			statusCommand(),
			logoutCommand(),
			ladderCommand(),
			campaignCommand(),
			configCommand(),
		},
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errRejected):
		return exitRejected
	case errors.Is(err, card.ErrMuted):
		return exitMuted
	default:
		return exitError
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp().Run(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pinguard:", err)
	}
	os.Exit(exitCode(err))
}
