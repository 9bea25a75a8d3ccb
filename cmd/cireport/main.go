package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/nadmax/cireport/internal/concurrency"
	"github.com/nadmax/cireport/internal/config"
)

var errInvalidInput = errors.New("invalid input")

const (
	exitInvalidInput = 1
	exitDataSource   = 2
	exitFailure      = 3
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		cli.HandleExitCoder(err)
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	a := &app{}

	return &cli.App{
		Name:  "cireport",
		Usage: "Concurrency, cost and usage reports for the CI task database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML configuration file",
				EnvVars: []string{"CIREPORT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "Interval source (postgres, sqlite), overrides database.driver",
			},
			&cli.StringFlag{
				Name:  "cache",
				Usage: "Cache backend (file, redis, memory), overrides cache.backend",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Directory for report output, overrides data_dir",
			},
		},
		Before: a.setup,
		// Exit codes are handled by main so that Run always returns.
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			a.concurrencyByMinuteCommand(),
			a.concurrentTasksCommand(),
			a.costPerPushCommand(),
			a.monthlyStatsCommand(),
			a.platformCostsCommand(),
			a.importCostsCommand(),
			a.snapshotCommand(),
			a.serveCommand(),
		},
	}
}

type app struct {
	cfg   *config.Config
	runID string
}

func (a *app) setup(c *cli.Context) error {
	a.runID = uuid.NewString()
	log.SetPrefix(fmt.Sprintf("[run %s] ", a.runID))

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}

	if source := c.String("source"); source != "" {
		cfg.Database.Driver = source
	}
	if backend := c.String("cache"); backend != "" {
		cfg.Cache.Backend = backend
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitInvalidInput)
	}

	a.cfg = cfg
	return nil
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errInvalidInput),
		errors.Is(err, concurrency.ErrInvalidRange),
		errors.Is(err, concurrency.ErrMissingClassification):
		return exitInvalidInput
	case errors.Is(err, concurrency.ErrDataSourceUnavailable):
		return exitDataSource
	default:
		return exitFailure
	}
}

func invalidInput(err error) error {
	return fmt.Errorf("%w: %w", errInvalidInput, err)
}
