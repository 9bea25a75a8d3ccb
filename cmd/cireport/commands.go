package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nadmax/cireport/internal/api"
	"github.com/nadmax/cireport/internal/costexplorer"
	"github.com/nadmax/cireport/internal/notify"
	"github.com/nadmax/cireport/internal/pushlog"
	"github.com/nadmax/cireport/internal/report"
	"github.com/nadmax/cireport/internal/repository"
	"github.com/nadmax/cireport/internal/repository/sqlite"
	"github.com/nadmax/cireport/internal/task"
)

func (a *app) concurrencyByMinuteCommand() *cli.Command {
	return &cli.Command{
		Name:  "concurrency-by-minute",
		Usage: "Write per-minute concurrent task counts for each tag to CSV",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "start", Usage: `Start time, "YYYY-MM-DD HH:MM"`, Required: true},
			&cli.StringFlag{Name: "end", Usage: `End time (exclusive), "YYYY-MM-DD HH:MM"`, Required: true},
		},
		Action: a.run("concurrency-by-minute", func(c *cli.Context, e *env) error {
			start, err := task.ParseMinute(c.String("start"))
			if err != nil {
				return invalidInput(err)
			}
			end, err := task.ParseMinute(c.String("end"))
			if err != nil {
				return invalidInput(err)
			}
			if !start.Before(end) {
				return invalidInput(fmt.Errorf("start %s is not before end %s", c.String("start"), c.String("end")))
			}

			counter, err := e.counter()
			if err != nil {
				return err
			}

			paths, err := report.NewMinuteConcurrency(counter, e.cfg.DataDir).Run(e.ctx, start, end)
			if err != nil {
				return err
			}
			for _, path := range paths {
				fmt.Fprintln(e.out, path)
			}

			return nil
		}),
	}
}

func (a *app) concurrentTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "concurrent-tasks",
		Usage: "Compute the maximum number of concurrent tasks for each day of a month",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "year-month", Usage: "Month to process, YYYY-MM", Required: true},
			&cli.BoolFlag{Name: "refresh", Aliases: []string{"r"}, Usage: "Recompute days that are already cached"},
			&cli.IntFlag{Name: "workers", Usage: "Days computed at once (default: concurrency.workers)"},
		},
		Action: a.run("concurrent-tasks", func(c *cli.Context, e *env) error {
			month, err := task.ParseMonth(c.String("year-month"))
			if err != nil {
				return invalidInput(err)
			}

			workers := e.cfg.Concurrency.Workers
			if c.IsSet("workers") {
				workers = c.Int("workers")
			}

			counter, err := e.counter()
			if err != nil {
				return err
			}
			caches, err := e.caches()
			if err != nil {
				return err
			}

			_, err = report.NewDailyConcurrency(counter, caches, report.DailyOptions{
				Workers: workers,
				Refresh: c.Bool("refresh"),
				Out:     e.out,
			}).Run(e.ctx, month)
			return err
		}),
	}
}

func (a *app) costPerPushCommand() *cli.Command {
	return &cli.Command{
		Name:  "cost-per-push",
		Usage: "Estimate the cost per push of a branch",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "branch", Usage: "Branch, e.g. try or autoland", Required: true},
			&cli.StringFlag{Name: "year-month", Aliases: []string{"month"}, Usage: "Month to process, YYYY-MM (default: previous month)"},
		},
		Action: a.run("cost-per-push", func(c *cli.Context, e *env) error {
			month, _ := task.PreviousMonth(time.Now())
			if c.IsSet("year-month") {
				var err error
				if month, err = task.ParseMonth(c.String("year-month")); err != nil {
					return invalidInput(err)
				}
			}

			repo, err := e.postgres()
			if err != nil {
				return err
			}
			caches, err := e.caches()
			if err != nil {
				return err
			}

			_, err = report.NewCostPerPush(repo, caches, e.out).Run(e.ctx, c.String("branch"), month)
			return err
		}),
	}
}

func (a *app) monthlyStatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "monthly-stats",
		Usage: "Summarize a month of CI usage and optionally email it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "daterange", Usage: `"YYYY-MM-DD to YYYY-MM-DD" (default: previous month)`},
			&cli.StringSliceFlag{Name: "email-to", Usage: "Recipients of the summary (default: email.to)"},
			&cli.BoolFlag{Name: "refresh", Aliases: []string{"r"}, Usage: "Download the push log even when cached"},
		},
		Action: a.run("monthly-stats", func(c *cli.Context, e *env) error {
			first, last := task.PreviousMonth(time.Now())
			if c.IsSet("daterange") {
				var err error
				if first, last, err = report.ParseDateRange(c.String("daterange")); err != nil {
					return invalidInput(err)
				}
			}

			recipients := e.cfg.Email.To
			if c.IsSet("email-to") {
				recipients = c.StringSlice("email-to")
			}

			var mailer report.Mailer
			if len(recipients) > 0 {
				m, err := notify.NewMailer(e.cfg.Email.APIKey, e.cfg.Email.FromName, e.cfg.Email.FromAddress)
				if err != nil {
					return invalidInput(err)
				}
				mailer = m
			}

			repo, err := e.postgres()
			if err != nil {
				return err
			}
			caches, err := e.caches()
			if err != nil {
				return err
			}

			_, err = report.NewMonthlyStats(repo, pushlog.NewClient(e.cfg.PushLog.BaseURL), caches, report.MonthlyOptions{
				Repo:     e.cfg.PushLog.Repo,
				Hashtags: e.cfg.Monthly.Hashtags,
				Refresh:  c.Bool("refresh"),
				Mailer:   mailer,
				EmailTo:  recipients,
				Out:      e.out,
			}).Run(e.ctx, first, last)
			return err
		}),
	}
}

func (a *app) platformCostsCommand() *cli.Command {
	return &cli.Command{
		Name:  "platform-costs",
		Usage: "Break down worker type costs by platform",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "startdate", Usage: "First day, YYYY-MM-DD", Required: true},
			&cli.StringFlag{Name: "enddate", Usage: "Day after the last day, YYYY-MM-DD", Required: true},
			&cli.StringFlag{Name: "format", Value: "csv", Usage: "Output format (csv, json)"},
		},
		Action: a.run("platform-costs", func(c *cli.Context, e *env) error {
			start, err := task.ParseDay(c.String("startdate"))
			if err != nil {
				return invalidInput(err)
			}
			end, err := task.ParseDay(c.String("enddate"))
			if err != nil {
				return invalidInput(err)
			}
			format, err := report.ParseFormat(c.String("format"))
			if err != nil {
				return invalidInput(err)
			}

			costs, err := costexplorer.NewFromEnvironment(e.ctx, e.cfg.Costs.AWSRegion)
			if err != nil {
				return err
			}
			repo, err := e.postgres()
			if err != nil {
				return err
			}
			caches, err := e.caches()
			if err != nil {
				return err
			}

			_, _, err = report.NewPlatformCosts(costs, repo, caches, report.PlatformOptions{
				Provisioner: e.cfg.Costs.Provisioner,
				Buckets:     e.platformBuckets(),
				DataDir:     e.cfg.DataDir,
				Format:      format,
				Out:         e.out,
			}).Run(e.ctx, start, end)
			return err
		}),
	}
}

func (a *app) importCostsCommand() *cli.Command {
	return &cli.Command{
		Name:      "import-costs",
		Usage:     "Import a monthly worker type cost export into the database",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "Print the INSERT statements instead of running them"},
		},
		Action: a.run("import-costs", func(c *cli.Context, e *env) error {
			path := c.Args().First()
			if path == "" {
				return invalidInput(errors.New("missing cost export FILE"))
			}

			var repo repository.CostRepository
			if !c.Bool("dry-run") {
				pg, err := e.postgres()
				if err != nil {
					return err
				}
				repo = pg
			}

			result, err := report.NewImportCosts(repo, e.out).Run(e.ctx, path, c.Bool("dry-run"))
			if err != nil {
				return err
			}
			if len(result.Incomplete) > 0 {
				log.Printf("Skipped %d incomplete worker types", len(result.Incomplete))
			}

			return nil
		}),
	}
}

func (a *app) snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "Copy task intervals from Postgres into a local SQLite file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "start", Usage: "First day, YYYY-MM-DD", Required: true},
			&cli.StringFlag{Name: "end", Usage: "Day after the last day, YYYY-MM-DD", Required: true},
			&cli.StringFlag{Name: "db", Usage: "SQLite file (default: database.sqlite_path)"},
		},
		Action: a.run("snapshot", func(c *cli.Context, e *env) error {
			start, err := task.ParseDay(c.String("start"))
			if err != nil {
				return invalidInput(err)
			}
			end, err := task.ParseDay(c.String("end"))
			if err != nil {
				return invalidInput(err)
			}
			if !start.Before(end) {
				return invalidInput(fmt.Errorf("start %s is not before end %s", c.String("start"), c.String("end")))
			}

			path := e.cfg.Database.SQLitePath
			if c.IsSet("db") {
				path = c.String("db")
			}

			source, err := e.postgres()
			if err != nil {
				return err
			}
			sink, err := sqlite.Open(path)
			if err != nil {
				return err
			}
			e.onClose("SQLite snapshot", sink.Close)

			copied, err := report.NewSnapshot(source, sink).Run(e.ctx, start, end)
			if err != nil {
				return err
			}
			total, err := sink.Count(e.ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "Copied %d tasks to %s (%d intervals stored)\n", copied, path, total)

			return nil
		}),
	}
}

func (a *app) serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve cached daily results and Prometheus metrics over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "Listen address", EnvVars: []string{"CIREPORT_ADDR"}},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			e := &env{ctx: ctx, cfg: a.cfg, out: c.App.Writer}
			defer e.close()

			caches, err := e.caches()
			if err != nil {
				return cli.Exit(err.Error(), exitCode(err))
			}

			server := &http.Server{
				Addr:              c.String("addr"),
				Handler:           api.NewAPI(caches),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				<-ctx.Done()
				log.Println("Shutting down server...")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.Printf("failed to shut down server: %v", err)
				}
			}()

			log.Printf("Server starting on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return cli.Exit(err.Error(), exitFailure)
			}

			return nil
		},
	}
}
