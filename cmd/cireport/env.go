package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/nadmax/cireport/internal/cache"
	"github.com/nadmax/cireport/internal/concurrency"
	"github.com/nadmax/cireport/internal/config"
	"github.com/nadmax/cireport/internal/metrics"
	"github.com/nadmax/cireport/internal/report"
	"github.com/nadmax/cireport/internal/repository"
	"github.com/nadmax/cireport/internal/repository/postgres"
	"github.com/nadmax/cireport/internal/repository/sqlite"
)

// env holds the resources opened by one command run.
type env struct {
	ctx     context.Context
	cfg     *config.Config
	out     io.Writer
	closers []func() error
}

// run opens an env for the command, runs fn inside report.Track and converts
// its error into an exit code.
func (a *app) run(name string, fn func(c *cli.Context, e *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		e := &env{ctx: ctx, cfg: a.cfg, out: c.App.Writer}
		defer e.close()

		err := report.Track(name, func() error { return fn(c, e) })
		e.pushMetrics(name)

		if err != nil {
			return cli.Exit(err.Error(), exitCode(err))
		}
		return nil
	}
}

func (e *env) onClose(name string, fn func() error) {
	e.closers = append(e.closers, func() error {
		if err := fn(); err != nil {
			return fmt.Errorf("failed to close %s: %w", name, err)
		}
		return nil
	})
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Print(err)
		}
	}
}

func (e *env) pushMetrics(command string) {
	if e.cfg.Metrics.PushgatewayURL == "" {
		return
	}

	if err := metrics.Push(context.WithoutCancel(e.ctx), e.cfg.Metrics.PushgatewayURL, e.cfg.Metrics.Job,
		map[string]string{"command": command}); err != nil {
		log.Printf("Failed to push metrics: %v", err)
	}
}

func (e *env) caches() (cache.Factory, error) {
	switch e.cfg.Cache.Backend {
	case "redis":
		client, err := cache.DialRedis(e.ctx, e.cfg.Cache.RedisAddr)
		if err != nil {
			return nil, err
		}
		e.onClose("Redis client", client.Close)
		return cache.NewRedisFactory(client), nil
	case "memory":
		return cache.NewMemoryFactory(), nil
	default:
		return cache.NewFileFactory(e.cfg.LogDir), nil
	}
}

// postgres opens the full datastore. Connection failures are reported as an
// unavailable data source.
func (e *env) postgres() (*postgres.Repository, error) {
	if err := e.cfg.RequireDSN(); err != nil {
		return nil, invalidInput(err)
	}

	repo, err := postgres.NewRepository(e.cfg.Database.DSN, postgres.Options{
		IntervalTable: e.cfg.Database.IntervalTable,
		ClassifyBy:    postgres.ClassifyBy(e.cfg.Database.ClassifyBy),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", concurrency.ErrDataSourceUnavailable, err)
	}
	e.onClose("Postgres repository", repo.Close)

	return repo, nil
}

func (e *env) intervalSource() (repository.IntervalSource, error) {
	if e.cfg.Database.Driver != "sqlite" {
		repo, err := e.postgres()
		if err != nil {
			return nil, err
		}
		return repo, nil
	}

	snapshot, err := sqlite.OpenReadOnly(e.cfg.Database.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", concurrency.ErrDataSourceUnavailable, err)
	}
	e.onClose("SQLite snapshot", snapshot.Close)

	return snapshot, nil
}

func (e *env) counter() (*concurrency.Counter, error) {
	source, err := e.intervalSource()
	if err != nil {
		return nil, err
	}

	policy, err := concurrency.ParseUnknownTagPolicy(e.cfg.Concurrency.UnknownTags)
	if err != nil {
		return nil, invalidInput(err)
	}

	return concurrency.NewCounter(concurrency.Config{
		Source:      source,
		Tags:        e.cfg.Concurrency.Tags,
		BucketWidth: e.cfg.Concurrency.BucketWidth,
		Unknown:     policy,
		TopN:        e.cfg.Concurrency.TopN,
	})
}

func (e *env) platformBuckets() []report.PlatformBucket {
	buckets := make([]report.PlatformBucket, len(e.cfg.Costs.Platforms))
	for i, b := range e.cfg.Costs.Platforms {
		buckets[i] = report.PlatformBucket{Name: b.Name, Matches: b.Matches}
	}
	return buckets
}
