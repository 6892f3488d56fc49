package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MimeLyc/contentpipe/internal/brief"
	"github.com/MimeLyc/contentpipe/internal/config"
	"github.com/MimeLyc/contentpipe/internal/generation"
	"github.com/MimeLyc/contentpipe/internal/jobs"
	"github.com/MimeLyc/contentpipe/internal/llm"
	"github.com/MimeLyc/contentpipe/internal/notify"
	"github.com/MimeLyc/contentpipe/internal/passes"
	"github.com/MimeLyc/contentpipe/internal/persistence"
	"github.com/MimeLyc/contentpipe/internal/persistence/pgstore"
	"github.com/MimeLyc/contentpipe/internal/pipeline"
	"github.com/MimeLyc/contentpipe/internal/service"
)

// components is everything a command needs, opened from the config.
type components struct {
	store   jobs.Store
	broker  notify.Broker
	manager *jobs.Manager

	closers []func() error
}

func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

// openComponents opens the job store and the change broker. Writes go
// through an ObservedStore whenever the broker is push based.
func openComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		c.closers = append(c.closers, closer.Close)
	}

	switch cfg.Notify.Backend {
	case config.NotifyRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Notify.RedisAddr,
			Password: cfg.Notify.RedisPassword,
			DB:       cfg.Notify.RedisDB,
		})
		c.closers = append(c.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Notify.RedisAddr, err)
		}
		broker := notify.NewRedisBroker(client)
		c.broker = broker
		c.store = notify.NewObservedStore(store, broker)
	case config.NotifyPoll:
		c.broker = notify.NewPoller(store, cfg.Notify.PollInterval)
		c.store = store
	default:
		hub := notify.NewHub()
		c.broker = hub
		c.store = notify.NewObservedStore(store, hub)
	}

	c.manager = jobs.NewManager(c.store)
	return c, nil
}

func openStore(cfg *config.Config) (jobs.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return jobs.NewMemoryStore(), nil
	case config.DriverPostgres:
		pg := cfg.Store.Postgres
		store, err := pgstore.Open(pgstore.Options{
			Host:     pg.Host,
			Port:     pg.Port,
			User:     pg.User,
			Password: pg.Password,
			DBName:   pg.DBName,
			SSLMode:  pg.SSLMode,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := persistence.NewSQLiteStore(cfg.Store.DBPath())
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func newGenerator(cfg *config.Config) (generation.Generator, error) {
	client, err := llm.NewClient(cfg.LLM.ClientConfig())
	if err != nil {
		return nil, fmt.Errorf("llm client: %w", err)
	}
	return generation.NewLLMGenerator(client), nil
}

func newRunner(cfg *config.Config, manager *jobs.Manager, gen generation.Generator) (*pipeline.Runner, error) {
	p := cfg.Pipeline
	return pipeline.NewRunner(manager, gen,
		pipeline.WithExecutors(passes.Default(passes.DraftOptions{
			Concurrency:    p.SectionConcurrency,
			SectionRetries: p.SectionRetries,
			SectionTimeout: p.GenerationTimeout,
			Backoff:        p.RetryBackoff,
		})),
		pipeline.WithPassRetry(p.PassRetries, p.GenerationTimeout, p.RetryBackoff),
	)
}

// newService builds the facade. A dispatcher is attached when workers > 0.
func newService(cfg *config.Config, c *components, gen generation.Generator, briefs brief.Reader, workers int, listeners ...pipeline.Listener) (*service.Service, error) {
	runner, err := newRunner(cfg, c.manager, gen)
	if err != nil {
		return nil, err
	}
	opts := []service.Option{service.WithBroker(c.broker), service.WithListeners(listeners...)}
	if workers > 0 {
		opts = append(opts, service.WithDispatcher(service.NewDispatcher(workers)))
	}
	return service.New(c.manager, runner, briefs, opts...), nil
}
