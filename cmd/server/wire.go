package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/backwardn/nomulus/command"
	"github.com/backwardn/nomulus/config"
	"github.com/backwardn/nomulus/history"
	"github.com/backwardn/nomulus/history/store"
	"github.com/backwardn/nomulus/metrics"
	"github.com/backwardn/nomulus/publish"
	"github.com/backwardn/nomulus/reporting"
	"github.com/backwardn/nomulus/store/kv"
	"github.com/backwardn/nomulus/store/relational"
	"github.com/backwardn/nomulus/transfer"
	"github.com/backwardn/nomulus/txn"
)

// app is everything a command needs, built from one Config.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	manager    *txn.Manager
	executor   *command.Executor
	aggregator *reporting.Aggregator

	closers []func() error
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// build opens the configured backends and wires the manager, the
// publisher chain and the executor. reg may be nil to skip metrics.
func build(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cfg.LogLevel)}
	slog.SetDefault(a.logger)
	if reg != nil {
		a.metrics = metrics.New(reg)
	}

	var primary, secondary history.Backend
	var seqPrimary, seqSecondary history.Allocator

	switch cfg.Primary.Driver {
	case config.DriverMemory:
		primary = store.NewMemory("memory-primary")
	case config.DriverRedis:
		client, err := kv.Dial(ctx, cfg.Primary.RedisURL)
		if err != nil {
			return nil, err
		}
		st := kv.New(client, cfg.Primary.Prefix)
		a.closers = append(a.closers, st.Close)
		primary, seqPrimary = st, kv.NewSequence(st)
	}

	switch cfg.Secondary.Driver {
	case config.DriverMemory:
		secondary = store.NewMemory("memory-secondary")
	case relational.DriverSQLite, relational.DriverPostgres:
		st, err := relational.Open(ctx, cfg.Secondary.Driver, cfg.Secondary.DSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		secondary, seqSecondary = st, relational.NewSequence(st)
	}

	var alloc history.Allocator
	switch cfg.Txn.Allocator {
	case config.AllocatorPrimary:
		alloc = seqPrimary
	case config.AllocatorSecondary:
		alloc = seqSecondary
	}
	if alloc == nil {
		alloc = store.NewSequence()
	}

	var readers []history.Reader
	for _, b := range []history.Backend{primary, secondary} {
		if b != nil {
			readers = append(readers, b)
		}
	}
	if err := history.SeedFrom(ctx, alloc, readers...); err != nil {
		a.Close()
		return nil, fmt.Errorf("seed id allocator: %w", err)
	}

	a.aggregator = reporting.NewAggregator()
	dispatcher := publish.NewDispatcher()
	dispatcher.Subscribe(publish.NewDedup(a.aggregator))
	publishers := publish.Multi{dispatcher}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := publish.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() error { k.Close(); return nil })
		if err := k.EnsureTopic(ctx); err != nil {
			a.logger.Warn("kafka topic not provisioned", "topic", cfg.Kafka.Topic, "error", err)
		}
		publishers = append(publishers, k)
	}

	m, err := txn.New(primary, secondary, alloc, cfg.Txn.Mode,
		txn.WithRetryBudget(cfg.Txn.RetryBudget),
		txn.WithLogger(a.logger),
		txn.WithMetrics(a.metrics),
		txn.WithPublisher(publishers))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.manager = m

	replayed, err := reporting.Replay(history.ListAll(ctx, m.Reader()), a.aggregator)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("rebuild report counters: %w", err)
	}
	a.logger.Info("report counters rebuilt", "entries", replayed)

	a.executor = command.NewExecutor(m, transfer.NewMachine(cfg.Transfer.GracePeriod), a.logger)

	a.logger.Info("ledger ready",
		"mode", cfg.Txn.Mode,
		"primary", cfg.Primary.Driver,
		"secondary", cfg.Secondary.Driver,
		"allocator", cfg.Txn.Allocator,
		"kafka", strings.Join(cfg.Kafka.Brokers, ","))
	return a, nil
}

// Close releases backends and producers in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
