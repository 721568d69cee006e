package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"timesync-connector/internal/adapter/connectapi"
	"timesync-connector/internal/adapter/ledger"
	"timesync-connector/internal/adapter/spool"
	"timesync-connector/internal/config"
	"timesync-connector/internal/domain"
	"timesync-connector/internal/metrics"
	"timesync-connector/internal/ports"
	"timesync-connector/internal/usecase"
)

const (
	TaskPoll        = "poll"
	TaskRefresh     = "refresh"
	TaskHealthWatch = "health-watch"

	ackSpacing      = 250 * time.Millisecond
	shutdownTimeout = 10 * time.Second
)

// ProcessorFactory builds the dispatch processor. reference serves the
// current reference snapshot once the engine exists.
type ProcessorFactory func(reference ports.ReferenceReader, log *zap.Logger) (ports.Processor, error)

type options struct {
	processor ProcessorFactory
	client    ports.QueueClient
	ledger    ports.Ledger
	now       func() time.Time
}

// Option customises App construction.
type Option func(*options)

// WithProcessor replaces the default spool processor.
func WithProcessor(f ProcessorFactory) Option {
	return func(o *options) { o.processor = f }
}

// WithQueueClient replaces the connect API client.
func WithQueueClient(c ports.QueueClient) Option {
	return func(o *options) { o.client = c }
}

// WithLedger uses l instead of opening the configured ledger. App.Close
// still closes it.
func WithLedger(l ports.Ledger) Option {
	return func(o *options) { o.ledger = l }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// referenceFunc adapts a closure to ports.ReferenceReader.
type referenceFunc func() *domain.ReferenceSnapshot

func (f referenceFunc) Reference() *domain.ReferenceSnapshot { return f() }

// App wires adapters, the sync engine and the scheduler.
type App struct {
	log *zap.Logger
	cfg config.Config
	now func() time.Time

	ledger      ports.Ledger
	engine      *usecase.SyncEngine
	scheduler   *Scheduler
	health      *HealthTracker
	metrics     *metrics.Collector
	registry    *prometheus.Registry
	deadLetters *deadLetterLog

	lastRefresh atomic.Pointer[domain.RefreshResult]
	lastPrune   time.Time // only touched by the poll task
}

func New(ctx context.Context, log *zap.Logger, cfg config.Config, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = zap.NewNop()
	}

	led := o.ledger
	if led == nil {
		var err error
		if led, err = openLedger(ctx, cfg, log); err != nil {
			return nil, err
		}
	}

	a, err := build(ctx, log, cfg, led, o)
	if err != nil {
		_ = led.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, log *zap.Logger, cfg config.Config, led ports.Ledger, o options) (*App, error) {
	a := &App{
		log:         log,
		cfg:         cfg,
		now:         o.now,
		ledger:      led,
		registry:    prometheus.NewRegistry(),
		deadLetters: newDeadLetterLog(log),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewCollector(a.registry)

	client := o.client
	if client == nil {
		client = connectapi.NewClient(connectapi.Config{
			BaseURL:              cfg.API.BaseURL,
			APIKey:               cfg.API.Key,
			CallerKey:            cfg.API.CallerKey,
			Timeout:              cfg.API.Timeout,
			MaxRetries:           cfg.API.MaxRetries,
			RetryInitialInterval: cfg.API.RetryInitialInterval,
			RateLimit:            cfg.API.RateLimit,
			RateBurst:            cfg.API.RateBurst,
		}, log)
	}

	// The processor needs the engine's snapshot and the engine needs the
	// processor, so the reader resolves the engine lazily.
	reference := referenceFunc(func() *domain.ReferenceSnapshot {
		if a.engine == nil {
			return nil
		}
		return a.engine.Reference()
	})
	factory := o.processor
	if factory == nil {
		factory = func(ref ports.ReferenceReader, log *zap.Logger) (ports.Processor, error) {
			return spool.New(cfg.Spool.Dir, ref, log)
		}
	}
	processor, err := factory(reference, log)
	if err != nil {
		return nil, fmt.Errorf("create processor: %w", err)
	}

	a.engine = usecase.NewSyncEngine(log, client, led, processor, retryPolicy(cfg),
		usecase.WithObserver(a.metrics),
		usecase.WithDeadLetterSink(a.deadLetters),
		usecase.WithRetention(cfg.Ledger.Retention, cfg.Ledger.RedeliveryWindow),
		usecase.WithAckRetry(cfg.Retry.AckAttempts, ackSpacing),
		usecase.WithClock(o.now),
	)
	if err := a.engine.LoadReference(ctx); err != nil {
		return nil, fmt.Errorf("load reference snapshot: %w", err)
	}

	a.health = NewHealthTracker(cfg.Health.MaxSinceSuccess, o.now())
	a.health.OnSuccess(a.metrics.TaskSucceeded)
	a.scheduler = NewScheduler(log, a.health)
	a.scheduler.now = o.now
	if err := a.addTasks(); err != nil {
		return nil, err
	}
	return a, nil
}

func openLedger(ctx context.Context, cfg config.Config, log *zap.Logger) (ports.Ledger, error) {
	switch cfg.Ledger.Driver {
	case "mysql":
		return ledger.OpenMySQL(ctx, cfg.Ledger.DSN, log)
	case "memory":
		log.Warn("using in-memory ledger, dispatch state is lost on restart")
		return ledger.NewMemory(), nil
	default:
		return ledger.OpenSQLite(ctx, filepath.Join(cfg.Ledger.DataDir, ledger.DefaultSQLiteFile), log)
	}
}

func retryPolicy(cfg config.Config) usecase.RetryPolicy {
	return usecase.RetryPolicy{
		Ceiling:         cfg.Retry.Ceiling,
		BaseDelay:       cfg.Retry.BaseDelay,
		Multiplier:      cfg.Retry.Multiplier,
		MaxDelay:        cfg.Retry.MaxDelay,
		Jitter:          cfg.Retry.Jitter,
		TransientStatus: cfg.TransientStatus(),
	}
}

func (a *App) addTasks() error {
	cycleBackoff := &usecase.RetryPolicy{
		BaseDelay:  a.cfg.CycleBackoff.BaseDelay,
		Multiplier: 2,
		MaxDelay:   a.cfg.CycleBackoff.MaxDelay,
		Jitter:     a.cfg.Retry.Jitter,
	}

	tasks := []*Task{{
		Name:     TaskPoll,
		Interval: a.cfg.Poll.Interval,
		Timeout:  a.cfg.Poll.Timeout,
		Run:      a.runPoll,
		Backoff:  cycleBackoff,
	}}
	watched := []string{TaskPoll}
	if a.cfg.Refresh.Enabled {
		tasks = append(tasks, &Task{
			Name:     TaskRefresh,
			Interval: a.cfg.Refresh.Interval,
			Timeout:  a.cfg.Refresh.Timeout,
			Run:      a.runRefresh,
			Backoff:  cycleBackoff,
		})
		watched = append(watched, TaskRefresh)
	}
	if n := a.cfg.Health.ShutdownAfterFailures; n > 0 {
		tasks = append(tasks, &Task{
			Name:         TaskHealthWatch,
			Interval:     a.cfg.Health.CheckInterval,
			InitialDelay: a.cfg.Health.CheckInterval,
			Run:          watchdog(a.health, a.scheduler, n, a.now),
		})
	}

	a.health.Watch(watched...)
	for _, t := range tasks {
		if err := a.scheduler.Add(t); err != nil {
			return err
		}
	}
	return nil
}

// runPoll runs one cycle and asks for an immediate rerun while batches come
// back full. Pruning piggybacks on the poll task once per prune interval.
func (a *App) runPoll(ctx context.Context) (bool, error) {
	batch := a.cfg.Poll.BatchSize
	res, err := a.engine.Poll(ctx, batch)
	a.health.RecordPoll(res)
	if err != nil {
		return false, err
	}

	if now := a.now(); now.Sub(a.lastPrune) >= a.cfg.Ledger.PruneInterval {
		if _, err := a.engine.Prune(ctx); err != nil {
			return false, err
		}
		a.lastPrune = now
	}
	return res.Full(batch) && res.Dispatched+res.Failed > 0, nil
}

func (a *App) runRefresh(ctx context.Context) (bool, error) {
	res, err := a.engine.RefreshReferenceData(ctx)
	a.lastRefresh.Store(&res)
	return false, err
}

// Run serves HTTP and runs the scheduler until ctx is cancelled or a task
// fails fatally.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Health.Addr; addr != "" {
		srv := a.HTTPServer(addr)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if err := a.scheduler.Run(gctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// PollOnce runs a single poll cycle outside the scheduler. batch <= 0 uses
// the configured batch size.
func (a *App) PollOnce(ctx context.Context, batch int) (domain.PollResult, error) {
	if batch <= 0 {
		batch = a.cfg.Poll.BatchSize
	}
	return a.engine.Poll(ctx, batch)
}

func (a *App) Refresh(ctx context.Context) (domain.RefreshResult, error) {
	return a.engine.RefreshReferenceData(ctx)
}

func (a *App) Prune(ctx context.Context) (int64, error) {
	return a.engine.Prune(ctx)
}

// Entry returns the ledger entry of a group, or nil when the group is unknown.
func (a *App) Entry(ctx context.Context, groupID string) (*domain.LedgerEntry, error) {
	return a.ledger.Entry(ctx, groupID)
}

func (a *App) Close() error {
	return a.ledger.Close()
}
