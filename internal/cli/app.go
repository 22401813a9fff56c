package cli

import (
	"context"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ChuLiYu/district-reconcile/internal/batch"
	"github.com/ChuLiYu/district-reconcile/internal/cache"
	"github.com/ChuLiYu/district-reconcile/internal/config"
	"github.com/ChuLiYu/district-reconcile/internal/governor"
	"github.com/ChuLiYu/district-reconcile/internal/metrics"
	"github.com/ChuLiYu/district-reconcile/internal/reconciliation"
	"github.com/ChuLiYu/district-reconcile/internal/storage"
	"github.com/ChuLiYu/district-reconcile/internal/worker"
)

// App is a fully wired orchestrator.
type App struct {
	Config       *config.File
	Log          *zap.Logger
	Cache        *cache.Service
	Store        *storage.Optimizer
	Orchestrator *reconciliation.Orchestrator
	Coordinator  *batch.Coordinator
	Registry     *prometheus.Registry

	stopSweep context.CancelFunc
}

// AppOption customises NewApp.
type AppOption func(*appOptions)

type appOptions struct {
	wrap func(*reconciliation.Orchestrator) worker.Reconciler
}

// WithReconciler replaces the reconciliation operation handed to the
// coordinator, typically with a wrapper around the orchestrator.
func WithReconciler(wrap func(*reconciliation.Orchestrator) worker.Reconciler) AppOption {
	return func(o *appOptions) { o.wrap = wrap }
}

// NewStore opens the configured storage backend behind an optimizer.
func NewStore(ctx context.Context, cfg *config.File, log *zap.Logger) (*storage.Optimizer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var backend storage.Backend
	switch cfg.Storage.Backend {
	case "redis":
		rb, err := storage.NewRedisBackend(ctx, cfg.Storage.Redis.Addr, cfg.Storage.Redis.DB, cfg.Storage.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		backend = rb
	default:
		fb := storage.NewFileBackend(cfg.Storage.Path)
		log.Debug("Using file storage", zap.String("path", fb.Path()))
		backend = fb
	}
	store, err := storage.NewOptimizer(backend, cfg.Storage.CacheSize, cfg.Storage.FlushThreshold, log)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}

// NewApp wires cache, storage, reconciliation, metrics and the coordinator
// from cfg.
func NewApp(ctx context.Context, cfg *config.File, log *zap.Logger, opts ...AppOption) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = zap.NewNop()
	}

	jobCache, err := cache.New(cfg.Cache.Size, cfg.Cache.TTL, log)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	orch := reconciliation.NewOrchestrator(store, cfg.Reconciliation, log)
	if n, err := orch.Restore(ctx); err != nil {
		_ = store.Cleanup(ctx)
		return nil, err
	} else if n > 0 {
		log.Info("Resuming active reconciliations", zap.Int("count", n))
	}

	var reconciler worker.Reconciler = orch
	if o.wrap != nil {
		reconciler = o.wrap(orch)
	}

	mem, err := governor.NewReader(cfg.Memory.Source)
	if err != nil {
		_ = store.Cleanup(ctx)
		return nil, err
	}

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		_ = store.Cleanup(ctx)
		return nil, err
	}

	coord, err := batch.New(batch.Options{
		Config:       cfg.Batch,
		Reconciler:   reconciler,
		Cache:        jobCache,
		Storage:      store,
		Memory:       mem,
		ForceCollect: runtime.GC,
		Recorder:     collector,
		Logger:       log,
	})
	if err != nil {
		_ = store.Cleanup(ctx)
		return nil, errors.Wrap(err, "create coordinator")
	}

	sweepCtx, stopSweep := context.WithCancel(context.WithoutCancel(ctx))
	go sweepCache(sweepCtx, jobCache, cfg.Cache.TTL)

	return &App{
		Config:       cfg,
		Log:          log,
		Cache:        jobCache,
		Store:        store,
		Orchestrator: orch,
		Coordinator:  coord,
		Registry:     reg,
		stopSweep:    stopSweep,
	}, nil
}

// Close cancels any running batch and releases storage and cache.
func (a *App) Close(ctx context.Context) error {
	a.stopSweep()
	return a.Coordinator.Cleanup(ctx)
}

type sweeper interface {
	GC()
}

// sweepCache removes expired cache entries every interval until ctx is done.
// A non-positive interval disables sweeping.
func sweepCache(ctx context.Context, c sweeper, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.GC()
		}
	}
}
