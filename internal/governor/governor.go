// Package governor sheds in-memory caches and pauses admission when the
// process uses more memory than allowed.
package governor

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DefaultCooldown is the pause after a throttle event.
const DefaultCooldown = 2 * time.Second

// Clearable is an in-memory cache the governor can drop.
type Clearable interface {
	Clear()
}

// CacheClearer is a storage layer whose read cache the governor can drop.
type CacheClearer interface {
	ClearCache()
}

// Options configures a Governor.
type Options struct {
	Enabled     bool
	ThresholdMB int
	Cooldown    time.Duration

	// ForceCollect, when set, runs before the caches are cleared.
	ForceCollect func()
	// Reader defaults to HeapReader.
	Reader MemoryReader
	// OnThrottle, when set, is called once per throttle event.
	OnThrottle func(usageMB float64)
}

// Governor checks memory once per coordinator loop iteration.
type Governor struct {
	opts    Options
	cache   Clearable
	storage CacheClearer
	log     *zap.Logger

	sleep func(ctx context.Context, d time.Duration)
}

// New builds a governor. cache, storage and log may be nil.
func New(opts Options, cache Clearable, storage CacheClearer, log *zap.Logger) *Governor {
	if opts.Reader == nil {
		opts.Reader = HeapReader{}
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Governor{
		opts:    opts,
		cache:   cache,
		storage: storage,
		log:     log.Named("governor"),
		sleep:   sleepContext,
	}
}

// Check inspects memory usage and throttles when it is over the threshold.
// It reports whether a throttle happened. Errors are logged, never returned.
func (g *Governor) Check(ctx context.Context) (throttled bool) {
	if !g.opts.Enabled {
		return false
	}
	defer func() {
		if p := recover(); p != nil {
			g.log.Error("Resource check panicked", zap.Error(errors.Newf("%v", p)))
			throttled = false
		}
	}()

	usage, err := g.opts.Reader.UsageMB()
	if err != nil {
		g.log.Warn("Resource check failed", zap.Error(err))
		return false
	}
	if usage <= float64(g.opts.ThresholdMB) {
		return false
	}

	g.log.Warn("Memory threshold exceeded, throttling",
		zap.Float64("usage_mb", usage),
		zap.Int("threshold_mb", g.opts.ThresholdMB),
		zap.Duration("cooldown", g.opts.Cooldown))

	if g.opts.ForceCollect != nil {
		g.opts.ForceCollect()
	}
	if g.cache != nil {
		g.cache.Clear()
	}
	if g.storage != nil {
		g.storage.ClearCache()
	}
	if g.opts.OnThrottle != nil {
		g.opts.OnThrottle(usage)
	}

	g.sleep(ctx, g.opts.Cooldown)
	return true
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
