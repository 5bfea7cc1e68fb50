package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/always-cache/cache-reconciler/cache"
	"github.com/always-cache/cache-reconciler/oracle"
	cachekey "github.com/always-cache/cache-reconciler/pkg/cache-key"
	retentionrules "github.com/always-cache/cache-reconciler/pkg/retention-rules"

	"github.com/rs/zerolog"
)

var ErrSweepInProgress = errors.New("reconciler: sweep already in progress")

type Config struct {
	// Storage holding the captured entries.
	Cache cache.CacheProvider
	// Classifier consulted for retention, safety and relatedness.
	Oracle oracle.Oracle
	// Key pattern selecting the entries to reconcile. Defaults to every proxy entry.
	Pattern string
	// Pause between the end of a sweep and the start of the next one. Defaults to 10 minutes.
	Interval time.Duration
	// Number of entries processed concurrently within a sweep. Defaults to 1.
	Workers int
	// Bound on every oracle call. Zero means no bound.
	OracleTimeout time.Duration
	// Policy to apply. DefaultPolicy() is used if nil.
	Policy *Policy
	// Operator rules skipping entries or pinning their verdict.
	Rules retentionrules.Rules
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics sink.
	Metrics *Metrics
	// Clock, mostly for tests. Defaults to time.Now.
	Now func() time.Time
}

type Reconciler struct {
	cache    cache.CacheProvider
	guard    *oracle.Guard
	pattern  string
	interval time.Duration
	workers  int
	policy   Policy
	rules    retentionrules.Rules
	log      zerolog.Logger
	metrics  *Metrics
	now      func() time.Time

	sweeping   atomic.Bool
	lastReport atomic.Pointer[SweepReport]
}

// New creates a reconciler. It does not start sweeping, see Run.
func New(config Config) (*Reconciler, error) {
	if config.Cache == nil {
		return nil, fmt.Errorf("reconciler: cache is required")
	}
	if config.Oracle == nil {
		return nil, fmt.Errorf("reconciler: oracle is required")
	}
	policy := DefaultPolicy()
	if config.Policy != nil {
		policy = *config.Policy
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("reconciler: invalid policy: %w", err)
	}
	if err := config.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("reconciler: invalid rules: %w", err)
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("component", "reconciler").
		Logger()

	r := &Reconciler{
		cache:    config.Cache,
		pattern:  config.Pattern,
		interval: config.Interval,
		workers:  config.Workers,
		policy:   policy,
		rules:    config.Rules,
		log:      logger,
		metrics:  config.Metrics,
		now:      config.Now,
	}
	if r.pattern == "" {
		r.pattern = cachekey.NewCacheKeyer("").Pattern()
	}
	if r.interval <= 0 {
		r.interval = 10 * time.Minute
	}
	if r.workers <= 0 {
		r.workers = 1
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.guard = &oracle.Guard{
		Oracle:         config.Oracle,
		Timeout:        config.OracleTimeout,
		Unmatched:      policy.UnmatchedVerdict,
		AllowOnFailure: policy.AllowOnSafetyFailure,
		OnFailure: func(op string, _ error) {
			r.metrics.ObserveOracleFailure(op)
		},
		Logger: logger,
	}
	return r, nil
}

// Run sweeps the cache until the context is cancelled.
// The first sweep starts immediately, each following one an interval after the previous ended.
// A failed sweep is logged and retried on the next cycle.
func (r *Reconciler) Run(ctx context.Context) {
	r.log.Info().Msgf("Starting reconciliation loop with interval %s", r.interval)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Stopping reconciliation loop")
			return
		case <-timer.C:
		}
		if _, err := r.Sweep(ctx); errors.Is(err, ErrSweepInProgress) {
			r.log.Debug().Msg("Sweep already running, waiting for next cycle")
		} else if err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("Sweep failed")
		}
		timer.Reset(r.interval)
	}
}

// Sweeping reports whether a sweep is currently running.
func (r *Reconciler) Sweeping() bool {
	return r.sweeping.Load()
}

// LastReport returns the report of the last finished sweep, or nil if none finished yet.
func (r *Reconciler) LastReport() *SweepReport {
	return r.lastReport.Load()
}
