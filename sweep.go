package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/always-cache/cache-reconciler")

type action int

const (
	actionProcessed action = iota
	actionSkipped
	actionDeleted
	actionDeduplicated
	actionPropagated
	actionExpired
	actionPurposeChanged
	actionFailed
	numActions
)

var actionNames = [numActions]string{
	"processed",
	"skipped",
	"deleted",
	"deduplicated",
	"propagated",
	"expired",
	"purpose_changed",
	"failed",
}

// SweepReport summarizes one pass over the cache.
type SweepReport struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	Keys           int       `json:"keys"`
	Processed      int64     `json:"processed"`
	Skipped        int64     `json:"skipped"`
	Deleted        int64     `json:"deleted"`
	Deduplicated   int64     `json:"deduplicated"`
	Propagated     int64     `json:"propagated"`
	Expired        int64     `json:"expired"`
	PurposeChanged int64     `json:"purposeChanged"`
	Failed         int64     `json:"failed"`
	Error          string    `json:"error,omitempty"`
}

// sweep is the state shared by the workers of one pass.
type sweep struct {
	id      string
	started time.Time
	keys    int
	log     zerolog.Logger
	metrics *Metrics
	counts  [numActions]atomic.Int64

	// lastUsed holds the last_used of each visited entry as read before the visit
	// updated it, so that recency comparisons within a pass ignore the pass itself.
	lastUsed sync.Map
}

func (s *sweep) record(a action) {
	s.counts[a].Add(1)
	s.metrics.ObserveEntry(actionNames[a])
}

func (s *sweep) observe(key string, lastUsed time.Time) {
	s.lastUsed.LoadOrStore(key, lastUsed)
}

// recency returns the last_used of the entry as it was before this pass touched it.
func (s *sweep) recency(key string, current time.Time) time.Time {
	if t, ok := s.lastUsed.Load(key); ok {
		return t.(time.Time)
	}
	return current
}

func (s *sweep) report(finished time.Time, err error) *SweepReport {
	report := &SweepReport{
		ID:             s.id,
		StartedAt:      s.started,
		FinishedAt:     finished,
		Keys:           s.keys,
		Processed:      s.counts[actionProcessed].Load(),
		Skipped:        s.counts[actionSkipped].Load(),
		Deleted:        s.counts[actionDeleted].Load(),
		Deduplicated:   s.counts[actionDeduplicated].Load(),
		Propagated:     s.counts[actionPropagated].Load(),
		Expired:        s.counts[actionExpired].Load(),
		PurposeChanged: s.counts[actionPurposeChanged].Load(),
		Failed:         s.counts[actionFailed].Load(),
	}
	if err != nil {
		report.Error = err.Error()
	}
	return report
}

// Sweep runs one pass over every entry matching the reconciler's pattern.
// Only one sweep runs at a time; a concurrent call returns ErrSweepInProgress.
// Failures of single entries are logged and counted but do not fail the sweep.
// The returned error is set when the keys could not be listed or ctx was cancelled.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	if !r.sweeping.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer r.sweeping.Store(false)
	return r.sweep(ctx)
}

// TriggerSweep starts a sweep in the background and reports whether it did.
// It returns false when a sweep is already running.
func (r *Reconciler) TriggerSweep(ctx context.Context) bool {
	if !r.sweeping.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer r.sweeping.Store(false)
		if _, err := r.sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("Triggered sweep failed")
		}
	}()
	return true
}

func (r *Reconciler) sweep(ctx context.Context) (*SweepReport, error) {
	sw := &sweep{
		id:      uuid.NewString(),
		started: r.now(),
		metrics: r.metrics,
	}
	sw.log = r.log.With().Str("sweep", sw.id).Logger()

	ctx, span := tracer.Start(ctx, "reconciler.sweep",
		trace.WithAttributes(attribute.String("sweep.id", sw.id)))
	defer span.End()

	err := r.sweepKeys(ctx, sw)
	report := sw.report(r.now(), err)
	r.lastReport.Store(report)

	result := "ok"
	if err != nil {
		result = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.metrics.ObserveSweep(result, report.StartedAt, report.FinishedAt)
	sw.log.Info().
		Int("keys", report.Keys).
		Int64("processed", report.Processed).
		Int64("skipped", report.Skipped).
		Int64("deleted", report.Deleted).
		Int64("deduplicated", report.Deduplicated).
		Int64("propagated", report.Propagated).
		Int64("expired", report.Expired).
		Int64("failed", report.Failed).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Sweep finished")
	return report, err
}

func (r *Reconciler) sweepKeys(ctx context.Context, sw *sweep) error {
	keys, err := r.cache.Keys(ctx, r.pattern)
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}
	sw.keys = len(keys)
	sw.log.Debug().Int("keys", len(keys)).Msg("Starting sweep")

	g := new(errgroup.Group)
	g.SetLimit(r.workers)
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		key := key
		g.Go(func() error {
			r.processKey(ctx, sw, key)
			return nil
		})
	}
	g.Wait()
	return ctx.Err()
}

// processKey reconciles a single entry, containing any failure to that entry.
func (r *Reconciler) processKey(ctx context.Context, sw *sweep, key string) {
	defer func() {
		if rec := recover(); rec != nil {
			sw.log.WithLevel(zerolog.PanicLevel).Str("key", key).Interface("panic", rec).Msg("Recovered while reconciling entry")
			sw.record(actionFailed)
		}
	}()

	ctx, span := tracer.Start(ctx, "reconciler.entry",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	if err := r.analyzeEntry(ctx, sw, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		sw.log.Error().Err(err).Str("key", key).Msg("Could not reconcile entry")
		sw.record(actionFailed)
	}
}
