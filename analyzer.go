package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/cache-reconciler/cache"
	"github.com/always-cache/cache-reconciler/pkg/verdict"
)

// purposeOf maps a non-delete verdict to the purpose recorded on the entry.
func purposeOf(v verdict.Verdict) cache.Purpose {
	switch v {
	case verdict.Refresh:
		return cache.PurposeRefresh
	case verdict.Dynamic:
		return cache.PurposeDynamic
	default:
		return cache.PurposeKeep
	}
}

// analyzeEntry applies retention policy to one entry.
//
// The steps are, in order: retention rules, the safety check, the retention verdict
// (a delete verdict purges the entry and ends the visit), the cooldown TTL,
// deduplication and propagation for POST entries, and finally the usage update.
// An entry that vanishes mid-visit is not recreated.
func (r *Reconciler) analyzeEntry(ctx context.Context, sw *sweep, key string) error {
	log := sw.log.With().Str("key", key).Logger()

	entry, err := r.cache.Get(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		log.Debug().Msg("Entry vanished before it was read")
		sw.record(actionSkipped)
		return nil
	} else if errors.Is(err, cache.ErrMalformed) {
		log.Warn().Err(err).Msg("Skipping malformed entry")
		sw.record(actionSkipped)
		return nil
	} else if err != nil {
		return fmt.Errorf("reading entry: %w", err)
	}
	sw.observe(key, entry.LastUsed)
	log.Trace().Str("method", entry.Method).Str("url", entry.URL).Str("purpose", string(entry.Purpose)).Msg("Analyzing entry")

	var v verdict.Verdict
	if rule := r.rules.Find(entry); rule != nil {
		if rule.Skip {
			log.Debug().Msg("Skipping entry by rule")
			sw.record(actionSkipped)
			return nil
		}
		v, _ = rule.Pinned()
	}

	if r.policy.SafetyCheck && !r.guard.Allowed(ctx, entry.URL) {
		log.Info().Str("url", entry.URL).Msg("Skipping entry rejected by safety check")
		sw.record(actionSkipped)
		return nil
	}

	if v == "" {
		v = r.guard.Classify(ctx, entry)
	}
	if v == verdict.Delete {
		if err := r.cache.Purge(ctx, key); err != nil {
			return fmt.Errorf("deleting entry: %w", err)
		}
		log.Info().Str("action", "delete").Msg("Deleted entry")
		sw.record(actionDeleted)
		return nil
	}

	purpose := purposeOf(v)
	if purpose != entry.Purpose {
		if err := r.cache.SetField(ctx, key, cache.FieldPurpose, string(purpose)); errors.Is(err, cache.ErrNotFound) {
			return r.vanished(sw, key)
		} else if err != nil {
			return fmt.Errorf("writing purpose: %w", err)
		}
		log.Info().Str("action", "purpose").Str("from", string(entry.Purpose)).Str("to", string(purpose)).Msg("Changed entry purpose")
		sw.record(actionPurposeChanged)
	}

	now := r.now()
	if purpose != cache.PurposeRefresh && entry.RequestCount == 1 && now.Sub(entry.LastUsed) > r.policy.StaleAfter {
		if err := r.cache.Expire(ctx, key, r.policy.CooldownTTL); errors.Is(err, cache.ErrNotFound) {
			return r.vanished(sw, key)
		} else if err != nil {
			return fmt.Errorf("setting ttl: %w", err)
		}
		log.Info().Str("action", "ttl").Dur("ttl", r.policy.CooldownTTL).Msg("Set cooldown TTL on stale entry")
		sw.record(actionExpired)
	}

	if strings.EqualFold(entry.Method, http.MethodPost) {
		if r.policy.DedupeFirst {
			r.dedupe(ctx, sw, entry)
			r.propagate(ctx, sw, entry)
		} else {
			r.propagate(ctx, sw, entry)
			r.dedupe(ctx, sw, entry)
		}
	}

	if err := r.touch(ctx, entry, now); errors.Is(err, cache.ErrNotFound) {
		return r.vanished(sw, key)
	} else if err != nil {
		return err
	}
	sw.record(actionProcessed)
	return nil
}

// touch counts the visit and moves last_used forward to now.
func (r *Reconciler) touch(ctx context.Context, entry cache.Entry, now time.Time) error {
	_, err := r.cache.Increment(ctx, entry.Key, cache.FieldRequestCount)
	if errors.Is(err, cache.ErrNotInteger) {
		// an unreadable count was decoded as zero
		err = r.cache.SetField(ctx, entry.Key, cache.FieldRequestCount, strconv.FormatInt(entry.RequestCount+1, 10))
	}
	if err != nil {
		return fmt.Errorf("incrementing count: %w", err)
	}
	if now.After(entry.LastUsed) {
		if err := r.cache.SetField(ctx, entry.Key, cache.FieldLastUsed, cache.FormatTime(now)); err != nil {
			return fmt.Errorf("writing last_used: %w", err)
		}
	}
	return nil
}

func (r *Reconciler) vanished(sw *sweep, key string) error {
	sw.log.Debug().Str("key", key).Msg("Entry vanished while it was analyzed")
	sw.record(actionSkipped)
	return nil
}
