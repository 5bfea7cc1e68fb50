package reconciler

import (
	"context"
	"errors"
	"sort"

	"github.com/always-cache/cache-reconciler/cache"
	resourceid "github.com/always-cache/cache-reconciler/pkg/resource-identity"
)

// sameResource reports whether two urls denote the same resource under the given mode.
func (r *Reconciler) sameResource(ctx context.Context, mode MatchMode, a, b string) bool {
	if resourceid.Equal(a, b) {
		return true
	}
	if mode == MatchOracle {
		return r.guard.Related(ctx, a, b)
	}
	return false
}

// others returns the readable entries matching the pattern, except the one under exclude.
// Entries that vanish or are malformed are left out.
func (r *Reconciler) others(ctx context.Context, sw *sweep, exclude string) ([]cache.Entry, error) {
	keys, err := r.cache.Keys(ctx, r.pattern)
	if err != nil {
		return nil, err
	}
	entries := make([]cache.Entry, 0, len(keys))
	for _, key := range keys {
		if key == exclude {
			continue
		}
		entry, err := r.cache.Get(ctx, key)
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrMalformed) {
			continue
		} else if err != nil {
			sw.log.Warn().Err(err).Str("key", key).Msg("Could not read entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// dedupe purges duplicate entries of the trigger's resource.
// Among the matching entries only the most recently used one survives, whatever its
// request method. Ties go to the lexically smallest key.
// The trigger itself is never a candidate.
func (r *Reconciler) dedupe(ctx context.Context, sw *sweep, trigger cache.Entry) {
	log := sw.log.With().Str("key", trigger.Key).Logger()
	entries, err := r.others(ctx, sw, trigger.Key)
	if err != nil {
		log.Error().Err(err).Msg("Could not list entries for deduplication")
		return
	}

	matching := make([]cache.Entry, 0, len(entries))
	for _, entry := range entries {
		if r.sameResource(ctx, r.policy.DedupeMatch, trigger.URL, entry.URL) {
			matching = append(matching, entry)
		}
	}
	if len(matching) < 2 {
		return
	}

	sort.Slice(matching, func(i, j int) bool {
		ti := sw.recency(matching[i].Key, matching[i].LastUsed)
		tj := sw.recency(matching[j].Key, matching[j].LastUsed)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return matching[i].Key < matching[j].Key
	})
	survivor := matching[0]
	for _, dup := range matching[1:] {
		if err := r.cache.Purge(ctx, dup.Key); err != nil {
			log.Error().Err(err).Str("duplicate", dup.Key).Msg("Could not purge duplicate entry")
			continue
		}
		log.Info().
			Str("action", "dedupe").
			Str("duplicate", dup.Key).
			Str("survivor", survivor.Key).
			Msg("Purged duplicate entry")
		sw.record(actionDeduplicated)
	}
}
