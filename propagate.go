package reconciler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/always-cache/cache-reconciler/cache"
)

// propagate marks the GET entries related to a POST's resource for refresh.
// Entries already marked are left alone.
func (r *Reconciler) propagate(ctx context.Context, sw *sweep, trigger cache.Entry) {
	log := sw.log.With().Str("key", trigger.Key).Logger()
	entries, err := r.others(ctx, sw, trigger.Key)
	if err != nil {
		log.Error().Err(err).Msg("Could not list entries for propagation")
		return
	}

	for _, entry := range entries {
		if !strings.EqualFold(entry.Method, http.MethodGet) || entry.Purpose == cache.PurposeRefresh {
			continue
		}
		if !r.sameResource(ctx, r.policy.RelationMatch, trigger.URL, entry.URL) {
			continue
		}
		err := r.cache.SetField(ctx, entry.Key, cache.FieldPurpose, string(cache.PurposeRefresh))
		if errors.Is(err, cache.ErrNotFound) {
			continue
		} else if err != nil {
			log.Error().Err(err).Str("related", entry.Key).Msg("Could not mark related entry for refresh")
			continue
		}
		log.Info().Str("action", "propagate").Str("related", entry.Key).Msg("Marked related entry for refresh")
		sw.record(actionPropagated)
	}
}
