// Package capture records forwarded requests as cache entries, the way the
// capturing proxy in front of an origin does. It is the producer side of the store
// the reconciler works on.
package capture

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/always-cache/cache-reconciler/cache"
	cachekey "github.com/always-cache/cache-reconciler/pkg/cache-key"

	"github.com/rs/zerolog"
)

type Recorder struct {
	Cache  cache.CacheProvider
	Keyer  cachekey.CacheKeyer
	Logger zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Handler serves the request with next and records the successful response.
// A response seen before only refreshes the stored body and last_used, so the
// purpose and request count the reconciler keeps on the entry survive.
func (rc Recorder) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rc.Keyer.GetKey(r)
		saver := NewResponseSaver(w)
		next.ServeHTTP(saver, r)

		if status := saver.StatusCode(); status < 200 || status >= 300 {
			rc.Logger.Trace().Str("key", key).Int("status", status).Msg("Not recording response")
			return
		}
		if err := rc.Record(r.Context(), key, r, saver.Body()); err != nil {
			rc.Logger.Error().Err(err).Str("key", key).Msg("Could not record response")
		}
	})
}

// Record stores the response for the request under key.
func (rc Recorder) Record(ctx context.Context, key string, r *http.Request, response string) error {
	now := time.Now()
	if rc.Now != nil {
		now = rc.Now()
	}
	err := rc.Cache.SetField(ctx, key, cache.FieldResponse, response)
	if errors.Is(err, cache.ErrNotFound) {
		rc.Logger.Debug().Str("key", key).Msg("Recording new entry")
		return rc.Cache.Put(ctx, cache.EntryFromRequest(key, r, response, now))
	}
	if err != nil {
		return err
	}
	return rc.Cache.SetField(ctx, key, cache.FieldLastUsed, cache.FormatTime(now))
}
