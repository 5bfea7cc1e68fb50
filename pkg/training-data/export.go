// Package trainingdata exports captured request/response pairs as classifier training examples.
package trainingdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/always-cache/cache-reconciler/cache"
	"github.com/rs/zerolog/log"
)

// Example is one line of the exported JSONL stream.
type Example struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Text formats the training text of an entry.
func Text(entry cache.Entry) string {
	return fmt.Sprintf("Request URL: %s\nResponse: %s", entry.URL, entry.Response)
}

// Export writes one example per entry matching pattern that has both a request url
// and a response. Entries that vanish or are malformed while exporting are skipped.
// It returns the number of examples written.
func Export(ctx context.Context, provider cache.CacheProvider, pattern string, w io.Writer) (int, error) {
	keys, err := provider.Keys(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("listing keys: %w", err)
	}
	enc := json.NewEncoder(w)
	written := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		entry, err := provider.Get(ctx, key)
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrMalformed) {
			log.Debug().Str("key", key).Err(err).Msg("Skipping entry for training data")
			continue
		} else if err != nil {
			return written, fmt.Errorf("reading %s: %w", key, err)
		}
		if entry.Response == "" {
			continue
		}
		if err := enc.Encode(Example{Key: key, Text: Text(entry)}); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
