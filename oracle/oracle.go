// Package oracle asks an external text classifier about cache entries.
//
// The classifier answers in free-form text. Implementations of Oracle return that
// text unchanged; reducing it to a decision, and deciding what happens when the
// classifier cannot be reached, is the job of Guard.
package oracle

import (
	"context"
	"errors"

	"github.com/always-cache/cache-reconciler/cache"
)

type Oracle interface {
	// ClassifyRetention returns the classifier's retention judgement for the entry.
	ClassifyRetention(ctx context.Context, entry cache.Entry) (string, error)
	// CheckSafety returns the content-safety judgement for the text.
	CheckSafety(ctx context.Context, text string) (string, error)
	// CompareResourceIdentity returns a yes/no judgement of whether two request urls
	// denote the same or a related resource.
	CompareResourceIdentity(ctx context.Context, a, b string) (string, error)
}

var ErrBadStatus = errors.New("oracle: unexpected response status")

// Message is one turn of a chat prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
