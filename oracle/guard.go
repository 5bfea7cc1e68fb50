package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/always-cache/cache-reconciler/cache"
	"github.com/always-cache/cache-reconciler/pkg/verdict"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	OpClassify = "classify"
	OpSafety   = "safety"
	OpCompare  = "compare"
)

var tracer = otel.Tracer("github.com/always-cache/cache-reconciler/oracle")

// Guard reduces oracle answers to decisions and never lets an oracle failure
// reach the caller. On failure it logs, reports through OnFailure and falls back:
// classification to keep, comparison to unrelated, and safety to AllowOnFailure.
type Guard struct {
	Oracle Oracle
	// Timeout bounds every single oracle call. Zero means no timeout.
	Timeout time.Duration
	// Unmatched is the verdict for classifier text naming no known verdict.
	Unmatched verdict.Verdict
	// AllowOnFailure decides whether an entry whose safety check failed is processed.
	AllowOnFailure bool
	// OnFailure, if set, is called for every failed oracle call.
	OnFailure func(op string, err error)
	Logger    zerolog.Logger
}

// call runs fn with the guard's timeout, converting panics into errors.
func (g *Guard) call(ctx context.Context, op string, fn func(ctx context.Context) (string, error)) (text string, err error) {
	ctx, span := tracer.Start(ctx, "oracle."+op)
	defer span.End()
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("oracle panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			g.Logger.Warn().Err(err).Str("op", op).Msg("Oracle call failed")
			if g.OnFailure != nil {
				g.OnFailure(op, err)
			}
		}
	}()
	text, err = fn(ctx)
	span.SetAttributes(attribute.String("oracle.answer", text))
	return text, err
}

// Classify returns the retention verdict for the entry.
func (g *Guard) Classify(ctx context.Context, entry cache.Entry) verdict.Verdict {
	text, err := g.call(ctx, OpClassify, func(ctx context.Context) (string, error) {
		return g.Oracle.ClassifyRetention(ctx, entry)
	})
	if err != nil {
		return verdict.Keep
	}
	unmatched := g.Unmatched
	if unmatched == "" {
		unmatched = verdict.Keep
	}
	v := verdict.Parse(text, unmatched)
	g.Logger.Trace().Str("key", entry.Key).Str("answer", text).Str("verdict", string(v)).Msg("Classified entry")
	return v
}

// Allowed reports whether the text passed the content-safety check.
func (g *Guard) Allowed(ctx context.Context, text string) bool {
	answer, err := g.call(ctx, OpSafety, func(ctx context.Context) (string, error) {
		return g.Oracle.CheckSafety(ctx, text)
	})
	if err != nil {
		return g.AllowOnFailure
	}
	return verdict.Allowed(answer)
}

// Related reports whether the oracle judged the two urls to denote related resources.
func (g *Guard) Related(ctx context.Context, a, b string) bool {
	answer, err := g.call(ctx, OpCompare, func(ctx context.Context) (string, error) {
		return g.Oracle.CompareResourceIdentity(ctx, a, b)
	})
	if err != nil {
		return false
	}
	return verdict.Related(answer)
}
