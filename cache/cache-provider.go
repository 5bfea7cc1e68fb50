package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CacheProvider is the store of captured request/response pairs.
// Every entry is a flat field->string record under a unique key, optionally with an expiry.
// Operating on keys matching a pattern is what the reconciler relies on to find the
// entries it owns, since the same store may hold unrelated data.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Keys returns every live key matching the given pattern, in lexical order.
	// Patterns use glob syntax: '*' matches any run of characters, '?' a single one.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Get returns the decoded entry for the key.
	// It returns ErrNotFound if the entry does not exist or has expired,
	// and ErrMalformed if the entry lacks its request method or url.
	Get(ctx context.Context, key string) (Entry, error)
	// SetField writes a single field of an existing entry.
	// It never creates an entry: if the key is gone, ErrNotFound is returned.
	SetField(ctx context.Context, key, field, value string) error
	// Expire sets the remaining lifetime of an existing entry.
	// A ttl <= 0 removes any expiry.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Purge removes the entry. Purging a missing key is not an error.
	Purge(ctx context.Context, key string) error
	// Increment adds one to an integer field of an existing entry and returns the new value.
	// A missing field counts as zero.
	Increment(ctx context.Context, key, field string) (int64, error)
	// Put replaces the whole entry. Only producers (the capturing proxy, tests) use it.
	Put(ctx context.Context, entry Entry) error
	Close() error
}

var (
	ErrNotFound   = errors.New("cache: entry not found")
	ErrMalformed  = errors.New("cache: malformed entry")
	ErrNotInteger = errors.New("cache: field value is not an integer")
)

// Field names of the stored record.
const (
	FieldMethod       = "request_method"
	FieldURL          = "request_url"
	FieldHeaders      = "request_headers"
	FieldResponse     = "response"
	FieldPurpose      = "purpose"
	FieldRequestCount = "request_count"
	FieldLastUsed     = "last_used"
)

// Purpose is the retention intent recorded on an entry.
type Purpose string

const (
	PurposeEmpty   Purpose = "empty"
	PurposeKeep    Purpose = "keep"
	PurposeRefresh Purpose = "refresh"
	PurposeDelete  Purpose = "delete"
	PurposeDynamic Purpose = "dynamic"
)

type Entry struct {
	Key          string
	Method       string
	URL          string
	Headers      map[string]string
	Response     string
	Purpose      Purpose
	RequestCount int64
	LastUsed     time.Time
	// TTL is the remaining lifetime of the entry, zero when it does not expire.
	TTL time.Duration
}

// DecodeEntry builds an entry from its stored fields.
// Headers are advisory, so undecodable headers yield an empty map instead of an error.
func DecodeEntry(key string, fields map[string]string, ttl time.Duration) (Entry, error) {
	entry := Entry{
		Key:      key,
		Method:   fields[FieldMethod],
		URL:      fields[FieldURL],
		Response: fields[FieldResponse],
		Purpose:  Purpose(fields[FieldPurpose]),
		Headers:  map[string]string{},
		TTL:      ttl,
	}
	if entry.Method == "" || entry.URL == "" {
		return entry, ErrMalformed
	}
	if entry.Purpose == "" {
		entry.Purpose = PurposeEmpty
	}
	if raw := fields[FieldHeaders]; raw != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(raw), &headers); err == nil && headers != nil {
			entry.Headers = headers
		}
	}
	if count, err := strconv.ParseInt(fields[FieldRequestCount], 10, 64); err == nil && count > 0 {
		entry.RequestCount = count
	}
	if lastUsed, err := ParseTime(fields[FieldLastUsed]); err == nil {
		entry.LastUsed = lastUsed
	}
	return entry, nil
}

// Fields returns the stored representation of the entry.
func (e Entry) Fields() map[string]string {
	fields := map[string]string{
		FieldMethod:       e.Method,
		FieldURL:          e.URL,
		FieldResponse:     e.Response,
		FieldRequestCount: strconv.FormatInt(e.RequestCount, 10),
	}
	if e.Purpose != "" {
		fields[FieldPurpose] = string(e.Purpose)
	}
	if e.Headers != nil {
		if b, err := json.Marshal(e.Headers); err == nil {
			fields[FieldHeaders] = string(b)
		}
	}
	if !e.LastUsed.IsZero() {
		fields[FieldLastUsed] = FormatTime(e.LastUsed)
	}
	return fields
}

// EntryFromRequest builds the record the capturing proxy writes for a forwarded request.
// Only the first value of each request header is kept.
func EntryFromRequest(key string, r *http.Request, response string, now time.Time) Entry {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	return Entry{
		Key:      key,
		Method:   r.Method,
		URL:      r.URL.String(),
		Headers:  headers,
		Response: response,
		Purpose:  PurposeEmpty,
		LastUsed: now,
	}
}

// FormatTime encodes a timestamp as unix seconds with a fractional part.
func FormatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', -1, 64)
}

// ParseTime decodes unix seconds, possibly fractional, at microsecond precision.
func ParseTime(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return time.Time{}, err
	}
	sec := math.Floor(f)
	usec := math.Round((f - sec) * 1e6)
	return time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)), nil
}

// compilePattern turns a glob key pattern into an anchored regular expression.
func compilePattern(pattern string) *regexp.Regexp {
	expr := regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, `\*`, ".*")
	expr = strings.ReplaceAll(expr, `\?`, ".")
	return regexp.MustCompile("^" + expr + "$")
}

// literalPrefix returns the part of a pattern before its first wildcard.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
