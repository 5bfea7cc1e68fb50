package verdict

import (
	"fmt"
	"strings"
)

// Verdict is the reduced retention decision for a cache entry.
type Verdict string

const (
	Keep    Verdict = "keep"
	Refresh Verdict = "refresh"
	Delete  Verdict = "delete"
	Dynamic Verdict = "dynamic"
)

// Parse reduces free-form classifier output to a verdict.
// Matching is keyword containment on the lowercased text, checked in the order
// delete, refresh, dynamic. Text containing none of them yields fallback.
// Classifier output often carries stray sentences around the decision keyword,
// which is why exact matching is not used.
func Parse(text string, fallback Verdict) Verdict {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, string(Delete)):
		return Delete
	case strings.Contains(lower, string(Refresh)):
		return Refresh
	case strings.Contains(lower, string(Dynamic)):
		return Dynamic
	default:
		return fallback
	}
}

// FromString parses a configured verdict name.
func FromString(s string) (Verdict, error) {
	switch v := Verdict(strings.ToLower(strings.TrimSpace(s))); v {
	case Keep, Refresh, Delete, Dynamic:
		return v, nil
	default:
		return "", fmt.Errorf("unknown verdict %q", s)
	}
}

// Allowed reduces content-safety classifier output to a decision.
// Output saying "unsafe" or "not allowed", or starting with "no", is a rejection.
// Everything else, including a plain "safe", is allowed.
func Allowed(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if strings.Contains(lower, "unsafe") || strings.Contains(lower, "not allowed") {
		return false
	}
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	return len(fields) == 0 || fields[0] != "no"
}

// Related reduces a yes/no relatedness answer. Only an answer whose first word
// is "yes" counts as related.
func Related(text string) bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	return len(fields) > 0 && fields[0] == "yes"
}
