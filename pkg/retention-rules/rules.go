package retentionrules

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/always-cache/cache-reconciler/cache"
	"github.com/always-cache/cache-reconciler/pkg/verdict"
	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule pins the handling of entries whose request matches it.
// A matching rule either skips the entry entirely or fixes its verdict
// so that the classifier is not consulted.
type Rule struct {
	Prefix string            `yaml:"prefix"`
	Path   string            `yaml:"path"`
	Method string            `yaml:"method"`
	Query  map[string]string `yaml:"query"`
	// Verdict is one of keep, refresh, delete or dynamic.
	Verdict string `yaml:"verdict"`
	Skip    bool   `yaml:"skip"`
}

// Validate checks that every rule does something and names a known verdict.
func (r Rules) Validate() error {
	for i, rule := range r {
		if rule.Skip && rule.Verdict != "" {
			return fmt.Errorf("rules[%d]: skip and verdict are mutually exclusive", i)
		}
		if !rule.Skip && rule.Verdict == "" {
			return fmt.Errorf("rules[%d]: one of skip or verdict is required", i)
		}
		if rule.Verdict != "" {
			if _, err := verdict.FromString(rule.Verdict); err != nil {
				return fmt.Errorf("rules[%d].verdict: %w", i, err)
			}
		}
	}
	return nil
}

// Pinned returns the verdict the rule fixes, if any.
func (rule Rule) Pinned() (verdict.Verdict, bool) {
	if rule.Verdict == "" {
		return "", false
	}
	v, err := verdict.FromString(rule.Verdict)
	return v, err == nil
}

// Find returns the first rule matching the entry's request, or nil.
func (r Rules) Find(entry cache.Entry) *Rule {
	u, err := url.Parse(entry.URL)
	if err != nil {
		log.Trace().Err(err).Msgf("Unparseable url %s, no rule applies", entry.URL)
		return nil
	}
	log.Trace().Msgf("Finding rule for entry %s:%s", entry.Method, u.Path)
rulesLoop:
	for i := range r {
		rule := r[i]
		if rule.Method != "" && !strings.EqualFold(rule.Method, entry.Method) {
			continue
		}
		if rule.Path != "" && rule.Path != u.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(u.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := u.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &rule
	}
	return nil
}
