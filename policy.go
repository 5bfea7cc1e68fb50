package reconciler

import (
	"fmt"
	"time"

	"github.com/always-cache/cache-reconciler/pkg/verdict"
)

// MatchMode selects how two request urls are judged to denote the same resource.
type MatchMode string

const (
	// MatchExact compares urls case-insensitively.
	MatchExact MatchMode = "exact"
	// MatchOracle asks the oracle; identical urls are related without asking.
	MatchOracle MatchMode = "oracle"
)

// Policy holds the reconciliation choices that vary between deployments.
type Policy struct {
	// DedupeMatch decides which entries are duplicates of a POST's resource.
	DedupeMatch MatchMode `yaml:"dedupeMatch"`
	// RelationMatch decides which GET entries a POST marks for refresh.
	RelationMatch MatchMode `yaml:"relationMatch"`
	// UnmatchedVerdict applies when the classifier names no known verdict.
	UnmatchedVerdict verdict.Verdict `yaml:"unmatchedVerdict"`
	// DedupeFirst runs deduplication before propagation for POST entries.
	DedupeFirst bool `yaml:"dedupeFirst"`
	// SafetyCheck enables the content-safety check of request urls.
	SafetyCheck bool `yaml:"safetyCheck"`
	// AllowOnSafetyFailure processes entries whose safety check could not be run.
	AllowOnSafetyFailure bool `yaml:"allowOnSafetyFailure"`
	// StaleAfter is how long a once-used entry may go unused before it gets a cooldown TTL.
	StaleAfter time.Duration `yaml:"staleAfter"`
	// CooldownTTL is the TTL given to stale entries.
	CooldownTTL time.Duration `yaml:"cooldownTTL"`
}

func DefaultPolicy() Policy {
	return Policy{
		DedupeMatch:      MatchExact,
		RelationMatch:    MatchOracle,
		UnmatchedVerdict: verdict.Keep,
		DedupeFirst:      true,
		SafetyCheck:      true,
		StaleAfter:       72 * time.Hour,
		CooldownTTL:      time.Hour,
	}
}

func (p Policy) Validate() error {
	for name, mode := range map[string]MatchMode{"dedupeMatch": p.DedupeMatch, "relationMatch": p.RelationMatch} {
		if mode != MatchExact && mode != MatchOracle {
			return fmt.Errorf("%s: unknown match mode %q", name, mode)
		}
	}
	switch p.UnmatchedVerdict {
	case verdict.Keep, verdict.Refresh, verdict.Dynamic:
	default:
		return fmt.Errorf("unmatchedVerdict: %q is not one of keep, refresh, dynamic", p.UnmatchedVerdict)
	}
	if p.StaleAfter <= 0 {
		return fmt.Errorf("staleAfter: must be positive, is %s", p.StaleAfter)
	}
	if p.CooldownTTL <= 0 {
		return fmt.Errorf("cooldownTTL: must be positive, is %s", p.CooldownTTL)
	}
	return nil
}
