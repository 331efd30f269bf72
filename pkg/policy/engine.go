// Package policy classifies command text into authorization buckets.
//
// Classification runs in two stages: dangerous patterns first (a match always
// blocks, regardless of bucket rules or overrides), then the ordered bucket
// rules, then the configured default bucket. The active rule set is an
// immutable snapshot swapped atomically on reload so concurrent Decide calls
// never observe a half-updated policy.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/odvcencio/termgate/pkg/config"
)

// ConfigError reports a malformed policy document. A reload that fails with
// ConfigError leaves the previous policy active.
type ConfigError struct {
	Detail string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policy config: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("policy config: %s", e.Detail)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// compiledRule is a bucket rule with its matcher prepared.
type compiledRule struct {
	Rule
	re *regexp.Regexp // nil for bare-word rules matched by fingerprint
}

// dangerousRule is a compiled dangerous pattern.
type dangerousRule struct {
	pattern string
	message string
	re      *regexp.Regexp
}

// snapshot is one immutable compiled policy.
type snapshot struct {
	rules         []compiledRule
	dangerous     []dangerousRule
	defaultBucket Bucket
}

// Engine evaluates commands against the active policy snapshot.
type Engine struct {
	mu   sync.RWMutex
	snap *snapshot
}

// NewEngine compiles the policy section of the configuration document.
func NewEngine(pc config.PolicyConfig) (*Engine, error) {
	snap, err := compile(pc)
	if err != nil {
		return nil, err
	}
	return &Engine{snap: snap}, nil
}

// Reload compiles and atomically installs a new policy. On error the
// previous policy remains active.
func (e *Engine) Reload(pc config.PolicyConfig) error {
	snap, err := compile(pc)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()
	return nil
}

// Decide classifies a command. Dangerous patterns short-circuit to
// BucketBlock; otherwise bucket rules are evaluated in declared order
// (always_block, always_allow, always_ask) and the first match wins; the
// configured default bucket applies when nothing matches.
func (e *Engine) Decide(command string) Decision {
	e.mu.RLock()
	snap := e.snap
	e.mu.RUnlock()

	trimmed := strings.TrimSpace(command)

	for _, d := range snap.dangerous {
		if d.re.MatchString(trimmed) {
			return Decision{
				Bucket:         BucketBlock,
				MatchedPattern: d.pattern,
				Explanation:    d.message,
			}
		}
	}

	base := Fingerprint(trimmed)
	for _, r := range snap.rules {
		if r.matches(trimmed, base) {
			return Decision{Bucket: r.Bucket, MatchedRule: r.Pattern}
		}
	}

	return Decision{Bucket: snap.defaultBucket, MatchedRule: "default"}
}

func (r compiledRule) matches(command, base string) bool {
	if r.re != nil {
		return r.re.MatchString(command)
	}
	return r.Pattern == base
}

func compile(pc config.PolicyConfig) (*snapshot, error) {
	def := Bucket(pc.DefaultBucket)
	if !def.Valid() {
		return nil, &ConfigError{Detail: fmt.Sprintf("default bucket %q is not one of always_allow/always_ask/always_block", pc.DefaultBucket)}
	}

	snap := &snapshot{defaultBucket: def}

	// Most restrictive bucket first so a pattern listed in both block and
	// allow resolves to block.
	ordered := []struct {
		bucket   Bucket
		patterns []string
	}{
		{BucketBlock, pc.AlwaysBlock},
		{BucketAllow, pc.AlwaysAllow},
		{BucketAsk, pc.AlwaysAsk},
	}
	for _, group := range ordered {
		for _, pattern := range group.patterns {
			pattern = strings.TrimSpace(pattern)
			if pattern == "" {
				return nil, &ConfigError{Detail: fmt.Sprintf("empty pattern in %s", group.bucket)}
			}
			rule := compiledRule{Rule: Rule{Pattern: pattern, Bucket: group.bucket}}
			if strings.ContainsAny(pattern, "*? ") {
				re, err := compileGlob(pattern)
				if err != nil {
					return nil, &ConfigError{Detail: fmt.Sprintf("pattern %q in %s", pattern, group.bucket), Err: err}
				}
				rule.re = re
			}
			snap.rules = append(snap.rules, rule)
		}
	}

	for _, dp := range pc.DangerousPatterns {
		re, err := regexp.Compile(dp.Pattern)
		if err != nil {
			return nil, &ConfigError{Detail: fmt.Sprintf("dangerous pattern %q", dp.Pattern), Err: err}
		}
		if dp.Message == "" {
			return nil, &ConfigError{Detail: fmt.Sprintf("dangerous pattern %q has no message", dp.Pattern)}
		}
		snap.dangerous = append(snap.dangerous, dangerousRule{
			pattern: dp.Pattern,
			message: dp.Message,
			re:      re,
		})
	}

	return snap, nil
}

// compileGlob converts a glob pattern to an anchored regexp.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, "\\*", ".*")
	quoted = strings.ReplaceAll(quoted, "\\?", ".")
	return regexp.Compile("^" + quoted + "$")
}
