// Package override tracks session-scoped and permanent command approvals.
//
// The ledger imposes friction on the ask bucket: a detailed reason, explicit
// risk acceptance, and a per-fingerprint sliding-window rate limit. Every
// attempt, accepted or not, lands in a bounded history so a long-running
// process never grows without bound.
package override

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Duration scopes a grant to the shell session or to the process lifetime.
type Duration string

const (
	// DurationSession grants are invalidated by the next session reset.
	DurationSession Duration = "session"
	// DurationPermanent grants survive session resets but not process
	// restarts; persisting them is the boundary layer's concern.
	DurationPermanent Duration = "permanent"
)

// ParseDuration validates a grant duration string.
func ParseDuration(s string) (Duration, error) {
	switch Duration(s) {
	case DurationSession:
		return DurationSession, nil
	case DurationPermanent:
		return DurationPermanent, nil
	}
	return "", &ValidationError{Field: "duration", Message: "must be \"session\" or \"permanent\""}
}

// Grant records an active approval for a fingerprint.
type Grant struct {
	Fingerprint string    `json:"fingerprint"`
	Duration    Duration  `json:"duration"`
	Reason      string    `json:"reason"`
	GrantedAt   time.Time `json:"granted_at"`
}

// Attempt is one override request, accepted or rejected.
type Attempt struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Fingerprint  string    `json:"fingerprint"`
	Accepted     bool      `json:"accepted"`
	ReasonLength int       `json:"reason_length"`
}

// Limits configures the ledger's friction and retention knobs.
type Limits struct {
	MinReasonLength int
	Ceiling         int           // attempts allowed per fingerprint per window
	Window          time.Duration // trailing rate-limit window
	Spacing         time.Duration // minimum gap after an accepted override
	Retention       int           // history entries kept
}

// Ledger is safe for concurrent use; the window check and the attempt record
// happen under one lock so two racing attempts cannot both pass a ceiling
// check that should reject the second.
type Ledger struct {
	mu      sync.Mutex
	limits  Limits
	grants  map[string]Grant
	counted map[string][]time.Time // attempts counted against the window
	lastOK  time.Time              // last accepted override, for spacing
	history []Attempt
	now     func() time.Time
}

// NewLedger creates a ledger with the given limits.
func NewLedger(limits Limits) *Ledger {
	if limits.Retention <= 0 {
		limits.Retention = 100
	}
	return &Ledger{
		limits:  limits,
		grants:  make(map[string]Grant),
		counted: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// ValidateRequest checks the friction requirements without recording
// anything. Independent failures are joined so each remains errors.As-able.
func (l *Ledger) ValidateRequest(fingerprint, reason string, acceptRisk bool) error {
	return l.validate(fingerprint, reason, acceptRisk)
}

func (l *Ledger) validate(fingerprint, reason string, acceptRisk bool) error {
	var errs []error
	if fingerprint == "" {
		errs = append(errs, &ValidationError{Field: "command", Message: "command cannot be empty"})
	}
	if len(reason) < l.limits.MinReasonLength {
		errs = append(errs, &ValidationError{
			Field:   FieldReason,
			Message: fmt.Sprintf("provide a detailed reason (%d+ chars)", l.limits.MinReasonLength),
		})
	}
	if !acceptRisk {
		errs = append(errs, &ValidationError{Field: FieldAcceptRisk, Message: "must be explicitly true to proceed"})
	}
	return errors.Join(errs...)
}

// CheckRateLimit reports whether an attempt for the fingerprint would be
// admitted right now. Advisory only; RequestOverride is the recording path.
func (l *Ledger) CheckRateLimit(fingerprint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rateLimitLocked(fingerprint, l.now())
}

// RequestOverride runs the full friction flow for one attempt: validation,
// rate limiting, history recording, and on success a session-duration grant.
// The returned error is nil exactly when the command may proceed.
func (l *Ledger) RequestOverride(fingerprint, reason string, acceptRisk bool) (Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if err := l.validate(fingerprint, reason, acceptRisk); err != nil {
		l.recordLocked(fingerprint, now, false, len(reason), true)
		return Attempt{}, err
	}

	if err := l.rateLimitLocked(fingerprint, now); err != nil {
		// Rejected for rate, not behavior: goes to history but not the
		// window, so the window can actually elapse under retries.
		l.recordLocked(fingerprint, now, false, len(reason), false)
		return Attempt{}, err
	}

	attempt := l.recordLocked(fingerprint, now, true, len(reason), true)
	l.lastOK = now
	l.grants[fingerprint] = Grant{
		Fingerprint: fingerprint,
		Duration:    DurationSession,
		Reason:      reason,
		GrantedAt:   now,
	}
	return attempt, nil
}

func (l *Ledger) rateLimitLocked(fingerprint string, now time.Time) error {
	if l.limits.Spacing > 0 && !l.lastOK.IsZero() {
		if since := now.Sub(l.lastOK); since < l.limits.Spacing {
			return &RateLimitError{Fingerprint: fingerprint, RetryAfter: l.limits.Spacing - since}
		}
	}

	if l.limits.Ceiling <= 0 || l.limits.Window <= 0 {
		return nil
	}

	cutoff := now.Add(-l.limits.Window)
	window := pruneBefore(l.counted[fingerprint], cutoff)
	l.counted[fingerprint] = window
	if len(window) >= l.limits.Ceiling {
		return &RateLimitError{
			Fingerprint: fingerprint,
			RetryAfter:  window[0].Sub(cutoff),
		}
	}
	return nil
}

func (l *Ledger) recordLocked(fingerprint string, now time.Time, accepted bool, reasonLen int, counted bool) Attempt {
	attempt := Attempt{
		ID:           ulid.Make().String(),
		Timestamp:    now,
		Fingerprint:  fingerprint,
		Accepted:     accepted,
		ReasonLength: reasonLen,
	}
	l.history = append(l.history, attempt)
	if len(l.history) > l.limits.Retention {
		l.history = l.history[len(l.history)-l.limits.Retention:]
	}
	if counted && fingerprint != "" {
		l.counted[fingerprint] = append(l.counted[fingerprint], now)
	}
	return attempt
}

// Grant records an approval outside the friction flow (the user-approval
// channel). It does not touch the rate limiter.
func (l *Ledger) Grant(fingerprint string, duration Duration, reason string) Grant {
	l.mu.Lock()
	defer l.mu.Unlock()

	g := Grant{
		Fingerprint: fingerprint,
		Duration:    duration,
		Reason:      reason,
		GrantedAt:   l.now(),
	}
	// A permanent grant never downgrades to session.
	if existing, ok := l.grants[fingerprint]; ok &&
		existing.Duration == DurationPermanent && duration == DurationSession {
		return existing
	}
	l.grants[fingerprint] = g
	return g
}

// ActiveGrant returns the grant in effect for a fingerprint, if any.
func (l *Ledger) ActiveGrant(fingerprint string) (Grant, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.grants[fingerprint]
	return g, ok
}

// ClearSession removes session-duration grants. Permanent grants survive.
func (l *Ledger) ClearSession() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for fp, g := range l.grants {
		if g.Duration == DurationSession {
			delete(l.grants, fp)
		}
	}
}

// History returns attempts oldest-first, bounded by the retention limit.
func (l *Ledger) History() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Attempt, len(l.history))
	copy(out, l.history)
	return out
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && !times[idx].After(cutoff) {
		idx++
	}
	return times[idx:]
}
