package override

import (
	"fmt"
	"time"
)

// Validation field names reported by ValidationError.
const (
	FieldReason     = "reason"
	FieldAcceptRisk = "accept_risk"
)

// ValidationError reports a single failed friction requirement. When several
// requirements fail at once the errors are joined, never merged, so the
// caller can tell which field to fix.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("override validation: %s: %s", e.Field, e.Message)
}

// RateLimitError reports that the override attempt budget for a fingerprint
// is exhausted. RetryAfter is the wait until the next attempt can succeed.
type RateLimitError struct {
	Fingerprint string
	RetryAfter  time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("override rate limit exceeded for %q, retry after %s",
		e.Fingerprint, e.RetryAfter.Round(time.Second))
}
