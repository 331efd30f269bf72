package controller

import (
	"errors"
	"fmt"

	"github.com/odvcencio/termgate/pkg/policy"
)

// DenyReason distinguishes a command that needs approval from one that is
// never allowed to run.
type DenyReason string

const (
	// DenyAsk means the command is in the ask bucket and no override is
	// active; it can proceed through the override or approval channels.
	DenyAsk DenyReason = "ask"
	// DenyBlocked means the command is blocked by bucket or dangerous
	// pattern and cannot be overridden.
	DenyBlocked DenyReason = "blocked"
)

// PermissionError is returned when a command is refused before any shell
// interaction.
type PermissionError struct {
	Reason      DenyReason
	Bucket      policy.Bucket
	MatchedRule string
	Explanation string
}

func (e *PermissionError) Error() string {
	if e.Explanation != "" {
		return fmt.Sprintf("permission denied (%s): %s", e.Reason, e.Explanation)
	}
	return fmt.Sprintf("permission denied (%s): command is in %s", e.Reason, e.Bucket)
}

// ErrOverrideNotRequired is returned by ExecuteWithOverride for commands the
// policy already allows; the plain execute path should be used instead.
var ErrOverrideNotRequired = errors.New("command does not require an override")
