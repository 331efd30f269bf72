package shell

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when Execute is called while another command is
// running. Commands are strictly serialized; the caller must retry later.
var ErrBusy = errors.New("shell session is busy executing another command")

// ErrTerminated is returned when the session has lost its shell process and
// must be reset before further commands can run.
var ErrTerminated = errors.New("shell session is terminated; reset required")

// FatalError reports that the underlying shell process died unexpectedly.
// The session transitions to Terminated and must be reset.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("shell process died: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// InteractiveError reports a command rejected before execution because it
// would hang the session (TUI programs, pagers, backgrounding).
type InteractiveError struct {
	Command string
	Reason  string
}

func (e *InteractiveError) Error() string {
	return fmt.Sprintf("rejected %q: %s", e.Command, e.Reason)
}
