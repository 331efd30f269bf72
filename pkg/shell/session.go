// Package shell owns the persistent child shell behind the gateway.
//
// One bash process lives on a PTY for the life of the session. Commands are
// framed with a sentinel line that carries the exit status and working
// directory, so the session survives cd and tracks $? without re-spawning.
// Execution races the output stream against two clocks: an idle timer reset
// on every chunk and a max timer from execution start. Timeouts interrupt the
// foreground command with ^C; the shell itself stays usable.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/oklog/ulid/v2"
)

// State describes the session's execution state machine.
type State int

const (
	// StateIdle is the resting state between commands.
	StateIdle State = iota
	// StateExecuting means a command is running; further requests are rejected.
	StateExecuting
	// StateTerminated means the shell process is gone; reset required.
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Status is the terminal outcome of one command execution.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusTimedOut    Status = "timed_out"
	StatusInterrupted Status = "interrupted"
)

// TimeoutKind distinguishes the two execution clocks.
type TimeoutKind string

const (
	// TimeoutIdle fires after a configured silence on the output stream.
	TimeoutIdle TimeoutKind = "idle"
	// TimeoutMax fires a configured duration after execution start,
	// regardless of activity.
	TimeoutMax TimeoutKind = "max"
)

// Result is the outcome of one execution. Timeouts and interrupts are
// results, not errors: partial output is returned and the session stays
// usable.
type Result struct {
	Output        string
	ExitCode      *int // nil when the command did not run to completion
	Status        Status
	TimeoutReason TimeoutKind // set only when Status == StatusTimedOut
}

// TimedOut reports whether the execution ended on a timer.
func (r Result) TimedOut() bool { return r.Status == StatusTimedOut }

// Interrupted reports whether the execution was cancelled explicitly.
func (r Result) Interrupted() bool { return r.Status == StatusInterrupted }

// OutputFunc receives output chunks as they arrive.
type OutputFunc func(chunk string)

// Config controls the spawned shell and the execution clocks.
type Config struct {
	Path        string // shell binary; respects user rc files
	Rows        int
	Cols        int
	Dir         string // initial working directory; empty = inherit
	Env         []string
	IdleTimeout time.Duration
	MaxTimeout  time.Duration
}

const (
	// sentinel frames every command; the shell appends
	// ":<nonce>:<status>:<cwd>". The nonce is unique per execution so a
	// stale frame left queued by an interrupted command cannot complete a
	// later one.
	sentinel = "__TERMGATE_DONE__"

	ctrlC = byte(0x03)

	initTimeout   = 5 * time.Second
	resyncTimeout = 2 * time.Second
)

// Session is a persistent PTY-backed shell. Exactly one command executes at
// a time; a second request while Executing fails with ErrBusy.
type Session struct {
	cfg Config

	mu         sync.Mutex
	state      State
	gen        int // incremented on every spawn; stale executions no-op
	cmd        *exec.Cmd
	ptmx       *os.File
	readCh     chan []byte
	readErr    chan error
	cwd        string
	env        []string
	lastActive time.Time
}

// NewSession spawns the shell and waits for it to come up.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Path == "" {
		cfg.Path = "/bin/bash"
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 24
	}
	if cfg.Cols <= 0 {
		cfg.Cols = 80
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 60 * time.Second
	}

	s := &Session{cfg: cfg}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.spawnLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WorkingDirectory returns the shell's current directory, tracked through
// the sentinel on every completed command.
func (s *Session) WorkingDirectory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// LastActive returns the time of the most recent output or completion.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Env returns the environment snapshot the shell was spawned with.
func (s *Session) Env() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.env...)
}

// Execute runs one command in the persistent shell, streaming output to sink
// as it arrives. Cancelling ctx interrupts the foreground command (the
// ^C-equivalent) and yields StatusInterrupted with partial output. The
// returned error is non-nil only for rejected or fatal conditions; timeouts
// land in the Result.
func (s *Session) Execute(ctx context.Context, command string, sink OutputFunc) (Result, error) {
	if reason, bad := DetectInteractive(command); bad {
		return Result{}, &InteractiveError{Command: command, Reason: reason}
	}

	s.mu.Lock()
	switch s.state {
	case StateTerminated:
		s.mu.Unlock()
		return Result{}, ErrTerminated
	case StateExecuting:
		s.mu.Unlock()
		return Result{}, ErrBusy
	}
	s.state = StateExecuting
	gen := s.gen
	ptmx, readCh, readErr := s.ptmx, s.readCh, s.readErr
	s.mu.Unlock()

	drain(readCh)

	nonce := ulid.Make().String()
	framed := command + "\n" + sentinelCommand(nonce) + "\n"
	if _, err := ptmx.Write([]byte(framed)); err != nil {
		s.terminate(gen)
		return Result{}, &FatalError{Err: err}
	}

	return s.waitForResult(ctx, gen, nonce, readCh, readErr, sink)
}

// sentinelCommand makes the shell report exit status and cwd on a frame
// bound to this execution's nonce.
func sentinelCommand(nonce string) string {
	return fmt.Sprintf(`printf '%s:%s:%%d:%%s\n' "$?" "$PWD"`, sentinel, nonce)
}

func (s *Session) waitForResult(ctx context.Context, gen int, nonce string, readCh chan []byte, readErr chan error, sink OutputFunc) (Result, error) {
	idle := time.NewTimer(s.cfg.IdleTimeout)
	max := time.NewTimer(s.cfg.MaxTimeout)
	defer idle.Stop()
	defer max.Stop()

	var (
		pending []byte
		out     strings.Builder
	)
	emit := func(text string) {
		if text == "" {
			return
		}
		out.WriteString(text)
		if sink != nil {
			sink(text)
		}
	}

	for {
		select {
		case chunk, ok := <-readCh:
			if !ok {
				err := <-readErr
				s.terminate(gen)
				return Result{Output: out.String()}, &FatalError{Err: err}
			}
			resetTimer(idle, s.cfg.IdleTimeout)
			s.touch()
			pending = append(pending, chunk...)
			if code, cwd, done := scanSentinel(&pending, nonce, emit); done {
				s.finish(gen, cwd)
				exit := code
				return Result{Output: out.String(), ExitCode: &exit, Status: StatusCompleted}, nil
			}

		case <-idle.C:
			return s.interruptAndFinish(gen, nonce, readCh, out.String(), Result{
				Status:        StatusTimedOut,
				TimeoutReason: TimeoutIdle,
			})

		case <-max.C:
			return s.interruptAndFinish(gen, nonce, readCh, out.String(), Result{
				Status:        StatusTimedOut,
				TimeoutReason: TimeoutMax,
			})

		case <-ctx.Done():
			return s.interruptAndFinish(gen, nonce, readCh, out.String(), Result{
				Status: StatusInterrupted,
			})

		case err := <-readErr:
			s.terminate(gen)
			return Result{Output: out.String()}, &FatalError{Err: err}
		}
	}
}

// interruptAndFinish sends ^C to the foreground command and resynchronizes
// on the pending sentinel so leftover output does not bleed into the next
// execution. The shell process itself is left running.
func (s *Session) interruptAndFinish(gen int, nonce string, readCh chan []byte, output string, result Result) (Result, error) {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx != nil {
		_, _ = ptmx.Write([]byte{ctrlC})
	}

	// After ^C the shell reads the queued sentinel line and prints it;
	// consume it (briefly) so the session starts the next command clean.
	deadline := time.NewTimer(resyncTimeout)
	defer deadline.Stop()
	var pending []byte
	discard := func(string) {}
	for {
		select {
		case chunk, ok := <-readCh:
			if !ok {
				s.terminate(gen)
				result.Output = output
				return result, nil
			}
			pending = append(pending, chunk...)
			if _, cwd, done := scanSentinel(&pending, nonce, discard); done {
				s.finish(gen, cwd)
				result.Output = output
				return result, nil
			}
		case <-deadline.C:
			s.finish(gen, "")
			result.Output = output
			return result, nil
		}
	}
}

// Reset terminates the current shell (if any) and spawns a fresh one with a
// clean environment and working directory.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return s.spawnLocked()
}

// Close terminates the shell without respawning.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	s.state = StateTerminated
}

func (s *Session) spawnLocked() error {
	cmd := exec.Command(s.cfg.Path)
	env := s.cfg.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(append([]string(nil), env...), "TERM=dumb")
	if s.cfg.Dir != "" {
		cmd.Dir = s.cfg.Dir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(s.cfg.Rows),
		Cols: uint16(s.cfg.Cols),
	})
	if err != nil {
		s.state = StateTerminated
		return &FatalError{Err: fmt.Errorf("spawning %s: %w", s.cfg.Path, err)}
	}

	s.cmd = cmd
	s.ptmx = ptmx
	s.env = cmd.Env
	s.gen++
	s.readCh, s.readErr = startReader(ptmx, cmd)
	s.state = StateIdle
	s.lastActive = time.Now()

	if err := s.initLocked(); err != nil {
		s.closeLocked()
		s.state = StateTerminated
		return err
	}
	return nil
}

// initLocked quiets the shell (no prompt, no echo) and learns the initial
// working directory through a first sentinel round trip.
func (s *Session) initLocked() error {
	nonce := ulid.Make().String()
	setup := `PS1= PS2= PROMPT_COMMAND=; stty -echo 2>/dev/null; ` + sentinelCommand(nonce) + "\n"
	if _, err := s.ptmx.Write([]byte(setup)); err != nil {
		return &FatalError{Err: fmt.Errorf("initializing shell: %w", err)}
	}

	deadline := time.NewTimer(initTimeout)
	defer deadline.Stop()
	var pending []byte
	discard := func(string) {}
	for {
		select {
		case chunk, ok := <-s.readCh:
			if !ok {
				return &FatalError{Err: fmt.Errorf("shell exited during init: %w", <-s.readErr)}
			}
			pending = append(pending, chunk...)
			if _, cwd, done := scanSentinel(&pending, nonce, discard); done {
				if cwd != "" {
					s.cwd = cwd
				}
				return nil
			}
		case <-deadline.C:
			return &FatalError{Err: fmt.Errorf("shell did not initialize within %s", initTimeout)}
		}
	}
}

func (s *Session) closeLocked() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
	s.cmd = nil
	s.ptmx = nil
}

// finish returns the session to Idle after a command, unless the shell has
// been replaced underneath this execution.
func (s *Session) finish(gen int, cwd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if cwd != "" {
		s.cwd = cwd
	}
	s.lastActive = time.Now()
	if s.state == StateExecuting {
		s.state = StateIdle
	}
}

func (s *Session) terminate(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.closeLocked()
	s.state = StateTerminated
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// startReader pumps PTY output into a channel for the duration of one shell
// process. On read failure the channel closes, the error is delivered, and
// the dead child is reaped.
func startReader(ptmx *os.File, cmd *exec.Cmd) (chan []byte, chan error) {
	readCh := make(chan []byte, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(readCh)
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				readCh <- chunk
			}
			if err != nil {
				errCh <- err
				_ = cmd.Wait()
				return
			}
		}
	}()
	return readCh, errCh
}

// scanSentinel consumes complete lines from pending, emitting output and
// watching for this execution's sentinel. The sentinel may appear anywhere
// in a line: a command whose output lacks a trailing newline glues the frame
// onto its last chunk, so the prefix before the frame is emitted as output.
// Lines mentioning the sentinel without parsing against the nonce are the
// shell's echo of the typed frame or a stale frame from an interrupted
// execution; both are dropped. The unterminated tail is withheld from
// emission only from the point where it could still grow into a sentinel.
func scanSentinel(pending *[]byte, nonce string, emit func(string)) (exitCode int, cwd string, done bool) {
	for {
		idx := bytes.IndexByte(*pending, '\n')
		if idx < 0 {
			break
		}
		line := (*pending)[:idx+1]
		*pending = (*pending)[idx+1:]

		trimmed := strings.TrimRight(string(line), "\r\n")
		if at := strings.Index(trimmed, sentinel); at >= 0 {
			if code, wd, ok := parseSentinel(trimmed[at:], nonce); ok {
				emit(normalize([]byte(trimmed[:at])))
				return code, wd, true
			}
			continue
		}
		emit(normalize(line))
	}

	if tail := *pending; len(tail) > 0 {
		hold := sentinelHold(tail)
		if safe := len(tail) - hold; safe > 0 {
			emit(normalize(tail[:safe]))
			held := make([]byte, hold)
			copy(held, tail[safe:])
			*pending = held
		}
	}
	return 0, "", false
}

func parseSentinel(line, nonce string) (int, string, bool) {
	rest, ok := strings.CutPrefix(line, sentinel+":"+nonce+":")
	if !ok {
		return 0, "", false
	}
	codeStr, cwd, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, "", false
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return 0, "", false
	}
	return code, cwd, true
}

var sentinelBytes = []byte(sentinel)

// sentinelHold returns how many trailing bytes of an unterminated tail might
// still belong to a sentinel frame: everything from a full sentinel
// occurrence onward, or the longest tail suffix that is a sentinel prefix.
func sentinelHold(tail []byte) int {
	if idx := bytes.Index(tail, sentinelBytes); idx >= 0 {
		return len(tail) - idx
	}
	longest := len(sentinelBytes) - 1
	if longest > len(tail) {
		longest = len(tail)
	}
	for n := longest; n > 0; n-- {
		if bytes.HasPrefix(sentinelBytes, tail[len(tail)-n:]) {
			return n
		}
	}
	return 0
}

// normalize strips carriage returns the PTY inserts.
func normalize(b []byte) string {
	return strings.ReplaceAll(string(b), "\r", "")
}

func drain(ch chan []byte) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
