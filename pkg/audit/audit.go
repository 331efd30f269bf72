// Package audit writes append-only JSONL logs of commands, override
// attempts, and errors. The core calls it as a side-effecting hook; it never
// influences authorization decisions.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CommandEntry records one command execution attempt and its outcome.
type CommandEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	Command       string    `json:"command"`
	Fingerprint   string    `json:"fingerprint"`
	Bucket        string    `json:"bucket"`
	Outcome       string    `json:"outcome"` // completed, timed_out, interrupted, denied, failed
	ExitCode      *int      `json:"exit_code,omitempty"`
	TimeoutReason string    `json:"timeout_reason,omitempty"`
	Override      bool      `json:"override,omitempty"`
}

// OverrideEntry records one override or approval event.
type OverrideEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Fingerprint  string    `json:"fingerprint"`
	Accepted     bool      `json:"accepted"`
	ReasonLength int       `json:"reason_length"`
	Duration     string    `json:"duration,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// ErrorEntry records a fatal or unexpected condition.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command,omitempty"`
	Error     string    `json:"error"`
}

// Logger writes timestamped JSONL files under one directory, a fresh set per
// process start.
type Logger struct {
	mu           sync.Mutex
	commandFile  *os.File
	overrideFile *os.File
	errorFile    *os.File
}

// NewLogger creates the log directory and opens the three log files.
func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	stamp := time.Now().Format("20060102-150405")
	open := func(kind string) (*os.File, error) {
		return os.OpenFile(
			filepath.Join(dir, fmt.Sprintf("%s-%s.log", kind, stamp)),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND,
			0o644,
		)
	}

	commandFile, err := open("commands")
	if err != nil {
		return nil, fmt.Errorf("failed to open command log: %w", err)
	}
	overrideFile, err := open("overrides")
	if err != nil {
		commandFile.Close()
		return nil, fmt.Errorf("failed to open override log: %w", err)
	}
	errorFile, err := open("errors")
	if err != nil {
		commandFile.Close()
		overrideFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	return &Logger{
		commandFile:  commandFile,
		overrideFile: overrideFile,
		errorFile:    errorFile,
	}, nil
}

// LogCommand appends a command entry.
func (l *Logger) LogCommand(entry CommandEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	l.write(l.commandFile, entry)
}

// LogOverride appends an override entry.
func (l *Logger) LogOverride(entry OverrideEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	l.write(l.overrideFile, entry)
}

// LogError appends an error entry.
func (l *Logger) LogError(entry ErrorEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	l.write(l.errorFile, entry)
}

func (l *Logger) write(f *os.File, entry any) {
	if l == nil || f == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = f.Write(append(data, '\n'))
}

// Close flushes and closes the log files.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, f := range []*os.File{l.commandFile, l.overrideFile, l.errorFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.commandFile, l.overrideFile, l.errorFile = nil, nil, nil
	return firstErr
}
