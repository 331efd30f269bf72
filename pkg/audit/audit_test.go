package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readEntries(t *testing.T, dir, prefix string) []map[string]any {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one %s log, got %v (err %v)", prefix, matches, err)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}
	defer f.Close()

	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("malformed JSONL line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	exit := 0
	l.LogCommand(CommandEntry{
		Command:     "ls -la",
		Fingerprint: "ls",
		Bucket:      "always_allow",
		Outcome:     "completed",
		ExitCode:    &exit,
	})
	l.LogCommand(CommandEntry{
		Command:     "rm -rf /",
		Fingerprint: "rm",
		Bucket:      "always_block",
		Outcome:     "denied",
	})
	l.LogOverride(OverrideEntry{Fingerprint: "rm", Accepted: false, ReasonLength: 12})
	l.LogError(ErrorEntry{Command: "make", Error: "shell process died"})

	commands := readEntries(t, dir, "commands")
	if len(commands) != 2 {
		t.Fatalf("command entries = %d", len(commands))
	}
	if commands[0]["command"] != "ls -la" || commands[0]["outcome"] != "completed" {
		t.Errorf("first entry = %v", commands[0])
	}
	if commands[0]["timestamp"] == nil {
		t.Error("timestamp not stamped")
	}

	overrides := readEntries(t, dir, "overrides")
	if len(overrides) != 1 || overrides[0]["accepted"] != false {
		t.Errorf("override entries = %v", overrides)
	}

	errs := readEntries(t, dir, "errors")
	if len(errs) != 1 || errs[0]["error"] != "shell process died" {
		t.Errorf("error entries = %v", errs)
	}
}

func TestLoggerCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	l, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("directory not created: %v", err)
	}
}

func TestLoggerSafeAfterClose(t *testing.T) {
	l, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Writes after close are dropped, not panics.
	l.LogCommand(CommandEntry{Command: "echo"})
	l.LogError(ErrorEntry{Error: "late"})
}
