package shell

import (
	"strings"

	"github.com/odvcencio/termgate/pkg/policy"
)

// Programs that expect a human at the terminal. Running one would never
// produce the sentinel line and would burn the idle timer for nothing, so
// they are rejected up front with a pointer at a workable alternative.
var interactivePrograms = map[string]string{
	"vim":    "use cat/sed for viewing and editing",
	"vi":     "use cat/sed for viewing and editing",
	"nano":   "use cat/sed for viewing and editing",
	"emacs":  "use cat/sed for viewing and editing",
	"less":   "use cat, head, or tail instead",
	"more":   "use cat, head, or tail instead",
	"man":    "use man with | col -b > file, or --help output",
	"top":    "use a single-shot ps instead",
	"htop":   "use a single-shot ps instead",
	"watch":  "run the command once instead of watching it",
	"tmux":   "nested terminal multiplexers are not supported",
	"screen": "nested terminal multiplexers are not supported",
	"ssh":    "interactive remote sessions are not supported",
	"ftp":    "interactive transfers are not supported; use curl",
	"telnet": "interactive remote sessions are not supported",
}

// DetectInteractive reports whether a command would hang the persistent
// session, with an explanation suitable for returning to the caller.
func DetectInteractive(command string) (string, bool) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "empty command", true
	}
	if strings.ContainsAny(command, "\n\r") {
		return "multi-line commands are not supported; run them one at a time", true
	}
	if strings.HasSuffix(trimmed, "&") && !strings.HasSuffix(trimmed, "&&") {
		return "backgrounding is not supported; the session runs one foreground command at a time", true
	}

	for _, segment := range splitPipeline(trimmed) {
		base := policy.Fingerprint(segment)
		if hint, ok := interactivePrograms[base]; ok {
			return "interactive program " + base + " would hang the session; " + hint, true
		}
	}
	return "", false
}

// splitPipeline breaks a command at pipe and list operators so "git log |
// less" is caught by the pager check. Quoting is ignored here on purpose: a
// false positive on an exotic quoted command is recoverable (rephrase it), a
// hung session is not.
func splitPipeline(command string) []string {
	isSep := func(s string) bool {
		return strings.HasPrefix(s, "|") || strings.HasPrefix(s, "&&") || strings.HasPrefix(s, ";")
	}
	var segments []string
	start := 0
	for i := 0; i < len(command); i++ {
		if isSep(command[i:]) {
			segments = append(segments, command[start:i])
			if strings.HasPrefix(command[i:], "&&") || strings.HasPrefix(command[i:], "||") {
				i++
			}
			start = i + 1
		}
	}
	segments = append(segments, command[start:])
	return segments
}
