package policy

import (
	"path/filepath"
	"strings"
)

// Fingerprint returns the normalized identity of a command: the base name of
// its first token, with quoting respected. Two requests with the same
// fingerprint are treated as the same command for override and rate-limit
// purposes. Returns "" for empty or unparseable input.
func Fingerprint(command string) string {
	tokens := splitCommand(command)
	if len(tokens) == 0 {
		return ""
	}
	// Skip leading VAR=value assignments so "FOO=1 make" fingerprints as make.
	for _, tok := range tokens {
		if isAssignment(tok) {
			continue
		}
		return filepath.Base(tok)
	}
	return ""
}

func isAssignment(tok string) bool {
	idx := strings.IndexByte(tok, '=')
	if idx <= 0 {
		return false
	}
	for _, r := range tok[:idx] {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// splitCommand tokenizes a command line respecting single and double quotes
// and backslash escapes. Unterminated quotes yield no tokens, matching the
// treat-unparseable-as-empty behavior the fingerprint contract requires.
func splitCommand(command string) []string {
	var (
		tokens  []string
		current strings.Builder
		inTok   bool
		quote   rune
		escaped bool
	)

	for _, r := range command {
		switch {
		case escaped:
			current.WriteRune(r)
			inTok = true
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inTok = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inTok = true
		case r == ' ' || r == '\t' || r == '\n':
			if inTok {
				tokens = append(tokens, current.String())
				current.Reset()
				inTok = false
			}
		default:
			current.WriteRune(r)
			inTok = true
		}
	}

	if quote != 0 || escaped {
		return nil
	}
	if inTok {
		tokens = append(tokens, current.String())
	}
	return tokens
}
