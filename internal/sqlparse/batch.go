package sqlparse

import (
	"regexp"
	"strings"
)

// goSeparator matches a batch terminator line: the word GO on its own line,
// optionally followed by a repeat count, as emitted by SQL Server tooling.
var goSeparator = regexp.MustCompile(`(?im)^\s*GO(?:\s+\d+)?\s*$`)

// SplitBatches splits a script into batches on GO terminator lines.
// Empty batches are dropped; the surviving batches keep their original order.
func SplitBatches(script string) []string {
	parts := goSeparator.Split(script, -1)
	batches := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		batches = append(batches, trimmed)
	}
	return batches
}

// CountTerminators returns the number of GO terminator lines in a script.
// Callers reconcile classification results against this count.
func CountTerminators(script string) int {
	return len(goSeparator.FindAllString(script, -1))
}

// stripLeadingComments removes comment lines and block comments from the
// front of a batch so shape matching can anchor on the first keyword.
func stripLeadingComments(batch string) string {
	for {
		batch = strings.TrimLeftFunc(batch, func(r rune) bool {
			return r == ' ' || r == '\t' || r == '\r' || r == '\n'
		})
		switch {
		case strings.HasPrefix(batch, "--"):
			idx := strings.IndexByte(batch, '\n')
			if idx < 0 {
				return ""
			}
			batch = batch[idx+1:]
		case strings.HasPrefix(batch, "/*"):
			idx := strings.Index(batch, "*/")
			if idx < 0 {
				return ""
			}
			batch = batch[idx+2:]
		default:
			return batch
		}
	}
}
