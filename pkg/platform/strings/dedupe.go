// Package strings holds small helpers for comma-separated settings and flags.
package strings

import (
	"strings"
)

// DedupeAndTrim trims every value and drops blanks and repeats, keeping the
// first occurrence. Broker lists and role flags both go through it.
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
