// Clients list cached pages by glob pattern (e.g. `KEYS https://example.com/*`); the following module implements
// Redis style glob matching over key streams.

package scan

import (
	"iter"

	"github.com/tidwall/match"
)

// MatchGlob filters the `keys` stream down to the keys matching the given glob `pattern`.
// Patterns support `*`, `?` and `\` escapes; `/` has no special meaning, so `*` spans URL path segments.
func MatchGlob(pattern string, keys iter.Seq[string]) iter.Seq[string] {
	if !match.IsPattern(pattern) { // Plain keys only match themselves.
		return func(yield func(string) bool) {
			for key := range keys {
				if key == pattern {
					yield(key)
					return
				}
			}
		}
	}
	return func(yield func(string) bool) {
		for key := range keys {
			if match.Match(key, pattern) {
				if !yield(key) {
					return
				}
			}
		}
	}
}
