package normalize

import "strings"

// Username returns a normalized form of a username suitable for
// storage and comparisons. Normalization currently trims surrounding
// whitespace and lower-cases the handle.
func Username(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}

// Query normalizes a user-supplied search query before it reaches the
// store: surrounding whitespace is dropped, case is preserved for
// display-name matching (the store matches case-insensitively).
func Query(q string) string {
	return strings.TrimSpace(q)
}
