// Package util provides common utility functions used across the dynamicauth library.
// These utilities handle string manipulation, scope normalization, and other shared
// operations that don't fit into domain-specific packages.
package util

import (
	"sort"
	"strings"
)

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen characters. This prevents index out of bounds errors when
// logging sensitive data like tokens, where only a prefix should be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
//	SafeTruncate("test", -1)                   // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing slashes.
// This is used for authorization server and RFC 8707 resource identifier
// comparison, where URLs with and without trailing slashes should be
// considered equivalent.
//
// Example:
//
//	NormalizeURL("https://example.com/")   // Returns: "https://example.com"
//	NormalizeURL("https://example.com")    // Returns: "https://example.com"
//	NormalizeURL("https://example.com///") // Returns: "https://example.com"
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// SortedScopes returns a sorted copy of the given scope list.
// Scope order carries no meaning in OAuth, so all scope comparisons in this
// library operate on sorted copies. The input slice is never modified.
func SortedScopes(scopes []string) []string {
	if scopes == nil {
		return nil
	}
	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Strings(sorted)
	return sorted
}

// ScopesEqual reports whether two scope lists contain exactly the same
// scopes, ignoring order. This is set equality, not subset matching.
func ScopesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := SortedScopes(a)
	sb := SortedScopes(b)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}
