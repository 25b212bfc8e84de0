// Package util provides common utility functions used across the dynamicauth library.
//
// This package contains helper functions for string manipulation, scope
// normalization, and other shared operations that don't fit into
// domain-specific packages. These utilities are used internally by multiple
// packages to avoid code duplication and maintain consistent behavior across
// the codebase.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - SortedScopes / ScopesEqual: Order-insensitive scope handling
package util
