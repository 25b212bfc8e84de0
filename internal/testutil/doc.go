// Package testutil provides testing utilities and helpers for the
// dynamicauth library: controllable clocks, unsigned JWT fixtures, and
// random token material.
package testutil
