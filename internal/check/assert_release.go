//go:build !debug

// Package check holds invariant assertions that only fire in debug builds
// (go build -tags debug).
package check

// Assert does nothing outside debug builds.
func Assert(bool, string) {}

// Assertf does nothing outside debug builds.
func Assertf(bool, string, ...any) {}
