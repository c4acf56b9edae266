//go:build debug

// Package check holds invariant assertions that only fire in debug builds
// (go build -tags debug).
package check

import "fmt"

// Assert panics with msg when cond does not hold.
func Assert(cond bool, msg string) {
	if !cond {
		panic("reorgme: invariant violated: " + msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("reorgme: invariant violated: " + fmt.Sprintf(format, args...))
	}
}
