// Package testutils contains helpers shared by the package tests.
package testutils

import (
	"go.uber.org/goleak"
)

// VerifyTestMain runs the tests and fails if any goroutine is left behind.
func VerifyTestMain(m goleak.TestingM) {
	goleak.VerifyTestMain(m,
		// lumberjack never stops its mill goroutine
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
	)
}
