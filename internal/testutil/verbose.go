// Package testutil holds small helpers shared by this module's test
// files.
package testutil

import (
	"log"
	"os"
)

func init() {
	// For tests, the date is irrelevant but microseconds distinguish
	// interleaved goroutines.
	log.SetFlags(log.Lmicroseconds)
}

// Verbose reports whether tests were run with DEBUG=1, for tests that
// want to dump extra state only when someone is actually looking.
func Verbose() bool {
	return os.Getenv("DEBUG") == "1"
}
