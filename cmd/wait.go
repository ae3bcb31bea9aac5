package cmd

import "github.com/kwang1012/sregym/pkg/crashsafety"

// waitForInterruptOrDone blocks until either the Crash-Safety Layer's guard
// has run its hooks (a SIGINT/SIGTERM arrived) or done is closed (the
// command's own context was cancelled some other way, e.g. by a test).
// Returns true if the signal path fired.
func waitForInterruptOrDone(guard *crashsafety.Guard, done <-chan struct{}) bool {
	select {
	case <-guard.Done():
		return true
	case <-done:
		return false
	}
}
