package testutil

import (
	"testing"
	"time"
)

// Collect drains ch until it is closed or timeout elapses. On timeout the
// test fails and the values read so far are returned.
func Collect[T any](t testing.TB, ch <-chan T, timeout time.Duration) []T {
	t.Helper()

	var out []T

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-deadline.C:
			t.Errorf("testutil.Collect: channel not closed within %s (read %d values)", timeout, len(out))
			return out
		}
	}
}

// Drain reads and discards everything from ch until it is closed.
func Drain[T any](ch <-chan T) {
	for range ch { //nolint:revive
	}
}
