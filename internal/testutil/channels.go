package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Timeouts for waiting on background runs and ticks.
const (
	DefaultTestTimeout = 5 * time.Second
	// LongTestTimeout covers full runs on slow CI disks.
	LongTestTimeout = 30 * time.Second
)

// WaitForChannel waits for a signal on ch or fails the test after timeout.
func WaitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}
