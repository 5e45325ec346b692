// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the two time operations the agent actually needs:
// reading the current time and waiting out a duration. Production
// code injects Real(); tests inject Fake() with deterministic time
// control so backoff delays and drain timeouts don't make the test
// suite slow or flaky.
//
// Every production function that waits on a duration (reconnect
// backoff, the control-stream ping timeout, the shutdown drain) should
// accept a Clock parameter, or be a method on a struct with a Clock
// field, instead of calling the time package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. Equivalent to time.After. If d <= 0, the
	// channel receives immediately.
	After(d time.Duration) <-chan time.Time
}
