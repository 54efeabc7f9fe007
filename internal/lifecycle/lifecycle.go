package lifecycle

import "sync/atomic"

var shuttingDown atomic.Bool

// SetShuttingDown flips the process drain flag. main sets it true on
// SIGTERM/SIGINT; the health endpoint answers 503 shutting-down while set so
// load balancers stop routing here.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}
