package config

import "time"

// Default timing configurations used throughout keeper
const (
	// DefaultSessionTimeout is the session timeout requested from the service
	DefaultSessionTimeout = 60 * time.Second

	// DefaultConnectionTimeout bounds establishing a new session
	DefaultConnectionTimeout = 15 * time.Second

	// DefaultConnectionWait is how long a queued operation waits for a
	// usable connection while SUSPENDED
	DefaultConnectionWait = 15 * time.Second

	// DefaultSessionWait is how long a queued operation waits for a
	// replacement session once the old one is LOST
	DefaultSessionWait = 30 * time.Second

	// DefaultAttemptTimeout bounds a single boundary call
	DefaultAttemptTimeout = 10 * time.Second

	// DefaultOperationTimeout bounds an operation across all its retries
	DefaultOperationTimeout = 2 * time.Minute

	// DefaultReconnectInterval is the first delay between session creation
	// attempts after a LOST session
	DefaultReconnectInterval = 500 * time.Millisecond

	// DefaultReconnectMaxInterval caps the delay between session creation
	// attempts
	DefaultReconnectMaxInterval = 10 * time.Second

	// DefaultGuaranteedDeleteInterval is how often guaranteed deletes that
	// could not complete are retried
	DefaultGuaranteedDeleteInterval = 5 * time.Second
)

// Default sizes
const (
	// DefaultMaxPayloadSize is the largest node payload accepted locally,
	// matching the service's default jute.maxbuffer
	DefaultMaxPayloadSize = 1<<20 - 1

	// DefaultQueueSize is the per-lane submission buffer
	DefaultQueueSize = 1024

	// DefaultWorkers is the number of dispatch lanes
	DefaultWorkers = 4
)
