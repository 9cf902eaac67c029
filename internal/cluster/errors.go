package cluster

import "errors"

// Error taxonomy shared by every service. Services wrap these with context,
// callers test with errors.Is.
var (
	// ErrNotFound means the entity, checkpoint or job is unknown.
	ErrNotFound = errors.New("not found")

	// ErrResourceExhausted means no spare node is available.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrCorruptCheckpoint means stored recovery data is missing or inconsistent.
	ErrCorruptCheckpoint = errors.New("corrupt or missing checkpoint")

	// ErrStaleLocation means a location update carried an old incarnation.
	ErrStaleLocation = errors.New("stale location update")

	// ErrStaleIncarnation means a store call carried an old incarnation.
	ErrStaleIncarnation = errors.New("stale incarnation")

	// ErrEntityRecovering means the entity is being recovered and must not be addressed.
	ErrEntityRecovering = errors.New("entity is recovering")

	// ErrRecoveryFailed means a recovery job ended in FAILED.
	ErrRecoveryFailed = errors.New("recovery failed")

	// ErrNotRegistered means the entity is not under supervision.
	ErrNotRegistered = errors.New("entity not registered")

	// ErrStorage wraps I/O failures of the stable storage.
	ErrStorage = errors.New("storage failure")
)
