package supervisor

import "errors"

var (
	// ErrSpawn means the session could not be created or the launch command
	// could not be written to it. The running flag stays false.
	ErrSpawn = errors.New("spawning backend session")

	// ErrStartTimeout means the backend never announced readiness in time.
	// It is distinct from ErrSessionExited: the backend may simply be slow.
	ErrStartTimeout = errors.New("backend start timed out")

	// ErrSessionExited means the session ended before becoming ready.
	ErrSessionExited = errors.New("backend exited before ready")

	// ErrUpdate means the source refresh failed; no restart was attempted.
	ErrUpdate = errors.New("updating backend")

	// ErrBusy means another restart or update is in flight.
	ErrBusy = errors.New("another restart or update is in progress")
)
