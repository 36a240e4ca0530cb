package mirror

import "errors"

var (
	// ErrBackendUnavailable is returned when the backend root cannot be obtained.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrWalkAborted is returned when an entry disappears or becomes
	// unreadable during a walk. The previous snapshot stays published.
	ErrWalkAborted = errors.New("walk aborted")
)
