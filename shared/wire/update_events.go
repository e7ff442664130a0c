package wire

// EventStreamUpdate is the Socket.IO event name carrying update-status events.
const EventStreamUpdate = "update-status"

// UpdateState is the auto-update state machine position.
type UpdateState string

const (
	// UpdateIdle means no check is in progress and nothing is pending.
	UpdateIdle UpdateState = "idle"
	// UpdateChecking means a feed poll is in flight.
	UpdateChecking UpdateState = "checking"
	// UpdateAvailable means a newer version was found but not downloaded.
	UpdateAvailable UpdateState = "available"
	// UpdateDownloading means the new version is being fetched.
	UpdateDownloading UpdateState = "downloading"
	// UpdateReady means the new version is staged for install on restart.
	UpdateReady UpdateState = "ready"
	// UpdateError means the last check or download failed.
	UpdateError UpdateState = "error"
)

// UpdateStatusEvent is pushed whenever the update state machine transitions.
type UpdateStatusEvent struct {
	// State is the current update state.
	State UpdateState `json:"state"`
	// Version is the remote version involved, when known.
	Version string `json:"version,omitempty"`
	// Error is the failure message when State is "error".
	Error string `json:"error,omitempty"`
}
