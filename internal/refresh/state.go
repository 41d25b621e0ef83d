package refresh

import "errors"

// State is the coordinator's position in a refresh. A failed run rests in StateFailed
// until the next trigger, which starts from it the same way it starts from StateIdle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateMerging
	StatePublishing
	StateFailed
)

// ready reports whether a new refresh may start from s.
func (s State) ready() bool {
	return s == StateIdle || s == StateFailed
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateMerging:
		return "merging"
	case StatePublishing:
		return "publishing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Trigger names what started a refresh.
type Trigger string

const (
	TriggerStartup   Trigger = "startup"
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

var (
	// ErrRefreshInProgress is returned when a trigger arrives while a refresh is running.
	// Triggers are rejected, never queued.
	ErrRefreshInProgress = errors.New("refresh already in progress")

	// ErrNoValidRecords is returned when the feed had records but none survived normalization.
	ErrNoValidRecords = errors.New("no valid records in feed")

	// ErrStopped is returned by Trigger once Stop has been called.
	ErrStopped = errors.New("refresh coordinator stopped")

	// ErrShutdownGraceExceeded is returned by Stop when an in-flight refresh was abandoned.
	ErrShutdownGraceExceeded = errors.New("in-flight refresh abandoned after shutdown grace")
)
