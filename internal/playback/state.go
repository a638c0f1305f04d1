package playback

// State is the lifecycle state of a [Controller].
type State int

const (
	// Uninitialized means no character data has been requested yet.
	Uninitialized State = iota
	// Loading means the character is being loaded from its store.
	Loading
	// Idle means the character is loaded and loops its idle animation.
	Idle
	// Speaking means at least one request is queued or playing.
	Speaking
	// Paused means playback is paused.
	Paused
	// Stopped is terminal; the controller has been closed.
	Stopped
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	Loading:       "loading",
	Idle:          "idle",
	Speaking:      "speaking",
	Paused:        "paused",
	Stopped:       "stopped",
}

// String returns the lower-case state name used in events and the HTTP API.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Loaded reports whether character data is available in s.
func (s State) Loaded() bool {
	return s == Idle || s == Speaking || s == Paused
}
