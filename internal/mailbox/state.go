package mailbox

// State is the session lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Ready
	Fatal
)

var stateNames = [...]string{"disconnected", "connecting", "authenticating", "ready", "fatal"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// StateNames lists every state, for metrics that need to clear stale labels.
func StateNames() []string { return stateNames[:] }

// StateEvent is published on every transition.
type StateEvent struct {
	Account string `json:"account"`
	From    string `json:"from"`
	To      string `json:"to"`
	Attempt int    `json:"attempt,omitempty"`
	Err     string `json:"err,omitempty"`
}
