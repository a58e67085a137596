package connection

import "time"

// State is the connectivity state of the Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingScan
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingScan:
		return "awaiting_scan"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the Manager published to observers.
type Status struct {
	State    State     `json:"-"`
	Name     string    `json:"state"`
	QR       string    `json:"qr,omitempty"`
	Me       string    `json:"me,omitempty"`
	Attempts int       `json:"reconnectAttempts"`
	Fatal    bool      `json:"fatal"`
	Since    time.Time `json:"since"`
}
