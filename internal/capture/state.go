package capture

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-capture/internal/protocol"
)

var (
	ErrSessionActive   = errors.New("capture session already active")
	ErrNoActiveSession = errors.New("no active capture session")
)

// State models the capture lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateFinalizing State = "finalizing"
	StateConfirming State = "confirming"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Terminal reports whether a session in this state is on its way out.
func (s State) Terminal() bool {
	return s == StateConfirming || s == StateCancelled || s == StateFailed
}

// Status is what a presentation layer needs to render the overlay.
type Status struct {
	SessionID  string    `json:"session_id,omitempty"`
	State      State     `json:"state"`
	Listening  bool      `json:"listening"`
	Processing bool      `json:"processing"`
	Pulsing    bool      `json:"pulsing"`
	Overlay    bool      `json:"overlay"`
	Transcript string    `json:"transcript,omitempty"`
	Error      string    `json:"error,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	At         time.Time `json:"at"`
}

// Message converts the status to its bus representation.
func (s Status) Message() protocol.CaptureStatus {
	return protocol.CaptureStatus{
		SessionID:  s.SessionID,
		State:      string(s.State),
		Listening:  s.Listening,
		Processing: s.Processing,
		Pulsing:    s.Pulsing,
		Overlay:    s.Overlay,
		Transcript: s.Transcript,
		Error:      s.Error,
		Outcome:    s.Outcome,
		Timestamp:  s.At,
	}
}

// outcome says how a session ended: delivered, empty, cancelled or failed.
type outcome string

const (
	outcomeDelivered outcome = "delivered"
	outcomeEmpty     outcome = "empty"
	outcomeCancelled outcome = "cancelled"
	outcomeFailed    outcome = "failed"
)
