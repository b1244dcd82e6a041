package session

import (
	"time"

	"uvccam/internal/capture"
)

// State is the run state of a managed capture.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Session is a snapshot of one managed capture.
type Session struct {
	ID        string            `json:"id"`
	Label     string            `json:"label"`
	State     State             `json:"state"`
	Options   map[string]string `json:"options"`
	Directory string            `json:"directory"`
	Filename  string            `json:"filename"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Event is a capture event tagged with the session it came from.
type Event struct {
	SessionID  string    `json:"sessionId"`
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Error      string    `json:"error,omitempty"`
	Code       string    `json:"code,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Filename   string    `json:"filename,omitempty"`
	Diagnostic string    `json:"diagnostic,omitempty"`
}

// Lifecycle reports whether the event changes the session's run state.
func (e Event) Lifecycle() bool {
	switch capture.Kind(e.Kind) {
	case capture.KindStart, capture.KindStop, capture.KindExit:
		return true
	}
	return false
}

func newEvent(sessionID string, ev capture.Event) Event {
	out := Event{
		SessionID:  sessionID,
		ID:         ev.ID,
		Kind:       string(ev.Kind),
		Error:      ev.ErrText(),
		Timestamp:  ev.Timestamp,
		Filename:   ev.Filename,
		Diagnostic: ev.Diagnostic,
	}
	if code, ok := capture.CodeOf(ev.Err); ok {
		out.Code = string(code)
	}
	return out
}
