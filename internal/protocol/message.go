package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeCaptureUpdate  = "capture.update"
	TypeCaptureEvent   = "capture.event"
	TypeCaptureRemoved = "capture.removed"
	TypeArtifactsList  = "artifacts.list"
	TypeError          = "error"
)

// Client → Server message types.
const (
	TypeCaptureCreate    = "capture.create"
	TypeCaptureStart     = "capture.start"
	TypeCaptureStop      = "capture.stop"
	TypeCaptureSet       = "capture.set"
	TypeArtifactsRequest = "artifacts.request"
)

// Error codes.
const (
	ErrCaptureNotFound = "CAPTURE_NOT_FOUND"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrMaxSessions     = "MAX_SESSIONS"
	ErrCreateFailed    = "CREATE_FAILED"
	ErrStartFailed     = "START_FAILED"
	ErrStopFailed      = "STOP_FAILED"
	ErrInvalidOption   = "INVALID_OPTION"
)

// Server → Client payloads.

type CaptureUpdatePayload struct {
	ID        string            `json:"id"`
	Label     string            `json:"label"`
	State     string            `json:"state"`
	Options   map[string]string `json:"options"`
	Directory string            `json:"directory"`
	Filename  string            `json:"filename"`
	CreatedAt string            `json:"createdAt"`
}

type CaptureEventPayload struct {
	CaptureID  string    `json:"captureId"`
	EventID    string    `json:"eventId"`
	Kind       string    `json:"kind"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Filename   string    `json:"filename,omitempty"`
	Diagnostic string    `json:"diagnostic,omitempty"`
}

type CaptureRemovedPayload struct {
	CaptureID string `json:"captureId"`
}

type ArtifactsListPayload struct {
	CaptureID string     `json:"captureId"`
	Directory string     `json:"directory"`
	Artifacts []Artifact `json:"artifacts"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type CaptureCreatePayload struct {
	Label   string            `json:"label"`
	Options map[string]string `json:"options"`
}

type CaptureSetPayload struct {
	CaptureID string `json:"captureId"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

type CaptureIDPayload struct {
	CaptureID string `json:"captureId"`
}

// Artifact is a file produced in a capture's output directory.
type Artifact struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}
