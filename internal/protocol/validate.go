package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeCaptureCreate:    true,
	TypeCaptureStart:     true,
	TypeCaptureStop:      true,
	TypeCaptureSet:       true,
	TypeArtifactsRequest: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeCaptureCreate:
		var p CaptureCreatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if len(p.Options) == 0 {
			return nil, fmt.Errorf("missing required field 'options' in %s payload", msg.Type)
		}

	case TypeCaptureSet:
		var p CaptureSetPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.CaptureID == "" {
			return nil, fmt.Errorf("missing required field 'captureId' in %s payload", msg.Type)
		}
		if p.Key == "" {
			return nil, fmt.Errorf("missing required field 'key' in %s payload", msg.Type)
		}

	case TypeCaptureStart, TypeCaptureStop, TypeArtifactsRequest:
		var p CaptureIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.CaptureID == "" {
			return nil, fmt.Errorf("missing required field 'captureId' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
