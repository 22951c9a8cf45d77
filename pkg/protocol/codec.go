package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownKind is returned when an envelope carries a kind the decoder
// does not recognize.
var ErrUnknownKind = errors.New("protocol: unknown message kind")

// ValidationError describes a structurally invalid envelope. Its message is
// safe to report back to the sender in an error event.
type ValidationError struct {
	Kind    Kind   // Envelope kind, empty when the kind itself was the problem
	Message string // Human-readable reason
}

// Error returns the validation failure message.
func (e *ValidationError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("protocol: %s", e.Message)
	}
	return fmt.Sprintf("protocol: %s: %s", e.Kind, e.Message)
}

// Encode marshals an envelope for the wire.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// envelope is the minimal shape decoded to discover the kind.
type envelope struct {
	Kind Kind `json:"kind"`
}

// DecodeClientMessage decodes and validates a client → server envelope.
// It returns one of *DocumentUpdate, *Rename, *Select, or *Deselect.
// Malformed input yields a *ValidationError; an unrecognized kind yields an
// error wrapping ErrUnknownKind.
func DecodeClientMessage(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ValidationError{Message: "invalid JSON"}
	}

	switch env.Kind {
	case KindDocumentUpdate:
		var m DocumentUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &ValidationError{Kind: env.Kind, Message: "malformed payload"}
		}
		if m.Document == "" {
			return nil, &ValidationError{Kind: env.Kind, Message: "document is required"}
		}
		return &m, nil

	case KindRename:
		var m Rename
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &ValidationError{Kind: env.Kind, Message: "malformed payload"}
		}
		if strings.TrimSpace(m.DisplayName) == "" {
			return nil, &ValidationError{Kind: env.Kind, Message: "displayName must not be empty"}
		}
		return &m, nil

	case KindSelect:
		var m Select
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &ValidationError{Kind: env.Kind, Message: "malformed payload"}
		}
		// An empty selection is valid: it releases everything the sender
		// holds.
		if m.ElementIDs == nil {
			m.ElementIDs = []string{}
		}
		return &m, nil

	case KindDeselect:
		var m Deselect
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &ValidationError{Kind: env.Kind, Message: "malformed payload"}
		}
		if m.ElementID == "" {
			return nil, &ValidationError{Kind: env.Kind, Message: "elementId is required"}
		}
		return &m, nil

	case "":
		return nil, &ValidationError{Message: "missing kind"}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

// DecodeServerEvent decodes a server → client envelope. It returns one of
// *Init, *DocumentChanged, *UsersChanged, *LocksChanged, *LockRejected, or
// *ErrorEvent.
func DecodeServerEvent(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ValidationError{Message: "invalid JSON"}
	}

	switch env.Kind {
	case KindInit:
		var m Init
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &ValidationError{Kind: env.Kind, Message: "malformed payload"}
		}
		if m.ParticipantID == "" {
			return nil, &ValidationError{Kind: env.Kind, Message: "participantId is required"}
		}
		if m.Participants == nil {
			m.Participants = map[string]string{}
		}
		if m.Locks == nil {
			m.Locks = map[string]string{}
		}
		return &m, nil

	case KindDocumentChanged:
		var m DocumentChanged
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &ValidationError{Kind: env.Kind, Message: "malformed payload"}
		}
		return &m, nil

	case KindUsersChanged:
		var m UsersChanged
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &ValidationError{Kind: env.Kind, Message: "malformed payload"}
		}
		if m.Participants == nil {
			m.Participants = map[string]string{}
		}
		return &m, nil

	case KindLocksChanged:
		var m LocksChanged
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &ValidationError{Kind: env.Kind, Message: "malformed payload"}
		}
		if m.Locks == nil {
			m.Locks = map[string]string{}
		}
		return &m, nil

	case KindLockRejected:
		var m LockRejected
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &ValidationError{Kind: env.Kind, Message: "malformed payload"}
		}
		return &m, nil

	case KindError:
		var m ErrorEvent
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &ValidationError{Kind: env.Kind, Message: "malformed payload"}
		}
		return &m, nil

	case "":
		return nil, &ValidationError{Message: "missing kind"}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}
