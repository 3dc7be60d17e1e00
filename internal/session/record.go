package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRecord marks a persisted record that failed validation on load.
// Invalid records are rejected, never coerced to defaults.
var ErrInvalidRecord = errors.New("invalid session record")

// Encode serializes a session to its durable byte form.
func Encode(s *Session) ([]byte, error) {
	if err := validate(s); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return data, nil
}

// Decode parses and validates a durable record. Any missing required field
// or inconsistent state yields ErrInvalidRecord.
func Decode(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func validate(s *Session) error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	case s.Query == "":
		return fmt.Errorf("%w: missing query", ErrInvalidRecord)
	case !s.State.Valid():
		return fmt.Errorf("%w: unknown state %q", ErrInvalidRecord, s.State)
	case s.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing created_at", ErrInvalidRecord)
	case s.UpdatedAt.IsZero():
		return fmt.Errorf("%w: missing updated_at", ErrInvalidRecord)
	}

	// Result and error are mutually exclusive and both absent while
	// non-terminal.
	if s.Result != nil && s.Error != nil {
		return fmt.Errorf("%w: result and error both present", ErrInvalidRecord)
	}
	switch s.State {
	case StateCompleted:
		if s.Result == nil {
			return fmt.Errorf("%w: COMPLETED without result", ErrInvalidRecord)
		}
	case StateFailed:
		if s.Error == nil {
			return fmt.Errorf("%w: FAILED without error", ErrInvalidRecord)
		}
	default:
		if s.Result != nil {
			return fmt.Errorf("%w: result present in state %s", ErrInvalidRecord, s.State)
		}
		if s.Error != nil {
			return fmt.Errorf("%w: error present in state %s", ErrInvalidRecord, s.State)
		}
	}
	return nil
}
