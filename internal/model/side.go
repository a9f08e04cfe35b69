package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrSideRequired is returned when no side was chosen.
	ErrSideRequired = errors.New("model: side selection is required")

	// ErrSideMismatch is returned when the side kind does not match the
	// forecast's outcome type.
	ErrSideMismatch = errors.New("model: side does not match outcome type")

	// ErrUnknownOption is returned when an option id is not part of the forecast.
	ErrUnknownOption = errors.New("model: unknown option")
)

type sideKind uint8

const (
	sideNone sideKind = iota
	sideBinary
	sideOption
)

// Side is the choice a commitment backs: either a yes/no answer on a
// BINARY forecast or one option id on a MULTIPLE_CHOICE forecast.
// The zero value means "no side".
type Side struct {
	kind     sideKind
	binary   bool
	optionID string
}

// BinarySide backs yes (true) or no (false).
func BinarySide(choice bool) Side {
	return Side{kind: sideBinary, binary: choice}
}

// OptionSide backs a MULTIPLE_CHOICE option.
func OptionSide(optionID string) Side {
	if optionID == "" {
		return Side{}
	}
	return Side{kind: sideOption, optionID: optionID}
}

// IsZero reports whether no side has been chosen.
func (s Side) IsZero() bool { return s.kind == sideNone }

// Binary returns the yes/no choice and whether this is a binary side.
func (s Side) Binary() (bool, bool) { return s.binary, s.kind == sideBinary }

// OptionID returns the option id and whether this is an option side.
func (s Side) OptionID() (string, bool) { return s.optionID, s.kind == sideOption }

// Equal reports whether two sides back the same outcome.
func (s Side) Equal(o Side) bool {
	if s.kind != o.kind {
		return false
	}
	switch s.kind {
	case sideBinary:
		return s.binary == o.binary
	case sideOption:
		return s.optionID == o.optionID
	}
	return true
}

func (s Side) String() string {
	switch s.kind {
	case sideBinary:
		if s.binary {
			return "YES"
		}
		return "NO"
	case sideOption:
		return "option:" + s.optionID
	}
	return "none"
}

// ValidateSide checks that s is a legal choice on p.
func ValidateSide(p *Prediction, s Side) error {
	switch s.kind {
	case sideNone:
		return ErrSideRequired
	case sideBinary:
		if p.OutcomeType != OutcomeBinary {
			return fmt.Errorf("%w: binary choice on %s", ErrSideMismatch, p.OutcomeType)
		}
	case sideOption:
		if p.OutcomeType != OutcomeMultipleChoice {
			return fmt.Errorf("%w: option on %s", ErrSideMismatch, p.OutcomeType)
		}
		if !p.HasOption(s.optionID) {
			return fmt.Errorf("%w: %s", ErrUnknownOption, s.optionID)
		}
	}
	return nil
}

type sideJSON struct {
	BinaryChoice *bool  `json:"binary_choice,omitempty"`
	OptionID     string `json:"option_id,omitempty"`
}

// MarshalJSON encodes the side as {"binary_choice": bool} or {"option_id": id}.
func (s Side) MarshalJSON() ([]byte, error) {
	var out sideJSON
	switch s.kind {
	case sideBinary:
		b := s.binary
		out.BinaryChoice = &b
	case sideOption:
		out.OptionID = s.optionID
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the MarshalJSON encoding. Setting both fields is an error.
func (s *Side) UnmarshalJSON(data []byte) error {
	var in sideJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch {
	case in.BinaryChoice != nil && in.OptionID != "":
		return fmt.Errorf("%w: both binary_choice and option_id set", ErrSideMismatch)
	case in.BinaryChoice != nil:
		*s = BinarySide(*in.BinaryChoice)
	case in.OptionID != "":
		*s = OptionSide(in.OptionID)
	default:
		*s = Side{}
	}
	return nil
}
