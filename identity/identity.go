// Package identity provides the identifier value types used throughout the
// scopes sync core. Identifiers are opaque strings with a restricted
// character set so they can travel safely through vector clocks, SQL rows
// and wire payloads without escaping.
package identity

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Identifier constraints
const (
	// MinIDLength is the minimum allowed length for an identifier.
	MinIDLength = 1

	// MaxIDLength is the maximum allowed length for an identifier.
	MaxIDLength = 64
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidationError reports an identifier that failed validation.
type ValidationError struct {
	Kind  string // "device", "aggregate" or "event"
	Value string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s id %q: %s", e.Kind, e.Value, e.Msg)
}

func validate(kind, value string) error {
	if len(value) < MinIDLength {
		return &ValidationError{Kind: kind, Value: value, Msg: "must not be empty"}
	}
	if len(value) > MaxIDLength {
		return &ValidationError{Kind: kind, Value: value, Msg: fmt.Sprintf("exceeds maximum length of %d", MaxIDLength)}
	}
	if !idPattern.MatchString(value) {
		return &ValidationError{Kind: kind, Value: value, Msg: "contains characters outside [A-Za-z0-9_-]"}
	}
	return nil
}

// DeviceID identifies a writer in the vector clock. One per device,
// typically generated once at bootstrap and persisted in configuration.
type DeviceID string

// NewDeviceID validates the given string as a DeviceID.
func NewDeviceID(s string) (DeviceID, error) {
	if err := validate("device", s); err != nil {
		return "", err
	}
	return DeviceID(s), nil
}

// GenerateDeviceID creates a new random DeviceID.
func GenerateDeviceID() DeviceID {
	return DeviceID(uuid.NewString())
}

func (d DeviceID) String() string { return string(d) }

// IsZero returns true for the empty DeviceID.
func (d DeviceID) IsZero() bool { return d == "" }

// Validate re-checks the identifier, useful for values that crossed a
// trust boundary (wire payloads, stored rows).
func (d DeviceID) Validate() error { return validate("device", string(d)) }

// AggregateID identifies the unit of consistency an event belongs to
// (one scope or task history).
type AggregateID string

// NewAggregateID validates the given string as an AggregateID.
func NewAggregateID(s string) (AggregateID, error) {
	if err := validate("aggregate", s); err != nil {
		return "", err
	}
	return AggregateID(s), nil
}

// GenerateAggregateID creates a new random AggregateID.
func GenerateAggregateID() AggregateID {
	return AggregateID(uuid.NewString())
}

func (a AggregateID) String() string { return string(a) }

// IsZero returns true for the empty AggregateID.
func (a AggregateID) IsZero() bool { return a == "" }

// Validate re-checks the identifier.
func (a AggregateID) Validate() error { return validate("aggregate", string(a)) }

// EventID uniquely identifies a stored event across all devices.
type EventID string

// NewEventID validates the given string as an EventID.
func NewEventID(s string) (EventID, error) {
	if err := validate("event", s); err != nil {
		return "", err
	}
	return EventID(s), nil
}

// GenerateEventID creates a new random EventID.
func GenerateEventID() EventID {
	return EventID(uuid.NewString())
}

func (e EventID) String() string { return string(e) }

// IsZero returns true for the empty EventID.
func (e EventID) IsZero() bool { return e == "" }

// Validate re-checks the identifier.
func (e EventID) Validate() error { return validate("event", string(e)) }
