// Package event defines the domain event contract and the stored form
// events take once the event store has stamped them with causality
// metadata.
package event

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/scopekit/scopes/identity"
	"github.com/scopekit/scopes/vclock"
)

// DomainEvent is an immutable fact produced by the write side of the
// system. Implementations belong to the calling application; the sync
// core only needs identity, type and a serializable payload.
type DomainEvent interface {
	// EventID returns a globally unique identifier for this event.
	EventID() identity.EventID

	// AggregateID returns the aggregate this event belongs to.
	AggregateID() identity.AggregateID

	// EventType returns the logical event type
	// (e.g. "ScopeCreated", "TaskCompleted").
	EventType() string

	// OccurredAt returns the wall-clock time the event happened in the
	// domain. This is event-domain time, not storage time.
	OccurredAt() time.Time

	// Payload returns the event-specific data. It must be JSON-serializable.
	Payload() any
}

// Metadata is created once at store time and immutable thereafter.
type Metadata struct {
	EventID     identity.EventID     `json:"event_id"`
	AggregateID identity.AggregateID `json:"aggregate_id"`
	EventType   string               `json:"event_type"`
	DeviceID    identity.DeviceID    `json:"device_id"`
	VectorClock vclock.Clock         `json:"vector_clock"`
	OccurredAt  time.Time            `json:"occurred_at"`

	// SequenceNumber is per-device and strictly increasing, assigned by
	// the event store starting at 1.
	SequenceNumber uint64 `json:"sequence_number"`
}

// StoredEvent is an event as persisted by the event store: metadata plus
// the serialized payload. Identity is Metadata.EventID; stored events are
// never mutated.
type StoredEvent struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// EventID is a convenience accessor.
func (s StoredEvent) EventID() identity.EventID { return s.Metadata.EventID }

// AggregateID is a convenience accessor.
func (s StoredEvent) AggregateID() identity.AggregateID { return s.Metadata.AggregateID }

// DeviceID is a convenience accessor.
func (s StoredEvent) DeviceID() identity.DeviceID { return s.Metadata.DeviceID }

// Clock is a convenience accessor for the event's vector clock.
func (s StoredEvent) Clock() vclock.Clock { return s.Metadata.VectorClock }

// SortForReplication orders events for replay into another device's log:
// grouped by origin device, ascending by sequence number. Replicated
// appends enforce per-device sequence contiguity, so any other order can
// fail on an event whose predecessor comes later in the batch.
func SortForReplication(events []StoredEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Metadata.DeviceID != events[j].Metadata.DeviceID {
			return events[i].Metadata.DeviceID < events[j].Metadata.DeviceID
		}
		return events[i].Metadata.SequenceNumber < events[j].Metadata.SequenceNumber
	})
}

// Envelope is a generic DomainEvent carrying a raw payload. The store
// returns envelopes when replaying, and transports decode wire batches
// into them; applications typically define richer event types.
type Envelope struct {
	ID         identity.EventID
	Aggregate  identity.AggregateID
	Type       string
	Time       time.Time
	RawPayload json.RawMessage
}

var _ DomainEvent = (*Envelope)(nil)

// NewEnvelope builds an Envelope with a generated event ID.
func NewEnvelope(aggregate identity.AggregateID, eventType string, occurredAt time.Time, payload json.RawMessage) *Envelope {
	return &Envelope{
		ID:         identity.GenerateEventID(),
		Aggregate:  aggregate,
		Type:       eventType,
		Time:       occurredAt,
		RawPayload: payload,
	}
}

func (e *Envelope) EventID() identity.EventID         { return e.ID }
func (e *Envelope) AggregateID() identity.AggregateID { return e.Aggregate }
func (e *Envelope) EventType() string                 { return e.Type }
func (e *Envelope) OccurredAt() time.Time             { return e.Time }
func (e *Envelope) Payload() any                      { return e.RawPayload }

// FromStored converts a StoredEvent back into a replayable DomainEvent.
func FromStored(s StoredEvent) *Envelope {
	return &Envelope{
		ID:         s.Metadata.EventID,
		Aggregate:  s.Metadata.AggregateID,
		Type:       s.Metadata.EventType,
		Time:       s.Metadata.OccurredAt,
		RawPayload: s.Payload,
	}
}

// MarshalPayload serializes a domain event's payload for storage.
// Raw JSON payloads pass through untouched.
func MarshalPayload(e DomainEvent) (json.RawMessage, error) {
	switch p := e.Payload().(type) {
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		return p, nil
	case []byte:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
