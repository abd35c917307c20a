package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/scopekit/scopes/identity"
	"github.com/scopekit/scopes/vclock"
)

func TestNewEnvelope(t *testing.T) {
	agg := identity.AggregateID("scope-1")
	now := time.Now().UTC()
	payload := json.RawMessage(`{"title":"groceries"}`)

	env := NewEnvelope(agg, "ScopeCreated", now, payload)

	if env.EventID().IsZero() {
		t.Error("envelope should get a generated event id")
	}
	if env.AggregateID() != agg {
		t.Errorf("aggregate = %s, want %s", env.AggregateID(), agg)
	}
	if env.EventType() != "ScopeCreated" {
		t.Errorf("type = %s, want ScopeCreated", env.EventType())
	}
	if !env.OccurredAt().Equal(now) {
		t.Errorf("occurred at = %s, want %s", env.OccurredAt(), now)
	}
}

func TestFromStoredRoundTrip(t *testing.T) {
	clock := vclock.FromMap(map[identity.DeviceID]uint64{"device-a": 3})
	stored := StoredEvent{
		Metadata: Metadata{
			EventID:        "evt-1",
			AggregateID:    "scope-1",
			EventType:      "TaskCompleted",
			DeviceID:       "device-a",
			VectorClock:    clock,
			OccurredAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			SequenceNumber: 7,
		},
		Payload: json.RawMessage(`{"done":true}`),
	}

	env := FromStored(stored)
	if env.EventID() != stored.EventID() {
		t.Errorf("event id = %s, want %s", env.EventID(), stored.EventID())
	}
	if env.AggregateID() != stored.AggregateID() {
		t.Errorf("aggregate = %s, want %s", env.AggregateID(), stored.AggregateID())
	}
	if string(env.RawPayload) != `{"done":true}` {
		t.Errorf("payload = %s", env.RawPayload)
	}
	if !stored.Clock().Equal(clock) {
		t.Error("stored clock accessor mismatch")
	}
}

func TestMarshalPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"raw message passthrough", json.RawMessage(`{"a":1}`), `{"a":1}`},
		{"empty raw message", json.RawMessage(nil), "null"},
		{"byte slice", []byte(`[1,2]`), `[1,2]`},
		{"struct", struct {
			Title string `json:"title"`
		}{Title: "x"}, `{"title":"x"}`},
		{"nil", nil, "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnvelope("agg", "T", time.Now(), nil)
			env.RawPayload = nil
			e := &payloadEvent{Envelope: env, payload: tt.payload}

			data, err := MarshalPayload(e)
			if err != nil {
				t.Fatalf("MarshalPayload: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("payload = %s, want %s", data, tt.want)
			}
		})
	}
}

// payloadEvent overrides Payload for MarshalPayload tests.
type payloadEvent struct {
	*Envelope
	payload any
}

func (p *payloadEvent) Payload() any { return p.payload }

func TestStoredEventJSONRoundTrip(t *testing.T) {
	stored := StoredEvent{
		Metadata: Metadata{
			EventID:        "evt-9",
			AggregateID:    "scope-2",
			EventType:      "ScopeRenamed",
			DeviceID:       "device-b",
			VectorClock:    vclock.FromMap(map[identity.DeviceID]uint64{"device-b": 1}),
			OccurredAt:     time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC),
			SequenceNumber: 1,
		},
		Payload: json.RawMessage(`{"title":"renamed"}`),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded StoredEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Metadata.EventID != stored.Metadata.EventID {
		t.Errorf("event id = %s", decoded.Metadata.EventID)
	}
	if decoded.Metadata.SequenceNumber != 1 {
		t.Errorf("sequence = %d", decoded.Metadata.SequenceNumber)
	}
	if !decoded.Metadata.VectorClock.Equal(stored.Metadata.VectorClock) {
		t.Error("clock did not survive round trip")
	}
}

func TestSortForReplication(t *testing.T) {
	ev := func(device identity.DeviceID, seq uint64) StoredEvent {
		return StoredEvent{Metadata: Metadata{
			EventID:        identity.GenerateEventID(),
			AggregateID:    "scope-1",
			DeviceID:       device,
			SequenceNumber: seq,
		}}
	}

	events := []StoredEvent{
		ev("device-b", 2),
		ev("device-a", 2),
		ev("device-b", 1),
		ev("device-a", 1),
	}

	SortForReplication(events)

	want := []struct {
		device identity.DeviceID
		seq    uint64
	}{
		{"device-a", 1},
		{"device-a", 2},
		{"device-b", 1},
		{"device-b", 2},
	}
	for i, w := range want {
		if events[i].DeviceID() != w.device || events[i].Metadata.SequenceNumber != w.seq {
			t.Errorf("events[%d] = (%s, %d), want (%s, %d)",
				i, events[i].DeviceID(), events[i].Metadata.SequenceNumber, w.device, w.seq)
		}
	}
}
