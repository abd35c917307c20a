package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/scopekit/scopes/event"
	"github.com/scopekit/scopes/identity"
	"github.com/scopekit/scopes/vclock"
)

func storedEvent(id, aggregate, device string, seq uint64, clock map[identity.DeviceID]uint64, at time.Time) event.StoredEvent {
	return event.StoredEvent{
		Metadata: event.Metadata{
			EventID:        identity.EventID(id),
			AggregateID:    identity.AggregateID(aggregate),
			EventType:      "ScopeUpdated",
			DeviceID:       identity.DeviceID(device),
			VectorClock:    vclock.FromMap(clock),
			OccurredAt:     at,
			SequenceNumber: seq,
		},
		Payload: json.RawMessage(`{}`),
	}
}

var baseTime = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func TestConcurrent(t *testing.T) {
	d := Detector{}

	e1 := storedEvent("e1", "scope-1", "device-a", 1, map[identity.DeviceID]uint64{"device-a": 1}, baseTime)
	e2 := storedEvent("e2", "scope-1", "device-b", 1, map[identity.DeviceID]uint64{"device-b": 1}, baseTime.Add(time.Minute))
	e3 := storedEvent("e3", "scope-1", "device-b", 2, map[identity.DeviceID]uint64{"device-a": 1, "device-b": 1}, baseTime.Add(2*time.Minute))

	if !d.Concurrent(e1, e2) {
		t.Error("disjoint clocks should be concurrent")
	}
	if !d.Concurrent(e2, e1) {
		t.Error("concurrency should be symmetric")
	}
	if d.Concurrent(e1, e3) {
		t.Error("e1 happened-before e3; not concurrent")
	}
	if !d.HappenedBefore(e1, e3) {
		t.Error("e1 should happen-before e3")
	}
}

// Causal order from vector clocks takes precedence over timestamps:
// an event whose wall clock is later but whose vector clock is ordered
// must not be reported as a conflict.
func TestSequentialEventsNeverConflict(t *testing.T) {
	d := Detector{}

	e1 := storedEvent("e1", "scope-1", "device-a", 1, map[identity.DeviceID]uint64{"device-a": 1}, baseTime.Add(time.Hour))
	e2 := storedEvent("e2", "scope-1", "device-b", 1, map[identity.DeviceID]uint64{"device-a": 1, "device-b": 1}, baseTime)

	conflicts := d.Detect([]event.StoredEvent{e1}, []event.StoredEvent{e2})
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts for sequential events, got %d", len(conflicts))
	}
}

func TestDetect(t *testing.T) {
	d := Detector{}

	localA := storedEvent("l1", "scope-1", "device-a", 1, map[identity.DeviceID]uint64{"device-a": 1}, baseTime)
	localB := storedEvent("l2", "scope-2", "device-a", 2, map[identity.DeviceID]uint64{"device-a": 2}, baseTime)
	remoteA := storedEvent("r1", "scope-1", "device-b", 1, map[identity.DeviceID]uint64{"device-b": 1}, baseTime)
	remoteC := storedEvent("r2", "scope-3", "device-b", 2, map[identity.DeviceID]uint64{"device-b": 2}, baseTime)

	conflicts := d.Detect([]event.StoredEvent{localA, localB}, []event.StoredEvent{remoteA, remoteC})

	if len(conflicts) != 1 {
		t.Fatalf("expected exactly one conflict, got %d", len(conflicts))
	}
	c := conflicts[0]
	if c.Local.EventID() != "l1" || c.Remote.EventID() != "r1" {
		t.Errorf("conflict pair = (%s, %s), want (l1, r1)", c.Local.EventID(), c.Remote.EventID())
	}
	if c.DetectedAt.IsZero() {
		t.Error("conflict should carry a detection time")
	}
}

func TestDetectSymmetry(t *testing.T) {
	d := Detector{}

	local := []event.StoredEvent{
		storedEvent("l1", "scope-1", "device-a", 1, map[identity.DeviceID]uint64{"device-a": 1}, baseTime),
		storedEvent("l2", "scope-1", "device-a", 2, map[identity.DeviceID]uint64{"device-a": 2}, baseTime),
	}
	remote := []event.StoredEvent{
		storedEvent("r1", "scope-1", "device-b", 1, map[identity.DeviceID]uint64{"device-b": 1}, baseTime),
	}

	forward := d.Detect(local, remote)
	reverse := d.Detect(remote, local)

	if len(forward) != len(reverse) {
		t.Fatalf("asymmetric detection: %d vs %d", len(forward), len(reverse))
	}

	pairs := func(cs []Conflict) map[string]bool {
		m := make(map[string]bool)
		for _, c := range cs {
			a, b := c.Local.EventID().String(), c.Remote.EventID().String()
			if a > b {
				a, b = b, a
			}
			m[a+"|"+b] = true
		}
		return m
	}

	fp, rp := pairs(forward), pairs(reverse)
	for k := range fp {
		if !rp[k] {
			t.Errorf("pair %s missing from reversed detection", k)
		}
	}
}

func TestDetectIgnoresSameEvent(t *testing.T) {
	d := Detector{}
	// The same event arriving from both sides must not conflict with itself.
	e := storedEvent("e1", "scope-1", "device-a", 1, map[identity.DeviceID]uint64{"device-a": 1}, baseTime)
	if got := d.Detect([]event.StoredEvent{e}, []event.StoredEvent{e}); len(got) != 0 {
		t.Errorf("event conflicting with itself: %d pairs", len(got))
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		input       string
		want        Strategy
		expectError bool
	}{
		{"local_wins", LocalWins, false},
		{"remote_wins", RemoteWins, false},
		{"last_write_wins", LastWriteWins, false},
		{"manual", Manual, false},
		{"", "", true},
		{"LOCAL_WINS", "", true},
		{"newest", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStrategy(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseStrategy(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolvers(t *testing.T) {
	local := storedEvent("l1", "scope-1", "device-a", 1, map[identity.DeviceID]uint64{"device-a": 1}, baseTime)
	remote := storedEvent("r1", "scope-1", "device-b", 1, map[identity.DeviceID]uint64{"device-b": 1}, baseTime.Add(time.Minute))
	c := Conflict{Local: local, Remote: remote, DetectedAt: baseTime}

	tests := []struct {
		name       string
		strategy   Strategy
		resolved   bool
		wantWinner string
	}{
		{"local wins", LocalWins, true, "l1"},
		{"remote wins", RemoteWins, true, "r1"},
		{"last write wins picks later", LastWriteWins, true, "r1"},
		{"manual leaves both", Manual, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ResolverFor(tt.strategy)
			if err != nil {
				t.Fatalf("ResolverFor: %v", err)
			}

			res := r.Resolve(c)
			if res.Resolved != tt.resolved {
				t.Fatalf("Resolved = %v, want %v", res.Resolved, tt.resolved)
			}
			if !tt.resolved {
				if res.Winner != nil || res.Discarded != nil {
					t.Error("unresolved conflict should have no winner or loser")
				}
				return
			}
			if res.Winner == nil || res.Winner.EventID().String() != tt.wantWinner {
				t.Errorf("winner = %v, want %s", res.Winner, tt.wantWinner)
			}
			if res.Discarded == nil {
				t.Error("resolved conflict should name the discarded event")
			}
			if res.Reason == "" {
				t.Error("resolution should carry a reason")
			}
		})
	}
}

func TestLastWriteWinsTieBreak(t *testing.T) {
	r, _ := ResolverFor(LastWriteWins)

	local := storedEvent("l1", "scope-1", "device-a", 1, map[identity.DeviceID]uint64{"device-a": 1}, baseTime)
	remote := storedEvent("r1", "scope-1", "device-b", 1, map[identity.DeviceID]uint64{"device-b": 1}, baseTime)

	res := r.Resolve(Conflict{Local: local, Remote: remote})
	if !res.Resolved {
		t.Fatal("tie must still resolve")
	}
	// device-b > device-a lexicographically, so remote wins the tie on
	// either peer.
	if res.Winner.EventID() != "r1" {
		t.Errorf("tie-break winner = %s, want r1", res.Winner.EventID())
	}

	// Same pair seen from the other device's perspective.
	rev := r.Resolve(Conflict{Local: remote, Remote: local})
	if rev.Winner.EventID() != "r1" {
		t.Errorf("tie-break must be symmetric, winner = %s", rev.Winner.EventID())
	}
}

func TestResolverForUnknown(t *testing.T) {
	if _, err := ResolverFor(Strategy("bogus")); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
