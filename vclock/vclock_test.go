package vclock

import (
	"testing"

	"github.com/scopekit/scopes/identity"
)

const (
	devA = identity.DeviceID("device-a")
	devB = identity.DeviceID("device-b")
	devC = identity.DeviceID("device-c")
)

func mustIncrement(t *testing.T, c Clock, d identity.DeviceID) Clock {
	t.Helper()
	next, err := c.Increment(d)
	if err != nil {
		t.Fatalf("Increment(%s): %v", d, err)
	}
	return next
}

func TestNewClockIsZero(t *testing.T) {
	c := New()
	if !c.IsZero() {
		t.Error("new clock should be zero")
	}
	if c.Size() != 0 {
		t.Errorf("new clock size should be 0, got %d", c.Size())
	}
	if c.String() != "{}" {
		t.Errorf("new clock string should be '{}', got %q", c.String())
	}
}

func TestIncrementMonotonicity(t *testing.T) {
	c := New()
	for i := uint64(1); i <= 10; i++ {
		c = mustIncrement(t, c, devA)
		if got := c.Timestamp(devA); got != i {
			t.Fatalf("after %d increments expected timestamp %d, got %d", i, i, got)
		}
	}
}

func TestIncrementDoesNotMutateReceiver(t *testing.T) {
	base := mustIncrement(t, New(), devA)
	_ = mustIncrement(t, base, devA)
	_ = mustIncrement(t, base, devB)

	if got := base.Timestamp(devA); got != 1 {
		t.Errorf("receiver mutated: device-a timestamp = %d, want 1", got)
	}
	if got := base.Timestamp(devB); got != 0 {
		t.Errorf("receiver mutated: device-b timestamp = %d, want 0", got)
	}
}

func TestIncrementEmptyDevice(t *testing.T) {
	if _, err := New().Increment(""); err == nil {
		t.Error("expected error for empty device id")
	}
}

func TestMergeCommutativeAndIdempotent(t *testing.T) {
	a := FromMap(map[identity.DeviceID]uint64{devA: 2, devB: 1})
	b := FromMap(map[identity.DeviceID]uint64{devA: 1, devC: 4})

	ab := a.Merge(b)
	ba := b.Merge(a)
	if !ab.Equal(ba) {
		t.Errorf("merge not commutative: %s vs %s", ab, ba)
	}

	if !a.Merge(a).Equal(a) {
		t.Error("merge not idempotent")
	}

	want := FromMap(map[identity.DeviceID]uint64{devA: 2, devB: 1, devC: 4})
	if !ab.Equal(want) {
		t.Errorf("merge result %s, want %s", ab, want)
	}
}

func TestMergeWithZero(t *testing.T) {
	a := FromMap(map[identity.DeviceID]uint64{devA: 3})
	if !a.Merge(New()).Equal(a) {
		t.Error("merging with zero clock should be identity")
	}
	if !New().Merge(a).Equal(a) {
		t.Error("merging zero clock with a should equal a")
	}
}

func TestHappenedBefore(t *testing.T) {
	tests := []struct {
		name string
		a, b map[identity.DeviceID]uint64
		want bool
	}{
		{
			name: "strict prefix",
			a:    map[identity.DeviceID]uint64{devA: 1},
			b:    map[identity.DeviceID]uint64{devA: 1, devB: 1},
			want: true,
		},
		{
			name: "all components less",
			a:    map[identity.DeviceID]uint64{devA: 1, devB: 1},
			b:    map[identity.DeviceID]uint64{devA: 2, devB: 3},
			want: true,
		},
		{
			name: "equal clocks are not ordered",
			a:    map[identity.DeviceID]uint64{devA: 2},
			b:    map[identity.DeviceID]uint64{devA: 2},
			want: false,
		},
		{
			name: "concurrent clocks",
			a:    map[identity.DeviceID]uint64{devA: 1},
			b:    map[identity.DeviceID]uint64{devB: 1},
			want: false,
		},
		{
			name: "reverse order",
			a:    map[identity.DeviceID]uint64{devA: 2, devB: 1},
			b:    map[identity.DeviceID]uint64{devA: 1, devB: 1},
			want: false,
		},
		{
			name: "empty before non-empty",
			a:    nil,
			b:    map[identity.DeviceID]uint64{devA: 1},
			want: true,
		},
		{
			name: "empty not before empty",
			a:    nil,
			b:    nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := FromMap(tt.a), FromMap(tt.b)
			if got := a.HappenedBefore(b); got != tt.want {
				t.Errorf("HappenedBefore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPartialOrderConsistency(t *testing.T) {
	clocks := []Clock{
		New(),
		FromMap(map[identity.DeviceID]uint64{devA: 1}),
		FromMap(map[identity.DeviceID]uint64{devB: 1}),
		FromMap(map[identity.DeviceID]uint64{devA: 1, devB: 1}),
		FromMap(map[identity.DeviceID]uint64{devA: 2, devB: 1}),
		FromMap(map[identity.DeviceID]uint64{devA: 1, devC: 3}),
	}

	for i, a := range clocks {
		if a.HappenedBefore(a) {
			t.Errorf("clock %d happened-before itself", i)
		}
		if a.ConcurrentWith(a) {
			t.Errorf("clock %d concurrent with itself", i)
		}
		for j, b := range clocks {
			ab := a.HappenedBefore(b)
			ba := b.HappenedBefore(a)
			if ab && ba {
				t.Errorf("clocks %d,%d ordered both ways", i, j)
			}
			if !ab && !ba && !a.Equal(b) && !a.ConcurrentWith(b) {
				t.Errorf("clocks %d,%d unordered and unequal but not concurrent", i, j)
			}
			if a.ConcurrentWith(b) != b.ConcurrentWith(a) {
				t.Errorf("concurrency not symmetric for clocks %d,%d", i, j)
			}
		}
	}
}

func TestConcurrentWith(t *testing.T) {
	a := FromMap(map[identity.DeviceID]uint64{devA: 1})
	b := FromMap(map[identity.DeviceID]uint64{devB: 1})

	if !a.ConcurrentWith(b) {
		t.Error("disjoint clocks should be concurrent")
	}

	merged := a.Merge(b)
	if a.ConcurrentWith(merged) {
		t.Error("clock should not be concurrent with a merge containing it")
	}
	if !a.HappenedBefore(merged) {
		t.Error("clock should happen-before a strictly larger merge")
	}
}

func TestFromJSON(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expectError bool
		expected    map[identity.DeviceID]uint64
	}{
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
		{
			name:     "empty object",
			input:    "{}",
			expected: nil,
		},
		{
			name:     "single device",
			input:    `{"device-a":5}`,
			expected: map[identity.DeviceID]uint64{devA: 5},
		},
		{
			name:     "multiple devices",
			input:    `{"device-a":5,"device-b":3}`,
			expected: map[identity.DeviceID]uint64{devA: 5, devB: 3},
		},
		{
			name:        "invalid json",
			input:       `{"device-a":}`,
			expectError: true,
		},
		{
			name:        "negative value",
			input:       `{"device-a":-1}`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := FromJSON(tt.input)

			if tt.expectError {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !c.Equal(FromMap(tt.expected)) {
				t.Errorf("parsed %s, want %s", c, FromMap(tt.expected))
			}
		})
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := FromMap(map[identity.DeviceID]uint64{devA: 7, devB: 2})

	parsed, err := FromJSON(orig.String())
	if err != nil {
		t.Fatalf("FromJSON(%s): %v", orig, err)
	}
	if !parsed.Equal(orig) {
		t.Errorf("round trip mismatch: %s vs %s", parsed, orig)
	}
}

func TestEntriesReturnsCopy(t *testing.T) {
	c := FromMap(map[identity.DeviceID]uint64{devA: 1})
	entries := c.Entries()
	entries[devA] = 99

	if c.Timestamp(devA) != 1 {
		t.Error("mutating Entries() result leaked into the clock")
	}
}

func TestZeroEntriesDropped(t *testing.T) {
	c := FromMap(map[identity.DeviceID]uint64{devA: 0, devB: 2})
	if c.Size() != 1 {
		t.Errorf("zero entries should be dropped, size = %d", c.Size())
	}
	if !c.Equal(FromMap(map[identity.DeviceID]uint64{devB: 2})) {
		t.Error("clock with explicit zero should equal clock without the entry")
	}
}
