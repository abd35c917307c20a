// Package vclock implements the vector clock used to establish a partial
// causal order between events written by independently-operating devices.
// A vector clock can determine whether one write happened-before another
// or whether the two writes could not have known about each other.
//
// Clocks in this package are immutable: Increment and Merge return a new
// clock and never mutate the receiver. This makes clocks safe to share
// across goroutines and to embed in stored event metadata.
package vclock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/scopekit/scopes/identity"
)

// Clock constraints
const (
	// MaxDevices is the maximum number of devices a single clock can
	// track. This bounds memory growth; a personal sync mesh is far
	// smaller, so hitting the cap indicates corrupted input.
	MaxDevices = 1000
)

// ClockError represents errors during vector clock operations.
type ClockError struct {
	Msg string
}

func (e *ClockError) Error() string { return e.Msg }

// Clock maps a device ID to its logical timestamp. A device absent from
// the map has timestamp 0; no explicit zero entries are stored.
//
// The zero value Clock{} is a valid empty clock.
type Clock struct {
	entries map[identity.DeviceID]uint64
}

// New returns an empty clock, the state of a device at bootstrap.
func New() Clock {
	return Clock{}
}

// FromMap builds a clock from a map of device IDs to timestamps.
// The input map is copied; zero entries are dropped.
func FromMap(entries map[identity.DeviceID]uint64) Clock {
	if len(entries) == 0 {
		return Clock{}
	}
	m := make(map[identity.DeviceID]uint64, len(entries))
	for d, ts := range entries {
		if ts > 0 {
			m[d] = ts
		}
	}
	return Clock{entries: m}
}

// FromJSON deserializes a clock from its JSON object form, e.g.
// {"device-a":3,"device-b":1}. Empty input yields the empty clock.
func FromJSON(data string) (Clock, error) {
	if strings.TrimSpace(data) == "" || data == "{}" {
		return Clock{}, nil
	}

	var raw map[string]uint64
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return Clock{}, fmt.Errorf("unmarshal vector clock %q: %w", data, err)
	}
	if len(raw) > MaxDevices {
		return Clock{}, &ClockError{Msg: fmt.Sprintf("clock tracks more than %d devices", MaxDevices)}
	}

	m := make(map[identity.DeviceID]uint64, len(raw))
	for d, ts := range raw {
		if d == "" {
			return Clock{}, &ClockError{Msg: "clock contains empty device id"}
		}
		if ts > 0 {
			m[identity.DeviceID(d)] = ts
		}
	}
	return Clock{entries: m}, nil
}

// Increment returns a copy of the clock with the device's timestamp
// advanced by one. A device must increment its own component before
// stamping a new event.
func (c Clock) Increment(device identity.DeviceID) (Clock, error) {
	if device.IsZero() {
		return Clock{}, &ClockError{Msg: "device id cannot be empty"}
	}
	if _, known := c.entries[device]; !known && len(c.entries) >= MaxDevices {
		return Clock{}, &ClockError{Msg: fmt.Sprintf("cannot track more than %d devices", MaxDevices)}
	}

	m := make(map[identity.DeviceID]uint64, len(c.entries)+1)
	for d, ts := range c.entries {
		m[d] = ts
	}
	m[device]++
	return Clock{entries: m}, nil
}

// Merge returns the component-wise maximum over the union of devices
// known to either clock. Merge is commutative and idempotent:
// a.Merge(b) == b.Merge(a) and a.Merge(a) == a.
func (c Clock) Merge(other Clock) Clock {
	if len(other.entries) == 0 {
		return c
	}
	if len(c.entries) == 0 {
		return other
	}

	m := make(map[identity.DeviceID]uint64, len(c.entries)+len(other.entries))
	for d, ts := range c.entries {
		m[d] = ts
	}
	for d, ts := range other.entries {
		if ts > m[d] {
			m[d] = ts
		}
	}
	return Clock{entries: m}
}

// Timestamp returns the logical timestamp for a device, 0 when the
// device has not been observed.
func (c Clock) Timestamp(device identity.DeviceID) uint64 {
	return c.entries[device]
}

// HappenedBefore reports whether this clock causally precedes other:
// every component is <= the other's and at least one is strictly less.
// The relation is a strict partial order; a clock never happened-before
// itself.
func (c Clock) HappenedBefore(other Clock) bool {
	someLess := false
	for d, ts := range c.entries {
		ots := other.entries[d]
		if ts > ots {
			return false
		}
		if ts < ots {
			someLess = true
		}
	}
	// Devices known only to other contribute 0 < other[d].
	for d, ots := range other.entries {
		if _, known := c.entries[d]; !known && ots > 0 {
			someLess = true
		}
	}
	return someLess
}

// ConcurrentWith reports whether the two clocks are incomparable:
// unequal and neither happened-before the other. Symmetric.
func (c Clock) ConcurrentWith(other Clock) bool {
	return !c.Equal(other) && !c.HappenedBefore(other) && !other.HappenedBefore(c)
}

// Equal reports whether both clocks carry identical components.
func (c Clock) Equal(other Clock) bool {
	if len(c.entries) != len(other.entries) {
		return false
	}
	for d, ts := range c.entries {
		if other.entries[d] != ts {
			return false
		}
	}
	return true
}

// IsZero reports whether the clock has observed no devices.
func (c Clock) IsZero() bool { return len(c.entries) == 0 }

// Size returns the number of devices tracked by this clock.
func (c Clock) Size() int { return len(c.entries) }

// Devices returns the tracked device IDs in sorted order.
func (c Clock) Devices() []identity.DeviceID {
	out := make([]identity.DeviceID, 0, len(c.entries))
	for d := range c.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entries returns a copy of the internal component map.
func (c Clock) Entries() map[identity.DeviceID]uint64 {
	out := make(map[identity.DeviceID]uint64, len(c.entries))
	for d, ts := range c.entries {
		out[d] = ts
	}
	return out
}

// String serializes the clock as a JSON object for storage or transport.
// The empty clock serializes as "{}".
func (c Clock) String() string {
	if len(c.entries) == 0 {
		return "{}"
	}
	raw := make(map[string]uint64, len(c.entries))
	for d, ts := range c.entries {
		raw[d.String()] = ts
	}
	data, err := json.Marshal(raw)
	if err != nil {
		// Cannot happen for map[string]uint64; keep the output well-formed.
		return "{}"
	}
	return string(data)
}

// MarshalJSON implements json.Marshaler.
func (c Clock) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Clock) UnmarshalJSON(data []byte) error {
	parsed, err := FromJSON(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
