// Package cursor defines the sync cursors exchanged between devices and
// their stable wire form. A cursor tells a peer "give me what I have not
// seen": either an occurred-at high-water mark or a full vector clock
// summary.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scopekit/scopes/identity"
	"github.com/scopekit/scopes/vclock"
)

const (
	KindTime   = "time"
	KindVector = "vector"
)

// Cursor marks a position in a device's event history.
type Cursor interface {
	Kind() string

	// IsZero reports whether the cursor is the beginning of history.
	IsZero() bool
}

// Codec marshals cursors to a stable wire form.
type Codec interface {
	Kind() string
	Marshal(c Cursor) (json.RawMessage, error)
	Unmarshal(data json.RawMessage) (Cursor, error)
}

var (
	registry   = map[string]Codec{}
	registryMu sync.RWMutex
)

// Register installs a codec; later registrations replace earlier ones.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Kind()] = c
}

// Lookup finds the codec for a cursor kind.
func Lookup(kind string) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	cc, ok := registry[kind]
	return cc, ok
}

func init() {
	Register(timeCodec{})
	Register(vectorCodec{})
}

// Maximum allowed size for a wire cursor payload.
const maxWireCursorSize = 64 * 1024

// WireCursor is the typed union used on the wire.
type WireCursor struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalWire converts a cursor into its wire form.
func MarshalWire(c Cursor) (*WireCursor, error) {
	codec, ok := Lookup(c.Kind())
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", c.Kind())
	}
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &WireCursor{Kind: codec.Kind(), Data: data}, nil
}

// UnmarshalWire parses a wire cursor back into a Cursor.
func UnmarshalWire(wc *WireCursor) (Cursor, error) {
	if wc == nil {
		return nil, errors.New("nil wire cursor")
	}
	if len(wc.Data) > maxWireCursorSize {
		return nil, fmt.Errorf("cursor payload too large: %d bytes", len(wc.Data))
	}
	codec, ok := Lookup(wc.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", wc.Kind)
	}
	return codec.Unmarshal(wc.Data)
}

// TimeCursor is an occurred-at high-water mark: "events after T".
type TimeCursor struct {
	After time.Time
}

// NewTime creates a TimeCursor.
func NewTime(after time.Time) TimeCursor { return TimeCursor{After: after} }

func (TimeCursor) Kind() string { return KindTime }

func (tc TimeCursor) IsZero() bool { return tc.After.IsZero() }

func (tc TimeCursor) String() string {
	if tc.IsZero() {
		return "beginning"
	}
	return tc.After.UTC().Format(time.RFC3339Nano)
}

type timeCodec struct{}

func (timeCodec) Kind() string { return KindTime }

func (timeCodec) Marshal(c Cursor) (json.RawMessage, error) {
	tc, ok := c.(TimeCursor)
	if !ok {
		return nil, fmt.Errorf("expected TimeCursor, got %T", c)
	}
	return json.Marshal(tc.After.UTC())
}

func (timeCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return TimeCursor{After: t}, nil
}

// VectorCursor summarizes a device's causal knowledge as a vector clock.
type VectorCursor struct {
	Clock vclock.Clock
}

// NewVector creates a VectorCursor.
func NewVector(clock vclock.Clock) VectorCursor { return VectorCursor{Clock: clock} }

func (VectorCursor) Kind() string { return KindVector }

func (vc VectorCursor) IsZero() bool { return vc.Clock.IsZero() }

func (vc VectorCursor) String() string { return vc.Clock.String() }

// Covers reports whether the cursor's knowledge includes the given
// device/sequence pair.
func (vc VectorCursor) Covers(device identity.DeviceID, seq uint64) bool {
	return vc.Clock.Timestamp(device) >= seq
}

type vectorCodec struct{}

func (vectorCodec) Kind() string { return KindVector }

func (vectorCodec) Marshal(c Cursor) (json.RawMessage, error) {
	vc, ok := c.(VectorCursor)
	if !ok {
		return nil, fmt.Errorf("expected VectorCursor, got %T", c)
	}
	return json.Marshal(vc.Clock)
}

func (vectorCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var clock vclock.Clock
	if err := json.Unmarshal(data, &clock); err != nil {
		return nil, err
	}
	return VectorCursor{Clock: clock}, nil
}
