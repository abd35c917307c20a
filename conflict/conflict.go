// Package conflict detects and resolves concurrent writes to the same
// aggregate. Detection is a pure function over vector clocks, kept apart
// from storage so resolution policy can be tested without a database.
package conflict

import (
	"fmt"
	"time"

	"github.com/scopekit/scopes/event"
)

// Conflict is an ordered pair of events for the same aggregate whose
// vector clocks are concurrent. Conflicts are computed on demand and
// never persisted; a resolution decision converts one into an applied
// change or an unresolved, user-visible item.
type Conflict struct {
	Local  event.StoredEvent `json:"local"`
	Remote event.StoredEvent `json:"remote"`

	DetectedAt time.Time `json:"detected_at"`
}

// Detector decides the causal relationship between stored events.
// The zero value is ready to use.
type Detector struct{}

// Concurrent reports whether the two events could not have known about
// each other: their vector clocks are incomparable. Sequential
// (happened-before) events are never concurrent, regardless of their
// wall-clock timestamps.
func (Detector) Concurrent(a, b event.StoredEvent) bool {
	return a.Clock().ConcurrentWith(b.Clock())
}

// HappenedBefore reports whether a causally precedes b.
func (Detector) HappenedBefore(a, b event.StoredEvent) bool {
	return a.Clock().HappenedBefore(b.Clock())
}

// Detect pairs every remote event with each local event that shares its
// aggregate and carries a concurrent clock. Swapping the local and remote
// roles yields the same unordered set of pairs.
func (d Detector) Detect(local, remote []event.StoredEvent) []Conflict {
	if len(local) == 0 || len(remote) == 0 {
		return nil
	}

	byAggregate := make(map[string][]event.StoredEvent, len(local))
	for _, ev := range local {
		key := ev.AggregateID().String()
		byAggregate[key] = append(byAggregate[key], ev)
	}

	now := time.Now().UTC()
	var conflicts []Conflict
	for _, re := range remote {
		for _, le := range byAggregate[re.AggregateID().String()] {
			if le.EventID() == re.EventID() {
				continue
			}
			if d.Concurrent(le, re) {
				conflicts = append(conflicts, Conflict{Local: le, Remote: re, DetectedAt: now})
			}
		}
	}
	return conflicts
}

// Strategy names a conflict resolution policy.
type Strategy string

const (
	// LocalWins discards the remote event of each conflicting pair.
	LocalWins Strategy = "local_wins"

	// RemoteWins applies the remote event; the local event's effect for
	// that aggregate becomes historical.
	RemoteWins Strategy = "remote_wins"

	// LastWriteWins keeps whichever event has the later wall-clock
	// occurred-at time.
	LastWriteWins Strategy = "last_write_wins"

	// Manual resolves nothing; both events remain as an unresolved
	// conflict surfaced to the caller.
	Manual Strategy = "manual"
)

// ParseStrategy converts a configuration string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case LocalWins, RemoteWins, LastWriteWins, Manual:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
}

// Resolution captures the decision for one conflict pair. When Resolved
// is false both events stand and the conflict is returned to the caller.
type Resolution struct {
	Conflict Conflict

	// Winner is the event whose effect is kept; nil when unresolved.
	Winner *event.StoredEvent

	// Discarded is the losing event; nil when unresolved. The event
	// itself remains in its origin log (the log is append-only); only
	// its effect on the aggregate is superseded.
	Discarded *event.StoredEvent

	Resolved bool
	Reason   string
}

// Resolver is the strategy interface for resolving a single conflict pair.
type Resolver interface {
	Resolve(c Conflict) Resolution
}

// ResolverFor returns the resolver implementing the given strategy.
func ResolverFor(s Strategy) (Resolver, error) {
	switch s {
	case LocalWins:
		return localWinsResolver{}, nil
	case RemoteWins:
		return remoteWinsResolver{}, nil
	case LastWriteWins:
		return lastWriteWinsResolver{}, nil
	case Manual:
		return manualResolver{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", s)
	}
}

var (
	_ Resolver = localWinsResolver{}
	_ Resolver = remoteWinsResolver{}
	_ Resolver = lastWriteWinsResolver{}
	_ Resolver = manualResolver{}
)

type localWinsResolver struct{}

func (localWinsResolver) Resolve(c Conflict) Resolution {
	local, remote := c.Local, c.Remote
	return Resolution{
		Conflict:  c,
		Winner:    &local,
		Discarded: &remote,
		Resolved:  true,
		Reason:    "local event preferred by policy",
	}
}

type remoteWinsResolver struct{}

func (remoteWinsResolver) Resolve(c Conflict) Resolution {
	local, remote := c.Local, c.Remote
	return Resolution{
		Conflict:  c,
		Winner:    &remote,
		Discarded: &local,
		Resolved:  true,
		Reason:    "remote event preferred by policy",
	}
}

// lastWriteWinsResolver compares wall-clock occurred-at times.
//
// Known caveat: the pair is causally concurrent, so occurred-at is not
// causally derived and a "later" timestamp can come from a device with a
// skewed clock. The behavior is kept deliberately; callers wanting causal
// safety should use Manual. Equal timestamps tie-break on the larger
// device ID so both peers resolve the pair identically.
type lastWriteWinsResolver struct{}

func (lastWriteWinsResolver) Resolve(c Conflict) Resolution {
	local, remote := c.Local, c.Remote

	keepRemote := remote.Metadata.OccurredAt.After(local.Metadata.OccurredAt)
	if remote.Metadata.OccurredAt.Equal(local.Metadata.OccurredAt) {
		keepRemote = remote.DeviceID() > local.DeviceID()
	}

	if keepRemote {
		return Resolution{
			Conflict:  c,
			Winner:    &remote,
			Discarded: &local,
			Resolved:  true,
			Reason:    "remote write is later",
		}
	}
	return Resolution{
		Conflict:  c,
		Winner:    &local,
		Discarded: &remote,
		Resolved:  true,
		Reason:    "local write is later",
	}
}

type manualResolver struct{}

func (manualResolver) Resolve(c Conflict) Resolution {
	return Resolution{
		Conflict: c,
		Resolved: false,
		Reason:   "manual review required",
	}
}
