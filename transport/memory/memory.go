// Package memory provides an in-process transport.Peer backed directly
// by another device's event store. It is used for single-process
// multi-store setups and for exercising the sync service in tests
// without a network.
package memory

import (
	"context"
	"time"

	scopes "github.com/scopekit/scopes"
	"github.com/scopekit/scopes/cursor"
	syncErrors "github.com/scopekit/scopes/errors"
	"github.com/scopekit/scopes/event"
	"github.com/scopekit/scopes/identity"
	"github.com/scopekit/scopes/vclock"
)

// Peer adapts a local EventStore into a transport.Peer.
type Peer struct {
	store  scopes.EventStore
	device identity.DeviceID
}

// NewPeer wraps the given store as a peer with the given device identity.
func NewPeer(store scopes.EventStore, device identity.DeviceID) *Peer {
	return &Peer{store: store, device: device}
}

// DeviceID returns the wrapped device's identity.
func (p *Peer) DeviceID(ctx context.Context) (identity.DeviceID, error) {
	return p.device, nil
}

// Fetch returns the wrapped store's events after the given instant.
func (p *Peer) Fetch(ctx context.Context, since time.Time, limit int) ([]event.StoredEvent, error) {
	events, err := p.store.GetEventsSince(ctx, since, identity.DeviceID(""))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Send applies local events to the wrapped store in per-device sequence
// order, skipping events its clock already covers.
func (p *Peer) Send(ctx context.Context, events []event.StoredEvent) (int, error) {
	ordered := make([]event.StoredEvent, len(events))
	copy(ordered, events)
	event.SortForReplication(ordered)

	accepted := 0
	for _, ev := range ordered {
		clock, err := p.store.CurrentVectorClock(ctx, ev.DeviceID())
		if err != nil {
			return accepted, err
		}
		if cursor.NewVector(clock).Covers(ev.DeviceID(), ev.Metadata.SequenceNumber) {
			continue
		}
		if _, err := p.store.StoreReplicated(ctx, ev); err != nil {
			return accepted, err
		}
		accepted++
	}
	return accepted, nil
}

// Clock returns the wrapped device's current vector clock.
func (p *Peer) Clock(ctx context.Context) (vclock.Clock, error) {
	clock, err := p.store.CurrentVectorClock(ctx, p.device)
	if err != nil {
		return vclock.New(), err
	}
	return clock, nil
}

// Close is a no-op; the wrapped store's lifecycle belongs to its owner.
func (p *Peer) Close() error { return nil }

// FlakyPeer wraps a Peer and fails the first Failures calls of each
// method with a retryable network error. Test helper for retry paths.
type FlakyPeer struct {
	Inner    *Peer
	Failures int

	calls int
}

func (f *FlakyPeer) fail() error {
	if f.calls < f.Failures {
		f.calls++
		return syncErrors.NewNetworkError(syncErrors.OpTransport, context.DeadlineExceeded)
	}
	return nil
}

func (f *FlakyPeer) DeviceID(ctx context.Context) (identity.DeviceID, error) {
	return f.Inner.DeviceID(ctx)
}

func (f *FlakyPeer) Fetch(ctx context.Context, since time.Time, limit int) ([]event.StoredEvent, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Inner.Fetch(ctx, since, limit)
}

func (f *FlakyPeer) Send(ctx context.Context, events []event.StoredEvent) (int, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.Inner.Send(ctx, events)
}

func (f *FlakyPeer) Clock(ctx context.Context) (vclock.Clock, error) {
	if err := f.fail(); err != nil {
		return vclock.New(), err
	}
	return f.Inner.Clock(ctx)
}

func (f *FlakyPeer) Close() error { return f.Inner.Close() }
