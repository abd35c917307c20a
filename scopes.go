// Package scopes defines the core contracts of the scopes sync engine:
// an append-only event store with vector-clock causality tracking, and
// the live event stream consumed by reactive parts of the application.
//
// The store keeps one event log per device mesh member and one current
// vector clock row per known device. Conflict detection and resolution
// live in the conflict package; batch synchronization between two
// devices lives in the sync package.
package scopes

import (
	"context"
	"time"

	"github.com/scopekit/scopes/conflict"
	"github.com/scopekit/scopes/event"
	"github.com/scopekit/scopes/identity"
	"github.com/scopekit/scopes/vclock"
)

// EventStore is the append-only, durable event log. Implementations can
// use any storage backend; storage/sqlite is the reference one.
//
// Every operation may block on storage I/O and honors context
// cancellation. Failures are reported as *errors.StoreError values,
// never panics, and each call is all-or-nothing.
type EventStore interface {
	// Store persists a locally produced event: it allocates the next
	// per-device sequence number (starting at 1, gap-free), writes the
	// event and the device's merged vector clock in one transaction,
	// and publishes the stored event to live subscribers.
	//
	// Store calls for the same device are serialized to keep sequence
	// numbers monotonic; calls for different devices may run concurrently.
	Store(ctx context.Context, e event.DomainEvent, device identity.DeviceID, clock vclock.Clock) (event.StoredEvent, error)

	// StoreReplicated persists an event received from a peer, keeping
	// its original metadata. The event's sequence number must be the
	// next expected value for its device; otherwise the call fails with
	// INVALID_EVENT_SEQUENCE and nothing is written.
	StoreReplicated(ctx context.Context, remote event.StoredEvent) (event.StoredEvent, error)

	// GetEventsSince returns events with occurred-at strictly after the
	// given instant, ordered ascending by occurrence time. A non-zero
	// device filters to that writer. This is the sync cursor query.
	GetEventsSince(ctx context.Context, instant time.Time, device identity.DeviceID) ([]event.StoredEvent, error)

	// GetEventsByAggregate returns one aggregate's history, ordered
	// ascending by occurrence time; a non-zero since narrows the range.
	GetEventsByAggregate(ctx context.Context, aggregate identity.AggregateID, since time.Time) ([]event.StoredEvent, error)

	// CurrentVectorClock returns the device's stored clock, or the empty
	// clock when the device is unknown.
	CurrentVectorClock(ctx context.Context, device identity.DeviceID) (vclock.Clock, error)

	// UpdateVectorClock merges remote into the device's stored clock
	// inside one transaction (read-merge-write, no lost updates) and
	// returns the merged clock.
	UpdateVectorClock(ctx context.Context, device identity.DeviceID, remote vclock.Clock) (vclock.Clock, error)

	// StreamEvents subscribes to every successfully stored event.
	// Delivery is best-effort: a slow subscriber loses oldest
	// notifications rather than blocking writers.
	StreamEvents() Subscription

	// HasConflicts reports whether two clocks are causally concurrent.
	HasConflicts(local, remote vclock.Clock) bool

	// FindConflictingEvents pairs each remote event with the local
	// device's events on the same aggregate whose clocks are concurrent
	// with it.
	FindConflictingEvents(ctx context.Context, localDevice identity.DeviceID, remote []event.StoredEvent) ([]conflict.Conflict, error)

	// CountEvents returns the total number of stored events.
	CountEvents(ctx context.Context) (int64, error)

	// Prune applies the configured retention policy (max event count,
	// retention days) and returns how many events were removed.
	Prune(ctx context.Context) (int64, error)

	// Close releases resources and terminates live subscriptions.
	Close() error
}

// Subscription is a live feed of stored events. Close releases the
// subscriber; the Events channel is closed afterwards.
type Subscription interface {
	Events() <-chan event.StoredEvent
	Close()
}
