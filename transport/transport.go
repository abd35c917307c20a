// Package transport defines how a device exchanges event batches with a
// peer. The sync service is transport-agnostic: any implementation of
// Peer (HTTP, in-process, or otherwise) can back a synchronization run.
package transport

import (
	"context"
	"time"

	"github.com/scopekit/scopes/event"
	"github.com/scopekit/scopes/identity"
	"github.com/scopekit/scopes/vclock"
)

// Peer is one remote device. Implementations must be safe for use by a
// single synchronization run at a time; retry policy belongs to callers.
type Peer interface {
	// DeviceID returns the peer's device identity.
	DeviceID(ctx context.Context) (identity.DeviceID, error)

	// Fetch returns the peer's events that occurred strictly after the
	// given instant, ordered ascending by occurrence time, bounded by
	// limit (0 means the peer's default).
	Fetch(ctx context.Context, since time.Time, limit int) ([]event.StoredEvent, error)

	// Send delivers local events to the peer and returns how many the
	// peer accepted.
	Send(ctx context.Context, events []event.StoredEvent) (int, error)

	// Clock returns the peer's current vector clock.
	Clock(ctx context.Context) (vclock.Clock, error)

	// Close releases the connection.
	Close() error
}
