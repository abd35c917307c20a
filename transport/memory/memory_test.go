package memory

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/scopekit/scopes/errors"
	"github.com/scopekit/scopes/event"
	"github.com/scopekit/scopes/identity"
	"github.com/scopekit/scopes/storage/sqlite"
)

var (
	devA = identity.DeviceID("device-a")
	devB = identity.DeviceID("device-b")
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(sqlite.DefaultConfig(filepath.Join(t.TempDir(), "events.db")))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeLocal(t *testing.T, s *sqlite.Store, device identity.DeviceID, aggregate string) event.StoredEvent {
	t.Helper()
	ctx := context.Background()

	current, err := s.CurrentVectorClock(ctx, device)
	require.NoError(t, err)
	clock, err := current.Increment(device)
	require.NoError(t, err)

	ev := event.NewEnvelope(
		identity.AggregateID(aggregate),
		"ScopeCreated",
		time.Now().UTC(),
		json.RawMessage(`{}`),
	)
	stored, err := s.Store(ctx, ev, device, clock)
	require.NoError(t, err)
	return stored
}

func TestPeerFetchAndSend(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	b := newTestStore(t)
	peerB := NewPeer(b, devB)

	e1 := writeLocal(t, a, devA, "scope-1")
	e2 := writeLocal(t, a, devA, "scope-2")

	accepted, err := peerB.Send(ctx, []event.StoredEvent{e1, e2})
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)

	got, err := peerB.Fetch(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Re-sending already-covered events is a no-op.
	accepted, err = peerB.Send(ctx, []event.StoredEvent{e1})
	require.NoError(t, err)
	assert.Equal(t, 0, accepted)
}

func TestPeerFetchLimit(t *testing.T) {
	ctx := context.Background()
	b := newTestStore(t)
	peerB := NewPeer(b, devB)

	writeLocal(t, b, devB, "scope-1")
	writeLocal(t, b, devB, "scope-2")
	writeLocal(t, b, devB, "scope-3")

	got, err := peerB.Fetch(ctx, time.Time{}, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestPeerClock(t *testing.T) {
	ctx := context.Background()
	b := newTestStore(t)
	peerB := NewPeer(b, devB)

	clock, err := peerB.Clock(ctx)
	require.NoError(t, err)
	assert.True(t, clock.IsZero())

	writeLocal(t, b, devB, "scope-1")

	clock, err = peerB.Clock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), clock.Timestamp(devB))
}

func TestFlakyPeerFailsThenRecovers(t *testing.T) {
	ctx := context.Background()
	b := newTestStore(t)
	writeLocal(t, b, devB, "scope-1")

	flaky := &FlakyPeer{Inner: NewPeer(b, devB), Failures: 2}

	_, err := flaky.Fetch(ctx, time.Time{}, 0)
	require.Error(t, err)
	assert.True(t, syncErrors.IsRetryable(err))

	_, err = flaky.Fetch(ctx, time.Time{}, 0)
	require.Error(t, err)

	got, err := flaky.Fetch(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
