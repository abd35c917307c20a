// Package sync orchestrates batch synchronization between the local
// event store and a remote peer: fetch remote events, detect and
// resolve conflicts, push local events, and merge vector clocks.
package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	scopes "github.com/scopekit/scopes"
	"github.com/scopekit/scopes/conflict"
	"github.com/scopekit/scopes/cursor"
	syncErrors "github.com/scopekit/scopes/errors"
	"github.com/scopekit/scopes/event"
	"github.com/scopekit/scopes/identity"
	"github.com/scopekit/scopes/logging"
	"github.com/scopekit/scopes/transport"
	"github.com/scopekit/scopes/vclock"
)

const component = "sync"

// State is the terminal state of one synchronization attempt.
type State string

const (
	// StateSuccess means every fetched event was applied or cleanly
	// resolved and the push completed.
	StateSuccess State = "success"

	// StatePartialSuccess means some conflicts were auto-resolved but
	// others remain pending.
	StatePartialSuccess State = "partial_success"

	// StateFailed means the batch was aborted; the cursor is unmoved and
	// the batch is safe to re-attempt.
	StateFailed State = "failed"

	// StateConflictsPending means conflicts were detected and none were
	// auto-resolved; they are returned in Result.Conflicts.
	StateConflictsPending State = "conflicts_pending"
)

// Result is the outcome of one synchronization attempt.
type Result struct {
	Peer         identity.DeviceID   `json:"peer"`
	State        State               `json:"state"`
	EventsPushed int                 `json:"events_pushed"`
	EventsPulled int                 `json:"events_pulled"`
	Conflicts    []conflict.Conflict `json:"conflicts,omitempty"`
	Resolved     int                 `json:"resolved"`
	Unresolved   int                 `json:"unresolved"`
	SyncedAt     time.Time           `json:"synced_at"`
	Duration     time.Duration       `json:"duration"`
}

// Options tunes a Synchronizer. The zero value is usable; zero fields
// fall back to the defaults below.
type Options struct {
	// BatchSize bounds how many events one attempt pulls and pushes.
	BatchSize int

	// MaxRetryAttempts bounds retries of retryable transport failures
	// within one attempt. Storage failures are never retried.
	MaxRetryAttempts int

	// BatchTimeout bounds one attempt end to end.
	BatchTimeout time.Duration

	// DefaultStrategy applies when Synchronize is called with an empty
	// strategy.
	DefaultStrategy conflict.Strategy
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 30 * time.Second
	}
	if o.DefaultStrategy == "" {
		o.DefaultStrategy = conflict.LastWriteWins
	}
	return o
}

// Synchronizer runs bounded sync batches against peers. It is safe for
// concurrent use; attempts against the same peer are serialized by the
// cursor lock only, so callers should avoid overlapping runs per peer.
type Synchronizer struct {
	store  scopes.EventStore
	device identity.DeviceID
	opts   Options
	logger *logging.Logger

	mu      sync.Mutex
	cursors map[identity.DeviceID]time.Time
}

// New creates a Synchronizer for the given local store and device.
func New(store scopes.EventStore, device identity.DeviceID, opts Options) *Synchronizer {
	return &Synchronizer{
		store:   store,
		device:  device,
		opts:    opts.withDefaults(),
		logger:  logging.WithComponent(logging.Component(component)).WithDevice(device.String()),
		cursors: make(map[identity.DeviceID]time.Time),
	}
}

// Cursor returns the last committed pull cursor for a peer, the zero
// time when the peer has never completed a batch.
func (s *Synchronizer) Cursor(peer identity.DeviceID) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[peer]
}

func (s *Synchronizer) commitCursor(peer identity.DeviceID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.cursors[peer]) {
		s.cursors[peer] = at
	}
}

// Synchronize runs one bounded sync batch against the peer:
//
//  1. fetch the peer's events newer than the committed cursor,
//  2. scan them for conflicts with the local device's events,
//  3. decide each conflict per strategy,
//  4. apply the batch in per-device sequence order. A resolved
//     conflict's remote event is appended whichever side won: the log
//     is append-only, so a resolution supersedes the loser's effect
//     without omitting it from the origin device's sequence. An
//     unresolved contested event is held back together with that
//     device's later events; the cursor stays behind it so the next
//     batch refetches them,
//  5. push local events the peer does not know yet,
//  6. merge the peer's vector clock into the local clock row, whether
//     or not every remote payload was accepted.
//
// A storage failure aborts the batch and leaves the cursor unmoved.
// Unresolved conflicts are data, not errors: they are returned in the
// result with state StateConflictsPending.
func (s *Synchronizer) Synchronize(ctx context.Context, peer transport.Peer, strategy conflict.Strategy) (Result, error) {
	start := time.Now()
	if strategy == "" {
		strategy = s.opts.DefaultStrategy
	}
	resolver, err := conflict.ResolverFor(strategy)
	if err != nil {
		return Result{State: StateFailed}, syncErrors.NewValidationError(syncErrors.OpSync, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.BatchTimeout)
	defer cancel()

	peerDevice, err := peer.DeviceID(ctx)
	if err != nil {
		return s.failed(ctx, identity.DeviceID(""), start, err)
	}

	res := Result{Peer: peerDevice, State: StateSuccess}
	since := s.Cursor(peerDevice)

	var remote []event.StoredEvent
	err = s.withRetry(ctx, func() error {
		var ferr error
		remote, ferr = peer.Fetch(ctx, since, s.opts.BatchSize)
		return ferr
	})
	if err != nil {
		return s.failed(ctx, peerDevice, start, err)
	}

	var peerClock vclock.Clock
	err = s.withRetry(ctx, func() error {
		var cerr error
		peerClock, cerr = peer.Clock(ctx)
		return cerr
	})
	if err != nil {
		return s.failed(ctx, peerDevice, start, err)
	}

	// Events the local clock rows already cover were integrated by an
	// earlier batch (or a ResolveConflicts call); they take no further
	// part in detection or apply.
	fresh, err := s.filterCovered(ctx, remote)
	if err != nil {
		return s.failed(ctx, peerDevice, start, err)
	}

	conflicts, err := s.store.FindConflictingEvents(ctx, s.device, fresh)
	if err != nil {
		return s.failed(ctx, peerDevice, start, err)
	}

	resolutions, pending := s.decide(ctx, conflicts, resolver)
	for _, r := range resolutions {
		if r.Resolved {
			res.Resolved++
		} else {
			res.Unresolved++
			res.Conflicts = append(res.Conflicts, r.Conflict)
		}
	}

	pulled, unapplied, err := s.applyRemote(ctx, fresh, pending)
	if err != nil {
		return s.failed(ctx, peerDevice, start, err)
	}
	res.EventsPulled = pulled

	pushed, err := s.push(ctx, peer, peerClock)
	if err != nil {
		return s.failed(ctx, peerDevice, start, err)
	}
	res.EventsPushed = pushed

	// Causal knowledge of the peer's writes is recorded even when their
	// payloads were rejected by the resolution strategy.
	if _, err := s.store.UpdateVectorClock(ctx, s.device, peerClock); err != nil {
		return s.failed(ctx, peerDevice, start, err)
	}

	if next := nextCursor(remote, unapplied); !next.IsZero() {
		s.commitCursor(peerDevice, next)
	}

	switch {
	case res.Unresolved > 0 && res.Resolved > 0:
		res.State = StatePartialSuccess
	case res.Unresolved > 0:
		res.State = StateConflictsPending
	}
	res.SyncedAt = time.Now().UTC()
	res.Duration = time.Since(start)

	s.logger.InfoContext(ctx, "sync batch finished",
		slog.Any("operation", logging.Operation(syncErrors.OpSync)),
		slog.String("peer", peerDevice.String()),
		slog.String("state", string(res.State)),
		slog.Int("pulled", res.EventsPulled),
		slog.Int("pushed", res.EventsPushed),
		slog.Int("resolved", res.Resolved),
		slog.Int("unresolved", res.Unresolved),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// applyRemote stores the filtered batch in per-device sequence order.
// Fetch order is occurred-at, which carries no per-device monotonicity
// guarantee, so applying in that order could hit a sequence gap on a
// device whose later event carries an earlier timestamp.
//
// An event in pending blocks the rest of its device's batch: those
// events need the contested one first for sequence contiguity. They are
// returned as unapplied so the cursor can stay behind them.
func (s *Synchronizer) applyRemote(ctx context.Context, fresh []event.StoredEvent, pending map[identity.EventID]bool) (int, []event.StoredEvent, error) {
	ordered := make([]event.StoredEvent, len(fresh))
	copy(ordered, fresh)
	event.SortForReplication(ordered)

	applied := 0
	var unapplied []event.StoredEvent
	blocked := make(map[identity.DeviceID]bool)
	for _, ev := range ordered {
		if blocked[ev.DeviceID()] || pending[ev.EventID()] {
			blocked[ev.DeviceID()] = true
			unapplied = append(unapplied, ev)
			continue
		}
		if _, err := s.store.StoreReplicated(ctx, ev); err != nil {
			return applied, unapplied, err
		}
		applied++
	}
	return applied, unapplied, nil
}

// filterCovered drops events whose origin device's clock row already
// covers their sequence number.
func (s *Synchronizer) filterCovered(ctx context.Context, remote []event.StoredEvent) ([]event.StoredEvent, error) {
	fresh := make([]event.StoredEvent, 0, len(remote))
	for _, ev := range remote {
		known, err := s.covered(ctx, ev)
		if err != nil {
			return nil, err
		}
		if !known {
			fresh = append(fresh, ev)
		}
	}
	return fresh, nil
}

func (s *Synchronizer) covered(ctx context.Context, ev event.StoredEvent) (bool, error) {
	clock, err := s.store.CurrentVectorClock(ctx, ev.DeviceID())
	if err != nil {
		return false, err
	}
	return cursor.NewVector(clock).Covers(ev.DeviceID(), ev.Metadata.SequenceNumber), nil
}

// decide runs the resolver over each conflict without touching storage.
// The returned pending set holds the remote event IDs left unresolved;
// applyRemote keeps those (and their successors) out of the log.
func (s *Synchronizer) decide(ctx context.Context, conflicts []conflict.Conflict, resolver conflict.Resolver) ([]conflict.Resolution, map[identity.EventID]bool) {
	resolutions := make([]conflict.Resolution, 0, len(conflicts))
	pending := make(map[identity.EventID]bool)
	for _, c := range conflicts {
		r := resolver.Resolve(c)
		if !r.Resolved {
			pending[c.Remote.EventID()] = true
		}
		s.logger.DebugContext(ctx, "conflict decision",
			slog.Any("operation", logging.Operation(syncErrors.OpResolve)),
			slog.String("aggregate", c.Local.AggregateID().String()),
			slog.Bool("resolved", r.Resolved),
			slog.String("reason", r.Reason),
		)
		resolutions = append(resolutions, r)
	}
	return resolutions, pending
}

// ResolveConflicts resolves an explicit conflict list with the given
// strategy, appending each resolved pair's remote event to the local
// store and merging both sides' clocks. Used by the caller-facing
// manual resolution flow after a ConflictsPending batch.
func (s *Synchronizer) ResolveConflicts(ctx context.Context, conflicts []conflict.Conflict, strategy conflict.Strategy) ([]conflict.Resolution, error) {
	resolver, err := conflict.ResolverFor(strategy)
	if err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpResolve, err)
	}
	resolutions, _ := s.decide(ctx, conflicts, resolver)
	for _, r := range resolutions {
		if r.Resolved {
			// The remote event joins the log whichever side won, closing
			// its slot in the origin device's sequence.
			known, err := s.covered(ctx, r.Conflict.Remote)
			if err != nil {
				return resolutions, err
			}
			if !known {
				if _, err := s.store.StoreReplicated(ctx, r.Conflict.Remote); err != nil {
					return resolutions, err
				}
			}
		}
		merged := r.Conflict.Local.Clock().Merge(r.Conflict.Remote.Clock())
		if _, err := s.store.UpdateVectorClock(ctx, s.device, merged); err != nil {
			return resolutions, err
		}
	}
	return resolutions, nil
}

// push sends local events the peer's clock does not cover yet, bounded
// by the batch size.
func (s *Synchronizer) push(ctx context.Context, peer transport.Peer, peerClock vclock.Clock) (int, error) {
	all, err := s.store.GetEventsSince(ctx, time.Time{}, identity.DeviceID(""))
	if err != nil {
		return 0, err
	}
	peerKnows := cursor.NewVector(peerClock)
	outgoing := make([]event.StoredEvent, 0, s.opts.BatchSize)
	for _, ev := range all {
		if peerKnows.Covers(ev.DeviceID(), ev.Metadata.SequenceNumber) {
			continue
		}
		outgoing = append(outgoing, ev)
		if len(outgoing) == s.opts.BatchSize {
			break
		}
	}
	if len(outgoing) == 0 {
		return 0, nil
	}
	event.SortForReplication(outgoing)

	accepted := 0
	err = s.withRetry(ctx, func() error {
		var serr error
		accepted, serr = peer.Send(ctx, outgoing)
		return serr
	})
	if err != nil {
		return 0, err
	}
	return accepted, nil
}

// withRetry retries fn on retryable errors with linear backoff, up to
// the configured attempt budget.
func (s *Synchronizer) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !syncErrors.IsRetryable(err) || attempt >= s.opts.MaxRetryAttempts {
			return err
		}
		delay := time.Duration(attempt+1) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

func (s *Synchronizer) failed(ctx context.Context, peer identity.DeviceID, start time.Time, err error) (Result, error) {
	s.logger.LogError(ctx, err, "sync batch aborted",
		slog.String("peer", peer.String()),
	)
	return Result{
		Peer:     peer,
		State:    StateFailed,
		SyncedAt: time.Now().UTC(),
		Duration: time.Since(start),
	}, err
}

func latestOccurredAt(events []event.StoredEvent) time.Time {
	var latest time.Time
	for _, ev := range events {
		if ev.Metadata.OccurredAt.After(latest) {
			latest = ev.Metadata.OccurredAt
		}
	}
	return latest
}

// nextCursor picks the cursor to commit after a batch. With nothing
// held back it is the batch's high-water mark. Otherwise it stops just
// short of the earliest unapplied event so the next fetch returns the
// held-back events again; anything refetched alongside them is skipped
// by the covered check.
func nextCursor(remote, unapplied []event.StoredEvent) time.Time {
	if len(unapplied) == 0 {
		return latestOccurredAt(remote)
	}
	earliest := unapplied[0].Metadata.OccurredAt
	for _, ev := range unapplied[1:] {
		if ev.Metadata.OccurredAt.Before(earliest) {
			earliest = ev.Metadata.OccurredAt
		}
	}
	var latest time.Time
	for _, ev := range remote {
		at := ev.Metadata.OccurredAt
		if at.Before(earliest) && at.After(latest) {
			latest = at
		}
	}
	return latest
}

// Run synchronizes against the peer on a fixed interval until the
// context is cancelled. Batch failures are logged and the loop keeps
// going; a local-first device expects peers to come and go.
func (s *Synchronizer) Run(ctx context.Context, peer transport.Peer, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Failures are already logged by Synchronize.
			_, _ = s.Synchronize(ctx, peer, "")
		}
	}
}
