// Package sqlite provides the SQLite implementation of the scopes
// EventStore: an append-only event log plus a per-device vector clock
// table, updated atomically per store call.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	scopes "github.com/scopekit/scopes"
	"github.com/scopekit/scopes/conflict"
	syncErrors "github.com/scopekit/scopes/errors"
	"github.com/scopekit/scopes/event"
	"github.com/scopekit/scopes/identity"
	"github.com/scopekit/scopes/logging"
	"github.com/scopekit/scopes/vclock"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = "storage/sqlite"

var errStoreClosed = fmt.Errorf("store is closed")

// Config holds configuration options for the event store.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// EnableWAL enables Write-Ahead Logging for better concurrency.
	// Recommended and on by default via DefaultConfig.
	EnableWAL bool

	// MaxEvents caps the log size; Store fails with
	// STORAGE_CAPACITY_EXCEEDED once reached. 0 disables the cap.
	MaxEvents int64

	// RetentionDays bounds how long events are retained by Prune.
	// 0 keeps events forever.
	RetentionDays int

	// StreamBuffer is the per-subscriber channel capacity for
	// StreamEvents. Oldest entries are dropped when a subscriber
	// falls this far behind.
	StreamBuffer int

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.StreamBuffer == 0 {
		c.StreamBuffer = 256
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
}

// DefaultConfig returns a production-ready configuration for the given
// database file: WAL on, pooled connections, unbounded retention.
func DefaultConfig(path string) *Config {
	c := &Config{Path: path, EnableWAL: true}
	c.setDefaults()
	return c
}

// Store implements scopes.EventStore on SQLite.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
	cfg    Config

	// deviceMu serializes Store calls per device so sequence numbers
	// stay gap-free. Different devices proceed concurrently.
	deviceMuMu stdSync.Mutex
	deviceMu   map[identity.DeviceID]*stdSync.Mutex

	broadcast *broadcaster

	mu     stdSync.RWMutex
	closed bool

	detector conflict.Detector
}

var _ scopes.EventStore = (*Store)(nil)

// New opens (or creates) the database at cfg.Path and prepares the schema.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	cfg.setDefaults()
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := cfg.Path
	appendParam := func(p string) {
		if strings.Contains(dsn, "?") {
			dsn += "&" + p
		} else {
			dsn += "?" + p
		}
	}
	if cfg.EnableWAL && !strings.Contains(dsn, "_journal_mode=") {
		appendParam("_journal_mode=WAL")
	}
	if !strings.Contains(dsn, "_busy_timeout=") {
		// Concurrent writers back off instead of failing with SQLITE_BUSY.
		appendParam("_busy_timeout=5000")
	}
	if !strings.Contains(dsn, "_txlock=") {
		// Transactions take the write lock up front, so the reads inside
		// a store transaction (capacity count, MAX sequence) see the
		// state they will commit against.
		appendParam("_txlock=immediate")
	}

	logger := logging.WithComponent(logging.Component(component))
	logger.Info("opening event store",
		slog.String("path", cfg.Path),
		slog.Bool("wal_enabled", cfg.EnableWAL),
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to sqlite database: %w", err)
	}

	s := &Store{
		db:        db,
		logger:    logger,
		cfg:       *cfg,
		deviceMu:  make(map[identity.DeviceID]*stdSync.Mutex),
		broadcast: newBroadcaster(cfg.StreamBuffer),
	}

	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("setup database schema: %w", err)
	}

	return s, nil
}

// Open is a convenience constructor using DefaultConfig.
func Open(path string) (*Store, error) {
	return New(DefaultConfig(path))
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS events (
        id              TEXT NOT NULL PRIMARY KEY,
        aggregate_id    TEXT NOT NULL,
        event_type      TEXT NOT NULL,
        device_id       TEXT NOT NULL,
        sequence_number INTEGER NOT NULL,
        occurred_at     INTEGER NOT NULL,
        data            TEXT,
        vector_clock    TEXT NOT NULL,
        UNIQUE (device_id, sequence_number)
    );
    CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events (aggregate_id, occurred_at);
    CREATE INDEX IF NOT EXISTS idx_events_device ON events (device_id, occurred_at);
    CREATE INDEX IF NOT EXISTS idx_events_occurred ON events (occurred_at);

    CREATE TABLE IF NOT EXISTS vector_clocks (
        device_id   TEXT NOT NULL PRIMARY KEY,
        clock       TEXT NOT NULL,
        updated_at  INTEGER NOT NULL
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Store) lockDevice(device identity.DeviceID) *stdSync.Mutex {
	s.deviceMuMu.Lock()
	defer s.deviceMuMu.Unlock()
	mu, ok := s.deviceMu[device]
	if !ok {
		mu = &stdSync.Mutex{}
		s.deviceMu[device] = mu
	}
	return mu
}

// Store persists a locally produced event. Sequence allocation, event
// insert and the device clock update happen in one transaction; a crash
// between them is never observable.
func (s *Store) Store(ctx context.Context, e event.DomainEvent, device identity.DeviceID, clock vclock.Clock) (event.StoredEvent, error) {
	if err := device.Validate(); err != nil {
		return event.StoredEvent{}, syncErrors.NewValidationError(syncErrors.OpStore, err)
	}
	if err := e.EventID().Validate(); err != nil {
		return event.StoredEvent{}, syncErrors.NewValidationError(syncErrors.OpStore, err)
	}
	if err := e.AggregateID().Validate(); err != nil {
		return event.StoredEvent{}, syncErrors.NewValidationError(syncErrors.OpStore, err)
	}

	payload, err := event.MarshalPayload(e)
	if err != nil {
		return event.StoredEvent{}, syncErrors.NewValidationError(syncErrors.OpStore, fmt.Errorf("marshal payload: %w", err))
	}

	stored := event.StoredEvent{
		Metadata: event.Metadata{
			EventID:     e.EventID(),
			AggregateID: e.AggregateID(),
			EventType:   e.EventType(),
			DeviceID:    device,
			VectorClock: clock,
			OccurredAt:  e.OccurredAt().UTC(),
		},
		Payload: payload,
	}

	return s.append(ctx, stored, 0)
}

// StoreReplicated persists an event received from a peer, keeping its
// original device, clock, occurred-at and sequence number. The sequence
// number must be the next expected value for its device.
func (s *Store) StoreReplicated(ctx context.Context, remote event.StoredEvent) (event.StoredEvent, error) {
	if err := remote.DeviceID().Validate(); err != nil {
		return event.StoredEvent{}, syncErrors.NewValidationError(syncErrors.OpStore, err)
	}
	if remote.Metadata.SequenceNumber == 0 {
		return event.StoredEvent{}, syncErrors.NewValidationError(syncErrors.OpStore,
			fmt.Errorf("replicated event %s has no sequence number", remote.EventID()))
	}
	return s.append(ctx, remote, remote.Metadata.SequenceNumber)
}

// append writes one event. wantSeq 0 means "allocate the next sequence";
// non-zero means "this must be the next sequence".
func (s *Store) append(ctx context.Context, stored event.StoredEvent, wantSeq uint64) (event.StoredEvent, error) {
	if s.isClosed() {
		return event.StoredEvent{}, syncErrors.NewDatabaseError(syncErrors.OpStore, component, errStoreClosed)
	}

	device := stored.DeviceID()

	mu := s.lockDevice(device)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.StoredEvent{}, syncErrors.NewDatabaseError(syncErrors.OpStore, component, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// The capacity check shares the insert's transaction so concurrent
	// stores for different devices cannot both pass it and overshoot
	// the cap.
	if s.cfg.MaxEvents > 0 {
		var count int64
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count)
		if err != nil {
			return event.StoredEvent{}, syncErrors.NewDatabaseError(syncErrors.OpStore, component, err)
		}
		if count >= s.cfg.MaxEvents {
			err = syncErrors.NewStorageCapacityExceeded(syncErrors.OpStore, component, s.cfg.MaxEvents)
			return event.StoredEvent{}, err
		}
	}

	var maxSeq sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(sequence_number) FROM events WHERE device_id = ?`, device.String(),
	).Scan(&maxSeq)
	if err != nil {
		return event.StoredEvent{}, syncErrors.NewDatabaseError(syncErrors.OpStore, component, err)
	}

	next := uint64(maxSeq.Int64) + 1
	if wantSeq != 0 && wantSeq != next {
		err = syncErrors.NewInvalidEventSequence(syncErrors.OpStore, component, device.String(), next, wantSeq)
		return event.StoredEvent{}, err
	}
	stored.Metadata.SequenceNumber = next

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, aggregate_id, event_type, device_id, sequence_number, occurred_at, data, vector_clock)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.EventID().String(),
		stored.AggregateID().String(),
		stored.Metadata.EventType,
		device.String(),
		int64(stored.Metadata.SequenceNumber),
		stored.Metadata.OccurredAt.UTC().UnixNano(),
		string(stored.Payload),
		stored.Metadata.VectorClock.String(),
	)
	if err != nil {
		return event.StoredEvent{}, syncErrors.NewDatabaseError(syncErrors.OpStore, component, err)
	}

	// The device's current clock row advances in the same transaction,
	// so the event insert and the clock update are never observable
	// half-applied.
	if err = s.mergeClockTx(ctx, tx, device, stored.Metadata.VectorClock); err != nil {
		return event.StoredEvent{}, err
	}

	if err = tx.Commit(); err != nil {
		return event.StoredEvent{}, syncErrors.NewDatabaseError(syncErrors.OpStore, component, err)
	}

	s.broadcast.publish(stored)

	s.logger.Debug("event stored",
		slog.String("event_id", stored.EventID().String()),
		slog.String("aggregate_id", stored.AggregateID().String()),
		slog.String("device_id", device.String()),
		slog.Uint64("sequence", stored.Metadata.SequenceNumber),
	)
	return stored, nil
}

// mergeClockTx performs the read-merge-write of a device's clock row
// inside the caller's transaction.
func (s *Store) mergeClockTx(ctx context.Context, tx *sql.Tx, device identity.DeviceID, remote vclock.Clock) error {
	var raw sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT clock FROM vector_clocks WHERE device_id = ?`, device.String(),
	).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return syncErrors.NewDatabaseError(syncErrors.OpUpdateClock, component, err)
	}

	current := vclock.New()
	if raw.Valid {
		current, err = vclock.FromJSON(raw.String)
		if err != nil {
			return syncErrors.NewCorruptedEvent(syncErrors.OpUpdateClock, component, err)
		}
	}

	merged := current.Merge(remote)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO vector_clocks (device_id, clock, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(device_id) DO UPDATE SET clock = excluded.clock, updated_at = excluded.updated_at`,
		device.String(), merged.String(), time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return syncErrors.NewDatabaseError(syncErrors.OpUpdateClock, component, err)
	}
	return nil
}

// GetEventsSince returns events that occurred strictly after instant,
// ascending by occurrence time. A non-zero device narrows to one writer.
func (s *Store) GetEventsSince(ctx context.Context, instant time.Time, device identity.DeviceID) ([]event.StoredEvent, error) {
	if s.isClosed() {
		return nil, syncErrors.NewDatabaseError(syncErrors.OpGetEventsSince, component, errStoreClosed)
	}

	query := `SELECT id, aggregate_id, event_type, device_id, sequence_number, occurred_at, data, vector_clock
              FROM events WHERE occurred_at > ?`
	args := []any{instant.UTC().UnixNano()}
	if !device.IsZero() {
		query += ` AND device_id = ?`
		args = append(args, device.String())
	}
	query += ` ORDER BY occurred_at ASC, device_id ASC, sequence_number ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncErrors.NewDatabaseError(syncErrors.OpGetEventsSince, component, err)
	}
	defer rows.Close()

	return s.scanEvents(rows, syncErrors.OpGetEventsSince)
}

// GetEventsByAggregate returns one aggregate's history ascending by
// occurrence time; a non-zero since narrows the range.
func (s *Store) GetEventsByAggregate(ctx context.Context, aggregate identity.AggregateID, since time.Time) ([]event.StoredEvent, error) {
	if s.isClosed() {
		return nil, syncErrors.NewDatabaseError(syncErrors.OpGetByAggregate, component, errStoreClosed)
	}

	query := `SELECT id, aggregate_id, event_type, device_id, sequence_number, occurred_at, data, vector_clock
              FROM events WHERE aggregate_id = ?`
	args := []any{aggregate.String()}
	if !since.IsZero() {
		query += ` AND occurred_at > ?`
		args = append(args, since.UTC().UnixNano())
	}
	query += ` ORDER BY occurred_at ASC, device_id ASC, sequence_number ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncErrors.NewDatabaseError(syncErrors.OpGetByAggregate, component, err)
	}
	defer rows.Close()

	return s.scanEvents(rows, syncErrors.OpGetByAggregate)
}

// CurrentVectorClock returns the device's stored clock; unknown devices
// get the empty clock.
func (s *Store) CurrentVectorClock(ctx context.Context, device identity.DeviceID) (vclock.Clock, error) {
	if s.isClosed() {
		return vclock.Clock{}, syncErrors.NewDatabaseError(syncErrors.OpCurrentClock, component, errStoreClosed)
	}

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT clock FROM vector_clocks WHERE device_id = ?`, device.String(),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return vclock.New(), nil
	}
	if err != nil {
		return vclock.Clock{}, syncErrors.NewDatabaseError(syncErrors.OpCurrentClock, component, err)
	}

	clock, err := vclock.FromJSON(raw)
	if err != nil {
		return vclock.Clock{}, syncErrors.NewCorruptedEvent(syncErrors.OpCurrentClock, component, err)
	}
	return clock, nil
}

// UpdateVectorClock merges remote into the device's stored clock and
// returns the result. The read-merge-write runs in one transaction so
// concurrent callers cannot lose updates.
func (s *Store) UpdateVectorClock(ctx context.Context, device identity.DeviceID, remote vclock.Clock) (vclock.Clock, error) {
	if err := device.Validate(); err != nil {
		return vclock.Clock{}, syncErrors.NewValidationError(syncErrors.OpUpdateClock, err)
	}
	if s.isClosed() {
		return vclock.Clock{}, syncErrors.NewDatabaseError(syncErrors.OpUpdateClock, component, errStoreClosed)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return vclock.Clock{}, syncErrors.NewDatabaseError(syncErrors.OpUpdateClock, component, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = s.mergeClockTx(ctx, tx, device, remote); err != nil {
		return vclock.Clock{}, err
	}

	var raw string
	if err = tx.QueryRowContext(ctx,
		`SELECT clock FROM vector_clocks WHERE device_id = ?`, device.String(),
	).Scan(&raw); err != nil {
		return vclock.Clock{}, syncErrors.NewDatabaseError(syncErrors.OpUpdateClock, component, err)
	}

	if err = tx.Commit(); err != nil {
		return vclock.Clock{}, syncErrors.NewDatabaseError(syncErrors.OpUpdateClock, component, err)
	}

	merged, err := vclock.FromJSON(raw)
	if err != nil {
		return vclock.Clock{}, syncErrors.NewCorruptedEvent(syncErrors.OpUpdateClock, component, err)
	}
	return merged, nil
}

// StreamEvents subscribes to the live feed of stored events.
func (s *Store) StreamEvents() scopes.Subscription {
	return s.broadcast.subscribe()
}

// HasConflicts reports whether two clocks are causally concurrent.
func (s *Store) HasConflicts(local, remote vclock.Clock) bool {
	return local.ConcurrentWith(remote)
}

// FindConflictingEvents pairs each remote event with the local device's
// events on the same aggregate whose clocks are concurrent with it.
func (s *Store) FindConflictingEvents(ctx context.Context, localDevice identity.DeviceID, remote []event.StoredEvent) ([]conflict.Conflict, error) {
	if s.isClosed() {
		return nil, syncErrors.NewDatabaseError(syncErrors.OpFindConflicts, component, errStoreClosed)
	}
	if len(remote) == 0 {
		return nil, nil
	}

	// One aggregate is commonly touched by several remote events in a
	// batch; load each aggregate's local history once.
	localByAggregate := make(map[identity.AggregateID][]event.StoredEvent)
	for _, re := range remote {
		agg := re.AggregateID()
		if _, done := localByAggregate[agg]; done {
			continue
		}
		all, err := s.GetEventsByAggregate(ctx, agg, time.Time{})
		if err != nil {
			return nil, err
		}
		var mine []event.StoredEvent
		for _, ev := range all {
			if ev.DeviceID() == localDevice {
				mine = append(mine, ev)
			}
		}
		localByAggregate[agg] = mine
	}

	var local []event.StoredEvent
	for _, evs := range localByAggregate {
		local = append(local, evs...)
	}
	return s.detector.Detect(local, remote), nil
}

// CountEvents returns the total number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	if s.isClosed() {
		return 0, syncErrors.NewDatabaseError(syncErrors.OpGetEventsSince, component, errStoreClosed)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, syncErrors.NewDatabaseError(syncErrors.OpGetEventsSince, component, err)
	}
	return count, nil
}

// Prune removes events outside the configured retention window and, when
// MaxEvents is set, the oldest events beyond the cap. Returns how many
// rows were removed. The live log stays append-only; pruning is the
// explicit, operator-driven cleanup path.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.isClosed() {
		return 0, syncErrors.NewDatabaseError(syncErrors.OpPrune, component, errStoreClosed)
	}

	var removed int64

	if s.cfg.RetentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays).UnixNano()
		res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE occurred_at < ?`, cutoff)
		if err != nil {
			return removed, syncErrors.NewDatabaseError(syncErrors.OpPrune, component, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}

	if s.cfg.MaxEvents > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE id IN (
                SELECT id FROM events ORDER BY occurred_at DESC, device_id ASC, sequence_number DESC
                LIMIT -1 OFFSET ?
            )`, s.cfg.MaxEvents)
		if err != nil {
			return removed, syncErrors.NewDatabaseError(syncErrors.OpPrune, component, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}

	if removed > 0 {
		s.logger.Info("pruned events", slog.Int64("removed", removed))
	}
	return removed, nil
}

// Close closes the database and terminates all live subscriptions.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.broadcast.close()
	return s.db.Close()
}

// Stats exposes connection pool statistics for monitoring.
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

func (s *Store) scanEvents(rows *sql.Rows, op syncErrors.Operation) ([]event.StoredEvent, error) {
	var events []event.StoredEvent
	for rows.Next() {
		var (
			id, aggregate, eventType, device string
			seq, occurredAt                  int64
			data                             sql.NullString
			rawClock                         string
		)
		if err := rows.Scan(&id, &aggregate, &eventType, &device, &seq, &occurredAt, &data, &rawClock); err != nil {
			return nil, syncErrors.NewDatabaseError(op, component, err)
		}

		clock, err := vclock.FromJSON(rawClock)
		if err != nil {
			return nil, syncErrors.NewCorruptedEvent(op, component,
				fmt.Errorf("event %s: %w", id, err))
		}

		stored := event.StoredEvent{
			Metadata: event.Metadata{
				EventID:        identity.EventID(id),
				AggregateID:    identity.AggregateID(aggregate),
				EventType:      eventType,
				DeviceID:       identity.DeviceID(device),
				VectorClock:    clock,
				OccurredAt:     time.Unix(0, occurredAt).UTC(),
				SequenceNumber: uint64(seq),
			},
		}
		if data.Valid {
			stored.Payload = []byte(data.String)
		}
		events = append(events, stored)
	}

	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewDatabaseError(op, component, err)
	}
	return events, nil
}
