// Package sqlstore provides an embedded-SQL implementation of
// eventstore.Store backed by modernc.org/sqlite (a pure-Go, cgo-free SQLite
// driver), so the store ships as a single binary with no external database
// process.
package sqlstore

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"goa.design/transcriptd/eventstore"
	"goa.design/transcriptd/structerr"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	stream_id TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	kind      TEXT NOT NULL,
	payload   BLOB NOT NULL,
	PRIMARY KEY (stream_id, seq)
);
`

// namespacePattern bounds config.Config.Namespace to identifier-safe
// characters before it's interpolated into a table name.
var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

// eventsTable returns the events table name for namespace, which isolates
// distinct tenants' tables within one shared database per SPEC_FULL.md §6's
// namespace config.
func eventsTable(namespace string) (string, error) {
	if !namespacePattern.MatchString(namespace) {
		return "", structerr.New(structerr.KindStructural, "namespace %q contains characters outside [A-Za-z0-9_]", namespace)
	}
	if namespace == "" {
		return "events", nil
	}
	return namespace + "_events", nil
}

// Store implements eventstore.Store on top of an embedded SQLite database.
type Store struct {
	db    *stdsql.DB
	now   func() time.Time
	table string
}

// Open opens (creating if necessary) the SQLite database at path and ensures
// the namespace's events table exists. now defaults to time.Now and is
// exposed for deterministic tests.
func Open(ctx context.Context, path string, now func() time.Time, namespace string) (*Store, error) {
	table, err := eventsTable(namespace)
	if err != nil {
		return nil, err
	}

	db, err := stdsql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite permits only one writer at a time; a single connection avoids
	// "database is locked" errors under concurrent appends to distinct
	// streams, at the cost of serializing all access through one conn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, fmt.Sprintf(schemaTemplate, table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now, table: table}, nil
}

// New wraps an already-open *sql.DB, skipping schema creation. Used by
// ledger/sqlstore to share one connection across both event and ledger
// tables.
func New(db *stdsql.DB, now func() time.Time, namespace string) (*Store, error) {
	table, err := eventsTable(namespace)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now, table: table}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Append implements eventstore.Store. It runs inside an immediate-mode write
// transaction (BEGIN IMMEDIATE): the write lock is acquired before the head
// is read, so a concurrent Append on the same stream blocks rather than
// racing on seq assignment. The lock spans only this batch, not replay.
func (s *Store) Append(ctx context.Context, streamID string, events []eventstore.StreamEvent) ([]eventstore.StoredEvent, error) {
	if len(events) == 0 {
		return []eventstore.StoredEvent{}, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "acquire connection for stream %q", streamID)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "begin immediate transaction for stream %q", streamID)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	var head uint64
	row := conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s WHERE stream_id = ?", s.table), streamID)
	if err := row.Scan(&head); err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "read head for stream %q", streamID)
	}

	ts := s.now().UTC()
	stored := make([]eventstore.StoredEvent, 0, len(events))
	for i, e := range events {
		seq := head + uint64(i) + 1
		if _, err := conn.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (stream_id, seq, timestamp, kind, payload) VALUES (?, ?, ?, ?, ?)", s.table),
			streamID, seq, ts.Format(time.RFC3339Nano), e.Kind, e.Payload); err != nil {
			return nil, structerr.Wrap(structerr.KindTransient, err, "insert event seq %d for stream %q", seq, streamID)
		}
		stored = append(stored, eventstore.StoredEvent{
			Seq:       seq,
			Timestamp: ts,
			StreamID:  streamID,
			Event:     e,
		})
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "commit append for stream %q", streamID)
	}
	committed = true
	return stored, nil
}

// Replay implements eventstore.Store.
func (s *Store) Replay(ctx context.Context, streamID string, opts eventstore.ReplayOptions) ([]eventstore.StoredEvent, error) {
	if opts.LimitSet && opts.Limit == 0 {
		return []eventstore.StoredEvent{}, nil
	}

	query := fmt.Sprintf("SELECT seq, timestamp, kind, payload FROM %s WHERE stream_id = ? AND seq > ? ORDER BY seq ASC", s.table)
	args := []any{streamID, opts.AfterSeq}
	if opts.LimitSet {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "replay stream %q", streamID)
	}
	defer rows.Close()

	out := make([]eventstore.StoredEvent, 0)
	for rows.Next() {
		var (
			seq     uint64
			tsRaw   string
			kind    string
			payload []byte
		)
		if err := rows.Scan(&seq, &tsRaw, &kind, &payload); err != nil {
			return nil, structerr.New(structerr.KindStructural, "decode event row for stream %q: %v", streamID, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		if err != nil {
			return nil, structerr.New(structerr.KindStructural, "decode timestamp for stream %q seq %d: %v", streamID, seq, err)
		}
		out = append(out, eventstore.StoredEvent{
			Seq:       seq,
			Timestamp: ts,
			StreamID:  streamID,
			Event:     eventstore.StreamEvent{Kind: kind, Payload: payload},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "iterate replay rows for stream %q", streamID)
	}
	return out, nil
}

// Head implements eventstore.Store.
func (s *Store) Head(ctx context.Context, streamID string) (uint64, error) {
	var head uint64
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s WHERE stream_id = ?", s.table), streamID)
	if err := row.Scan(&head); err != nil {
		return 0, structerr.Wrap(structerr.KindTransient, err, "read head for stream %q", streamID)
	}
	return head, nil
}

// Delete implements eventstore.Store.
func (s *Store) Delete(ctx context.Context, streamID string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE stream_id = ?", s.table), streamID); err != nil {
		return structerr.Wrap(structerr.KindTransient, err, "delete stream %q", streamID)
	}
	return nil
}
