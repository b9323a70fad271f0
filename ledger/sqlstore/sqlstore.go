// Package sqlstore provides an embedded-SQL implementation of ledger.Store,
// backed by the same modernc.org/sqlite driver eventstore/sqlstore uses, so
// a process can share one *sql.DB across both event and ledger tables.
package sqlstore

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"goa.design/transcriptd/accumulator"
	"goa.design/transcriptd/chaos"
	"goa.design/transcriptd/ledger"
	"goa.design/transcriptd/structerr"
	"goa.design/transcriptd/xid"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	run_id                TEXT PRIMARY KEY,
	thread_id             TEXT NOT NULL,
	stream_id             TEXT NOT NULL,
	fork_from_message_id  TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL,
	created_at            TEXT NOT NULL,
	finished_at           TEXT,
	message_count         INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS %[2]s (
	id                TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL,
	thread_id         TEXT NOT NULL,
	parent_message_id TEXT NOT NULL DEFAULT '',
	role              TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	metadata          TEXT NOT NULL,
	ordinal           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[2]s_thread_id ON %[2]s(thread_id);
CREATE INDEX IF NOT EXISTS idx_%[2]s_parent_message_id ON %[2]s(parent_message_id);
CREATE INDEX IF NOT EXISTS idx_%[2]s_run_id ON %[2]s(run_id);
CREATE TABLE IF NOT EXISTS %[3]s (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	ordinal    INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[3]s_message_id ON %[3]s(message_id);
`

// schemaVersion is stamped into every message's metadata under the reserved
// "schema_version" key. Rows read back without a numeric schema_version are
// a fatal Structural error.
const schemaVersion = 1

// sqlTimeLayout formats timestamps with a fixed 9-digit fractional-second
// width, unlike time.RFC3339Nano which trims trailing zeros. ListStaleRuns
// compares created_at as text against a cutoff formatted the same way; a
// trimmed, exactly-on-the-second timestamp omits the fractional part
// entirely, which can sort after a timestamp a few nanoseconds later that
// still has one. A fixed width keeps every created_at byte-comparable in
// timestamp order.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// namespacePattern bounds config.Config.Namespace to identifier-safe
// characters before it's interpolated into a table name.
var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

func namespacedTables(namespace string) (runs, messages, parts string, err error) {
	if !namespacePattern.MatchString(namespace) {
		return "", "", "", structerr.New(structerr.KindStructural, "namespace %q contains characters outside [A-Za-z0-9_]", namespace)
	}
	if namespace == "" {
		return "runs", "messages", "parts", nil
	}
	prefix := namespace + "_"
	return prefix + "runs", prefix + "messages", prefix + "parts", nil
}

// Store implements ledger.Store on top of an embedded SQLite database.
type Store struct {
	db            *stdsql.DB
	now           func() time.Time
	ids           xid.Generator
	inj           chaos.Injector
	runsTable     string
	messagesTable string
	partsTable    string
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the namespace's ledger tables exist. now defaults to time.Now;
// ids defaults to xid.Default; inj defaults to chaos.NoopInjector{}.
func Open(ctx context.Context, path string, now func() time.Time, ids xid.Generator, inj chaos.Injector, namespace string) (*Store, error) {
	runs, messages, parts, err := namespacedTables(namespace)
	if err != nil {
		return nil, err
	}

	db, err := stdsql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf(schemaTemplate, runs, messages, parts)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ledger tables: %w", err)
	}
	return New(db, now, ids, inj, namespace)
}

// New wraps an already-open *sql.DB, skipping schema creation (the caller
// is expected to have run the ledger schema, e.g. via Open, at least once).
// Used to share one connection with eventstore/sqlstore.
func New(db *stdsql.DB, now func() time.Time, ids xid.Generator, inj chaos.Injector, namespace string) (*Store, error) {
	if now == nil {
		now = time.Now
	}
	if ids == nil {
		ids = xid.Default
	}
	if inj == nil {
		inj = chaos.NoopInjector{}
	}
	runs, messages, parts, err := namespacedTables(namespace)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: now, ids: ids, inj: inj, runsTable: runs, messagesTable: messages, partsTable: parts}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

var _ ledger.Store = (*Store)(nil)

// BeginRun implements ledger.Store.
func (s *Store) BeginRun(ctx context.Context, opts ledger.BeginRunOptions) (ledger.RunRecord, error) {
	runID := s.ids.New()
	rec := ledger.RunRecord{
		RunID:             runID,
		ThreadID:          opts.ThreadID,
		StreamID:          "run:" + runID,
		ForkFromMessageID: opts.ForkFromMessageID,
		Status:            ledger.StatusCreated,
		CreatedAt:         s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (run_id, thread_id, stream_id, fork_from_message_id, status, created_at) VALUES (?, ?, ?, ?, ?, ?)", s.runsTable),
		rec.RunID, rec.ThreadID, rec.StreamID, rec.ForkFromMessageID, string(rec.Status), rec.CreatedAt.Format(sqlTimeLayout))
	if err != nil {
		return ledger.RunRecord{}, structerr.Wrap(structerr.KindTransient, err, "insert run %q", runID)
	}
	return rec, nil
}

// ActivateRun implements ledger.Store.
func (s *Store) ActivateRun(ctx context.Context, runID string) (ledger.RunRecord, error) {
	rec, err := s.getRun(ctx, s.db, runID)
	if err != nil {
		return ledger.RunRecord{}, err
	}
	if rec == nil {
		return ledger.RunRecord{}, structerr.New(structerr.KindNotFound, "run %q not found", runID)
	}
	if rec.Status != ledger.StatusCreated {
		return ledger.RunRecord{}, structerr.New(structerr.KindIllegalTransition, "run %q is %s, not created", runID, rec.Status)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET status = ? WHERE run_id = ?", s.runsTable), string(ledger.StatusStreaming), runID); err != nil {
		return ledger.RunRecord{}, structerr.Wrap(structerr.KindTransient, err, "activate run %q", runID)
	}
	rec.Status = ledger.StatusStreaming
	return *rec, nil
}

// FinalizeRun implements ledger.Store. The entire operation runs inside one
// immediate-mode write transaction; chaos.Injector checkpoints at each named
// point from spec.md §4.7's atomicity floor let tests simulate a crash at
// any step and assert persistent state stays consistent.
func (s *Store) FinalizeRun(ctx context.Context, opts ledger.FinalizeOptions) (ledger.FinalizeResult, error) {
	if err := s.inj.Check(ctx, chaos.LedgerFinalizePreBegin); err != nil {
		return ledger.FinalizeResult{}, structerr.Wrap(structerr.KindTransient, err, "fault at pre_begin")
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return ledger.FinalizeResult{}, structerr.Wrap(structerr.KindTransient, err, "acquire connection")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return ledger.FinalizeResult{}, structerr.Wrap(structerr.KindTransient, err, "begin immediate transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	rec, err := s.getRun(ctx, conn, opts.RunID)
	if err != nil {
		return ledger.FinalizeResult{}, err
	}
	if rec == nil {
		return ledger.FinalizeResult{}, structerr.New(structerr.KindNotFound, "run %q not found", opts.RunID)
	}

	if rec.Status.IsTerminal() {
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			return ledger.FinalizeResult{}, structerr.Wrap(structerr.KindTransient, err, "commit no-op finalize")
		}
		committed = true
		if rec.Status == opts.Status {
			return ledger.FinalizeResult{Committed: rec.Status == ledger.StatusCommitted}, nil
		}
		return ledger.FinalizeResult{}, structerr.New(structerr.KindIllegalTransition,
			"run %q already finalized as %s, cannot re-finalize as %s", opts.RunID, rec.Status, opts.Status)
	}

	now := s.now().UTC()
	var result ledger.FinalizeResult

	switch opts.Status {
	case ledger.StatusCommitted:
		superseded, err := s.supersedePeers(ctx, conn, *rec, now)
		if err != nil {
			return ledger.FinalizeResult{}, err
		}
		result.SupersededRunIDs = superseded

		if err := s.insertMessages(ctx, conn, *rec, opts.Messages); err != nil {
			return ledger.FinalizeResult{}, err
		}
		if err := s.inj.Check(ctx, chaos.LedgerFinalizePostInsert); err != nil {
			return ledger.FinalizeResult{}, structerr.Wrap(structerr.KindTransient, err, "fault at post_insert")
		}
		result.Committed = true
	case ledger.StatusFailed, ledger.StatusCancelled:
		// no messages appended; partial event log is retained elsewhere.
	default:
		return ledger.FinalizeResult{}, structerr.New(structerr.KindIllegalTransition, "invalid finalize status %q", opts.Status)
	}

	if _, err := conn.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = ?, finished_at = ?, message_count = ? WHERE run_id = ?", s.runsTable),
		string(opts.Status), now.Format(sqlTimeLayout), len(opts.Messages), opts.RunID); err != nil {
		return ledger.FinalizeResult{}, structerr.Wrap(structerr.KindTransient, err, "update run status")
	}
	if err := s.inj.Check(ctx, chaos.LedgerFinalizePostStatusUpdate); err != nil {
		return ledger.FinalizeResult{}, structerr.Wrap(structerr.KindTransient, err, "fault at post_status_update")
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return ledger.FinalizeResult{}, structerr.Wrap(structerr.KindTransient, err, "commit finalize")
	}
	committed = true

	if err := s.inj.Check(ctx, chaos.LedgerFinalizePostCommit); err != nil {
		// The transaction is already durable; a fault here models a crash
		// the caller never observes as success, not a rollback.
		return ledger.FinalizeResult{}, structerr.Wrap(structerr.KindTransient, err, "fault at post_commit")
	}
	return result, nil
}

// supersedePeers marks prior committed runs on the same thread sharing the
// same non-empty fork_from_message_id as superseded, prunes their messages,
// and checks the post_prune/post_supersede checkpoints in between.
func (s *Store) supersedePeers(ctx context.Context, conn *stdsql.Conn, rec ledger.RunRecord, finishedAt time.Time) ([]string, error) {
	if rec.ForkFromMessageID == "" {
		return nil, nil
	}

	rows, err := conn.QueryContext(ctx,
		fmt.Sprintf("SELECT run_id FROM %s WHERE thread_id = ? AND fork_from_message_id = ? AND status = ? AND run_id != ?", s.runsTable),
		rec.ThreadID, rec.ForkFromMessageID, string(ledger.StatusCommitted), rec.RunID)
	if err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "query peer runs")
	}
	var peers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, structerr.Wrap(structerr.KindTransient, err, "scan peer run id")
		}
		peers = append(peers, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "iterate peer runs")
	}
	if len(peers) == 0 {
		return nil, nil
	}

	for _, id := range peers {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE run_id = ?", s.messagesTable), id); err != nil {
			return nil, structerr.Wrap(structerr.KindTransient, err, "prune messages for superseded run %q", id)
		}
	}
	if err := s.inj.Check(ctx, chaos.LedgerFinalizePostPrune); err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "fault at post_prune")
	}

	for _, id := range peers {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET status = ?, finished_at = ? WHERE run_id = ?", s.runsTable),
			string(ledger.StatusSuperseded), finishedAt.Format(sqlTimeLayout), id); err != nil {
			return nil, structerr.Wrap(structerr.KindTransient, err, "supersede run %q", id)
		}
	}
	if err := s.inj.Check(ctx, chaos.LedgerFinalizePostSupersede); err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "fault at post_supersede")
	}
	return peers, nil
}

// insertMessages persists opts.Messages and their parts, linking the first
// message to rec.ForkFromMessageID and the rest per their accumulator-
// assigned parent chain.
func (s *Store) insertMessages(ctx context.Context, conn *stdsql.Conn, rec ledger.RunRecord, messages []accumulator.CanonicalMessage) error {
	if len(messages) == 0 {
		return nil
	}
	var nextOrdinal int
	row := conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(ordinal), -1) + 1 FROM %s WHERE thread_id = ?", s.messagesTable), rec.ThreadID)
	if err := row.Scan(&nextOrdinal); err != nil {
		return structerr.Wrap(structerr.KindTransient, err, "read next ordinal for thread %q", rec.ThreadID)
	}

	for i, cm := range messages {
		parent := cm.ParentMessageID
		if i == 0 {
			parent = rec.ForkFromMessageID
		}
		metadata := cm.Metadata
		if metadata == nil {
			metadata = make(map[string]any)
		}
		if _, ok := metadata["schema_version"]; !ok {
			metadata["schema_version"] = schemaVersion
		}
		metaJSON, err := json.Marshal(metadata)
		if err != nil {
			return structerr.New(structerr.KindStructural, "encode metadata for message %q: %v", cm.ID, err)
		}
		ordinal := nextOrdinal
		nextOrdinal++

		if _, err := conn.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (id, run_id, thread_id, parent_message_id, role, created_at, metadata, ordinal) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", s.messagesTable),
			cm.ID, rec.RunID, rec.ThreadID, parent, cm.Role, cm.CreatedAt.UTC().Format(sqlTimeLayout), metaJSON, ordinal); err != nil {
			return structerr.Wrap(structerr.KindTransient, err, "insert message %q", cm.ID)
		}

		for partOrdinal, part := range cm.Parts {
			kind, data, err := encodePart(part)
			if err != nil {
				return structerr.New(structerr.KindStructural, "encode part %d of message %q: %v", partOrdinal, cm.ID, err)
			}
			if _, err := conn.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s (message_id, ordinal, kind, data) VALUES (?, ?, ?, ?)", s.partsTable),
				cm.ID, partOrdinal, kind, data); err != nil {
				return structerr.Wrap(structerr.KindTransient, err, "insert part %d of message %q", partOrdinal, cm.ID)
			}
		}
	}
	return nil
}

// GetRun implements ledger.Store.
func (s *Store) GetRun(ctx context.Context, runID string) (*ledger.RunRecord, error) {
	return s.getRun(ctx, s.db, runID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *stdsql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*stdsql.Rows, error)
}

func (s *Store) getRun(ctx context.Context, q querier, runID string) (*ledger.RunRecord, error) {
	row := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT run_id, thread_id, stream_id, fork_from_message_id, status, created_at, finished_at, message_count FROM %s WHERE run_id = ?", s.runsTable),
		runID)
	rec, err := scanRun(row)
	if err == stdsql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func scanRun(row *stdsql.Row) (*ledger.RunRecord, error) {
	var (
		rec        ledger.RunRecord
		status     string
		createdAt  string
		finishedAt stdsql.NullString
	)
	if err := row.Scan(&rec.RunID, &rec.ThreadID, &rec.StreamID, &rec.ForkFromMessageID, &status, &createdAt, &finishedAt, &rec.MessageCount); err != nil {
		if err == stdsql.ErrNoRows {
			return nil, stdsql.ErrNoRows
		}
		return nil, structerr.Wrap(structerr.KindTransient, err, "scan run row")
	}
	rec.Status = ledger.Status(status)
	ts, err := time.Parse(sqlTimeLayout, createdAt)
	if err != nil {
		return nil, structerr.New(structerr.KindStructural, "decode created_at for run %q: %v", rec.RunID, err)
	}
	rec.CreatedAt = ts
	if finishedAt.Valid {
		ft, err := time.Parse(sqlTimeLayout, finishedAt.String)
		if err != nil {
			return nil, structerr.New(structerr.KindStructural, "decode finished_at for run %q: %v", rec.RunID, err)
		}
		rec.FinishedAt = &ft
	}
	return &rec, nil
}

// ListRuns implements ledger.Store.
func (s *Store) ListRuns(ctx context.Context, opts ledger.ListRunsOptions) ([]ledger.RunRecord, error) {
	query := fmt.Sprintf("SELECT run_id, thread_id, stream_id, fork_from_message_id, status, created_at, finished_at, message_count FROM %s", s.runsTable)
	var args []any
	if opts.ThreadID != "" {
		query += " WHERE thread_id = ?"
		args = append(args, opts.ThreadID)
	}
	query += " ORDER BY created_at ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "list runs")
	}
	defer rows.Close()

	var out []ledger.RunRecord
	for rows.Next() {
		var (
			rec        ledger.RunRecord
			status     string
			createdAt  string
			finishedAt stdsql.NullString
		)
		if err := rows.Scan(&rec.RunID, &rec.ThreadID, &rec.StreamID, &rec.ForkFromMessageID, &status, &createdAt, &finishedAt, &rec.MessageCount); err != nil {
			return nil, structerr.Wrap(structerr.KindTransient, err, "scan run row")
		}
		rec.Status = ledger.Status(status)
		ts, err := time.Parse(sqlTimeLayout, createdAt)
		if err != nil {
			return nil, structerr.New(structerr.KindStructural, "decode created_at for run %q: %v", rec.RunID, err)
		}
		rec.CreatedAt = ts
		if finishedAt.Valid {
			ft, err := time.Parse(sqlTimeLayout, finishedAt.String)
			if err != nil {
				return nil, structerr.New(structerr.KindStructural, "decode finished_at for run %q: %v", rec.RunID, err)
			}
			rec.FinishedAt = &ft
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "iterate runs")
	}
	return out, nil
}

// GetTranscript implements ledger.Store.
func (s *Store) GetTranscript(ctx context.Context, threadID string, branch ledger.Branch) ([]ledger.Message, error) {
	messages, statuses, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return ledger.ResolveTranscript(messages, statuses, branch)
}

// GetThreadTree implements ledger.Store.
func (s *Store) GetThreadTree(ctx context.Context, threadID string, branch ledger.Branch) (ledger.ThreadTree, error) {
	messages, statuses, err := s.loadThread(ctx, threadID)
	if err != nil {
		return ledger.ThreadTree{}, err
	}
	return ledger.ResolveThreadTree(messages, statuses, branch)
}

func (s *Store) loadThread(ctx context.Context, threadID string) ([]ledger.Message, map[string]ledger.Status, error) {
	runRows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT run_id, status FROM %s WHERE thread_id = ?", s.runsTable), threadID)
	if err != nil {
		return nil, nil, structerr.Wrap(structerr.KindTransient, err, "load run statuses for thread %q", threadID)
	}
	statuses := make(map[string]ledger.Status)
	for runRows.Next() {
		var id, status string
		if err := runRows.Scan(&id, &status); err != nil {
			runRows.Close()
			return nil, nil, structerr.Wrap(structerr.KindTransient, err, "scan run status row")
		}
		statuses[id] = ledger.Status(status)
	}
	runRows.Close()
	if err := runRows.Err(); err != nil {
		return nil, nil, structerr.Wrap(structerr.KindTransient, err, "iterate run statuses")
	}

	msgRows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, run_id, parent_message_id, role, created_at, metadata, ordinal FROM %s WHERE thread_id = ? ORDER BY ordinal ASC", s.messagesTable),
		threadID)
	if err != nil {
		return nil, nil, structerr.Wrap(structerr.KindTransient, err, "load messages for thread %q", threadID)
	}

	// Fully drain and close msgRows before issuing any per-message parts
	// query: with db.SetMaxOpenConns(1) (see eventstore/sqlstore), a nested
	// query while msgRows still holds the sole connection would deadlock.
	var messages []ledger.Message
	for msgRows.Next() {
		var (
			m         ledger.Message
			createdAt string
			metaJSON  []byte
		)
		if err := msgRows.Scan(&m.ID, &m.RunID, &m.ParentMessageID, &m.Role, &createdAt, &metaJSON, &m.Order); err != nil {
			msgRows.Close()
			return nil, nil, structerr.Wrap(structerr.KindTransient, err, "scan message row")
		}
		m.ThreadID = threadID
		ts, err := time.Parse(sqlTimeLayout, createdAt)
		if err != nil {
			msgRows.Close()
			return nil, nil, structerr.New(structerr.KindStructural, "decode created_at for message %q: %v", m.ID, err)
		}
		m.CreatedAt = ts

		var meta map[string]any
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			msgRows.Close()
			return nil, nil, structerr.New(structerr.KindStructural, "decode metadata for message %q: %v", m.ID, err)
		}
		if _, ok := numericSchemaVersion(meta); !ok {
			msgRows.Close()
			return nil, nil, structerr.New(structerr.KindStructural, "message %q metadata missing numeric schema_version", m.ID)
		}
		m.Metadata = meta
		messages = append(messages, m)
	}
	msgErr := msgRows.Err()
	msgRows.Close()
	if msgErr != nil {
		return nil, nil, structerr.Wrap(structerr.KindTransient, msgErr, "iterate messages")
	}

	for i := range messages {
		parts, err := s.loadParts(ctx, messages[i].ID)
		if err != nil {
			return nil, nil, err
		}
		messages[i].Parts = parts
	}
	return messages, statuses, nil
}

func numericSchemaVersion(meta map[string]any) (float64, bool) {
	v, ok := meta["schema_version"]
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

func (s *Store) loadParts(ctx context.Context, messageID string) ([]accumulator.CanonicalPart, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT kind, data FROM %s WHERE message_id = ? ORDER BY ordinal ASC", s.partsTable), messageID)
	if err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "load parts for message %q", messageID)
	}
	defer rows.Close()

	var parts []accumulator.CanonicalPart
	for rows.Next() {
		var kind string
		var data []byte
		if err := rows.Scan(&kind, &data); err != nil {
			return nil, structerr.Wrap(structerr.KindTransient, err, "scan part row for message %q", messageID)
		}
		part, err := decodePart(kind, data)
		if err != nil {
			return nil, structerr.New(structerr.KindStructural, "decode part for message %q: %v", messageID, err)
		}
		parts = append(parts, part)
	}
	if err := rows.Err(); err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "iterate parts for message %q", messageID)
	}
	return parts, nil
}

// DeleteThread implements ledger.Store.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return structerr.Wrap(structerr.KindTransient, err, "begin delete-thread transaction")
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.messagesTable), threadID); err != nil {
		_ = tx.Rollback()
		return structerr.Wrap(structerr.KindTransient, err, "delete messages for thread %q", threadID)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.runsTable), threadID); err != nil {
		_ = tx.Rollback()
		return structerr.Wrap(structerr.KindTransient, err, "delete runs for thread %q", threadID)
	}
	if err := tx.Commit(); err != nil {
		return structerr.Wrap(structerr.KindTransient, err, "commit delete-thread transaction")
	}
	return nil
}

// ListStaleRuns implements ledger.Store.
func (s *Store) ListStaleRuns(ctx context.Context, opts ledger.StaleRunsOptions) ([]ledger.RunRecord, error) {
	threshold := opts.OlderThan
	if threshold == 0 {
		threshold = ledger.DefaultStaleThreshold
	}
	cutoff := s.now().UTC().Add(-threshold)

	query := fmt.Sprintf("SELECT run_id, thread_id, stream_id, fork_from_message_id, status, created_at, finished_at, message_count FROM %s WHERE status IN (?, ?) AND created_at <= ?", s.runsTable)
	args := []any{string(ledger.StatusCreated), string(ledger.StatusStreaming), cutoff.Format(sqlTimeLayout)}
	if opts.ThreadID != "" {
		query += " AND thread_id = ?"
		args = append(args, opts.ThreadID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "list stale runs")
	}
	defer rows.Close()

	var out []ledger.RunRecord
	for rows.Next() {
		var (
			rec        ledger.RunRecord
			status     string
			createdAt  string
			finishedAt stdsql.NullString
		)
		if err := rows.Scan(&rec.RunID, &rec.ThreadID, &rec.StreamID, &rec.ForkFromMessageID, &status, &createdAt, &finishedAt, &rec.MessageCount); err != nil {
			return nil, structerr.Wrap(structerr.KindTransient, err, "scan stale run row")
		}
		rec.Status = ledger.Status(status)
		ts, err := time.Parse(sqlTimeLayout, createdAt)
		if err != nil {
			return nil, structerr.New(structerr.KindStructural, "decode created_at for run %q: %v", rec.RunID, err)
		}
		rec.CreatedAt = ts
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, structerr.Wrap(structerr.KindTransient, err, "iterate stale runs")
	}
	return out, nil
}

// RecoverRun implements ledger.Store.
func (s *Store) RecoverRun(ctx context.Context, runID string, action ledger.RecoverAction) (ledger.RunRecord, error) {
	rec, err := s.getRun(ctx, s.db, runID)
	if err != nil {
		return ledger.RunRecord{}, err
	}
	if rec == nil {
		return ledger.RunRecord{}, structerr.New(structerr.KindNotFound, "run %q not found", runID)
	}
	if !rec.Status.IsActive() {
		return ledger.RunRecord{}, structerr.New(structerr.KindIllegalTransition, "run %q is %s, not active", runID, rec.Status)
	}

	var status ledger.Status
	switch action {
	case ledger.ActionFail:
		status = ledger.StatusFailed
	case ledger.ActionCancel:
		status = ledger.StatusCancelled
	default:
		return ledger.RunRecord{}, structerr.New(structerr.KindIllegalTransition, "invalid recover action %q", action)
	}

	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET status = ?, finished_at = ? WHERE run_id = ?", s.runsTable),
		string(status), now.Format(sqlTimeLayout), runID); err != nil {
		return ledger.RunRecord{}, structerr.Wrap(structerr.KindTransient, err, "recover run %q", runID)
	}
	rec.Status = status
	rec.FinishedAt = &now
	return *rec, nil
}
