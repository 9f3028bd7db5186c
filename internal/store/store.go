// Package store implements Strobe's event store: a durable,
// structured-query backing store for session metadata and trace events,
// with batched inserts and FIFO eviction against a per-session event
// cap. Backed by an embedded SQLite database (modernc.org/sqlite, pure
// Go, no cgo).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/strobehq/strobe/internal/errs"
)

// EventKind classifies one event record.
type EventKind string

const (
	KindFunctionEnter    EventKind = "function-enter"
	KindFunctionExit     EventKind = "function-exit"
	KindStdout           EventKind = "stdout"
	KindStderr           EventKind = "stderr"
	KindPause            EventKind = "pause"
	KindLogpoint         EventKind = "logpoint"
	KindVariableSnapshot EventKind = "variable-snapshot"
	KindConditionError   EventKind = "condition-error"
	KindCrash            EventKind = "crash"
	// KindOverflow records a ring-buffer overflow report in the stream
	// Stored alongside the client-visible kinds so queries can surface
	// drop windows; never evicted, like the other diagnostic kinds.
	KindOverflow EventKind = "overflow"
)

// evictable reports whether a kind may be deleted by FIFO eviction:
// stdout, stderr, crash, pause, and logpoint events are never evicted;
// only function-enter/exit and variable-snapshot events can be deleted.
func (k EventKind) evictable() bool {
	return k == KindFunctionEnter || k == KindFunctionExit || k == KindVariableSnapshot
}

// Event is one immutable trace record.
type Event struct {
	ID            int64
	SessionID     string
	TimestampNs   int64
	ThreadID      uint32
	ThreadName    string
	ParentEventID int64
	Kind          EventKind
	FunctionName  string
	RawName       string
	SourceFile    string
	Line          int
	Arguments     string // JSON-serialized
	ReturnValue   string // JSON-serialized
	DurationNs    int64
	Text          string
	WatchValues   string // JSON-serialized
	Sampled       bool
}

// Store is the daemon's persistent event store.
type Store struct {
	db *sql.DB

	batchSize     int
	batchInterval time.Duration
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema.
func Open(path string, batchSize int, batchInterval time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap("store.open", errs.KindInternal, err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer at a time; matches the per-session serialized writer

	s := &Store{db: db, batchSize: batchSize, batchInterval: batchInterval}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			pid INTEGER,
			binary_path TEXT,
			project_root TEXT,
			language TEXT,
			event_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			image_base INTEGER NOT NULL DEFAULT 0,
			slide INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			timestamp_ns INTEGER NOT NULL,
			thread_id INTEGER NOT NULL,
			thread_name TEXT,
			parent_event_id INTEGER,
			kind TEXT NOT NULL,
			function_name TEXT,
			raw_name TEXT,
			source_file TEXT,
			line INTEGER,
			arguments TEXT,
			return_value TEXT,
			duration_ns INTEGER,
			text TEXT,
			watch_values TEXT,
			sampled INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_monotonic ON events(session_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, timestamp_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_events_function_name ON events(function_name)`,
		`CREATE INDEX IF NOT EXISTS idx_events_source_file ON events(source_file)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errs.Wrap("store.migrate", errs.KindInternal, err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateSession inserts a new session row. Events require an existing
// session id at insertion time, enforced by inserting the session first.
func (s *Store) CreateSession(ctx context.Context, id string, pid int, binaryPath, projectRoot, language string, imageBase, slide uint64, createdAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, pid, binary_path, project_root, language, event_count, status, image_base, slide, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, 'running', ?, ?, ?)`,
		id, pid, binaryPath, projectRoot, language, imageBase, slide, createdAt)
	if err != nil {
		return errs.Wrap("store.create_session", errs.KindInternal, err)
	}
	return nil
}

// SetSessionStatus updates a session's lifecycle status (running,
// exited, stopped, retained).
func (s *Store) SetSessionStatus(ctx context.Context, sessionID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, sessionID)
	if err != nil {
		return errs.Wrap("store.set_status", errs.KindInternal, err)
	}
	return nil
}

// DeleteSession removes a session and all its events.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap("store.delete_session", errs.KindInternal, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID); err != nil {
		return errs.Wrap("store.delete_session", errs.KindInternal, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return errs.Wrap("store.delete_session", errs.KindInternal, err)
	}
	return errs.Wrap("store.delete_session", errs.KindInternal, tx.Commit())
}

// InsertBatch commits a batch of events in a single transaction and
// then runs FIFO eviction if the session's event count now exceeds its
// cap.
func (s *Store) InsertBatch(ctx context.Context, sessionID string, events []Event, eventCap int) (dropped int, err error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap("store.insert_batch", errs.KindInternal, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events
		(session_id, timestamp_ns, thread_id, thread_name, parent_event_id, kind, function_name, raw_name, source_file, line, arguments, return_value, duration_ns, text, watch_values, sampled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, errs.Wrap("store.insert_batch", errs.KindInternal, err)
	}
	defer stmt.Close()

	for _, e := range events {
		sampledInt := 0
		if e.Sampled {
			sampledInt = 1
		}
		if _, err := stmt.ExecContext(ctx, sessionID, e.TimestampNs, e.ThreadID, e.ThreadName, nullableID(e.ParentEventID),
			string(e.Kind), e.FunctionName, e.RawName, e.SourceFile, e.Line, e.Arguments, e.ReturnValue, e.DurationNs, e.Text, e.WatchValues, sampledInt); err != nil {
			return 0, errs.Wrap("store.insert_batch", errs.KindInternal, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET event_count = event_count + ? WHERE id = ?`, len(events), sessionID); err != nil {
		return 0, errs.Wrap("store.insert_batch", errs.KindInternal, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap("store.insert_batch", errs.KindInternal, err)
	}

	return s.evictIfOverCap(ctx, sessionID, eventCap)
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// evictIfOverCap implements FIFO eviction. The count used to decide how
// many to delete is computed against the evictable subset, not total
// count, or the cap would be chronically exceeded when output volume is
// high — stdout/stderr/crash/pause/logpoint are never deleted regardless
// of how full the session is.
func (s *Store) evictIfOverCap(ctx context.Context, sessionID string, eventCap int) (int, error) {
	if eventCap <= 0 {
		return 0, nil
	}

	var total, nonEvictable int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&total); err != nil {
		return 0, errs.Wrap("store.evict", errs.KindInternal, err)
	}
	if total <= eventCap {
		return 0, nil
	}

	evictableKinds := fmt.Sprintf("'%s','%s','%s'", KindFunctionEnter, KindFunctionExit, KindVariableSnapshot)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM events WHERE session_id = ? AND kind IN (%s)`, evictableKinds)
	var evictableCount int
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&evictableCount); err != nil {
		return 0, errs.Wrap("store.evict", errs.KindInternal, err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id = ? AND kind NOT IN (`+evictableKinds+`)`, sessionID).Scan(&nonEvictable); err != nil {
		return 0, errs.Wrap("store.evict", errs.KindInternal, err)
	}

	// evictableCap is how many evictable events are allowed to remain so
	// that total never exceeds the cap: cap - nonEvictable.
	evictableCap := eventCap - nonEvictable
	if evictableCap < 0 {
		evictableCap = 0
	}
	if evictableCount <= evictableCap {
		return 0, nil
	}
	toDelete := evictableCount - evictableCap

	delQuery := fmt.Sprintf(`DELETE FROM events WHERE id IN (
		SELECT id FROM events WHERE session_id = ? AND kind IN (%s) ORDER BY id ASC LIMIT ?
	)`, evictableKinds)
	res, err := s.db.ExecContext(ctx, delQuery, sessionID, toDelete)
	if err != nil {
		return 0, errs.Wrap("store.evict", errs.KindInternal, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Filters narrows a Query call.
type Filters struct {
	Kinds             []EventKind
	FunctionNameEq    string
	FunctionNameLike  string
	SourceFileEq      string
	SourceFileLike    string
	ThreadID          *uint32
	ThreadNameLike    string
	TimeFromNs        *int64
	TimeToNs          *int64
	DurationFromNs    *int64
	DurationToNs      *int64
	Cursor            int64 // events with id > Cursor
}

// QueryResult is what Query returns: a page of events, a has_more flag,
// and the last id as the next cursor.
type QueryResult struct {
	Events  []Event
	HasMore bool
	LastID  int64
}

// escapeLike escapes backslash, %, and _ so user-supplied substrings
// can't act as LIKE wildcards, and strips null bytes.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

// Query runs a filtered, cursor-paginated read against the store.
func (s *Store) Query(ctx context.Context, sessionID string, f Filters, limit int) (QueryResult, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	var where []string
	var args []any
	where = append(where, "session_id = ?")
	args = append(args, sessionID)

	// Cross-cutting rule: a function-name filter is automatically
	// conjoined with kind in {function-enter, function-exit} so stdout/
	// stderr (which carry no function name) are neither wrongly included
	// nor wrongly excluded.
	kinds := f.Kinds
	if (f.FunctionNameEq != "" || f.FunctionNameLike != "") && len(kinds) == 0 {
		kinds = []EventKind{KindFunctionEnter, KindFunctionExit}
	}
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.FunctionNameEq != "" {
		where = append(where, "function_name = ?")
		args = append(args, f.FunctionNameEq)
	}
	if f.FunctionNameLike != "" {
		where = append(where, "function_name LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.FunctionNameLike)+"%")
	}
	if f.SourceFileEq != "" {
		where = append(where, "source_file = ?")
		args = append(args, f.SourceFileEq)
	}
	if f.SourceFileLike != "" {
		where = append(where, "source_file LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.SourceFileLike)+"%")
	}
	if f.ThreadID != nil {
		where = append(where, "thread_id = ?")
		args = append(args, *f.ThreadID)
	}
	if f.ThreadNameLike != "" {
		where = append(where, "thread_name LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.ThreadNameLike)+"%")
	}
	if f.TimeFromNs != nil {
		where = append(where, "timestamp_ns >= ?")
		args = append(args, *f.TimeFromNs)
	}
	if f.TimeToNs != nil {
		where = append(where, "timestamp_ns <= ?")
		args = append(args, *f.TimeToNs)
	}
	if f.DurationFromNs != nil {
		where = append(where, "duration_ns >= ?")
		args = append(args, *f.DurationFromNs)
	}
	if f.DurationToNs != nil {
		where = append(where, "duration_ns <= ?")
		args = append(args, *f.DurationToNs)
	}
	if f.Cursor > 0 {
		where = append(where, "id > ?")
		args = append(args, f.Cursor)
	}

	query := fmt.Sprintf(`SELECT id, session_id, timestamp_ns, thread_id, COALESCE(thread_name,''), COALESCE(parent_event_id,0),
		kind, COALESCE(function_name,''), COALESCE(raw_name,''), COALESCE(source_file,''), COALESCE(line,0),
		COALESCE(arguments,''), COALESCE(return_value,''), COALESCE(duration_ns,0), COALESCE(text,''), COALESCE(watch_values,''), sampled
		FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(where, " AND "))
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return QueryResult{}, errs.Wrap("store.query", errs.KindInternal, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var kind string
		var sampled int
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TimestampNs, &e.ThreadID, &e.ThreadName, &e.ParentEventID,
			&kind, &e.FunctionName, &e.RawName, &e.SourceFile, &e.Line, &e.Arguments, &e.ReturnValue, &e.DurationNs,
			&e.Text, &e.WatchValues, &sampled); err != nil {
			return QueryResult{}, errs.Wrap("store.query", errs.KindInternal, err)
		}
		e.Kind = EventKind(kind)
		e.Sampled = sampled != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, errs.Wrap("store.query", errs.KindInternal, err)
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	var lastID int64
	if len(out) > 0 {
		lastID = out[len(out)-1].ID
	}
	return QueryResult{Events: out, HasMore: hasMore, LastID: lastID}, nil
}

// EventCount returns the number of events currently stored for a
// session, after any eviction (reported in session status). A deleted
// or unknown session has zero events.
func (s *Store) EventCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, errs.Wrap("store.event_count", errs.KindInternal, err)
	}
	return n, nil
}
