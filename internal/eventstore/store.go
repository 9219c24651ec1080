// Package eventstore provides the dual-write durable event log for daefleet.
//
// Every event is written twice: appended as one JSON line to a sequential
// log file, then inserted as one row into a SQLite indexed store. The two
// representations are mutually derivable; VerifyParity checks that their
// record counts agree. Writes are deduplicated by dedupe key and carry a
// process-wide monotonic sequence id seeded from the indexed store at
// startup, so restarts never reuse ids.
//
// The store takes an exclusive file lock on the data directory so only one
// daemon instance writes the files. Readers may query concurrently.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/daefleet/daefleet/internal/models"
)

const (
	dataDirPerms = 0o750
	logFilePerms = 0o640
	timeLayout   = time.RFC3339Nano

	logFileName  = "events.log"
	dbFileName   = "events.db"
	lockFileName = "daefleet.lock"
)

// WriteObserver receives the outcome of every Write call: outcome is
// "ok", "duplicate", or "error".
type WriteObserver func(eventType models.DAEEventType, outcome string, elapsed time.Duration)

// Store is the dual-write event store.
//
// All writes are serialized by the store mutex; the UNIQUE constraints on
// event_id, dedupe_key, and sequence_id backstop the check-then-insert in
// case a second writer ever reaches the same database file.
type Store struct {
	mu      sync.Mutex
	dir     string
	logPath string
	db      *sql.DB
	logFile *os.File
	lock    *flock.Flock
	nextSeq int64
	logger  *log.Logger
	observe WriteObserver
}

// Open prepares the data directory, acquires the writer lock, opens the
// log file and the SQLite store, runs migrations, and seeds the sequence
// counter from MAX(sequence_id).
func Open(dir string, logger *log.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("event store dir is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, dataDirPerms); err != nil {
		return nil, fmt.Errorf("create event store dir %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire store lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("event store %s is locked by another process", dir)
	}

	logPath := filepath.Join(dir, logFileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerms)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open event log %s: %w", logPath, err)
	}

	conn, err := sql.Open("sqlite", filepath.Join(dir, dbFileName))
	if err != nil {
		_ = logFile.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("open sqlite %s: %w", filepath.Join(dir, dbFileName), err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := applyPragmas(conn); err != nil {
		_ = conn.Close()
		_ = logFile.Close()
		_ = lock.Unlock()
		return nil, err
	}
	if err := Migrate(conn); err != nil {
		_ = conn.Close()
		_ = logFile.Close()
		_ = lock.Unlock()
		return nil, err
	}

	var maxSeq sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(sequence_id) FROM events`).Scan(&maxSeq); err != nil {
		_ = conn.Close()
		_ = logFile.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("seed sequence counter: %w", err)
	}

	return &Store{
		dir:     dir,
		logPath: logPath,
		db:      conn,
		logFile: logFile,
		lock:    lock,
		nextSeq: maxSeq.Int64,
		logger:  logger,
	}, nil
}

// OpenReadOnly opens only the indexed store for querying. It takes no
// writer lock and refuses writes. Used by the operator CLI.
func OpenReadOnly(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("event store dir is required")
	}
	dbPath := filepath.Join(dir, dbFileName)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("stat event store %s: %w", dbPath, err)
	}
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply pragma: %w", err)
	}
	return &Store{
		dir:     dir,
		logPath: filepath.Join(dir, logFileName),
		db:      conn,
	}, nil
}

// Close releases the database, the log file, and the writer lock.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var firstErr error
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.logFile != nil {
		if err := s.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Write appends one event to the log and inserts it into the indexed store.
//
// Duplicate dedupe keys are a strict no-op reported as
// (false, "duplicate: <key>"). Any I/O or encoding failure is reported as
// (false, "error: <detail>") and is retryable; it never panics or raises.
// On success the event's SequenceID is assigned and (true, "ok") returned.
//
// Ordering is log-first, store-second with no rollback; a crash between
// the two writes leaves a parity mismatch that VerifyParity detects.
func (s *Store) Write(ctx context.Context, ev *models.DAEEvent) (bool, string) {
	start := time.Now()
	ok, msg := s.write(ctx, ev)
	if s != nil && s.observe != nil {
		outcome := "ok"
		switch {
		case ok:
		case strings.HasPrefix(msg, "duplicate"):
			outcome = "duplicate"
		default:
			outcome = "error"
		}
		var kind models.DAEEventType
		if ev != nil {
			kind = ev.EventType
		}
		s.observe(kind, outcome, time.Since(start))
	}
	return ok, msg
}

// SetWriteObserver installs the write outcome hook. Call at wiring time,
// before writes start flowing.
func (s *Store) SetWriteObserver(obs WriteObserver) {
	if s == nil {
		return
	}
	s.observe = obs
}

func (s *Store) write(ctx context.Context, ev *models.DAEEvent) (bool, string) {
	if s == nil || s.db == nil {
		return false, "error: event store is nil"
	}
	if s.logFile == nil {
		return false, "error: event store is read-only"
	}
	if ev == nil {
		return false, "error: event is nil"
	}
	if ev.DedupeKey == "" {
		return false, "error: event dedupe key is empty"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE dedupe_key = ?`, ev.DedupeKey).Scan(&exists)
	switch {
	case err == nil:
		return false, "duplicate: " + ev.DedupeKey
	case !errors.Is(err, sql.ErrNoRows):
		return false, "error: " + err.Error()
	}

	seq := s.nextSeq + 1
	ev.SequenceID = seq

	line, err := json.Marshal(ev)
	if err != nil {
		ev.SequenceID = 0
		return false, "error: " + err.Error()
	}
	if _, err := s.logFile.Write(append(line, '\n')); err != nil {
		ev.SequenceID = 0
		return false, "error: " + err.Error()
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO events (
		sequence_id, event_id, dedupe_key, event_type, dae_id, actor_id, payload_json, ts
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		seq,
		ev.EventID,
		ev.DedupeKey,
		string(ev.EventType),
		ev.DAEID,
		ev.ActorID,
		marshalPayload(ev.Payload),
		formatTime(ev.Timestamp),
	)
	if err != nil {
		// Log line is already on disk; parity check will surface the gap.
		if isUniqueConstraint(err) {
			ev.SequenceID = 0
			return false, "duplicate: " + ev.DedupeKey
		}
		ev.SequenceID = 0
		return false, "error: " + err.Error()
	}

	s.nextSeq = seq
	return true, "ok"
}

// QueryOptions filters an event query. Zero values mean "no filter";
// Limit <= 0 falls back to DefaultQueryLimit.
type QueryOptions struct {
	EventType     models.DAEEventType
	DAEID         string
	SinceSequence int64
	Limit         int
}

// DefaultQueryLimit bounds queries that do not specify their own limit.
const DefaultQueryLimit = 100

// Query returns events from the indexed store ordered ascending by
// sequence id.
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]models.DAEEvent, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("event store is nil")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	query := `SELECT sequence_id, event_id, dedupe_key, event_type, dae_id, actor_id, payload_json, ts
		FROM events WHERE sequence_id > ?`
	args := []any{opts.SinceSequence}
	if opts.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(opts.EventType))
	}
	if opts.DAEID != "" {
		query += ` AND dae_id = ?`
		args = append(args, opts.DAEID)
	}
	query += ` ORDER BY sequence_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []models.DAEEvent
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Stats summarizes the indexed store contents.
type Stats struct {
	TotalEvents   int64
	EventsByType  map[models.DAEEventType]int64
	MaxSequenceID int64
}

// GetStats returns total and per-type event counts and the max sequence id.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, errors.New("event store is nil")
	}
	stats := Stats{EventsByType: make(map[models.DAEEventType]int64)}

	var maxSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MAX(sequence_id) FROM events`).Scan(&stats.TotalEvents, &maxSeq)
	if err != nil {
		return Stats{}, fmt.Errorf("count events: %w", err)
	}
	stats.MaxSequenceID = maxSeq.Int64

	rows, err := s.db.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM events GROUP BY event_type`)
	if err != nil {
		return Stats{}, fmt.Errorf("count events by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return Stats{}, fmt.Errorf("scan event count: %w", err)
		}
		stats.EventsByType[models.DAEEventType(kind)] = count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate event counts: %w", err)
	}
	return stats, nil
}

// VerifyParity compares the sequential log's line count to the indexed
// store's row count. It is a detection utility, not a repair mechanism.
func (s *Store) VerifyParity(ctx context.Context) (bool, string) {
	if s == nil || s.db == nil {
		return false, "error: event store is nil"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := countLogLines(s.logPath)
	if err != nil {
		return false, "error: " + err.Error()
	}
	var rowCount int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&rowCount); err != nil {
		return false, "error: " + err.Error()
	}
	if lines != rowCount {
		return false, fmt.Sprintf("parity mismatch: log=%d rows=%d", lines, rowCount)
	}
	return true, fmt.Sprintf("parity ok: %d events", rowCount)
}

func countLogLines(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var count int64
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count, nil
}

func scanEventRow(scanner interface{ Scan(dest ...any) error }) (models.DAEEvent, error) {
	var ev models.DAEEvent
	var kind string
	var payload sql.NullString
	var ts string
	if err := scanner.Scan(&ev.SequenceID, &ev.EventID, &ev.DedupeKey, &kind, &ev.DAEID, &ev.ActorID, &payload, &ts); err != nil {
		return models.DAEEvent{}, fmt.Errorf("scan event: %w", err)
	}
	ev.EventType = models.DAEEventType(kind)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
			return models.DAEEvent{}, fmt.Errorf("parse event payload: %w", err)
		}
	}
	parsed, err := parseTime(ts)
	if err != nil {
		return models.DAEEvent{}, fmt.Errorf("parse event ts: %w", err)
	}
	ev.Timestamp = parsed
	return ev, nil
}

func marshalPayload(payload map[string]any) any {
	if len(payload) == 0 {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return string(data)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(timeLayout, value)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}
