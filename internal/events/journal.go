// Package events persists the connection log to a SQLite journal under
// the configured log directory. The ring in logsink answers live queries;
// this journal is the full history that survives restarts.
package events

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mstiles/tunnelpanel/internal/model"
)

// Journal is an append-only event store. Record is non-blocking: entries
// flow through a buffered channel into a single writer goroutine, so many
// concurrent runners never contend on the database handle.
type Journal struct {
	db      *sql.DB
	pending chan model.LogEntry
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// Query controls filtered, bounded reads. Zero values match everything;
// Limit > 0 keeps the last N matching entries in append order.
type Query struct {
	ClientID string
	Type     model.EntryType
	Since    time.Time
	Limit    int
}

const pendingDepth = 256

// Open creates or opens events.db inside logDir.
func Open(logDir string) (*Journal, error) {
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(logDir, "events.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_client ON entries(client_id);
	CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries(ts);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	j := &Journal{
		db:      db,
		pending: make(chan model.LogEntry, pendingDepth),
		done:    make(chan struct{}),
	}
	go j.writer()
	return j, nil
}

// Record queues an entry for the writer goroutine. When the queue is full
// the entry is dropped rather than blocking the producer; the in-memory
// ring still has it. Safe to call concurrently with Close: entries
// arriving after the journal closed are dropped.
func (j *Journal) Record(e model.LogEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.pending <- e:
	default:
		slog.Warn("event journal queue full, dropping entry", "client", e.ClientID, "type", e.Type)
	}
}

func (j *Journal) writer() {
	defer close(j.done)
	for e := range j.pending {
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		_, err := j.db.Exec(
			`INSERT INTO entries (ts, client_id, type, message) VALUES (?, ?, ?, ?)`,
			e.Timestamp.UnixNano(), e.ClientID, string(e.Type), e.Message,
		)
		if err != nil {
			slog.Warn("failed to persist log entry", "error", err)
		}
	}
}

// Read returns matching entries in append order.
func (j *Journal) Read(q Query) ([]model.LogEntry, error) {
	var conds []string
	var args []any
	if strings.TrimSpace(q.ClientID) != "" {
		conds = append(conds, "client_id = ?")
		args = append(args, q.ClientID)
	}
	if q.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(q.Type))
	}
	if !q.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, q.Since.UnixNano())
	}
	base := `FROM entries`
	if len(conds) > 0 {
		base += " WHERE " + strings.Join(conds, " AND ")
	}
	query := `SELECT ts, client_id, type, message ` + base + ` ORDER BY id ASC`
	if q.Limit > 0 {
		// Keep the last N in append order.
		query = `SELECT ts, client_id, type, message FROM (` +
			`SELECT id, ts, client_id, type, message ` + base +
			` ORDER BY id DESC LIMIT ?) ORDER BY id ASC`
		args = append(args, q.Limit)
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		var ts int64
		var e model.LogEntry
		var typ string
		if err := rows.Scan(&ts, &e.ClientID, &typ, &e.Message); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts)
		e.Type = model.EntryType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Clear deletes every persisted entry. Entries still queued for the
// writer goroutine may land after the clear.
func (j *Journal) Clear() error {
	if _, err := j.db.Exec(`DELETE FROM entries`); err != nil {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}

// Close drains pending writes and releases the database handle.
// Idempotent.
func (j *Journal) Close() error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.pending)
	}
	j.mu.Unlock()
	<-j.done
	return j.db.Close()
}
