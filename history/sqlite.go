package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prasanna172605/snugglecall/signaling"
)

// SQLiteRecorder persists call records to a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
}

const historySchema = `
CREATE TABLE IF NOT EXISTS call_history (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id  TEXT NOT NULL,
	kind             TEXT NOT NULL,
	duration_seconds INTEGER NOT NULL,
	status           TEXT NOT NULL,
	participants     TEXT NOT NULL,
	caller_id        TEXT NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_history_conversation
	ON call_history (conversation_id, created_at);
`

// OpenSQLite opens or creates the call history database at path.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure history database: %w", err)
	}

	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &SQLiteRecorder{db: db}, nil
}

// SaveCallHistory inserts one finished call.
func (r *SQLiteRecorder) SaveCallHistory(ctx context.Context, conversationID string, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_history
			(conversation_id, kind, duration_seconds, status, participants, caller_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conversationID,
		string(rec.Kind),
		rec.DurationSeconds,
		rec.Status,
		strings.Join(rec.Participants, ","),
		rec.CallerID,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// ListByConversation returns the records for a conversation, oldest
// first.
func (r *SQLiteRecorder) ListByConversation(ctx context.Context, conversationID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT kind, duration_seconds, status, participants, caller_id
		FROM call_history
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query call records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var kind, participants string
		if err := rows.Scan(&kind, &rec.DurationSeconds, &rec.Status, &participants, &rec.CallerID); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		rec.Kind = signaling.CallKind(kind)
		if participants != "" {
			rec.Participants = strings.Split(participants, ",")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
