// Package store holds the durable conversation log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vatsalvatsyayan/pocketllm/src/logging"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

const createMessagesTable = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, id);
`

// SQLiteStore is an append-only message log backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open message db: %w", err)
	}
	// one writer at a time; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", createMessagesTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate message db: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID, userID string, msg models.Message) error {
	createdAt := time.Now().UTC()
	if msg.Timestamp != nil {
		createdAt = msg.Timestamp.UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, userID, string(msg.Role), msg.Content, createdAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM messages
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var (
			role      string
			msg       models.Message
			createdAt time.Time
		)
		if err := rows.Scan(&role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.Timestamp = &createdAt
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// NoopStore is used when no database is configured. Writes are dropped and
// reads return no history.
type NoopStore struct{}

func (NoopStore) Append(context.Context, string, string, models.Message) error { return nil }

func (NoopStore) Recent(context.Context, string, int) ([]models.Message, error) { return nil, nil }

func (NoopStore) Ping(context.Context) error { return models.ErrBackendUnavailable }

func (NoopStore) Close() error { return nil }

// Open returns a SQLiteStore for path, or a NoopStore when path is empty or
// the database cannot be opened.
func Open(path string, logger *slog.Logger) models.MessageStore {
	logger = logging.OrDefault(logger)
	if path == "" {
		logger.Warn("no database configured, message history will not survive restarts")
		return NoopStore{}
	}
	s, err := NewSQLiteStore(path)
	if err != nil {
		logger.Error("message database unavailable, running without durable history", "path", path, "error", err)
		return NoopStore{}
	}
	logger.Info("message database ready", "path", path)
	return s
}
