// Package server persists the append-only message log backing broadcast
// replay.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// StorageError wraps any failure of the persistence layer. Callers recover
// locally: log, abort the single operation, carry on.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage " + e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err originated in the persistence layer.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Message is a single durably committed chat message. Immutable once
// appended; ids are strictly increasing in append order and never reused.
type Message struct {
	ID      int64
	Content string
	User    string
}

// MessageStore is the durable, ordered, append-only message log.
//
// Append commits a new message and returns its id; the id is unique and
// greater than every previously assigned id, and no partially written
// message is ever observable. ReadAfter returns all messages with
// id > watermark in ascending id order; watermark 0 means the full log, and
// an empty result is not an error.
type MessageStore interface {
	Append(ctx context.Context, content, user string) (int64, error)
	ReadAfter(ctx context.Context, watermark int64) ([]Message, error)
	Close() error
}

const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT,
	user TEXT
);`

type sqliteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenStore opens (or creates) the sqlite-backed message log at the
// configured endpoint and bootstraps the schema. The handle is
// process-lifetime state: open it once at startup and inject it everywhere.
func OpenStore(cfg Config, log zerolog.Logger) (MessageStore, error) {
	path := strings.TrimPrefix(strings.TrimSpace(cfg.DatabaseURL), "file:")
	if path == "" {
		return nil, errors.New("store: database url is required")
	}
	if cfg.DatabaseToken != "" {
		log.Warn().Msg("DB_TOKEN is set but the embedded sqlite driver is unauthenticated; ignoring")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open", err)
	}
	// sqlite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.DBBusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.DBBusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	// Idempotent bootstrap; not part of the per-message hot path.
	if _, err := db.ExecContext(context.Background(), messagesSchema); err != nil {
		_ = db.Close()
		return nil, storageErr("bootstrap", err)
	}

	log.Info().Str("path", path).Msg("message store opened")
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Append(ctx context.Context, content, user string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (content, user) VALUES (?, ?)`, content, user)
	if err != nil {
		return 0, storageErr("append", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("append", err)
	}
	return id, nil
}

func (s *sqliteStore) ReadAfter(ctx context.Context, watermark int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, user FROM messages WHERE id > ? ORDER BY id ASC`, watermark)
	if err != nil {
		return nil, storageErr("read", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var content, user sql.NullString
		if err := rows.Scan(&m.ID, &content, &user); err != nil {
			return nil, storageErr("read", err)
		}
		m.Content = content.String
		m.User = user.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read", err)
	}
	return msgs, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
