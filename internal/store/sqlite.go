// ABOUTME: SQLite implementation of the Backend interface using modernc.org/sqlite
// ABOUTME: Stores every record kind in one keyed table with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend on a single records table
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend opens (or creates) the database at path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteBackend(path string, logger *slog.Logger) (*SQLiteBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sqlite-backend")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would be a separate database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	b, err := newSQLiteBackend(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite backend initialized", "path", path)
	return b, nil
}

// newSQLiteBackend wraps an open handle and prepares the schema.
func newSQLiteBackend(db *sql.DB, logger *slog.Logger) (*SQLiteBackend, error) {
	b := &SQLiteBackend{
		db:     db,
		logger: logger,
	}

	if err := b.createSchema(); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := b.runMigrations(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return b, nil
}

// createSchema creates the database tables if they don't exist
func (b *SQLiteBackend) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, chat_id, kind),

			CHECK (kind IN ('index', 'profile', 'chat', 'mirror'))
		);

		CREATE INDEX IF NOT EXISTS idx_records_user_kind
			ON records(user_id, kind);
	`
	_, err := b.db.Exec(schema)
	return err
}

// runMigrations brings databases created by older builds up to date.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
func (b *SQLiteBackend) runMigrations() error {
	var exists int
	err := b.db.QueryRow(`SELECT 1 FROM pragma_table_info('records') WHERE name = 'updated_at'`).Scan(&exists)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking updated_at column: %w", err)
	}
	if _, err := b.db.Exec(`ALTER TABLE records ADD COLUMN updated_at TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("adding updated_at column to records: %w", err)
	}
	b.logger.Info("applied migration", "column", "updated_at", "table", "records")
	return nil
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	b.logger.Info("closing SQLite backend")
	return b.db.Close()
}

// Get returns the record or ErrNotFound.
func (b *SQLiteBackend) Get(ctx context.Context, key Key, kind Kind) ([]byte, error) {
	query := `
		SELECT data FROM records
		WHERE user_id = ? AND chat_id = ? AND kind = ?
	`

	var data string
	err := b.db.QueryRowContext(ctx, query, key.UserID, key.ChatID, string(kind)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying record: %w", err)
	}
	return []byte(data), nil
}

// Put upserts the record.
func (b *SQLiteBackend) Put(ctx context.Context, key Key, kind Kind, data []byte) error {
	query := `
		INSERT INTO records (user_id, chat_id, kind, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, chat_id, kind) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	_, err := b.db.ExecContext(ctx, query,
		key.UserID,
		key.ChatID,
		string(kind),
		string(data),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting record: %w", err)
	}
	return nil
}

// Append concatenates data onto the record, creating it if needed.
func (b *SQLiteBackend) Append(ctx context.Context, key Key, kind Kind, data []byte) error {
	query := `
		INSERT INTO records (user_id, chat_id, kind, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, chat_id, kind) DO UPDATE SET
			data = records.data || excluded.data,
			updated_at = excluded.updated_at
	`

	_, err := b.db.ExecContext(ctx, query,
		key.UserID,
		key.ChatID,
		string(kind),
		string(data),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("appending record: %w", err)
	}
	return nil
}

// Delete removes the record if present.
func (b *SQLiteBackend) Delete(ctx context.Context, key Key, kind Kind) error {
	query := `DELETE FROM records WHERE user_id = ? AND chat_id = ? AND kind = ?`
	if _, err := b.db.ExecContext(ctx, query, key.UserID, key.ChatID, string(kind)); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

// ListUsers returns every user id present in the table.
func (b *SQLiteBackend) ListUsers(ctx context.Context) ([]string, error) {
	return b.queryStrings(ctx, `SELECT DISTINCT user_id FROM records ORDER BY user_id`)
}

// ListChats returns the ids of the user's chat records.
func (b *SQLiteBackend) ListChats(ctx context.Context, userID string) ([]string, error) {
	return b.queryStrings(ctx,
		`SELECT chat_id FROM records WHERE user_id = ? AND kind = 'chat' ORDER BY chat_id`,
		userID)
}

func (b *SQLiteBackend) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}
