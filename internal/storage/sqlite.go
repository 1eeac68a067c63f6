package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - entries table keyed by (tree, key)
const currentSchemaVersion = 1

// SQLite stores every tree in a single SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ KV = (*SQLite)(nil)

// OpenSQLite creates or opens a SQLite database at path and applies
// pragmas and migrations.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, tree Tree, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM entries WHERE tree = ? AND key = ?",
		string(tree), []byte(key),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", tree, key, err)
	}
	return value, true, nil
}

func (s *SQLite) Put(ctx context.Context, tree Tree, key string, value []byte) error {
	b := NewBatch()
	b.Put(tree, key, value)
	return s.Apply(ctx, b)
}

func (s *SQLite) Delete(ctx context.Context, tree Tree, key string) error {
	b := NewBatch()
	b.Delete(tree, key)
	return s.Apply(ctx, b)
}

func (s *SQLite) Scan(ctx context.Context, tree Tree, prefix string) ([]Entry, error) {
	query := "SELECT key, value FROM entries WHERE tree = ?"
	args := []any{string(tree)}
	if prefix != "" {
		query += " AND key >= ?"
		args = append(args, []byte(prefix))
	}
	if limit := prefixLimit([]byte(prefix)); limit != nil {
		query += " AND key < ?"
		args = append(args, limit)
	}
	query += " ORDER BY key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan %s/%s: %w", tree, prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", tree, err)
		}
		entries = append(entries, Entry{Key: string(key), Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s rows: %w", tree, err)
	}
	return entries, nil
}

// Apply runs the batch in one transaction.
func (s *SQLite) Apply(ctx context.Context, b *Batch) error {
	if err := b.validate(); err != nil {
		return err
	}
	if b.Len() == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, o := range b.ops {
		switch o.kind {
		case opPut:
			value := o.value
			if value == nil {
				value = []byte{}
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO entries (tree, key, value) VALUES (?, ?, ?)
				 ON CONFLICT (tree, key) DO UPDATE SET value = excluded.value`,
				string(o.tree), []byte(o.key), value,
			)
		case opDelete:
			_, err = tx.ExecContext(ctx,
				"DELETE FROM entries WHERE tree = ? AND key = ?",
				string(o.tree), []byte(o.key),
			)
		}
		if err != nil {
			return fmt.Errorf("apply %s/%s: %w", o.tree, o.key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// prefixLimit returns the smallest key greater than every key starting with
// prefix, or nil when no such bound exists.
func prefixLimit(prefix []byte) []byte {
	limit := append([]byte(nil), prefix...)
	for i := len(limit) - 1; i >= 0; i-- {
		if limit[i] < 0xff {
			limit[i]++
			return limit[:i+1]
		}
	}
	return nil
}
