package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS packages (
	group_name TEXT NOT NULL,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	description TEXT,
	user_id INTEGER NOT NULL REFERENCES users(id),
	UNIQUE(group_name, name, version)
);

CREATE TABLE IF NOT EXISTS comments (
	id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id),
	body TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// SQLite stores the ledger in a single database file.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex // serializes writes
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway ledger.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps per-connection pragmas and in-memory databases
	// consistent across calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Migrate creates missing tables.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) UpsertUser(ctx context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`, u.ID, u.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert user %d: %w", u.ID, err)
	}
	return nil
}

func (s *SQLite) GetUser(ctx context.Context, id int64) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user %d: %w", id, err)
	}
	return u, nil
}

func (s *SQLite) HasComment(ctx context.Context, id int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM comments WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query comment %d: %w", id, err)
	}
	return n > 0, nil
}

func (s *SQLite) InsertComment(ctx context.Context, c Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, user_id, body, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, c.UserID, c.Body, c.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert comment %d: %w", c.ID, err)
	}
	return duplicateIfUnchanged(res)
}

func (s *SQLite) InsertPackage(ctx context.Context, p Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var description sql.NullString
	if p.Description != "" {
		description = sql.NullString{String: p.Description, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO packages (group_name, name, version, description, user_id) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_name, name, version) DO NOTHING`,
		p.Group, p.Name, p.Version, description, p.UserID)
	if err != nil {
		return fmt.Errorf("failed to insert package %s/%s %s: %w", p.Group, p.Name, p.Version, err)
	}
	return duplicateIfUnchanged(res)
}

func duplicateIfUnchanged(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLite) QueryPackages(ctx context.Context, group string) ([]Package, error) {
	query := `SELECT group_name, name, version, description, user_id FROM packages`
	var args []interface{}
	if group != "" {
		query += ` WHERE group_name = ?`
		args = append(args, group)
	}
	query += ` ORDER BY group_name, name, version`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var packages []Package
	for rows.Next() {
		var p Package
		var description sql.NullString
		if err := rows.Scan(&p.Group, &p.Name, &p.Version, &description, &p.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		p.Description = description.String
		packages = append(packages, p)
	}
	return packages, rows.Err()
}
