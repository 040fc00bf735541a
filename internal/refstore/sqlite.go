package refstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS refs (
	doc_id TEXT NOT NULL,
	digest TEXT NOT NULL,
	PRIMARY KEY (doc_id, digest)
);
CREATE INDEX IF NOT EXISTS idx_refs_digest ON refs(digest);
`

// SQLiteStore implements RefStore on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create refs directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(2000)")
	if err != nil {
		return nil, fmt.Errorf("open refs database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create refs schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AddRef records a reference.
func (s *SQLiteStore) AddRef(ctx context.Context, doc, digest string) error {
	if doc == "" || digest == "" {
		return fmt.Errorf("document and digest are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO refs (doc_id, digest) VALUES (?, ?)`, doc, digest)
	if err != nil {
		return fmt.Errorf("insert ref: %w", err)
	}
	return nil
}

// RemoveRef drops a single reference.
func (s *SQLiteStore) RemoveRef(ctx context.Context, doc, digest string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refs WHERE doc_id = ? AND digest = ?`, doc, digest)
	if err != nil {
		return fmt.Errorf("delete ref: %w", err)
	}
	return nil
}

// RemoveDocument drops every reference of doc.
func (s *SQLiteStore) RemoveDocument(ctx context.Context, doc string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refs WHERE doc_id = ?`, doc)
	if err != nil {
		return fmt.Errorf("delete document refs: %w", err)
	}
	return nil
}

// ListRefs returns doc's digests, sorted.
func (s *SQLiteStore) ListRefs(ctx context.Context, doc string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT digest FROM refs WHERE doc_id = ? ORDER BY digest`, doc)
	if err != nil {
		return nil, fmt.Errorf("query refs: %w", err)
	}
	defer rows.Close()

	var digests []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan ref: %w", err)
		}
		digests = append(digests, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(digests) == 0 {
		return nil, ErrNotFound
	}
	return digests, nil
}

// AllDigests returns every referenced digest.
func (s *SQLiteStore) AllDigests(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT digest FROM refs`)
	if err != nil {
		return nil, fmt.Errorf("query digests: %w", err)
	}
	defer rows.Close()

	digests := make(map[string]bool)
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan digest: %w", err)
		}
		digests[d] = true
	}
	return digests, rows.Err()
}
