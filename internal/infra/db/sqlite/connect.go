// Package sqlite backs the repositories with an embedded database file. It
// serves single-node installs, the CLI and repository tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/bryanwahyu/cardscan/internal/infra/db/sqlstore"
)

//go:embed schema.sql
var schemaSQL string

// Open opens (creating if needed) the database at path with WAL, foreign
// keys and a busy timeout on every pooled connection.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure sqlite dir: %w", err)
		}
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}

// Migrate creates the tables when missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	return sqlstore.Migrate(ctx, db, sqlstore.SQLite, schemaSQL)
}

func NewSessionRepository(db *sql.DB) *sqlstore.SessionRepository {
	return sqlstore.NewSessionRepository(db, sqlstore.SQLite)
}

func NewInventoryRepository(db *sql.DB) *sqlstore.InventoryRepository {
	return sqlstore.NewInventoryRepository(db, sqlstore.SQLite)
}

func NewScanErrorRepository(db *sql.DB) *sqlstore.ScanErrorRepository {
	return sqlstore.NewScanErrorRepository(db, sqlstore.SQLite)
}
