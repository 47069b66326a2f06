package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	_ "github.com/lib/pq"

	"github.com/bryanwahyu/cardscan/internal/infra/db/sqlstore"
)

//go:embed schema.sql
var schemaSQL string

func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx2); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the tables when missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	return sqlstore.Migrate(ctx, db, sqlstore.Postgres, schemaSQL)
}

func NewSessionRepository(db *sql.DB) *sqlstore.SessionRepository {
	return sqlstore.NewSessionRepository(db, sqlstore.Postgres)
}

func NewInventoryRepository(db *sql.DB) *sqlstore.InventoryRepository {
	return sqlstore.NewInventoryRepository(db, sqlstore.Postgres)
}

func NewScanErrorRepository(db *sql.DB) *sqlstore.ScanErrorRepository {
	return sqlstore.NewScanErrorRepository(db, sqlstore.Postgres)
}
