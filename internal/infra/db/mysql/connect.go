package mysql

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/bryanwahyu/cardscan/internal/infra/db/sqlstore"
)

//go:embed schema.sql
var schemaSQL string

// Connect opens a pool and pings it. The DSN is forced to parse times as UTC.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	// test ping
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
	return sqlstore.Migrate(ctx, db, sqlstore.MySQL, schemaSQL)
}

func NewSessionRepository(db *sql.DB) *sqlstore.SessionRepository {
	return sqlstore.NewSessionRepository(db, sqlstore.MySQL)
}

func NewInventoryRepository(db *sql.DB) *sqlstore.InventoryRepository {
	return sqlstore.NewInventoryRepository(db, sqlstore.MySQL)
}

func NewScanErrorRepository(db *sql.DB) *sqlstore.ScanErrorRepository {
	return sqlstore.NewScanErrorRepository(db, sqlstore.MySQL)
}
