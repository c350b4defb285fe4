package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"

	"github.com/MaulRai/vessel/pkg/config"
	"github.com/MaulRai/vessel/pkg/settlement"
)

// openStore connects to Postgres, or falls back to sqlite under the data dir when
// DATABASE_URL is unset.
func openStore(ctx context.Context, cfg *config.Config) (settlement.Store, *sql.DB, error) {
	if cfg.LiteMode() {
		return setupLiteMode(cfg.DataDir)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("DB ping failed: %w", err)
	}
	log.Println("[vessel] postgres: connected")

	store := settlement.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to migrate settlement store: %w", err)
	}
	return store, db, nil
}

func setupLiteMode(dataDir string) (settlement.Store, *sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "vessel.db")
	log.Printf("[vessel] lite mode: using sqlite at %s", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	store, err := settlement.NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to init sqlite store: %w", err)
	}
	return store, db, nil
}
