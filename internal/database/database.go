// Package database manages the node's local relational store connection.
// It supports SQLite (the default, single-node deployment) and Postgres
// (for operators who centralize several nodes' history), both reached
// through database/sql so the store package has one query surface.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DB wraps the node's SQL connection pool.
type DB struct {
	SqlDB  *sql.DB
	Type   string // "postgres" or "sqlite"
	Logger *zap.Logger
}

// Config holds database configuration.
type Config struct {
	Type     string
	URL      string
	MaxConns int
	MinConns int
}

// New opens a connection pool for the configured backend.
func New(cfg Config, logger *zap.Logger) (*DB, error) {
	switch cfg.Type {
	case "postgres", "postgresql":
		return open(cfg, logger, "pgx")
	case "sqlite", "sqlite3", "":
		return open(cfg, logger, "sqlite3")
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

func open(cfg Config, logger *zap.Logger, driver string) (*DB, error) {
	url := cfg.URL
	if driver == "sqlite3" && url == "" {
		url = "synapse-relay.db"
	}

	sqlDB, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(cfg.MinConns)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	dbType := "sqlite"
	if driver == "pgx" {
		dbType = "postgres"
	}

	logger.Info("database connection established",
		zap.String("type", dbType),
		zap.Int("max_conns", maxConns))

	return &DB{SqlDB: sqlDB, Type: dbType, Logger: logger}, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	if db.SqlDB == nil {
		return nil
	}
	err := db.SqlDB.Close()
	db.Logger.Info("database connection closed", zap.String("type", db.Type))
	return err
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.SqlDB.PingContext(ctx)
}

// IsPostgres reports whether the backend is Postgres (placeholder style,
// upsert syntax, and a handful of column types differ between engines).
func (db *DB) IsPostgres() bool {
	return db.Type == "postgres"
}
