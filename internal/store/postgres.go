package store

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/foremanhq/foreman/internal/common/config"
	"github.com/foremanhq/foreman/internal/common/logger"
)

const (
	defaultPostgresMaxConns = 25
	defaultPostgresMinConns = 5
)

// openPostgres opens one pgx-backed pool serving both roles; pgx handles
// connection pooling internally so no reader/writer split is needed.
func openPostgres(cfg config.StoreConfig, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Open(DriverPostgres, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	minConns := cfg.MinConns
	if minConns <= 0 {
		minConns = defaultPostgresMinConns
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return &Store{
		driver: DriverPostgres,
		writer: db,
		reader: db,
		logger: log,
	}, nil
}
