// Package store provides the transactional persistence layer backing agents,
// state transitions and task completions. It supports SQLite (single-writer
// WAL) and PostgreSQL behind one interface.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/foremanhq/foreman/internal/common/config"
	"github.com/foremanhq/foreman/internal/common/logger"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// ErrUnknownDriver is returned for drivers other than sqlite3 and pgx.
var ErrUnknownDriver = errors.New("unknown store driver")

// Store wraps separate writer and reader pools. Multi-row mutations go
// through Transaction, which serializes on the single writer; reads use the
// reader pool, which under SQLite WAL proceeds concurrently with writes.
type Store struct {
	driver string
	writer *sqlx.DB
	reader *sqlx.DB
	logger *logger.Logger
}

// Open connects according to cfg.Driver: "sqlite3" (default) or "pgx".
func Open(cfg config.StoreConfig, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	switch cfg.Driver {
	case DriverSQLite, "sqlite", "":
		return openSQLite(cfg, log.WithComponent("store"))
	case DriverPostgres, "postgres", "postgresql":
		return openPostgres(cfg, log.WithComponent("store"))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// Driver returns the active driver name (DriverSQLite or DriverPostgres).
func (s *Store) Driver() string {
	return s.driver
}

// Writer returns the write pool. Prefer Transaction and Execute.
func (s *Store) Writer() *sqlx.DB {
	return s.writer
}

// Reader returns the read pool.
func (s *Store) Reader() *sqlx.DB {
	return s.reader
}

// Rebind translates '?' placeholders into the driver's placeholder style.
func (s *Store) Rebind(query string) string {
	return s.writer.Rebind(query)
}

// Transaction runs fn inside one database transaction: rolled back when fn
// returns an error or panics, committed otherwise. Writes from concurrent
// transactions are serialized on the single writer connection.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Execute runs a single write statement outside a transaction.
func (s *Store) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.writer.ExecContext(ctx, s.writer.Rebind(query), args...)
}

// Query runs a read query returning multiple rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	return s.reader.QueryxContext(ctx, s.reader.Rebind(query), args...)
}

// Get scans a single row into dest. Returns sql.ErrNoRows when absent.
func (s *Store) Get(ctx context.Context, dest any, query string, args ...any) error {
	return s.reader.GetContext(ctx, dest, s.reader.Rebind(query), args...)
}

// Select scans all rows into the slice dest.
func (s *Store) Select(ctx context.Context, dest any, query string, args ...any) error {
	return s.reader.SelectContext(ctx, dest, s.reader.Rebind(query), args...)
}

// Ping verifies both pools are reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.writer.PingContext(ctx); err != nil {
		return err
	}
	if s.reader != s.writer {
		return s.reader.PingContext(ctx)
	}
	return nil
}

// Close closes both pools.
func (s *Store) Close() error {
	wErr := s.writer.Close()
	// Postgres shares one pool for both roles; avoid double close.
	if s.reader != s.writer {
		if rErr := s.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// IsPostgres reports whether the driver is PostgreSQL.
func IsPostgres(driver string) bool {
	return driver == DriverPostgres
}

// BoolToInt converts a boolean to 0/1 for portable integer columns.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// IntToBool converts a 0/1 column value back to a boolean.
func IntToBool(value int) bool {
	return value != 0
}
