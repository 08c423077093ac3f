package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/foremanhq/foreman/internal/common/config"
	"github.com/foremanhq/foreman/internal/common/logger"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// WAL mode allows many readers alongside the single writer.
	sqliteReaderConns = 4
)

// openSQLite opens a writer limited to one connection plus a read-only pool.
// The single writer serializes transactions and avoids SQLITE_BUSY under
// write contention.
func openSQLite(cfg config.StoreConfig, log *logger.Logger) (*Store, error) {
	path := normalizeSQLitePath(cfg.Path)
	if err := ensureSQLiteDir(path); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureSQLiteFile(path); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	writer, err := sqlx.Open(DriverSQLite, writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// WAL is a database-level setting established by the writer; the reader
	// pool opens the same file read-only.
	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&mode=ro&_busy_timeout=%d",
		path,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	reader, err := sqlx.Open(DriverSQLite, readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return &Store{
		driver: DriverSQLite,
		writer: writer,
		reader: reader,
		logger: log,
	}, nil
}

func ensureSQLiteDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(path string) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
