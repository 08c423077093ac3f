// Package migrate applies the embedded schema migrations with checksum
// verification and a process-owned advisory lock.
//
// Migration files live in migrations/ and are named
// YYYYMMDDHHMMSS_description.up.sql with an optional matching .down.sql.
// Each migration runs in a single transaction. A migration that was applied
// and later modified fails verification and aborts startup.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// staleLockTimeout is how old a held lock must be before another process
// may take it over.
const staleLockTimeout = 5 * time.Minute

var (
	// ErrLocked is returned when another live process holds the migration lock.
	ErrLocked = errors.New("migration lock is held by another process")
	// ErrChecksumMismatch is returned when an applied migration's file bytes changed.
	ErrChecksumMismatch = errors.New("applied migration was modified")
	// ErrMissingMigration is returned when an applied version has no source file.
	ErrMissingMigration = errors.New("applied migration missing from source")
	// ErrNoDownMigration is returned when rolling back a migration without a down file.
	ErrNoDownMigration = errors.New("migration has no down file")
)

var migrationFilePattern = regexp.MustCompile(`^(\d{14})_([A-Za-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one schema step loaded from the embedded filesystem.
type Migration struct {
	Version  string
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string // SHA-256 hex over the up file bytes
}

// Applied is a bookkeeping row from schema_migrations.
type Applied struct {
	Version   string    `db:"version"`
	Name      string    `db:"name"`
	Checksum  string    `db:"checksum"`
	AppliedAt time.Time `db:"applied_at"`
}

// Migrator drives schema migrations against one store.
type Migrator struct {
	store      *store.Store
	logger     *logger.Logger
	migrations []Migration
	pid        int
	hostname   string
}

// New loads the embedded migrations and prepares a migrator.
func New(st *store.Store, log *logger.Logger) (*Migrator, error) {
	if log == nil {
		log = logger.Default()
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Migrator{
		store:      st,
		logger:     log.WithComponent("migrate"),
		migrations: migrations,
		pid:        os.Getpid(),
		hostname:   hostname,
	}, nil
}

// Migrations returns the loaded migrations in version order.
func (m *Migrator) Migrations() []Migration {
	return m.migrations
}

// Up verifies already-applied migrations and applies all pending ones, each
// in its own transaction, under the migration lock.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureBookkeeping(ctx); err != nil {
		return err
	}
	if err := m.acquireLock(ctx); err != nil {
		return err
	}
	defer m.releaseLock()

	applied, err := m.appliedLocked(ctx)
	if err != nil {
		return err
	}
	if err := m.verify(applied); err != nil {
		return err
	}

	appliedSet := make(map[string]bool, len(applied))
	for _, a := range applied {
		appliedSet[a.Version] = true
	}

	for _, migration := range m.migrations {
		if appliedSet[migration.Version] {
			continue
		}
		if err := m.applyUp(ctx, migration); err != nil {
			return fmt.Errorf("migration %s_%s: %w", migration.Version, migration.Name, err)
		}
		m.logger.Info("applied migration",
			zap.String("version", migration.Version),
			zap.String("name", migration.Name))
	}
	return nil
}

// Down rolls back the most recent `steps` applied migrations.
func (m *Migrator) Down(ctx context.Context, steps int) error {
	if steps <= 0 {
		return nil
	}
	if err := m.ensureBookkeeping(ctx); err != nil {
		return err
	}
	if err := m.acquireLock(ctx); err != nil {
		return err
	}
	defer m.releaseLock()

	applied, err := m.appliedLocked(ctx)
	if err != nil {
		return err
	}

	byVersion := make(map[string]Migration, len(m.migrations))
	for _, migration := range m.migrations {
		byVersion[migration.Version] = migration
	}

	for i := len(applied) - 1; i >= 0 && steps > 0; i, steps = i-1, steps-1 {
		migration, ok := byVersion[applied[i].Version]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingMigration, applied[i].Version)
		}
		if migration.DownSQL == "" {
			return fmt.Errorf("%w: %s_%s", ErrNoDownMigration, migration.Version, migration.Name)
		}
		if err := m.applyDown(ctx, migration); err != nil {
			return fmt.Errorf("rollback %s_%s: %w", migration.Version, migration.Name, err)
		}
		m.logger.Info("rolled back migration",
			zap.String("version", migration.Version),
			zap.String("name", migration.Name))
	}
	return nil
}

// Verify checks every applied migration against the embedded files without
// taking the lock or applying anything.
func (m *Migrator) Verify(ctx context.Context) error {
	if err := m.ensureBookkeeping(ctx); err != nil {
		return err
	}
	applied, err := m.appliedLocked(ctx)
	if err != nil {
		return err
	}
	return m.verify(applied)
}

// AppliedMigrations returns the bookkeeping rows in application order.
func (m *Migrator) AppliedMigrations(ctx context.Context) ([]Applied, error) {
	if err := m.ensureBookkeeping(ctx); err != nil {
		return nil, err
	}
	return m.appliedLocked(ctx)
}

func (m *Migrator) verify(applied []Applied) error {
	byVersion := make(map[string]Migration, len(m.migrations))
	for _, migration := range m.migrations {
		byVersion[migration.Version] = migration
	}
	for _, a := range applied {
		migration, ok := byVersion[a.Version]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingMigration, a.Version)
		}
		if migration.Checksum != a.Checksum {
			return fmt.Errorf("%w: %s_%s", ErrChecksumMismatch, a.Version, a.Name)
		}
	}
	return nil
}

func (m *Migrator) applyUp(ctx context.Context, migration Migration) error {
	return m.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range splitStatements(migration.UpSQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
			}
		}
		_, err := tx.ExecContext(ctx,
			tx.Rebind(`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`),
			migration.Version, migration.Name, migration.Checksum, time.Now().UTC())
		return err
	})
}

func (m *Migrator) applyDown(ctx context.Context, migration Migration) error {
	return m.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range splitStatements(migration.DownSQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
			}
		}
		_, err := tx.ExecContext(ctx,
			tx.Rebind(`DELETE FROM schema_migrations WHERE version = ?`),
			migration.Version)
		return err
	})
}

func (m *Migrator) ensureBookkeeping(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS migration_lock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			pid INTEGER NOT NULL,
			hostname TEXT NOT NULL,
			acquired_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := m.store.Execute(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create migration bookkeeping: %w", err)
		}
	}
	return nil
}

// acquireLock inserts the single lock row. When the row exists, a holder
// older than staleLockTimeout is presumed dead and taken over; a live
// holder fails the acquisition with ErrLocked.
func (m *Migrator) acquireLock(ctx context.Context) error {
	now := time.Now().UTC()

	res, err := m.store.Execute(ctx,
		`INSERT INTO migration_lock (id, pid, hostname, acquired_at) VALUES (1, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		m.pid, m.hostname, now)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return nil
	}

	var holder struct {
		PID        int       `db:"pid"`
		Hostname   string    `db:"hostname"`
		AcquiredAt time.Time `db:"acquired_at"`
	}
	if err := m.store.Get(ctx, &holder, `SELECT pid, hostname, acquired_at FROM migration_lock WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to inspect migration lock: %w", err)
	}

	if now.Sub(holder.AcquiredAt) <= staleLockTimeout {
		return fmt.Errorf("%w (pid %d on %s since %s)",
			ErrLocked, holder.PID, holder.Hostname, holder.AcquiredAt.Format(time.RFC3339))
	}

	// Stale takeover, guarded against a concurrent takeover of the same row.
	res, err = m.store.Execute(ctx,
		`UPDATE migration_lock SET pid = ?, hostname = ?, acquired_at = ? WHERE id = 1 AND pid = ? AND acquired_at = ?`,
		m.pid, m.hostname, now, holder.PID, holder.AcquiredAt)
	if err != nil {
		return fmt.Errorf("failed to take over stale migration lock: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		return ErrLocked
	}
	m.logger.Warn("took over stale migration lock",
		zap.Int("previous_pid", holder.PID),
		zap.String("previous_hostname", holder.Hostname))
	return nil
}

func (m *Migrator) releaseLock() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.store.Execute(ctx,
		`DELETE FROM migration_lock WHERE id = 1 AND pid = ? AND hostname = ?`,
		m.pid, m.hostname); err != nil {
		m.logger.Warn("failed to release migration lock", zap.Error(err))
	}
}

func (m *Migrator) appliedLocked(ctx context.Context) ([]Applied, error) {
	var applied []Applied
	if err := m.store.Select(ctx, &applied,
		`SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version ASC`); err != nil {
		return nil, fmt.Errorf("failed to load applied migrations: %w", err)
	}
	return applied, nil
}

func loadMigrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, entry := range entries {
		match := migrationFilePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			return nil, fmt.Errorf("unexpected migration filename %q", entry.Name())
		}
		version, name, direction := match[1], match[2], match[3]

		data, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, err
		}

		migration, ok := byVersion[version]
		if !ok {
			migration = &Migration{Version: version, Name: name}
			byVersion[version] = migration
		} else if migration.Name != name {
			return nil, fmt.Errorf("version %s has inconsistent names %q and %q", version, migration.Name, name)
		}

		if direction == "up" {
			migration.UpSQL = string(data)
			sum := sha256.Sum256(data)
			migration.Checksum = hex.EncodeToString(sum[:])
		} else {
			migration.DownSQL = string(data)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, migration := range byVersion {
		if migration.UpSQL == "" {
			return nil, fmt.Errorf("version %s has a down file but no up file", migration.Version)
		}
		out = append(out, *migration)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// splitStatements breaks a migration script on semicolons outside string
// literals. Scripts hold plain DDL statements, no procedural bodies.
func splitStatements(script string) []string {
	var stmts []string
	var b strings.Builder
	inString := false

	for _, r := range script {
		switch {
		case r == '\'':
			inString = !inString
			b.WriteRune(r)
		case r == ';' && !inString:
			if stmt := strings.TrimSpace(b.String()); stmt != "" {
				stmts = append(stmts, stmt)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if stmt := strings.TrimSpace(b.String()); stmt != "" {
		stmts = append(stmts, stmt)
	}
	return stmts
}

func firstLine(stmt string) string {
	if idx := strings.IndexByte(stmt, '\n'); idx > 0 {
		return stmt[:idx]
	}
	return stmt
}
