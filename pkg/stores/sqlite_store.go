package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/linkval/pkg/cache"
	"github.com/openfroyo/linkval/pkg/compiler"
	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/warmer"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != MemoryPath {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", dsn)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Get loads the validator stored under key. A row whose plan no longer
// decodes is deleted and reported as a miss.
func (s *SQLiteStore) Get(ctx context.Context, key cache.Key) (*compiler.Validator, bool, error) {
	query := `SELECT plan FROM validators WHERE cache_key = ?`

	var plan []byte
	err := s.db.QueryRowContext(ctx, query, key.String()).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeError("get validator", err)
	}

	v, err := compiler.Unmarshal(plan)
	if err != nil {
		if derr := s.Delete(ctx, key); derr != nil {
			return nil, false, derr
		}
		return nil, false, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE validators SET accessed_at = ? WHERE cache_key = ?`,
		s.now().UnixMilli(), key.String(),
	); err != nil {
		return nil, false, storeError("touch validator", err)
	}

	return v, true, nil
}

// Put upserts the validator stored under key.
func (s *SQLiteStore) Put(ctx context.Context, key cache.Key, v *compiler.Validator) error {
	plan, err := compiler.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode validator: %w", err)
	}

	query := `
		INSERT INTO validators (
			cache_key, schema_id, schema_hash, class_name, options_hash, plan, size_bytes, created_at, accessed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			plan = excluded.plan,
			size_bytes = excluded.size_bytes,
			accessed_at = excluded.accessed_at
	`

	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx, query,
		key.String(),
		key.SchemaID,
		key.SchemaHash,
		key.ClassName,
		key.OptionsHash,
		plan,
		v.SizeEstimate(),
		now,
		now,
	)
	if err != nil {
		return storeError("put validator", err)
	}

	return nil
}

// Delete removes the validator stored under key.
func (s *SQLiteStore) Delete(ctx context.Context, key cache.Key) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM validators WHERE cache_key = ?`, key.String()); err != nil {
		return storeError("delete validator", err)
	}
	return nil
}

// DeleteSchema removes every validator compiled from schemaID.
func (s *SQLiteStore) DeleteSchema(ctx context.Context, schemaID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM validators WHERE schema_id = ?`, schemaID); err != nil {
		return storeError("delete schema validators", err)
	}
	return nil
}

// ListValidators lists stored validators, most recently used first.
func (s *SQLiteStore) ListValidators(ctx context.Context, schemaID *string, limit, offset int) ([]*ValidatorRecord, error) {
	query := `
		SELECT cache_key, schema_id, schema_hash, class_name, options_hash, plan, size_bytes, created_at, accessed_at
		FROM validators
		WHERE (? IS NULL OR schema_id = ?)
		ORDER BY accessed_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, schemaID, schemaID, limit, offset)
	if err != nil {
		return nil, storeError("list validators", err)
	}
	defer rows.Close()

	records := []*ValidatorRecord{}
	for rows.Next() {
		rec := &ValidatorRecord{}
		var created, accessed int64
		err := rows.Scan(
			&rec.CacheKey,
			&rec.SchemaID,
			&rec.SchemaHash,
			&rec.ClassName,
			&rec.OptionsHash,
			&rec.Plan,
			&rec.SizeBytes,
			&created,
			&accessed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan validator: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(created).UTC()
		rec.AccessedAt = time.UnixMilli(accessed).UTC()
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating validators: %w", err)
	}

	return records, nil
}

// DeleteStaleValidators removes validators not used since accessedBefore.
func (s *SQLiteStore) DeleteStaleValidators(ctx context.Context, accessedBefore time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM validators WHERE accessed_at < ?`, accessedBefore.UnixMilli())
	if err != nil {
		return 0, storeError("delete stale validators", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// CountValidators returns the number of stored validators.
func (s *SQLiteStore) CountValidators(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM validators`).Scan(&n); err != nil {
		return 0, storeError("count validators", err)
	}
	return n, nil
}

// AppendAccess records one validator access.
func (s *SQLiteStore) AppendAccess(ctx context.Context, a warmer.Access) error {
	query := `
		INSERT INTO access_history (schema_id, schema_hash, class_name, options_hash, accessed_at, hits)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		a.Key.SchemaID,
		a.Key.SchemaHash,
		a.Key.ClassName,
		a.Key.OptionsHash,
		a.At.UnixMilli(),
		a.Weight(),
	)
	if err != nil {
		return storeError("append access", err)
	}

	return nil
}

// RecentAccesses returns up to limit accesses at or after since, oldest
// first.
func (s *SQLiteStore) RecentAccesses(ctx context.Context, since time.Time, limit int) ([]warmer.Access, error) {
	// Take the newest rows, then restore chronological order.
	query := `
		SELECT schema_id, schema_hash, class_name, options_hash, accessed_at, hits FROM (
			SELECT id, schema_id, schema_hash, class_name, options_hash, accessed_at, hits
			FROM access_history
			WHERE accessed_at >= ?
			ORDER BY accessed_at DESC, id DESC
			LIMIT ?
		) ORDER BY accessed_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, since.UnixMilli(), limit)
	if err != nil {
		return nil, storeError("list accesses", err)
	}
	defer rows.Close()

	accesses := []warmer.Access{}
	for rows.Next() {
		var (
			a  warmer.Access
			at int64
		)
		if err := rows.Scan(&a.Key.SchemaID, &a.Key.SchemaHash, &a.Key.ClassName, &a.Key.OptionsHash, &at, &a.Hits); err != nil {
			return nil, fmt.Errorf("failed to scan access: %w", err)
		}
		a.At = time.UnixMilli(at).UTC()
		accesses = append(accesses, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accesses: %w", err)
	}

	return accesses, nil
}

// PruneAccesses deletes accesses older than before.
func (s *SQLiteStore) PruneAccesses(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM access_history WHERE accessed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, storeError("prune accesses", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// HealthCheck performs a health check on the database
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// storeError classifies a database failure. Lock contention is retryable;
// anything else marks the tier unavailable.
func storeError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return engine.NewTransientError("sqlite busy", err).
			WithCode(engine.ErrCodeResourceBusy).
			WithOperation(op)
	}
	return engine.NewCacheUnavailableError("sqlite", fmt.Errorf("failed to %s: %w", op, err))
}
