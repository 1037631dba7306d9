// Package sqldb is the SQL implementation of the pipeline's store
// ports, backed by sqlx with dialect support for sqlite and postgres.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nvelloso/apigate/internal/domain"
	"github.com/nvelloso/apigate/internal/store"
	"github.com/nvelloso/apigate/internal/store/dialect"
)

// Store implements CredentialStore, RouteStore, AuditStore, and
// CounterStore against a single SQL database.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var (
	_ store.CredentialStore = (*Store)(nil)
	_ store.RouteStore      = (*Store)(nil)
	_ store.AuditStore      = (*Store)(nil)
	_ store.CounterStore    = (*Store)(nil)
)

// Config holds database connection configuration.
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if d.Name() == "sqlite" {
		// A single connection serializes writes; the driver otherwise
		// surfaces SQLITE_BUSY under concurrent increments.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	s := &Store{db: db, dialect: d}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS api_keys (
id %s,
key TEXT NOT NULL UNIQUE,
name TEXT NOT NULL,
is_active %s NOT NULL DEFAULT 1,
created_at %s NOT NULL,
last_used_at %s
)`, s.dialect.AutoIncrementClause(), s.dialect.BooleanType(), s.dialect.TimestampType(), s.dialect.TimestampType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS services (
id %s,
slug TEXT NOT NULL UNIQUE,
name TEXT NOT NULL,
base_url TEXT NOT NULL,
is_active %s NOT NULL DEFAULT 1,
created_at %s NOT NULL
)`, s.dialect.AutoIncrementClause(), s.dialect.BooleanType(), s.dialect.TimestampType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS request_logs (
id %s,
credential TEXT NOT NULL,
route_slug TEXT NOT NULL,
method TEXT NOT NULL,
path TEXT NOT NULL,
status_code INTEGER NOT NULL,
duration_ms REAL NOT NULL,
created_at %s NOT NULL
)`, s.dialect.AutoIncrementClause(), s.dialect.TimestampType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rate_windows (
key TEXT PRIMARY KEY,
count INTEGER NOT NULL,
expires_at %s NOT NULL
)`, s.dialect.TimestampType()),
		`CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_windows_expires_at ON rate_windows(expires_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	return nil
}

// FindActiveByValue returns the active credential for a presented key.
func (s *Store) FindActiveByValue(ctx context.Context, key string) (*domain.Credential, error) {
	var cred domain.Credential
	query := s.dialect.Rebind(`SELECT id, key, name, is_active, created_at, last_used_at
FROM api_keys WHERE key = ? AND is_active = ?`)
	err := s.db.GetContext(ctx, &cred, query, key, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &cred, nil
}

// TouchLastUsed stamps the credential's last authentication time.
func (s *Store) TouchLastUsed(ctx context.Context, key string, at time.Time) error {
	query := s.dialect.Rebind(`UPDATE api_keys SET last_used_at = ? WHERE key = ?`)
	if _, err := s.db.ExecContext(ctx, query, at, key); err != nil {
		return fmt.Errorf("touch last used: %w", err)
	}
	return nil
}

// FindBySlug returns the active route registered under slug.
func (s *Store) FindBySlug(ctx context.Context, slug string) (*domain.ServiceRoute, error) {
	var route domain.ServiceRoute
	query := s.dialect.Rebind(`SELECT id, slug, name, base_url, is_active, created_at
FROM services WHERE slug = ? AND is_active = ?`)
	err := s.db.GetContext(ctx, &route, query, slug, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query route: %w", err)
	}
	return &route, nil
}

// Append writes one audit record.
func (s *Store) Append(ctx context.Context, rec *domain.AuditRecord) error {
	query := s.dialect.Rebind(`INSERT INTO request_logs
(credential, route_slug, method, path, status_code, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.Credential, rec.RouteSlug, rec.Method, rec.Path,
		rec.StatusCode, rec.DurationMS, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Incr atomically increments the window counter for key, creating it
// with the given expiry if absent, and returns the post-increment
// count. The upsert is a single statement so concurrent callers never
// lose updates.
func (s *Store) Incr(ctx context.Context, key string, expiresAt time.Time) (int64, error) {
	var count int64
	query := s.dialect.IncrementUpsert("rate_windows")
	if err := s.db.QueryRowxContext(ctx, query, key, expiresAt).Scan(&count); err != nil {
		return 0, fmt.Errorf("increment rate window: %w", err)
	}
	return count, nil
}

// PurgeExpiredWindows deletes window rows whose expiry has passed.
// Called periodically from a background goroutine to bound storage.
func (s *Store) PurgeExpiredWindows(ctx context.Context, now time.Time) (int64, error) {
	query := s.dialect.Rebind(`DELETE FROM rate_windows WHERE expires_at <= ?`)
	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("purge rate windows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateCredential inserts a credential row. Used by cmd/keygen and
// tests; the request pipeline never writes credentials.
func (s *Store) CreateCredential(ctx context.Context, cred *domain.Credential) error {
	query := s.dialect.Rebind(`INSERT INTO api_keys (key, name, is_active, created_at)
VALUES (?, ?, ?, ?)`)
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, query, cred.Key, cred.Name, cred.Active, cred.CreatedAt); err != nil {
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

// CreateRoute inserts a service route row. Used by administration and
// tests only.
func (s *Store) CreateRoute(ctx context.Context, route *domain.ServiceRoute) error {
	query := s.dialect.Rebind(`INSERT INTO services (slug, name, base_url, is_active, created_at)
VALUES (?, ?, ?, ?, ?)`)
	if route.CreatedAt.IsZero() {
		route.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, query, route.Slug, route.Name, route.BaseURL, route.Active, route.CreatedAt); err != nil {
		return fmt.Errorf("create route: %w", err)
	}
	return nil
}
