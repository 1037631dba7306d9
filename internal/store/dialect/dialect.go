// Package dialect abstracts the SQL differences between the databases
// the gateway can persist to. Only sqlite ships a driver in this
// module; postgres is supported for deployments that register pgx
// themselves.
package dialect

import (
	"fmt"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name (e.g., "sqlite", "postgres")
	Name() string

	// DriverName returns the database/sql driver name to use
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	Rebind(query string) string

	// AutoIncrementClause returns the clause for auto-increment primary keys
	AutoIncrementClause() string

	// BooleanType returns the SQL type for boolean values
	BooleanType() string

	// TimestampType returns the SQL type for timestamps
	TimestampType() string

	// IncrementUpsert returns the atomic increment-with-expiry
	// statement for the rate window table. It takes the key and the
	// expiry as ? placeholders (in that order) and returns the
	// post-increment count via RETURNING.
	IncrementUpsert(table string) string

	// PragmaStatements returns dialect-specific initialization
	// statements (e.g., PRAGMA for SQLite)
	PragmaStatements() []string
}

// FromDriverName returns the dialect for a given driver name.
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return &sqliteDialect{}, nil
	case "postgres", "pgx":
		return &postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

// sqliteDialect implements Dialect for SQLite
type sqliteDialect struct{}

func (d *sqliteDialect) Name() string {
	return "sqlite"
}

func (d *sqliteDialect) DriverName() string {
	return "sqlite"
}

func (d *sqliteDialect) Rebind(query string) string {
	return query // SQLite uses ?
}

func (d *sqliteDialect) AutoIncrementClause() string {
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (d *sqliteDialect) BooleanType() string {
	return "INTEGER"
}

func (d *sqliteDialect) TimestampType() string {
	return "TIMESTAMP"
}

func (d *sqliteDialect) IncrementUpsert(table string) string {
	// SQLite 3.35+ supports RETURNING.
	return fmt.Sprintf(
		`INSERT INTO %s (key, count, expires_at) VALUES (?, 1, ?)
ON CONFLICT(key) DO UPDATE SET count = count + 1
RETURNING count`, table)
}

func (d *sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
}

// postgresDialect implements Dialect for PostgreSQL
type postgresDialect struct{}

func (d *postgresDialect) Name() string {
	return "postgres"
}

func (d *postgresDialect) DriverName() string {
	return "pgx"
}

func (d *postgresDialect) Rebind(query string) string {
	// Convert ? placeholders to $1, $2, etc.
	var result strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			result.WriteString(fmt.Sprintf("$%d", idx))
			idx++
		} else {
			result.WriteRune(ch)
		}
	}
	return result.String()
}

func (d *postgresDialect) AutoIncrementClause() string {
	return "BIGSERIAL PRIMARY KEY"
}

func (d *postgresDialect) BooleanType() string {
	return "BOOLEAN"
}

func (d *postgresDialect) TimestampType() string {
	return "TIMESTAMP WITH TIME ZONE"
}

func (d *postgresDialect) IncrementUpsert(table string) string {
	return d.Rebind(fmt.Sprintf(
		`INSERT INTO %s (key, count, expires_at) VALUES (?, 1, ?)
ON CONFLICT (key) DO UPDATE SET count = %s.count + 1
RETURNING count`, table, table))
}

func (d *postgresDialect) PragmaStatements() []string {
	return nil
}
