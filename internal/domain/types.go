// Package domain holds the gateway's core data model and error taxonomy.
package domain

import "time"

// UnauthenticatedLabel is recorded in audit entries when no valid
// credential was presented.
const UnauthenticatedLabel = "unauthenticated"

// UnknownRouteLabel is recorded in audit entries when the requested
// slug did not resolve to a registered service.
const UnknownRouteLabel = "unknown"

// Credential is a client API key. The pipeline only ever reads
// credentials; they are created and revoked by the administrative
// subsystem.
type Credential struct {
	ID         int64      `db:"id"`
	Key        string     `db:"key"`
	Name       string     `db:"name"`
	Active     bool       `db:"is_active"`
	CreatedAt  time.Time  `db:"created_at"`
	LastUsedAt *time.Time `db:"last_used_at"`
}

// ServiceRoute maps a routing slug to an upstream base URL.
type ServiceRoute struct {
	ID        int64     `db:"id"`
	Slug      string    `db:"slug"`
	Name      string    `db:"name"`
	BaseURL   string    `db:"base_url"`
	Active    bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

// AuditRecord is the append-only log entry written once per inbound
// request, after the terminal outcome is known.
type AuditRecord struct {
	ID         int64     `db:"id"`
	Credential string    `db:"credential"`
	RouteSlug  string    `db:"route_slug"`
	Method     string    `db:"method"`
	Path       string    `db:"path"`
	StatusCode int       `db:"status_code"`
	DurationMS float64   `db:"duration_ms"`
	Timestamp  time.Time `db:"created_at"`
}
