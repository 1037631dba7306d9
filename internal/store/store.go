// Package store defines the narrow persistence ports consumed by the
// request pipeline. The administrative subsystem owns credential and
// route writes; the pipeline only reads them. Absence is a routine
// branch, signalled with ErrNotFound rather than a typed failure.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nvelloso/apigate/internal/domain"
)

// ErrNotFound is returned by lookups when no matching row exists.
// Callers must check with errors.Is.
var ErrNotFound = errors.New("not found")

// CredentialStore resolves presented API keys to credentials.
type CredentialStore interface {
	// FindActiveByValue returns the active credential for the given
	// key value, or ErrNotFound. Revoked keys are never returned.
	FindActiveByValue(ctx context.Context, key string) (*domain.Credential, error)

	// TouchLastUsed records that the credential authenticated just
	// now. Best-effort; the pipeline ignores its error.
	TouchLastUsed(ctx context.Context, key string, at time.Time) error
}

// RouteStore resolves routing slugs to registered upstreams.
type RouteStore interface {
	// FindBySlug returns the active route for the slug, or ErrNotFound.
	FindBySlug(ctx context.Context, slug string) (*domain.ServiceRoute, error)
}

// AuditStore is the append-only sink for audit records.
type AuditStore interface {
	Append(ctx context.Context, rec *domain.AuditRecord) error
}

// CounterStore provides atomic increment-with-expiry for rate-limit
// windows. Incr must be a single atomic operation at the backing
// store, never a read-then-write pair.
type CounterStore interface {
	// Incr increments the counter for key, creating it with the given
	// expiry if absent, and returns the post-increment value.
	Incr(ctx context.Context, key string, expiresAt time.Time) (int64, error)
}
