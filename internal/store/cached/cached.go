// Package cached wraps the lookup stores with short-lived LRU caches.
// Credential and route lookups sit on every request's critical path;
// a small read-through cache keeps them off the database for hot keys
// while the TTL bounds how long a revocation takes to be observed.
package cached

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nvelloso/apigate/internal/domain"
	"github.com/nvelloso/apigate/internal/store"
)

// notFound is cached alongside hits so repeated probes with a bad key
// do not hammer the database.
type credEntry struct {
	cred *domain.Credential
}

type routeEntry struct {
	route *domain.ServiceRoute
}

// CredentialStore is a read-through cache over a CredentialStore.
type CredentialStore struct {
	inner store.CredentialStore
	cache *expirable.LRU[string, credEntry]
}

var _ store.CredentialStore = (*CredentialStore)(nil)

// NewCredentialStore wraps inner with an LRU of the given size whose
// entries expire after ttl.
func NewCredentialStore(inner store.CredentialStore, size int, ttl time.Duration) *CredentialStore {
	return &CredentialStore{
		inner: inner,
		cache: expirable.NewLRU[string, credEntry](size, nil, ttl),
	}
}

// FindActiveByValue consults the cache before the inner store.
func (s *CredentialStore) FindActiveByValue(ctx context.Context, key string) (*domain.Credential, error) {
	if entry, ok := s.cache.Get(key); ok {
		if entry.cred == nil {
			return nil, store.ErrNotFound
		}
		return entry.cred, nil
	}

	cred, err := s.inner.FindActiveByValue(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		s.cache.Add(key, credEntry{})
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.cache.Add(key, credEntry{cred: cred})
	return cred, nil
}

// TouchLastUsed delegates to the inner store.
func (s *CredentialStore) TouchLastUsed(ctx context.Context, key string, at time.Time) error {
	return s.inner.TouchLastUsed(ctx, key, at)
}

// RouteStore is a read-through cache over a RouteStore.
type RouteStore struct {
	inner store.RouteStore
	cache *expirable.LRU[string, routeEntry]
}

var _ store.RouteStore = (*RouteStore)(nil)

// NewRouteStore wraps inner with an LRU of the given size whose
// entries expire after ttl.
func NewRouteStore(inner store.RouteStore, size int, ttl time.Duration) *RouteStore {
	return &RouteStore{
		inner: inner,
		cache: expirable.NewLRU[string, routeEntry](size, nil, ttl),
	}
}

// FindBySlug consults the cache before the inner store.
func (s *RouteStore) FindBySlug(ctx context.Context, slug string) (*domain.ServiceRoute, error) {
	if entry, ok := s.cache.Get(slug); ok {
		if entry.route == nil {
			return nil, store.ErrNotFound
		}
		return entry.route, nil
	}

	route, err := s.inner.FindBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		s.cache.Add(slug, routeEntry{})
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.cache.Add(slug, routeEntry{route: route})
	return route, nil
}
