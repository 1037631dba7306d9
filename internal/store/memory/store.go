// Package memory is the in-memory implementation of the store ports.
// It backs tests and deployments whose credentials and routes are
// declared directly in the config file.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nvelloso/apigate/internal/config"
	"github.com/nvelloso/apigate/internal/domain"
	"github.com/nvelloso/apigate/internal/store"
)

// Store implements all four store ports in process memory.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]*domain.Credential   // key value -> credential
	routes      map[string]*domain.ServiceRoute // slug -> route
	audits      []*domain.AuditRecord

	counterMu sync.Mutex
	counters  map[string]*window
}

type window struct {
	count     int64
	expiresAt time.Time
}

var (
	_ store.CredentialStore = (*Store)(nil)
	_ store.RouteStore      = (*Store)(nil)
	_ store.AuditStore      = (*Store)(nil)
	_ store.CounterStore    = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		credentials: make(map[string]*domain.Credential),
		routes:      make(map[string]*domain.ServiceRoute),
		counters:    make(map[string]*window),
	}
}

// NewFromConfig creates a store populated with the credentials and
// services declared in the configuration.
func NewFromConfig(cfg *config.Config) *Store {
	s := New()
	now := time.Now().UTC()
	for _, c := range cfg.Credentials {
		s.AddCredential(&domain.Credential{
			Key:       c.Key,
			Name:      c.Name,
			Active:    !c.Revoked,
			CreatedAt: now,
		})
	}
	for _, svc := range cfg.Services {
		s.AddRoute(&domain.ServiceRoute{
			Slug:      svc.Slug,
			Name:      svc.Name,
			BaseURL:   svc.BaseURL,
			Active:    true,
			CreatedAt: now,
		})
	}
	return s
}

// AddCredential registers a credential. Administrative path only.
func (s *Store) AddCredential(cred *domain.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[cred.Key] = cred
}

// AddRoute registers a service route. Administrative path only.
func (s *Store) AddRoute(route *domain.ServiceRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[route.Slug] = route
}

// FindActiveByValue returns the active credential for key.
func (s *Store) FindActiveByValue(ctx context.Context, key string) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[key]
	if !ok || !cred.Active {
		return nil, store.ErrNotFound
	}
	return cred, nil
}

// TouchLastUsed stamps the credential's last authentication time.
func (s *Store) TouchLastUsed(ctx context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cred, ok := s.credentials[key]; ok {
		t := at
		cred.LastUsedAt = &t
	}
	return nil
}

// FindBySlug returns the active route for slug.
func (s *Store) FindBySlug(ctx context.Context, slug string) (*domain.ServiceRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	route, ok := s.routes[slug]
	if !ok || !route.Active {
		return nil, store.ErrNotFound
	}
	return route, nil
}

// Append stores an audit record.
func (s *Store) Append(ctx context.Context, rec *domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, rec)
	return nil
}

// AuditRecords returns a snapshot of the appended records.
func (s *Store) AuditRecords() []*domain.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.AuditRecord, len(s.audits))
	copy(out, s.audits)
	return out
}

// Incr increments the counter for key under a single lock, so the
// increment-and-read is atomic with respect to concurrent callers.
// Expired windows are replaced on first touch.
func (s *Store) Incr(ctx context.Context, key string, expiresAt time.Time) (int64, error) {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()

	now := time.Now()
	w, ok := s.counters[key]
	if !ok || !w.expiresAt.After(now) {
		w = &window{expiresAt: expiresAt}
		s.counters[key] = w
	}
	w.count++
	return w.count, nil
}
