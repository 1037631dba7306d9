package sqldb

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nvelloso/apigate/internal/domain"
	"github.com/nvelloso/apigate/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCredentialLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCredential(ctx, &domain.Credential{Key: "k1", Name: "client-one", Active: true}); err != nil {
		t.Fatalf("CreateCredential() error: %v", err)
	}
	if err := s.CreateCredential(ctx, &domain.Credential{Key: "k2", Name: "revoked", Active: false}); err != nil {
		t.Fatalf("CreateCredential() error: %v", err)
	}

	cred, err := s.FindActiveByValue(ctx, "k1")
	if err != nil {
		t.Fatalf("FindActiveByValue() error: %v", err)
	}
	if cred.Name != "client-one" || !cred.Active {
		t.Errorf("credential = %+v, want active client-one", cred)
	}

	if _, err := s.FindActiveByValue(ctx, "k2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("revoked key error = %v, want ErrNotFound", err)
	}
	if _, err := s.FindActiveByValue(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing key error = %v, want ErrNotFound", err)
	}
}

func TestCredentialUniqueKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCredential(ctx, &domain.Credential{Key: "k1", Name: "first", Active: true}); err != nil {
		t.Fatalf("CreateCredential() error: %v", err)
	}
	if err := s.CreateCredential(ctx, &domain.Credential{Key: "k1", Name: "second", Active: true}); err == nil {
		t.Error("duplicate key insert succeeded, want unique violation")
	}
}

func TestTouchLastUsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCredential(ctx, &domain.Credential{Key: "k1", Name: "client-one", Active: true}); err != nil {
		t.Fatalf("CreateCredential() error: %v", err)
	}

	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	if err := s.TouchLastUsed(ctx, "k1", at); err != nil {
		t.Fatalf("TouchLastUsed() error: %v", err)
	}

	cred, err := s.FindActiveByValue(ctx, "k1")
	if err != nil {
		t.Fatalf("FindActiveByValue() error: %v", err)
	}
	if cred.LastUsedAt == nil {
		t.Fatal("LastUsedAt not persisted")
	}
}

func TestRouteLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRoute(ctx, &domain.ServiceRoute{Slug: "httpbin", Name: "HTTPBin", BaseURL: "https://httpbin.org", Active: true}); err != nil {
		t.Fatalf("CreateRoute() error: %v", err)
	}
	if err := s.CreateRoute(ctx, &domain.ServiceRoute{Slug: "legacy", Name: "Legacy", BaseURL: "https://legacy.example.com", Active: false}); err != nil {
		t.Fatalf("CreateRoute() error: %v", err)
	}

	route, err := s.FindBySlug(ctx, "httpbin")
	if err != nil {
		t.Fatalf("FindBySlug() error: %v", err)
	}
	if route.BaseURL != "https://httpbin.org" {
		t.Errorf("BaseURL = %q", route.BaseURL)
	}

	if _, err := s.FindBySlug(ctx, "legacy"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("inactive route error = %v, want ErrNotFound", err)
	}
}

func TestAuditAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &domain.AuditRecord{
		Credential: "client-one",
		RouteSlug:  "httpbin",
		Method:     "GET",
		Path:       "/proxy/httpbin/get",
		StatusCode: 200,
		DurationMS: 12.5,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	var count int
	if err := s.DB().Get(&count, "SELECT COUNT(*) FROM request_logs"); err != nil {
		t.Fatalf("count query error: %v", err)
	}
	if count != 1 {
		t.Errorf("request_logs rows = %d, want 1", count)
	}
}

func TestIncr(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	for want := int64(1); want <= 5; want++ {
		got, err := s.Incr(ctx, "ratelimit:k1:100", expires)
		if err != nil {
			t.Fatalf("Incr() error: %v", err)
		}
		if got != want {
			t.Errorf("Incr() = %d, want %d", got, want)
		}
	}
}

func TestIncr_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	const calls = 50
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Incr(ctx, "ratelimit:k1:100", expires); err != nil {
				t.Errorf("Incr() error: %v", err)
			}
		}()
	}
	wg.Wait()

	final, err := s.Incr(ctx, "ratelimit:k1:100", expires)
	if err != nil {
		t.Fatalf("Incr() error: %v", err)
	}
	if final != calls+1 {
		t.Errorf("final count = %d, want %d (no lost updates)", final, calls+1)
	}
}

func TestPurgeExpiredWindows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Incr(ctx, "expired", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Incr() error: %v", err)
	}
	if _, err := s.Incr(ctx, "live", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Incr() error: %v", err)
	}

	n, err := s.PurgeExpiredWindows(ctx, time.Now())
	if err != nil {
		t.Fatalf("PurgeExpiredWindows() error: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}

	var remaining int
	if err := s.DB().Get(&remaining, "SELECT COUNT(*) FROM rate_windows"); err != nil {
		t.Fatalf("count query error: %v", err)
	}
	if remaining != 1 {
		t.Errorf("remaining windows = %d, want 1", remaining)
	}
}
