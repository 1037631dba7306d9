// Package gateway implements the request-processing pipeline:
// authenticate, rate-limit, resolve route, forward, audit. Each stage
// can short-circuit the request; every path, success or rejection,
// emits exactly one audit record.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nvelloso/apigate/internal/audit"
	"github.com/nvelloso/apigate/internal/domain"
	"github.com/nvelloso/apigate/internal/forward"
	"github.com/nvelloso/apigate/internal/ratelimit"
	"github.com/nvelloso/apigate/internal/server"
	"github.com/nvelloso/apigate/internal/store"
)

// APIKeyHeader carries the caller's credential.
const APIKeyHeader = "X-API-KEY"

// Upstream performs the outbound call for a resolved route. The
// concrete implementation is forward.Forwarder; tests substitute
// counting fakes.
type Upstream interface {
	Forward(ctx context.Context, baseURL string, req *forward.Request) (*forward.Result, error)
}

// Handler orchestrates the proxy pipeline for one inbound request.
type Handler struct {
	credentials store.CredentialStore
	routes      store.RouteStore
	limiter     *ratelimit.Limiter
	upstream    Upstream
	audit       *audit.Logger
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a pipeline handler.
func New(
	credentials store.CredentialStore,
	routes store.RouteStore,
	limiter *ratelimit.Limiter,
	upstream Upstream,
	auditLogger *audit.Logger,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		credentials: credentials,
		routes:      routes,
		limiter:     limiter,
		upstream:    upstream,
		audit:       auditLogger,
		logger:      logger,
		now:         time.Now,
	}
}

// Register mounts the proxy routes on the router. Any method is
// accepted; the slug selects the upstream and the wildcard remainder
// is relayed as the upstream path.
func (h *Handler) Register(r chi.Router) {
	r.Handle("/proxy/{slug}", h)
	r.Handle("/proxy/{slug}/*", h)
}

// ServeHTTP runs the pipeline. The stages are strictly sequential:
// authenticate, rate-limit, resolve, forward. The rate-limit increment
// deliberately precedes route resolution, so an unknown slug consumes
// budget exactly like a known one.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := h.now()

	rec := &domain.AuditRecord{
		Credential: domain.UnauthenticatedLabel,
		RouteSlug:  domain.UnknownRouteLabel,
		Method:     r.Method,
		Path:       r.URL.Path,
	}
	defer func() {
		rec.DurationMS = float64(h.now().Sub(start).Microseconds()) / 1000.0
		rec.Timestamp = start.UTC()
		h.audit.Record(rec)
	}()

	// Stage 1: authentication.
	key := r.Header.Get(APIKeyHeader)
	if key == "" {
		h.writeError(w, r, rec, domain.ErrAuthentication(
			"Missing API key. Include it in the "+APIKeyHeader+" header."))
		return
	}

	cred, err := h.credentials.FindActiveByValue(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, r, rec, domain.ErrAuthentication("Invalid or inactive API key."))
		return
	}
	if err != nil {
		h.writeError(w, r, rec, domain.ErrServer("Credential lookup failed.").WithCause(err))
		return
	}

	rec.Credential = cred.Name
	server.AddLogField(ctx, "credential", cred.Name)
	if err := h.credentials.TouchLastUsed(ctx, cred.Key, start); err != nil {
		h.logger.Debug("touch last used failed", slog.String("error", err.Error()))
	}

	// Stage 2: rate limit. One increment per authenticated request,
	// committed before any forwarding cost is paid.
	decision, err := h.limiter.Allow(ctx, cred.Key)
	if err != nil {
		h.writeError(w, r, rec, domain.ErrServer("Rate limit check failed.").WithCause(err))
		return
	}
	server.SetRateLimits(ctx, server.RateLimitInfo{
		Limit:     decision.Limit,
		Remaining: decision.Remaining,
		Reset:     decision.Reset,
	})
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter(start)))
		h.writeError(w, r, rec, domain.ErrRateLimit("Rate limit exceeded."))
		return
	}

	// Stage 3: route resolution.
	slug := chi.URLParam(r, "slug")
	route, err := h.routes.FindBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, r, rec, domain.ErrRouteNotFound("Service not found."))
		return
	}
	if err != nil {
		h.writeError(w, r, rec, domain.ErrServer("Route lookup failed.").WithCause(err))
		return
	}

	rec.RouteSlug = route.Slug
	server.AddLogField(ctx, "route", route.Slug)

	// Stage 4: forward. No retries: the budget unit is already spent,
	// and a hidden retry would spend upstream work it never accounted
	// for.
	result, err := h.upstream.Forward(ctx, route.BaseURL, &forward.Request{
		Method: r.Method,
		Path:   chi.URLParam(r, "*"),
		Query:  r.URL.RawQuery,
		Header: r.Header,
		Body:   r.Body,
	})
	if err != nil {
		server.AddError(ctx, err)
		h.writeError(w, r, rec, domain.ErrUpstream("Upstream service error.").WithCause(err))
		return
	}
	defer result.Body.Close()

	// Stage 5: relay the upstream response verbatim.
	rec.StatusCode = result.StatusCode
	header := w.Header()
	for name, values := range result.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(result.StatusCode)
	if _, err := io.Copy(w, result.Body); err != nil {
		// Status already sent; nothing to do but note it.
		h.logger.Warn("copy upstream body failed",
			slog.String("route", route.Slug),
			slog.String("error", err.Error()),
		)
	}
}

// writeError renders a terminal pipeline error as a JSON detail body
// and stamps the audit record with the final status.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, rec *domain.AuditRecord, gerr *domain.GatewayError) {
	status := gerr.HTTPStatusCode()
	rec.StatusCode = status
	server.AddError(r.Context(), gerr)

	if gerr.Type == domain.ErrorTypeServer && gerr.Cause != nil {
		h.logger.Error("pipeline failure",
			slog.String("path", r.URL.Path),
			slog.String("error", gerr.Cause.Error()),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": gerr.Message})
}
