package server

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// rateLimitContextKey is the context key for rate limit info
type rateLimitContextKey struct{}

// RateLimitInfo carries the limiter's decision for a request so the
// middleware can surface it as response headers.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// SetRateLimits fills the request-scoped rate limit slot installed by
// RateLimitHeaderMiddleware. No-op if the middleware isn't present.
func SetRateLimits(ctx context.Context, rl RateLimitInfo) {
	if slot, ok := ctx.Value(rateLimitContextKey{}).(*RateLimitInfo); ok {
		*slot = rl
	}
}

// GetRateLimits retrieves the rate limit slot from context.
// Returns nil if the middleware isn't present.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	if rl, ok := ctx.Value(rateLimitContextKey{}).(*RateLimitInfo); ok {
		return rl
	}
	return nil
}

// RateLimitHeaderMiddleware writes X-RateLimit-* headers on responses.
// It installs a mutable slot in the request context for the pipeline
// to fill after the limiter decision, and flushes it into headers just
// before the first write.
func RateLimitHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &RateLimitInfo{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, info)

		wrapped := &rateLimitResponseWriter{
			ResponseWriter: w,
			info:           info,
		}
		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

// rateLimitResponseWriter wraps ResponseWriter to write rate limit headers.
type rateLimitResponseWriter struct {
	http.ResponseWriter
	info         *RateLimitInfo
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) writeRateLimitHeaders() {
	if rw.info == nil || rw.info.Limit <= 0 {
		return
	}

	h := rw.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(rw.info.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(rw.info.Remaining))
	if !rw.info.Reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(rw.info.Reset.Unix(), 10))
	}
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *rateLimitResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
