package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/signer"
	"golang.org/x/time/rate"
)

type ContextKey int

const (
	// BodyContextKey is the key used to store the verified raw body in the request context
	BodyContextKey ContextKey = iota
)

// MaxBodyBytes bounds the RPC bodies read for verification.
const MaxBodyBytes = 64 << 10

// NewSignatureMiddleware rejects requests whose X-Signature header is not the
// HMAC of the exact body. Verified bytes are stored under BodyContextKey.
func NewSignatureMiddleware(secret string) func(next http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
			if err != nil {
				log.Error("failed to read request body: %v", err)
				http.Error(w, "Failed to read body", http.StatusBadRequest)
				return
			}

			signature := r.Header.Get(signer.HeaderName)
			if signature == "" || !signer.Verify(key, body, signature) {
				log.Warn("rejecting %s %s from %s: invalid signature", r.Method, r.URL.Path, r.RemoteAddr)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			ctx := context.WithValue(r.Context(), BodyContextKey, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewRateLimitMiddleware answers 429 once the token bucket is empty. A
// non-positive rate disables limiting.
func NewRateLimitMiddleware(perSecond float64, burst int) func(next http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				log.Warn("rate limiting %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
