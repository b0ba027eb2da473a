// Package auth provides authentication middleware and caller identity.
package auth

import (
	"context"
	"net/http"

	"github.com/veriflow/veriflow/internal/storage"
)

// Caller is the authenticated identity behind a request. Address is the
// ledger account every balance-affecting operation acts on behalf of.
type Caller struct {
	KeyID   string
	Address string
	Admin   bool
}

// Context key type for avoiding collisions
type contextKey string

const callerContextKey contextKey = "caller"

// CallerFromContext retrieves the authenticated caller from context.
func CallerFromContext(ctx context.Context) *Caller {
	if c, ok := ctx.Value(callerContextKey).(*Caller); ok {
		return c
	}
	return nil
}

// WithCaller returns a context carrying the caller. Used by tests and the
// middleware below.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

func extractKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return ""
}

// Middleware returns an HTTP middleware that validates API keys and binds
// the caller identity to the request context.
func Middleware(store storage.APIKeyStore, writeError func(w http.ResponseWriter, status int, code, message string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := extractKey(r)
			if apiKey == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "API key required")
				return
			}

			key, err := store.ValidateAPIKey(r.Context(), apiKey)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key")
				return
			}

			caller := &Caller{KeyID: key.ID, Address: key.Address, Admin: key.Admin}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// OptionalMiddleware validates API keys if present but lets anonymous
// requests through. Read-only routes use it so that balances and listings
// stay publicly readable.
func OptionalMiddleware(store storage.APIKeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey := extractKey(r); apiKey != "" {
				if key, err := store.ValidateAPIKey(r.Context(), apiKey); err == nil && key != nil {
					caller := &Caller{KeyID: key.ID, Address: key.Address, Admin: key.Admin}
					r = r.WithContext(WithCaller(r.Context(), caller))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
