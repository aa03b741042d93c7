// internal/auth/middleware.go
package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Credential is one staff token as stored in configuration.
type Credential struct {
	Name string `mapstructure:"name"`
	Salt string `mapstructure:"salt"`
	Hash string `mapstructure:"hash"`
}

type staffKey struct{}

// StaffName returns the authenticated staff member of a request, if any.
func StaffName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(staffKey{}).(string)
	return name, ok
}

// Authenticator checks bearer tokens against hashed credentials.
// Verified tokens are remembered so argon2 runs once per token.
type Authenticator struct {
	credentials []Credential
	logger      *zap.SugaredLogger

	mu       sync.RWMutex
	verified map[string]string
}

func NewAuthenticator(credentials []Credential, logger *zap.SugaredLogger) *Authenticator {
	return &Authenticator{
		credentials: credentials,
		logger:      logger,
		verified:    make(map[string]string),
	}
}

// Authenticate returns the name of the staff member owning token.
func (a *Authenticator) Authenticate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	a.mu.RLock()
	name, ok := a.verified[token]
	a.mu.RUnlock()
	if ok {
		return name, true
	}

	for _, c := range a.credentials {
		match, err := VerifyToken(token, c.Salt, c.Hash)
		if err != nil {
			a.logger.Warnw("invalid staff credential", "name", c.Name, "error", err)
			continue
		}
		if match {
			a.mu.Lock()
			a.verified[token] = c.Name
			a.mu.Unlock()
			return c.Name, true
		}
	}
	return "", false
}

// Middleware rejects requests without a valid bearer token with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		name, ok := a.Authenticate(strings.TrimSpace(token))
		if !ok {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), staffKey{}, name)))
	})
}

// Open lets every request through. Used when authentication is disabled.
func Open(next http.Handler) http.Handler {
	return next
}
