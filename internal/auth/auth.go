// Package auth decides whether a caller may use the admin API.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrForbidden is returned when the caller is not an administrator.
var ErrForbidden = eris.New("auth: forbidden")

// Caller identifies who made a request.
type Caller struct {
	Name  string
	Token string
}

// Authorizer reports whether a caller holds the admin role.
type Authorizer interface {
	// Identify resolves a bearer token to a caller. ok is false for unknown tokens.
	Identify(ctx context.Context, token string) (Caller, bool)
	IsAdmin(ctx context.Context, c Caller) bool
}

// StaticTokens authorizes a fixed set of admin tokens from configuration.
type StaticTokens struct {
	byToken map[string]string
}

// ParseStaticTokens builds StaticTokens from "name:token" entries.
func ParseStaticTokens(entries []string) (*StaticTokens, error) {
	s := &StaticTokens{byToken: make(map[string]string, len(entries))}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		name, token, ok := strings.Cut(e, ":")
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if !ok || name == "" || token == "" {
			return nil, eris.Errorf("auth: admin token entry %q must be name:token", redact(e))
		}
		if _, dup := s.byToken[token]; dup {
			return nil, eris.Errorf("auth: duplicate admin token for %q", name)
		}
		s.byToken[token] = name
	}
	return s, nil
}

// Len returns the number of configured tokens.
func (s *StaticTokens) Len() int { return len(s.byToken) }

// Identify implements Authorizer.
func (s *StaticTokens) Identify(_ context.Context, token string) (Caller, bool) {
	if token == "" {
		return Caller{}, false
	}
	for known, name := range s.byToken {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return Caller{Name: name, Token: token}, true
		}
	}
	return Caller{}, false
}

// IsAdmin implements Authorizer. Every configured token is an admin token.
func (s *StaticTokens) IsAdmin(ctx context.Context, c Caller) bool {
	got, ok := s.Identify(ctx, c.Token)
	return ok && got.Name == c.Name
}

type callerKey struct{}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored by the middleware.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Require is a chi middleware that rejects non-admin requests with 403 and
// stores the caller in the request context otherwise.
func Require(a Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			c, ok := a.Identify(r.Context(), token)
			if !ok || !a.IsAdmin(r.Context(), c) {
				zap.L().Debug("rejected request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{"error": "Forbidden"}) //nolint:errcheck
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), c)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if v, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(r.Header.Get("X-Admin-Token"))
}

func redact(entry string) string {
	if i := strings.IndexByte(entry, ':'); i >= 0 {
		return entry[:i] + ":***"
	}
	if len(entry) > 4 {
		return entry[:2] + "***"
	}
	return "***"
}
