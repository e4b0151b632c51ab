// Package auth authenticates API callers with bearer JWTs and carries the
// resulting principal through the request context. Two verification modes
// are supported: a shared-secret HS256 mode for small deployments and an
// RS256 mode backed by an OIDC provider's JWKS endpoint.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Principal is the authenticated caller. Owners manage their own session
// keys; the operator role additionally unlocks fleet-wide endpoints.
type Principal struct {
	Subject string
	Roles   []string
}

type contextKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, have := range p.Roles {
		for _, want := range required {
			if strings.EqualFold(strings.TrimSpace(have), strings.TrimSpace(want)) {
				return true
			}
		}
	}
	return false
}

type MiddlewareConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Timeout  time.Duration
}

type MiddlewareOption func(*MiddlewareConfig)

func WithJWKS(url string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.JWKSURL = strings.TrimSpace(url) }
}

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Audience = strings.TrimSpace(audience) }
}

func WithTimeout(timeout time.Duration) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Timeout = timeout }
}

// Middleware selects a verifier from AUTH_MODE. Mode "off" admits every
// request as an anonymous principal, which is only meant for local runs.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := MiddlewareConfig{Timeout: 5 * time.Second}
	for _, opt := range options {
		opt(&cfg)
	}
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "off":
		return anonymous
	case "oidc_hs256":
		return bearer(cfg, hs256Verifier{secret: []byte(secret)})
	case "oidc_rs256":
		return bearer(cfg, rs256Verifier{keys: newKeySet(cfg.JWKSURL, cfg.Timeout)})
	default:
		return rejectAll
	}
}

func anonymous(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := Principal{Subject: "anonymous", Roles: []string{"anonymous"}}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func rejectAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported auth mode", http.StatusUnauthorized)
	})
}

func bearer(cfg MiddlewareConfig, v verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			tok, err := parseToken(raw)
			if err == nil {
				err = v.verify(r.Context(), tok)
			}
			if err == nil {
				err = tok.claims.validate(time.Now().UTC(), cfg.Issuer, cfg.Audience)
			}
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			p := Principal{Subject: tok.claims.Subject, Roles: tok.claims.Roles}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("bearer "):])
	return token, token != ""
}
