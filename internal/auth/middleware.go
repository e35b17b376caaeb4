package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
)

// SessionCookieName is the cookie carrying the admin web session JWT.
const SessionCookieName = "shuttersense_session"

type contextKey string

const identityContextKey contextKey = "identity"

// WithIdentity returns a context carrying id, for handlers downstream of
// Authenticate to retrieve via FromContext.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext returns the Identity attached by Authenticate, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok
}

// Authenticate resolves the caller of an HTTP request against every
// credential scheme the coordinator accepts (§4.5): an Authorization
// header carries either an agent API key (prefixed agt_key_) or a JWT
// API token (any other bearer value); absent that, the admin session
// cookie is tried.
func (g *Gate) Authenticate(r *http.Request) (*Identity, error) {
	if authz := r.Header.Get("Authorization"); authz != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(authz, prefix) {
			return nil, apierr.New(apierr.Unauthenticated, "malformed Authorization header")
		}
		token := strings.TrimPrefix(authz, prefix)
		if strings.HasPrefix(token, agentKeyPrefix) {
			return g.ResolveAgent(r.Context(), token)
		}
		return g.ResolveAPIToken(r.Context(), token, RemoteIP(r))
	}

	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return g.ResolveSession(r.Context(), cookie.Value)
	}

	return nil, apierr.New(apierr.Unauthenticated, "no credentials presented")
}

// RequireAdmin fails unless id is a super-admin session identity (§4.5).
func RequireAdmin(id *Identity) error {
	if id == nil || !id.IsAdmin() {
		return apierr.New(apierr.InsufficientPrivilege, "administrator privileges required")
	}
	return nil
}

// RequireAgent fails unless id is an agent identity, returning the same
// Identity for convenience at call sites that only ever serve the Agent
// REST API.
func RequireAgent(id *Identity) (*Identity, error) {
	if id == nil || id.Kind != PrincipalAgent {
		return nil, apierr.New(apierr.Unauthenticated, "agent api key required")
	}
	return id, nil
}

// RemoteIP extracts the client address for rate limiting, preferring a
// trusted X-Forwarded-For first hop over RemoteAddr when present.
func RemoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
