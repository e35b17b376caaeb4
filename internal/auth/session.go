package auth

import (
	"context"
	"time"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// DefaultSessionTTL is how long an admin web session cookie is valid
// before re-authentication is required.
const DefaultSessionTTL = 12 * time.Hour

// MintSession signs a session cookie for an interactive HUMAN user,
// resolving the super-admin bit once from the email-hash allowlist so
// every subsequent request trusts the signed claim rather than
// re-hashing the email (§4.5).
func (g *Gate) MintSession(user *store.User, tenantGUID string) (string, error) {
	if g.jwt == nil {
		return "", apierr.New(apierr.Unauthenticated, "session auth is disabled on this coordinator")
	}
	isSuperAdmin := g.IsSuperAdminEmail(user.Email)
	return g.jwt.signSession(user.GUID, tenantGUID, isSuperAdmin, DefaultSessionTTL)
}

// ResolveSession authenticates an admin web session cookie. The per-IP
// brute-force defense (§4.5) applies only to the JWT API-token path, not
// to sessions, so this never touches the limiter.
func (g *Gate) ResolveSession(ctx context.Context, rawCookie string) (*Identity, error) {
	if g.jwt == nil {
		return nil, apierr.New(apierr.Unauthenticated, "session auth is disabled on this coordinator")
	}
	if rawCookie == "" {
		return nil, apierr.New(apierr.Unauthenticated, "missing session cookie")
	}

	claims, err := g.jwt.verifySession(rawCookie)
	if err != nil {
		return nil, apierr.New(apierr.Unauthenticated, "invalid or expired session")
	}

	user, err := g.store.GetUserByGUID(ctx, claims.UserGUID)
	if err != nil {
		return nil, apierr.New(apierr.Unauthenticated, "session refers to an unknown user")
	}
	if user.Status != store.UserStatusActive {
		return nil, apierr.New(apierr.Unauthenticated, "user account is not active")
	}

	return &Identity{
		Kind:         PrincipalSession,
		TenantID:     user.TenantID,
		User:         user,
		IsSuperAdmin: claims.IsSuperAdmin,
	}, nil
}
