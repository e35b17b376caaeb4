package auth

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/ids"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// DefaultAPITokenTTL is the default JWT expiry for an issued API token
// (§5): 90 days, rejected on expiry regardless of revocation state.
const DefaultAPITokenTTL = 90 * 24 * time.Hour

// IssueAPIToken mints a self-contained HS256 JWT (§4.5, §6) and persists
// its hash for revocation lookups. The returned string is the bearer
// credential, shown to the caller exactly once.
func (g *Gate) IssueAPIToken(ctx context.Context, issuerUserID, tenantID, systemUserID int64, scopes []string, ttl time.Duration) (*store.ApiToken, string, error) {
	if g.jwt == nil {
		return nil, "", apierr.New(apierr.Unauthenticated, "api tokens are disabled on this coordinator")
	}
	if ttl <= 0 {
		ttl = DefaultAPITokenTTL
	}

	subject := ids.New(ids.ApiToken)
	raw, err := g.jwt.signAPIToken(subject, tenantID, systemUserID, scopes, ttl)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}

	hash := hashToken(raw)
	prefix := raw
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}

	rec := &store.ApiToken{
		IssuerUserID: issuerUserID,
		TenantID:     tenantID,
		SystemUserID: systemUserID,
		HashedToken:  hash,
		TokenPrefix:  prefix,
		Scopes:       scopes,
		ExpiresAt:    g.clock.Now().Add(ttl),
	}
	out, err := g.store.CreateApiTokenRecord(ctx, rec)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	return out, raw, nil
}

// ResolveAPIToken authenticates a bearer JWT API token (§4.5): verify
// its signature and `type=api_token` claim first (cheap, no DB round
// trip for a malformed token), then SHA-256-hash the raw JWT and look it
// up for revocation/expiry state, which the coordinator tracks
// independently of the claim's own `exp`. The per-remote-IP brute-force
// defense applies only to this credential path, not to agent keys or
// sessions: a blocked IP is rejected before the signature is even
// checked, and every verify failure or success updates that IP's
// tracked window.
func (g *Gate) ResolveAPIToken(ctx context.Context, rawToken, remoteIP string) (*Identity, error) {
	if g.jwt == nil {
		return nil, apierr.New(apierr.Unauthenticated, "api tokens are disabled on this coordinator")
	}
	if g.limiter.Blocked(remoteIP) {
		return nil, apierr.New(apierr.RateLimited, "too many failed authentication attempts from this address")
	}
	if rawToken == "" {
		g.limiter.RecordFailure(remoteIP)
		return nil, apierr.New(apierr.Unauthenticated, "missing api token")
	}

	if _, err := g.jwt.verifyAPIToken(rawToken); err != nil {
		g.limiter.RecordFailure(remoteIP)
		return nil, apierr.New(apierr.InvalidToken, "invalid or expired api token")
	}

	tok, err := g.store.GetApiTokenByHash(ctx, hashToken(rawToken))
	if err != nil {
		if trace.IsNotFound(err) {
			g.limiter.RecordFailure(remoteIP)
			return nil, apierr.New(apierr.InvalidToken, "api token is unknown to this coordinator")
		}
		return nil, trace.Wrap(err)
	}
	if !tok.Active {
		g.limiter.RecordFailure(remoteIP)
		return nil, apierr.New(apierr.InvalidToken, "api token has been revoked")
	}
	if !tok.ExpiresAt.IsZero() && !g.clock.Now().Before(tok.ExpiresAt) {
		g.limiter.RecordFailure(remoteIP)
		return nil, apierr.New(apierr.TokenExpired, "api token has expired")
	}
	g.limiter.RecordSuccess(remoteIP)

	if err := g.store.TouchApiTokenLastUsed(ctx, tok.ID); err != nil {
		g.log.WithError(err).WithField("token_guid", tok.GUID).Warn("failed to record api token last use")
	}

	// is_api_token=true, is_super_admin=false always (§4.5): a JWT
	// context can never satisfy the admin gate.
	return &Identity{Kind: PrincipalAPIToken, TenantID: tok.TenantID, ApiToken: tok}, nil
}
