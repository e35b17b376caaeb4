package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/config"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store/memstore"
)

func newTestGate(t *testing.T, clock clockwork.Clock, superAdminEmails ...string) (*Gate, store.Store) {
	t.Helper()
	st := memstore.New()
	cfg := &config.Config{
		PostgresDSN:      "unused",
		APITokensEnabled: true,
		JWTSigningKeyPEM: []byte("test-shared-secret-at-least-32-bytes-long"),
	}
	for _, e := range superAdminEmails {
		cfg.SuperAdminEmailHashes = append(cfg.SuperAdminEmailHashes, hashEmail(e))
	}
	require.NoError(t, cfg.CheckAndSetDefaults())
	g, err := NewGate(cfg, st, clock, logrus.StandardLogger())
	require.NoError(t, err)
	return g, st
}

func TestSessionMintAndVerifyRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g, st := newTestGate(t, clock, "admin@example.com")

	tenant, err := st.CreateTenant(context.Background(), "acme")
	require.NoError(t, err)
	user, err := st.CreateUser(context.Background(), &store.User{
		Email:    "admin@example.com",
		TenantID: tenant.ID,
		Kind:     store.UserKindHuman,
		Active:   true,
		Status:   store.UserStatusActive,
	})
	require.NoError(t, err)

	cookie, err := g.MintSession(user, tenant.GUID)
	require.NoError(t, err)

	id, err := g.ResolveSession(context.Background(), cookie)
	require.NoError(t, err)
	require.Equal(t, PrincipalSession, id.Kind)
	require.True(t, id.IsSuperAdmin)
	require.True(t, id.IsAdmin())
}

func TestSessionNonAdminEmailIsNotSuperAdmin(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g, st := newTestGate(t, clock, "admin@example.com")

	tenant, err := st.CreateTenant(context.Background(), "acme")
	require.NoError(t, err)
	user, err := st.CreateUser(context.Background(), &store.User{
		Email: "someone-else@example.com", TenantID: tenant.ID,
		Kind: store.UserKindHuman, Active: true, Status: store.UserStatusActive,
	})
	require.NoError(t, err)

	cookie, err := g.MintSession(user, tenant.GUID)
	require.NoError(t, err)

	id, err := g.ResolveSession(context.Background(), cookie)
	require.NoError(t, err)
	require.False(t, id.IsSuperAdmin)
	require.Error(t, RequireAdmin(id))
}

func TestSessionExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g, st := newTestGate(t, clock, "admin@example.com")

	tenant, _ := st.CreateTenant(context.Background(), "acme")
	user, err := st.CreateUser(context.Background(), &store.User{
		Email: "admin@example.com", TenantID: tenant.ID,
		Kind: store.UserKindHuman, Active: true, Status: store.UserStatusActive,
	})
	require.NoError(t, err)

	cookie, err := g.MintSession(user, tenant.GUID)
	require.NoError(t, err)

	clock.Advance(DefaultSessionTTL + time.Minute)

	_, err = g.ResolveSession(context.Background(), cookie)
	require.Error(t, err)
}

func TestResolveAgentRejectsRevoked(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g, st := newTestGate(t, clock)

	tenant, _ := st.CreateTenant(context.Background(), "acme")
	rawKey := "agt_key_deadbeef"
	hash := hashToken(rawKey)

	agent, err := st.CreateAgent(context.Background(), &store.Agent{
		TenantID: tenant.ID, Name: "cam-01", HashedAPIKey: hash,
	})
	require.NoError(t, err)

	id, err := g.ResolveAgent(context.Background(), rawKey)
	require.NoError(t, err)
	require.Equal(t, agent.ID, id.Agent.ID)

	_, err = st.RevokeAgent(context.Background(), agent.GUID, "compromised")
	require.NoError(t, err)

	_, err = g.ResolveAgent(context.Background(), rawKey)
	require.Error(t, err)
	de, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.AgentRevoked, de.Kind)
}

func TestResolveAgentUnknownKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g, _ := newTestGate(t, clock)
	_, err := g.ResolveAgent(context.Background(), "agt_key_not-registered")
	require.Error(t, err)
}

func TestIssueAndResolveAPIToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g, st := newTestGate(t, clock)

	tenant, _ := st.CreateTenant(context.Background(), "acme")
	user, err := st.CreateUser(context.Background(), &store.User{
		Email: "owner@example.com", TenantID: tenant.ID,
		Kind: store.UserKindHuman, Active: true, Status: store.UserStatusActive,
	})
	require.NoError(t, err)

	rec, raw, err := g.IssueAPIToken(context.Background(), user.ID, tenant.ID, 0, []string{"jobs:read"}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.True(t, rec.Active)

	id, err := g.ResolveAPIToken(context.Background(), raw, "203.0.113.20")
	require.NoError(t, err)
	require.Equal(t, PrincipalAPIToken, id.Kind)
	require.False(t, id.IsSuperAdmin)
	require.False(t, id.IsAdmin())
}

func TestResolveAPITokenRejectsRevoked(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g, st := newTestGate(t, clock)
	tenant, _ := st.CreateTenant(context.Background(), "acme")

	rec, raw, err := g.IssueAPIToken(context.Background(), 1, tenant.ID, 0, nil, 0)
	require.NoError(t, err)

	require.NoError(t, st.RevokeApiToken(context.Background(), rec.GUID))

	_, err = g.ResolveAPIToken(context.Background(), raw, "203.0.113.21")
	require.Error(t, err)
}

func TestResolveAPITokenRejectsExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g, st := newTestGate(t, clock)
	tenant, _ := st.CreateTenant(context.Background(), "acme")

	_, raw, err := g.IssueAPIToken(context.Background(), 1, tenant.ID, 0, nil, time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	_, err = g.ResolveAPIToken(context.Background(), raw, "203.0.113.22")
	require.Error(t, err)
}

// The brute-force defense (§4.5) applies only to the JWT API-token path,
// never to sessions or agent keys, so these drive invalid tokens through
// ResolveAPIToken rather than ResolveSession.

func TestRateLimiterBlocksAfterThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g, _ := newTestGate(t, clock)
	g.limiter = newIPFailureTracker(clock, 5*time.Minute, 2, 3, 5*time.Minute, logrus.StandardLogger())

	ip := "198.51.100.5"
	for i := 0; i < 3; i++ {
		_, err := g.ResolveAPIToken(context.Background(), "not-a-real-token", ip)
		require.Error(t, err)
	}
	require.True(t, g.limiter.Blocked(ip))

	_, err := g.ResolveAPIToken(context.Background(), "irrelevant", ip)
	require.Error(t, err)
	de, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.RateLimited, de.Kind)
}

// TestRateLimiterDefaultThresholdMatchesBruteForceBudget locks in the
// documented 20-failure/5-minute-cooldown budget (S6): a gate built from
// CheckAndSetDefaults (no overrides) stays unblocked through 19 invalid
// JWTs from one IP, blocks on the 20th, rejects the next request with
// rate_limited, and lifts the block once the cooldown elapses.
func TestRateLimiterDefaultThresholdMatchesBruteForceBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g, _ := newTestGate(t, clock)

	ip := "198.51.100.9"
	for i := 0; i < 19; i++ {
		_, err := g.ResolveAPIToken(context.Background(), "not-a-real-token", ip)
		require.Error(t, err)
		require.False(t, g.limiter.Blocked(ip), "should not block before the 20th failure")
	}

	_, err := g.ResolveAPIToken(context.Background(), "not-a-real-token", ip)
	require.Error(t, err)
	require.True(t, g.limiter.Blocked(ip))

	_, err = g.ResolveAPIToken(context.Background(), "irrelevant", ip)
	de, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.RateLimited, de.Kind)

	clock.Advance(5*time.Minute + time.Second)
	require.False(t, g.limiter.Blocked(ip), "cooldown should have lifted the block")
}

// TestInvalidSessionCookiesAreNeverRateLimited locks in §4.5's scoping of
// the brute-force defense: repeated invalid session cookies from one IP
// never trip the limiter, which only watches the JWT API-token path.
func TestInvalidSessionCookiesAreNeverRateLimited(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g, _ := newTestGate(t, clock)

	ip := "198.51.100.30"
	for i := 0; i < 50; i++ {
		_, err := g.ResolveSession(context.Background(), "not-a-real-cookie")
		require.Error(t, err)
	}
	require.False(t, g.limiter.Blocked(ip))
}

func TestRemoteIPPrefersForwardedFor(t *testing.T) {
	r, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	require.Equal(t, "198.51.100.7", RemoteIP(r))

	r2, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)
	r2.RemoteAddr = "192.0.2.1:54321"
	require.Equal(t, "192.0.2.1", RemoteIP(r2))
}
