package registration

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store/memstore"
)

func newTestService(t *testing.T, clock clockwork.Clock, enforced bool) (*Service, store.Store, int64) {
	t.Helper()
	st := memstore.New()
	tenant, err := st.CreateTenant(context.Background(), "acme")
	require.NoError(t, err)
	return New(st, clock, enforced), st, tenant.ID
}

func TestRegisterBootstrapModeWhenNoManifests(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, st, tenantID := newTestService(t, clock, true)

	_, raw, err := svc.CreateToken(context.Background(), CreateTokenRequest{TenantID: tenantID})
	require.NoError(t, err)

	res, err := svc.Register(context.Background(), RegisterRequest{
		PlaintextToken: raw,
		Name:           "cam-01",
		Capabilities:   []string{"local_filesystem"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.PlaintextKey)

	agent, err := st.GetAgentByGUID(context.Background(), tenantID, res.AgentGUID)
	require.NoError(t, err)
	require.False(t, agent.Verified)
}

func TestRegisterRejectsUsedToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, _, tenantID := newTestService(t, clock, true)

	_, raw, err := svc.CreateToken(context.Background(), CreateTokenRequest{TenantID: tenantID})
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), RegisterRequest{PlaintextToken: raw, Name: "cam-01"})
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), RegisterRequest{PlaintextToken: raw, Name: "cam-02"})
	require.Error(t, err)
	de, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.TokenUsed, de.Kind)
}

func TestRegisterRejectsExpiredToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, _, tenantID := newTestService(t, clock, true)

	_, raw, err := svc.CreateToken(context.Background(), CreateTokenRequest{TenantID: tenantID, TTL: time.Hour})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	_, err = svc.Register(context.Background(), RegisterRequest{PlaintextToken: raw, Name: "cam-01"})
	require.Error(t, err)
	de, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.TokenExpired, de.Kind)
}

func TestRegisterRejectsInvalidToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, _, _ := newTestService(t, clock, true)

	_, err := svc.Register(context.Background(), RegisterRequest{PlaintextToken: "art_bogus", Name: "cam-01"})
	require.Error(t, err)
	de, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.InvalidToken, de.Kind)
}

func TestRegisterAttestationRequiredWhenManifestsExist(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, st, tenantID := newTestService(t, clock, true)

	_, err := st.CreateManifestWithRetention(context.Background(), &store.ReleaseManifest{
		Version: "1.0.0", Platforms: []string{"linux-amd64"}, Checksum: "abc123", Active: true,
	}, nil, 3)
	require.NoError(t, err)

	_, raw, err := svc.CreateToken(context.Background(), CreateTokenRequest{TenantID: tenantID})
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), RegisterRequest{PlaintextToken: raw, Name: "cam-01"})
	require.Error(t, err)
	de, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.AttestationRequired, de.Kind)
}

func TestRegisterAttestationSucceedsWithMatchingManifest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, st, tenantID := newTestService(t, clock, true)

	_, err := st.CreateManifestWithRetention(context.Background(), &store.ReleaseManifest{
		Version: "1.0.0", Platforms: []string{"linux-amd64"}, Checksum: "abc123", Active: true,
	}, nil, 3)
	require.NoError(t, err)

	_, raw, err := svc.CreateToken(context.Background(), CreateTokenRequest{TenantID: tenantID})
	require.NoError(t, err)

	res, err := svc.Register(context.Background(), RegisterRequest{
		PlaintextToken: raw, Name: "cam-01", BinaryChecksum: "abc123", Platform: "linux-amd64",
	})
	require.NoError(t, err)

	agent, err := st.GetAgentByGUID(context.Background(), tenantID, res.AgentGUID)
	require.NoError(t, err)
	require.True(t, agent.Verified)
}

func TestRegisterAttestationFailsOnWrongPlatform(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, st, tenantID := newTestService(t, clock, true)

	_, err := st.CreateManifestWithRetention(context.Background(), &store.ReleaseManifest{
		Version: "1.0.0", Platforms: []string{"linux-amd64"}, Checksum: "abc123", Active: true,
	}, nil, 3)
	require.NoError(t, err)

	_, raw, err := svc.CreateToken(context.Background(), CreateTokenRequest{TenantID: tenantID})
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), RegisterRequest{
		PlaintextToken: raw, Name: "cam-01", BinaryChecksum: "abc123", Platform: "windows-amd64",
	})
	require.Error(t, err)
	de, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.AttestationFailed, de.Kind)
}

func TestRegisterDevModeSkipsAttestation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, st, tenantID := newTestService(t, clock, false)

	_, err := st.CreateManifestWithRetention(context.Background(), &store.ReleaseManifest{
		Version: "1.0.0", Platforms: []string{"linux-amd64"}, Checksum: "abc123", Active: true,
	}, nil, 3)
	require.NoError(t, err)

	_, raw, err := svc.CreateToken(context.Background(), CreateTokenRequest{TenantID: tenantID})
	require.NoError(t, err)

	res, err := svc.Register(context.Background(), RegisterRequest{PlaintextToken: raw, Name: "cam-01"})
	require.NoError(t, err)

	agent, err := st.GetAgentByGUID(context.Background(), tenantID, res.AgentGUID)
	require.NoError(t, err)
	require.False(t, agent.Verified)
}

func TestRegisterRejectsDuplicateAgentName(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, _, tenantID := newTestService(t, clock, true)

	_, raw1, err := svc.CreateToken(context.Background(), CreateTokenRequest{TenantID: tenantID})
	require.NoError(t, err)
	_, err = svc.Register(context.Background(), RegisterRequest{PlaintextToken: raw1, Name: "cam-01"})
	require.NoError(t, err)

	_, raw2, err := svc.CreateToken(context.Background(), CreateTokenRequest{TenantID: tenantID})
	require.NoError(t, err)
	_, err = svc.Register(context.Background(), RegisterRequest{PlaintextToken: raw2, Name: "cam-01"})
	require.Error(t, err)
	de, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.Conflict, de.Kind)
}

func TestRegisterRejectsPathTraversalAuthorizedRoot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, _, tenantID := newTestService(t, clock, true)

	_, raw, err := svc.CreateToken(context.Background(), CreateTokenRequest{TenantID: tenantID})
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), RegisterRequest{
		PlaintextToken: raw, Name: "cam-01", AuthorizedRoots: []string{"/data/../etc"},
	})
	require.Error(t, err)
}
