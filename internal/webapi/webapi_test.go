package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/auth"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/broadcast"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/config"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/jobs"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/liveness"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/registration"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store/memstore"
)

type testServer struct {
	srv    *httptest.Server
	store  store.Store
	gate   *auth.Gate
	tenant *store.Tenant
	admin  *store.User
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := memstore.New()
	clock := clockwork.NewFakeClock()
	log := logrus.StandardLogger()

	adminEmail := "root@acme.test"
	cfg := &config.Config{
		PostgresDSN:           "postgres://unused-in-this-test",
		APITokensEnabled:      true,
		JWTSigningKeyPEM:      []byte("integration-test-shared-secret-key-material"),
		SuperAdminEmailHashes: []string{auth.HashAdminEmail(adminEmail)},
	}
	require.NoError(t, cfg.CheckAndSetDefaults())

	gate, err := auth.NewGate(cfg, st, clock, log)
	require.NoError(t, err)

	bc := broadcast.New(log)
	reg := registration.New(st, clock, true)
	live := liveness.New(st, clock, 90*time.Second, bc, log)
	coord := jobs.New(st, bc, log)

	h := &Handler{Store: st, Gate: gate, Registration: reg, Liveness: live, Jobs: coord, Broadcast: bc, Log: log}
	router := NewRouter(h)
	srv := httptest.NewServer(router)

	tenant, err := st.CreateTenant(context.Background(), "acme")
	require.NoError(t, err)
	admin, err := st.CreateUser(context.Background(), &store.User{
		Email: adminEmail, DisplayName: "Root", TenantID: tenant.ID,
		Kind: store.UserKindHuman, Active: true, Status: store.UserStatusActive,
	})
	require.NoError(t, err)

	return &testServer{srv: srv, store: st, gate: gate, tenant: tenant, admin: admin}
}

func (ts *testServer) adminCookie(t *testing.T) *http.Cookie {
	t.Helper()
	raw, err := ts.gate.MintSession(ts.admin, ts.tenant.GUID)
	require.NoError(t, err)
	return &http.Cookie{Name: auth.SessionCookieName, Value: raw}
}

func (ts *testServer) doJSON(t *testing.T, method, path string, body interface{}, cookie *http.Cookie, bearer string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestFullAgentLifecycle(t *testing.T) {
	ts := newTestServer(t)
	defer ts.srv.Close()
	cookie := ts.adminCookie(t)

	tokResp := ts.doJSON(t, http.MethodPost, "/api/admin/agent/v1/tokens", createRegistrationTokenRequest{
		TenantGUID: ts.tenant.GUID, Name: "laptop-enrollment",
	}, cookie, "")
	require.Equal(t, http.StatusCreated, tokResp.StatusCode)
	var tokOut createRegistrationTokenResponse
	require.NoError(t, json.NewDecoder(tokResp.Body).Decode(&tokOut))

	regResp := ts.doJSON(t, http.MethodPost, "/api/agent/v1/register", registerRequest{
		Token: tokOut.Token, Name: "cam-01", Hostname: "host", OSInfo: "linux",
		Capabilities: []string{"local_filesystem", "tool:scan:1"},
	}, nil, "")
	require.Equal(t, http.StatusCreated, regResp.StatusCode)
	var regOut registerResponse
	require.NoError(t, json.NewDecoder(regResp.Body).Decode(&regOut))
	require.NotEmpty(t, regOut.APIKey)

	hbResp := ts.doJSON(t, http.MethodPost, "/api/agent/v1/heartbeat", heartbeatRequest{}, nil, regOut.APIKey)
	require.Equal(t, http.StatusOK, hbResp.StatusCode)

	// Force-verify the agent directly (bootstrap registration leaves it
	// unverified, and claim requires verification).
	agent, err := ts.store.GetAgentByGUID(context.Background(), ts.tenant.ID, regOut.GUID)
	require.NoError(t, err)
	agent.Verified = true
	_, err = ts.store.CreateAgent(context.Background(), agent)
	require.NoError(t, err)
	// CreateAgent stores the verified copy as a second agent under the same
	// API key hash; delete the unverified original so the key resolves to
	// the copy.
	require.NoError(t, ts.store.DeleteAgent(context.Background(), regOut.GUID))

	job, err := ts.store.CreateJob(context.Background(), &store.Job{
		TenantID: ts.tenant.ID, Tool: "scan", RequiredCapabilities: []string{"tool:scan:1"},
	})
	require.NoError(t, err)

	claimResp := ts.doJSON(t, http.MethodPost, "/api/agent/v1/jobs/claim", nil, nil, regOut.APIKey)
	require.Equal(t, http.StatusOK, claimResp.StatusCode)
	var claimed store.Job
	require.NoError(t, json.NewDecoder(claimResp.Body).Decode(&claimed))
	require.Equal(t, job.GUID, claimed.GUID)

	payload := map[string]interface{}{"findings": 3}
	sig := jobs.SignPayload("", payload)
	completeResp := ts.doJSON(t, http.MethodPost, "/api/agent/v1/jobs/"+claimed.GUID+"/complete", completeRequest{
		ResultPayload: payload, Signature: sig,
	}, nil, regOut.APIKey)
	require.Equal(t, http.StatusOK, completeResp.StatusCode)
	var done store.Job
	require.NoError(t, json.NewDecoder(completeResp.Body).Decode(&done))
	require.Equal(t, store.JobStatusCompleted, done.Status)
}

func TestSecondClaimReturnsNoContent(t *testing.T) {
	ts := newTestServer(t)
	defer ts.srv.Close()
	cookie := ts.adminCookie(t)

	tokResp := ts.doJSON(t, http.MethodPost, "/api/admin/agent/v1/tokens", createRegistrationTokenRequest{TenantGUID: ts.tenant.GUID}, cookie, "")
	var tokOut createRegistrationTokenResponse
	require.NoError(t, json.NewDecoder(tokResp.Body).Decode(&tokOut))

	regResp := ts.doJSON(t, http.MethodPost, "/api/agent/v1/register", registerRequest{
		Token: tokOut.Token, Name: "cam-02", Capabilities: []string{"tool:scan:1"},
	}, nil, "")
	var regOut registerResponse
	require.NoError(t, json.NewDecoder(regResp.Body).Decode(&regOut))

	agent, err := ts.store.GetAgentByGUID(context.Background(), ts.tenant.ID, regOut.GUID)
	require.NoError(t, err)
	agent.Verified = true
	_, err = ts.store.CreateAgent(context.Background(), agent)
	require.NoError(t, err)
	require.NoError(t, ts.store.DeleteAgent(context.Background(), regOut.GUID))

	claimResp := ts.doJSON(t, http.MethodPost, "/api/agent/v1/jobs/claim", nil, nil, regOut.APIKey)
	require.Equal(t, http.StatusNoContent, claimResp.StatusCode)
}

func TestAdminRouteRejectsNonAdminSession(t *testing.T) {
	ts := newTestServer(t)
	defer ts.srv.Close()

	nonAdmin, err := ts.store.CreateUser(context.Background(), &store.User{
		Email: "member@acme.test", DisplayName: "Member", TenantID: ts.tenant.ID,
		Kind: store.UserKindHuman, Active: true, Status: store.UserStatusActive,
	})
	require.NoError(t, err)
	raw, err := ts.gate.MintSession(nonAdmin, ts.tenant.GUID)
	require.NoError(t, err)

	resp := ts.doJSON(t, http.MethodGet, "/api/admin/agent/v1/agents?tenant_guid="+ts.tenant.GUID, nil,
		&http.Cookie{Name: auth.SessionCookieName, Value: raw}, "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRevokedAgentCannotHeartbeat(t *testing.T) {
	ts := newTestServer(t)
	defer ts.srv.Close()
	cookie := ts.adminCookie(t)

	tokResp := ts.doJSON(t, http.MethodPost, "/api/admin/agent/v1/tokens", createRegistrationTokenRequest{TenantGUID: ts.tenant.GUID}, cookie, "")
	var tokOut createRegistrationTokenResponse
	require.NoError(t, json.NewDecoder(tokResp.Body).Decode(&tokOut))

	regResp := ts.doJSON(t, http.MethodPost, "/api/agent/v1/register", registerRequest{Token: tokOut.Token, Name: "cam-03"}, nil, "")
	var regOut registerResponse
	require.NoError(t, json.NewDecoder(regResp.Body).Decode(&regOut))

	revokeResp := ts.doJSON(t, http.MethodDelete, "/api/admin/agent/v1/"+regOut.GUID, revokeAgentRequest{Reason: "compromised"}, cookie, "")
	require.Equal(t, http.StatusOK, revokeResp.StatusCode)

	hbResp := ts.doJSON(t, http.MethodPost, "/api/agent/v1/heartbeat", heartbeatRequest{}, nil, regOut.APIKey)
	require.Equal(t, http.StatusForbidden, hbResp.StatusCode)
}
