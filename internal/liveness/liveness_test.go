package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store/memstore"
)

type recordingBroadcaster struct {
	published []interface{}
}

func (r *recordingBroadcaster) PublishJobUpdate(tenantID int64, jobGUID string, payload interface{}) {
	r.published = append(r.published, payload)
}

func setup(t *testing.T) (*Tracker, store.Store, *clockwork.FakeClock, int64, *store.Agent) {
	t.Helper()
	st := memstore.New()
	clock := clockwork.NewFakeClock()
	tracker := New(st, clock, 90*time.Second, &recordingBroadcaster{}, logrus.StandardLogger())

	tenant, err := st.CreateTenant(context.Background(), "acme")
	require.NoError(t, err)
	agent, err := st.CreateAgent(context.Background(), &store.Agent{TenantID: tenant.ID, Name: "cam-01"})
	require.NoError(t, err)
	return tracker, st, clock, tenant.ID, agent
}

func TestHeartbeatDefaultsToOnline(t *testing.T) {
	tracker, _, _, _, agent := setup(t)
	updated, err := tracker.Heartbeat(context.Background(), HeartbeatRequest{AgentID: agent.ID})
	require.NoError(t, err)
	require.Equal(t, store.AgentStatusOnline, updated.Status)
}

func TestHeartbeatRejectsRevokedAgent(t *testing.T) {
	tracker, st, _, _, agent := setup(t)
	_, err := st.RevokeAgent(context.Background(), agent.GUID, "compromised")
	require.NoError(t, err)

	_, err = tracker.Heartbeat(context.Background(), HeartbeatRequest{AgentID: agent.ID})
	require.Error(t, err)
	de, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.AgentRevoked, de.Kind)
}

func TestHeartbeatAdoptsStatusHint(t *testing.T) {
	tracker, _, _, _, agent := setup(t)
	busy := store.AgentStatusBusy
	updated, err := tracker.Heartbeat(context.Background(), HeartbeatRequest{AgentID: agent.ID, StatusHint: &busy})
	require.NoError(t, err)
	require.Equal(t, store.AgentStatusBusy, updated.Status)
}

func TestSweepReleasesStaleAgentJobs(t *testing.T) {
	tracker, st, clock, tenantID, agent := setup(t)

	_, err := tracker.Heartbeat(context.Background(), HeartbeatRequest{AgentID: agent.ID})
	require.NoError(t, err)

	job, err := st.CreateJob(context.Background(), &store.Job{TenantID: tenantID, Tool: "scan", Priority: 1})
	require.NoError(t, err)
	claimed, err := st.ClaimNext(context.Background(), tenantID, agent.ID, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, job.ID, claimed.ID)

	clock.Advance(91 * time.Second)

	n, err := tracker.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	agents, err := st.ListAgents(context.Background(), tenantID)
	require.NoError(t, err)
	require.Equal(t, store.AgentStatusOffline, agents[0].Status)

	released, err := st.GetJobByGUID(context.Background(), tenantID, job.GUID)
	require.NoError(t, err)
	require.Equal(t, store.JobStatusPending, released.Status)
	require.Equal(t, 1, released.RetryCount)
}

func TestSweepIsNoOpWhenNothingIsStale(t *testing.T) {
	tracker, _, _, _, agent := setup(t)
	_, err := tracker.Heartbeat(context.Background(), HeartbeatRequest{AgentID: agent.ID})
	require.NoError(t, err)

	n, err := tracker.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestDisconnectReleasesJobsImmediately(t *testing.T) {
	tracker, st, _, tenantID, agent := setup(t)
	_, err := tracker.Heartbeat(context.Background(), HeartbeatRequest{AgentID: agent.ID})
	require.NoError(t, err)

	job, err := st.CreateJob(context.Background(), &store.Job{TenantID: tenantID, Tool: "scan"})
	require.NoError(t, err)
	_, err = st.ClaimNext(context.Background(), tenantID, agent.ID, nil, nil)
	require.NoError(t, err)

	released, err := tracker.Disconnect(context.Background(), agent.ID)
	require.NoError(t, err)
	require.Len(t, released, 1)
	require.Equal(t, job.ID, released[0].ID)

	a, err := st.GetAgentByGUID(context.Background(), tenantID, agent.GUID)
	require.NoError(t, err)
	require.Equal(t, store.AgentStatusOffline, a.Status)
}
