package jobs

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store/memstore"
)

type recordingBroadcaster struct {
	updates       []string
	cancellations []string
}

func (r *recordingBroadcaster) PublishJobUpdate(tenantID int64, jobGUID string, payload interface{}) {
	r.updates = append(r.updates, jobGUID)
}

func (r *recordingBroadcaster) PublishCancellation(tenantID int64, jobGUID string) {
	r.cancellations = append(r.cancellations, jobGUID)
}

func setup(t *testing.T) (*Coordinator, store.Store, *recordingBroadcaster, int64, *store.Agent) {
	t.Helper()
	st := memstore.New()
	rb := &recordingBroadcaster{}
	coord := New(st, rb, nil)

	tenant, err := st.CreateTenant(context.Background(), "acme")
	require.NoError(t, err)
	agent, err := st.CreateAgent(context.Background(), &store.Agent{
		TenantID:     tenant.ID,
		Name:         "cam-01",
		Capabilities: []string{"local_filesystem", "tool:scan:1"},
	})
	require.NoError(t, err)
	return coord, st, rb, tenant.ID, agent
}

func TestClaimNextRespectsCapabilities(t *testing.T) {
	coord, st, _, tenantID, agent := setup(t)

	_, err := st.CreateJob(context.Background(), &store.Job{
		TenantID:             tenantID,
		Tool:                 "scan",
		RequiredCapabilities: []string{"tool:scan:1", "connector:does-not-exist"},
	})
	require.NoError(t, err)

	job, err := coord.ClaimNext(context.Background(), tenantID, agent.ID, agent.Capabilities, agent.AuthorizedRoots)
	require.NoError(t, err)
	require.Nil(t, job)
}

// TestClaimNextConcurrentRaceHasExactlyOneWinner pits several agents
// against a single pending job to confirm the claim is atomic: no matter
// how the goroutines interleave, exactly one of them ends up with the job.
func TestClaimNextConcurrentRaceHasExactlyOneWinner(t *testing.T) {
	coord, st, _, tenantID, firstAgent := setup(t)

	agents := []*store.Agent{firstAgent}
	for i := 0; i < 9; i++ {
		a, err := st.CreateAgent(context.Background(), &store.Agent{
			TenantID:     tenantID,
			Name:         "racer",
			Capabilities: []string{"local_filesystem", "tool:scan:1"},
		})
		require.NoError(t, err)
		agents = append(agents, a)
	}

	_, err := st.CreateJob(context.Background(), &store.Job{
		TenantID:             tenantID,
		Tool:                 "scan",
		RequiredCapabilities: []string{"tool:scan:1"},
	})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int64
	)
	for _, a := range agents {
		wg.Add(1)
		go func(agent *store.Agent) {
			defer wg.Done()
			job, err := coord.ClaimNext(context.Background(), tenantID, agent.ID, agent.Capabilities, agent.AuthorizedRoots)
			require.NoError(t, err)
			if job != nil {
				mu.Lock()
				winners = append(winners, agent.ID)
				mu.Unlock()
			}
		}(a)
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one agent should have claimed the job")
}

func TestClaimNextOrdersByPriorityThenAge(t *testing.T) {
	coord, st, _, tenantID, agent := setup(t)

	low, err := st.CreateJob(context.Background(), &store.Job{TenantID: tenantID, Tool: "scan", Priority: 1, RequiredCapabilities: []string{"tool:scan:1"}})
	require.NoError(t, err)
	high, err := st.CreateJob(context.Background(), &store.Job{TenantID: tenantID, Tool: "scan", Priority: 5, RequiredCapabilities: []string{"tool:scan:1"}})
	require.NoError(t, err)
	_ = low

	claimed, err := coord.ClaimNext(context.Background(), tenantID, agent.ID, agent.Capabilities, agent.AuthorizedRoots)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, high.ID, claimed.ID)
	require.Equal(t, store.JobStatusAssigned, claimed.Status)
}

// TestClaimNextMatchesCollectionPathAgainstAuthorizedRoots confirms a
// local_filesystem job is eligible only when its collection's path (not
// its GUID) lies under one of the agent's authorized roots.
func TestClaimNextMatchesCollectionPathAgainstAuthorizedRoots(t *testing.T) {
	st := memstore.New()
	rb := &recordingBroadcaster{}
	coord := New(st, rb, nil)

	tenant, err := st.CreateTenant(context.Background(), "acme")
	require.NoError(t, err)
	agent, err := st.CreateAgent(context.Background(), &store.Agent{
		TenantID:        tenant.ID,
		Name:            "cam-01",
		Capabilities:    []string{"local_filesystem"},
		AuthorizedRoots: []string{"/photos"},
	})
	require.NoError(t, err)

	outside, err := st.CreateJob(context.Background(), &store.Job{
		TenantID:             tenant.ID,
		Tool:                 "scan",
		CollectionGUID:       "col_outside",
		CollectionPath:       "/not-authorized/vacation",
		RequiredCapabilities: []string{"local_filesystem"},
	})
	require.NoError(t, err)

	job, err := coord.ClaimNext(context.Background(), tenant.ID, agent.ID, agent.Capabilities, agent.AuthorizedRoots)
	require.NoError(t, err)
	require.Nil(t, job, "job outside every authorized root must stay unclaimable")

	inside, err := st.CreateJob(context.Background(), &store.Job{
		TenantID:             tenant.ID,
		Tool:                 "scan",
		CollectionGUID:       "col_inside",
		CollectionPath:       "/photos/vacation",
		RequiredCapabilities: []string{"local_filesystem"},
	})
	require.NoError(t, err)

	claimed, err := coord.ClaimNext(context.Background(), tenant.ID, agent.ID, agent.Capabilities, agent.AuthorizedRoots)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, inside.ID, claimed.ID)

	// outside is still pending and still unclaimable.
	_, err = st.GetJobByGUID(context.Background(), tenant.ID, outside.GUID)
	require.NoError(t, err)
}

func TestCreateJobRejectsDotDotInCollectionPath(t *testing.T) {
	coord, _, _, tenantID, _ := setup(t)

	_, err := coord.CreateJob(context.Background(), CreateJobRequest{
		TenantID:             tenantID,
		Tool:                 "scan",
		CollectionPath:       "/photos/../etc",
		RequiredCapabilities: []string{"local_filesystem"},
	})
	require.Error(t, err)
	de, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.ValidationError, de.Kind)
}

func TestCompleteRequiresValidSignature(t *testing.T) {
	coord, st, _, tenantID, agent := setup(t)

	job, err := st.CreateJob(context.Background(), &store.Job{TenantID: tenantID, Tool: "scan", RequiredCapabilities: []string{"tool:scan:1"}})
	require.NoError(t, err)
	claimed, err := coord.ClaimNext(context.Background(), tenantID, agent.ID, agent.Capabilities, agent.AuthorizedRoots)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	_, err = coord.TransitionToRunning(context.Background(), claimed.ID, agent.ID)
	require.NoError(t, err)

	payload := map[string]interface{}{"findings": []interface{}{"a", "b"}, "count": float64(2)}

	_, err = coord.Complete(context.Background(), CompleteRequest{
		JobID: claimed.ID, AgentID: agent.ID, ResultPayload: payload, Signature: "00", SharedSecret: "shh",
	})
	require.Error(t, err)
	de, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.ResultSignatureInvalid, de.Kind)

	sig := SignPayload("shh", payload)
	done, err := coord.Complete(context.Background(), CompleteRequest{
		JobID: claimed.ID, AgentID: agent.ID, ResultPayload: payload, Signature: sig, SharedSecret: "shh",
	})
	require.NoError(t, err)
	require.Equal(t, store.JobStatusCompleted, done.Status)
}

func TestSignaturesAreKeyOrderInvariant(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1}
	b := map[string]interface{}{"a": 1, "b": 2}
	require.Equal(t, SignPayload("secret", a), SignPayload("secret", b))
}

func TestFailRetriesUntilLimitThenFails(t *testing.T) {
	coord, st, _, tenantID, agent := setup(t)

	job, err := st.CreateJob(context.Background(), &store.Job{TenantID: tenantID, Tool: "scan", RetryLimit: 1, RequiredCapabilities: []string{"tool:scan:1"}})
	require.NoError(t, err)

	claimed, err := coord.ClaimNext(context.Background(), tenantID, agent.ID, agent.Capabilities, agent.AuthorizedRoots)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	failed1, err := coord.Fail(context.Background(), claimed.ID, agent.ID, "boom")
	require.NoError(t, err)
	require.Equal(t, store.JobStatusPending, failed1.Status)
	require.Equal(t, 1, failed1.RetryCount)
	require.Nil(t, failed1.AssignedAgentID)

	reclaimed, err := coord.ClaimNext(context.Background(), tenantID, agent.ID, agent.Capabilities, agent.AuthorizedRoots)
	require.NoError(t, err)
	require.Equal(t, job.ID, reclaimed.ID)

	failed2, err := coord.Fail(context.Background(), reclaimed.ID, agent.ID, "boom again")
	require.NoError(t, err)
	require.Equal(t, store.JobStatusFailed, failed2.Status)
	require.Equal(t, "boom again", failed2.FailureMessage)
}

func TestCancelPendingJobIsImmediate(t *testing.T) {
	coord, st, rb, tenantID, _ := setup(t)
	job, err := st.CreateJob(context.Background(), &store.Job{TenantID: tenantID, Tool: "scan"})
	require.NoError(t, err)

	cancelled, err := coord.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobStatusCancelled, cancelled.Status)
	require.Contains(t, rb.cancellations, job.GUID)
}

func TestNoChangeOptimizationPointsAtPriorResult(t *testing.T) {
	coord, st, _, tenantID, agent := setup(t)

	prior, err := st.CreateJob(context.Background(), &store.Job{TenantID: tenantID, Tool: "scan", CollectionGUID: "col_abc", RequiredCapabilities: []string{"tool:scan:1"}})
	require.NoError(t, err)
	claimedPrior, err := coord.ClaimNext(context.Background(), tenantID, agent.ID, agent.Capabilities, agent.AuthorizedRoots)
	require.NoError(t, err)
	require.Equal(t, prior.ID, claimedPrior.ID)
	_, err = coord.TransitionToRunning(context.Background(), claimedPrior.ID, agent.ID)
	require.NoError(t, err)
	payload := map[string]interface{}{"ok": true}
	_, err = coord.Complete(context.Background(), CompleteRequest{
		JobID: claimedPrior.ID, AgentID: agent.ID, ResultPayload: payload, Signature: SignPayload("shh", payload), SharedSecret: "shh",
	})
	require.NoError(t, err)

	ref, err := coord.ResolveNoChangeRef(context.Background(), tenantID, "scan", "col_abc")
	require.NoError(t, err)
	require.Equal(t, prior.GUID, ref.GUID)

	next, err := st.CreateJob(context.Background(), &store.Job{TenantID: tenantID, Tool: "scan", CollectionGUID: "col_abc", RequiredCapabilities: []string{"tool:scan:1"}})
	require.NoError(t, err)
	claimedNext, err := coord.ClaimNext(context.Background(), tenantID, agent.ID, agent.Capabilities, agent.AuthorizedRoots)
	require.NoError(t, err)
	require.Equal(t, next.ID, claimedNext.ID)
	_, err = coord.TransitionToRunning(context.Background(), claimedNext.ID, agent.ID)
	require.NoError(t, err)

	done, err := coord.Complete(context.Background(), CompleteRequest{
		JobID: claimedNext.ID, AgentID: agent.ID, NoChange: true, NoChangeRefJob: ref.GUID,
	})
	require.NoError(t, err)
	require.Equal(t, ref.GUID, done.ResultRef)
}

func TestDiscoverCamerasIsIdempotent(t *testing.T) {
	coord, _, _, tenantID, _ := setup(t)

	first, err := coord.DiscoverCameras(context.Background(), tenantID, []string{"cam-a", "cam-b"})
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := coord.DiscoverCameras(context.Background(), tenantID, []string{"cam-b", "cam-c"})
	require.NoError(t, err)
	require.Len(t, second, 2)
}
