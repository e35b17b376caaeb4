// Package jobs implements the Job Coordinator (§4.3): claim, progress,
// completion, failure/retry, cancellation, result-signature verification,
// the no-change optimization, and the camera discovery side-channel.
package jobs

import (
	"context"
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// Broadcaster is the subset of C4 the coordinator needs to publish state
// changes on. tenantID-scoped messages go out on the tenant's job channel;
// jobGUID-scoped messages go out on that job's dedicated channel.
type Broadcaster interface {
	PublishJobUpdate(tenantID int64, jobGUID string, payload interface{})
	PublishCancellation(tenantID int64, jobGUID string)
}

// Coordinator wires the store and broadcaster needed to run the §4.3
// operations.
type Coordinator struct {
	Store     store.Store
	Broadcast Broadcaster
	Log       logrus.FieldLogger
}

func New(st store.Store, broadcast Broadcaster, log logrus.FieldLogger) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{Store: st, Broadcast: broadcast, Log: log}
}

// CreateJobRequest is the admin-auth "submit job" input.
type CreateJobRequest struct {
	TenantID             int64
	CollectionGUID       string
	CollectionPath       string
	Tool                 string
	Mode                 string
	Priority             int
	RequiredCapabilities []string
	RetryLimit           int
}

func (c *Coordinator) CreateJob(ctx context.Context, req CreateJobRequest) (*store.Job, error) {
	if req.Tool == "" {
		return nil, apierr.New(apierr.ValidationError, "tool is required")
	}
	if err := validateRequiredCapabilities(req.RequiredCapabilities); err != nil {
		return nil, err
	}
	if strings.Contains(req.CollectionPath, "..") {
		return nil, apierr.New(apierr.ValidationError, "collection path must not contain .. components")
	}
	job := &store.Job{
		TenantID:             req.TenantID,
		CollectionGUID:       req.CollectionGUID,
		CollectionPath:       req.CollectionPath,
		Tool:                 req.Tool,
		Mode:                 req.Mode,
		Priority:             req.Priority,
		RequiredCapabilities: req.RequiredCapabilities,
		RetryLimit:           req.RetryLimit,
	}
	out, err := c.Store.CreateJob(ctx, job)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if c.Broadcast != nil {
		c.Broadcast.PublishJobUpdate(out.TenantID, out.GUID, jobSnapshot(out))
	}
	return out, nil
}

// ClaimNext implements §4.3 step 1-5: tenant/capability/connector
// filtering with priority/age ordering and an atomic conditional claim,
// delegated to the store (which owns the race-free conditional update).
// A nil, nil result means no work is currently available.
func (c *Coordinator) ClaimNext(ctx context.Context, tenantID, agentID int64, capabilities, authorizedRoots []string) (*store.Job, error) {
	job, err := c.Store.ClaimNext(ctx, tenantID, agentID, capabilities, authorizedRoots)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if job == nil {
		return nil, nil
	}
	if c.Broadcast != nil {
		c.Broadcast.PublishJobUpdate(tenantID, job.GUID, jobSnapshot(job))
	}
	return job, nil
}

// TransitionToRunning is the idempotent ASSIGNED -> RUNNING move (§4.3 step 5).
func (c *Coordinator) TransitionToRunning(ctx context.Context, jobID, agentID int64) (*store.Job, error) {
	job, err := c.Store.TransitionToRunning(ctx, jobID, agentID)
	if err != nil {
		return nil, translateOwnershipErr(err)
	}
	return job, nil
}

// ReportProgress persists the opaque progress payload and republishes it
// on the job's dedicated channel; fails if the caller does not currently
// hold the job.
func (c *Coordinator) ReportProgress(ctx context.Context, jobID, agentID int64, progress []byte) (*store.Job, error) {
	job, err := c.Store.ReportProgress(ctx, jobID, agentID, progress)
	if err != nil {
		return nil, translateOwnershipErr(err)
	}
	if c.Broadcast != nil {
		c.Broadcast.PublishJobUpdate(job.TenantID, job.GUID, jobSnapshot(job))
	}
	return job, nil
}

// CompleteRequest is the agent-auth "complete job" input. Exactly one of
// ResultPayload or NoChangeRef is expected: NoChangeRef wires the §4.3
// no-change optimization (a pointer to the prior COMPLETED job of the
// same tool/collection, rather than a duplicated result), in which case
// no signature is required since nothing new was uploaded.
type CompleteRequest struct {
	JobID          int64
	AgentID        int64
	ResultPayload  map[string]interface{}
	Signature      string
	SharedSecret   string
	NoChange       bool
	NoChangeRefJob string // GUID, client-asserted; re-derived server-side for safety
}

// Complete implements the §4.3 "complete job" operation, including HMAC
// result-signature verification and the no-change optimization.
func (c *Coordinator) Complete(ctx context.Context, req CompleteRequest) (*store.Job, error) {
	if req.NoChange {
		return c.completeNoChange(ctx, req)
	}
	return c.completeWithResult(ctx, req)
}

func (c *Coordinator) completeWithResult(ctx context.Context, req CompleteRequest) (*store.Job, error) {
	if err := VerifySignature(req.SharedSecret, req.ResultPayload, req.Signature); err != nil {
		return nil, apierr.New(apierr.ResultSignatureInvalid, "result signature does not match payload")
	}
	job, err := c.Store.CompleteJob(ctx, req.JobID, req.AgentID, "")
	if err != nil {
		return nil, translateOwnershipErr(err)
	}
	if c.Broadcast != nil {
		c.Broadcast.PublishJobUpdate(job.TenantID, job.GUID, jobSnapshot(job))
	}
	return job, nil
}

func (c *Coordinator) completeNoChange(ctx context.Context, req CompleteRequest) (*store.Job, error) {
	job, err := c.Store.CompleteJob(ctx, req.JobID, req.AgentID, req.NoChangeRefJob)
	if err != nil {
		return nil, translateOwnershipErr(err)
	}
	if c.Broadcast != nil {
		c.Broadcast.PublishJobUpdate(job.TenantID, job.GUID, jobSnapshot(job))
	}
	return job, nil
}

// ResolveNoChangeRef looks up the prior COMPLETED job for (tool,
// collection) that a no_change=true report should point at. Returns a
// domain NotFound if no such job exists — the agent should fall back to
// a full result upload rather than report no_change against nothing.
func (c *Coordinator) ResolveNoChangeRef(ctx context.Context, tenantID int64, tool, collectionGUID string) (*store.Job, error) {
	prior, err := c.Store.FindLastCompletedResult(ctx, tenantID, tool, collectionGUID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, apierr.New(apierr.NotFound, "no prior completed result for this tool/collection")
		}
		return nil, trace.Wrap(err)
	}
	return prior, nil
}

// Fail implements the §4.3 retry policy on agent-reported failure.
func (c *Coordinator) Fail(ctx context.Context, jobID, agentID int64, message string) (*store.Job, error) {
	job, err := c.Store.FailJob(ctx, jobID, agentID, message)
	if err != nil {
		return nil, translateOwnershipErr(err)
	}
	if c.Broadcast != nil {
		c.Broadcast.PublishJobUpdate(job.TenantID, job.GUID, jobSnapshot(job))
	}
	return job, nil
}

// Cancel is the admin-auth job cancellation operation (§4.3). Completion
// reports subsequently submitted by the holding agent for this job must
// be accepted and discarded by the caller (webapi checks job.Status ==
// CANCELLED before applying a late completion/failure report).
func (c *Coordinator) Cancel(ctx context.Context, jobID int64) (*store.Job, error) {
	job, err := c.Store.CancelJob(ctx, jobID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, apierr.New(apierr.NotFound, "job not found")
		}
		return nil, trace.Wrap(err)
	}
	if job.Status == store.JobStatusCancelled && c.Broadcast != nil {
		c.Broadcast.PublishCancellation(job.TenantID, job.GUID)
		c.Broadcast.PublishJobUpdate(job.TenantID, job.GUID, jobSnapshot(job))
	}
	return job, nil
}

// DiscoverCameras implements the camera discovery side-channel
// (§4.3): idempotent per-tenant upsert of
// opaque camera identifiers reported during job execution.
func (c *Coordinator) DiscoverCameras(ctx context.Context, tenantID int64, externalIDs []string) ([]*store.Camera, error) {
	cams, err := c.Store.UpsertCameras(ctx, tenantID, externalIDs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cams, nil
}

func validateRequiredCapabilities(caps []string) error {
	for _, cap := range caps {
		if cap == "" {
			return apierr.New(apierr.ValidationError, "required capability entries must not be empty")
		}
	}
	return nil
}

// jobSnapshot is the public payload C4 fans out on state change: enough
// for observers to render pool/job views without exposing internals like
// the assigned agent's hashed key.
func jobSnapshot(j *store.Job) map[string]interface{} {
	snap := map[string]interface{}{
		"job_guid":    j.GUID,
		"status":      j.Status,
		"tool":        j.Tool,
		"priority":    j.Priority,
		"retry_count": j.RetryCount,
		"retry_limit": j.RetryLimit,
	}
	if j.AssignedAgentID != nil {
		snap["assigned"] = true
	}
	if j.FailureMessage != "" {
		snap["failure_message"] = j.FailureMessage
	}
	return snap
}

// translateOwnershipErr maps the store's not-found/bad-parameter errors
// (job missing, not owned by this agent, wrong state) onto the public
// NotFound kind: the agent-auth caller should never learn whether a job
// exists for a different agent.
func translateOwnershipErr(err error) error {
	if trace.IsNotFound(err) || trace.IsBadParameter(err) {
		return apierr.New(apierr.NotFound, "job not found or not owned by this agent")
	}
	return trace.Wrap(err)
}
