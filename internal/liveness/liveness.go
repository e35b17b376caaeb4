// Package liveness implements the Liveness Tracker (§4.2): heartbeat
// processing, the offline sweep, and graceful disconnect.
package liveness

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// Broadcaster is the subset of C4 the tracker needs: publishing a job's
// progress object to observers when a heartbeat carries one.
type Broadcaster interface {
	PublishJobUpdate(tenantID int64, jobGUID string, payload interface{})
}

// Tracker runs the §4.2 state machine against the authoritative store.
type Tracker struct {
	Store            store.Store
	Clock            clockwork.Clock
	HeartbeatTimeout time.Duration
	Broadcast        Broadcaster
	Log              logrus.FieldLogger
}

func New(st store.Store, clock clockwork.Clock, timeout time.Duration, broadcast Broadcaster, log logrus.FieldLogger) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracker{Store: st, Clock: clock, HeartbeatTimeout: timeout, Broadcast: broadcast, Log: log}
}

// HeartbeatRequest is the agent-auth heartbeat input (§4.2). All fields
// but AgentID are optional; nil/empty means "leave unchanged", except
// StatusHint, where nil sets the agent ONLINE.
type HeartbeatRequest struct {
	AgentID         int64
	StatusHint      *store.AgentStatus
	ErrorMessage    string
	Capabilities    []string
	AuthorizedRoots []string
	Version         string
	CurrentJobGUID  string
	CurrentProgress []byte
}

// Heartbeat applies one heartbeat: rejects revoked agents, updates
// last-heartbeat on the server clock, adopts the status hint (defaulting
// to ONLINE), replaces capabilities/roots when present, and republishes
// job progress via C4 when the assigned agent matches (§4.2).
func (t *Tracker) Heartbeat(ctx context.Context, req HeartbeatRequest) (*store.Agent, error) {
	agent, err := t.Store.UpdateHeartbeat(ctx, req.AgentID, store.HeartbeatUpdate{
		StatusHint:      req.StatusHint,
		Capabilities:    req.Capabilities,
		AuthorizedRoots: req.AuthorizedRoots,
		Version:         req.Version,
	})
	if err != nil {
		if trace.IsAccessDenied(err) {
			return nil, apierr.New(apierr.AgentRevoked, "agent has been revoked")
		}
		return nil, trace.Wrap(err)
	}

	if req.CurrentJobGUID != "" && len(req.CurrentProgress) > 0 && t.Broadcast != nil {
		job, err := t.Store.GetJobByGUID(ctx, agent.TenantID, req.CurrentJobGUID)
		if err == nil && job.AssignedAgentID != nil && *job.AssignedAgentID == agent.ID {
			t.Broadcast.PublishJobUpdate(agent.TenantID, job.GUID, map[string]interface{}{
				"job_guid": job.GUID,
				"status":   job.Status,
				"progress": req.CurrentProgress,
			})
		}
	}

	return agent, nil
}

// Disconnect is the agent-auth graceful-shutdown signal (§4.2): status
// moves to OFFLINE immediately and in-flight jobs are released exactly
// as on a timeout sweep.
func (t *Tracker) Disconnect(ctx context.Context, agentID int64) ([]*store.Job, error) {
	if err := t.Store.SetAgentStatus(ctx, agentID, store.AgentStatusOffline); err != nil {
		return nil, trace.Wrap(err)
	}
	released, err := t.Store.ReleaseJobsForAgent(ctx, agentID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return released, nil
}

// Sweep implements the §4.2 offline sweep: any agent ONLINE/BUSY whose
// last heartbeat predates now-timeout transitions to OFFLINE and has its
// in-flight jobs released. Safe to call concurrently from the periodic
// timer and from every list-agents request.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	cutoff := t.Clock.Now().Add(-t.HeartbeatTimeout)
	stale, err := t.Store.ListStaleOnlineAgents(ctx, cutoff)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	for _, agent := range stale {
		if err := t.Store.SetAgentStatus(ctx, agent.ID, store.AgentStatusOffline); err != nil {
			t.Log.WithError(err).WithField("agent_guid", agent.GUID).Warn("failed to mark stale agent offline")
			continue
		}
		if _, err := t.Store.ReleaseJobsForAgent(ctx, agent.ID); err != nil {
			t.Log.WithError(err).WithField("agent_guid", agent.GUID).Warn("failed to release jobs for stale agent")
		}
	}
	return len(stale), nil
}

// Run starts the periodic sweep on interval, stopping when ctx is done.
// The on-list-agents sweep (called synchronously from the webapi list
// handler) is independent of this loop; together they bound the time any
// stale agent can go undetected (§4.2 Open Questions: within 30s).
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := t.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n, err := t.Sweep(ctx); err != nil {
				t.Log.WithError(err).Warn("offline sweep failed")
			} else if n > 0 {
				t.Log.WithField("count", n).Info("offline sweep released stale agents")
			}
		}
	}
}
