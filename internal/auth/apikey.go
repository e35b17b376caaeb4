package auth

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// ResolveAgent authenticates a worker's long-lived API key (§4.5): hash
// it, look up the owning Agent, and reject revoked agents outright
// regardless of whether the key itself is still correct.
func (g *Gate) ResolveAgent(ctx context.Context, rawKey string) (*Identity, error) {
	if rawKey == "" {
		return nil, apierr.New(apierr.Unauthenticated, "missing agent api key")
	}
	agent, err := g.store.GetAgentByAPIKeyHash(ctx, hashToken(rawKey))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, apierr.New(apierr.Unauthenticated, "invalid agent api key")
		}
		return nil, trace.Wrap(err)
	}
	if agent.Status == store.AgentStatusRevoked {
		return nil, apierr.New(apierr.AgentRevoked, "agent %q has been revoked", agent.GUID)
	}
	tenant, err := g.store.GetTenantByID(ctx, agent.TenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !tenant.Active {
		return nil, apierr.New(apierr.AgentRevoked, "tenant of agent %q has been deactivated", agent.GUID)
	}

	return &Identity{Kind: PrincipalAgent, TenantID: agent.TenantID, Agent: agent}, nil
}
