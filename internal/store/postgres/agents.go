package postgres

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v4"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/ids"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// CompleteRegistration is the §4.1 step 4-7 atomic sequence: create the
// SYSTEM user, create the Agent row, and mark the registration token used
// and linked to the new agent, all in one transaction.
func (s *Store) CompleteRegistration(ctx context.Context, tokenID int64, systemUser *store.User, agent *store.Agent) (*store.Agent, *store.User, error) {
	var outAgent *store.Agent
	var outUser *store.User
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		userGUID := ids.New(ids.User)
		outUser = &store.User{}
		row := tx.QueryRow(ctx, `
			INSERT INTO users (guid, email, display_name, tenant_id, kind, active, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+userColumns,
			userGUID, systemUser.Email, systemUser.DisplayName, systemUser.TenantID, store.UserKindSystem, true, store.UserStatusActive)
		if err := scanUser(row, outUser); err != nil {
			return wrapPgErr(err, "create system user")
		}

		agentGUID := ids.New(ids.Agent)
		outAgent = &store.Agent{}
		arow := tx.QueryRow(ctx, `
			INSERT INTO agents (guid, tenant_id, system_user_id, creator_user_id, name, hostname, os_info,
				status, capabilities, authorized_roots, hashed_api_key, api_key_prefix, version,
				binary_checksum, verified)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			RETURNING id, guid, tenant_id, system_user_id, creator_user_id, name, hostname, os_info,
				status, last_heartbeat, capabilities, authorized_roots, hashed_api_key, api_key_prefix,
				version, binary_checksum, revocation_reason, revoked_at, verified, created_at`,
			agentGUID, agent.TenantID, outUser.ID, agent.CreatorUserID, agent.Name, agent.Hostname, agent.OSInfo,
			store.AgentStatusOffline, agent.Capabilities, agent.AuthorizedRoots, agent.HashedAPIKey, agent.APIKeyPrefix,
			agent.Version, agent.BinaryChecksum, agent.Verified)
		if err := scanAgent(arow, outAgent); err != nil {
			return wrapPgErr(err, "create agent")
		}

		tag, err := tx.Exec(ctx, `
			UPDATE registration_tokens SET used_at = now(), agent_id = $1
			WHERE id = $2 AND used_at IS NULL`, outAgent.ID, tokenID)
		if err != nil {
			return wrapPgErr(err, "mark registration token used")
		}
		if tag.RowsAffected() == 0 {
			return trace.BadParameter("registration token already used")
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outAgent, outUser, nil
}

func (s *Store) CreateAgent(ctx context.Context, a *store.Agent) (*store.Agent, error) {
	guid := ids.New(ids.Agent)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO agents (guid, tenant_id, system_user_id, creator_user_id, name, hostname, os_info,
			status, capabilities, authorized_roots, hashed_api_key, api_key_prefix, version, binary_checksum, verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, guid, tenant_id, system_user_id, creator_user_id, name, hostname, os_info,
			status, last_heartbeat, capabilities, authorized_roots, hashed_api_key, api_key_prefix,
			version, binary_checksum, revocation_reason, revoked_at, verified, created_at`,
		guid, a.TenantID, a.SystemUserID, a.CreatorUserID, a.Name, a.Hostname, a.OSInfo,
		store.AgentStatusOffline, a.Capabilities, a.AuthorizedRoots, a.HashedAPIKey, a.APIKeyPrefix,
		a.Version, a.BinaryChecksum, a.Verified)
	out := &store.Agent{}
	if err := scanAgent(row, out); err != nil {
		return nil, wrapPgErr(err, "create agent")
	}
	return out, nil
}

const agentColumns = `id, guid, tenant_id, system_user_id, creator_user_id, name, hostname, os_info,
	status, last_heartbeat, capabilities, authorized_roots, hashed_api_key, api_key_prefix,
	version, binary_checksum, revocation_reason, revoked_at, verified, created_at`

func scanAgent(row rowScanner, a *store.Agent) error {
	var lastHB, revokedAt *time.Time
	err := row.Scan(&a.ID, &a.GUID, &a.TenantID, &a.SystemUserID, &a.CreatorUserID, &a.Name, &a.Hostname, &a.OSInfo,
		&a.Status, &lastHB, &a.Capabilities, &a.AuthorizedRoots, &a.HashedAPIKey, &a.APIKeyPrefix,
		&a.Version, &a.BinaryChecksum, &a.RevocationReason, &revokedAt, &a.Verified, &a.CreatedAt)
	if err != nil {
		return err
	}
	if lastHB != nil {
		a.LastHeartbeat = *lastHB
	}
	a.RevokedAt = revokedAt
	return nil
}

func (s *Store) GetAgentByGUID(ctx context.Context, tenantID int64, guid string) (*store.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE guid = $1 AND tenant_id = $2`, guid, tenantID)
	out := &store.Agent{}
	if err := scanAgent(row, out); err != nil {
		return nil, wrapPgErr(err, "get agent")
	}
	return out, nil
}

func (s *Store) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*store.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE hashed_api_key = $1`, hash)
	out := &store.Agent{}
	if err := scanAgent(row, out); err != nil {
		return nil, wrapPgErr(err, "get agent by api key")
	}
	return out, nil
}

// GetAgentByNameIfActive looks up a non-revoked agent by (tenant, name),
// for the registration name-collision check (SPEC_FULL.md supplement).
func (s *Store) GetAgentByNameIfActive(ctx context.Context, tenantID int64, name string) (*store.Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE tenant_id = $1 AND name = $2 AND status <> 'REVOKED'`, tenantID, name)
	out := &store.Agent{}
	if err := scanAgent(row, out); err != nil {
		return nil, wrapPgErr(err, "get agent by name")
	}
	return out, nil
}

func (s *Store) ListAgents(ctx context.Context, tenantID int64) ([]*store.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, wrapPgErr(err, "list agents")
	}
	defer rows.Close()
	var out []*store.Agent
	for rows.Next() {
		a := &store.Agent{}
		if err := scanAgent(rows, a); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, a)
	}
	return out, trace.Wrap(rows.Err())
}

// UpdateHeartbeat takes a row lock on the agent (serializing against
// concurrent revoke/delete, §4.2) and applies the heartbeat mutation.
func (s *Store) UpdateHeartbeat(ctx context.Context, agentID int64, hb store.HeartbeatUpdate) (*store.Agent, error) {
	var out *store.Agent
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, agentID)
		cur := &store.Agent{}
		if err := scanAgent(row, cur); err != nil {
			return wrapPgErr(err, "lock agent for heartbeat")
		}
		if cur.Status == store.AgentStatusRevoked {
			return trace.AccessDenied("agent is revoked")
		}

		status := store.AgentStatusOnline
		if hb.StatusHint != nil {
			status = *hb.StatusHint
		}
		caps := cur.Capabilities
		if hb.Capabilities != nil {
			caps = hb.Capabilities
		}
		roots := cur.AuthorizedRoots
		if hb.AuthorizedRoots != nil {
			roots = hb.AuthorizedRoots
		}
		version := cur.Version
		if hb.Version != "" {
			version = hb.Version
		}

		row2 := tx.QueryRow(ctx, `
			UPDATE agents SET status = $1, last_heartbeat = now(), capabilities = $2,
				authorized_roots = $3, version = $4
			WHERE id = $5
			RETURNING `+agentColumns, status, caps, roots, version, agentID)
		out = &store.Agent{}
		if err := scanAgent(row2, out); err != nil {
			return wrapPgErr(err, "apply heartbeat")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SetAgentStatus(ctx context.Context, agentID int64, status store.AgentStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET status = $1 WHERE id = $2`, status, agentID)
	if err != nil {
		return wrapPgErr(err, "set agent status")
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("agent %d not found", agentID)
	}
	return nil
}

func (s *Store) RevokeAgent(ctx context.Context, guid string, reason string) (*store.Agent, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE agents SET status = 'REVOKED', revocation_reason = $1, revoked_at = now()
		WHERE guid = $2
		RETURNING `+agentColumns, reason, guid)
	out := &store.Agent{}
	if err := scanAgent(row, out); err != nil {
		return nil, wrapPgErr(err, "revoke agent")
	}
	return out, nil
}

// DeleteAgent removes the Agent row but never its SYSTEM user (§3, §9:
// break the Agent->User reference before deleting the Agent).
func (s *Store) DeleteAgent(ctx context.Context, guid string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE guid = $1`, guid)
	if err != nil {
		return wrapPgErr(err, "delete agent")
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("agent %q not found", guid)
	}
	return nil
}

func (s *Store) ListStaleOnlineAgents(ctx context.Context, cutoff time.Time) ([]*store.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE status IN ('ONLINE', 'BUSY') AND (last_heartbeat IS NULL OR last_heartbeat < $1)`, cutoff)
	if err != nil {
		return nil, wrapPgErr(err, "list stale agents")
	}
	defer rows.Close()
	var out []*store.Agent
	for rows.Next() {
		a := &store.Agent{}
		if err := scanAgent(rows, a); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, a)
	}
	return out, trace.Wrap(rows.Err())
}
