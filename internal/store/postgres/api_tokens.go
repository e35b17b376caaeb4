package postgres

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/ids"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// CreateApiTokenRecord persists an already-minted API token's hash and
// metadata; internal/auth owns generating the JWT and hashing it.
func (s *Store) CreateApiTokenRecord(ctx context.Context, t *store.ApiToken) (*store.ApiToken, error) {
	guid := ids.New(ids.ApiToken)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO api_tokens (guid, issuer_user_id, tenant_id, system_user_id, hashed_token,
			token_prefix, scopes, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		RETURNING `+apiTokenColumns,
		guid, t.IssuerUserID, t.TenantID, t.SystemUserID, t.HashedToken, t.TokenPrefix, t.Scopes, t.ExpiresAt)
	out := &store.ApiToken{}
	if err := scanApiToken(row, out); err != nil {
		return nil, wrapPgErr(err, "create api token")
	}
	return out, nil
}

const apiTokenColumns = `id, guid, issuer_user_id, tenant_id, system_user_id, hashed_token,
	token_prefix, scopes, expires_at, active, last_used_at, created_at`

func scanApiToken(row rowScanner, t *store.ApiToken) error {
	return row.Scan(&t.ID, &t.GUID, &t.IssuerUserID, &t.TenantID, &t.SystemUserID, &t.HashedToken,
		&t.TokenPrefix, &t.Scopes, &t.ExpiresAt, &t.Active, &t.LastUsedAt, &t.CreatedAt)
}

func (s *Store) GetApiTokenByHash(ctx context.Context, hash string) (*store.ApiToken, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+apiTokenColumns+` FROM api_tokens WHERE hashed_token = $1`, hash)
	out := &store.ApiToken{}
	if err := scanApiToken(row, out); err != nil {
		return nil, wrapPgErr(err, "get api token")
	}
	return out, nil
}

// TouchApiTokenLastUsed is best-effort: called outside the auth hot
// path's critical section, its failure is logged by the caller but never
// fails the request.
func (s *Store) TouchApiTokenLastUsed(ctx context.Context, tokenID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_tokens SET last_used_at = now() WHERE id = $1`, tokenID)
	return wrapPgErr(err, "touch api token")
}

func (s *Store) ListApiTokens(ctx context.Context, tenantID int64) ([]*store.ApiToken, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+apiTokenColumns+` FROM api_tokens WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, wrapPgErr(err, "list api tokens")
	}
	defer rows.Close()
	var out []*store.ApiToken
	for rows.Next() {
		t := &store.ApiToken{}
		if err := scanApiToken(rows, t); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, t)
	}
	return out, trace.Wrap(rows.Err())
}

func (s *Store) RevokeApiToken(ctx context.Context, guid string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_tokens SET active = FALSE WHERE guid = $1`, guid)
	if err != nil {
		return wrapPgErr(err, "revoke api token")
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("api token %q not found", guid)
	}
	return nil
}
