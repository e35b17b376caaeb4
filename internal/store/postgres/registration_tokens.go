package postgres

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/gravitational/trace"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/ids"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// tokenEntropyBytes matches the teacher's TokenLenBytes convention for
// provisioning-token secrets (lib/auth: auth.TokenLenBytes).
const tokenEntropyBytes = 32

// CreateRegistrationToken generates a fresh plaintext secret, stores only
// its SHA-256 hash, and returns both the persisted record and the
// plaintext (returned exactly once, per §4.1).
func (s *Store) CreateRegistrationToken(ctx context.Context, t *store.RegistrationToken) (*store.RegistrationToken, string, error) {
	secret := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", trace.Wrap(err)
	}
	plaintext := "art_" + hex.EncodeToString(secret)
	sum := sha256.Sum256([]byte(plaintext))
	hash := hex.EncodeToString(sum[:])

	guid := ids.New(ids.RegistrationToken)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO registration_tokens (guid, hashed_secret, tenant_id, creator_user_id, name, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, guid, hashed_secret, tenant_id, creator_user_id, name, expires_at, used_at, agent_id, created_at`,
		guid, hash, t.TenantID, t.CreatorUserID, t.Name, t.ExpiresAt)

	out := &store.RegistrationToken{}
	if err := scanRegistrationToken(row, out); err != nil {
		return nil, "", wrapPgErr(err, "create registration token")
	}
	return out, plaintext, nil
}

func (s *Store) GetRegistrationTokenByHash(ctx context.Context, hash string) (*store.RegistrationToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, guid, hashed_secret, tenant_id, creator_user_id, name, expires_at, used_at, agent_id, created_at
		FROM registration_tokens WHERE hashed_secret = $1`, hash)
	out := &store.RegistrationToken{}
	if err := scanRegistrationToken(row, out); err != nil {
		return nil, wrapPgErr(err, "get registration token")
	}
	return out, nil
}

func (s *Store) ListRegistrationTokens(ctx context.Context, tenantID int64) ([]*store.RegistrationToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, guid, hashed_secret, tenant_id, creator_user_id, name, expires_at, used_at, agent_id, created_at
		FROM registration_tokens WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, wrapPgErr(err, "list registration tokens")
	}
	defer rows.Close()
	var out []*store.RegistrationToken
	for rows.Next() {
		t := &store.RegistrationToken{}
		if err := scanRegistrationToken(rows, t); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, t)
	}
	return out, trace.Wrap(rows.Err())
}

func (s *Store) DeleteRegistrationToken(ctx context.Context, guid string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM registration_tokens WHERE guid = $1`, guid)
	if err != nil {
		return wrapPgErr(err, "delete registration token")
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("registration token %q not found", guid)
	}
	return nil
}

func scanRegistrationToken(row rowScanner, t *store.RegistrationToken) error {
	return row.Scan(&t.ID, &t.GUID, &t.HashedSecret, &t.TenantID, &t.CreatorUserID, &t.Name,
		&t.ExpiresAt, &t.UsedAt, &t.AgentID, &t.CreatedAt)
}
