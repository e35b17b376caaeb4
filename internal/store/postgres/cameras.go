package postgres

import (
	"context"
	"crypto/rand"

	"github.com/gravitational/trace"
	"github.com/oklog/ulid/v2"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// UpsertCameras inserts any externalIDs not already known for tenantID
// with status TEMPORARY, then returns the full set (existing + new),
// idempotent across retries (§4.3, §8). Cameras have no entry in the
// closed GUID-prefix table (§6), so their identifier is a bare ULID
// rather than a prefixed GUID.
func (s *Store) UpsertCameras(ctx context.Context, tenantID int64, externalIDs []string) ([]*store.Camera, error) {
	for _, ext := range externalIDs {
		guid := ulid.MustNew(ulid.Now(), rand.Reader).String()
		_, err := s.pool.Exec(ctx, `
			INSERT INTO cameras (guid, tenant_id, external_id, status)
			VALUES ($1, $2, $3, 'TEMPORARY')
			ON CONFLICT (tenant_id, external_id) DO NOTHING`, guid, tenantID, ext)
		if err != nil {
			return nil, wrapPgErr(err, "upsert camera")
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, guid, tenant_id, external_id, status, created_at
		FROM cameras WHERE tenant_id = $1 AND external_id = ANY($2)`, tenantID, externalIDs)
	if err != nil {
		return nil, wrapPgErr(err, "list cameras")
	}
	defer rows.Close()
	var out []*store.Camera
	for rows.Next() {
		c := &store.Camera{}
		if err := rows.Scan(&c.ID, &c.GUID, &c.TenantID, &c.ExternalID, &c.Status, &c.CreatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, c)
	}
	return out, trace.Wrap(rows.Err())
}
