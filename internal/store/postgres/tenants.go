package postgres

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/ids"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

func (s *Store) CreateTenant(ctx context.Context, name string) (*store.Tenant, error) {
	guid := ids.New(ids.Tenant)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tenants (guid, name, active) VALUES ($1, $2, TRUE)
		RETURNING id, guid, name, active, created_at`, guid, name)
	t := &store.Tenant{}
	if err := row.Scan(&t.ID, &t.GUID, &t.Name, &t.Active, &t.CreatedAt); err != nil {
		return nil, wrapPgErr(err, "create tenant")
	}
	return t, nil
}

func (s *Store) GetTenant(ctx context.Context, guid string) (*store.Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, guid, name, active, created_at FROM tenants WHERE guid = $1`, guid)
	t := &store.Tenant{}
	if err := row.Scan(&t.ID, &t.GUID, &t.Name, &t.Active, &t.CreatedAt); err != nil {
		return nil, wrapPgErr(err, "get tenant")
	}
	return t, nil
}

func (s *Store) GetTenantByID(ctx context.Context, id int64) (*store.Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, guid, name, active, created_at FROM tenants WHERE id = $1`, id)
	t := &store.Tenant{}
	if err := row.Scan(&t.ID, &t.GUID, &t.Name, &t.Active, &t.CreatedAt); err != nil {
		return nil, wrapPgErr(err, "get tenant")
	}
	return t, nil
}

// DeactivateTenant flips the active flag without deleting any row (§3:
// deactivation cascades to block login/agent auth but preserves records).
func (s *Store) DeactivateTenant(ctx context.Context, guid string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tenants SET active = FALSE WHERE guid = $1`, guid)
	if err != nil {
		return wrapPgErr(err, "deactivate tenant")
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("tenant %q not found", guid)
	}
	return nil
}

func (s *Store) ListTenants(ctx context.Context) ([]*store.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, guid, name, active, created_at FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, wrapPgErr(err, "list tenants")
	}
	defer rows.Close()
	var out []*store.Tenant
	for rows.Next() {
		t := &store.Tenant{}
		if err := rows.Scan(&t.ID, &t.GUID, &t.Name, &t.Active, &t.CreatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, t)
	}
	return out, trace.Wrap(rows.Err())
}
