package postgres

import (
	"context"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/ids"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

const userColumns = `id, guid, email, display_name, tenant_id, kind, active, status, created_at`

func (s *Store) CreateUser(ctx context.Context, u *store.User) (*store.User, error) {
	guid := ids.New(ids.User)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (guid, email, display_name, tenant_id, kind, active, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+userColumns,
		guid, u.Email, u.DisplayName, u.TenantID, u.Kind, u.Active, u.Status)
	out := &store.User{}
	if err := scanUser(row, out); err != nil {
		return nil, wrapPgErr(err, "create user")
	}
	return out, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	out := &store.User{}
	if err := scanUser(row, out); err != nil {
		return nil, wrapPgErr(err, "get user by email")
	}
	return out, nil
}

func (s *Store) GetUserByGUID(ctx context.Context, guid string) (*store.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE guid = $1`, guid)
	out := &store.User{}
	if err := scanUser(row, out); err != nil {
		return nil, wrapPgErr(err, "get user by guid")
	}
	return out, nil
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	out := &store.User{}
	if err := scanUser(row, out); err != nil {
		return nil, wrapPgErr(err, "get user by id")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner, u *store.User) error {
	return row.Scan(&u.ID, &u.GUID, &u.Email, &u.DisplayName, &u.TenantID, &u.Kind, &u.Active, &u.Status, &u.CreatedAt)
}
