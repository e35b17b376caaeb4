package postgres

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v4"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/ids"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// CreateManifestWithRetention inserts a manifest and its artifacts, then
// for each platform the new manifest advertises, deletes every manifest
// beyond the retainPerPlatform most recent supporting that platform
// (cascading to their artifacts). All in one transaction: a failed
// cleanup rolls back the create (§3, §5).
func (s *Store) CreateManifestWithRetention(ctx context.Context, m *store.ReleaseManifest, artifacts []*store.ReleaseArtifact, retainPerPlatform int) (*store.ReleaseManifest, error) {
	var out *store.ReleaseManifest
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		guid := ids.New(ids.ReleaseManifest)
		row := tx.QueryRow(ctx, `
			INSERT INTO release_manifests (guid, version, platforms, checksum, active, notes)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, guid, version, platforms, checksum, active, notes, created_at`,
			guid, m.Version, m.Platforms, m.Checksum, m.Active, m.Notes)
		out = &store.ReleaseManifest{}
		if err := row.Scan(&out.ID, &out.GUID, &out.Version, &out.Platforms, &out.Checksum, &out.Active, &out.Notes, &out.CreatedAt); err != nil {
			return wrapPgErr(err, "create manifest")
		}

		for _, a := range artifacts {
			aguid := ids.New(ids.ReleaseArtifact)
			if _, err := tx.Exec(ctx, `
				INSERT INTO release_artifacts (guid, manifest_id, platform, filename, checksum, size_bytes)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				aguid, out.ID, a.Platform, a.Filename, a.Checksum, a.SizeBytes); err != nil {
				return wrapPgErr(err, "create artifact")
			}
		}

		for _, platform := range m.Platforms {
			if err := pruneManifestsForPlatform(ctx, tx, platform, retainPerPlatform); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// pruneManifestsForPlatform keeps the N most recently created manifests
// that list platform and deletes the rest (artifacts cascade via FK).
func pruneManifestsForPlatform(ctx context.Context, tx pgx.Tx, platform string, keep int) error {
	rows, err := tx.Query(ctx, `
		SELECT id FROM release_manifests
		WHERE $1 = ANY(platforms)
		ORDER BY created_at DESC
		OFFSET $2`, platform, keep)
	if err != nil {
		return wrapPgErr(err, "list manifests for pruning")
	}
	var toDelete []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return trace.Wrap(err)
		}
		toDelete = append(toDelete, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return trace.Wrap(err)
	}
	for _, id := range toDelete {
		if _, err := tx.Exec(ctx, `DELETE FROM release_manifests WHERE id = $1`, id); err != nil {
			return wrapPgErr(err, "prune manifest")
		}
	}
	return nil
}

func (s *Store) GetActiveManifestByChecksum(ctx context.Context, checksum string) (*store.ReleaseManifest, []*store.ReleaseArtifact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, guid, version, platforms, checksum, active, notes, created_at
		FROM release_manifests WHERE checksum = $1 AND active = TRUE`, checksum)
	m := &store.ReleaseManifest{}
	if err := row.Scan(&m.ID, &m.GUID, &m.Version, &m.Platforms, &m.Checksum, &m.Active, &m.Notes, &m.CreatedAt); err != nil {
		return nil, nil, wrapPgErr(err, "get manifest by checksum")
	}
	artifacts, err := s.listArtifacts(ctx, m.ID)
	if err != nil {
		return nil, nil, err
	}
	return m, artifacts, nil
}

func (s *Store) CountManifests(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM release_manifests`).Scan(&n); err != nil {
		return 0, wrapPgErr(err, "count manifests")
	}
	return n, nil
}

func (s *Store) ListManifests(ctx context.Context) ([]*store.ReleaseManifest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, guid, version, platforms, checksum, active, notes, created_at
		FROM release_manifests ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrapPgErr(err, "list manifests")
	}
	defer rows.Close()
	var out []*store.ReleaseManifest
	for rows.Next() {
		m := &store.ReleaseManifest{}
		if err := rows.Scan(&m.ID, &m.GUID, &m.Version, &m.Platforms, &m.Checksum, &m.Active, &m.Notes, &m.CreatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, m)
	}
	return out, trace.Wrap(rows.Err())
}

func (s *Store) GetManifest(ctx context.Context, guid string) (*store.ReleaseManifest, []*store.ReleaseArtifact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, guid, version, platforms, checksum, active, notes, created_at
		FROM release_manifests WHERE guid = $1`, guid)
	m := &store.ReleaseManifest{}
	if err := row.Scan(&m.ID, &m.GUID, &m.Version, &m.Platforms, &m.Checksum, &m.Active, &m.Notes, &m.CreatedAt); err != nil {
		return nil, nil, wrapPgErr(err, "get manifest")
	}
	artifacts, err := s.listArtifacts(ctx, m.ID)
	if err != nil {
		return nil, nil, err
	}
	return m, artifacts, nil
}

func (s *Store) listArtifacts(ctx context.Context, manifestID int64) ([]*store.ReleaseArtifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, guid, manifest_id, platform, filename, checksum, size_bytes
		FROM release_artifacts WHERE manifest_id = $1`, manifestID)
	if err != nil {
		return nil, wrapPgErr(err, "list artifacts")
	}
	defer rows.Close()
	var out []*store.ReleaseArtifact
	for rows.Next() {
		a := &store.ReleaseArtifact{}
		if err := rows.Scan(&a.ID, &a.GUID, &a.ManifestID, &a.Platform, &a.Filename, &a.Checksum, &a.SizeBytes); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, a)
	}
	return out, trace.Wrap(rows.Err())
}

func (s *Store) DeleteManifest(ctx context.Context, guid string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM release_manifests WHERE guid = $1`, guid)
	if err != nil {
		return wrapPgErr(err, "delete manifest")
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("manifest %q not found", guid)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return trace.Wrap(tx.Commit(ctx))
}
