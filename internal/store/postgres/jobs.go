package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v4"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/ids"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

const jobColumns = `id, guid, tenant_id, collection_guid, collection_path, tool, mode, status, priority,
	required_capabilities, assigned_agent_id, retry_count, retry_limit, progress,
	result_ref, result_signature, failure_message, created_at, claimed_at, started_at, finished_at`

func scanJob(row rowScanner, j *store.Job) error {
	var assigned *int64
	var claimed, started, finished *time.Time
	err := row.Scan(&j.ID, &j.GUID, &j.TenantID, &j.CollectionGUID, &j.CollectionPath, &j.Tool, &j.Mode, &j.Status, &j.Priority,
		&j.RequiredCapabilities, &assigned, &j.RetryCount, &j.RetryLimit, &j.Progress,
		&j.ResultRef, &j.ResultSignature, &j.FailureMessage, &j.CreatedAt, &claimed, &started, &finished)
	if err != nil {
		return err
	}
	j.AssignedAgentID = assigned
	j.ClaimedAt = claimed
	j.StartedAt = started
	j.FinishedAt = finished
	return nil
}

func (s *Store) CreateJob(ctx context.Context, j *store.Job) (*store.Job, error) {
	guid := ids.New(ids.Job)
	retryLimit := j.RetryLimit
	if retryLimit == 0 {
		retryLimit = 3
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (guid, tenant_id, collection_guid, collection_path, tool, mode, status, priority,
			required_capabilities, retry_count, retry_limit, progress)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7, $8, 0, $9, $10)
		RETURNING `+jobColumns,
		guid, j.TenantID, j.CollectionGUID, j.CollectionPath, j.Tool, j.Mode, j.Priority, j.RequiredCapabilities, retryLimit, j.Progress)
	out := &store.Job{}
	if err := scanJob(row, out); err != nil {
		return nil, wrapPgErr(err, "create job")
	}
	return out, nil
}

func (s *Store) GetJobByGUID(ctx context.Context, tenantID int64, guid string) (*store.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE guid = $1 AND tenant_id = $2`, guid, tenantID)
	out := &store.Job{}
	if err := scanJob(row, out); err != nil {
		return nil, wrapPgErr(err, "get job")
	}
	return out, nil
}

func (s *Store) ListJobs(ctx context.Context, tenantID int64) ([]*store.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE tenant_id = $1 ORDER BY priority DESC, created_at ASC`, tenantID)
	if err != nil {
		return nil, wrapPgErr(err, "list jobs")
	}
	defer rows.Close()
	var out []*store.Job
	for rows.Next() {
		j := &store.Job{}
		if err := scanJob(rows, j); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, j)
	}
	return out, trace.Wrap(rows.Err())
}

// claimPageSize bounds the candidate scan per §5 Resource limits.
const claimPageSize = 100

// ClaimNext implements the §4.3 claim algorithm: filter by tenant and
// capability match (including local_filesystem path-prefix and
// connector:<guid> exact-match rules, applied in Go over a bounded page
// of candidates since these rules aren't simple column comparisons), then
// attempt an atomic conditional UPDATE per candidate in priority/age
// order until one succeeds or candidates are exhausted.
func (s *Store) ClaimNext(ctx context.Context, tenantID, agentID int64, capabilities []string, authorizedRoots []string) (*store.Job, error) {
	capSet := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		capSet[c] = true
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE tenant_id = $1 AND status = 'PENDING'
		ORDER BY priority DESC, created_at ASC
		LIMIT $2`, tenantID, claimPageSize)
	if err != nil {
		return nil, wrapPgErr(err, "scan claim candidates")
	}
	var candidates []*store.Job
	for rows.Next() {
		j := &store.Job{}
		if err := scanJob(rows, j); err != nil {
			rows.Close()
			return nil, trace.Wrap(err)
		}
		candidates = append(candidates, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}

	for _, j := range candidates {
		if !agentEligible(j, capSet, authorizedRoots) {
			continue
		}
		tag, err := s.pool.Exec(ctx, `
			UPDATE jobs SET status = 'ASSIGNED', assigned_agent_id = $1, claimed_at = now()
			WHERE id = $2 AND status = 'PENDING'`, agentID, j.ID)
		if err != nil {
			return nil, wrapPgErr(err, "claim job")
		}
		if tag.RowsAffected() == 0 {
			// Lost the race to another claimer; try the next candidate.
			continue
		}
		row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, j.ID)
		out := &store.Job{}
		if err := scanJob(row, out); err != nil {
			return nil, wrapPgErr(err, "reload claimed job")
		}
		return out, nil
	}
	return nil, nil
}

// agentEligible applies §4.3 step 2-3's capability and filesystem-path
// matching rules.
func agentEligible(j *store.Job, capSet map[string]bool, authorizedRoots []string) bool {
	for _, req := range j.RequiredCapabilities {
		if strings.HasPrefix(req, "connector:") {
			if !capSet[req] {
				return false
			}
			continue
		}
		if req == "local_filesystem" {
			if !capSet["local_filesystem"] {
				return false
			}
			if j.CollectionPath != "" && !withinAnyRoot(j.CollectionPath, authorizedRoots) {
				return false
			}
			continue
		}
		if !capSet[req] {
			return false
		}
	}
	return true
}

// withinAnyRoot reports whether path lies under one of roots with a
// directory-boundary-respecting prefix match. Callers are expected to
// have already rejected ".." components at job-creation time (§4.3); this
// is the claim-time half of that same guarantee.
func withinAnyRoot(path string, roots []string) bool {
	if strings.Contains(path, "..") {
		return false
	}
	for _, root := range roots {
		root = strings.TrimSuffix(root, "/")
		if path == root || strings.HasPrefix(path, root+"/") {
			return true
		}
	}
	return false
}

// TransitionToRunning is idempotent: calling it again on an already
// RUNNING job owned by the same agent is a no-op success (§4.3 step 5).
func (s *Store) TransitionToRunning(ctx context.Context, jobID, agentID int64) (*store.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'RUNNING', started_at = COALESCE(started_at, now())
		WHERE id = $1 AND assigned_agent_id = $2 AND status IN ('ASSIGNED', 'RUNNING')
		RETURNING `+jobColumns, jobID, agentID)
	out := &store.Job{}
	if err := scanJob(row, out); err != nil {
		return nil, wrapPgErr(err, "transition job to running")
	}
	return out, nil
}

func (s *Store) ReportProgress(ctx context.Context, jobID, agentID int64, progress []byte) (*store.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET progress = $1
		WHERE id = $2 AND assigned_agent_id = $3 AND status IN ('ASSIGNED', 'RUNNING')
		RETURNING `+jobColumns, progress, jobID, agentID)
	out := &store.Job{}
	if err := scanJob(row, out); err != nil {
		return nil, wrapPgErr(err, "report progress")
	}
	return out, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID, agentID int64, resultRef string) (*store.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'COMPLETED', finished_at = now(), result_ref = $1
		WHERE id = $2 AND assigned_agent_id = $3 AND status IN ('ASSIGNED', 'RUNNING')
		RETURNING `+jobColumns, resultRef, jobID, agentID)
	out := &store.Job{}
	if err := scanJob(row, out); err != nil {
		return nil, wrapPgErr(err, "complete job")
	}
	return out, nil
}

// FailJob applies the §4.3 retry policy inside a row-locked transaction:
// if retries remain, the job returns to PENDING with assigned_agent
// cleared and retry_count incremented; otherwise it moves to FAILED.
func (s *Store) FailJob(ctx context.Context, jobID, agentID int64, message string) (*store.Job, error) {
	var out *store.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND assigned_agent_id = $2 FOR UPDATE`, jobID, agentID)
		cur := &store.Job{}
		if err := scanJob(row, cur); err != nil {
			return wrapPgErr(err, "lock job for failure")
		}
		if cur.Status != store.JobStatusAssigned && cur.Status != store.JobStatusRunning {
			return trace.BadParameter("job %d is not in a failable state", jobID)
		}

		var row2 pgx.Row
		if cur.RetryCount < cur.RetryLimit {
			row2 = tx.QueryRow(ctx, `
				UPDATE jobs SET status = 'PENDING', assigned_agent_id = NULL, retry_count = retry_count + 1,
					failure_message = $1, claimed_at = NULL, started_at = NULL
				WHERE id = $2
				RETURNING `+jobColumns, message, jobID)
		} else {
			row2 = tx.QueryRow(ctx, `
				UPDATE jobs SET status = 'FAILED', finished_at = now(), failure_message = $1
				WHERE id = $2
				RETURNING `+jobColumns, message, jobID)
		}
		out = &store.Job{}
		return wrapPgErr(scanJob(row2, out), "apply retry policy")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CancelJob(ctx context.Context, jobID int64) (*store.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'CANCELLED', finished_at = now()
		WHERE id = $1 AND status IN ('PENDING', 'ASSIGNED', 'RUNNING')
		RETURNING `+jobColumns, jobID)
	out := &store.Job{}
	if err := scanJob(row, out); err != nil {
		return nil, wrapPgErr(err, "cancel job")
	}
	return out, nil
}

// ReleaseJobsForAgent applies FailJob's retry policy to every ASSIGNED or
// RUNNING job held by agentID. Idempotent: run with no held jobs, it is a
// no-op (§4.2, §8 round-trip law).
func (s *Store) ReleaseJobsForAgent(ctx context.Context, agentID int64) ([]*store.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs WHERE assigned_agent_id = $1 AND status IN ('ASSIGNED', 'RUNNING')`, agentID)
	if err != nil {
		return nil, wrapPgErr(err, "list held jobs")
	}
	var jobIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, trace.Wrap(err)
		}
		jobIDs = append(jobIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}

	var released []*store.Job
	for _, id := range jobIDs {
		j, err := s.FailJob(ctx, id, agentID, "agent went offline")
		if err != nil {
			return nil, trace.Wrap(err)
		}
		released = append(released, j)
	}
	return released, nil
}

func (s *Store) FindLastCompletedResult(ctx context.Context, tenantID int64, tool, collectionGUID string) (*store.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE tenant_id = $1 AND tool = $2 AND collection_guid = $3 AND status = 'COMPLETED'
		ORDER BY finished_at DESC LIMIT 1`, tenantID, tool, collectionGUID)
	out := &store.Job{}
	if err := scanJob(row, out); err != nil {
		return nil, wrapPgErr(err, "find last completed result")
	}
	return out, nil
}
