// Package memstore is an in-memory store.Store implementation used by
// unit tests that need to exercise claim races, retry policy, and sweep
// idempotence without a live Postgres instance — the same
// swap-the-backend-for-tests shape the teacher uses for its own
// backend.Backend implementations (memory alongside etcd/dynamodb).
package memstore

import (
	"context"
	"crypto/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/oklog/ulid/v2"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/ids"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// Store is a single-process, mutex-guarded implementation of store.Store.
// One global lock stands in for the database's row-level locking: every
// exported method takes it for its full duration, which is coarser than
// Postgres's per-row locks but preserves every ordering guarantee in §5.
// ReleaseJobsForAgent is the exception: it takes the lock once to collect
// the held jobs and again inside each FailJob call it makes.
type Store struct {
	mu sync.Mutex

	tenants   map[int64]*store.Tenant
	users     map[int64]*store.User
	regTokens map[int64]*store.RegistrationToken
	manifests map[int64]*store.ReleaseManifest
	artifacts map[int64]*store.ReleaseArtifact
	agents    map[int64]*store.Agent
	jobs      map[int64]*store.Job
	apiTokens map[int64]*store.ApiToken
	cameras   map[int64]*store.Camera

	nextID int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tenants:   map[int64]*store.Tenant{},
		users:     map[int64]*store.User{},
		regTokens: map[int64]*store.RegistrationToken{},
		manifests: map[int64]*store.ReleaseManifest{},
		artifacts: map[int64]*store.ReleaseArtifact{},
		agents:    map[int64]*store.Agent{},
		jobs:      map[int64]*store.Job{},
		apiTokens: map[int64]*store.ApiToken{},
		cameras:   map[int64]*store.Camera{},
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) Close(ctx context.Context) error { return nil }

// --- tenants ---

func (s *Store) CreateTenant(ctx context.Context, name string) (*store.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &store.Tenant{ID: s.id(), GUID: ids.New(ids.Tenant), Name: name, Active: true, CreatedAt: time.Now()}
	s.tenants[t.ID] = t
	return cloneTenant(t), nil
}

func (s *Store) GetTenant(ctx context.Context, guid string) (*store.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.GUID == guid {
			return cloneTenant(t), nil
		}
	}
	return nil, trace.NotFound("tenant %q not found", guid)
}

func (s *Store) GetTenantByID(ctx context.Context, id int64) (*store.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[id]; ok {
		return cloneTenant(t), nil
	}
	return nil, trace.NotFound("tenant %d not found", id)
}

func (s *Store) DeactivateTenant(ctx context.Context, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.GUID == guid {
			t.Active = false
			return nil
		}
	}
	return trace.NotFound("tenant %q not found", guid)
}

func (s *Store) ListTenants(ctx context.Context) ([]*store.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Tenant
	for _, t := range s.tenants {
		out = append(out, cloneTenant(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneTenant(t *store.Tenant) *store.Tenant { c := *t; return &c }

// --- users ---

func (s *Store) CreateUser(ctx context.Context, u *store.User) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return nil, trace.AlreadyExists("user with email %q already exists", u.Email)
		}
	}
	out := *u
	out.ID = s.id()
	out.GUID = ids.New(ids.User)
	out.CreatedAt = time.Now()
	s.users[out.ID] = &out
	clone := out
	return &clone, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, trace.NotFound("user %q not found", email)
}

func (s *Store) GetUserByGUID(ctx context.Context, guid string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.GUID == guid {
			c := *u
			return &c, nil
		}
	}
	return nil, trace.NotFound("user %q not found", guid)
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, trace.NotFound("user %d not found", id)
}

// --- registration tokens ---

func (s *Store) CreateRegistrationToken(ctx context.Context, t *store.RegistrationToken) (*store.RegistrationToken, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret := randomHex(32)
	plaintext := "art_" + secret
	out := *t
	out.ID = s.id()
	out.GUID = ids.New(ids.RegistrationToken)
	out.HashedSecret = sha256Hex(plaintext)
	out.CreatedAt = time.Now()
	s.regTokens[out.ID] = &out
	c := out
	return &c, plaintext, nil
}

func (s *Store) GetRegistrationTokenByHash(ctx context.Context, hash string) (*store.RegistrationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.regTokens {
		if t.HashedSecret == hash {
			c := *t
			return &c, nil
		}
	}
	return nil, trace.NotFound("registration token not found")
}

func (s *Store) ListRegistrationTokens(ctx context.Context, tenantID int64) ([]*store.RegistrationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.RegistrationToken
	for _, t := range s.regTokens {
		if t.TenantID == tenantID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) DeleteRegistrationToken(ctx context.Context, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.regTokens {
		if t.GUID == guid {
			delete(s.regTokens, id)
			return nil
		}
	}
	return trace.NotFound("registration token %q not found", guid)
}

func (s *Store) CompleteRegistration(ctx context.Context, tokenID int64, systemUser *store.User, agent *store.Agent) (*store.Agent, *store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.regTokens[tokenID]
	if !ok {
		return nil, nil, trace.NotFound("registration token not found")
	}
	if tok.UsedAt != nil {
		return nil, nil, trace.BadParameter("registration token already used")
	}

	u := *systemUser
	u.ID = s.id()
	u.GUID = ids.New(ids.User)
	u.Kind = store.UserKindSystem
	u.Active = true
	u.Status = store.UserStatusActive
	u.CreatedAt = time.Now()
	s.users[u.ID] = &u

	a := *agent
	a.ID = s.id()
	a.GUID = ids.New(ids.Agent)
	a.SystemUserID = u.ID
	a.Status = store.AgentStatusOffline
	a.CreatedAt = time.Now()
	s.agents[a.ID] = &a

	now := time.Now()
	tok.UsedAt = &now
	tok.AgentID = &a.ID

	outA, outU := a, u
	return &outA, &outU, nil
}

// --- manifests ---

func (s *Store) CreateManifestWithRetention(ctx context.Context, m *store.ReleaseManifest, artifacts []*store.ReleaseArtifact, retainPerPlatform int) (*store.ReleaseManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.manifests {
		if existing.Version == m.Version && existing.Checksum == m.Checksum {
			return nil, trace.AlreadyExists("manifest (version=%s, checksum=%s) already exists", m.Version, m.Checksum)
		}
	}

	out := *m
	out.ID = s.id()
	out.GUID = ids.New(ids.ReleaseManifest)
	out.CreatedAt = time.Now()
	s.manifests[out.ID] = &out

	for _, a := range artifacts {
		ac := *a
		ac.ID = s.id()
		ac.GUID = ids.New(ids.ReleaseArtifact)
		ac.ManifestID = out.ID
		s.artifacts[ac.ID] = &ac
	}

	for _, platform := range m.Platforms {
		s.pruneManifestsForPlatformLocked(platform, retainPerPlatform)
	}

	c := out
	return &c, nil
}

func (s *Store) pruneManifestsForPlatformLocked(platform string, keep int) {
	var matching []*store.ReleaseManifest
	for _, mf := range s.manifests {
		for _, p := range mf.Platforms {
			if p == platform {
				matching = append(matching, mf)
				break
			}
		}
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].CreatedAt.After(matching[j].CreatedAt) })
	for i := keep; i < len(matching); i++ {
		delete(s.manifests, matching[i].ID)
		for id, a := range s.artifacts {
			if a.ManifestID == matching[i].ID {
				delete(s.artifacts, id)
			}
		}
	}
}

func (s *Store) GetActiveManifestByChecksum(ctx context.Context, checksum string) (*store.ReleaseManifest, []*store.ReleaseArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.manifests {
		if m.Checksum == checksum && m.Active {
			c := *m
			return &c, s.artifactsForLocked(m.ID), nil
		}
	}
	return nil, nil, trace.NotFound("no active manifest with checksum %q", checksum)
}

func (s *Store) artifactsForLocked(manifestID int64) []*store.ReleaseArtifact {
	var out []*store.ReleaseArtifact
	for _, a := range s.artifacts {
		if a.ManifestID == manifestID {
			c := *a
			out = append(out, &c)
		}
	}
	return out
}

func (s *Store) CountManifests(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.manifests), nil
}

func (s *Store) ListManifests(ctx context.Context) ([]*store.ReleaseManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.ReleaseManifest
	for _, m := range s.manifests {
		c := *m
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetManifest(ctx context.Context, guid string) (*store.ReleaseManifest, []*store.ReleaseArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.manifests {
		if m.GUID == guid {
			c := *m
			return &c, s.artifactsForLocked(m.ID), nil
		}
	}
	return nil, nil, trace.NotFound("manifest %q not found", guid)
}

func (s *Store) DeleteManifest(ctx context.Context, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.manifests {
		if m.GUID == guid {
			delete(s.manifests, id)
			for aid, a := range s.artifacts {
				if a.ManifestID == id {
					delete(s.artifacts, aid)
				}
			}
			return nil
		}
	}
	return trace.NotFound("manifest %q not found", guid)
}

// --- agents ---

func (s *Store) CreateAgent(ctx context.Context, a *store.Agent) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *a
	out.ID = s.id()
	out.GUID = ids.New(ids.Agent)
	out.Status = store.AgentStatusOffline
	out.CreatedAt = time.Now()
	s.agents[out.ID] = &out
	c := out
	return &c, nil
}

func (s *Store) GetAgentByGUID(ctx context.Context, tenantID int64, guid string) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.GUID == guid && a.TenantID == tenantID {
			c := *a
			return &c, nil
		}
	}
	return nil, trace.NotFound("agent %q not found", guid)
}

func (s *Store) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.HashedAPIKey == hash {
			c := *a
			return &c, nil
		}
	}
	return nil, trace.NotFound("agent not found")
}

func (s *Store) GetAgentByNameIfActive(ctx context.Context, tenantID int64, name string) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.TenantID == tenantID && a.Name == name && a.Status != store.AgentStatusRevoked {
			c := *a
			return &c, nil
		}
	}
	return nil, trace.NotFound("agent %q not found", name)
}

func (s *Store) ListAgents(ctx context.Context, tenantID int64) ([]*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Agent
	for _, a := range s.agents {
		if a.TenantID == tenantID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, agentID int64, hb store.HeartbeatUpdate) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, trace.NotFound("agent %d not found", agentID)
	}
	if a.Status == store.AgentStatusRevoked {
		return nil, trace.AccessDenied("agent is revoked")
	}
	a.LastHeartbeat = time.Now()
	if hb.StatusHint != nil {
		a.Status = *hb.StatusHint
	} else {
		a.Status = store.AgentStatusOnline
	}
	if hb.Capabilities != nil {
		a.Capabilities = hb.Capabilities
	}
	if hb.AuthorizedRoots != nil {
		a.AuthorizedRoots = hb.AuthorizedRoots
	}
	if hb.Version != "" {
		a.Version = hb.Version
	}
	c := *a
	return &c, nil
}

func (s *Store) SetAgentStatus(ctx context.Context, agentID int64, status store.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return trace.NotFound("agent %d not found", agentID)
	}
	a.Status = status
	return nil
}

func (s *Store) RevokeAgent(ctx context.Context, guid string, reason string) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.GUID == guid {
			a.Status = store.AgentStatusRevoked
			a.RevocationReason = reason
			now := time.Now()
			a.RevokedAt = &now
			c := *a
			return &c, nil
		}
	}
	return nil, trace.NotFound("agent %q not found", guid)
}

func (s *Store) DeleteAgent(ctx context.Context, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.agents {
		if a.GUID == guid {
			delete(s.agents, id)
			return nil
		}
	}
	return trace.NotFound("agent %q not found", guid)
}

func (s *Store) ListStaleOnlineAgents(ctx context.Context, cutoff time.Time) ([]*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Agent
	for _, a := range s.agents {
		if (a.Status == store.AgentStatusOnline || a.Status == store.AgentStatusBusy) &&
			(a.LastHeartbeat.IsZero() || a.LastHeartbeat.Before(cutoff)) {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

// --- jobs ---

func (s *Store) CreateJob(ctx context.Context, j *store.Job) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *j
	out.ID = s.id()
	out.GUID = ids.New(ids.Job)
	out.Status = store.JobStatusPending
	if out.RetryLimit == 0 {
		out.RetryLimit = 3
	}
	out.CreatedAt = time.Now()
	s.jobs[out.ID] = &out
	c := out
	return &c, nil
}

func (s *Store) GetJobByGUID(ctx context.Context, tenantID int64, guid string) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.GUID == guid && j.TenantID == tenantID {
			c := *j
			return &c, nil
		}
	}
	return nil, trace.NotFound("job %q not found", guid)
}

func (s *Store) ListJobs(ctx context.Context, tenantID int64) ([]*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Job
	for _, j := range s.jobs {
		if j.TenantID == tenantID {
			c := *j
			out = append(out, &c)
		}
	}
	sortJobsForClaim(out)
	return out, nil
}

func sortJobsForClaim(js []*store.Job) {
	sort.Slice(js, func(i, j int) bool {
		if js[i].Priority != js[j].Priority {
			return js[i].Priority > js[j].Priority
		}
		return js[i].CreatedAt.Before(js[j].CreatedAt)
	})
}

func (s *Store) ClaimNext(ctx context.Context, tenantID, agentID int64, capabilities []string, authorizedRoots []string) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	capSet := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		capSet[c] = true
	}

	var candidates []*store.Job
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.Status == store.JobStatusPending {
			candidates = append(candidates, j)
		}
	}
	sortJobsForClaim(candidates)

	for _, j := range candidates {
		if !jobEligible(j, capSet, authorizedRoots) {
			continue
		}
		// Re-check status under the same lock: this is the in-memory
		// equivalent of the conditional UPDATE's affected-rows check.
		if j.Status != store.JobStatusPending {
			continue
		}
		now := time.Now()
		j.Status = store.JobStatusAssigned
		j.AssignedAgentID = &agentID
		j.ClaimedAt = &now
		c := *j
		return &c, nil
	}
	return nil, nil
}

func jobEligible(j *store.Job, capSet map[string]bool, authorizedRoots []string) bool {
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
			if j.CollectionPath != "" && !withinAnyRootMem(j.CollectionPath, authorizedRoots) {
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

func withinAnyRootMem(path string, roots []string) bool {
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

func (s *Store) TransitionToRunning(ctx context.Context, jobID, agentID int64) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.AssignedAgentID == nil || *j.AssignedAgentID != agentID {
		return nil, trace.NotFound("job not found or not owned by agent")
	}
	if j.Status != store.JobStatusAssigned && j.Status != store.JobStatusRunning {
		return nil, trace.BadParameter("job is not assigned or running")
	}
	if j.Status == store.JobStatusAssigned {
		now := time.Now()
		j.Status = store.JobStatusRunning
		j.StartedAt = &now
	}
	c := *j
	return &c, nil
}

func (s *Store) ReportProgress(ctx context.Context, jobID, agentID int64, progress []byte) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.AssignedAgentID == nil || *j.AssignedAgentID != agentID {
		return nil, trace.NotFound("job not found or not owned by agent")
	}
	if j.Status != store.JobStatusAssigned && j.Status != store.JobStatusRunning {
		return nil, trace.BadParameter("job is not assigned or running")
	}
	j.Progress = progress
	c := *j
	return &c, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID, agentID int64, resultRef string) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.AssignedAgentID == nil || *j.AssignedAgentID != agentID {
		return nil, trace.NotFound("job not found or not owned by agent")
	}
	if j.Status != store.JobStatusAssigned && j.Status != store.JobStatusRunning {
		return nil, trace.BadParameter("job is not assigned or running")
	}
	now := time.Now()
	j.Status = store.JobStatusCompleted
	j.FinishedAt = &now
	j.ResultRef = resultRef
	c := *j
	return &c, nil
}

func (s *Store) FailJob(ctx context.Context, jobID, agentID int64, message string) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.AssignedAgentID == nil || *j.AssignedAgentID != agentID {
		return nil, trace.NotFound("job not found or not owned by agent")
	}
	if j.Status != store.JobStatusAssigned && j.Status != store.JobStatusRunning {
		return nil, trace.BadParameter("job is not in a failable state")
	}
	j.FailureMessage = message
	if j.RetryCount < j.RetryLimit {
		j.RetryCount++
		j.Status = store.JobStatusPending
		j.AssignedAgentID = nil
		j.ClaimedAt = nil
		j.StartedAt = nil
	} else {
		now := time.Now()
		j.Status = store.JobStatusFailed
		j.FinishedAt = &now
	}
	c := *j
	return &c, nil
}

func (s *Store) CancelJob(ctx context.Context, jobID int64) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, trace.NotFound("job not found")
	}
	switch j.Status {
	case store.JobStatusPending, store.JobStatusAssigned, store.JobStatusRunning:
		now := time.Now()
		j.Status = store.JobStatusCancelled
		j.FinishedAt = &now
	}
	c := *j
	return &c, nil
}

func (s *Store) ReleaseJobsForAgent(ctx context.Context, agentID int64) ([]*store.Job, error) {
	s.mu.Lock()
	var held []int64
	for id, j := range s.jobs {
		if j.AssignedAgentID != nil && *j.AssignedAgentID == agentID &&
			(j.Status == store.JobStatusAssigned || j.Status == store.JobStatusRunning) {
			held = append(held, id)
		}
	}
	s.mu.Unlock()

	var released []*store.Job
	for _, id := range held {
		j, err := s.FailJob(ctx, id, agentID, "agent went offline")
		if err != nil {
			return nil, err
		}
		released = append(released, j)
	}
	return released, nil
}

func (s *Store) FindLastCompletedResult(ctx context.Context, tenantID int64, tool, collectionGUID string) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *store.Job
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.Tool == tool && j.CollectionGUID == collectionGUID && j.Status == store.JobStatusCompleted {
			if best == nil || (j.FinishedAt != nil && best.FinishedAt != nil && j.FinishedAt.After(*best.FinishedAt)) {
				best = j
			}
		}
	}
	if best == nil {
		return nil, trace.NotFound("no completed job found")
	}
	c := *best
	return &c, nil
}

// --- api tokens ---

func (s *Store) CreateApiTokenRecord(ctx context.Context, t *store.ApiToken) (*store.ApiToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *t
	out.ID = s.id()
	out.GUID = ids.New(ids.ApiToken)
	out.Active = true
	out.CreatedAt = time.Now()
	s.apiTokens[out.ID] = &out
	c := out
	return &c, nil
}

func (s *Store) GetApiTokenByHash(ctx context.Context, hash string) (*store.ApiToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.apiTokens {
		if t.HashedToken == hash {
			c := *t
			return &c, nil
		}
	}
	return nil, trace.NotFound("api token not found")
}

func (s *Store) TouchApiTokenLastUsed(ctx context.Context, tokenID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.apiTokens[tokenID]
	if !ok {
		return trace.NotFound("api token %d not found", tokenID)
	}
	now := time.Now()
	t.LastUsedAt = &now
	return nil
}

func (s *Store) ListApiTokens(ctx context.Context, tenantID int64) ([]*store.ApiToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.ApiToken
	for _, t := range s.apiTokens {
		if t.TenantID == tenantID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) RevokeApiToken(ctx context.Context, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.apiTokens {
		if t.GUID == guid {
			t.Active = false
			return nil
		}
	}
	return trace.NotFound("api token %q not found", guid)
}

// --- cameras ---

func (s *Store) UpsertCameras(ctx context.Context, tenantID int64, externalIDs []string) ([]*store.Camera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ext := range externalIDs {
		found := false
		for _, c := range s.cameras {
			if c.TenantID == tenantID && c.ExternalID == ext {
				found = true
				break
			}
		}
		if !found {
			c := &store.Camera{
				ID:         s.id(),
				GUID:       ulid.MustNew(ulid.Now(), rand.Reader).String(),
				TenantID:   tenantID,
				ExternalID: ext,
				Status:     "TEMPORARY",
				CreatedAt:  time.Now(),
			}
			s.cameras[c.ID] = c
		}
	}
	var out []*store.Camera
	want := make(map[string]bool, len(externalIDs))
	for _, e := range externalIDs {
		want[e] = true
	}
	for _, c := range s.cameras {
		if c.TenantID == tenantID && want[c.ExternalID] {
			cc := *c
			out = append(out, &cc)
		}
	}
	return out, nil
}
