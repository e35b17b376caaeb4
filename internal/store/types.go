// Package store is the authoritative persistence layer: Postgres-backed
// storage for tenants, users, agents, jobs, tokens, and release manifests,
// behind a Store interface so unit tests can swap in an in-memory
// implementation — the same adapter shape the teacher uses for its own
// backend.Backend (memory, etcd, dynamodb, firestore all implement one
// interface; see lib/backend/{firestore,kubernetes}).
package store

import (
	"context"
	"time"
)

// UserKind distinguishes interactive humans from the synthetic identities
// that exist only to give an Agent or ApiToken an audit trail (§3).
type UserKind string

const (
	UserKindHuman  UserKind = "HUMAN"
	UserKindSystem UserKind = "SYSTEM"
)

// UserStatus is the account lifecycle state (§3).
type UserStatus string

const (
	UserStatusPending     UserStatus = "PENDING"
	UserStatusActive      UserStatus = "ACTIVE"
	UserStatusDeactivated UserStatus = "DEACTIVATED"
)

// AgentStatus is the liveness state machine (§4.2).
type AgentStatus string

const (
	AgentStatusOffline AgentStatus = "OFFLINE"
	AgentStatusOnline  AgentStatus = "ONLINE"
	AgentStatusBusy    AgentStatus = "BUSY"
	AgentStatusError   AgentStatus = "ERROR"
	AgentStatusRevoked AgentStatus = "REVOKED"
)

// JobStatus is the job lifecycle (§3, §4.3).
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusAssigned  JobStatus = "ASSIGNED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Tenant is the top-level administrative boundary (§3).
type Tenant struct {
	ID       int64
	GUID     string
	Active   bool
	Name     string
	CreatedAt time.Time
}

// User is a human or system account scoped to a tenant (§3).
type User struct {
	ID          int64
	GUID        string
	Email       string
	DisplayName string
	TenantID    int64
	Kind        UserKind
	Active      bool
	Status      UserStatus
	CreatedAt   time.Time
}

// RegistrationToken is a single-use credential admitting a new Agent (§3).
type RegistrationToken struct {
	ID            int64
	GUID          string
	HashedSecret  string
	TenantID      int64
	CreatorUserID int64
	Name          string
	ExpiresAt     time.Time
	UsedAt        *time.Time
	AgentID       *int64
	CreatedAt     time.Time
}

// ReleaseManifest is an agent-binary allowlist entry (§3). Manifests are
// global: not scoped to a tenant.
type ReleaseManifest struct {
	ID        int64
	GUID      string
	Version   string
	Platforms []string
	Checksum  string
	Active    bool
	Notes     string
	CreatedAt time.Time
}

// ReleaseArtifact is a per-platform file under a manifest (§3).
type ReleaseArtifact struct {
	ID         int64
	GUID       string
	ManifestID int64
	Platform   string
	Filename   string
	Checksum   string
	SizeBytes  *int64
}

// Agent is the unit of execution capacity (§3).
type Agent struct {
	ID                 int64
	GUID               string
	TenantID           int64
	SystemUserID       int64
	CreatorUserID      int64
	Name               string
	Hostname           string
	OSInfo             string
	Status             AgentStatus
	LastHeartbeat       time.Time
	Capabilities       []string
	AuthorizedRoots    []string
	HashedAPIKey       string
	APIKeyPrefix       string
	Version            string
	BinaryChecksum     string
	RevocationReason   string
	RevokedAt          *time.Time
	Verified           bool
	CreatedAt          time.Time
}

// Job is a unit of analysis work (§3).
type Job struct {
	ID                  int64
	GUID                string
	TenantID            int64
	CollectionGUID      string
	// CollectionPath is the collection's filesystem location, denormalized
	// onto the job at creation time since collection CRUD is owned by an
	// external system this coordinator doesn't query. local_filesystem
	// eligibility (§4.3) prefix-matches this against an agent's authorized
	// roots, never CollectionGUID.
	CollectionPath      string
	Tool                string
	Mode                string
	Status              JobStatus
	Priority            int
	RequiredCapabilities []string
	AssignedAgentID     *int64
	RetryCount          int
	RetryLimit          int
	Progress            []byte // opaque JSON, passed through uninterpreted
	ResultRef           string // GUID of a prior COMPLETED job's result, for no_change optimization
	ResultSignature     string
	FailureMessage      string
	CreatedAt           time.Time
	ClaimedAt           *time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
}

// ApiToken is a JWT-backed programmatic-access credential (§3).
type ApiToken struct {
	ID           int64
	GUID         string
	IssuerUserID int64
	TenantID     int64
	SystemUserID int64
	HashedToken  string
	TokenPrefix  string
	Scopes       []string
	ExpiresAt    time.Time
	Active       bool
	LastUsedAt   *time.Time
	CreatedAt    time.Time
}

// Camera is an opaque camera identifier discovered by an agent during job
// execution (camera discovery side-channel, §4.3).
type Camera struct {
	ID        int64
	GUID      string
	TenantID  int64
	ExternalID string
	Status    string // TEMPORARY until promoted by an external collaborator
	CreatedAt time.Time
}

// Store is the full persistence surface the coordinator depends on. All
// multi-step operations that must be atomic (registration, claim,
// manifest retention) are exposed as single methods so the concrete
// implementation can wrap them in one transaction; callers never see
// partial failure.
type Store interface {
	TenantStore
	UserStore
	RegistrationTokenStore
	ManifestStore
	AgentStore
	JobStore
	ApiTokenStore
	CameraStore

	// Close releases underlying connections.
	Close(ctx context.Context) error
}

type TenantStore interface {
	CreateTenant(ctx context.Context, name string) (*Tenant, error)
	GetTenant(ctx context.Context, guid string) (*Tenant, error)
	GetTenantByID(ctx context.Context, id int64) (*Tenant, error)
	DeactivateTenant(ctx context.Context, guid string) error
	ListTenants(ctx context.Context) ([]*Tenant, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, u *User) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByGUID(ctx context.Context, guid string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
}

type RegistrationTokenStore interface {
	CreateRegistrationToken(ctx context.Context, t *RegistrationToken) (*RegistrationToken, string, error)
	GetRegistrationTokenByHash(ctx context.Context, hash string) (*RegistrationToken, error)
	ListRegistrationTokens(ctx context.Context, tenantID int64) ([]*RegistrationToken, error)
	DeleteRegistrationToken(ctx context.Context, guid string) error

	// CompleteRegistration runs the §4.1 step 4-7 sequence — create the
	// SYSTEM user, create the Agent, mark the token used and linked — as
	// one transaction. Partial success is not acceptable per §4.1.
	CompleteRegistration(ctx context.Context, tokenID int64, systemUser *User, agent *Agent) (*Agent, *User, error)
}

type ManifestStore interface {
	// CreateManifestWithRetention creates a manifest and its artifacts and
	// prunes old manifests per platform in the same transaction (§3, §5).
	CreateManifestWithRetention(ctx context.Context, m *ReleaseManifest, artifacts []*ReleaseArtifact, retainPerPlatform int) (*ReleaseManifest, error)
	GetActiveManifestByChecksum(ctx context.Context, checksum string) (*ReleaseManifest, []*ReleaseArtifact, error)
	CountManifests(ctx context.Context) (int, error)
	ListManifests(ctx context.Context) ([]*ReleaseManifest, error)
	GetManifest(ctx context.Context, guid string) (*ReleaseManifest, []*ReleaseArtifact, error)
	DeleteManifest(ctx context.Context, guid string) error
}

type AgentStore interface {
	CreateAgent(ctx context.Context, a *Agent) (*Agent, error)
	GetAgentByGUID(ctx context.Context, tenantID int64, guid string) (*Agent, error)
	GetAgentByAPIKeyHash(ctx context.Context, hash string) (*Agent, error)
	GetAgentByNameIfActive(ctx context.Context, tenantID int64, name string) (*Agent, error)
	ListAgents(ctx context.Context, tenantID int64) ([]*Agent, error)
	// UpdateHeartbeat applies the heartbeat mutation described in §4.2 and
	// returns the updated Agent. Implementations must take a row lock so
	// heartbeats serialize against revoke/delete (§4.2 ordering guarantee).
	UpdateHeartbeat(ctx context.Context, agentID int64, hb HeartbeatUpdate) (*Agent, error)
	SetAgentStatus(ctx context.Context, agentID int64, status AgentStatus) error
	RevokeAgent(ctx context.Context, guid string, reason string) (*Agent, error)
	DeleteAgent(ctx context.Context, guid string) error
	// ListStaleOnlineAgents returns agents in ONLINE/BUSY with last
	// heartbeat before cutoff, for the offline sweep (§4.2).
	ListStaleOnlineAgents(ctx context.Context, cutoff time.Time) ([]*Agent, error)
}

// HeartbeatUpdate carries only the fields a heartbeat may change; nil
// means "leave unchanged" (§4.2), except StatusHint, where nil sets the
// agent ONLINE.
type HeartbeatUpdate struct {
	StatusHint      *AgentStatus
	Capabilities    []string
	AuthorizedRoots []string
	Version         string
}

type JobStore interface {
	CreateJob(ctx context.Context, j *Job) (*Job, error)
	GetJobByGUID(ctx context.Context, tenantID int64, guid string) (*Job, error)
	ListJobs(ctx context.Context, tenantID int64) ([]*Job, error)
	// ClaimNext atomically assigns the highest-priority, oldest eligible
	// PENDING job to agentID. Returns nil, nil when no work is available.
	ClaimNext(ctx context.Context, tenantID, agentID int64, capabilities []string, authorizedRoots []string) (*Job, error)
	// TransitionToRunning is the idempotent ASSIGNED -> RUNNING move (§4.3 step 5).
	TransitionToRunning(ctx context.Context, jobID, agentID int64) (*Job, error)
	ReportProgress(ctx context.Context, jobID, agentID int64, progress []byte) (*Job, error)
	CompleteJob(ctx context.Context, jobID, agentID int64, resultRef string) (*Job, error)
	// FailJob applies the retry policy (§4.3) and returns the updated Job.
	FailJob(ctx context.Context, jobID, agentID int64, message string) (*Job, error)
	CancelJob(ctx context.Context, jobID int64) (*Job, error)
	// ReleaseJobsForAgent applies the retry policy to every ASSIGNED/RUNNING
	// job held by agentID, for the offline sweep and graceful disconnect
	// (§4.2, §4.3). Idempotent: a job already released is left untouched.
	ReleaseJobsForAgent(ctx context.Context, agentID int64) ([]*Job, error)
	// FindLastCompletedResult supports the no-change optimization (§4.3).
	FindLastCompletedResult(ctx context.Context, tenantID int64, tool, collectionGUID string) (*Job, error)
}

type ApiTokenStore interface {
	// CreateApiTokenRecord persists an ApiToken whose HashedToken and
	// TokenPrefix were already computed by the caller (internal/auth owns
	// JWT minting; the store never sees the plaintext token).
	CreateApiTokenRecord(ctx context.Context, t *ApiToken) (*ApiToken, error)
	GetApiTokenByHash(ctx context.Context, hash string) (*ApiToken, error)
	TouchApiTokenLastUsed(ctx context.Context, tokenID int64) error
	ListApiTokens(ctx context.Context, tenantID int64) ([]*ApiToken, error)
	RevokeApiToken(ctx context.Context, guid string) error
}

type CameraStore interface {
	// UpsertCameras is the idempotent camera-discovery upsert (§4.3):
	// missing external IDs are inserted with
	// status TEMPORARY; the full resulting set is returned.
	UpsertCameras(ctx context.Context, tenantID int64, externalIDs []string) ([]*Camera, error)
}
