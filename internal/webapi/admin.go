package webapi

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/auth"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/registration"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// --- release manifests ---

type createManifestRequest struct {
	Version   string   `json:"version"`
	Platforms []string `json:"platforms"`
	Checksum  string   `json:"checksum"`
	Notes     string   `json:"notes,omitempty"`
	Artifacts []struct {
		Platform  string `json:"platform"`
		Filename  string `json:"filename"`
		Checksum  string `json:"checksum"`
		SizeBytes *int64 `json:"size_bytes,omitempty"`
	} `json:"artifacts,omitempty"`
}

const manifestRetentionPerPlatform = 3

func (h *Handler) handleCreateManifest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	var req createManifestRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Version == "" || req.Checksum == "" || len(req.Platforms) == 0 {
		return apierr.New(apierr.ValidationError, "version, checksum, and at least one platform are required")
	}
	artifacts := make([]*store.ReleaseArtifact, 0, len(req.Artifacts))
	for _, a := range req.Artifacts {
		artifacts = append(artifacts, &store.ReleaseArtifact{
			Platform: a.Platform, Filename: a.Filename, Checksum: a.Checksum, SizeBytes: a.SizeBytes,
		})
	}
	manifest, err := h.Store.CreateManifestWithRetention(r.Context(), &store.ReleaseManifest{
		Version: req.Version, Platforms: req.Platforms, Checksum: req.Checksum, Notes: req.Notes, Active: true,
	}, artifacts, manifestRetentionPerPlatform)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, manifest)
	return nil
}

func (h *Handler) handleListManifests(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	manifests, err := h.Store.ListManifests(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, manifests)
	return nil
}

type manifestDetail struct {
	*store.ReleaseManifest
	Artifacts []*store.ReleaseArtifact `json:"artifacts"`
}

func (h *Handler) handleGetManifest(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	manifest, artifacts, err := h.Store.GetManifest(r.Context(), p.ByName("guid"))
	if err != nil {
		return apierr.New(apierr.NotFound, "manifest not found")
	}
	writeJSON(w, http.StatusOK, manifestDetail{ReleaseManifest: manifest, Artifacts: artifacts})
	return nil
}

func (h *Handler) handleDeleteManifest(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	if err := h.Store.DeleteManifest(r.Context(), p.ByName("guid")); err != nil {
		return apierr.New(apierr.NotFound, "manifest not found")
	}
	noContent(w)
	return nil
}

// --- tenants ("teams") ---

type createTenantRequest struct {
	Name string `json:"name"`
}

func (h *Handler) handleCreateTenant(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Name == "" {
		return apierr.New(apierr.ValidationError, "name is required")
	}
	tenant, err := h.Store.CreateTenant(r.Context(), req.Name)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, tenant)
	return nil
}

func (h *Handler) handleListTenants(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	tenants, err := h.Store.ListTenants(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, tenants)
	return nil
}

func (h *Handler) handleDeactivateTenant(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	if err := h.Store.DeactivateTenant(r.Context(), p.ByName("guid")); err != nil {
		return apierr.New(apierr.NotFound, "tenant not found")
	}
	noContent(w)
	return nil
}

// --- registration tokens ---

type createRegistrationTokenRequest struct {
	TenantGUID string `json:"tenant_guid"`
	Name       string `json:"name,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type createRegistrationTokenResponse struct {
	GUID  string `json:"guid"`
	Token string `json:"token"`
}

func (h *Handler) handleCreateRegistrationToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return errUnauthenticated
	}
	var req createRegistrationTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	tenant, err := h.Store.GetTenant(r.Context(), req.TenantGUID)
	if err != nil {
		return apierr.New(apierr.NotFound, "tenant not found")
	}
	var ttl time.Duration
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	tok, raw, err := h.Registration.CreateToken(r.Context(), registration.CreateTokenRequest{
		TenantID: tenant.ID, CreatorUserID: id.User.ID, Name: req.Name, TTL: ttl,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, createRegistrationTokenResponse{GUID: tok.GUID, Token: raw})
	return nil
}

func (h *Handler) handleListRegistrationTokens(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	tenantGUID := r.URL.Query().Get("tenant_guid")
	tenant, err := h.Store.GetTenant(r.Context(), tenantGUID)
	if err != nil {
		return apierr.New(apierr.NotFound, "tenant not found")
	}
	toks, err := h.Store.ListRegistrationTokens(r.Context(), tenant.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toks)
	return nil
}

func (h *Handler) handleDeleteRegistrationToken(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	if err := h.Store.DeleteRegistrationToken(r.Context(), p.ByName("guid")); err != nil {
		return apierr.New(apierr.NotFound, "registration token not found")
	}
	noContent(w)
	return nil
}

// --- agents ---

func (h *Handler) handleListAgents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	tenantGUID := r.URL.Query().Get("tenant_guid")
	tenant, err := h.Store.GetTenant(r.Context(), tenantGUID)
	if err != nil {
		return apierr.New(apierr.NotFound, "tenant not found")
	}
	// §4.2: list-agents is itself a sweep trigger, so stale agents are
	// reflected as OFFLINE in the same response that reports them.
	if _, err := h.Liveness.Sweep(r.Context()); err != nil {
		h.Log.WithError(err).Warn("offline sweep failed during list-agents")
	}
	agents, err := h.Store.ListAgents(r.Context(), tenant.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, agents)
	return nil
}

type revokeAgentRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleRevokeAgent(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	var req revokeAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	agent, err := h.Store.RevokeAgent(r.Context(), p.ByName("guid"), req.Reason)
	if err != nil {
		return apierr.New(apierr.NotFound, "agent not found")
	}
	if _, err := h.Liveness.Disconnect(r.Context(), agent.ID); err != nil {
		h.Log.WithError(err).Warn("failed to release jobs after revoking agent")
	}
	writeJSON(w, http.StatusOK, agent)
	return nil
}

// --- jobs ---

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	tenantGUID := r.URL.Query().Get("tenant_guid")
	tenant, err := h.Store.GetTenant(r.Context(), tenantGUID)
	if err != nil {
		return apierr.New(apierr.NotFound, "tenant not found")
	}
	jobs, err := h.Store.ListJobs(r.Context(), tenant.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, jobs)
	return nil
}

func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return errUnauthenticated
	}
	job, err := h.Store.GetJobByGUID(r.Context(), id.TenantID, p.ByName("guid"))
	if err != nil {
		return apierr.New(apierr.NotFound, "job not found")
	}
	cancelled, err := h.Jobs.Cancel(r.Context(), job.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, cancelled)
	return nil
}

// --- API tokens ---

type issueAPITokenRequest struct {
	TenantGUID string   `json:"tenant_guid"`
	Scopes     []string `json:"scopes,omitempty"`
}

type issueAPITokenResponse struct {
	GUID  string `json:"guid"`
	Token string `json:"token"`
}

func (h *Handler) handleIssueAPIToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return errUnauthenticated
	}
	var req issueAPITokenRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	tenant, err := h.Store.GetTenant(r.Context(), req.TenantGUID)
	if err != nil {
		return apierr.New(apierr.NotFound, "tenant not found")
	}

	suffix, err := randomSuffix(8)
	if err != nil {
		return err
	}
	systemUser, err := h.Store.CreateUser(r.Context(), &store.User{
		Email:       "apitoken-" + suffix + "@system.local",
		DisplayName: "API Token",
		TenantID:    tenant.ID,
		Kind:        store.UserKindSystem,
		Active:      true,
		Status:      store.UserStatusActive,
	})
	if err != nil {
		return err
	}

	tok, raw, err := h.Gate.IssueAPIToken(r.Context(), id.User.ID, tenant.ID, systemUser.ID, req.Scopes, 0)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, issueAPITokenResponse{GUID: tok.GUID, Token: raw})
	return nil
}

func (h *Handler) handleListAPITokens(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	tenantGUID := r.URL.Query().Get("tenant_guid")
	tenant, err := h.Store.GetTenant(r.Context(), tenantGUID)
	if err != nil {
		return apierr.New(apierr.NotFound, "tenant not found")
	}
	toks, err := h.Store.ListApiTokens(r.Context(), tenant.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toks)
	return nil
}

func (h *Handler) handleRevokeAPIToken(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	if err := h.Store.RevokeApiToken(r.Context(), p.ByName("guid")); err != nil {
		return apierr.New(apierr.NotFound, "api token not found")
	}
	noContent(w)
	return nil
}
