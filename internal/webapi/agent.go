package webapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/auth"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/jobs"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/liveness"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/registration"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

type registerRequest struct {
	Token           string   `json:"token"`
	Name            string   `json:"name"`
	Hostname        string   `json:"hostname"`
	OSInfo          string   `json:"os_info"`
	Capabilities    []string `json:"capabilities"`
	AuthorizedRoots []string `json:"authorized_roots"`
	Version         string   `json:"version"`
	BinaryChecksum  string   `json:"binary_checksum"`
	Platform        string   `json:"platform"`
}

type registerResponse struct {
	GUID   string `json:"guid"`
	APIKey string `json:"api_key"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	res, err := h.Registration.Register(r.Context(), registration.RegisterRequest{
		PlaintextToken:  req.Token,
		Name:            req.Name,
		Hostname:        req.Hostname,
		OSInfo:          req.OSInfo,
		Capabilities:    req.Capabilities,
		AuthorizedRoots: req.AuthorizedRoots,
		Version:         req.Version,
		BinaryChecksum:  req.BinaryChecksum,
		Platform:        req.Platform,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, registerResponse{GUID: res.AgentGUID, APIKey: res.PlaintextKey})
	return nil
}

type heartbeatRequest struct {
	StatusHint      *store.AgentStatus `json:"status_hint,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	Capabilities    []string           `json:"capabilities,omitempty"`
	AuthorizedRoots []string           `json:"authorized_roots,omitempty"`
	Version         string             `json:"version,omitempty"`
	CurrentJobGUID  string             `json:"current_job_guid,omitempty"`
	CurrentProgress []byte             `json:"current_progress,omitempty"`
}

type heartbeatResponse struct {
	Acknowledged bool      `json:"acknowledged"`
	ServerTime   time.Time `json:"server_time"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	id, err := currentAgent(r)
	if err != nil {
		return err
	}
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	_, err = h.Liveness.Heartbeat(r.Context(), liveness.HeartbeatRequest{
		AgentID:         id.Agent.ID,
		StatusHint:      req.StatusHint,
		ErrorMessage:    req.ErrorMessage,
		Capabilities:    req.Capabilities,
		AuthorizedRoots: req.AuthorizedRoots,
		Version:         req.Version,
		CurrentJobGUID:  req.CurrentJobGUID,
		CurrentProgress: req.CurrentProgress,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Acknowledged: true, ServerTime: time.Now().UTC()})
	return nil
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	id, err := currentAgent(r)
	if err != nil {
		return err
	}
	if _, err := h.Liveness.Disconnect(r.Context(), id.Agent.ID); err != nil {
		return err
	}
	noContent(w)
	return nil
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	id, err := currentAgent(r)
	if err != nil {
		return err
	}
	if !id.Agent.Verified {
		return apierr.New(apierr.UnverifiedAgent, "agent is not verified and may not claim work")
	}
	job, err := h.Jobs.ClaimNext(r.Context(), id.TenantID, id.Agent.ID, id.Agent.Capabilities, id.Agent.AuthorizedRoots)
	if err != nil {
		return err
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	writeJSON(w, http.StatusOK, job)
	return nil
}

func (h *Handler) jobByGUIDOwnedByCaller(r *http.Request, guid string) (*store.Job, *auth.Identity, error) {
	id, err := currentAgent(r)
	if err != nil {
		return nil, nil, err
	}
	job, err := h.Store.GetJobByGUID(r.Context(), id.TenantID, guid)
	if err != nil {
		return nil, nil, apierr.New(apierr.NotFound, "job not found")
	}
	if job.AssignedAgentID == nil || *job.AssignedAgentID != id.Agent.ID {
		return nil, nil, apierr.New(apierr.NotFound, "job not found")
	}
	return job, id, nil
}

type progressRequest struct {
	Progress []byte `json:"progress"`
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	job, id, err := h.jobByGUIDOwnedByCaller(r, p.ByName("guid"))
	if err != nil {
		return err
	}
	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if _, err := h.Jobs.TransitionToRunning(r.Context(), job.ID, id.Agent.ID); err != nil {
		return err
	}
	updated, err := h.Jobs.ReportProgress(r.Context(), job.ID, id.Agent.ID, req.Progress)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, updated)
	return nil
}

type completeRequest struct {
	ResultPayload  map[string]interface{} `json:"result_payload,omitempty"`
	Signature      string                  `json:"signature,omitempty"`
	SharedSecret   string                  `json:"shared_secret,omitempty"`
	NoChange       bool                    `json:"no_change,omitempty"`
	NoChangeRefJob string                  `json:"no_change_ref_job,omitempty"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	job, id, err := h.jobByGUIDOwnedByCaller(r, p.ByName("guid"))
	if err != nil {
		return err
	}
	if job.Status == store.JobStatusCancelled {
		// §4.3: the server accepts any terminal report for a cancelled
		// job from the holding agent but discards its payload.
		writeJSON(w, http.StatusOK, job)
		return nil
	}
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	done, err := h.Jobs.Complete(r.Context(), jobs.CompleteRequest{
		JobID: job.ID, AgentID: id.Agent.ID,
		ResultPayload: req.ResultPayload, Signature: req.Signature, SharedSecret: req.SharedSecret,
		NoChange: req.NoChange, NoChangeRefJob: req.NoChangeRefJob,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, done)
	return nil
}

type failRequest struct {
	ErrorMessage string `json:"error_message"`
}

func (h *Handler) handleFail(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	job, id, err := h.jobByGUIDOwnedByCaller(r, p.ByName("guid"))
	if err != nil {
		return err
	}
	if job.Status == store.JobStatusCancelled {
		writeJSON(w, http.StatusOK, job)
		return nil
	}
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	updated, err := h.Jobs.Fail(r.Context(), job.ID, id.Agent.ID, req.ErrorMessage)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, updated)
	return nil
}

type discoverCamerasRequest struct {
	ExternalIDs []string `json:"external_ids"`
}

func (h *Handler) handleDiscoverCameras(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	id, err := currentAgent(r)
	if err != nil {
		return err
	}
	var req discoverCamerasRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	cams, err := h.Jobs.DiscoverCameras(r.Context(), id.TenantID, req.ExternalIDs)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, cams)
	return nil
}

// connectorInfo is the §6/SPEC_FULL.md `GET /connectors` wire shape: the
// connector GUIDs this tenant's agent fleet has configured, annotated
// with whether any currently-online agent advertises the capability.
type connectorInfo struct {
	GUID      string `json:"guid"`
	Available bool   `json:"available"`
}

func (h *Handler) handleListConnectors(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	id, err := currentAgent(r)
	if err != nil {
		return err
	}
	agents, err := h.Store.ListAgents(r.Context(), id.TenantID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	var out []connectorInfo
	for _, a := range agents {
		for _, c := range a.Capabilities {
			if !strings.HasPrefix(c, "connector:") {
				continue
			}
			guid := strings.TrimPrefix(c, "connector:")
			if !seen[guid] {
				seen[guid] = true
				out = append(out, connectorInfo{GUID: guid})
			}
			if a.Status == store.AgentStatusOnline || a.Status == store.AgentStatusBusy {
				for i := range out {
					if out[i].GUID == guid {
						out[i].Available = true
					}
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

type poolStatusResponse struct {
	Online  int `json:"online"`
	Busy    int `json:"busy"`
	Offline int `json:"offline"`
	Revoked int `json:"revoked"`
}

func (h *Handler) handlePoolStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return apierr.New(apierr.Unauthenticated, "no credentials presented")
	}
	agents, err := h.Store.ListAgents(r.Context(), id.TenantID)
	if err != nil {
		return err
	}
	var resp poolStatusResponse
	for _, a := range agents {
		switch a.Status {
		case store.AgentStatusOnline:
			resp.Online++
		case store.AgentStatusBusy:
			resp.Busy++
		case store.AgentStatusOffline, store.AgentStatusError:
			resp.Offline++
		case store.AgentStatusRevoked:
			resp.Revoked++
		}
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func currentAgent(r *http.Request) (*auth.Identity, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok || id.Kind != auth.PrincipalAgent {
		return nil, apierr.New(apierr.Unauthenticated, "agent api key required")
	}
	return id, nil
}
