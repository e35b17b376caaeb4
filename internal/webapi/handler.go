// Package webapi is the REST and WebSocket boundary (§6): it wires
// internal/auth's Authentication Gate, internal/registration,
// internal/liveness, internal/jobs, and internal/broadcast behind the
// Agent REST API, the Admin REST API, and the two WebSocket streams.
package webapi

import (
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/auth"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/broadcast"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/jobs"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/liveness"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/registration"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// Handler holds every dependency a route needs. One Handler is built at
// startup and shared across all requests; it carries no per-request
// state itself (that lives in httprouter.Params and the request context).
type Handler struct {
	Store        store.Store
	Gate         *auth.Gate
	Registration *registration.Service
	Liveness     *liveness.Tracker
	Jobs         *jobs.Coordinator
	Broadcast    *broadcast.Broadcaster
	Log          logrus.FieldLogger
}

// NewRouter builds the full route table: the Agent REST API under
// /api/agent/v1, the Admin REST API under /api/admin, and the two
// WebSocket streams.
func NewRouter(h *Handler) *httprouter.Router {
	r := httprouter.New()

	r.POST("/api/agent/v1/register", h.plain(h.handleRegister))
	r.POST("/api/agent/v1/heartbeat", h.agentAuth(h.handleHeartbeat))
	r.POST("/api/agent/v1/disconnect", h.agentAuth(h.handleDisconnect))
	r.POST("/api/agent/v1/jobs/claim", h.agentAuth(h.handleClaim))
	r.POST("/api/agent/v1/jobs/:guid/progress", h.agentAuth(h.handleProgress))
	r.POST("/api/agent/v1/jobs/:guid/complete", h.agentAuth(h.handleComplete))
	r.POST("/api/agent/v1/jobs/:guid/fail", h.agentAuth(h.handleFail))
	r.POST("/api/agent/v1/cameras/discover", h.agentAuth(h.handleDiscoverCameras))
	r.GET("/api/agent/v1/connectors", h.agentAuth(h.handleListConnectors))
	r.GET("/api/agent/v1/pool-status", h.authenticated(h.handlePoolStatus))

	r.GET("/ws/pool", h.authenticated(h.handleWSPool))
	r.GET("/ws/jobs", h.authenticated(h.handleWSJobs))

	r.POST("/api/admin/release-manifests", h.adminAuth(h.handleCreateManifest))
	r.GET("/api/admin/release-manifests", h.adminAuth(h.handleListManifests))
	r.GET("/api/admin/release-manifests/:guid", h.adminAuth(h.handleGetManifest))
	r.DELETE("/api/admin/release-manifests/:guid", h.adminAuth(h.handleDeleteManifest))

	r.POST("/api/admin/teams", h.adminAuth(h.handleCreateTenant))
	r.GET("/api/admin/teams", h.adminAuth(h.handleListTenants))
	r.DELETE("/api/admin/teams/:guid", h.adminAuth(h.handleDeactivateTenant))

	r.POST("/api/admin/agent/v1/tokens", h.adminAuth(h.handleCreateRegistrationToken))
	r.GET("/api/admin/agent/v1/tokens", h.adminAuth(h.handleListRegistrationTokens))
	r.DELETE("/api/admin/agent/v1/tokens/:guid", h.adminAuth(h.handleDeleteRegistrationToken))

	r.GET("/api/admin/agent/v1/agents", h.adminAuth(h.handleListAgents))
	r.DELETE("/api/admin/agent/v1/:guid", h.adminAuth(h.handleRevokeAgent))

	r.GET("/api/admin/jobs", h.adminAuth(h.handleListJobs))
	r.POST("/api/admin/jobs/:guid/cancel", h.adminAuth(h.handleCancelJob))

	r.POST("/api/admin/api-tokens", h.adminAuth(h.handleIssueAPIToken))
	r.GET("/api/admin/api-tokens", h.adminAuth(h.handleListAPITokens))
	r.DELETE("/api/admin/api-tokens/:guid", h.adminAuth(h.handleRevokeAPIToken))

	return r
}
