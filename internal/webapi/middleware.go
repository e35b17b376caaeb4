package webapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/auth"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/metrics"
)

// requestIDHeader carries a correlation id a client can quote back when
// reporting a 500: generated fresh per request, never trusted from input.
const requestIDHeader = "X-Request-Id"

// apiHandle is the shape every route handler is written against: it
// returns an error instead of writing one itself, so every route gets
// identical §7 error-translation behavior from one place.
type apiHandle func(w http.ResponseWriter, r *http.Request, p httprouter.Params) error

// statusRecorder lets wrap() learn the status code a handle wrote
// through writeJSON/noContent without every handler reporting it itself.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (h *Handler) wrap(handle apiHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		requestID := uuid.NewString()
		w.Header().Set(requestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		route := r.URL.Path

		err := handle(rec, r, p)
		status := rec.status
		if err != nil {
			status = apierr.Status(err)
			h.Log.WithError(err).WithFields(map[string]interface{}{
				"path":       route,
				"request_id": requestID,
			}).Warn("request failed")
			writeError(rec, err)
		}

		metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// plain wraps a handler that performs no authentication (registration).
func (h *Handler) plain(handle apiHandle) httprouter.Handle {
	return h.wrap(handle)
}

// authenticated resolves any credential (agent key, API token, or
// session) and attaches it to the request context; it does not further
// restrict which kind of credential is acceptable.
func (h *Handler) authenticated(handle apiHandle) httprouter.Handle {
	return h.wrap(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
		id, err := h.Gate.Authenticate(r)
		if err != nil {
			return err
		}
		ctx := auth.WithIdentity(r.Context(), id)
		return handle(w, r.WithContext(ctx), p)
	})
}

// agentAuth requires an agent API key credential specifically.
func (h *Handler) agentAuth(handle apiHandle) httprouter.Handle {
	return h.wrap(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
		id, err := h.Gate.Authenticate(r)
		if err != nil {
			return err
		}
		if _, err := auth.RequireAgent(id); err != nil {
			return err
		}
		ctx := auth.WithIdentity(r.Context(), id)
		return handle(w, r.WithContext(ctx), p)
	})
}

// adminAuth requires a non-API-token, super-admin session (§4.5 Admin gate).
func (h *Handler) adminAuth(handle apiHandle) httprouter.Handle {
	return h.wrap(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
		id, err := h.Gate.Authenticate(r)
		if err != nil {
			return err
		}
		if err := auth.RequireAdmin(id); err != nil {
			return err
		}
		ctx := auth.WithIdentity(r.Context(), id)
		return handle(w, r.WithContext(ctx), p)
	})
}
