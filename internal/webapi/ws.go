package webapi

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/auth"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/broadcast"
)

func (h *Handler) handleWSPool(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return errUnauthenticated
	}
	sub, err := h.Broadcast.SubscribePoolStatus(id.TenantID)
	if err != nil {
		return channelFullErr(err)
	}
	broadcast.ServeSubscription(w, r, sub, h.Log)
	return nil
}

func (h *Handler) handleWSJobs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return errUnauthenticated
	}
	sub, err := h.Broadcast.SubscribeAllJobs(id.TenantID)
	if err != nil {
		return channelFullErr(err)
	}
	broadcast.ServeSubscription(w, r, sub, h.Log)
	return nil
}
