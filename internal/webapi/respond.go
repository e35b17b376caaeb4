package webapi

import (
	"encoding/json"
	"net/http"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
)

// errorBody is the §6 wire shape for every non-2xx response:
// `{detail: string}` with the HTTP status conveying the kind.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates a domain error into the §7 status/detail body.
// Internal errors never echo the underlying cause to the client; the
// caller is expected to have already logged err with its stack context.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apierr.Status(err), errorBody{Detail: apierr.Detail(err)})
}

func noContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return apierr.New(apierr.ValidationError, "malformed request body: %v", err)
	}
	return nil
}
