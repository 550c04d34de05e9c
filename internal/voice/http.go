package voice

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia/internal/protocol"
)

// routes mounts the REST mirror of the session ops.
func (o *Orchestrator) routes(r chi.Router) {
	r.Get("/sessions", o.httpListSessions)
	r.Get("/sessions/{sessionID}", o.httpGetSession)
	r.Post("/sessions/{sessionID}/cancel", o.httpCancelSession)
}

func (o *Orchestrator) httpListSessions(w http.ResponseWriter, r *http.Request) {
	f := protocol.SessionFilter{State: r.URL.Query().Get("state")}
	list := o.store.List(f)
	respondJSON(w, http.StatusOK, protocol.SessionListResult{Sessions: list, Count: len(list)})
}

func (o *Orchestrator) httpGetSession(w http.ResponseWriter, r *http.Request) {
	st, err := o.store.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, mapError(err))
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (o *Orchestrator) httpCancelSession(w http.ResponseWriter, r *http.Request) {
	st, err := o.cancelSession(r.Context(), chi.URLParam(r, "sessionID"), "http_cancel")
	if err != nil {
		respondError(w, mapError(err))
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, perr *protocol.ErrorPayload) {
	respondJSON(w, protocol.HTTPStatus(perr.Code), perr)
}
