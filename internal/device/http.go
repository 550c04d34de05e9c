package device

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia/internal/protocol"
)

// routes mounts the REST mirror of the device and command ops.
func (m *Manager) routes(r chi.Router) {
	r.Get("/devices", m.httpListDevices)
	r.Get("/devices/{deviceID}", m.httpGetDevice)
	r.Post("/commands", m.httpSubmitCommand)
	r.Get("/commands/{commandID}", m.httpGetCommand)
	r.Post("/commands/{commandID}/cancel", m.httpCancelCommand)
}

func (m *Manager) httpListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := protocol.DeviceFilter{
		DeviceType: q.Get("device_type"),
		Room:       q.Get("room"),
		Capability: q.Get("capability"),
		Status:     q.Get("status"),
	}
	list := m.reg.List(f)
	respondJSON(w, http.StatusOK, protocol.DeviceListResult{Devices: list, Count: len(list)})
}

func (m *Manager) httpGetDevice(w http.ResponseWriter, r *http.Request) {
	rec, err := m.reg.Get(chi.URLParam(r, "deviceID"))
	if err != nil {
		respondError(w, mapError(err))
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (m *Manager) httpSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var cr protocol.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&cr); err != nil {
		respondError(w, protocol.NewError(protocol.CodeValidationFailed, "malformed body: "+err.Error()))
		return
	}
	if cr.Source == "" {
		cr.Source = "http"
	}
	receipt, err := m.disp.Submit(r.Context(), cr)
	if err != nil {
		respondError(w, mapError(err))
		return
	}
	respondJSON(w, http.StatusAccepted, receipt)
}

func (m *Manager) httpGetCommand(w http.ResponseWriter, r *http.Request) {
	st, err := m.disp.Get(chi.URLParam(r, "commandID"))
	if err != nil {
		respondError(w, mapError(err))
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (m *Manager) httpCancelCommand(w http.ResponseWriter, r *http.Request) {
	st, err := m.disp.Cancel(r.Context(), chi.URLParam(r, "commandID"), "http_cancel")
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
