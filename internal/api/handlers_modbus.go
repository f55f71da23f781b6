package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"iiot-gateway/internal/poller"
)

func (h *APIHandler) HandleListEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := h.Endpoints.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(eps))
}

func (h *APIHandler) HandleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := h.Endpoints.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (h *APIHandler) HandleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var in poller.EndpointInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	ep, err := h.Endpoints.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

func (h *APIHandler) HandleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	var in poller.EndpointInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	ep, err := h.Endpoints.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (h *APIHandler) HandleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := h.Endpoints.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) HandleActiveEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := h.Endpoints.Active(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(eps))
}
