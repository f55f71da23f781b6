package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"iiot-gateway/internal/oee"
)

// HandleCalculateOEE computes OEE for a machine, over the last 24 hours
// unless from/to are given.
func (h *APIHandler) HandleCalculateOEE(w http.ResponseWriter, r *http.Request) {
	machineID, err := requiredQuery(r, "machineId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.now().UTC()
	from, to, err := parseWindow(r, now.Add(-oee.DefaultRefreshWindow), now)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.OEE.ComputeOEE(r.Context(), machineID, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) HandleListProductionRuns(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseWindow(r, time.Time{}, time.Time{})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	runs, err := h.OEE.ListProductionRuns(r.Context(), r.URL.Query().Get("machineId"), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(runs))
}

func (h *APIHandler) HandleRecordProductionRun(w http.ResponseWriter, r *http.Request) {
	var in oee.ProductionRunInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	run, err := h.OEE.RecordProductionRun(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *APIHandler) HandleListDowntime(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseWindow(r, time.Time{}, time.Time{})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := h.OEE.ListDowntimeEvents(r.Context(), r.URL.Query().Get("machineId"), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(events))
}

func (h *APIHandler) HandleOpenDowntime(w http.ResponseWriter, r *http.Request) {
	var in oee.DowntimeInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	ev, err := h.OEE.OpenDowntimeEvent(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (h *APIHandler) HandleResolveDowntime(w http.ResponseWriter, r *http.Request) {
	ev, err := h.OEE.ResolveDowntimeEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *APIHandler) HandleListDefects(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseWindow(r, time.Time{}, time.Time{})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defects, err := h.OEE.ListDefects(r.Context(), r.URL.Query().Get("machineId"), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(defects))
}

func (h *APIHandler) HandleRecordDefect(w http.ResponseWriter, r *http.Request) {
	var in oee.DefectInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	d, err := h.OEE.RecordDefect(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *APIHandler) HandleGenerateSampleData(w http.ResponseWriter, r *http.Request) {
	machineID, err := requiredQuery(r, "machineId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	days := oee.DefaultSampleDays
	if v := r.URL.Query().Get("days"); v != "" {
		days, err = strconv.Atoi(v)
		if err != nil || days < 1 || days > 365 {
			h.writeError(w, r, badRequest("days must be between 1 and 365", err))
			return
		}
	}
	summary, err := h.OEE.GenerateSampleData(r.Context(), machineID, days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (h *APIHandler) HandleClearData(w http.ResponseWriter, r *http.Request) {
	machineID, err := requiredQuery(r, "machineId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.OEE.ClearMachineData(r.Context(), machineID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "machineId": machineID})
}
