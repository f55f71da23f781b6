// Package api exposes the gateway over HTTP: the device ingest endpoint and
// the dashboard API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"iiot-gateway/internal/auth"
	"iiot-gateway/internal/data"
	"iiot-gateway/internal/metrics"
	"iiot-gateway/internal/oee"
	"iiot-gateway/internal/poller"
	"iiot-gateway/internal/storage"
)

const (
	maxBodyBytes = 1 << 20
	sourceHTTP   = "http"
)

type Ingester interface {
	HandlePayload(ctx context.Context, payload []byte, contentType, source string) error
}

type Machines interface {
	Get(ctx context.Context, id string) (data.Machine, error)
	List(ctx context.Context) ([]data.Machine, error)
}

type Alerts interface {
	List(ctx context.Context, machineID string, resolved *bool) ([]data.Alert, error)
	Resolve(ctx context.Context, id string) (data.Alert, error)
}

type OEE interface {
	ComputeOEE(ctx context.Context, machineID string, from, to time.Time) (data.OEEResult, error)
	RecordProductionRun(ctx context.Context, in oee.ProductionRunInput) (data.ProductionRun, error)
	ListProductionRuns(ctx context.Context, machineID string, from, to time.Time) ([]data.ProductionRun, error)
	OpenDowntimeEvent(ctx context.Context, in oee.DowntimeInput) (data.DowntimeEvent, error)
	ResolveDowntimeEvent(ctx context.Context, id string) (data.DowntimeEvent, error)
	ListDowntimeEvents(ctx context.Context, machineID string, from, to time.Time) ([]data.DowntimeEvent, error)
	RecordDefect(ctx context.Context, in oee.DefectInput) (data.QualityDefect, error)
	ListDefects(ctx context.Context, machineID string, from, to time.Time) ([]data.QualityDefect, error)
	GenerateSampleData(ctx context.Context, machineID string, days int) (oee.SampleSummary, error)
	ClearMachineData(ctx context.Context, machineID string) error
}

type Endpoints interface {
	Create(ctx context.Context, in poller.EndpointInput) (data.DeviceEndpoint, error)
	Update(ctx context.Context, id string, in poller.EndpointInput) (data.DeviceEndpoint, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (data.DeviceEndpoint, error)
	List(ctx context.Context) ([]data.DeviceEndpoint, error)
	Active(ctx context.Context) ([]data.DeviceEndpoint, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the HTTP handlers.
type Deps struct {
	Ingest    Ingester
	Machines  Machines
	Readings  storage.ReadingStore
	Alerts    Alerts
	OEE       OEE
	Endpoints Endpoints
	Store     Pinger
	Tracker   *metrics.Tracker
	Auth      *auth.Manager
	Live      http.Handler // websocket upgrade
	Logger    *slog.Logger
}

type APIHandler struct {
	Deps
	logger *slog.Logger
	now    func() time.Time
}

func NewAPIHandler(d Deps) *APIHandler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{Deps: d, logger: logger.With("component", "api"), now: time.Now}
}

// HandleDataIngest accepts one reading from a device or translator.
func (h *APIHandler) HandleDataIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, badRequest("cannot read request body", err))
		return
	}
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err := h.Ingest.HandlePayload(r.Context(), body, contentType, sourceHTTP); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *APIHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		h.writeError(w, r, badRequest("username and password are required", nil))
		return
	}
	token, expires, user, err := h.Auth.Login(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		h.writeError(w, r, unauthorized(err.Error()))
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expires.UTC(),
		"username":  user.Username,
		"role":      user.Role,
	})
}

func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, storeState, code := "ok", "ok", http.StatusOK
	if err := h.Store.Ping(ctx); err != nil {
		status, storeState, code = "degraded", err.Error(), http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"storage":   storeState,
		"timestamp": h.now().UTC(),
	})
}

func (h *APIHandler) HandlePerformance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Tracker.Snapshot())
}

func (h *APIHandler) HandleListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := h.Machines.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(machines))
}

func (h *APIHandler) HandleGetMachine(w http.ResponseWriter, r *http.Request) {
	m, err := h.Machines.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleListReadings returns at most 1000 readings, newest first.
func (h *APIHandler) HandleListReadings(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseWindow(r, time.Time{}, time.Time{})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit := storage.MaxReadings
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, r, badRequest("limit must be a positive integer", err))
			return
		}
		limit = min(n, storage.MaxReadings)
	}
	readings, err := h.Readings.ListReadings(r.Context(), storage.Query{
		MachineID: r.URL.Query().Get("machineId"),
		From:      from,
		To:        to,
		Limit:     limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(readings))
}

func (h *APIHandler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	var resolved *bool
	if v := r.URL.Query().Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, badRequest("resolved must be true or false", err))
			return
		}
		resolved = &b
	}
	alerts, err := h.Alerts.List(r.Context(), r.URL.Query().Get("machineId"), resolved)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(alerts))
}

func (h *APIHandler) HandleResolveAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.Alerts.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return badRequest("malformed JSON body", err)
	}
	return nil
}

// parseWindow reads from/to query parameters as RFC 3339 timestamps or
// plain dates, falling back to the given defaults.
func parseWindow(r *http.Request, defFrom, defTo time.Time) (time.Time, time.Time, error) {
	from, err := parseTimeParam(r, "from", defFrom)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseTimeParam(r, "to", defTo)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return time.Time{}, time.Time{}, badRequest("from must not be after to", nil)
	}
	return from, to, nil
}

func parseTimeParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, badRequest(name+" is not a valid timestamp", nil)
}

func requiredQuery(r *http.Request, name string) (string, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return "", badRequest(name+" query parameter is required", nil)
	}
	return v, nil
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
