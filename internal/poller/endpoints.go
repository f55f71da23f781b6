package poller

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"iiot-gateway/internal/apperr"
	"iiot-gateway/internal/data"
	"iiot-gateway/internal/keylock"
	"iiot-gateway/internal/storage"
)

// Defaults fill in endpoint fields a client leaves out.
type Defaults struct {
	Port         int
	BaudRate     int
	DataBits     int
	StopBits     int
	Parity       string
	UnitID       int
	StartAddress int
	Quantity     int
}

func StandardDefaults() Defaults {
	return Defaults{
		Port:         502,
		BaudRate:     9600,
		DataBits:     8,
		StopBits:     1,
		Parity:       "none",
		UnitID:       1,
		StartAddress: 0,
		Quantity:     10,
	}
}

// EndpointInput is a create request or a partial update. Nil fields are left
// at their default or current value.
type EndpointInput struct {
	Name         *string         `json:"name"`
	MachineID    *string         `json:"machineId"`
	Transport    *data.Transport `json:"transport"`
	Host         *string         `json:"host"`
	Port         *int            `json:"port"`
	SerialPort   *string         `json:"serialPort"`
	BaudRate     *int            `json:"baudRate"`
	DataBits     *int            `json:"dataBits"`
	StopBits     *int            `json:"stopBits"`
	Parity       *string         `json:"parity"`
	UnitID       *int            `json:"unitId"`
	StartAddress *int            `json:"startAddress"`
	Quantity     *int            `json:"quantity"`
	Enabled      *bool           `json:"enabled"`
}

// Endpoints keeps persisted endpoint configs and the running tasks in step.
type Endpoints struct {
	store    storage.EndpointStore
	poller   *Poller
	defaults Defaults
	logger   *slog.Logger
	now      func() time.Time

	// ids serializes Update and Delete of the same endpoint.
	ids keylock.Map
}

func NewEndpoints(store storage.EndpointStore, p *Poller, defaults Defaults, logger *slog.Logger) *Endpoints {
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoints{
		store:    store,
		poller:   p,
		defaults: defaults,
		logger:   logger.With("component", "endpoints"),
		now:      time.Now,
	}
}

// Create stores a new endpoint and starts polling it when enabled. A failed
// first connection is logged; the config is kept.
func (e *Endpoints) Create(ctx context.Context, in EndpointInput) (data.DeviceEndpoint, error) {
	d := e.defaults
	now := e.now().UTC()
	ep := data.DeviceEndpoint{
		ID:           uuid.NewString(),
		Transport:    data.TransportTCP,
		Port:         d.Port,
		BaudRate:     d.BaudRate,
		DataBits:     d.DataBits,
		StopBits:     d.StopBits,
		Parity:       d.Parity,
		UnitID:       d.UnitID,
		StartAddress: d.StartAddress,
		Quantity:     d.Quantity,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	in.apply(&ep)
	if ep.Name == "" {
		ep.Name = ep.MachineID
	}
	if err := validate(ep); err != nil {
		return data.DeviceEndpoint{}, err
	}
	if err := e.store.SaveEndpoint(ctx, ep); err != nil {
		return data.DeviceEndpoint{}, apperr.Persistence("endpoints.Create", err)
	}
	e.logger.Info("device endpoint created", "endpoint_id", ep.ID, "machine_id", ep.MachineID)
	e.startIfEnabled(ctx, ep)
	return ep, nil
}

// Update stops the endpoint's task, merges the patch, persists and restarts
// only if the result is enabled.
func (e *Endpoints) Update(ctx context.Context, id string, in EndpointInput) (data.DeviceEndpoint, error) {
	unlock := e.ids.Lock(id)
	defer unlock()

	ep, err := e.store.GetEndpoint(ctx, id)
	if err != nil {
		return data.DeviceEndpoint{}, err
	}
	in.apply(&ep)
	if err := validate(ep); err != nil {
		return data.DeviceEndpoint{}, err
	}

	e.poller.Stop(id)
	ep.UpdatedAt = e.now().UTC()
	if err := e.store.SaveEndpoint(ctx, ep); err != nil {
		return data.DeviceEndpoint{}, apperr.Persistence("endpoints.Update", err)
	}
	e.logger.Info("device endpoint updated", "endpoint_id", ep.ID, "enabled", ep.Enabled)
	e.startIfEnabled(ctx, ep)
	return ep, nil
}

// Delete stops polling and removes the endpoint.
func (e *Endpoints) Delete(ctx context.Context, id string) error {
	unlock := e.ids.Lock(id)
	defer unlock()

	if _, err := e.store.GetEndpoint(ctx, id); err != nil {
		return err
	}
	e.poller.Stop(id)
	if err := e.store.DeleteEndpoint(ctx, id); err != nil {
		return apperr.Persistence("endpoints.Delete", err)
	}
	e.logger.Info("device endpoint deleted", "endpoint_id", id)
	return nil
}

func (e *Endpoints) Get(ctx context.Context, id string) (data.DeviceEndpoint, error) {
	return e.store.GetEndpoint(ctx, id)
}

func (e *Endpoints) List(ctx context.Context) ([]data.DeviceEndpoint, error) {
	eps, err := e.store.ListEndpoints(ctx, false)
	if err != nil {
		return nil, apperr.Persistence("endpoints.List", err)
	}
	return eps, nil
}

// Active returns the configs of endpoints with a running task.
func (e *Endpoints) Active(ctx context.Context) ([]data.DeviceEndpoint, error) {
	ids := e.poller.Active()
	out := make([]data.DeviceEndpoint, 0, len(ids))
	for _, id := range ids {
		ep, err := e.store.GetEndpoint(ctx, id)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, apperr.Persistence("endpoints.Active", err)
		}
		out = append(out, ep)
	}
	return out, nil
}

func (e *Endpoints) startIfEnabled(ctx context.Context, ep data.DeviceEndpoint) {
	if !ep.Enabled {
		return
	}
	if err := e.poller.Start(ctx, ep); err != nil {
		e.logger.Warn("endpoint saved but polling not started", "endpoint_id", ep.ID, "error", err)
	}
}

func (in EndpointInput) apply(ep *data.DeviceEndpoint) {
	if in.Name != nil {
		ep.Name = strings.TrimSpace(*in.Name)
	}
	if in.MachineID != nil {
		ep.MachineID = strings.TrimSpace(*in.MachineID)
	}
	if in.Transport != nil {
		ep.Transport = data.Transport(strings.ToUpper(string(*in.Transport)))
	}
	if in.Host != nil {
		ep.Host = strings.TrimSpace(*in.Host)
	}
	if in.Port != nil {
		ep.Port = *in.Port
	}
	if in.SerialPort != nil {
		ep.SerialPort = strings.TrimSpace(*in.SerialPort)
	}
	if in.BaudRate != nil {
		ep.BaudRate = *in.BaudRate
	}
	if in.DataBits != nil {
		ep.DataBits = *in.DataBits
	}
	if in.StopBits != nil {
		ep.StopBits = *in.StopBits
	}
	if in.Parity != nil {
		ep.Parity = strings.ToLower(*in.Parity)
	}
	if in.UnitID != nil {
		ep.UnitID = *in.UnitID
	}
	if in.StartAddress != nil {
		ep.StartAddress = *in.StartAddress
	}
	if in.Quantity != nil {
		ep.Quantity = *in.Quantity
	}
	if in.Enabled != nil {
		ep.Enabled = *in.Enabled
	}
}

func validate(ep data.DeviceEndpoint) error {
	const op = "endpoints.validate"
	if ep.MachineID == "" {
		return apperr.InvalidEvent(op, "machineId is required")
	}
	switch ep.Transport {
	case data.TransportTCP:
		if ep.Host == "" {
			return apperr.InvalidEvent(op, "host is required for TCP endpoints")
		}
		if ep.Port < 1 || ep.Port > 65535 {
			return apperr.InvalidEvent(op, "port %d out of range", ep.Port)
		}
	case data.TransportRTU:
		if ep.SerialPort == "" {
			return apperr.InvalidEvent(op, "serialPort is required for RTU endpoints")
		}
		if ep.BaudRate <= 0 {
			return apperr.InvalidEvent(op, "baudRate must be positive")
		}
		if ep.DataBits < 5 || ep.DataBits > 8 {
			return apperr.InvalidEvent(op, "dataBits %d out of range", ep.DataBits)
		}
		if ep.StopBits != 1 && ep.StopBits != 2 {
			return apperr.InvalidEvent(op, "stopBits must be 1 or 2")
		}
		switch ep.Parity {
		case "none", "even", "odd":
		default:
			return apperr.InvalidEvent(op, "unknown parity %q", ep.Parity)
		}
	default:
		return apperr.InvalidEvent(op, "unknown transport %q", ep.Transport)
	}
	if ep.UnitID < 0 || ep.UnitID > 247 {
		return apperr.InvalidEvent(op, "unitId %d out of range", ep.UnitID)
	}
	if ep.StartAddress < 0 || ep.StartAddress > 65535 {
		return apperr.InvalidEvent(op, "startAddress %d out of range", ep.StartAddress)
	}
	if ep.Quantity < 2 || ep.Quantity > 125 {
		return apperr.InvalidEvent(op, "quantity must be between 2 and 125")
	}
	return nil
}
