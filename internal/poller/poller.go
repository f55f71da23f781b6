// Package poller reads machine telemetry straight from controller registers,
// one polling task per configured device endpoint.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"iiot-gateway/internal/apperr"
	"iiot-gateway/internal/data"
	"iiot-gateway/internal/keylock"
	"iiot-gateway/internal/metrics"
	"iiot-gateway/internal/storage"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultReadTimeout = 5 * time.Second
	SourceModbus       = "modbus"
)

// ErrClosed is returned by Start after StopAll.
var ErrClosed = errors.New("poller is shut down")

// RegisterClient reads holding registers from one device.
type RegisterClient interface {
	ReadHoldingRegisters(ctx context.Context, addr, quantity uint16) ([]uint16, error)
	Close() error
}

// Dialer opens a transport to an endpoint.
type Dialer func(ctx context.Context, ep data.DeviceEndpoint, timeout time.Duration) (RegisterClient, error)

// Ingester accepts decoded readings.
type Ingester interface {
	Ingest(ctx context.Context, raw data.RawReading) error
}

type task struct {
	endpoint data.DeviceEndpoint
	client   RegisterClient
	cancel   context.CancelFunc
	done     chan struct{}
}

// Poller owns the table of running polling tasks.
type Poller struct {
	dial      Dialer
	ingester  Ingester
	endpoints storage.EndpointStore
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time

	keys   keylock.Map
	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

type Config struct {
	Dial        Dialer // defaults to DialModbus
	Ingester    Ingester
	Endpoints   storage.EndpointStore
	Interval    time.Duration
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

func New(cfg Config) *Poller {
	p := &Poller{
		dial:      cfg.Dial,
		ingester:  cfg.Ingester,
		endpoints: cfg.Endpoints,
		interval:  cfg.Interval,
		timeout:   cfg.ReadTimeout,
		logger:    cfg.Logger,
		now:       time.Now,
		tasks:     make(map[string]*task),
	}
	if p.dial == nil {
		p.dial = DialModbus
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.timeout <= 0 {
		p.timeout = DefaultReadTimeout
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "poller")
	return p
}

// Start connects to the endpoint and begins polling it. A task already
// running for the same endpoint is stopped first. On connection failure no
// task is left behind and a TransportFailure is returned.
func (p *Poller) Start(ctx context.Context, ep data.DeviceEndpoint) error {
	unlock := p.keys.Lock(ep.ID)
	defer unlock()

	p.stop(ep.ID)

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	client, err := p.dial(ctx, ep, p.timeout)
	if err != nil {
		metrics.PollErrors.WithLabelValues(ep.ID, "connect").Inc()
		p.logger.Error("endpoint connection failed",
			"endpoint_id", ep.ID,
			"machine_id", ep.MachineID,
			"transport", ep.Transport,
			"error", err)
		return apperr.Transport("poller.Start", fmt.Errorf("connect endpoint %s: %w", ep.ID, err))
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	t := &task{endpoint: ep, client: client, cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		_ = client.Close()
		return ErrClosed
	}
	p.tasks[ep.ID] = t
	metrics.ActivePollers.Set(float64(len(p.tasks)))
	p.mu.Unlock()

	go p.run(taskCtx, t)
	p.logger.Info("polling started",
		"endpoint_id", ep.ID,
		"machine_id", ep.MachineID,
		"interval", p.interval)
	return nil
}

// Stop cancels the endpoint's task, waits for its loop to exit and closes
// the transport. Unknown ids are ignored.
func (p *Poller) Stop(id string) {
	unlock := p.keys.Lock(id)
	defer unlock()
	p.stop(id)
}

func (p *Poller) stop(id string) {
	p.mu.Lock()
	t, ok := p.tasks[id]
	delete(p.tasks, id)
	metrics.ActivePollers.Set(float64(len(p.tasks)))
	p.mu.Unlock()

	if ok {
		p.halt(t)
		p.logger.Info("polling stopped", "endpoint_id", id)
	}
}

func (p *Poller) halt(t *task) {
	t.cancel()
	<-t.done
	if err := t.client.Close(); err != nil {
		p.logger.Warn("closing endpoint transport", "endpoint_id", t.endpoint.ID, "error", err)
	}
}

// StopAll stops every task. Later Start calls fail with ErrClosed.
func (p *Poller) StopAll() {
	p.mu.Lock()
	p.closed = true
	tasks := make([]*task, 0, len(p.tasks))
	for id, t := range p.tasks {
		tasks = append(tasks, t)
		delete(p.tasks, id)
	}
	metrics.ActivePollers.Set(0)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			p.halt(t)
		}(t)
	}
	wg.Wait()
	p.logger.Info("all polling stopped", "tasks", len(tasks))
}

// LoadEnabled starts a task for every enabled endpoint in the store and
// returns how many started. Failures are logged, never returned.
func (p *Poller) LoadEnabled(ctx context.Context) int {
	eps, err := p.endpoints.ListEndpoints(ctx, true)
	if err != nil {
		p.logger.Warn("could not load device endpoints", "error", err)
		return 0
	}
	started := 0
	for _, ep := range eps {
		if err := p.Start(ctx, ep); err == nil {
			started++
		}
	}
	p.logger.Info("device endpoints loaded", "enabled", len(eps), "started", started)
	return started
}

// Active lists the endpoint ids with a running task.
func (p *Poller) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.tasks))
	for id := range p.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Poller) run(ctx context.Context, t *task) {
	defer close(t.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, t)
		}
	}
}

func (p *Poller) poll(ctx context.Context, t *task) {
	ep := t.endpoint
	readCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	regs, err := t.client.ReadHoldingRegisters(readCtx, uint16(ep.StartAddress), uint16(ep.Quantity))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.PollErrors.WithLabelValues(ep.ID, "read").Inc()
		p.logger.Warn("register read failed", "endpoint_id", ep.ID, "machine_id", ep.MachineID, "error", err)
		return
	}

	temp, pressure, status, err := Decode(regs)
	if err != nil {
		metrics.PollErrors.WithLabelValues(ep.ID, "decode").Inc()
		p.logger.Warn("register decode failed", "endpoint_id", ep.ID, "error", err)
		return
	}

	raw := data.RawReading{
		MachineID:   ep.MachineID,
		Temperature: temp,
		Pressure:    pressure,
		Status:      string(status),
		Timestamp:   p.now(),
		Source:      SourceModbus,
		EndpointID:  ep.ID,
	}
	// the router logs its own failures
	_ = p.ingester.Ingest(ctx, raw)
}

// Decode maps the register block to a reading: reg 0 is temperature x10,
// reg 1 pressure x10, reg 2 the status code (1 running, 0 stopped, anything
// else error; running when absent).
func Decode(regs []uint16) (temperature, pressure float64, status data.MachineStatus, err error) {
	if len(regs) < 2 {
		return 0, 0, "", fmt.Errorf("need at least 2 registers, got %d", len(regs))
	}
	temperature = float64(regs[0]) / 10
	pressure = float64(regs[1]) / 10

	code := uint16(1)
	if len(regs) > 2 {
		code = regs[2]
	}
	switch code {
	case 1:
		status = data.StatusRunning
	case 0:
		status = data.StatusStopped
	default:
		status = data.StatusError
	}
	return temperature, pressure, status, nil
}
