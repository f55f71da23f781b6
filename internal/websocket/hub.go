// Package websocket pushes live gateway events to browser dashboards.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"iiot-gateway/internal/data"
	"iiot-gateway/internal/metrics"
	"iiot-gateway/internal/notify"
)

const defaultQueueSize = 1024

// Envelope is the frame sent to clients.
type Envelope struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId,omitempty"`
	Payload   any    `json:"payload"`
}

type outbound struct {
	machineID string
	global    bool // delivered regardless of subscriptions
	frame     []byte
}

type Config struct {
	QueueSize      int
	AllowedOrigins []string // empty or "*" accepts any origin
	Logger         *slog.Logger
}

// Hub tracks connected clients and fans events out to them. The client set is
// owned by the Run goroutine.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	connected  atomic.Int64

	upgrader websocket.Upgrader
	logger   *slog.Logger
}

var _ notify.Sink = (*Hub)(nil)

func NewHub(cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan outbound, cfg.QueueSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     cfg.Logger.With("component", "websocket"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// Run delivers queued events until ctx is cancelled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for c := range h.clients {
			h.drop(c)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.setConnected()
			h.logger.Info("websocket client connected", "remote", c.remote, "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.logger.Info("websocket client disconnected", "remote", c.remote, "clients", len(h.clients))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(msg) {
					continue
				}
				select {
				case c.send <- msg.frame:
				default:
					h.drop(c)
					h.logger.Warn("websocket client too slow, disconnecting", "remote", c.remote)
				}
			}
		}
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
	h.setConnected()
}

func (h *Hub) setConnected() {
	h.connected.Store(int64(len(h.clients)))
	metrics.WebsocketClients.Set(float64(len(h.clients)))
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.connected.Load())
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newClient(h, conn)
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) PublishReading(r data.Reading) {
	h.publish(notify.EventReading, r.MachineID, false, r)
}

func (h *Hub) PublishAlert(a data.Alert) {
	h.publish(notify.EventAlert, a.MachineID, true, a)
}

func (h *Hub) PublishMachineStatus(s notify.MachineStatus) {
	h.publish(notify.EventMachineStatus, s.MachineID, false, s)
}

func (h *Hub) PublishOEE(o data.OEEResult) {
	h.publish(notify.EventOEE, o.MachineID, false, o)
}

func (h *Hub) PublishDowntimeEvent(d data.DowntimeEvent) {
	h.publish(notify.EventDowntime, d.MachineID, true, d)
}

func (h *Hub) PublishProductionUpdate(p data.ProductionRun) {
	h.publish(notify.EventProductionUpdate, p.MachineID, false, p)
}

// publish never blocks: when the queue is full the event is dropped.
func (h *Hub) publish(event, machineID string, global bool, payload any) {
	frame, err := json.Marshal(Envelope{Type: event, MachineID: machineID, Payload: payload})
	if err != nil {
		h.logger.Error("encoding live event", "event", event, "error", err)
		return
	}
	select {
	case h.broadcast <- outbound{machineID: machineID, global: global, frame: frame}:
	default:
		metrics.FanoutDropped.WithLabelValues(event).Inc()
		h.logger.Debug("fan-out queue full, event dropped", "event", event, "machine_id", machineID)
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
