package websocket

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 512
	sendBuffer     = 256

	actionSubscribe   = "subscribe:machine"
	actionUnsubscribe = "unsubscribe:machine"
)

// Client is one dashboard connection. With no subscriptions it receives
// every event; otherwise only events for its machines plus global ones.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string

	mu       sync.RWMutex
	machines map[string]struct{}
}

type controlMessage struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
	Payload   struct {
		MachineID string `json:"machineId"`
	} `json:"payload"`
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		remote:   conn.RemoteAddr().String(),
		machines: make(map[string]struct{}),
	}
}

func (c *Client) wants(msg outbound) bool {
	if msg.global {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.machines) == 0 {
		return true
	}
	_, ok := c.machines[msg.machineID]
	return ok
}

func (c *Client) subscribe(machineID string) {
	c.mu.Lock()
	c.machines[machineID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) unsubscribe(machineID string) {
	c.mu.Lock()
	delete(c.machines, machineID)
	c.mu.Unlock()
}

// handleControl applies a subscribe or unsubscribe request. Anything else
// is ignored.
func (c *Client) handleControl(raw []byte) {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.hub.logger.Debug("ignoring websocket message", "remote", c.remote, "error", err)
		return
	}
	id := strings.TrimSpace(msg.MachineID)
	if id == "" {
		id = strings.TrimSpace(msg.Payload.MachineID)
	}
	if id == "" {
		return
	}
	switch msg.Type {
	case actionSubscribe:
		c.subscribe(id)
		c.hub.logger.Debug("client subscribed", "remote", c.remote, "machine_id", id)
	case actionUnsubscribe:
		c.unsubscribe(id)
		c.hub.logger.Debug("client unsubscribed", "remote", c.remote, "machine_id", id)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", "remote", c.remote, "error", err)
			}
			return
		}
		c.handleControl(message)
	}
}

// writePump sends one frame per event. The hub closes send on disconnect.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write failed", "remote", c.remote, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
