// Package realtime implements the Room Multiplexer (§4.6): the single
// egress point to clients, maintaining authenticated and anonymous
// subscriber sets per tenant room and relaying Dispatcher output.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"overlaycaster/internal/counters"
	"overlaycaster/internal/supervisor"
	"overlaycaster/pkg/logging"
	"overlaycaster/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// CounterMutator is the subset of internal/counters.Engine the
// Multiplexer drives for authenticated mutation commands.
type CounterMutator interface {
	Increment(ctx context.Context, tenantID string, kind models.CounterKind) (counters.Mutation, error)
	Decrement(ctx context.Context, tenantID string, kind models.CounterKind) (counters.Mutation, error)
	Reset(ctx context.Context, tenantID string) (models.Counters, error)
	Get(ctx context.Context, tenantID string) (models.Counters, error)
}

// TenantLookup is the subset of internal/tenant.Service needed for the
// join-time snapshot and stale-status correction.
type TenantLookup interface {
	Get(ctx context.Context, tenantID string) (models.Tenant, error)
	UpdateStreamStatus(ctx context.Context, tenantID string, status models.StreamStatus) (models.Tenant, error)
}

// UpstreamStatus reports whether a tenant's Upstream Event Session is
// currently connected, satisfied by internal/supervisor.Supervisor.
type UpstreamStatus interface {
	Status(tenantID string) supervisor.Status
}

// outbound is the wire envelope for every server→client message.
type outbound struct {
	Type      string      `json:"type"`
	TenantID  string      `json:"tenantId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// inbound is the wire envelope for every client→server message.
type inbound struct {
	Type     string `json:"type"`
	TenantID string `json:"tenantId,omitempty"`
}

// room holds one tenant's subscriber sets.
type room struct {
	mu            sync.RWMutex
	authenticated map[*Client]bool
	anonymous     map[*Client]bool
}

func newRoom() *room {
	return &room{authenticated: make(map[*Client]bool), anonymous: make(map[*Client]bool)}
}

func (r *room) members() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.authenticated)+len(r.anonymous))
	for c := range r.authenticated {
		out = append(out, c)
	}
	for c := range r.anonymous {
		out = append(out, c)
	}
	return out
}

// Hub owns every tenant room; the sole component that mutates
// subscriber sets (§3 ownership summary).
type Hub struct {
	counters   CounterMutator
	tenants    TenantLookup
	upstream   UpstreamStatus
	logger     logging.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

func NewHub(counters CounterMutator, tenants TenantLookup, upstream UpstreamStatus, logger logging.Logger) *Hub {
	return &Hub{
		counters: counters,
		tenants:  tenants,
		upstream: upstream,
		logger:   logger,
		rooms:    make(map[string]*room),
	}
}

func (h *Hub) roomFor(tenantID string) *room {
	h.mu.RLock()
	r, ok := h.rooms[tenantID]
	h.mu.RUnlock()
	if ok {
		return r
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok = h.rooms[tenantID]; ok {
		return r
	}
	r = newRoom()
	h.rooms[tenantID] = r
	return r
}

// Client is one subscriber connection: authenticated (bound to a home
// tenant, with optional managedTenants) or anonymous (read-only, any
// room it explicitly joins).
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	authTenantID   string
	managedTenants []string
	joined         map[string]bool
	mu             sync.Mutex
	logger         logging.Logger
}

// ServeAuthenticated upgrades the connection and auto-joins the
// subscriber to its own tenant's room (§4.6).
func (h *Hub) ServeAuthenticated(w http.ResponseWriter, r *http.Request, tenant models.Tenant) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithFields(logging.Fields{"error": err.Error()}).Error("websocket upgrade failed")
		return
	}
	c := &Client{
		hub:            h,
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		authTenantID:   tenant.TenantID,
		managedTenants: tenant.ManagedTenants,
		joined:         make(map[string]bool),
		logger:         h.logger,
	}
	h.join(c, tenant.TenantID, true)
	go c.writePump()
	go c.readPump()
}

// ServeAnonymous upgrades the connection without binding it to any
// tenant; it must explicitly joinRoom before receiving anything.
func (h *Hub) ServeAnonymous(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithFields(logging.Fields{"error": err.Error()}).Error("websocket upgrade failed")
		return
	}
	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		joined: make(map[string]bool),
		logger: h.logger,
	}
	go c.writePump()
	go c.readPump()
}

// join adds the client to a tenant's room, sending the join-time
// snapshot, and performs the stale-"live"-state cross-check (§4.6).
func (h *Hub) join(c *Client, tenantID string, authenticated bool) {
	r := h.roomFor(tenantID)
	r.mu.Lock()
	if authenticated {
		r.authenticated[c] = true
	} else {
		r.anonymous[c] = true
	}
	r.mu.Unlock()

	c.mu.Lock()
	c.joined[tenantID] = true
	c.mu.Unlock()

	h.sendJoinSnapshot(c, tenantID)
}

func (h *Hub) sendJoinSnapshot(c *Client, tenantID string) {
	ctx := context.Background()
	tenant, err := h.tenants.Get(ctx, tenantID)
	if err != nil {
		return
	}

	status := tenant.StreamStatus
	if status == models.StatusLive && h.upstream != nil {
		if !h.upstream.Status(tenantID).UpstreamConnected {
			status = models.StatusOffline
			if _, err := h.tenants.UpdateStreamStatus(ctx, tenantID, status); err != nil {
				h.logger.WithFields(logging.Fields{"tenant_id": tenantID, "error": err.Error()}).
					Warn("failed to correct stale live status")
			}
		}
	}

	snap, err := h.counters.Get(ctx, tenantID)
	if err == nil {
		c.sendJSON(outbound{Type: "counterSnapshot", TenantID: tenantID, Data: snap, Timestamp: time.Now()})
	}
	c.sendJSON(outbound{Type: "streamStatusChanged", TenantID: tenantID, Data: map[string]interface{}{"status": status}, Timestamp: time.Now()})
	c.sendJSON(outbound{Type: "overlaySettingsUpdate", TenantID: tenantID, Data: tenant.Features, Timestamp: time.Now()})
}

// authorizedMutator reports whether c may submit counter-mutating
// commands for tenantID (§4.6 mutation authorization).
func (c *Client) authorizedMutator(tenantID string) bool {
	if c.authTenantID == "" {
		return false
	}
	if c.authTenantID == tenantID {
		return true
	}
	for _, m := range c.managedTenants {
		if m == tenantID {
			return true
		}
	}
	return false
}

func (c *Client) sendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
		c.logger.Warn("subscriber send buffer full, dropping message")
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeFromAllRooms(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg inbound) {
	ctx := context.Background()

	switch msg.Type {
	case "ping":
		c.sendJSON(outbound{Type: "pong", Timestamp: time.Now()})

	case "streamModeHeartbeat":
		connected := false
		if c.hub.upstream != nil && msg.TenantID != "" {
			connected = c.hub.upstream.Status(msg.TenantID).UpstreamConnected
		}
		c.sendJSON(outbound{Type: "streamModeStatus", TenantID: msg.TenantID,
			Data: map[string]interface{}{"connected": connected}, Timestamp: time.Now()})

	case "joinRoom":
		if msg.TenantID != "" {
			c.hub.join(c, msg.TenantID, false)
		}

	case "incrementDeaths", "decrementDeaths", "incrementSwears", "decrementSwears":
		c.handleCounterMutation(ctx, msg)

	case "resetCounters":
		if !c.authorizedMutator(msg.TenantID) {
			return
		}
		if _, err := c.hub.counters.Reset(ctx, msg.TenantID); err != nil {
			return
		}
		c.hub.BroadcastToRoom(msg.TenantID, "countersReset", nil)

	default:
		c.logger.WithFields(logging.Fields{"type": msg.Type}).Debug("unrecognized subscriber message, ignoring")
	}
}

func (c *Client) handleCounterMutation(ctx context.Context, msg inbound) {
	if !c.authorizedMutator(msg.TenantID) {
		return
	}

	var kind models.CounterKind
	var up bool
	switch msg.Type {
	case "incrementDeaths":
		kind, up = models.KindDeaths, true
	case "decrementDeaths":
		kind, up = models.KindDeaths, false
	case "incrementSwears":
		kind, up = models.KindSwears, true
	case "decrementSwears":
		kind, up = models.KindSwears, false
	}

	var mut counters.Mutation
	var err error
	if up {
		mut, err = c.hub.counters.Increment(ctx, msg.TenantID, kind)
	} else {
		mut, err = c.hub.counters.Decrement(ctx, msg.TenantID, kind)
	}
	if err != nil {
		return
	}
	c.hub.BroadcastCounterUpdate(msg.TenantID, mut.Delta, mut.Counters, "subscriber")
	for _, m := range mut.Milestones {
		c.hub.BroadcastMilestone(msg.TenantID, m)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
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

func (h *Hub) removeFromAllRooms(c *Client) {
	c.mu.Lock()
	tenantIDs := make([]string, 0, len(c.joined))
	for t := range c.joined {
		tenantIDs = append(tenantIDs, t)
	}
	c.mu.Unlock()

	for _, tenantID := range tenantIDs {
		r := h.roomFor(tenantID)
		r.mu.Lock()
		delete(r.authenticated, c)
		delete(r.anonymous, c)
		r.mu.Unlock()
	}
	close(c.send)
}

// BroadcastToRoom sends a message to every member of a tenant's room,
// ordered per-subscriber (§4.6 delivery semantics).
func (h *Hub) BroadcastToRoom(tenantID, msgType string, data interface{}) {
	r := h.roomFor(tenantID)
	msg := outbound{Type: msgType, TenantID: tenantID, Data: data, Timestamp: time.Now()}
	for _, c := range r.members() {
		c.sendJSON(msg)
	}
}

// BroadcastCounterUpdate implements internal/dispatch.Room.
func (h *Hub) BroadcastCounterUpdate(tenantID string, delta models.CounterDelta, snapshot models.Counters, source string) {
	h.BroadcastToRoom(tenantID, "counterUpdate", map[string]interface{}{
		"change": delta, "counters": snapshot, "source": source,
	})
}

// BroadcastMilestone implements internal/dispatch.Room.
func (h *Hub) BroadcastMilestone(tenantID string, m models.Milestone) {
	h.BroadcastToRoom(tenantID, "milestoneReached", m)
}

// BroadcastCustomAlert implements internal/dispatch.Room.
func (h *Hub) BroadcastCustomAlert(tenantID string, alert models.AlertDefinition, data map[string]interface{}) {
	h.BroadcastToRoom(tenantID, "customAlert", map[string]interface{}{"alert": alert, "event": data})
}

// BroadcastStreamOnline implements internal/dispatch.Room.
func (h *Hub) BroadcastStreamOnline(tenantID string) {
	h.BroadcastToRoom(tenantID, "streamOnline", nil)
}

// BroadcastStreamOffline implements internal/dispatch.Room.
func (h *Hub) BroadcastStreamOffline(tenantID string) {
	h.BroadcastToRoom(tenantID, "streamOffline", nil)
}

// BroadcastStreamStatusChanged implements internal/lifecycle.Broadcaster.
func (h *Hub) BroadcastStreamStatusChanged(tenantID string, status models.StreamStatus) {
	h.BroadcastToRoom(tenantID, "streamStatusChanged", map[string]interface{}{"status": status})
}

// BroadcastAuthRevoked notifies a tenant's room that its credentials
// were revoked (§4.1 failure semantics).
func (h *Hub) BroadcastAuthRevoked(tenantID string) {
	h.BroadcastToRoom(tenantID, "authRevoked", nil)
}
