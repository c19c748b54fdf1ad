// Package hub terminates WebSocket connections, authenticates them, and
// shuttles messages between the wire and the state core.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"couchsync/internal/auth"
	"couchsync/internal/catalog"
	"couchsync/internal/observability/metrics"
	"couchsync/internal/state"
)

// Config configures a Hub.
type Config struct {
	Sessions    *auth.SessionManager
	Credentials *auth.Credentials
	Core        *state.Core
	Catalog     *catalog.Catalog
	Logger      *slog.Logger
	Metrics     *metrics.Recorder

	// AuthTimeout bounds how long a connection may stay unauthenticated.
	AuthTimeout time.Duration
	// HeartbeatInterval is the liveness check period; a client missing more
	// than HeartbeatLimit consecutive checks is disconnected.
	HeartbeatInterval time.Duration
	HeartbeatLimit    int
	SendBuffer        int
}

const (
	defaultAuthTimeout       = 5 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatLimit    = 2
	defaultSendBuffer        = 32
)

// Hub owns the live connections. It holds clients only by ID; the per-client
// sync bookkeeping lives in the state core.
type Hub struct {
	sessions    *auth.SessionManager
	credentials *auth.Credentials
	core        *state.Core
	catalog     *catalog.Catalog
	logger      *slog.Logger
	metrics     *metrics.Recorder

	authTimeout       time.Duration
	heartbeatInterval time.Duration
	heartbeatLimit    int
	sendBuffer        int

	mu     sync.RWMutex
	conns  map[state.ClientID]*connection
	closed bool

	nextID atomic.Uint64
}

// New constructs a Hub and binds it to the core as its observer.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		sessions:          cfg.Sessions,
		credentials:       cfg.Credentials,
		core:              cfg.Core,
		catalog:           cfg.Catalog,
		logger:            logger,
		metrics:           cfg.Metrics,
		authTimeout:       cfg.AuthTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatLimit:    cfg.HeartbeatLimit,
		sendBuffer:        cfg.SendBuffer,
	}
	if h.authTimeout <= 0 {
		h.authTimeout = defaultAuthTimeout
	}
	if h.heartbeatInterval <= 0 {
		h.heartbeatInterval = defaultHeartbeatInterval
	}
	if h.heartbeatLimit <= 0 {
		h.heartbeatLimit = defaultHeartbeatLimit
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = defaultSendBuffer
	}
	h.conns = make(map[state.ClientID]*connection)
	h.core.Bind(h)
	return h
}

type connection struct {
	id   state.ClientID
	hub  *Hub
	conn *Conn
	addr string

	send chan []byte
	done chan struct{}
	once sync.Once

	authed    atomic.Bool
	authTimer *time.Timer

	// role and name are written once under hub.mu during auth completion
	// and read by the fan-out paths under hub.mu.
	role auth.Role
	name string
}

// HandleWS upgrades the request and runs the connection lifecycle.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := &connection{
		id:   state.ClientID(fmt.Sprintf("c%012d", h.nextID.Add(1))),
		hub:  h,
		conn: conn,
		addr: conn.RemoteAddr(),
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	c.authTimer = time.AfterFunc(h.authTimeout, c.authExpired)
	go c.writeLoop()
	go c.readLoop()
}

// Run drives the heartbeat loop until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkHeartbeats()
		}
	}
}

func (h *Hub) checkHeartbeats() {
	for _, c := range h.authedConnections() {
		missed, ok := h.core.MissHeartbeat(c.id)
		if !ok {
			continue
		}
		if missed > h.heartbeatLimit {
			h.logger.Info("heartbeat expired", "client", c.id, "name", c.displayName(), "missed", missed)
			c.teardown(CloseNormal, "heartbeat timeout")
		}
	}
}

// Shutdown closes every connection with a going-away status.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.teardown(CloseGoingAway, "server shutting down")
	}
}

// BroadcastState fans a state snapshot out to every authenticated client.
// Part of the state.Observer contract.
func (h *Hub) BroadcastState(snap state.Snapshot) {
	payload := marshalSyncState(snap)
	for _, c := range h.authedConnections() {
		c.enqueue(payload)
	}
}

// SendSnapshot sends a snapshot to one client. Part of the state.Observer
// contract.
func (h *Hub) SendSnapshot(id state.ClientID, snap state.Snapshot) {
	h.mu.RLock()
	c := h.conns[id]
	h.mu.RUnlock()
	if c != nil && c.authed.Load() {
		c.enqueue(marshalSyncState(snap))
	}
}

// ViewerTableChanged pushes the refreshed viewer table to every operator.
// Part of the state.Observer contract.
func (h *Hub) ViewerTableChanged() {
	payload := marshalViewerList(h.core.ViewerTable())
	h.mu.RLock()
	operators := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		if c.authed.Load() && c.role == auth.RoleOperator {
			operators = append(operators, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range operators {
		c.enqueue(payload)
	}
}

func (h *Hub) authedConnections() []*connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		if c.authed.Load() {
			conns = append(conns, c)
		}
	}
	return conns
}

func (h *Hub) remove(c *connection) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

func (c *connection) displayName() string {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.name
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.conn.WriteText(payload); err != nil {
				c.hub.metrics.ObserveSendFailure()
				c.hub.logger.Warn("send failed", "client", c.id, "error", err)
				c.teardown(CloseInternalErr, "send error")
				return
			}
		}
	}
}

func (c *connection) readLoop() {
	for {
		payload, err := c.conn.ReadMessage(context.Background())
		if err != nil {
			c.teardown(CloseNormal, "")
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.enqueue(marshalError("invalid message payload"))
			continue
		}
		if !c.authed.Load() {
			if msg.Type == "auth" {
				c.handleAuth(msg)
			} else {
				c.enqueue(marshalError("Authentication required"))
			}
			continue
		}
		c.hub.metrics.ObserveMessage(msg.Type)
		c.hub.core.TouchHeartbeat(c.id)
		c.dispatch(msg)
	}
}

func (c *connection) dispatch(msg inboundMessage) {
	switch msg.Type {
	case "auth":
		// Re-auth on a live connection is not supported.
		c.enqueue(marshalError("already authenticated"))
	case "play":
		if !c.requireOperator() {
			return
		}
		c.hub.core.Play()
	case "pause":
		if !c.requireOperator() {
			return
		}
		c.hub.core.Pause()
	case "seek":
		if !c.requireOperator() {
			return
		}
		if msg.Time == nil {
			c.enqueue(marshalError("seek requires a time"))
			return
		}
		if err := c.hub.core.Seek(*msg.Time); err != nil {
			c.enqueue(marshalError(err.Error()))
		}
	case "changeVideo":
		if !c.requireOperator() {
			return
		}
		if err := c.hub.core.ChangeVideo(msg.Video); err != nil {
			c.hub.logger.Warn("rejected video change", "client", c.id, "video", msg.Video)
			c.enqueue(marshalError("invalid video reference"))
		}
	case "syncAll":
		if !c.requireOperator() {
			return
		}
		c.hub.core.SyncAll()
	case "requestVideoList":
		if !c.requireOperator() {
			return
		}
		c.sendVideoList()
	case "requestViewerList":
		if !c.requireOperator() {
			return
		}
		c.enqueue(marshalViewerList(c.hub.core.ViewerTable()))
	case "requestSync":
		c.enqueue(marshalSyncState(c.hub.core.CurrentSnapshot()))
		c.hub.metrics.ObserveSnapshot()
	case "clientTimeUpdate":
		c.handleTimeUpdate(msg)
	default:
		c.enqueue(marshalError(fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

func (c *connection) requireOperator() bool {
	c.hub.mu.RLock()
	role := c.role
	c.hub.mu.RUnlock()
	if role != auth.RoleOperator {
		c.enqueue(marshalError("Permission denied"))
		return false
	}
	return true
}

func (c *connection) sendVideoList() {
	entries, err := c.hub.catalog.List()
	if err != nil {
		c.hub.logger.Warn("video list failed", "error", err)
		c.enqueue(marshalError("failed to list videos"))
		return
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	c.enqueue(marshalVideoList(ids))
}

func (c *connection) handleTimeUpdate(msg inboundMessage) {
	if msg.ClientTime == nil || msg.PlaybackRate == nil || msg.IsPlaying == nil {
		c.enqueue(marshalError("clientTimeUpdate requires clientTime, playbackRate, and isPlaying"))
		return
	}
	err := c.hub.core.ReportTime(c.id, *msg.ClientTime, *msg.PlaybackRate, *msg.IsPlaying, msg.Name)
	if err != nil {
		c.enqueue(marshalError(err.Error()))
	}
}

// handleAuth resolves an auth frame. A presented token always takes
// precedence and never falls through to password checking.
func (c *connection) handleAuth(msg inboundMessage) {
	if msg.Token != "" {
		record, ok, err := c.hub.sessions.Validate(msg.Token)
		if err != nil {
			c.hub.logger.Error("session validation failed", "error", err)
			c.rejectAuth("session validation unavailable")
			return
		}
		if !ok {
			c.rejectAuth("invalid or expired session")
			return
		}
		c.completeAuth(record.Role, record.Name, record.Token)
		return
	}
	if msg.Password != "" {
		role, ok := c.hub.credentials.VerifyPassword(msg.Password)
		if !ok {
			c.rejectAuth("invalid credentials")
			return
		}
		name := state.NormalizeName(msg.Name)
		if name == "" {
			name = string(role)
		}
		token, _, err := c.hub.sessions.Create(role, name)
		if err != nil {
			c.hub.logger.Error("session creation failed", "error", err)
			c.rejectAuth("session creation failed")
			return
		}
		c.completeAuth(role, name, token)
		return
	}
	c.rejectAuth("token or password required")
}

// rejectAuth writes the auth_fail frame synchronously so it reaches the peer
// before the close frame, then tears the connection down.
func (c *connection) rejectAuth(message string) {
	_ = c.conn.WriteText(marshalAuthFail(message))
	c.teardown(ClosePolicy, "authentication failed")
}

func (c *connection) completeAuth(role auth.Role, name, token string) {
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.hub.mu.Lock()
	c.role = role
	c.name = name
	c.hub.mu.Unlock()
	c.authed.Store(true)

	c.enqueue(marshalAuthSuccess(role, name, token))
	snap := c.hub.core.Register(c.id, role, name, token, c.addr)
	c.enqueue(marshalSyncState(snap))
	if role == auth.RoleOperator {
		c.sendVideoList()
		c.enqueue(marshalViewerList(c.hub.core.ViewerTable()))
	}
	c.hub.logger.Info("client authenticated", "client", c.id, "role", role, "name", name, "addr", c.addr)
}

// authExpired fires when the auth timer lapses before a successful auth.
func (c *connection) authExpired() {
	if c.authed.Load() {
		return
	}
	_ = c.conn.WriteText(marshalError("Authentication timed out"))
	c.teardown(ClosePolicy, "authentication timed out")
}

// enqueue hands a frame to the writer without blocking; a full buffer marks
// the connection for asynchronous disconnect instead of stalling the caller.
func (c *connection) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	case <-c.done:
	default:
		c.hub.metrics.ObserveSendFailure()
		c.hub.logger.Warn("send buffer overflow", "client", c.id)
		go c.teardown(CloseInternalErr, "send buffer overflow")
	}
}

// teardown is idempotent: it stops the auth timer, closes the socket with
// the given status, removes the connection from the hub, and deregisters the
// client from the core. Cleanup never runs while fan-out locks are held.
func (c *connection) teardown(code uint16, reason string) {
	c.once.Do(func() {
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		close(c.done)
		_ = c.conn.CloseWithStatus(code, reason)
		c.hub.remove(c)
		if c.authed.Load() {
			c.hub.core.Deregister(c.id)
		}
	})
}
