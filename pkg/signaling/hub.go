package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"webrtc-signal-relay/pkg/logger"
)

const (
	defaultReadLimit   = 64 * 1024
	defaultPushWait    = 25 * time.Second
	pingInterval       = 40 * time.Second
	pongWait           = 60 * time.Second
	writeTimeout       = 10 * time.Second
	upgradeReadBuffer  = 1024
	upgradeWriteBuffer = 1024
)

// HubOptions configures a Hub instance.
type HubOptions struct {
	Logger   *logger.Logger
	Upgrader *websocket.Upgrader
	Metrics  *Metrics
	// ReadLimit caps inbound frame size.
	ReadLimit int64
	// PushWait is how long each delivery long-poll waits before re-arming.
	PushWait time.Duration
}

// ConnOptions controls how a connection is registered.
type ConnOptions struct {
	// ID overrides the generated client ID.
	ID string
	// Context lets the caller cancel the connection (defaults to Background).
	Context context.Context
}

// Hub pushes signals over WebSocket instead of making the client poll.
//
// A client connects as one role of one session. Text frames it sends are
// published like POST bodies; batches drained from its own queue are written
// back as JSON arrays. Fetch over HTTP keeps working alongside: both drain the
// same queue and a message goes to whichever drains first.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client

	service   *Service
	upgrader  websocket.Upgrader
	log       *logger.Logger
	metrics   *Metrics
	readLimit int64
	pushWait  time.Duration
}

type client struct {
	id      string
	session string
	role    Role
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
}

type errorFrame struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// NewHub builds a Hub publishing and draining through service.
func NewHub(service *Service, opts HubOptions) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	pushWait := opts.PushWait
	if pushWait <= 0 {
		pushWait = defaultPushWait
	}

	return &Hub{
		clients:   make(map[string]*client),
		service:   service,
		upgrader:  upgrader,
		log:       log,
		metrics:   opts.Metrics,
		readLimit: readLimit,
		pushWait:  pushWait,
	}
}

// HTTPHandler upgrades requests for /ws/{session}/{role}. Bad session ids and
// role tokens are rejected before the upgrade.
func (h *Hub) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := r.PathValue("session")
		if err := ValidateSessionID(session); err != nil {
			h.metrics.Rejected(RejectSession)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		role, err := ParseRole(r.PathValue("role"))
		if err != nil {
			h.metrics.Rejected(RejectUnknownRole)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("ws: upgrade failed")
			return
		}
		// Use a background context so the connection isn't canceled when the HTTP handler returns.
		if err := h.Accept(conn, session, role, ConnOptions{}); err != nil {
			h.log.Warn().Err(err).Msg("ws: accept failed")
			conn.Close()
		}
	})
}

// Accept registers an already-upgraded connection as role in session.
func (h *Hub) Accept(conn *websocket.Conn, session string, role Role, opts ConnOptions) error {
	if err := ValidateSessionID(session); err != nil {
		return err
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &client{
		id:      id,
		session: session,
		role:    role,
		conn:    conn,
		send:    make(chan []byte, 32),
		ctx:     ctx,
		cancel:  cancel,
	}

	h.register(c)

	go c.writePump()
	go c.deliverPump(h)
	go c.readPump(h)
	return nil
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.cancel()
		_ = c.conn.Close()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.clientConnected()
	h.log.Info().Str("client", c.id).Str("session", c.session).Str("role", c.role.String()).
		Int("clients", n).Msg("ws: registered")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.metrics.clientDisconnected()
	h.log.Info().Str("client", c.id).Str("session", c.session).Int("clients", n).Msg("ws: unregistered")
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(h.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return
			}
			if !errors.Is(err, websocket.ErrCloseSent) && c.ctx.Err() == nil {
				h.log.Debug().Err(err).Str("client", c.id).Msg("ws: read error")
			}
			return
		}

		if _, err := h.service.Publish(c.ctx, c.session, c.role, data); err != nil {
			h.log.Debug().Err(err).Str("client", c.id).Msg("ws: publish rejected")
			c.sendJSON(errorFrame{Status: "error", Error: err.Error()})
		}
	}
}

// deliverPump drains the client's own queue and hands batches to writePump.
func (c *client) deliverPump(h *Hub) {
	for {
		msgs, err := h.service.Wait(c.ctx, c.session, c.role, h.pushWait)
		if err != nil {
			if c.ctx.Err() == nil {
				h.log.Error().Err(err).Str("client", c.id).Msg("ws: delivery failed")
				c.cancel()
			}
			return
		}
		if len(msgs) == 0 {
			continue
		}
		data, err := json.Marshal(msgs)
		if err != nil {
			h.log.Error().Err(err).Str("client", c.id).Msg("ws: marshal batch")
			continue
		}
		select {
		case c.send <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
