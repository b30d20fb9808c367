package ws

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/worksight/internal/config"
	"github.com/goodtune/worksight/internal/presence"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultRole is assigned when the connection carries no role.
const DefaultRole = "employee"

// TypeGetOnlineUsers asks for a ReceiveOnlineUsers reply.
const TypeGetOnlineUsers = "GetOnlineUsers"

const (
	defaultSendBuffer   = 16
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
)

// Options configures the WebSocket endpoint.
type Options struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	EmployeeHeader string
	RoleHeader     string
	AllowedOrigins []string
	Clock          clockwork.Clock
}

// OptionsFromConfig converts the presence config section. Durations are
// validated when the config is loaded.
func OptionsFromConfig(cfg config.PresenceConfig) Options {
	parse := func(value string) time.Duration {
		d, _ := time.ParseDuration(value)
		return d
	}
	return Options{
		SendBuffer:     cfg.SendBuffer,
		WriteTimeout:   parse(cfg.WriteTimeout),
		PingInterval:   parse(cfg.PingInterval),
		PongWait:       parse(cfg.PongWait),
		MaxMessageSize: cfg.MaxMessageSize,
		EmployeeHeader: cfg.EmployeeHeader,
		RoleHeader:     cfg.RoleHeader,
		AllowedOrigins: cfg.AllowedOrigins,
	}
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.EmployeeHeader == "" {
		o.EmployeeHeader = "X-Employee-ID"
	}
	if o.RoleHeader == "" {
		o.RoleHeader = "X-Employee-Role"
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

type inbound struct {
	Type string `json:"type"`
}

// Handler upgrades requests to WebSockets and feeds the presence registry.
// Identity is trusted from headers or query parameters set by the
// authenticating proxy in front of the service.
type Handler struct {
	registry    *presence.Registry
	coordinator *presence.Coordinator
	upgrader    websocket.Upgrader
	opts        Options
	logger      zerolog.Logger

	mu     sync.Mutex
	conns  map[*clientConn]struct{}
	closed bool
}

// NewHandler creates a new WebSocket handler
func NewHandler(registry *presence.Registry, coordinator *presence.Coordinator, opts Options, logger zerolog.Logger) *Handler {
	opts = opts.withDefaults()

	h := &Handler{
		registry:    registry,
		coordinator: coordinator,
		opts:        opts,
		logger:      logger.With().Str("component", "ws").Logger(),
		conns:       make(map[*clientConn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	employeeID, role := h.identity(r)
	if employeeID == "" {
		http.Error(w, "missing employee identity", http.StatusUnauthorized)
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("employee_id", employeeID).Msg("WebSocket upgrade failed")
		return
	}

	conn := newClientConn(uuid.NewString(), socket, h.opts, h.opts.Clock)
	if !h.track(conn) {
		conn.stop(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer h.untrack(conn)

	logger := h.logger.With().
		Str("employee_id", employeeID).
		Str("role", role).
		Str("conn_id", conn.ID()).
		Logger()

	if err := h.registry.Connect(employeeID, role, conn); err != nil {
		logger.Warn().Err(err).Msg("Rejected connection")
		conn.stop(websocket.ClosePolicyViolation, "invalid identity")
		return
	}
	logger.Debug().Msg("Connection established")

	err = h.readLoop(conn)

	h.registry.Disconnect(conn.ID())
	conn.stop(websocket.CloseNormalClosure, "")

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		logger.Debug().Err(err).Msg("Connection closed")
	}
}

// Close closes every open connection and rejects new ones.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*clientConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.stop(websocket.CloseGoingAway, "server shutting down")
	}
	h.logger.Info().Int("connections", len(conns)).Msg("Closed WebSocket connections")
}

func (h *Handler) track(c *clientConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Handler) untrack(c *clientConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

// readLoop blocks until the socket fails or the peer closes it.
func (h *Handler) readLoop(conn *clientConn) error {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return err
		}
		conn.touch()

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("Ignoring malformed frame")
			continue
		}

		switch msg.Type {
		case TypeGetOnlineUsers:
			conn.Send(h.coordinator.OnlineUsers())
		default:
			h.logger.Debug().Str("conn_id", conn.ID()).Str("type", msg.Type).Msg("Ignoring unknown frame")
		}
	}
}

func (h *Handler) identity(r *http.Request) (string, string) {
	employeeID := r.Header.Get(h.opts.EmployeeHeader)
	if employeeID == "" {
		employeeID = r.URL.Query().Get("employee_id")
	}
	role := r.Header.Get(h.opts.RoleHeader)
	if role == "" {
		role = r.URL.Query().Get("role")
	}
	if role == "" {
		role = DefaultRole
	}
	return employeeID, role
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(h.opts.AllowedOrigins, "*") || slices.Contains(h.opts.AllowedOrigins, origin) {
		return true
	}
	return sameHost(r, origin)
}

func sameHost(r *http.Request, origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
