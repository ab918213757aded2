package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peerwire/signaling-relay/internal/metrics"
	"github.com/peerwire/signaling-relay/internal/origin"
	"github.com/peerwire/signaling-relay/internal/ratelimit"
	"github.com/peerwire/signaling-relay/internal/router"
)

const wsWriteWait = 1 * time.Second

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Clock drives message timestamps and rate limiting. Defaults to the real
	// clock; tests inject a fake.
	Clock ratelimit.Clock

	// AllowedOrigins restricts browser origins on the WebSocket upgrade.
	// Empty means all origins are accepted.
	AllowedOrigins []string

	// Inbound hardening.
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	MaxRoomIDBytes int
}

// Server accepts signaling WebSocket connections and bridges them to the
// router: inbound frames become router events, and the server is the router's
// Emitter for outbound delivery.
type Server struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	allowedOrigins []string

	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int

	router *router.Router

	mu    sync.Mutex
	conns map[string]*wsConn
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}

	s := &Server{
		log:            log,
		metrics:        m,
		clock:          clock,
		allowedOrigins: cfg.AllowedOrigins,

		idleTimeout:          cfg.IdleTimeout,
		pingInterval:         cfg.PingInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,

		conns: make(map[string]*wsConn),
	}
	s.router = router.New(router.Config{
		Emitter:        s,
		Metrics:        m,
		Logger:         log,
		Clock:          clock,
		MaxRoomIDBytes: cfg.MaxRoomIDBytes,
	})
	return s
}

// Router exposes the routing state for introspection endpoints.
func (s *Server) Router() *router.Router {
	return s.router
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) idleTimeoutOrDefault() time.Duration {
	if s.idleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.idleTimeout
}

func (s *Server) pingIntervalOrDefault() time.Duration {
	if s.pingInterval <= 0 {
		return 20 * time.Second
	}
	return s.pingInterval
}

func (s *Server) maxMessageBytesOrDefault() int64 {
	if s.maxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.maxMessageBytes
}

func (s *Server) maxMessagesPerSecondOrDefault() int {
	if s.maxMessagesPerSecond <= 0 {
		return 50
	}
	return s.maxMessagesPerSecond
}

func (s *Server) checkOrigin(r *http.Request) bool {
	hdr := r.Header.Get("Origin")
	if hdr == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	return origin.Allowed(hdr, s.allowedOrigins)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	connID := uuid.NewString()
	c := &wsConn{ws: ws}

	s.mu.Lock()
	s.conns[connID] = c
	s.mu.Unlock()

	s.log.Debug("connection opened", "conn_id", connID, "remote_addr", r.RemoteAddr)
	s.router.Connect(connID)

	reason := s.readLoop(connID, c)

	// Disconnect cleanup is mandatory: it must run for orderly and abnormal
	// terminations alike, and only after the connection can no longer receive
	// events.
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
	_ = ws.Close()

	s.router.Dispatch(connID, router.Disconnect{Reason: reason})
	s.log.Debug("connection closed", "conn_id", connID, "reason", reason)
}

func (s *Server) readLoop(connID string, c *wsConn) (reason string) {
	ws := c.ws
	idle := s.idleTimeoutOrDefault()

	ws.SetReadLimit(s.maxMessageBytesOrDefault())
	_ = ws.SetReadDeadline(time.Now().Add(idle))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(idle))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(c, stopPing)

	perSec := int64(s.maxMessagesPerSecondOrDefault())
	limiter := ratelimit.NewTokenBucket(s.clock, perSec, perSec)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return err.Error()
		}
		_ = ws.SetReadDeadline(time.Now().Add(idle))

		// Consume the frame before enforcing the rate limit so the close
		// frame is not lost to an abortive TCP close on unread data.
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			c.fail(router.Outbound{Type: router.EventError, Message: "rate limit exceeded"},
				websocket.ClosePolicyViolation, "rate limit exceeded")
			return "rate limit exceeded"
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.DropReasonBadMessage)
			c.fail(router.Outbound{Type: router.EventError, Message: "expected text message"},
				websocket.CloseUnsupportedData, "expected text message")
			return "binary frame"
		}

		msg, err := parseInboundMessage(data)
		if err != nil {
			s.metrics.Inc(metrics.DropReasonBadMessage)
			c.fail(router.Outbound{Type: router.EventError, Message: err.Error()},
				websocket.ClosePolicyViolation, "bad message")
			return "bad message"
		}

		s.router.Dispatch(connID, msg.toEvent())
	}
}

func (s *Server) pingLoop(c *wsConn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingIntervalOrDefault())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// Emit implements router.Emitter. Events addressed to connections that are
// no longer live are dropped without feedback.
func (s *Server) Emit(connID string, ev router.Outbound) {
	s.mu.Lock()
	c := s.conns[connID]
	s.mu.Unlock()

	if c == nil {
		switch ev.Type {
		case string(router.RelayOffer), string(router.RelayAnswer), string(router.RelayICECandidate):
			s.metrics.Inc(metrics.RelayTargetGone)
		}
		return
	}
	if err := c.send(ev); err != nil {
		s.log.Debug("outbound write failed", "conn_id", connID, "event", ev.Type, "err", err)
	}
}

// ConnectionCount returns the number of live WebSocket connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close terminates every live connection. Used on shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = c.ws.Close()
	}
}

// wsConn serializes writes to a single WebSocket connection.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) send(ev router.Outbound) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) fail(ev router.Outbound, closeCode int, closeReason string) {
	_ = c.send(ev)
	c.closeWith(closeCode, closeReason)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
