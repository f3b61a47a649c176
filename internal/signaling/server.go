package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/identity"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/rooms"
)

const (
	defaultIdleTimeout          = 60 * time.Second
	defaultPingInterval         = 20 * time.Second
	defaultMaxMessageBytes      = 64 * 1024
	defaultMaxMessagesPerSecond = 50
	defaultSendQueueBytes       = 1 << 20

	roomsQueryTimeout = 2 * time.Second
)

// TokenVerifier resolves a bearer token to the identity it was issued for.
// *identity.Service implements it.
type TokenVerifier interface {
	WhoAmI(ctx context.Context, token string) (identity.Identity, error)
}

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Hub     *Hub
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Verifier checks optional ?token= / Authorization credentials. If nil,
	// every connection is anonymous.
	Verifier TokenVerifier
	// RequireAuth rejects upgrades that carry no token.
	RequireAuth bool

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueBytes       int
}

// Server implements the relay's WebSocket and discovery surface.
//
// Endpoints:
//   - GET /ws        : signaling, presence and chat
//   - GET /api/rooms : active rooms and member counts
type Server struct {
	cfg   Config
	log   *slog.Logger
	newID func() string

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.New("signaling: hub is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if cfg.SendQueueBytes <= 0 {
		cfg.SendQueueBytes = defaultSendQueueBytes
	}

	newID, err := newIDGenerator()
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		newID: newID,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver origin
			// middleware. Tests that skip httpserver accept all origins here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/rooms", s.handleListRooms)
}

// Close sends a going-away close frame to every open connection. The hub
// sees each one disconnect as usual.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.abort(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), roomsQueryTimeout)
	defer cancel()

	list, err := s.cfg.Hub.ListRooms(ctx)
	if err != nil {
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "rooms unavailable"})
		return
	}
	if list == nil {
		list = []rooms.RoomSummary{}
	}
	httpserver.WriteJSON(w, http.StatusOK, list)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ident, err := s.authenticate(r)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.AuthFailure)
		s.cfg.Metrics.Inc(metrics.ConnectionRejected)
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		id:       s.newID(),
		userID:   ident.ID,
		username: ident.Username,

		hub:     s.cfg.Hub,
		conn:    conn,
		metrics: s.cfg.Metrics,

		idleTimeout:     s.cfg.IdleTimeout,
		pingInterval:    s.cfg.PingInterval,
		maxMessageBytes: s.cfg.MaxMessageBytes,
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.cfg.MaxMessagesPerSecond),
			int64(s.cfg.MaxMessagesPerSecond),
		),
		queue: newOutboundQueue(s.cfg.SendQueueBytes),
		done:  make(chan struct{}),
	}
	c.log = s.log.With("conn_id", c.id)

	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
		return
	}
	defer s.untrack(c)

	c.log.Debug("signaling connection opened", "remote_addr", r.RemoteAddr, "user_id", ident.ID)
	c.run()
	c.log.Debug("signaling connection closed")
}

var (
	errMissingToken = errors.New("authentication required")
	errInvalidToken = errors.New("invalid token")
)

// authenticate returns the zero Identity for anonymous connections.
func (s *Server) authenticate(r *http.Request) (identity.Identity, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token, _ = identity.BearerToken(r)
	}
	if token == "" {
		if s.cfg.RequireAuth {
			return identity.Identity{}, errMissingToken
		}
		return identity.Identity{}, nil
	}
	if s.cfg.Verifier == nil {
		return identity.Identity{}, errInvalidToken
	}
	ident, err := s.cfg.Verifier.WhoAmI(r.Context(), token)
	if err != nil {
		return identity.Identity{}, errInvalidToken
	}
	return ident, nil
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
