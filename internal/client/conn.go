// Package client is the headless side of the signaling protocol: a WebSocket
// connection that feeds server notifications to a negotiation.Manager and
// keeps presence, chat and latency state.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/protocol"
)

const (
	wsWriteWait         = 1 * time.Second
	DefaultPingInterval = 5 * time.Second
)

var ErrNotInRoom = errors.New("client: not in a room")

// ManagerFactory builds the negotiation manager for one room membership. It
// is called on every join because closing a manager releases local media.
type ManagerFactory func(sig negotiation.Signaler) (*negotiation.Manager, error)

// Events are optional observers, invoked on the read goroutine.
type Events struct {
	OnWelcome     func(id string)
	OnRoomPeers   func(protocol.RoomPeers)
	OnUserJoined  func(protocol.Peer)
	OnUserLeft    func(protocol.Peer)
	OnChat        func(protocol.Chat)
	OnRoomsUpdate func([]protocol.RoomInfo)
	OnError       func(protocol.Error)
	OnLatency     func(time.Duration)
}

type Config struct {
	// URL is the ws:// or wss:// signaling endpoint, e.g. ws://host/ws.
	URL string
	// Token is an identity token passed as ?token=.
	Token  string
	Header http.Header
	Dialer *websocket.Dialer

	NewManager   ManagerFactory
	PingInterval time.Duration
	HistorySize  int
	Logger       *slog.Logger
	Events       Events
}

// Conn is one signaling connection. It implements negotiation.Signaler.
type Conn struct {
	cfg  Config
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	history *History
	latency *latencySampler
	welcome chan struct{}

	mu       sync.Mutex
	id       string
	username string
	roomID   string
	// joining is set until room-peers for roomID arrives. Room traffic seen
	// before then belongs to a room this connection already left.
	joining  bool
	members  map[string]string
	rooms    []protocol.RoomInfo
	manager  *negotiation.Manager
	closed   bool
	closeErr error
}

func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	if cfg.Token != "" {
		q := u.Query()
		q.Set("token", cfg.Token)
		u.RawQuery = q.Encode()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	return &Conn{
		cfg:     cfg,
		conn:    ws,
		log:     cfg.Logger,
		history: NewHistory(cfg.HistorySize),
		latency: newLatencySampler(),
		welcome: make(chan struct{}),
		members: make(map[string]string),
	}, nil
}

// Run reads server frames until the connection closes or ctx is done.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(ctx)
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.log.Warn("ignoring server frame", "err", err)
			continue
		}
		c.handle(msg)
	}
}

// WaitWelcome blocks until the server has assigned this connection an id.
func (c *Conn) WaitWelcome(ctx context.Context) (string, error) {
	select {
	case <-c.welcome:
		return c.ID(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Conn) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Members returns the other room members by id, as last reported by the
// server.
func (c *Conn) Members() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.members))
	for k, v := range c.members {
		out[k] = v
	}
	return out
}

func (c *Conn) Rooms() []protocol.RoomInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.RoomInfo(nil), c.rooms...)
}

func (c *Conn) History() []protocol.ChatMessage { return c.history.Messages() }

// Latency returns the most recent ping round trip and the sample count.
func (c *Conn) Latency() (time.Duration, uint64) { return c.latency.latency() }

// Manager is the negotiation manager of the current room, or nil.
func (c *Conn) Manager() *negotiation.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manager
}

// JoinRoom leaves any current room, prepares a fresh negotiation manager and
// asks the server to join roomID.
func (c *Conn) JoinRoom(roomID, username string) error {
	if err := c.closeManager(); err != nil {
		c.log.Warn("close previous room sessions", "err", err)
	}
	if c.cfg.NewManager != nil {
		m, err := c.cfg.NewManager(c)
		if err != nil {
			return fmt.Errorf("prepare room sessions: %w", err)
		}
		c.mu.Lock()
		c.manager = m
		c.mu.Unlock()
	}
	c.mu.Lock()
	if username != "" {
		c.username = username
	}
	c.roomID = roomID
	c.joining = true
	c.members = make(map[string]string)
	c.mu.Unlock()
	return c.send(protocol.JoinRoom{RoomID: roomID, Username: username})
}

// LeaveRoom closes every negotiation session and releases local media before
// telling the server.
func (c *Conn) LeaveRoom() error {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == "" {
		return ErrNotInRoom
	}
	if err := c.closeManager(); err != nil {
		c.log.Warn("close room sessions", "err", err)
	}
	c.mu.Lock()
	c.roomID = ""
	c.joining = false
	c.members = make(map[string]string)
	c.mu.Unlock()
	return c.send(protocol.LeaveRoom{RoomID: roomID})
}

func (c *Conn) SetUsername(name string) error {
	c.mu.Lock()
	c.username = name
	c.mu.Unlock()
	return c.send(protocol.SetUsername{Username: name})
}

// Username is the name this connection last asked the server to use.
func (c *Conn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Conn) SendChat(text string) error {
	return c.send(protocol.ChatText{Text: text})
}

func (c *Conn) SendGlobal(text string) error {
	return c.send(protocol.ChatText{Global: true, Text: text})
}

func (c *Conn) SendOffer(to string, desc negotiation.SessionDescription) error {
	return c.sendSignal(protocol.TypeOffer, to, desc)
}

func (c *Conn) SendAnswer(to string, desc negotiation.SessionDescription) error {
	return c.sendSignal(protocol.TypeAnswer, to, desc)
}

func (c *Conn) SendCandidate(to string, cand negotiation.Candidate) error {
	return c.sendSignal(protocol.TypeICECandidate, to, cand)
}

// Close leaves the room, if any, and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closeErr
	}
	c.closed = true
	c.mu.Unlock()

	err := c.closeManager()
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}

	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
	return err
}

func (c *Conn) sendSignal(kind protocol.MessageType, to string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.send(protocol.Signal{Kind: kind, To: to, Payload: data})
}

func (c *Conn) send(msg protocol.ClientMessage) error {
	data, err := protocol.MarshalClientMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) closeManager() error {
	c.mu.Lock()
	m := c.manager
	c.manager = nil
	c.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Close()
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq := c.latency.next(time.Now())
			if err := c.send(protocol.PingCheck{Seq: seq}); err != nil {
				c.log.Debug("ping-check failed", "err", err)
			}
		}
	}
}

func (c *Conn) handle(msg protocol.ServerMessage) {
	ev := c.cfg.Events
	switch m := msg.(type) {
	case protocol.Welcome:
		c.mu.Lock()
		first := c.id == ""
		c.id = m.ID
		if m.Username != "" {
			c.username = m.Username
		}
		c.mu.Unlock()
		if first {
			close(c.welcome)
		}
		if ev.OnWelcome != nil {
			ev.OnWelcome(m.ID)
		}
	case protocol.RoomPeers:
		ids := make([]string, 0, len(m.Peers))
		c.mu.Lock()
		if c.roomID == "" || m.RoomID != c.roomID {
			c.mu.Unlock()
			c.log.Debug("dropping room-peers for another room", "room_id", m.RoomID)
			return
		}
		c.joining = false
		for _, p := range m.Peers {
			c.members[p.ID] = p.Username
			ids = append(ids, p.ID)
		}
		c.mu.Unlock()
		if mgr := c.Manager(); mgr != nil {
			mgr.HandleRoomPeers(ids)
		}
		if ev.OnRoomPeers != nil {
			ev.OnRoomPeers(m)
		}
	case protocol.UserJoined:
		c.mu.Lock()
		if !c.joinedLocked() {
			c.mu.Unlock()
			return
		}
		c.members[m.ID] = m.Username
		c.mu.Unlock()
		if mgr := c.Manager(); mgr != nil {
			mgr.HandlePeerJoined(m.ID)
		}
		if ev.OnUserJoined != nil {
			ev.OnUserJoined(protocol.Peer(m))
		}
	case protocol.UserLeft:
		c.mu.Lock()
		if !c.joinedLocked() {
			c.mu.Unlock()
			return
		}
		delete(c.members, m.ID)
		c.mu.Unlock()
		if mgr := c.Manager(); mgr != nil {
			if err := mgr.HandlePeerLeft(m.ID); err != nil {
				c.log.Debug("close peer session", "remote_id", m.ID, "err", err)
			}
		}
		if ev.OnUserLeft != nil {
			ev.OnUserLeft(protocol.Peer(m))
		}
	case protocol.Relayed:
		c.handleRelayed(m)
	case protocol.Chat:
		if m.Global {
			c.history.Add(m.Message)
		}
		if ev.OnChat != nil {
			ev.OnChat(m)
		}
	case protocol.RoomsUpdate:
		c.mu.Lock()
		c.rooms = m.Rooms
		c.mu.Unlock()
		if ev.OnRoomsUpdate != nil {
			ev.OnRoomsUpdate(m.Rooms)
		}
	case protocol.PingAck:
		if rtt, ok := c.latency.ack(m.Seq, time.Now()); ok && ev.OnLatency != nil {
			ev.OnLatency(rtt)
		}
	case protocol.Error:
		c.log.Warn("server error", "code", m.Code, "message", m.Message)
		if ev.OnError != nil {
			ev.OnError(m)
		}
	}
}

func (c *Conn) joinedLocked() bool {
	return c.roomID != "" && !c.joining
}

func (c *Conn) handleRelayed(m protocol.Relayed) {
	c.mu.Lock()
	_, member := c.members[m.From]
	ok := c.joinedLocked() && member
	mgr := c.manager
	c.mu.Unlock()
	if !ok || mgr == nil {
		c.log.Debug("dropping relay from outside the room", "from", m.From, "type", m.Kind)
		return
	}
	switch m.Kind {
	case protocol.TypeOffer, protocol.TypeAnswer:
		var desc negotiation.SessionDescription
		if err := json.Unmarshal(m.Payload, &desc); err != nil {
			c.log.Debug("bad description payload", "from", m.From, "err", err)
			return
		}
		if m.Kind == protocol.TypeOffer {
			mgr.HandleOffer(m.From, desc)
		} else {
			mgr.HandleAnswer(m.From, desc)
		}
	case protocol.TypeICECandidate:
		var cand negotiation.Candidate
		if err := json.Unmarshal(m.Payload, &cand); err != nil {
			c.log.Debug("bad candidate payload", "from", m.From, "err", err)
			return
		}
		mgr.HandleCandidate(m.From, cand)
	}
}
