package signaling

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/rooms"
)

// ErrHubStopped is returned by queries once Run has returned.
var ErrHubStopped = errors.New("signaling hub stopped")

const hubEventBuffer = 1024

// client is the hub's view of a connection.
type client interface {
	ID() string
	// Deliver queues an encoded frame. It must not block.
	Deliver(frame []byte)
}

type hubEvent interface{ hubEvent() }

type connectEvent struct {
	c        client
	userID   string
	username string
}

type messageEvent struct {
	c   client
	msg protocol.ClientMessage
}

type disconnectEvent struct {
	c client
}

type listRoomsEvent struct {
	reply chan []rooms.RoomSummary
}

func (connectEvent) hubEvent()    {}
func (messageEvent) hubEvent()    {}
func (disconnectEvent) hubEvent() {}
func (listRoomsEvent) hubEvent()  {}

// Hub is the single sequential dispatcher for registry mutations, signal
// forwarding and chat fan-out. Events are handled one at a time in arrival
// order on the Run goroutine.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	events  chan hubEvent
	stopped chan struct{}

	// Owned by the Run goroutine.
	reg     *rooms.Registry
	clients map[string]client

	connections atomic.Int64
	rooms       atomic.Int64
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:     logger,
		metrics: m,
		now:     time.Now,
		events:  make(chan hubEvent, hubEventBuffer),
		stopped: make(chan struct{}),
		reg:     rooms.NewRegistry(),
		clients: make(map[string]client),
	}
}

// Run processes events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

// Connections is the number of registered connections.
func (h *Hub) Connections() int64 { return h.connections.Load() }

// Rooms is the number of non-empty rooms.
func (h *Hub) Rooms() int64 { return h.rooms.Load() }

// ListRooms returns a snapshot of the active rooms, taken on the hub
// goroutine so it is consistent with every event processed before it.
func (h *Hub) ListRooms(ctx context.Context) ([]rooms.RoomSummary, error) {
	reply := make(chan []rooms.RoomSummary, 1)
	if !h.post(ctx, listRoomsEvent{reply: reply}) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrHubStopped
	}
	select {
	case list := <-reply:
		return list, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.stopped:
		return nil, ErrHubStopped
	}
}

func (h *Hub) connect(c client, userID, username string) bool {
	return h.post(context.Background(), connectEvent{c: c, userID: userID, username: username})
}

func (h *Hub) dispatch(c client, msg protocol.ClientMessage) bool {
	return h.post(context.Background(), messageEvent{c: c, msg: msg})
}

func (h *Hub) disconnect(c client) {
	h.post(context.Background(), disconnectEvent{c: c})
}

func (h *Hub) post(ctx context.Context, ev hubEvent) bool {
	select {
	case <-h.stopped:
		return false
	default:
	}
	select {
	case h.events <- ev:
		return true
	case <-h.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) handle(ev hubEvent) {
	switch ev := ev.(type) {
	case connectEvent:
		h.onConnect(ev)
	case messageEvent:
		h.onMessage(ev.c, ev.msg)
	case disconnectEvent:
		h.onDisconnect(ev.c)
	case listRoomsEvent:
		ev.reply <- h.reg.ListRooms()
	}
}

func (h *Hub) onConnect(ev connectEvent) {
	id := ev.c.ID()
	if err := h.reg.Connect(id, ev.userID, ev.username); err != nil {
		h.log.Error("register connection", "conn_id", id, "err", err)
		return
	}
	h.clients[id] = ev.c
	h.connections.Store(int64(h.reg.Len()))

	conn, _ := h.reg.Connection(id)
	welcome := protocol.Welcome{ID: id}
	if conn.UsernameSet {
		welcome.Username = conn.Username
	}
	h.send(ev.c, welcome)
	h.send(ev.c, h.roomsUpdate())
	h.log.Debug("connection registered", "conn_id", id, "user_id", ev.userID)
}

func (h *Hub) onMessage(c client, msg protocol.ClientMessage) {
	if _, ok := h.clients[c.ID()]; !ok {
		// Late frame from a connection whose disconnect was already handled.
		return
	}
	switch m := msg.(type) {
	case protocol.JoinRoom:
		h.onJoinRoom(c, m)
	case protocol.LeaveRoom:
		h.onLeaveRoom(c, m)
	case protocol.Signal:
		h.onSignal(c, m)
	case protocol.ChatText:
		h.onChat(c, m)
	case protocol.SetUsername:
		h.onSetUsername(c, m)
	case protocol.PingCheck:
		h.send(c, protocol.PingAck{Seq: m.Seq})
	default:
		h.log.Warn("unhandled client message", "conn_id", c.ID(), "type", msg.Type())
	}
}

func (h *Hub) onJoinRoom(c client, m protocol.JoinRoom) {
	id := c.ID()
	roomID, err := rooms.NormalizeRoomID(m.RoomID)
	if err != nil {
		h.metrics.Inc(metrics.InvalidMessage)
		h.send(c, protocol.Error{Code: "invalid_room", Message: err.Error()})
		return
	}
	created := len(h.reg.Members(roomID)) == 0

	res, err := h.reg.Join(id, roomID, m.Username)
	if err != nil {
		h.log.Error("join room", "conn_id", id, "room_id", roomID, "err", err)
		return
	}
	if res.Left != nil {
		h.notifyDeparture(*res.Left)
	}
	if created {
		h.metrics.Inc(metrics.RoomCreated)
	}
	h.metrics.Inc(metrics.RoomJoined)

	conn, _ := h.reg.Connection(id)
	peers := make([]protocol.Peer, 0, len(res.Members))
	for _, member := range res.Members {
		peers = append(peers, protocol.Peer{ID: member.ID, Username: member.Username})
	}
	h.send(c, protocol.RoomPeers{RoomID: roomID, Peers: peers})

	joined, err := protocol.MarshalServerMessage(protocol.UserJoined{ID: id, Username: conn.Username})
	if err == nil {
		for _, member := range res.Members {
			h.deliver(member.ID, joined)
		}
	}

	h.log.Debug("joined room", "conn_id", id, "room_id", roomID, "members", len(res.Members)+1)
	h.broadcastRooms()
}

func (h *Hub) onLeaveRoom(c client, m protocol.LeaveRoom) {
	dep, ok := h.reg.Leave(c.ID(), m.RoomID)
	if !ok {
		return
	}
	h.notifyDeparture(dep)
	h.broadcastRooms()
}

func (h *Hub) onDisconnect(c client) {
	id := c.ID()
	if _, ok := h.clients[id]; !ok {
		return
	}
	dep, left := h.reg.Disconnect(id)
	delete(h.clients, id)
	h.connections.Store(int64(h.reg.Len()))
	h.metrics.Inc(metrics.ConnectionClosed)

	if left {
		h.notifyDeparture(dep)
		h.broadcastRooms()
	}
	h.log.Debug("connection unregistered", "conn_id", id)
}

// notifyDeparture tells the remaining members that dep's connection left.
func (h *Hub) notifyDeparture(dep rooms.Departure) {
	h.metrics.Inc(metrics.RoomLeft)
	if dep.RoomDeleted {
		h.metrics.Inc(metrics.RoomDeleted)
		h.log.Debug("room deleted", "room_id", dep.RoomID)
		return
	}
	frame, err := protocol.MarshalServerMessage(protocol.UserLeft{ID: dep.ConnectionID, Username: dep.Username})
	if err != nil {
		return
	}
	for _, id := range dep.Remaining {
		h.deliver(id, frame)
	}
}

func (h *Hub) onSignal(c client, m protocol.Signal) {
	if m.To == c.ID() {
		h.metrics.Inc(metrics.SignalDropped)
		return
	}
	target, ok := h.clients[m.To]
	if !ok {
		// Best effort: the sender is never told.
		h.metrics.Inc(metrics.SignalDropped)
		h.log.Debug("dropping signal for unknown target", "conn_id", c.ID(), "to", m.To, "type", m.Kind)
		return
	}
	h.send(target, protocol.Relayed{Kind: m.Kind, From: c.ID(), Payload: m.Payload})
	h.metrics.Inc(metrics.SignalRelayed)
}

func (h *Hub) onChat(c client, m protocol.ChatText) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		h.metrics.Inc(metrics.InvalidMessage)
		h.send(c, protocol.Error{Code: "invalid_message", Message: "text must not be empty"})
		return
	}

	conn, _ := h.reg.Connection(c.ID())
	var recipients []string
	switch {
	case m.Global:
		if !conn.UsernameSet {
			h.metrics.Inc(metrics.ChatDropped)
			return
		}
		recipients = h.reg.ConnectionIDs()
	default:
		if conn.RoomID == "" {
			h.metrics.Inc(metrics.ChatDropped)
			return
		}
		recipients = h.reg.Members(conn.RoomID)
	}

	msg := protocol.Chat{
		Global: m.Global,
		Message: protocol.ChatMessage{
			ID:          newMessageID(),
			From:        conn.ID,
			Username:    conn.DisplayName(),
			Text:        rooms.TruncateRunes(text, protocol.MaxTextRunes),
			TimestampMs: h.now().UnixMilli(),
		},
	}
	frame, err := protocol.MarshalServerMessage(msg)
	if err != nil {
		h.log.Error("encode chat message", "err", err)
		return
	}
	for _, id := range recipients {
		h.deliver(id, frame)
	}
	if m.Global {
		h.metrics.Inc(metrics.ChatGlobalMessage)
	} else {
		h.metrics.Inc(metrics.ChatRoomMessage)
	}
}

func (h *Hub) onSetUsername(c client, m protocol.SetUsername) {
	if _, err := h.reg.SetUsername(c.ID(), m.Username); err != nil {
		h.metrics.Inc(metrics.InvalidMessage)
		h.send(c, protocol.Error{Code: "invalid_message", Message: "username must not be empty"})
	}
}

func (h *Hub) roomsUpdate() protocol.RoomsUpdate {
	list := h.reg.ListRooms()
	h.rooms.Store(int64(len(list)))
	out := make([]protocol.RoomInfo, 0, len(list))
	for _, r := range list {
		out = append(out, protocol.RoomInfo{ID: r.RoomID, MemberCount: r.MemberCount})
	}
	return protocol.RoomsUpdate{Rooms: out}
}

func (h *Hub) broadcastRooms() {
	frame, err := protocol.MarshalServerMessage(h.roomsUpdate())
	if err != nil {
		return
	}
	for _, id := range h.reg.ConnectionIDs() {
		h.deliver(id, frame)
	}
}

func (h *Hub) send(c client, msg protocol.ServerMessage) {
	frame, err := protocol.MarshalServerMessage(msg)
	if err != nil {
		h.log.Error("encode server message", "type", msg.Type(), "err", err)
		return
	}
	c.Deliver(frame)
}

func (h *Hub) deliver(id string, frame []byte) {
	if c, ok := h.clients[id]; ok {
		c.Deliver(frame)
	}
}

// newMessageID returns a time-ordered chat message id.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
