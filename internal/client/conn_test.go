package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/signaling"
)

func startSignaling(t *testing.T) string {
	t.Helper()
	hub := signaling.NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	srv, err := signaling.NewServer(signaling.Config{Hub: hub})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		cancel()
		<-done
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// sdpCapability produces descriptions whose SDP names the session, so the
// test can follow them across the relay.
type sdpCapability struct {
	name string

	mu       sync.Mutex
	sessions []*sdpSession
}

func (c *sdpCapability) NewSession(negotiation.SessionEvents) (negotiation.MediaSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &sdpSession{name: c.name}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *sdpCapability) allClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			return false
		}
	}
	return len(c.sessions) > 0
}

type sdpSession struct {
	name string

	mu     sync.Mutex
	remote *negotiation.SessionDescription
	closed bool
}

func (s *sdpSession) AttachLocalMedia() error { return nil }

func (s *sdpSession) CreateOffer(bool) (negotiation.SessionDescription, error) {
	return negotiation.SessionDescription{Type: "offer", SDP: "offer-from-" + s.name}, nil
}

func (s *sdpSession) CreateAnswer() (negotiation.SessionDescription, error) {
	return negotiation.SessionDescription{Type: "answer", SDP: "answer-from-" + s.name}, nil
}

func (s *sdpSession) SetRemoteDescription(d negotiation.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = &d
	return nil
}

func (s *sdpSession) Rollback() error { return nil }

func (s *sdpSession) AddRemoteCandidate(negotiation.Candidate) error { return nil }

func (s *sdpSession) HasRemoteDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote != nil
}

func (s *sdpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type mediaCloser struct {
	mu     sync.Mutex
	closed int
}

func (m *mediaCloser) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	return nil
}

func (m *mediaCloser) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type testPeer struct {
	conn       *Conn
	capability *sdpCapability
	media      *mediaCloser
	chats      chan protocol.Chat
}

func dialPeer(t *testing.T, url, name string) *testPeer {
	t.Helper()
	tp := &testPeer{
		capability: &sdpCapability{name: name},
		media:      &mediaCloser{},
		chats:      make(chan protocol.Chat, 16),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, Config{
		URL:          url,
		PingInterval: 100 * time.Millisecond,
		NewManager: func(sig negotiation.Signaler) (*negotiation.Manager, error) {
			return negotiation.NewManager(negotiation.Config{
				Capability: tp.capability,
				Signaler:   sig,
				LocalMedia: tp.media,
			})
		},
		Events: Events{
			OnChat: func(c protocol.Chat) { tp.chats <- c },
		},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	tp.conn = conn

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.Run(runCtx)
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		stop()
		<-done
	})

	if _, err := conn.WaitWelcome(ctx); err != nil {
		t.Fatalf("WaitWelcome: %v", err)
	}
	return tp
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func peerState(c *Conn, remoteID string) negotiation.State {
	m := c.Manager()
	if m == nil {
		return negotiation.StateClosed
	}
	for _, st := range m.Snapshot() {
		if st.RemoteID == remoteID {
			return st.State
		}
	}
	return negotiation.StateClosed
}

func TestConn_TwoPeersNegotiateThroughRelay(t *testing.T) {
	url := startSignaling(t)
	a := dialPeer(t, url, "a")
	b := dialPeer(t, url, "b")
	aID, bID := a.conn.ID(), b.conn.ID()

	if err := a.conn.JoinRoom("R", "alice"); err != nil {
		t.Fatalf("a join: %v", err)
	}
	eventually(t, "room R listed", func() bool {
		rooms := b.conn.Rooms()
		return len(rooms) == 1 && rooms[0].ID == "R"
	})

	if err := b.conn.JoinRoom("R", "bob"); err != nil {
		t.Fatalf("b join: %v", err)
	}

	eventually(t, "b stable toward a", func() bool { return peerState(b.conn, aID) == negotiation.StateStable })
	eventually(t, "a stable toward b", func() bool { return peerState(a.conn, bID) == negotiation.StateStable })

	// The joiner offered; the existing member answered.
	b.capability.mu.Lock()
	bRemote := b.capability.sessions[0].remote
	b.capability.mu.Unlock()
	if bRemote == nil || bRemote.SDP != "answer-from-a" {
		t.Fatalf("b remote description=%+v, want answer-from-a", bRemote)
	}
	if got := a.conn.Members(); got[bID] != "bob" {
		t.Fatalf("a members=%v, want bob", got)
	}
	if got := b.conn.Members(); got[aID] != "alice" {
		t.Fatalf("b members=%v, want alice", got)
	}

	if err := a.conn.SendChat("hello"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	select {
	case chat := <-b.chats:
		if chat.Message.Text != "hello" || chat.Message.Username != "alice" {
			t.Fatalf("chat=%+v", chat)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("chat not delivered")
	}

	// Leaving releases local media before the server hears about it, and the
	// remaining member tears down its session on user-left.
	if err := b.conn.LeaveRoom(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if b.media.count() != 1 || !b.capability.allClosed() {
		t.Fatalf("leave did not release media (closed=%d) and sessions", b.media.count())
	}
	eventually(t, "a drops b", func() bool { return a.conn.Manager().Len() == 0 })
	if _, ok := a.conn.Members()[bID]; ok {
		t.Fatalf("a still lists b as a member")
	}
	if err := b.conn.LeaveRoom(); err != ErrNotInRoom {
		t.Fatalf("second leave err=%v, want ErrNotInRoom", err)
	}
}

func TestConn_GlobalHistoryAndLatency(t *testing.T) {
	url := startSignaling(t)
	a := dialPeer(t, url, "a")
	b := dialPeer(t, url, "b")

	if err := a.conn.SetUsername("neo"); err != nil {
		t.Fatalf("set username: %v", err)
	}
	if err := a.conn.SendGlobal("broadcast"); err != nil {
		t.Fatalf("global: %v", err)
	}
	eventually(t, "global message in history", func() bool { return len(b.conn.History()) == 1 })
	if msg := b.conn.History()[0]; msg.Username != "neo" || msg.Text != "broadcast" {
		t.Fatalf("history=%+v", msg)
	}

	eventually(t, "latency samples", func() bool {
		_, n := a.conn.Latency()
		return n > 0
	})
}

// scriptedServer greets the client, waits for the given number of join-room
// frames, then writes script in order.
func scriptedServer(t *testing.T, joins int, script []protocol.ServerMessage) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		write := func(msg protocol.ServerMessage) bool {
			data, err := protocol.MarshalServerMessage(msg)
			if err != nil {
				t.Errorf("marshal %T: %v", msg, err)
				return false
			}
			return ws.WriteMessage(websocket.TextMessage, data) == nil
		}
		if !write(protocol.Welcome{ID: "me"}) {
			return
		}
		for seen := 0; seen < joins; {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msg, err := protocol.ParseClientMessage(data); err == nil {
				if _, ok := msg.(protocol.JoinRoom); ok {
					seen++
				}
			}
		}
		for _, msg := range script {
			if !write(msg) {
				return
			}
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestConn_StaleRoomTrafficDroppedAfterRejoin(t *testing.T) {
	offer := json.RawMessage(`{"type":"offer","sdp":"x"}`)
	url := scriptedServer(t, 2, []protocol.ServerMessage{
		// Still in flight from room A when the client moved to B.
		protocol.RoomPeers{RoomID: "A", Peers: []protocol.Peer{{ID: "old", Username: "o"}}},
		protocol.UserJoined{ID: "late", Username: "l"},
		protocol.Relayed{Kind: protocol.TypeOffer, From: "old", Payload: offer},
		protocol.RoomPeers{RoomID: "B", Peers: []protocol.Peer{}},
		// Joined B, but "old" is not a member of it.
		protocol.Relayed{Kind: protocol.TypeOffer, From: "old", Payload: offer},
		protocol.RoomsUpdate{Rooms: []protocol.RoomInfo{{ID: "B", MemberCount: 1}}},
	})
	p := dialPeer(t, url, "me")

	if err := p.conn.JoinRoom("A", "me"); err != nil {
		t.Fatalf("join A: %v", err)
	}
	if err := p.conn.JoinRoom("B", "me"); err != nil {
		t.Fatalf("join B: %v", err)
	}
	eventually(t, "script delivered", func() bool { return len(p.conn.Rooms()) == 1 })

	if n := p.conn.Manager().Len(); n != 0 {
		t.Fatalf("manager tracks %d peers, want 0", n)
	}
	p.capability.mu.Lock()
	sessions := len(p.capability.sessions)
	p.capability.mu.Unlock()
	if sessions != 0 {
		t.Fatalf("created %d media sessions for stale traffic", sessions)
	}
	if got := p.conn.Members(); len(got) != 0 {
		t.Fatalf("members=%v, want none", got)
	}
}

func TestConn_RelayFromMemberAfterRejoin(t *testing.T) {
	offer := json.RawMessage(`{"type":"offer","sdp":"x"}`)
	url := scriptedServer(t, 2, []protocol.ServerMessage{
		protocol.Relayed{Kind: protocol.TypeOffer, From: "old", Payload: offer},
		protocol.RoomPeers{RoomID: "B", Peers: []protocol.Peer{}},
		protocol.UserJoined{ID: "new", Username: "n"},
		protocol.Relayed{Kind: protocol.TypeOffer, From: "new", Payload: offer},
	})
	p := dialPeer(t, url, "me")

	if err := p.conn.JoinRoom("A", "me"); err != nil {
		t.Fatalf("join A: %v", err)
	}
	if err := p.conn.JoinRoom("B", "me"); err != nil {
		t.Fatalf("join B: %v", err)
	}
	eventually(t, "answer toward new member", func() bool { return peerState(p.conn, "new") == negotiation.StateStable })
	if n := p.conn.Manager().Len(); n != 1 {
		t.Fatalf("manager tracks %d peers, want 1", n)
	}
}
