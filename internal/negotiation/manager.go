package negotiation

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var ErrManagerClosed = errors.New("negotiation: manager closed")

type Config struct {
	Capability MediaCapability
	Signaler   Signaler

	// LocalMedia is released by Close after every peer has closed.
	LocalMedia io.Closer

	Logger          *slog.Logger
	DisconnectGrace time.Duration

	OnRemoteTrack func(remoteID string, track RemoteTrack)
	OnPeerClosed  func(remoteID string)
}

// Manager owns the negotiation sessions of one room membership, keyed by
// remote connection id. Membership changes are driven entirely by server
// notifications.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	peers  map[string]*Peer
	closed bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Capability == nil {
		return nil, errors.New("negotiation: capability is required")
	}
	if cfg.Signaler == nil {
		return nil, errors.New("negotiation: signaler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		log:   cfg.Logger,
		peers: make(map[string]*Peer),
	}, nil
}

// HandleRoomPeers starts an offerer session toward every existing member.
func (m *Manager) HandleRoomPeers(remoteIDs []string) {
	for _, id := range remoteIDs {
		m.ensurePeer(id, RoleOfferer)
	}
}

// HandlePeerJoined prepares an answerer session for a newcomer.
func (m *Manager) HandlePeerJoined(remoteID string) {
	m.ensurePeer(remoteID, RoleAnswerer)
}

// HandlePeerLeft tears down the session for remoteID.
func (m *Manager) HandlePeerLeft(remoteID string) error {
	return m.Remove(remoteID)
}

// HandleOffer routes an offer. An offer from an unknown peer creates an
// answerer session for it.
func (m *Manager) HandleOffer(from string, desc SessionDescription) {
	if p := m.ensurePeer(from, RoleAnswerer); p != nil {
		p.HandleOffer(desc)
	}
}

func (m *Manager) HandleAnswer(from string, desc SessionDescription) {
	if p := m.peer(from); p != nil {
		p.HandleAnswer(desc)
	}
}

func (m *Manager) HandleCandidate(from string, c Candidate) {
	if p := m.peer(from); p != nil {
		p.HandleCandidate(c)
	}
}

// Remove closes and forgets the session for remoteID. Removing an unknown or
// already removed peer is a no-op.
func (m *Manager) Remove(remoteID string) error {
	m.mu.Lock()
	p, ok := m.peers[remoteID]
	delete(m.peers, remoteID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Close()
}

// Close closes every session in parallel, then releases local media. It
// returns once all of them are closed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.peers = make(map[string]*Peer)
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range peers {
		g.Go(p.Close)
	}
	err := g.Wait()

	if m.cfg.LocalMedia != nil {
		if cerr := m.cfg.LocalMedia.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Snapshot returns the status of every live session ordered by remote id.
func (m *Manager) Snapshot() []PeerStatus {
	m.mu.Lock()
	out := make([]PeerStatus, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.Status())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func (m *Manager) peer(remoteID string) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[remoteID]
}

func (m *Manager) ensurePeer(remoteID string, role Role) *Peer {
	if remoteID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if p, ok := m.peers[remoteID]; ok {
		return p
	}

	p := newPeer(peerConfig{
		remoteID:        remoteID,
		role:            role,
		capability:      m.cfg.Capability,
		signaler:        m.cfg.Signaler,
		log:             m.log,
		disconnectGrace: m.cfg.DisconnectGrace,
		onRemoteTrack: func(t RemoteTrack) {
			if m.cfg.OnRemoteTrack != nil {
				m.cfg.OnRemoteTrack(remoteID, t)
			}
		},
	})
	p.cfg.onClosed = func() { m.forget(remoteID, p) }
	m.peers[remoteID] = p
	p.launch()
	return p
}

// forget drops p if it is still the registered session for remoteID.
func (m *Manager) forget(remoteID string, p *Peer) {
	m.mu.Lock()
	if m.peers[remoteID] == p {
		delete(m.peers, remoteID)
	}
	m.mu.Unlock()
	if m.cfg.OnPeerClosed != nil {
		m.cfg.OnPeerClosed(remoteID)
	}
}
