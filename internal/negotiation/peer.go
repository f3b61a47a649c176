package negotiation

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultDisconnectGrace is how long a disconnected session may stay that way
// before it is treated as failed.
const DefaultDisconnectGrace = 3 * time.Second

const peerEventBuffer = 128

type peerEvent interface{ peerEvent() }

type (
	startEvent           struct{}
	remoteOfferEvent     struct{ desc SessionDescription }
	remoteAnswerEvent    struct{ desc SessionDescription }
	remoteCandidateEvent struct{ c Candidate }
	localCandidateEvent  struct{ c Candidate }
	connectivityEvent    struct{ c Connectivity }
	graceExpiredEvent    struct{ gen uint64 }
	closeEvent           struct{}
)

func (startEvent) peerEvent()           {}
func (remoteOfferEvent) peerEvent()     {}
func (remoteAnswerEvent) peerEvent()    {}
func (remoteCandidateEvent) peerEvent() {}
func (localCandidateEvent) peerEvent()  {}
func (connectivityEvent) peerEvent()    {}
func (graceExpiredEvent) peerEvent()    {}
func (closeEvent) peerEvent()           {}

type peerConfig struct {
	remoteID        string
	role            Role
	capability      MediaCapability
	signaler        Signaler
	log             *slog.Logger
	disconnectGrace time.Duration

	onRemoteTrack func(RemoteTrack)
	// onClosed runs on the peer goroutine once the peer reaches closed.
	onClosed func()
}

// Peer is the negotiation session toward one remote connection. All events
// for a peer are handled in order on its own goroutine.
type Peer struct {
	cfg peerConfig
	log *slog.Logger

	events chan peerEvent
	done   chan struct{}

	// Owned by the peer goroutine.
	session      MediaSession
	state        State
	connectivity Connectivity
	pending      []Candidate
	attached     bool
	restarting   bool
	restarts     int
	graceGen     uint64
	graceTimer   *time.Timer
	closeErr     error

	statusMu sync.Mutex
	status   PeerStatus
}

func newPeer(cfg peerConfig) *Peer {
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	if cfg.disconnectGrace <= 0 {
		cfg.disconnectGrace = DefaultDisconnectGrace
	}
	p := &Peer{
		cfg:    cfg,
		log:    cfg.log.With("remote_id", cfg.remoteID, "role", cfg.role.String()),
		events: make(chan peerEvent, peerEventBuffer),
		done:   make(chan struct{}),
	}
	p.publish()
	return p
}

// launch starts the peer goroutine and its initial negotiation step.
func (p *Peer) launch() {
	go p.run()
	p.post(startEvent{})
}

func (p *Peer) RemoteID() string { return p.cfg.remoteID }

func (p *Peer) Status() PeerStatus {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return p.status
}

// Done is closed once the peer reaches the closed state.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) HandleOffer(desc SessionDescription)  { p.post(remoteOfferEvent{desc: desc}) }
func (p *Peer) HandleAnswer(desc SessionDescription) { p.post(remoteAnswerEvent{desc: desc}) }
func (p *Peer) HandleCandidate(c Candidate)          { p.post(remoteCandidateEvent{c: c}) }

// Close tears the session down and waits for it. Closing a closed peer is a
// no-op.
func (p *Peer) Close() error {
	p.post(closeEvent{})
	<-p.done
	return p.closeErr
}

func (p *Peer) post(ev peerEvent) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	}
}

func (p *Peer) run() {
	for ev := range p.events {
		p.handle(ev)
		if p.state == StateClosed {
			return
		}
		p.publish()
	}
}

func (p *Peer) handle(ev peerEvent) {
	switch ev := ev.(type) {
	case startEvent:
		p.start()
	case remoteOfferEvent:
		p.onRemoteOffer(ev.desc)
	case remoteAnswerEvent:
		p.onRemoteAnswer(ev.desc)
	case remoteCandidateEvent:
		p.onRemoteCandidate(ev.c)
	case localCandidateEvent:
		if err := p.cfg.signaler.SendCandidate(p.cfg.remoteID, ev.c); err != nil {
			p.log.Debug("send local candidate", "err", err)
		}
	case connectivityEvent:
		p.onConnectivity(ev.c)
	case graceExpiredEvent:
		if ev.gen == p.graceGen && p.connectivity == ConnectivityDisconnected {
			p.log.Info("peer still disconnected after grace period")
			p.onFailure()
		}
	case closeEvent:
		p.teardown("closed")
	}
}

func (p *Peer) start() {
	if err := p.ensureSession(); err != nil {
		p.log.Warn("create media session", "err", err)
		p.teardown("session setup failed")
		return
	}
	if p.cfg.role != RoleOfferer {
		return
	}
	if err := p.attachLocalMedia(); err != nil {
		p.log.Warn("attach local media", "err", err)
		p.teardown("attach local media failed")
		return
	}
	if err := p.sendOffer(false); err != nil {
		p.log.Warn("initial offer", "err", err)
		p.teardown("offer failed")
	}
}

func (p *Peer) ensureSession() error {
	if p.session != nil {
		return nil
	}
	session, err := p.cfg.capability.NewSession(SessionEvents{
		OnLocalCandidate: func(c Candidate) { p.post(localCandidateEvent{c: c}) },
		OnConnectivity:   func(c Connectivity) { p.post(connectivityEvent{c: c}) },
		OnRemoteTrack: func(t RemoteTrack) {
			if p.cfg.onRemoteTrack != nil {
				p.cfg.onRemoteTrack(t)
			}
		},
	})
	if err != nil {
		return err
	}
	p.session = session
	return nil
}

func (p *Peer) attachLocalMedia() error {
	if p.attached {
		return nil
	}
	if err := p.session.AttachLocalMedia(); err != nil {
		return err
	}
	p.attached = true
	return nil
}

func (p *Peer) sendOffer(iceRestart bool) error {
	offer, err := p.session.CreateOffer(iceRestart)
	if err != nil {
		return err
	}
	if err := p.cfg.signaler.SendOffer(p.cfg.remoteID, offer); err != nil {
		return err
	}
	if !iceRestart {
		p.state = StateHaveLocalOffer
	}
	return nil
}

func (p *Peer) onRemoteOffer(desc SessionDescription) {
	if err := desc.validate("offer"); err != nil {
		p.log.Debug("ignoring offer", "err", err)
		return
	}
	// Glare: the offerer keeps its own offer and the answerer yields.
	if p.state == StateHaveLocalOffer || p.restarting {
		if p.cfg.role == RoleOfferer {
			p.log.Debug("ignoring offer while local offer is outstanding", "state", p.state.String())
			return
		}
		p.log.Debug("rolling back local offer", "state", p.state.String())
		if err := p.session.Rollback(); err != nil {
			p.log.Warn("rollback local offer", "err", err)
			p.teardown("rollback failed")
			return
		}
		p.restarting = false
	}
	if err := p.ensureSession(); err != nil {
		p.log.Warn("create media session", "err", err)
		p.teardown("session setup failed")
		return
	}

	p.state = StateHaveRemoteOffer
	if err := p.session.SetRemoteDescription(desc); err != nil {
		p.log.Warn("apply remote offer", "err", err)
		p.teardown("apply offer failed")
		return
	}
	p.flushCandidates()

	if err := p.attachLocalMedia(); err != nil {
		p.log.Warn("attach local media", "err", err)
		p.teardown("attach local media failed")
		return
	}
	answer, err := p.session.CreateAnswer()
	if err != nil {
		p.log.Warn("create answer", "err", err)
		p.teardown("answer failed")
		return
	}
	if err := p.cfg.signaler.SendAnswer(p.cfg.remoteID, answer); err != nil {
		p.log.Warn("send answer", "err", err)
		p.teardown("answer failed")
		return
	}
	p.state = StateStable
}

func (p *Peer) onRemoteAnswer(desc SessionDescription) {
	if err := desc.validate("answer"); err != nil {
		p.log.Debug("ignoring answer", "err", err)
		return
	}
	if p.state != StateHaveLocalOffer && !p.restarting {
		p.log.Debug("ignoring unexpected answer", "state", p.state.String())
		return
	}
	if err := p.session.SetRemoteDescription(desc); err != nil {
		p.log.Warn("apply remote answer", "err", err)
		p.teardown("apply answer failed")
		return
	}
	p.flushCandidates()
	p.restarting = false
	p.state = StateStable
}

func (p *Peer) onRemoteCandidate(c Candidate) {
	if p.session == nil || !p.session.HasRemoteDescription() {
		p.pending = append(p.pending, c)
		return
	}
	if err := p.session.AddRemoteCandidate(c); err != nil {
		p.log.Debug("add remote candidate", "err", err)
	}
}

// flushCandidates applies queued candidates in arrival order.
func (p *Peer) flushCandidates() {
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		if err := p.session.AddRemoteCandidate(c); err != nil {
			p.log.Debug("add queued remote candidate", "err", err)
		}
	}
}

func (p *Peer) onConnectivity(c Connectivity) {
	prev := p.connectivity
	p.connectivity = c
	if prev != c {
		p.log.Debug("connectivity changed", "from", prev.String(), "to", c.String())
	}

	switch c {
	case ConnectivityConnecting, ConnectivityConnected:
		p.stopGraceTimer()
	case ConnectivityDisconnected:
		if prev != ConnectivityDisconnected {
			p.startGraceTimer()
		}
	case ConnectivityFailed:
		p.stopGraceTimer()
		p.onFailure()
	}
}

func (p *Peer) startGraceTimer() {
	p.stopGraceTimer()
	gen := p.graceGen
	p.graceTimer = time.AfterFunc(p.cfg.disconnectGrace, func() {
		p.post(graceExpiredEvent{gen: gen})
	})
}

func (p *Peer) stopGraceTimer() {
	p.graceGen++
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
}

// onFailure restarts ICE from either side. If both sides restart at once the
// answerer rolls its offer back when the offerer's arrives.
func (p *Peer) onFailure() {
	p.state = StateFailed
	if p.restarting || p.session == nil {
		return
	}
	p.restarts++
	p.log.Info("connectivity failed; restarting ice", "attempt", p.restarts)
	if err := p.sendOffer(true); err != nil {
		p.log.Warn("ice restart offer failed", "err", err)
		p.teardown("restart failed")
		return
	}
	p.restarting = true
}

func (p *Peer) teardown(reason string) {
	if p.state == StateClosed {
		return
	}
	p.stopGraceTimer()
	p.state = StateClosed
	p.pending = nil
	if p.session != nil {
		if err := p.session.Close(); err != nil && !errors.Is(err, ErrSessionClosed) {
			p.closeErr = err
		}
	}
	p.log.Debug("peer closed", "reason", reason)
	p.publish()
	close(p.done)
	if p.cfg.onClosed != nil {
		p.cfg.onClosed()
	}
}

// ErrSessionClosed may be returned by MediaSession.Close on a session that is
// already closed. Teardown does not report it.
var ErrSessionClosed = errors.New("negotiation: session already closed")

func (p *Peer) publish() {
	p.statusMu.Lock()
	p.status = PeerStatus{
		RemoteID:          p.cfg.remoteID,
		Role:              p.cfg.role,
		State:             p.state,
		Connectivity:      p.connectivity,
		PendingCandidates: len(p.pending),
		Restarts:          p.restarts,
	}
	p.statusMu.Unlock()
}
