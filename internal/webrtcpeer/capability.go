package webrtcpeer

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/negotiation"
)

// Capability implements negotiation.MediaCapability on pion PeerConnections.
type Capability struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	audio      *LocalAudio
	log        *slog.Logger

	// onTrack receives every remote track; it owns reading from it.
	onTrack func(*webrtc.TrackRemote)
}

type CapabilityConfig struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Audio      *LocalAudio
	Logger     *slog.Logger

	// OnTrack is called on its own goroutine for every remote track. If nil,
	// remote RTP is read and discarded.
	OnTrack func(*webrtc.TrackRemote)
}

func NewCapability(cfg CapabilityConfig) (*Capability, error) {
	if cfg.Audio == nil {
		return nil, errors.New("webrtcpeer: local audio is required")
	}
	if cfg.API == nil {
		api, err := NewAPI(Settings{})
		if err != nil {
			return nil, err
		}
		cfg.API = api
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Capability{
		api:        cfg.API,
		iceServers: cfg.ICEServers,
		audio:      cfg.Audio,
		log:        cfg.Logger,
		onTrack:    cfg.OnTrack,
	}, nil
}

func (c *Capability) NewSession(events negotiation.SessionEvents) (negotiation.MediaSession, error) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.iceServers})
	if err != nil {
		return nil, err
	}
	s := &session{pc: pc, audio: c.audio}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || events.OnLocalCandidate == nil {
			return
		}
		events.OnLocalCandidate(candidateFromPion(cand.ToJSON()))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if events.OnConnectivity == nil {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
			events.OnConnectivity(negotiation.ConnectivityConnecting)
		case webrtc.PeerConnectionStateConnected:
			events.OnConnectivity(negotiation.ConnectivityConnected)
		case webrtc.PeerConnectionStateDisconnected:
			events.OnConnectivity(negotiation.ConnectivityDisconnected)
		case webrtc.PeerConnectionStateFailed:
			events.OnConnectivity(negotiation.ConnectivityFailed)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if events.OnRemoteTrack != nil {
			events.OnRemoteTrack(negotiation.RemoteTrack{
				ID:    track.ID(),
				Kind:  track.Kind().String(),
				Codec: track.Codec().MimeType,
			})
		}
		if c.onTrack != nil {
			c.onTrack(track)
			return
		}
		discardRTP(track)
	})

	return s, nil
}

type session struct {
	pc    *webrtc.PeerConnection
	audio *LocalAudio

	mu     sync.Mutex
	sender *webrtc.RTPSender
	closed bool
}

func (s *session) AttachLocalMedia() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender != nil {
		return nil
	}
	sender, err := s.pc.AddTrack(s.audio.Track())
	if err != nil {
		return err
	}
	s.sender = sender
	s.audio.Start()

	// RTCP must be read for interceptors (NACK, reports) to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (s *session) CreateOffer(iceRestart bool) (negotiation.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return negotiation.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return negotiation.SessionDescription{}, err
	}
	return descriptionFromPion(offer), nil
}

func (s *session) CreateAnswer() (negotiation.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return negotiation.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return negotiation.SessionDescription{}, err
	}
	return descriptionFromPion(answer), nil
}

func (s *session) SetRemoteDescription(desc negotiation.SessionDescription) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (s *session) Rollback() error {
	if s.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return nil
	}
	return s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (s *session) AddRemoteCandidate(c negotiation.Candidate) error {
	if c.Candidate == "" {
		// End-of-candidates marker.
		return nil
	}
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (s *session) HasRemoteDescription() bool {
	return s.pc.RemoteDescription() != nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return negotiation.ErrSessionClosed
	}
	s.closed = true
	s.mu.Unlock()
	return s.pc.Close()
}

func descriptionFromPion(d webrtc.SessionDescription) negotiation.SessionDescription {
	return negotiation.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func candidateFromPion(c webrtc.ICECandidateInit) negotiation.Candidate {
	return negotiation.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func discardRTP(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
