package negotiation

// MediaCapability creates negotiable media sessions.
type MediaCapability interface {
	NewSession(events SessionEvents) (MediaSession, error)
}

// SessionEvents are invoked from the capability's own goroutines.
type SessionEvents struct {
	OnLocalCandidate func(Candidate)
	OnConnectivity   func(Connectivity)
	OnRemoteTrack    func(RemoteTrack)
}

// MediaSession is one negotiable connection to a single remote participant.
type MediaSession interface {
	// AttachLocalMedia adds the shared local audio to the session.
	AttachLocalMedia() error
	CreateOffer(iceRestart bool) (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetRemoteDescription(SessionDescription) error
	// Rollback discards an outstanding local offer.
	Rollback() error
	AddRemoteCandidate(Candidate) error
	HasRemoteDescription() bool
	Close() error
}

// Signaler delivers negotiation messages to a remote connection id.
type Signaler interface {
	SendOffer(to string, desc SessionDescription) error
	SendAnswer(to string, desc SessionDescription) error
	SendCandidate(to string, c Candidate) error
}
