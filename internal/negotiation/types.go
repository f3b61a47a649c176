// Package negotiation drives one offer/answer session per remote room member.
//
// It models the negotiation protocol only and is written against the
// MediaCapability and Signaler interfaces, so it never touches a WebRTC
// implementation or a socket directly.
package negotiation

import (
	"errors"
	"fmt"
)

type State int

const (
	StateNew State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Connectivity int

const (
	ConnectivityConnecting Connectivity = iota
	ConnectivityConnected
	ConnectivityDisconnected
	ConnectivityFailed
)

func (c Connectivity) String() string {
	switch c {
	case ConnectivityConnecting:
		return "connecting"
	case ConnectivityConnected:
		return "connected"
	case ConnectivityDisconnected:
		return "disconnected"
	case ConnectivityFailed:
		return "failed"
	default:
		return fmt.Sprintf("Connectivity(%d)", int(c))
	}
}

// Role is fixed by arrival order: a connection joining an occupied room
// offers to every existing member, and existing members answer.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

var (
	errInvalidSDPType = errors.New("negotiation: invalid session description type")
	errMissingSDP     = errors.New("negotiation: missing session description sdp")
)

// SessionDescription is the browser-compatible {type, sdp} shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (d SessionDescription) validate(want string) error {
	if d.Type != want {
		return fmt.Errorf("%w: %q", errInvalidSDPType, d.Type)
	}
	if d.SDP == "" {
		return errMissingSDP
	}
	return nil
}

// Candidate mirrors RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// RemoteTrack describes inbound media surfaced by a session.
type RemoteTrack struct {
	ID    string
	Kind  string
	Codec string
}

// PeerStatus is a point-in-time view of one negotiation session.
type PeerStatus struct {
	RemoteID          string       `json:"remoteId"`
	Role              Role         `json:"role"`
	State             State        `json:"state"`
	Connectivity      Connectivity `json:"connectivity"`
	PendingCandidates int          `json:"pendingCandidates"`
	Restarts          int          `json:"restarts"`
}

func (s State) MarshalText() ([]byte, error)        { return []byte(s.String()), nil }
func (c Connectivity) MarshalText() ([]byte, error) { return []byte(c.String()), nil }
func (r Role) MarshalText() ([]byte, error)         { return []byte(r.String()), nil }
