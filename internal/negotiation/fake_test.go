package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeCapability struct {
	mu       sync.Mutex
	sessions []*fakeSession
	newErr   error
	// restartErr is copied into every new session.
	restartErr error
}

func (c *fakeCapability) NewSession(events SessionEvents) (MediaSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.newErr != nil {
		return nil, c.newErr
	}
	s := &fakeSession{events: events, restartErr: c.restartErr}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *fakeCapability) session(t *testing.T, i int) *fakeSession {
	t.Helper()
	var s *fakeSession
	waitFor(t, fmt.Sprintf("session %d", i), func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.sessions) > i {
			s = c.sessions[i]
			return true
		}
		return false
	})
	return s
}

type fakeSession struct {
	events     SessionEvents
	restartErr error

	mu        sync.Mutex
	calls     []string
	remote    *SessionDescription
	applied   []string
	closed    bool
	offerSeq  int
	closeCall int
}

func (s *fakeSession) record(call string) {
	s.calls = append(s.calls, call)
}

func (s *fakeSession) AttachLocalMedia() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("attach")
	return nil
}

func (s *fakeSession) CreateOffer(iceRestart bool) (SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iceRestart {
		s.record("restart-offer")
		if s.restartErr != nil {
			return SessionDescription{}, s.restartErr
		}
	} else {
		s.record("offer")
	}
	s.offerSeq++
	return SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer-%d", s.offerSeq)}, nil
}

func (s *fakeSession) CreateAnswer() (SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("answer")
	if s.remote == nil {
		return SessionDescription{}, errors.New("no remote description")
	}
	return SessionDescription{Type: "answer", SDP: "answer-to-" + s.remote.SDP}, nil
}

func (s *fakeSession) SetRemoteDescription(d SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("remote-" + d.Type)
	s.remote = &d
	return nil
}

func (s *fakeSession) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("rollback")
	return nil
}

func (s *fakeSession) AddRemoteCandidate(c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return errors.New("candidate before remote description")
	}
	s.applied = append(s.applied, c.Candidate)
	return nil
}

func (s *fakeSession) HasRemoteDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote != nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCall++
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	return nil
}

func (s *fakeSession) snapshot() (calls, applied []string, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...), append([]string(nil), s.applied...), s.closed
}

type sentMessage struct {
	kind string
	to   string
	desc SessionDescription
	cand Candidate
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSignaler) add(m sentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSignaler) SendOffer(to string, d SessionDescription) error {
	return f.add(sentMessage{kind: "offer", to: to, desc: d})
}

func (f *fakeSignaler) SendAnswer(to string, d SessionDescription) error {
	return f.add(sentMessage{kind: "answer", to: to, desc: d})
}

func (f *fakeSignaler) SendCandidate(to string, c Candidate) error {
	return f.add(sentMessage{kind: "candidate", to: to, cand: c})
}

func (f *fakeSignaler) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeSignaler) waitCount(t *testing.T, n int) []sentMessage {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d sent messages", n), func() bool { return len(f.messages()) >= n })
	return f.messages()
}

type closeCounter struct {
	mu sync.Mutex
	n  int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return nil
}

func (c *closeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, p *Peer, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return p.Status().State == want })
}

func cand(s string) Candidate { return Candidate{Candidate: s} }
