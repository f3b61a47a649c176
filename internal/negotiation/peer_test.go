package negotiation

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func newTestManager(t *testing.T, capability *fakeCapability, sig *fakeSignaler, grace time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Capability:      capability,
		Signaler:        sig,
		DisconnectGrace: grace,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestPeer_OffererHappyPath(t *testing.T) {
	capability := &fakeCapability{}
	sig := &fakeSignaler{}
	m := newTestManager(t, capability, sig, 0)

	m.HandleRoomPeers([]string{"b"})
	p := m.peer("b")
	waitState(t, p, StateHaveLocalOffer)

	sent := sig.waitCount(t, 1)
	if sent[0].kind != "offer" || sent[0].to != "b" || sent[0].desc.SDP != "offer-1" {
		t.Fatalf("sent=%#v, want offer-1 to b", sent[0])
	}

	m.HandleAnswer("b", SessionDescription{Type: "answer", SDP: "a1"})
	waitState(t, p, StateStable)

	calls, _, _ := capability.session(t, 0).snapshot()
	if want := []string{"attach", "offer", "remote-answer"}; !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls=%v, want %v", calls, want)
	}
}

func TestPeer_AnswererWaitsThenAnswers(t *testing.T) {
	capability := &fakeCapability{}
	sig := &fakeSignaler{}
	m := newTestManager(t, capability, sig, 0)

	m.HandlePeerJoined("a")
	s := capability.session(t, 0)
	p := m.peer("a")
	if st := p.Status(); st.State != StateNew || st.Role != RoleAnswerer {
		t.Fatalf("status=%+v, want new answerer", st)
	}
	if calls, _, _ := s.snapshot(); len(calls) != 0 {
		t.Fatalf("answerer acted before an offer: %v", calls)
	}

	m.HandleOffer("a", SessionDescription{Type: "offer", SDP: "o1"})
	waitState(t, p, StateStable)

	sent := sig.waitCount(t, 1)
	if sent[0].kind != "answer" || sent[0].desc.SDP != "answer-to-o1" {
		t.Fatalf("sent=%#v, want answer to o1", sent[0])
	}
	calls, _, _ := s.snapshot()
	if want := []string{"remote-offer", "attach", "answer"}; !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls=%v, want %v", calls, want)
	}
}

func TestPeer_CandidatesQueuedUntilRemoteDescription(t *testing.T) {
	capability := &fakeCapability{}
	sig := &fakeSignaler{}
	m := newTestManager(t, capability, sig, 0)

	m.HandlePeerJoined("a")
	p := m.peer("a")
	for _, c := range []string{"c1", "c2", "c3"} {
		m.HandleCandidate("a", cand(c))
	}
	waitFor(t, "3 pending candidates", func() bool { return p.Status().PendingCandidates == 3 })

	m.HandleOffer("a", SessionDescription{Type: "offer", SDP: "o1"})
	waitState(t, p, StateStable)
	if n := p.Status().PendingCandidates; n != 0 {
		t.Fatalf("pending=%d after offer, want 0", n)
	}

	m.HandleCandidate("a", cand("c4"))
	s := capability.session(t, 0)
	waitFor(t, "c4 applied", func() bool {
		_, applied, _ := s.snapshot()
		return len(applied) == 4
	})
	_, applied, _ := s.snapshot()
	if want := []string{"c1", "c2", "c3", "c4"}; !reflect.DeepEqual(applied, want) {
		t.Fatalf("applied=%v, want %v", applied, want)
	}
}

func TestPeer_CandidateBeforeAnswerOnOfferer(t *testing.T) {
	capability := &fakeCapability{}
	sig := &fakeSignaler{}
	m := newTestManager(t, capability, sig, 0)

	m.HandleRoomPeers([]string{"b"})
	p := m.peer("b")
	waitState(t, p, StateHaveLocalOffer)

	m.HandleCandidate("b", cand("early"))
	m.HandleAnswer("b", SessionDescription{Type: "answer", SDP: "a1"})
	waitState(t, p, StateStable)

	_, applied, _ := capability.session(t, 0).snapshot()
	if want := []string{"early"}; !reflect.DeepEqual(applied, want) {
		t.Fatalf("applied=%v, want %v", applied, want)
	}
}

func TestPeer_LocalCandidatesTrickle(t *testing.T) {
	capability := &fakeCapability{}
	sig := &fakeSignaler{}
	m := newTestManager(t, capability, sig, 0)

	m.HandleRoomPeers([]string{"b"})
	s := capability.session(t, 0)
	waitState(t, m.peer("b"), StateHaveLocalOffer)

	s.events.OnLocalCandidate(cand("local-1"))
	sent := sig.waitCount(t, 2)
	if sent[1].kind != "candidate" || sent[1].to != "b" || sent[1].cand.Candidate != "local-1" {
		t.Fatalf("sent=%#v, want trickled candidate", sent[1])
	}
}

func TestPeer_OffererIgnoresGlareOffer(t *testing.T) {
	capability := &fakeCapability{}
	sig := &fakeSignaler{}
	m := newTestManager(t, capability, sig, 0)

	m.HandleRoomPeers([]string{"b"})
	p := m.peer("b")
	waitState(t, p, StateHaveLocalOffer)

	m.HandleOffer("b", SessionDescription{Type: "offer", SDP: "theirs"})
	m.HandleAnswer("b", SessionDescription{Type: "answer", SDP: "a1"})
	waitState(t, p, StateStable)

	for _, msg := range sig.messages() {
		if msg.kind == "answer" {
			t.Fatalf("offerer answered a glare offer")
		}
	}
}

func TestPeer_InvalidDescriptionsIgnored(t *testing.T) {
	capability := &fakeCapability{}
	sig := &fakeSignaler{}
	m := newTestManager(t, capability, sig, 0)

	m.HandlePeerJoined("a")
	p := m.peer("a")
	m.HandleOffer("a", SessionDescription{Type: "answer", SDP: "x"})
	m.HandleOffer("a", SessionDescription{Type: "offer"})
	m.HandleCandidate("a", cand("sync"))
	waitFor(t, "candidate queued", func() bool { return p.Status().PendingCandidates == 1 })
	if st := p.Status().State; st != StateNew {
		t.Fatalf("state=%v, want new", st)
	}
}

func TestPeer_FailedConnectivityRestartsICE(t *testing.T) {
	capability := &fakeCapability{}
	sig := &fakeSignaler{}
	m := newTestManager(t, capability, sig, 0)

	m.HandleRoomPeers([]string{"b"})
	p := m.peer("b")
	s := capability.session(t, 0)
	waitState(t, p, StateHaveLocalOffer)
	m.HandleAnswer("b", SessionDescription{Type: "answer", SDP: "a1"})
	waitState(t, p, StateStable)

	s.events.OnConnectivity(ConnectivityConnected)
	s.events.OnConnectivity(ConnectivityFailed)
	waitState(t, p, StateFailed)

	sent := sig.waitCount(t, 2)
	if sent[1].kind != "offer" || sent[1].desc.SDP != "offer-2" {
		t.Fatalf("sent=%#v, want restart offer", sent[1])
	}
	if st := p.Status(); st.Restarts != 1 {
		t.Fatalf("restarts=%d, want 1", st.Restarts)
	}

	m.HandleAnswer("b", SessionDescription{Type: "answer", SDP: "a2"})
	waitState(t, p, StateStable)
	s.events.OnConnectivity(ConnectivityConnected)
	waitFor(t, "connected", func() bool { return p.Status().Connectivity == ConnectivityConnected })

	calls, _, _ := s.snapshot()
	if want := []string{"attach", "offer", "remote-answer", "restart-offer", "remote-answer"}; !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls=%v, want %v", calls, want)
	}
}

func TestPeer_RestartFailureClosesAndRemoves(t *testing.T) {
	capability := &fakeCapability{restartErr: errors.New("no restart")}
	sig := &fakeSignaler{}
	closedCh := make(chan string, 1)
	m, err := NewManager(Config{
		Capability:   capability,
		Signaler:     sig,
		OnPeerClosed: func(id string) { closedCh <- id },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	m.HandleRoomPeers([]string{"b"})
	p := m.peer("b")
	s := capability.session(t, 0)
	waitState(t, p, StateHaveLocalOffer)

	s.events.OnConnectivity(ConnectivityFailed)
	select {
	case id := <-closedCh:
		if id != "b" {
			t.Fatalf("closed peer=%q, want b", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer was not closed after failed restart")
	}
	if p.Status().State != StateClosed {
		t.Fatalf("state=%v, want closed", p.Status().State)
	}
	if m.Len() != 0 {
		t.Fatalf("manager still tracks %d peers", m.Len())
	}
	if _, _, closed := s.snapshot(); !closed {
		t.Fatalf("media session not closed")
	}
}

func TestPeer_AnswererRestartsICE(t *testing.T) {
	capability := &fakeCapability{}
	sig := &fakeSignaler{}
	m := newTestManager(t, capability, sig, 0)

	m.HandlePeerJoined("a")
	p := m.peer("a")
	s := capability.session(t, 0)
	m.HandleOffer("a", SessionDescription{Type: "offer", SDP: "o1"})
	waitState(t, p, StateStable)

	s.events.OnConnectivity(ConnectivityFailed)
	waitState(t, p, StateFailed)
	sent := sig.waitCount(t, 2)
	if sent[1].kind != "offer" || sent[1].to != "a" || sent[1].desc.SDP != "offer-1" {
		t.Fatalf("sent=%#v, want restart offer to a", sent[1])
	}
	if st := p.Status(); st.Restarts != 1 {
		t.Fatalf("restarts=%d, want 1", st.Restarts)
	}

	m.HandleAnswer("a", SessionDescription{Type: "answer", SDP: "a2"})
	waitState(t, p, StateStable)

	calls, _, _ := s.snapshot()
	if want := []string{"remote-offer", "attach", "answer", "restart-offer", "remote-answer"}; !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls=%v, want %v", calls, want)
	}
}

func TestPeer_AnswererYieldsToRestartGlare(t *testing.T) {
	capability := &fakeCapability{}
	sig := &fakeSignaler{}
	m := newTestManager(t, capability, sig, 0)

	m.HandlePeerJoined("a")
	p := m.peer("a")
	s := capability.session(t, 0)
	m.HandleOffer("a", SessionDescription{Type: "offer", SDP: "o1"})
	waitState(t, p, StateStable)

	s.events.OnConnectivity(ConnectivityFailed)
	sig.waitCount(t, 2)

	// Both sides restarted; the offerer's offer wins.
	m.HandleOffer("a", SessionDescription{Type: "offer", SDP: "o2"})
	sent := sig.waitCount(t, 3)
	if sent[2].kind != "answer" || sent[2].desc.SDP != "answer-to-o2" {
		t.Fatalf("sent=%#v, want answer to o2", sent[2])
	}
	waitState(t, p, StateStable)

	calls, _, _ := s.snapshot()
	want := []string{"remote-offer", "attach", "answer", "restart-offer", "rollback", "remote-offer", "answer"}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls=%v, want %v", calls, want)
	}

	// A late answer to the rolled back offer is ignored.
	m.HandleAnswer("a", SessionDescription{Type: "answer", SDP: "late"})
	m.HandleCandidate("a", cand("sync"))
	waitFor(t, "candidate applied", func() bool {
		_, applied, _ := s.snapshot()
		return len(applied) == 1
	})
	if calls, _, _ := s.snapshot(); len(calls) != len(want) {
		t.Fatalf("late answer applied: %v", calls)
	}
}

func TestPeer_OffererIgnoresRestartGlare(t *testing.T) {
	capability := &fakeCapability{}
	sig := &fakeSignaler{}
	m := newTestManager(t, capability, sig, 0)

	m.HandleRoomPeers([]string{"b"})
	p := m.peer("b")
	s := capability.session(t, 0)
	waitState(t, p, StateHaveLocalOffer)
	m.HandleAnswer("b", SessionDescription{Type: "answer", SDP: "a1"})
	waitState(t, p, StateStable)

	s.events.OnConnectivity(ConnectivityFailed)
	sig.waitCount(t, 2)
	m.HandleOffer("b", SessionDescription{Type: "offer", SDP: "theirs"})
	m.HandleAnswer("b", SessionDescription{Type: "answer", SDP: "a2"})
	waitState(t, p, StateStable)

	for _, msg := range sig.messages() {
		if msg.kind == "answer" {
			t.Fatalf("offerer answered a restart glare offer")
		}
	}
}

func TestPeer_DisconnectGrace(t *testing.T) {
	capability := &fakeCapability{}
	sig := &fakeSignaler{}
	m := newTestManager(t, capability, sig, 50*time.Millisecond)

	m.HandleRoomPeers([]string{"b"})
	p := m.peer("b")
	s := capability.session(t, 0)
	waitState(t, p, StateHaveLocalOffer)
	m.HandleAnswer("b", SessionDescription{Type: "answer", SDP: "a1"})
	waitState(t, p, StateStable)

	// A blip shorter than the grace period is tolerated.
	s.events.OnConnectivity(ConnectivityDisconnected)
	s.events.OnConnectivity(ConnectivityConnected)
	time.Sleep(150 * time.Millisecond)
	if st := p.Status(); st.State != StateStable || st.Restarts != 0 {
		t.Fatalf("status=%+v after blip, want stable without restart", st)
	}

	s.events.OnConnectivity(ConnectivityDisconnected)
	waitState(t, p, StateFailed)
	if st := p.Status(); st.Restarts != 1 {
		t.Fatalf("restarts=%d, want 1", st.Restarts)
	}
}

func TestPeer_SessionSetupFailureCloses(t *testing.T) {
	capability := &fakeCapability{newErr: errors.New("no media")}
	sig := &fakeSignaler{}
	m := newTestManager(t, capability, sig, 0)

	m.HandleRoomPeers([]string{"b"})
	waitFor(t, "peer removed", func() bool { return m.Len() == 0 })
	if len(sig.messages()) != 0 {
		t.Fatalf("sent messages without a session")
	}
}

func TestPeer_CloseIsIdempotent(t *testing.T) {
	capability := &fakeCapability{}
	sig := &fakeSignaler{}
	m := newTestManager(t, capability, sig, 0)

	m.HandleRoomPeers([]string{"b"})
	p := m.peer("b")
	waitState(t, p, StateHaveLocalOffer)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	s := capability.session(t, 0)
	s.mu.Lock()
	n := s.closeCall
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("session Close called %d times, want 1", n)
	}

	// Events after close are dropped.
	p.HandleAnswer(SessionDescription{Type: "answer", SDP: "late"})
	if p.Status().State != StateClosed {
		t.Fatalf("state=%v, want closed", p.Status().State)
	}
}
