package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-call/internal/logger"
	"github.com/mossy-p/webrtc-call/internal/media"
	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/mossy-p/webrtc-call/internal/negotiator"
	"github.com/mossy-p/webrtc-call/internal/signaling"
)

const waitTimeout = 5 * time.Second

// fakeRelay pairs fake transports by room the way the real hub does.
type fakeRelay struct {
	mu         sync.Mutex
	rooms      map[string][]string
	transports map[string]*fakeTransport
	sent       []models.SignalMessage
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		rooms:      make(map[string][]string),
		transports: make(map[string]*fakeTransport),
	}
}

func (r *fakeRelay) connect(userID string) *fakeTransport {
	t := &fakeTransport{relay: r, userID: userID}
	r.mu.Lock()
	r.transports[userID] = t
	r.mu.Unlock()
	return t
}

type delivery struct {
	to  *fakeTransport
	msg models.SignalMessage
}

func (r *fakeRelay) route(from string, m models.SignalMessage) {
	r.mu.Lock()
	m.SenderID = from
	r.sent = append(r.sent, m)

	var out []delivery
	members := r.rooms[m.RoomID]
	switch m.Type {
	case models.SignalTypeJoin:
		found := false
		for _, id := range members {
			if id == from {
				found = true
			}
		}
		if !found {
			members = append(members, from)
			r.rooms[m.RoomID] = members
		}
		for _, id := range members {
			if id == from {
				continue
			}
			out = append(out,
				delivery{r.transports[id], models.NewPeerPresent(m.RoomID, from)},
				delivery{r.transports[from], models.NewPeerPresent(m.RoomID, id)})
		}
	case models.SignalTypeLeave:
		var rest []string
		for _, id := range members {
			if id != from {
				rest = append(rest, id)
				out = append(out, delivery{r.transports[id], m})
			}
		}
		r.rooms[m.RoomID] = rest
	default:
		for _, id := range members {
			if id != from {
				out = append(out, delivery{r.transports[id], m})
			}
		}
	}
	r.mu.Unlock()

	for _, d := range out {
		d.to.deliver(d.msg)
	}
}

func (r *fakeRelay) inject(userID string, m models.SignalMessage) {
	r.mu.Lock()
	t := r.transports[userID]
	r.mu.Unlock()
	t.deliver(m)
}

// last returns the most recent message of typ sent by from.
func (r *fakeRelay) last(typ models.SignalType, from string) (models.SignalMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if m := r.sent[i]; m.Type == typ && m.SenderID == from {
			return m, true
		}
	}
	return models.SignalMessage{}, false
}

func (r *fakeRelay) count(typ models.SignalType, from string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.sent {
		if m.Type == typ && (from == "" || m.SenderID == from) {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	relay  *fakeRelay
	userID string

	mu      sync.Mutex
	closed  bool
	onMsg   []signaling.MessageHandler
	onState []signaling.StateHandler
}

func (t *fakeTransport) Send(m models.SignalMessage) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return signaling.ErrChannelClosed
	}
	t.relay.route(t.userID, m)
	return nil
}

func (t *fakeTransport) OnMessage(h signaling.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMsg = append(t.onMsg, h)
}

func (t *fakeTransport) OnStateChange(h signaling.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = append(t.onState, h)
}

func (t *fakeTransport) deliver(m models.SignalMessage) {
	t.mu.Lock()
	hs := append([]signaling.MessageHandler(nil), t.onMsg...)
	t.mu.Unlock()
	for _, h := range hs {
		h(m)
	}
}

func (t *fakeTransport) setState(s signaling.State, err error) {
	t.mu.Lock()
	if s == signaling.StateUnavailable {
		t.closed = true
	}
	hs := append([]signaling.StateHandler(nil), t.onState...)
	t.mu.Unlock()
	for _, h := range hs {
		h(s, err)
	}
}

// fakePeer connects itself once both descriptions are set. Callbacks fire on
// their own goroutines, as pion's do.
type fakePeer struct {
	owner string
	cb    negotiator.Callbacks

	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     int
	closed     bool
	connected  bool
}

func (p *fakePeer) describe(typ webrtc.SDPType) webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return webrtc.SessionDescription{Type: typ, SDP: fmt.Sprintf("v=0 o=%s tracks=%d", p.owner, p.tracks)}
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.describe(webrtc.SDPTypeOffer), nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	hasRemote := p.remote != nil
	p.mu.Unlock()
	if !hasRemote {
		return webrtc.SessionDescription{}, errors.New("no remote description")
	}
	return p.describe(webrtc.SDPTypeAnswer), nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &d
	p.mu.Unlock()
	go p.cb.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"})
	p.maybeConnect()
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	if strings.Contains(d.SDP, "bogus") {
		return errors.New("unsupported codec")
	}
	p.mu.Lock()
	p.remote = &d
	p.mu.Unlock()
	if !strings.Contains(d.SDP, "tracks=0") {
		go p.cb.OnTrack(fakeTrack{id: "a", stream: "remote", kind: webrtc.RTPCodecTypeAudio})
	}
	p.maybeConnect()
	return nil
}

func (p *fakePeer) maybeConnect() {
	p.mu.Lock()
	ready := p.local != nil && p.remote != nil && !p.connected
	if ready {
		p.connected = true
	}
	p.mu.Unlock()
	if ready {
		go p.cb.OnConnectionState(webrtc.PeerConnectionStateConnected)
	}
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks++
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) candidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

type fakeTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) StreamID() string          { return t.stream }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

type testClient struct {
	id        string
	client    *Client
	transport *fakeTransport
	runErr    chan error
	cancel    context.CancelFunc

	mu     sync.Mutex
	peers  []*fakePeer
	events []Event
}

func startClient(t *testing.T, relay *fakeRelay, id string, device media.Device, opts ...func(*Config)) *testClient {
	t.Helper()
	tr := relay.connect(id)
	tc := startClientOn(t, tr, id, device, opts...)
	tc.transport = tr
	return tc
}

func startClientOn(t *testing.T, tr Transport, id string, device media.Device, opts ...func(*Config)) *testClient {
	t.Helper()
	tc := &testClient{id: id, runErr: make(chan error, 1)}
	cfg := Config{
		Transport: tr,
		LocalID:   id,
		NewPeer: func(cb negotiator.Callbacks) (negotiator.PeerConnection, error) {
			p := &fakePeer{owner: id, cb: cb}
			tc.mu.Lock()
			tc.peers = append(tc.peers, p)
			tc.mu.Unlock()
			return p, nil
		},
		Device:      device,
		Constraints: media.Constraints{Audio: true, Video: true},
		Logger:      logrus.NewEntry(logger.Discard()),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	tc.client = NewClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	tc.cancel = cancel
	go func() { tc.runErr <- tc.client.Run(ctx) }()
	go func() {
		for e := range tc.client.Events() {
			tc.mu.Lock()
			tc.events = append(tc.events, e)
			tc.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-tc.client.done:
		case <-time.After(waitTimeout):
		}
	})
	return tc
}

func (tc *testClient) eventsOf(kind EventKind) []Event {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	var out []Event
	for _, e := range tc.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// waitEvent waits until at least n events of kind were seen and returns the
// n-th.
func (tc *testClient) waitEvent(t *testing.T, kind EventKind, n int) Event {
	t.Helper()
	var got []Event
	eventually(t, fmt.Sprintf("%s: %d %s events", tc.id, n, kind), func() bool {
		got = tc.eventsOf(kind)
		return len(got) >= n
	})
	return got[n-1]
}

func (tc *testClient) peer(i int) *fakePeer {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if i >= len(tc.peers) {
		return nil
	}
	return tc.peers[i]
}

func (tc *testClient) peerCount() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.peers)
}

func (tc *testClient) snapshot(t *testing.T) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	s, err := tc.client.Snapshot(ctx)
	if err != nil {
		t.Fatalf("%s snapshot: %v", tc.id, err)
	}
	return s
}

func (tc *testClient) join(t *testing.T, roomID string) {
	t.Helper()
	if err := tc.client.Join(context.Background(), roomID, tc.id); err != nil {
		t.Fatalf("%s join: %v", tc.id, err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func connectPair(t *testing.T, a, b *testClient) {
	t.Helper()
	a.join(t, "r1")
	b.join(t, "r1")
	a.waitEvent(t, EventConnected, 1)
	b.waitEvent(t, EventConnected, 1)
}

func TestClient_TwoParticipantsConnect(t *testing.T) {
	relay := newFakeRelay()
	a := startClient(t, relay, "u1", media.SilentDevice{})
	b := startClient(t, relay, "u2", media.SilentDevice{})

	connectPair(t, a, b)

	if role := a.waitEvent(t, EventPeerPresent, 1).Role; role != negotiator.RoleOfferer {
		t.Fatalf("u1 role=%s, want offerer", role)
	}
	if role := b.waitEvent(t, EventPeerPresent, 1).Role; role != negotiator.RoleAnswerer {
		t.Fatalf("u2 role=%s, want answerer", role)
	}
	if n := relay.count(models.SignalTypeOffer, ""); n != 1 {
		t.Fatalf("offers=%d, want 1", n)
	}
	if relay.count(models.SignalTypeOffer, "u1") != 1 || relay.count(models.SignalTypeAnswer, "u2") != 1 {
		t.Fatalf("offer must come from u1 and answer from u2")
	}

	for _, tc := range []*testClient{a, b} {
		s := tc.snapshot(t)
		if s.Phase != negotiator.PhaseConnected || !s.TransportConnected {
			t.Fatalf("%s phase=%s transport=%v", tc.id, s.Phase, s.TransportConnected)
		}
		if s.Room.RemoteID == "" || s.Room.RemoteID == tc.id {
			t.Fatalf("%s remote=%q", tc.id, s.Room.RemoteID)
		}
	}

	// Each side trickled its candidate to the other.
	eventually(t, "candidates applied", func() bool {
		return a.peer(0).candidateCount() >= 1 && b.peer(0).candidateCount() >= 1
	})
}

func TestClient_MediaDeniedStillConnectsAndChats(t *testing.T) {
	relay := newFakeRelay()
	a := startClient(t, relay, "u1", media.PermissionDevice{Device: media.SilentDevice{}, Allowed: false})
	b := startClient(t, relay, "u2", media.SilentDevice{})

	connectPair(t, a, b)

	warn := a.waitEvent(t, EventMediaWarning, 1)
	if !errors.Is(warn.Err, media.ErrMediaAccessDenied) {
		t.Fatalf("warning err=%v, want ErrMediaAccessDenied", warn.Err)
	}
	if a.snapshot(t).LocalMedia {
		t.Fatalf("u1 must have no local media")
	}

	if _, err := a.client.SendText(context.Background(), "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	got := b.waitEvent(t, EventChatReceived, 1)
	if got.Chat.Text != "hi" || got.Chat.SenderID != "u1" {
		t.Fatalf("unexpected chat %+v", got.Chat)
	}
}

func TestClient_LeaveWhileOfferingStartsFreshCycle(t *testing.T) {
	relay := newFakeRelay()
	a := startClient(t, relay, "u1", media.NoDevice{})

	a.join(t, "r1")
	relay.inject("u1", models.NewPeerPresent("r1", "u2"))
	eventually(t, "offering", func() bool {
		s := a.snapshot(t)
		return s.Phase == negotiator.PhaseOffering && s.HasPeerConnection
	})

	// A candidate arriving before the answer stays buffered.
	relay.inject("u1", models.NewCandidate("r1", "u2", webrtc.ICECandidateInit{Candidate: "candidate:9"}))
	eventually(t, "buffered candidate", func() bool { return a.snapshot(t).PendingRemoteCandidates == 1 })

	if err := a.client.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if !a.peer(0).isClosed() {
		t.Fatalf("peer connection not released on leave")
	}
	if s := a.snapshot(t); s.Joined {
		t.Fatalf("still joined after leave: %+v", s)
	}
	if err := a.client.Leave(context.Background()); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
	if n := relay.count(models.SignalTypeLeave, "u1"); n != 1 {
		t.Fatalf("leave sent %d times, want 1", n)
	}

	a.join(t, "r1")
	relay.inject("u1", models.NewPeerPresent("r1", "u2"))
	eventually(t, "second offer", func() bool { return relay.count(models.SignalTypeOffer, "u1") == 2 })

	s := a.snapshot(t)
	if s.Phase != negotiator.PhaseOffering || s.PendingRemoteCandidates != 0 {
		t.Fatalf("fresh cycle phase=%s pending=%d", s.Phase, s.PendingRemoteCandidates)
	}
	if a.peerCount() != 2 || a.peer(1).isClosed() {
		t.Fatalf("expected a fresh, open peer connection")
	}
}

func TestClient_OptimisticEchoExactlyOnce(t *testing.T) {
	relay := newFakeRelay()
	a := startClient(t, relay, "u1", media.NoDevice{})
	b := startClient(t, relay, "u2", media.NoDevice{})
	a.join(t, "r1")
	b.join(t, "r1")

	if _, err := a.client.SendText(context.Background(), "one"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := a.snapshot(t).Chat; len(got) != 1 || got[0].Text != "one" {
		t.Fatalf("chat=%v, want the local echo", got)
	}

	// A relay echo of our own message is not logged again.
	relay.inject("u1", models.NewChat("r1", "u1", "one", time.Now().UnixMilli()))
	if _, err := b.client.SendText(context.Background(), "two"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	a.waitEvent(t, EventChatReceived, 1)

	chat := a.snapshot(t).Chat
	if len(chat) != 2 || chat[0].Text != "one" || chat[1].Text != "two" {
		t.Fatalf("chat=%v", chat)
	}
	if n := len(a.eventsOf(EventChatReceived)); n != 1 {
		t.Fatalf("chat notifications=%d, want 1", n)
	}
}

func TestClient_SendTextRequiresRoom(t *testing.T) {
	a := startClient(t, newFakeRelay(), "u1", media.NoDevice{})
	if _, err := a.client.SendText(context.Background(), "hi"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("err=%v, want ErrNotJoined", err)
	}
}

func TestClient_SimultaneousPeerPresentSingleOffer(t *testing.T) {
	for i := 0; i < 20; i++ {
		relay := newFakeRelay()
		a := startClient(t, relay, "u1", media.NoDevice{})
		b := startClient(t, relay, "u2", media.NoDevice{})

		// The relay tells both sides about each other on the second join.
		var wg sync.WaitGroup
		for _, tc := range []*testClient{a, b} {
			wg.Add(1)
			go func(tc *testClient) {
				defer wg.Done()
				if err := tc.client.Join(context.Background(), "r1", tc.id); err != nil {
					t.Errorf("%s join: %v", tc.id, err)
				}
			}(tc)
		}
		wg.Wait()

		a.waitEvent(t, EventConnected, 1)
		b.waitEvent(t, EventConnected, 1)
		if n := relay.count(models.SignalTypeOffer, "u2"); n != 0 {
			t.Fatalf("iteration %d: u2 sent %d offers", i, n)
		}
		if n := relay.count(models.SignalTypeOffer, "u1"); n != 1 {
			t.Fatalf("iteration %d: u1 sent %d offers, want 1", i, n)
		}
	}
}

func TestClient_RepeatedPeerPresentResets(t *testing.T) {
	relay := newFakeRelay()
	a := startClient(t, relay, "u1", media.NoDevice{})
	a.join(t, "r1")

	relay.inject("u1", models.NewPeerPresent("r1", "u2"))
	eventually(t, "offering", func() bool { return a.snapshot(t).Phase == negotiator.PhaseOffering })

	relay.inject("u1", models.NewPeerPresent("r1", "u3"))
	e := a.waitEvent(t, EventPeerPresent, 2)
	if !errors.Is(e.Err, ErrStalePeerPresent) || e.PeerID != "u3" {
		t.Fatalf("event=%+v, want stale peer-present for u3", e)
	}
	if !a.peer(0).isClosed() {
		t.Fatalf("stale peer connection not closed")
	}
	s := a.snapshot(t)
	if s.Room.RemoteID != "u3" || s.Phase != negotiator.PhaseOffering || a.peerCount() != 2 {
		t.Fatalf("snapshot=%+v peers=%d", s, a.peerCount())
	}
}

func TestClient_StaleCallbacksIgnored(t *testing.T) {
	relay := newFakeRelay()
	a := startClient(t, relay, "u1", media.NoDevice{})
	a.join(t, "r1")
	relay.inject("u1", models.NewPeerPresent("r1", "u2"))
	eventually(t, "peer", func() bool { return a.peerCount() == 1 })
	old := a.peer(0)

	if err := a.client.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	a.join(t, "r1")

	old.cb.OnConnectionState(webrtc.PeerConnectionStateConnected)
	old.cb.OnTrack(fakeTrack{id: "v", stream: "old", kind: webrtc.RTPCodecTypeVideo})

	// Snapshot is queued behind the callbacks.
	s := a.snapshot(t)
	if s.TransportConnected || s.Phase != negotiator.PhaseIdle {
		t.Fatalf("stale callback applied: %+v", s)
	}
	if n := len(a.eventsOf(EventConnected)) + len(a.eventsOf(EventRemoteStream)); n != 0 {
		t.Fatalf("stale callbacks produced %d events", n)
	}
}

func TestClient_BadOfferFailsCall(t *testing.T) {
	relay := newFakeRelay()
	b := startClient(t, relay, "u2", media.NoDevice{})
	b.join(t, "r1")
	relay.inject("u2", models.NewPeerPresent("r1", "u1"))
	relay.inject("u2", models.NewOffer("r1", "u1", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "bogus"}))

	e := b.waitEvent(t, EventCallFailed, 1)
	if !errors.Is(e.Err, negotiator.ErrNegotiationFailed) {
		t.Fatalf("err=%v, want ErrNegotiationFailed", e.Err)
	}
	s := b.snapshot(t)
	if s.Phase != negotiator.PhaseFailed || s.HasPeerConnection {
		t.Fatalf("phase=%s pc=%v", s.Phase, s.HasPeerConnection)
	}
	// Chat is unaffected by the failed call.
	if _, err := b.client.SendText(context.Background(), "still here"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
}

func TestClient_PeerLeftResetsNegotiation(t *testing.T) {
	relay := newFakeRelay()
	a := startClient(t, relay, "u1", media.NoDevice{})
	b := startClient(t, relay, "u2", media.NoDevice{})
	connectPair(t, a, b)
	if _, err := a.client.SendText(context.Background(), "bye?"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	if err := b.client.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if e := a.waitEvent(t, EventPeerLeft, 1); e.PeerID != "u2" {
		t.Fatalf("peer left=%q", e.PeerID)
	}
	s := a.snapshot(t)
	if !s.Joined || s.Room.RemoteID != "" || s.Phase != negotiator.PhaseIdle || s.HasPeerConnection {
		t.Fatalf("snapshot after peer left: %+v", s)
	}
	if len(s.Chat) != 1 {
		t.Fatalf("chat log must survive the peer leaving")
	}
	if !a.peer(0).isClosed() {
		t.Fatalf("old peer connection not closed")
	}
}

func TestClient_ReconnectRejoinsAndRenegotiates(t *testing.T) {
	relay := newFakeRelay()
	a := startClient(t, relay, "u1", media.NoDevice{})
	b := startClient(t, relay, "u2", media.NoDevice{})
	connectPair(t, a, b)

	a.transport.setState(signaling.StateReconnecting, errors.New("read: connection reset"))
	a.transport.setState(signaling.StateReconnected, nil)

	a.waitEvent(t, EventConnected, 2)
	b.waitEvent(t, EventConnected, 2)
	if n := relay.count(models.SignalTypeJoin, "u1"); n != 2 {
		t.Fatalf("joins from u1=%d, want 2", n)
	}
	if n := relay.count(models.SignalTypeOffer, "u1"); n != 2 {
		t.Fatalf("offers from u1=%d, want 2", n)
	}
	if !a.peer(0).isClosed() || !b.peer(0).isClosed() {
		t.Fatalf("pre-reconnect peer connections must be closed")
	}
}

func TestClient_ChannelUnavailableTearsDown(t *testing.T) {
	relay := newFakeRelay()
	a := startClient(t, relay, "u1", media.SilentDevice{})
	b := startClient(t, relay, "u2", media.NoDevice{})
	connectPair(t, a, b)
	a.waitEvent(t, EventLocalMedia, 1)

	a.transport.setState(signaling.StateUnavailable,
		fmt.Errorf("%w after 5 attempts: dial tcp: connection refused", signaling.ErrChannelUnavailable))

	select {
	case err := <-a.runErr:
		if !errors.Is(err, signaling.ErrChannelUnavailable) {
			t.Fatalf("Run err=%v, want ErrChannelUnavailable", err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("Run did not return")
	}
	if e := a.waitEvent(t, EventChannelUnavailable, 1); e.RoomID != "r1" {
		t.Fatalf("unavailable event room=%q", e.RoomID)
	}
	if !a.peer(0).isClosed() {
		t.Fatalf("peer connection not released")
	}
	if _, err := a.client.Snapshot(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Snapshot err=%v, want ErrStopped", err)
	}
}

func TestClient_MatchedJoinsNewRoom(t *testing.T) {
	relay := newFakeRelay()
	a := startClient(t, relay, "u1", media.NoDevice{})
	a.join(t, "r1")

	relay.inject("u1", models.NewMatched("r2", "u2"))

	if e := a.waitEvent(t, EventMatched, 1); e.RoomID != "r2" || e.PeerID != "u2" {
		t.Fatalf("matched event %+v", e)
	}
	if e := a.waitEvent(t, EventJoined, 2); e.RoomID != "r2" {
		t.Fatalf("joined room=%q, want r2", e.RoomID)
	}
	if relay.count(models.SignalTypeLeave, "u1") != 1 {
		t.Fatalf("old room not left")
	}
	if s := a.snapshot(t); s.Room.RoomID != "r2" {
		t.Fatalf("room=%q", s.Room.RoomID)
	}
}

func TestClient_IgnoresOtherRooms(t *testing.T) {
	relay := newFakeRelay()
	a := startClient(t, relay, "u1", media.NoDevice{})
	a.join(t, "r1")

	relay.inject("u1", models.NewPeerPresent("r9", "u2"))
	relay.inject("u1", models.NewChat("r9", "u2", "wrong room", 1))

	s := a.snapshot(t)
	if s.Room.RemoteID != "" || len(s.Chat) != 0 || a.peerCount() != 0 {
		t.Fatalf("message for another room applied: %+v", s)
	}
}

// gatedDevice opens its inner device only once release is closed.
type gatedDevice struct {
	release chan struct{}
	inner   media.Device
}

func (d gatedDevice) Open(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.inner.Open(ctx, c)
}

func TestClient_OfferWaitsForLocalMedia(t *testing.T) {
	relay := newFakeRelay()
	gate := gatedDevice{release: make(chan struct{}), inner: media.SilentDevice{}}
	a := startClient(t, relay, "u1", gate)
	b := startClient(t, relay, "u2", media.SilentDevice{})

	a.join(t, "r1")
	b.join(t, "r1")
	b.waitEvent(t, EventPeerPresent, 1)

	// u1 offers, but its camera is not ready yet.
	eventually(t, "peer-present held", func() bool { return a.snapshot(t).HeldSignals == 1 })
	if n := relay.count(models.SignalTypeOffer, ""); n != 0 {
		t.Fatalf("offer sent before local media settled: %d", n)
	}
	if a.peerCount() != 0 {
		t.Fatalf("peer connection created before local media settled")
	}

	close(gate.release)
	a.waitEvent(t, EventConnected, 1)
	b.waitEvent(t, EventConnected, 1)

	offer, ok := relay.last(models.SignalTypeOffer, "u1")
	if !ok || !strings.Contains(offer.Description.SDP, "tracks=2") {
		t.Fatalf("offer does not carry the local tracks: %+v", offer.Description)
	}
	if n := relay.count(models.SignalTypeOffer, "u1"); n != 1 {
		t.Fatalf("offers from u1=%d, want 1", n)
	}
	b.waitEvent(t, EventRemoteStream, 1)
	if s := a.snapshot(t); s.HeldSignals != 0 || !s.LocalMedia {
		t.Fatalf("after settle: %+v", s)
	}
}

func TestClient_MediaTimeoutNegotiatesWithoutTracks(t *testing.T) {
	relay := newFakeRelay()
	gate := gatedDevice{release: make(chan struct{}), inner: media.SilentDevice{}}
	a := startClient(t, relay, "u1", gate, func(c *Config) { c.MediaTimeout = 50 * time.Millisecond })
	b := startClient(t, relay, "u2", media.NoDevice{})

	connectPair(t, a, b)

	if e := a.waitEvent(t, EventMediaWarning, 1); !errors.Is(e.Err, media.ErrMediaUnavailable) {
		t.Fatalf("warning err=%v, want ErrMediaUnavailable", e.Err)
	}
	offer, ok := relay.last(models.SignalTypeOffer, "u1")
	if !ok || !strings.Contains(offer.Description.SDP, "tracks=0") {
		t.Fatalf("offer=%+v, want one without tracks", offer.Description)
	}
}
