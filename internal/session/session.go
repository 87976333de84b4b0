// Package session owns the room session of a call client: it joins and
// leaves rooms over the signaling channel and drives the negotiator, the
// media pipeline and the chat stream of the active room.
//
// All session state lives on the goroutine running Client.Run. Channel
// messages, peer connection callbacks and media completions are queued onto
// that goroutine, each tagged with the epoch it belongs to; a completion from
// an epoch that has since been torn down is dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-call/internal/chat"
	"github.com/mossy-p/webrtc-call/internal/media"
	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/mossy-p/webrtc-call/internal/negotiator"
	"github.com/mossy-p/webrtc-call/internal/signaling"
)

var (
	// ErrStalePeerPresent is reported when a peer-present arrives while a
	// negotiation is already under way. The old negotiation is torn down.
	ErrStalePeerPresent = errors.New("stale peer-present")
	// ErrNotJoined is returned by operations that need an active room.
	ErrNotJoined = errors.New("not joined to a room")
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("session client stopped")
)

const defaultMediaTimeout = 10 * time.Second

// RoomSession identifies the active room. RemoteID is empty until a
// participant is known.
type RoomSession struct {
	RoomID   string
	LocalID  string
	RemoteID string
}

// Transport is the signaling channel as seen by the session.
// *signaling.Channel implements it.
type Transport interface {
	Send(models.SignalMessage) error
	OnMessage(signaling.MessageHandler)
	OnStateChange(signaling.StateHandler)
}

// Config holds the collaborators of a Client.
type Config struct {
	Transport Transport
	// LocalID is used when a matched push arrives before any Join.
	LocalID     string
	NewPeer     negotiator.Factory
	Device      media.Device
	Constraints media.Constraints
	// MediaTimeout bounds how long negotiation waits for local media before
	// proceeding without it. Zero means the default; negative waits forever.
	MediaTimeout time.Duration
	Notifier     chat.Notifier
	Logger       *logrus.Entry
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// Snapshot is a point-in-time view of the session, taken on the loop.
type Snapshot struct {
	Joined                  bool
	Room                    RoomSession
	Phase                   negotiator.Phase
	HasPeerConnection       bool
	TransportConnected      bool
	PendingRemoteCandidates int
	// HeldSignals counts negotiation messages waiting for local media.
	HeldSignals int
	LocalMedia  bool
	Chat        []chat.Entry
}

// Client manages at most one RoomSession at a time.
type Client struct {
	cfg    Config
	log    *logrus.Entry
	box    mailbox
	events chan Event
	done   chan struct{}

	// Owned by the Run goroutine.
	ctx          context.Context
	localID      string
	epoch        uint64
	sessionEpoch uint64
	negEpoch     uint64
	room         *RoomSession
	neg          *negotiator.Negotiator
	pipeline     *media.Pipeline
	chat         *chat.Stream
	cancelMedia  context.CancelFunc
	mediaTimer   *time.Timer
	mediaReady   bool
	held         []models.SignalMessage
	fatal        error
}

func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 128
	}
	if cfg.MediaTimeout == 0 {
		cfg.MediaTimeout = defaultMediaTimeout
	}
	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "session"),
		box:     mailbox{ready: make(chan struct{}, 1)},
		events:  make(chan Event, cfg.EventBuffer),
		done:    make(chan struct{}),
		localID: cfg.LocalID,
	}
	cfg.Transport.OnMessage(func(m models.SignalMessage) {
		c.post(func() { c.handleMessage(m) })
	})
	cfg.Transport.OnStateChange(func(s signaling.State, err error) {
		c.post(func() { c.handleChannelState(s, err) })
	})
	return c
}

// Events delivers session events. It is closed when Run returns.
func (c *Client) Events() <-chan Event { return c.events }

// Run processes queued work until ctx is cancelled or the channel becomes
// unavailable. On cancellation it leaves the active room and returns nil; on
// channel loss it returns an error wrapping signaling.ErrChannelUnavailable.
func (c *Client) Run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.events)
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.leave()
			return nil
		case <-c.box.ready:
			for _, f := range c.box.drain() {
				f()
				if c.fatal != nil {
					return c.fatal
				}
			}
		}
	}
}

// Join sends a join for roomID as localID. An active room is left first.
func (c *Client) Join(ctx context.Context, roomID, localID string) error {
	if roomID == "" || localID == "" {
		return fmt.Errorf("join requires room and local id")
	}
	return c.do(ctx, func() error { return c.join(roomID, localID) })
}

// Leave ends the active room session. It is a no-op when not joined.
func (c *Client) Leave(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.leave()
		return nil
	})
}

// SendText posts a chat message to the active room.
func (c *Client) SendText(ctx context.Context, text string) (chat.Entry, error) {
	var e chat.Entry
	err := c.do(ctx, func() error {
		if c.room == nil {
			return ErrNotJoined
		}
		var err error
		e, err = c.chat.SendText(text)
		return err
	})
	return e, err
}

func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.do(ctx, func() error {
		if c.room == nil {
			return nil
		}
		s = Snapshot{
			Joined:                  true,
			Room:                    *c.room,
			Phase:                   c.neg.Phase(),
			HasPeerConnection:       c.neg.HasPeerConnection(),
			TransportConnected:      c.neg.TransportConnected(),
			PendingRemoteCandidates: len(c.neg.PendingRemoteCandidates()),
			HeldSignals:             len(c.held),
			LocalMedia:              c.pipeline.Local() != nil,
			Chat:                    c.chat.Log().Entries(),
		}
		return nil
	})
	return s, err
}

// do runs f on the loop and waits for its result.
func (c *Client) do(ctx context.Context, f func() error) error {
	errc := make(chan error, 1)
	if !c.post(func() { errc <- f() }) {
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrStopped
		}
	}
}

func (c *Client) post(f func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.box.put(f)
	return true
}

func (c *Client) emit(e Event) {
	if e.RoomID == "" && c.room != nil {
		e.RoomID = c.room.RoomID
	}
	select {
	case c.events <- e:
	default:
		c.log.WithField("event", e.Kind).Warn("Event buffer full, dropping event")
	}
}

func (c *Client) send(m models.SignalMessage) error {
	return c.cfg.Transport.Send(m)
}

func (c *Client) join(roomID, localID string) error {
	if c.room != nil {
		c.leave()
	}
	c.localID = localID

	c.epoch++
	c.sessionEpoch = c.epoch
	c.room = &RoomSession{RoomID: roomID, LocalID: localID}

	log := c.log.WithFields(logrus.Fields{"room": roomID, "user": localID})
	c.pipeline = media.NewPipeline(c.cfg.Device, log)
	epoch := c.sessionEpoch
	c.pipeline.OnRemoteStream(func(s *media.RemoteStream) {
		// Runs inside HandleRemoteTrack, which is already on the loop.
		if c.sessionEpoch == epoch {
			c.emit(Event{Kind: EventRemoteStream, Remote: s})
		}
	})
	c.chat = chat.NewStream(roomID, localID, c.send, c.cfg.Notifier, log)
	c.newNegotiator()
	c.mediaReady = false
	c.held = nil

	if err := c.send(models.NewJoin(roomID, localID)); err != nil {
		c.teardown()
		return fmt.Errorf("send join: %w", err)
	}
	log.Info("Joined room")
	c.emit(Event{Kind: EventJoined, RoomID: roomID})

	c.acquireMedia(epoch)
	return nil
}

// acquireMedia opens the local device off the loop. The result is applied to
// whatever negotiator is current when it comes back. Negotiation messages are
// held until acquisition settles, so the first offer or answer already
// carries the local tracks.
func (c *Client) acquireMedia(epoch uint64) {
	mctx, cancel := context.WithCancel(c.ctx)
	c.cancelMedia = cancel
	pipeline := c.pipeline

	if timeout := c.cfg.MediaTimeout; timeout > 0 {
		c.mediaTimer = time.AfterFunc(timeout, func() {
			c.post(func() {
				if c.sessionEpoch != epoch || c.mediaReady {
					return
				}
				err := fmt.Errorf("%w: not ready after %s", media.ErrMediaUnavailable, timeout)
				c.log.WithField("err", err).Warn("Negotiating without local media")
				c.emit(Event{Kind: EventMediaWarning, Err: err})
				c.settleMedia()
			})
		})
	}

	go func() {
		stream, err := pipeline.AcquireLocal(mctx, c.cfg.Constraints)
		c.post(func() {
			if c.sessionEpoch != epoch || c.room == nil {
				// The pipeline was released; it stops late streams itself.
				return
			}
			if err != nil {
				c.emit(Event{Kind: EventMediaWarning, Err: err})
			} else {
				if err := c.neg.AttachTracks(stream.Tracks()); err != nil {
					c.log.WithField("err", err).Warn("Failed to attach local tracks")
				}
				c.emit(Event{Kind: EventLocalMedia, Local: stream})
			}
			c.settleMedia()
		})
	}()
}

// settleMedia replays the negotiation messages held while local media was
// pending, in arrival order.
func (c *Client) settleMedia() {
	if c.mediaReady {
		return
	}
	c.mediaReady = true
	if c.mediaTimer != nil {
		c.mediaTimer.Stop()
		c.mediaTimer = nil
	}
	held := c.held
	c.held = nil
	for _, m := range held {
		c.handleMessage(m)
	}
}

// heldUntilMedia reports whether t must wait for local media. Chat never
// waits.
func heldUntilMedia(t models.SignalType) bool {
	switch t {
	case models.SignalTypePeerPresent, models.SignalTypeOffer, models.SignalTypeAnswer,
		models.SignalTypeCandidate, models.SignalTypeLeave:
		return true
	}
	return false
}

// newNegotiator installs a fresh negotiator for the current room. Callbacks
// from older peer connections are ignored from here on.
func (c *Client) newNegotiator() {
	c.epoch++
	epoch := c.epoch
	c.negEpoch = epoch

	current := func() bool { return c.negEpoch == epoch && c.neg != nil }
	cb := negotiator.Callbacks{
		OnICECandidate: func(ci webrtc.ICECandidateInit) {
			c.post(func() {
				if current() {
					_ = c.neg.HandleLocalCandidate(ci)
				}
			})
		},
		OnConnectionState: func(s webrtc.PeerConnectionState) {
			c.post(func() {
				if current() {
					c.handleConnectionState(s)
				}
			})
		},
		OnTrack: func(t negotiator.RemoteTrack) {
			c.post(func() {
				if current() {
					c.pipeline.HandleRemoteTrack(t)
				}
			})
		},
	}

	c.neg = negotiator.New(negotiator.Config{
		RoomID:    c.room.RoomID,
		LocalID:   c.room.LocalID,
		NewPeer:   c.cfg.NewPeer,
		Callbacks: cb,
		Send:      c.send,
		Logger:    c.cfg.Logger,
	})
	c.pipeline.ResetRemote()
	if local := c.pipeline.Local(); local != nil {
		_ = c.neg.AttachTracks(local.Tracks())
	}
}

func (c *Client) resetNegotiation() {
	c.neg.Close()
	c.newNegotiator()
}

func (c *Client) leave() {
	if c.room == nil {
		return
	}
	roomID := c.room.RoomID
	if err := c.send(models.NewLeave(roomID, c.room.LocalID)); err != nil {
		c.log.WithFields(logrus.Fields{"room": roomID, "err": err}).Debug("Leave not delivered")
	}
	c.teardown()
	c.log.WithField("room", roomID).Info("Left room")
	c.emit(Event{Kind: EventLeft, RoomID: roomID})
}

// teardown releases everything owned by the room session without talking to
// the relay.
func (c *Client) teardown() {
	c.epoch++
	c.sessionEpoch = 0
	c.negEpoch = 0
	if c.cancelMedia != nil {
		c.cancelMedia()
		c.cancelMedia = nil
	}
	if c.mediaTimer != nil {
		c.mediaTimer.Stop()
		c.mediaTimer = nil
	}
	c.mediaReady = false
	c.held = nil
	if c.neg != nil {
		c.neg.Close()
	}
	if c.pipeline != nil {
		c.pipeline.Release()
	}
	if c.chat != nil {
		c.chat.Close()
	}
	c.room = nil
	c.neg = nil
	c.pipeline = nil
	c.chat = nil
}

func (c *Client) handleMessage(m models.SignalMessage) {
	switch m.Type {
	case models.SignalTypeMatched:
		c.handleMatched(m)
		return
	case models.SignalTypeError:
		c.log.WithFields(logrus.Fields{"room": m.RoomID, "err": m.Error}).Warn("Relay reported an error")
		c.emit(Event{Kind: EventRelayError, RoomID: m.RoomID, Err: errors.New(m.Error)})
		return
	}

	if c.room == nil || m.RoomID != c.room.RoomID {
		c.log.WithFields(logrus.Fields{"type": m.Type, "room": m.RoomID}).Debug("Dropping message for inactive room")
		return
	}
	if !c.mediaReady && heldUntilMedia(m.Type) {
		c.held = append(c.held, m)
		return
	}

	switch m.Type {
	case models.SignalTypePeerPresent:
		c.handlePeerPresent(m.PeerID)
	case models.SignalTypeOffer:
		if !c.fromRemote(m.SenderID, true) {
			return
		}
		c.checkNegotiation(c.neg.HandleOffer(m.SenderID, m.Description))
	case models.SignalTypeAnswer:
		if !c.fromRemote(m.SenderID, false) {
			return
		}
		c.checkNegotiation(c.neg.HandleAnswer(m.Description))
	case models.SignalTypeCandidate:
		if !c.fromRemote(m.SenderID, true) {
			return
		}
		c.checkNegotiation(c.neg.HandleRemoteCandidate(*m.Candidate))
	case models.SignalTypeChat:
		if e, ok := c.chat.HandleIncoming(m); ok {
			c.emit(Event{Kind: EventChatReceived, PeerID: e.SenderID, Chat: e})
		}
	case models.SignalTypeLeave:
		if m.SenderID == "" || m.SenderID == c.room.LocalID || m.SenderID != c.room.RemoteID {
			return
		}
		c.log.WithField("peer", m.SenderID).Info("Peer left")
		c.room.RemoteID = ""
		c.resetNegotiation()
		c.emit(Event{Kind: EventPeerLeft, PeerID: m.SenderID})
	}
}

// fromRemote reports whether senderID is the remote participant. When
// adopt is set and no remote is known yet, senderID becomes the remote.
func (c *Client) fromRemote(senderID string, adopt bool) bool {
	if senderID == "" || senderID == c.room.LocalID {
		return false
	}
	if c.room.RemoteID == "" && adopt {
		c.room.RemoteID = senderID
	}
	if senderID != c.room.RemoteID {
		c.log.WithFields(logrus.Fields{"sender": senderID, "peer": c.room.RemoteID}).Warn("Dropping message from unknown participant")
		return false
	}
	return true
}

func (c *Client) handlePeerPresent(peerID string) {
	if peerID == c.room.LocalID {
		return
	}
	var stale error
	if c.neg.Phase() != negotiator.PhaseIdle || (c.room.RemoteID != "" && c.room.RemoteID != peerID) {
		stale = fmt.Errorf("%w: peer %s while %s with %q", ErrStalePeerPresent, peerID, c.neg.Phase(), c.room.RemoteID)
		c.log.WithField("err", stale).Warn("Resetting negotiation")
		c.resetNegotiation()
	}
	c.room.RemoteID = peerID

	role, err := c.neg.Start(peerID)
	c.emit(Event{Kind: EventPeerPresent, PeerID: peerID, Role: role, Err: stale})
	c.checkNegotiation(err)
}

func (c *Client) handleConnectionState(s webrtc.PeerConnectionState) {
	was := c.neg.TransportConnected()
	c.checkNegotiation(c.neg.HandleConnectionState(s))
	if !was && c.neg.TransportConnected() {
		c.emit(Event{Kind: EventConnected, PeerID: c.room.RemoteID})
	}
}

// checkNegotiation surfaces a failed negotiation. It is not retried; the
// user re-initiates matching.
func (c *Client) checkNegotiation(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, negotiator.ErrNegotiationFailed) {
		c.emit(Event{Kind: EventCallFailed, PeerID: c.room.RemoteID, Err: err})
		return
	}
	c.log.WithField("err", err).Warn("Negotiation event rejected")
}

func (c *Client) handleMatched(m models.SignalMessage) {
	c.emit(Event{Kind: EventMatched, RoomID: m.RoomID, PeerID: m.MatchedUserID})
	if c.room != nil && c.room.RoomID == m.RoomID {
		return
	}
	if c.localID == "" {
		c.log.WithField("room", m.RoomID).Warn("Matched without a local id, not joining")
		return
	}
	c.log.WithFields(logrus.Fields{"room": m.RoomID, "peer": m.MatchedUserID}).Info("Matched, switching rooms")
	if err := c.join(m.RoomID, c.localID); err != nil {
		c.log.WithField("err", err).Error("Failed to join matched room")
	}
}

func (c *Client) handleChannelState(s signaling.State, err error) {
	switch s {
	case signaling.StateReconnecting:
		c.log.WithField("err", err).Warn("Signaling channel reconnecting")
	case signaling.StateReconnected:
		if c.room == nil {
			return
		}
		// Nothing is replayed across connections, so the room state is
		// unknown: start over with a fresh negotiation and join again.
		c.log.WithField("room", c.room.RoomID).Info("Re-joining after reconnect")
		c.room.RemoteID = ""
		c.held = nil
		c.resetNegotiation()
		if err := c.send(models.NewJoin(c.room.RoomID, c.room.LocalID)); err != nil {
			c.log.WithField("err", err).Warn("Re-join not delivered")
			return
		}
		c.emit(Event{Kind: EventJoined})
	case signaling.StateUnavailable:
		if err == nil || !errors.Is(err, signaling.ErrChannelUnavailable) {
			err = fmt.Errorf("%w: %v", signaling.ErrChannelUnavailable, err)
		}
		roomID := ""
		if c.room != nil {
			roomID = c.room.RoomID
		}
		c.teardown()
		c.emit(Event{Kind: EventChannelUnavailable, RoomID: roomID, Err: err})
		c.fatal = err
	}
}

// mailbox is an unbounded FIFO of loop work. Producers never block, so
// callbacks from pion goroutines cannot stall on a busy loop.
type mailbox struct {
	mu    sync.Mutex
	queue []func()
	ready chan struct{}
}

func (m *mailbox) put(f func()) {
	m.mu.Lock()
	m.queue = append(m.queue, f)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}
