// Package negotiator drives the offer/answer/candidate exchange for one peer
// connection per room session.
//
// A Negotiator is a plain state machine. It is not safe for concurrent use:
// its owner feeds it events one at a time from a single goroutine, including
// the peer connection callbacks, which arrive on pion's goroutines and must be
// forwarded to that owner first.
package negotiator

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-call/internal/models"
)

// ErrNegotiationFailed wraps any failure to create or apply a description or
// candidate. The negotiator is in PhaseFailed afterwards.
var ErrNegotiationFailed = errors.New("negotiation failed")

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOffering
	PhaseAnswering
	PhaseConnected
	PhaseClosed
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOffering:
		return "offering"
	case PhaseAnswering:
		return "answering"
	case PhaseConnected:
		return "connected"
	case PhaseClosed:
		return "closed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Role is the part a participant plays in the exchange.
type Role int

const (
	RoleAnswerer Role = iota
	RoleOfferer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// RoleFor derives the role from the two participant ids alone: the lower id
// offers. Both sides reach the same answer without a round trip, so two
// simultaneous peer-present deliveries never produce two offers.
func RoleFor(localID, remoteID string) Role {
	if localID < remoteID {
		return RoleOfferer
	}
	return RoleAnswerer
}

// Sender delivers a message to the relay.
type Sender func(models.SignalMessage) error

// Config holds what a Negotiator needs for one room session.
type Config struct {
	RoomID  string
	LocalID string
	// NewPeer creates the peer connection. Callbacks passed to it are the
	// owner's, already bound to this negotiator's session.
	NewPeer   Factory
	Callbacks Callbacks
	Send      Sender
	Logger    *logrus.Entry
}

// Negotiator holds the NegotiationState of one room session.
type Negotiator struct {
	cfg Config
	log *logrus.Entry

	phase    Phase
	remoteID string
	pc       PeerConnection

	localDescription  *webrtc.SessionDescription
	remoteDescription *webrtc.SessionDescription

	// Local candidates gathered before our description went out.
	pendingLocalCandidates []webrtc.ICECandidateInit
	// Remote candidates received before the remote description was applied.
	pendingRemoteCandidates []webrtc.ICECandidateInit

	tracks          []webrtc.TrackLocal
	transportActive bool
}

func New(cfg Config) *Negotiator {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Negotiator{
		cfg: cfg,
		log: log.WithFields(logrus.Fields{
			"component": "negotiator",
			"room":      cfg.RoomID,
		}),
	}
}

func (n *Negotiator) Phase() Phase { return n.phase }

func (n *Negotiator) RemoteID() string { return n.remoteID }

// HasPeerConnection reports whether a peer connection object currently exists.
func (n *Negotiator) HasPeerConnection() bool { return n.pc != nil }

// PendingRemoteCandidates returns a copy of the buffered remote candidates.
func (n *Negotiator) PendingRemoteCandidates() []webrtc.ICECandidateInit {
	return append([]webrtc.ICECandidateInit(nil), n.pendingRemoteCandidates...)
}

// TransportConnected reports whether ICE/DTLS reached the connected state.
func (n *Negotiator) TransportConnected() bool { return n.transportActive }

func (n *Negotiator) terminal() bool {
	return n.phase == PhaseClosed || n.phase == PhaseFailed
}

// Start reacts to a peer-present for remoteID. The offerer creates and sends
// an offer; the answerer stays idle until the offer arrives.
func (n *Negotiator) Start(remoteID string) (Role, error) {
	role := RoleFor(n.cfg.LocalID, remoteID)
	if n.terminal() {
		return role, fmt.Errorf("negotiator is %s", n.phase)
	}
	if n.phase != PhaseIdle {
		n.log.WithField("phase", n.phase).Debug("Ignoring peer-present, negotiation already under way")
		return role, nil
	}
	n.remoteID = remoteID

	l := n.log.WithFields(logrus.Fields{"peer": remoteID, "role": role})
	if role == RoleAnswerer {
		l.Debug("Waiting for offer")
		return role, nil
	}

	if err := n.ensurePeer(); err != nil {
		return role, n.fail(err)
	}
	n.phase = PhaseOffering

	offer, err := n.pc.CreateOffer()
	if err != nil {
		return role, n.fail(fmt.Errorf("create offer: %w", err))
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return role, n.fail(fmt.Errorf("set local offer: %w", err))
	}
	n.localDescription = &offer

	if err := n.cfg.Send(models.NewOffer(n.cfg.RoomID, n.cfg.LocalID, offer)); err != nil {
		return role, n.fail(fmt.Errorf("send offer: %w", err))
	}
	l.Info("Offer sent")
	n.flushLocalCandidates()
	return role, nil
}

// HandleOffer answers an offer from senderID. An offer while we are the
// offerer, or after the exchange completed, is ignored.
func (n *Negotiator) HandleOffer(senderID string, desc *models.SessionDescription) error {
	if n.terminal() {
		n.log.WithField("phase", n.phase).Debug("Dropping offer")
		return nil
	}
	if n.phase != PhaseIdle {
		n.log.WithFields(logrus.Fields{"phase": n.phase, "peer": senderID}).Warn("Ignoring unexpected offer")
		return nil
	}
	n.remoteID = senderID

	offer, err := parseDescription(desc)
	if err != nil {
		return n.fail(err)
	}
	if err := n.ensurePeer(); err != nil {
		return n.fail(err)
	}
	n.phase = PhaseAnswering

	if err := n.applyRemote(offer); err != nil {
		return n.fail(err)
	}

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return n.fail(fmt.Errorf("create answer: %w", err))
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return n.fail(fmt.Errorf("set local answer: %w", err))
	}
	n.localDescription = &answer

	if err := n.cfg.Send(models.NewAnswer(n.cfg.RoomID, n.cfg.LocalID, answer)); err != nil {
		return n.fail(fmt.Errorf("send answer: %w", err))
	}
	n.phase = PhaseConnected
	n.log.WithField("peer", senderID).Info("Answer sent")
	n.flushLocalCandidates()
	return nil
}

// HandleAnswer completes an exchange we started.
func (n *Negotiator) HandleAnswer(desc *models.SessionDescription) error {
	if n.phase != PhaseOffering {
		n.log.WithField("phase", n.phase).Warn("Ignoring unexpected answer")
		return nil
	}

	answer, err := parseDescription(desc)
	if err != nil {
		return n.fail(err)
	}
	if err := n.applyRemote(answer); err != nil {
		return n.fail(err)
	}
	n.phase = PhaseConnected
	n.log.WithField("peer", n.remoteID).Info("Answer applied")
	return nil
}

// HandleRemoteCandidate applies c now if the remote description is set and
// buffers it otherwise.
func (n *Negotiator) HandleRemoteCandidate(c models.ICECandidate) error {
	if n.terminal() {
		return nil
	}
	init := c.ToPion()
	if n.remoteDescription == nil {
		n.pendingRemoteCandidates = append(n.pendingRemoteCandidates, init)
		return nil
	}
	if err := n.pc.AddICECandidate(init); err != nil {
		return n.fail(fmt.Errorf("add ice candidate: %w", err))
	}
	return nil
}

// HandleLocalCandidate trickles a locally gathered candidate to the peer.
func (n *Negotiator) HandleLocalCandidate(c webrtc.ICECandidateInit) error {
	if n.terminal() || n.pc == nil {
		return nil
	}
	if n.localDescription == nil {
		n.pendingLocalCandidates = append(n.pendingLocalCandidates, c)
		return nil
	}
	if err := n.cfg.Send(models.NewCandidate(n.cfg.RoomID, n.cfg.LocalID, c)); err != nil {
		n.log.WithField("err", err).Warn("Failed to send ice candidate")
	}
	return nil
}

// HandleConnectionState folds transport state into the phase. Failure or
// disconnect after the exchange moves to PhaseFailed.
func (n *Negotiator) HandleConnectionState(s webrtc.PeerConnectionState) error {
	if n.terminal() {
		return nil
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		n.transportActive = true
		n.log.WithField("peer", n.remoteID).Info("Peer connection established")
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		if n.phase == PhaseConnected {
			return n.fail(fmt.Errorf("transport %s", s))
		}
	}
	return nil
}

// AttachTracks registers local tracks. They are added to the peer connection
// now if one exists, or when it is created.
func (n *Negotiator) AttachTracks(tracks []webrtc.TrackLocal) error {
	if n.terminal() {
		return nil
	}
	n.tracks = append(n.tracks, tracks...)
	if n.pc == nil {
		return nil
	}
	for _, t := range tracks {
		if err := n.pc.AddTrack(t); err != nil {
			n.log.WithFields(logrus.Fields{"track": t.ID(), "err": err}).Warn("Failed to add local track")
		}
	}
	if n.localDescription != nil {
		n.log.Warn("Local tracks attached after description exchange, not renegotiating")
	}
	return nil
}

// Close releases the peer connection and discards everything buffered. It is
// idempotent and leaves the negotiator in PhaseClosed.
func (n *Negotiator) Close() {
	if n.phase == PhaseClosed {
		return
	}
	n.release()
	n.phase = PhaseClosed
	n.log.Debug("Negotiation closed")
}

func (n *Negotiator) ensurePeer() error {
	if n.pc != nil {
		return nil
	}
	pc, err := n.cfg.NewPeer(n.cfg.Callbacks)
	if err != nil {
		return err
	}
	n.pc = pc
	for _, t := range n.tracks {
		if err := pc.AddTrack(t); err != nil {
			n.log.WithFields(logrus.Fields{"track": t.ID(), "err": err}).Warn("Failed to add local track")
		}
	}
	return nil
}

// applyRemote sets the remote description and then drains the candidate
// buffer in arrival order.
func (n *Negotiator) applyRemote(desc webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	n.remoteDescription = &desc

	pending := n.pendingRemoteCandidates
	n.pendingRemoteCandidates = nil
	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add buffered ice candidate: %w", err)
		}
	}
	return nil
}

func (n *Negotiator) flushLocalCandidates() {
	pending := n.pendingLocalCandidates
	n.pendingLocalCandidates = nil
	for _, c := range pending {
		if err := n.cfg.Send(models.NewCandidate(n.cfg.RoomID, n.cfg.LocalID, c)); err != nil {
			n.log.WithField("err", err).Warn("Failed to send ice candidate")
		}
	}
}

func (n *Negotiator) fail(err error) error {
	n.release()
	n.phase = PhaseFailed
	n.log.WithFields(logrus.Fields{"peer": n.remoteID, "err": err}).Error("Negotiation failed")
	return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
}

func (n *Negotiator) release() {
	if n.pc != nil {
		if err := n.pc.Close(); err != nil {
			n.log.WithField("err", err).Warn("Failed to close peer connection")
		}
		n.pc = nil
	}
	n.pendingLocalCandidates = nil
	n.pendingRemoteCandidates = nil
	n.localDescription = nil
	n.remoteDescription = nil
	n.tracks = nil
	n.transportActive = false
}

func parseDescription(desc *models.SessionDescription) (webrtc.SessionDescription, error) {
	if desc == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("missing session description")
	}
	return desc.ToPion()
}
