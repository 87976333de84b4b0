package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// SignalType represents the kind of a signaling message
type SignalType string

const (
	SignalTypeJoin        SignalType = "join"
	SignalTypePeerPresent SignalType = "peer-present"
	SignalTypeOffer       SignalType = "offer"
	SignalTypeAnswer      SignalType = "answer"
	SignalTypeCandidate   SignalType = "ice-candidate"
	SignalTypeChat        SignalType = "chat"
	SignalTypeLeave       SignalType = "leave"
	SignalTypeMatched     SignalType = "matched"
	SignalTypeError       SignalType = "error"
)

// SessionDescription is the wire form of an offer or answer
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// DescriptionFromPion converts a pion session description to its wire form.
func DescriptionFromPion(desc webrtc.SessionDescription) *SessionDescription {
	return &SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

// ToPion converts the wire description back to a pion session description.
func (d SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", d.Type)
	}
	if d.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("empty %s sdp", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

// ICECandidate is the wire form of a trickled ICE candidate
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CandidateFromPion converts a pion candidate init to its wire form.
func CandidateFromPion(init webrtc.ICECandidateInit) *ICECandidate {
	return &ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c ICECandidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// SignalMessage is the room-scoped message exchanged with the relay.
// Which payload fields are set depends on Type.
type SignalMessage struct {
	Type          SignalType          `json:"type"`
	RoomID        string              `json:"roomId"`
	SenderID      string              `json:"senderId,omitempty"`
	UserID        string              `json:"userId,omitempty"`
	PeerID        string              `json:"peerId,omitempty"`
	MatchedUserID string              `json:"matchedUserId,omitempty"`
	Description   *SessionDescription `json:"description,omitempty"`
	Candidate     *ICECandidate       `json:"candidate,omitempty"`
	Text          string              `json:"text,omitempty"`
	Timestamp     int64               `json:"timestamp,omitempty"`
	Error         string              `json:"error,omitempty"`
}

func NewJoin(roomID, userID string) SignalMessage {
	return SignalMessage{Type: SignalTypeJoin, RoomID: roomID, SenderID: userID, UserID: userID}
}

func NewLeave(roomID, senderID string) SignalMessage {
	return SignalMessage{Type: SignalTypeLeave, RoomID: roomID, SenderID: senderID}
}

func NewPeerPresent(roomID, peerID string) SignalMessage {
	return SignalMessage{Type: SignalTypePeerPresent, RoomID: roomID, PeerID: peerID}
}

func NewOffer(roomID, senderID string, desc webrtc.SessionDescription) SignalMessage {
	return SignalMessage{Type: SignalTypeOffer, RoomID: roomID, SenderID: senderID, Description: DescriptionFromPion(desc)}
}

func NewAnswer(roomID, senderID string, desc webrtc.SessionDescription) SignalMessage {
	return SignalMessage{Type: SignalTypeAnswer, RoomID: roomID, SenderID: senderID, Description: DescriptionFromPion(desc)}
}

func NewCandidate(roomID, senderID string, init webrtc.ICECandidateInit) SignalMessage {
	return SignalMessage{Type: SignalTypeCandidate, RoomID: roomID, SenderID: senderID, Candidate: CandidateFromPion(init)}
}

// NewChat builds a chat message; timestamp is unix milliseconds.
func NewChat(roomID, senderID, text string, timestamp int64) SignalMessage {
	return SignalMessage{Type: SignalTypeChat, RoomID: roomID, SenderID: senderID, Text: text, Timestamp: timestamp}
}

func NewMatched(roomID, matchedUserID string) SignalMessage {
	return SignalMessage{Type: SignalTypeMatched, RoomID: roomID, MatchedUserID: matchedUserID}
}

func NewError(roomID, text string) SignalMessage {
	return SignalMessage{Type: SignalTypeError, RoomID: roomID, Error: text}
}

// ParseSignalMessage decodes and validates a single JSON message.
func ParseSignalMessage(data []byte) (SignalMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg SignalMessage
	if err := dec.Decode(&msg); err != nil {
		return SignalMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SignalMessage{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return SignalMessage{}, err
	}
	return msg, nil
}

// Validate checks that the payload required by the message kind is present.
func (m SignalMessage) Validate() error {
	switch m.Type {
	case SignalTypeJoin:
		if m.RoomID == "" || m.UserID == "" {
			return fmt.Errorf("join message missing roomId/userId")
		}
	case SignalTypePeerPresent:
		if m.RoomID == "" || m.PeerID == "" {
			return fmt.Errorf("peer-present message missing roomId/peerId")
		}
	case SignalTypeOffer, SignalTypeAnswer:
		if m.Description == nil {
			return fmt.Errorf("%s message missing description", m.Type)
		}
		if m.Description.Type != string(m.Type) {
			return fmt.Errorf("%s message has description.type=%q", m.Type, m.Description.Type)
		}
		if m.Candidate != nil || m.Text != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case SignalTypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.Description != nil || m.Text != "" {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	case SignalTypeChat:
		if m.Text == "" {
			return fmt.Errorf("chat message missing text")
		}
		if m.Description != nil || m.Candidate != nil {
			return fmt.Errorf("chat message has unexpected fields")
		}
	case SignalTypeLeave:
		if m.Description != nil || m.Candidate != nil || m.Text != "" {
			return fmt.Errorf("leave message has unexpected fields")
		}
	case SignalTypeMatched:
		if m.RoomID == "" || m.MatchedUserID == "" {
			return fmt.Errorf("matched message missing roomId/matchedUserId")
		}
	case SignalTypeError:
		if m.Error == "" {
			return fmt.Errorf("error message missing error")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
