package session

import (
	"fmt"

	"github.com/mossy-p/webrtc-call/internal/chat"
	"github.com/mossy-p/webrtc-call/internal/media"
	"github.com/mossy-p/webrtc-call/internal/negotiator"
)

type EventKind int

const (
	EventJoined EventKind = iota
	EventPeerPresent
	EventLocalMedia
	EventMediaWarning
	EventConnected
	EventRemoteStream
	EventCallFailed
	EventChatReceived
	EventPeerLeft
	EventMatched
	EventRelayError
	EventChannelUnavailable
	EventLeft
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventPeerPresent:
		return "peer-present"
	case EventLocalMedia:
		return "local-media"
	case EventMediaWarning:
		return "media-warning"
	case EventConnected:
		return "connected"
	case EventRemoteStream:
		return "remote-stream"
	case EventCallFailed:
		return "call-failed"
	case EventChatReceived:
		return "chat-received"
	case EventPeerLeft:
		return "peer-left"
	case EventMatched:
		return "matched"
	case EventRelayError:
		return "relay-error"
	case EventChannelUnavailable:
		return "channel-unavailable"
	case EventLeft:
		return "left"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a user-visible change in the session. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind   EventKind
	RoomID string
	PeerID string

	Role   negotiator.Role
	Local  *media.LocalStream
	Remote *media.RemoteStream
	Chat   chat.Entry
	Err    error
}
