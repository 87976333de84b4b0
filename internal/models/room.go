package models

import "time"

// MaxRoomParticipants is the fixed capacity of a call room
const MaxRoomParticipants = 2

// RoomMetadata stores information about a room
type RoomMetadata struct {
	ID           string    `json:"id"`
	Code         string    `json:"code,omitempty"` // Short, shareable room code (private rooms only)
	CreatorID    string    `json:"creatorId"`
	CreatedAt    time.Time `json:"createdAt"`
	Participants []string  `json:"participants,omitempty"` // Matched pair, empty for private rooms
	PeerCount    int       `json:"peerCount"`
}

// CreateRoomResponse is the response for creating a private room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// MatchResponse is returned by the match-making endpoint once a pair is formed
type MatchResponse struct {
	RoomID        string `json:"roomId"`
	MatchedUserID string `json:"matchedUserId"`
}

// MatchPendingResponse is returned while the caller waits for a counterpart
type MatchPendingResponse struct {
	Status string `json:"status"`
}
