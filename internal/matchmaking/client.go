// Package matchmaking calls the relay's find-match endpoint.
package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-call/internal/models"
)

// ErrUnauthorized means the bearer token was missing, expired or rejected.
var ErrUnauthorized = errors.New("match-making rejected credentials")

// Result is the outcome of one find-match call. When Waiting is set the
// caller was queued and the room arrives later as a matched push on the
// signaling channel.
type Result struct {
	RoomID        string
	MatchedUserID string
	Waiting       bool
}

type Client struct {
	url   string
	token string
	http  *http.Client
	log   *logrus.Entry
}

func NewClient(url, token string, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		url:   url,
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
		log:   log.WithField("component", "matchmaking"),
	}
}

// FindMatch asks for a counterpart. The user id is taken from the token.
func (c *Client) FindMatch(ctx context.Context) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, nil)
	if err != nil {
		return Result{}, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("find match: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var m models.MatchResponse
		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			return Result{}, fmt.Errorf("decode match: %w", err)
		}
		if m.RoomID == "" || m.MatchedUserID == "" {
			return Result{}, fmt.Errorf("match response missing roomId/matchedUserId")
		}
		c.log.WithFields(logrus.Fields{"room": m.RoomID, "peer": m.MatchedUserID}).Info("Matched")
		return Result{RoomID: m.RoomID, MatchedUserID: m.MatchedUserID}, nil
	case http.StatusAccepted:
		c.log.Info("Waiting for a match")
		return Result{Waiting: true}, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return Result{}, ErrUnauthorized
	default:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return Result{}, fmt.Errorf("find match: status %d: %s", resp.StatusCode, body.Error)
	}
}
