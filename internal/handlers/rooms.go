package handlers

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-call/internal/middleware"
	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/mossy-p/webrtc-call/internal/redis"
)

const (
	roomCodeLength = 6
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// CreateRoom creates a private two-person room with a shareable code
// (requires authentication).
func CreateRoom(store *redis.Store, log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)

		room := models.RoomMetadata{
			ID:        uuid.New().String(),
			Code:      generateRoomCode(),
			CreatorID: userID,
			CreatedAt: time.Now(),
		}
		if err := store.SaveRoom(c.Request.Context(), room); err != nil {
			log.WithField("err", err).Error("Failed to store room")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
			return
		}

		log.WithFields(logrus.Fields{"room": room.ID, "code": room.Code, "user": userID}).Info("Room created")
		c.JSON(http.StatusCreated, models.CreateRoomResponse{
			RoomID: room.ID,
			Code:   room.Code,
		})
	}
}

// GetRoom gets room information by code or ID (public)
func GetRoom(store *redis.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		room, err := store.GetRoom(c.Request.Context(), c.Param("roomId"))
		if errors.Is(err, redis.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
			return
		}
		c.JSON(http.StatusOK, room)
	}
}

// DeleteRoom deletes a room and detaches its occupants (requires
// authentication and creator).
func DeleteRoom(store *redis.Store, hub *Hub, log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)

		room, err := store.GetRoom(c.Request.Context(), c.Param("roomId"))
		if errors.Is(err, redis.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
			return
		}

		if room.CreatorID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
			return
		}

		if err := store.DeleteRoom(c.Request.Context(), *room); err != nil {
			log.WithField("err", err).Error("Failed to delete room")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
			return
		}
		n := hub.CloseRoom(room.ID, "room deleted")

		log.WithFields(logrus.Fields{"room": room.ID, "user": userID, "detached": n}).Info("Room deleted")
		c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
	}
}

// FindMatch pairs the caller with the longest waiting user. The waiting user
// learns about the room through a matched push on their signaling
// connection; the caller gets the room in the response. With nobody waiting
// the caller is queued and gets 202.
func FindMatch(store *redis.Store, hub *Hub, log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)
		ctx := c.Request.Context()

		for {
			waiting, err := store.Dequeue(ctx, userID)
			if err != nil {
				log.WithField("err", err).Error("Match queue unavailable")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Match-making unavailable"})
				return
			}
			if waiting == "" {
				break
			}

			room := models.RoomMetadata{
				ID:           uuid.New().String(),
				CreatorID:    userID,
				CreatedAt:    time.Now(),
				Participants: []string{waiting, userID},
			}
			if err := store.SaveRoom(ctx, room); err != nil {
				log.WithField("err", err).Error("Failed to store matched room")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Match-making unavailable"})
				return
			}
			if !hub.NotifyMatched(waiting, room.ID, userID) {
				// The waiting user went away; try the next one.
				log.WithField("user", waiting).Debug("Dropping stale match candidate")
				_ = store.DeleteRoom(ctx, room)
				continue
			}

			log.WithFields(logrus.Fields{"room": room.ID, "user": userID, "peer": waiting}).Info("Users matched")
			c.JSON(http.StatusOK, models.MatchResponse{RoomID: room.ID, MatchedUserID: waiting})
			return
		}

		if err := store.Enqueue(ctx, userID); err != nil {
			log.WithField("err", err).Error("Failed to enqueue user")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Match-making unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, models.MatchPendingResponse{Status: "waiting"})
	}
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
