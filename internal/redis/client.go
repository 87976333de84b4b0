package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-call/config"
	"github.com/mossy-p/webrtc-call/internal/models"
)

const (
	roomTTL      = 24 * time.Hour
	codeLength   = 6
	waitingQueue = "match:waiting"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
)

// Store keeps relay state that outlives a single connection: room metadata,
// short room codes, room occupancy and the match-making queue.
type Store struct {
	client *redis.Client
	log    *logrus.Entry
}

// Connect creates the Redis client and checks the connection.
func Connect(ctx context.Context, cfg config.RedisConfig, log *logrus.Entry) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	s := NewStore(client, log)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return s, nil
}

func NewStore(client *redis.Client, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{client: client, log: log.WithField("component", "redis")}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func roomKey(id string) string { return "room:" + id }
func codeKey(code string) string { return "code:" + code }
func peersKey(id string) string { return "room:" + id + ":peers" }

// SaveRoom stores room metadata, and the code mapping for private rooms.
func (s *Store) SaveRoom(ctx context.Context, room models.RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, roomKey(room.ID), data, roomTTL)
	if room.Code != "" {
		pipe.Set(ctx, codeKey(room.Code), room.ID, roomTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save room %s: %w", room.ID, err)
	}
	return nil
}

// GetRoom resolves a room by code or id and fills in the current peer count.
func (s *Store) GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	roomID := identifier
	if len(identifier) == codeLength {
		id, err := s.client.Get(ctx, codeKey(identifier)).Result()
		switch {
		case err == nil:
			roomID = id
		case !errors.Is(err, redis.Nil):
			return nil, err
		}
	}

	data, err := s.client.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}

	var room models.RoomMetadata
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("parse room %s: %w", roomID, err)
	}
	count, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	room.PeerCount = int(count)
	return &room, nil
}

func (s *Store) DeleteRoom(ctx context.Context, room models.RoomMetadata) error {
	keys := []string{roomKey(room.ID), peersKey(room.ID)}
	if room.Code != "" {
		keys = append(keys, codeKey(room.Code))
	}
	return s.client.Del(ctx, keys...).Err()
}

// AddPeer records userID as an occupant of roomID. Joining a room already
// holding two other participants fails with ErrRoomFull.
func (s *Store) AddPeer(ctx context.Context, roomID, userID string) error {
	key := peersKey(roomID)
	added, err := s.client.SAdd(ctx, key, userID).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}
	count, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return err
	}
	log := s.log.WithFields(logrus.Fields{"room": roomID, "user": userID})
	if count > models.MaxRoomParticipants {
		if err := s.client.SRem(ctx, key, userID).Err(); err != nil {
			log.WithField("err", err).Error("Failed to undo refused join")
			return fmt.Errorf("room full, rollback failed: %w", err)
		}
		log.Debug("Room full, join refused")
		return ErrRoomFull
	}
	if err := s.client.Expire(ctx, key, roomTTL).Err(); err != nil {
		log.WithField("err", err).Warn("Failed to refresh room occupancy TTL")
	}
	return nil
}

func (s *Store) RemovePeer(ctx context.Context, roomID, userID string) error {
	return s.client.SRem(ctx, peersKey(roomID), userID).Err()
}

func (s *Store) Peers(ctx context.Context, roomID string) ([]string, error) {
	return s.client.SMembers(ctx, peersKey(roomID)).Result()
}

// Enqueue puts userID at the back of the match queue, once.
func (s *Store) Enqueue(ctx context.Context, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, waitingQueue, 0, userID)
	pipe.RPush(ctx, waitingQueue, userID)
	_, err := pipe.Exec(ctx)
	return err
}

// Dequeue pops the longest waiting user other than userID. It returns ""
// when nobody else is waiting.
func (s *Store) Dequeue(ctx context.Context, userID string) (string, error) {
	if err := s.client.LRem(ctx, waitingQueue, 0, userID).Err(); err != nil {
		return "", err
	}
	id, err := s.client.LPop(ctx, waitingQueue).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (s *Store) Waiting(ctx context.Context) ([]string, error) {
	return s.client.LRange(ctx, waitingQueue, 0, -1).Result()
}
