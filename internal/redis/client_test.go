package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-call/internal/logger"
	"github.com/mossy-p/webrtc-call/internal/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logrus.NewEntry(logger.Discard()))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore_RoomByCodeAndID(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	room := models.RoomMetadata{ID: "room-uuid-1", Code: "ABC234", CreatorID: "u1", CreatedAt: time.Now()}
	if err := s.SaveRoom(ctx, room); err != nil {
		t.Fatalf("SaveRoom: %v", err)
	}
	if err := s.AddPeer(ctx, room.ID, "u1"); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	for _, id := range []string{"ABC234", "room-uuid-1"} {
		got, err := s.GetRoom(ctx, id)
		if err != nil {
			t.Fatalf("GetRoom(%s): %v", id, err)
		}
		if got.ID != room.ID || got.CreatorID != "u1" || got.PeerCount != 1 {
			t.Fatalf("GetRoom(%s)=%+v", id, got)
		}
	}
	if ttl := mr.TTL("room:room-uuid-1"); ttl != roomTTL {
		t.Fatalf("room ttl=%v", ttl)
	}

	if err := s.DeleteRoom(ctx, room); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	if _, err := s.GetRoom(ctx, "ABC234"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("after delete err=%v, want ErrRoomNotFound", err)
	}
	if mr.Exists("code:ABC234") {
		t.Fatalf("code mapping left behind")
	}
}

func TestStore_AddPeerCapacity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u2"} {
		if err := s.AddPeer(ctx, "r1", u); err != nil {
			t.Fatalf("AddPeer(%s): %v", u, err)
		}
	}
	if err := s.AddPeer(ctx, "r1", "u3"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("third participant err=%v, want ErrRoomFull", err)
	}
	peers, err := s.Peers(ctx, "r1")
	if err != nil || len(peers) != 2 {
		t.Fatalf("peers=%v err=%v", peers, err)
	}

	if err := s.RemovePeer(ctx, "r1", "u1"); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	if err := s.AddPeer(ctx, "r1", "u3"); err != nil {
		t.Fatalf("AddPeer after leave: %v", err)
	}
}

// failCommand makes every invocation of the named command fail.
type failCommand string

func (f failCommand) DialHook(next redis.DialHook) redis.DialHook { return next }

func (f failCommand) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == string(f) {
			err := errors.New("connection reset")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (f failCommand) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestStore_AddPeerReportsStoreFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewStore(client, logrus.NewEntry(logger.Discard()))
	for _, u := range []string{"u1", "u2"} {
		if err := s.AddPeer(ctx, "r1", u); err != nil {
			t.Fatalf("AddPeer(%s): %v", u, err)
		}
	}

	client.AddHook(failCommand("srem"))
	err := s.AddPeer(ctx, "r1", "u3")
	if err == nil || errors.Is(err, ErrRoomFull) {
		t.Fatalf("err=%v, want a rollback failure", err)
	}

	// An expiry failure does not undo a successful join.
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = other.Close() })
	other.AddHook(failCommand("expire"))
	s2 := NewStore(other, logrus.NewEntry(logger.Discard()))
	if err := s2.AddPeer(ctx, "r2", "u1"); err != nil {
		t.Fatalf("AddPeer with failing expire: %v", err)
	}
	if peers, _ := s2.Peers(ctx, "r2"); len(peers) != 1 {
		t.Fatalf("peers=%v, want [u1]", peers)
	}
}

func TestStore_MatchQueue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if id, err := s.Dequeue(ctx, "u1"); err != nil || id != "" {
		t.Fatalf("empty queue: id=%q err=%v", id, err)
	}

	_ = s.Enqueue(ctx, "u1")
	_ = s.Enqueue(ctx, "u1")
	_ = s.Enqueue(ctx, "u2")
	if w, _ := s.Waiting(ctx); len(w) != 2 {
		t.Fatalf("waiting=%v, want each user once", w)
	}

	// A user never matches with themselves.
	id, err := s.Dequeue(ctx, "u1")
	if err != nil || id != "u2" {
		t.Fatalf("Dequeue=%q err=%v, want u2", id, err)
	}
	if w, _ := s.Waiting(ctx); len(w) != 0 {
		t.Fatalf("waiting=%v, want empty", w)
	}
}
