// Package presence mirrors room membership into Redis so that other
// EduEase services can see who is on a call without talking to the relay.
//
// The mirror is advisory: relay correctness never depends on Redis, and
// failures are logged and dropped.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const opTimeout = 2 * time.Second

// Store mirrors membership changes.
type Store struct {
	log *slog.Logger
	rdb *redis.Client
	ttl time.Duration
}

// New builds a Store backed by rdb. A nil rdb yields a no-op store, so
// callers can wire presence unconditionally.
func New(logger *slog.Logger, rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{log: logger, rdb: rdb, ttl: ttl}
}

func roomKey(roomID string) string {
	return "call:room:" + roomID + ":peers"
}

func (s *Store) ParticipantJoined(roomID, participantID string) {
	if s == nil || s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	key := roomKey(roomID)
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, key, participantID)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("presence join mirror failed", "room_id", roomID, "participant_id", participantID, "err", err)
	}
}

func (s *Store) ParticipantLeft(roomID, participantID string) {
	if s == nil || s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := s.rdb.SRem(ctx, roomKey(roomID), participantID).Err(); err != nil {
		s.log.Warn("presence leave mirror failed", "room_id", roomID, "participant_id", participantID, "err", err)
	}
}

// Participants reads the mirrored member set for a room.
func (s *Store) Participants(ctx context.Context, roomID string) ([]string, error) {
	if s == nil || s.rdb == nil {
		return nil, nil
	}
	return s.rdb.SMembers(ctx, roomKey(roomID)).Result()
}
