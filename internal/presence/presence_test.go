package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	s.ParticipantJoined("room1", "alice")
	s.ParticipantLeft("room1", "alice")
	if peers, err := s.Participants(context.Background(), "room1"); err != nil || peers != nil {
		t.Fatalf("peers=%v err=%v, want nil/nil", peers, err)
	}
}

func TestStoreWithoutClientIsNoop(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(log, nil, 90*time.Second)
	s.ParticipantJoined("room1", "alice")
	s.ParticipantLeft("room1", "alice")
}

func TestRoomKey(t *testing.T) {
	if got := roomKey("lesson-9"); got != "call:room:lesson-9:peers" {
		t.Fatalf("roomKey=%q", got)
	}
}
