package sigclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eduease/call-relay/internal/config"
	"github.com/eduease/call-relay/internal/gateway"
	"github.com/eduease/call-relay/internal/metrics"
	"github.com/eduease/call-relay/internal/protocol"
	"github.com/eduease/call-relay/internal/room"
)

func startRelay(t *testing.T) (string, *room.Registry) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	reg := room.NewRegistry(room.Options{Logger: log, Metrics: m})

	cfg := config.Config{
		Mode:                          config.ModeDev,
		AuthMode:                      config.AuthModeNone,
		SignalingWSIdleTimeout:        60 * time.Second,
		SignalingWSPingInterval:       20 * time.Second,
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 1000,
	}
	gw, err := gateway.New(cfg, log, m, reg)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), reg
}

// waitForMember blocks until the registry admits the participant. Joins sent
// on separate connections are handled by independent read loops, so arrival
// order at the registry is only fixed once the first join has landed.
func waitForMember(t *testing.T, reg *room.Registry, roomID, participantID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if info, ok := reg.RoomInfo(roomID); ok {
			for _, p := range info.Participants {
				if p == participantID {
					return
				}
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never admitted to %s", participantID, roomID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialClient(t *testing.T, wsURL string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Options{
		URL:    wsURL,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func recvKind(t *testing.T, c *Client, want protocol.Kind) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-c.Incoming():
		if !ok {
			t.Fatalf("incoming closed while waiting for %q", want)
		}
		if msg.Kind != want {
			t.Fatalf("got %q, want %q", msg.Kind, want)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
		return protocol.Message{}
	}
}

func TestSignalingRoundTrip(t *testing.T) {
	wsURL, reg := startRelay(t)

	alice := dialClient(t, wsURL)
	bob := dialClient(t, wsURL)

	if err := alice.Send(protocol.Message{Kind: protocol.KindJoin, RoomID: "lesson-1", ParticipantID: "alice"}); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	waitForMember(t, reg, "lesson-1", "alice")
	if err := bob.Send(protocol.Message{Kind: protocol.KindJoin, RoomID: "lesson-1", ParticipantID: "bob"}); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	joined := recvKind(t, alice, protocol.KindPeerJoined)
	if joined.ParticipantID != "bob" {
		t.Fatalf("peerJoined from %q, want bob", joined.ParticipantID)
	}

	if err := alice.Send(protocol.Message{Kind: protocol.KindOffer, RoomID: "lesson-1", SDP: "v=0 offer"}); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	offer := recvKind(t, bob, protocol.KindOffer)
	if offer.ParticipantID != "alice" || offer.SDP != "v=0 offer" {
		t.Fatalf("offer=%+v", offer)
	}

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host"}`)
	if err := bob.Send(protocol.Message{Kind: protocol.KindICECandidate, RoomID: "lesson-1", Candidate: cand}); err != nil {
		t.Fatalf("send candidate: %v", err)
	}
	got := recvKind(t, alice, protocol.KindICECandidate)
	if string(got.Candidate) != string(cand) {
		t.Fatalf("candidate payload altered: %s", got.Candidate)
	}
}

func TestIncomingClosesWhenPeerDeparts(t *testing.T) {
	wsURL, reg := startRelay(t)

	alice := dialClient(t, wsURL)
	bob := dialClient(t, wsURL)

	_ = alice.Send(protocol.Message{Kind: protocol.KindJoin, RoomID: "lesson-2", ParticipantID: "alice"})
	waitForMember(t, reg, "lesson-2", "alice")
	_ = bob.Send(protocol.Message{Kind: protocol.KindJoin, RoomID: "lesson-2", ParticipantID: "bob"})
	recvKind(t, alice, protocol.KindPeerJoined)

	if err := bob.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	recvKind(t, alice, protocol.KindPeerLeft)

	select {
	case msg, ok := <-bob.Incoming():
		if ok {
			t.Fatalf("unexpected message after close: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob's incoming channel never closed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	wsURL, _ := startRelay(t)

	c := dialClient(t, wsURL)
	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
