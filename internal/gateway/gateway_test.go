package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/eduease/call-relay/internal/config"
	"github.com/eduease/call-relay/internal/metrics"
	"github.com/eduease/call-relay/internal/protocol"
	"github.com/eduease/call-relay/internal/room"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:                    "127.0.0.1:0",
		Mode:                          config.ModeDev,
		AuthMode:                      config.AuthModeNone,
		SignalingWSIdleTimeout:        60 * time.Second,
		SignalingWSPingInterval:       20 * time.Second,
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 1000,
	}
}

func startGateway(t *testing.T, cfg config.Config) (wsURL string, reg *room.Registry) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	reg = room.NewRegistry(room.Options{Logger: log, Metrics: m})

	gw, err := New(cfg, log, m, reg)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), reg
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, msg protocol.Message) {
	t.Helper()
	payload, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, c *websocket.Conn) protocol.Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return msg
}

func join(t *testing.T, c *websocket.Conn, roomID, participantID string) {
	t.Helper()
	send(t, c, protocol.Message{Kind: protocol.KindJoin, RoomID: roomID, ParticipantID: participantID})
}

// waitForMember blocks until the registry admits the participant. Each
// connection has its own read loop, so joins written on different
// connections race until the first one has actually landed.
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

// Covers the full signaling exchange of a call setup: join, peerJoined,
// offer, answer, and trickled candidates, with per-room ordering intact.
func TestCallSetupSignalingFlow(t *testing.T) {
	wsURL, reg := startGateway(t, testConfig())

	alice := dial(t, wsURL)
	bob := dial(t, wsURL)

	join(t, alice, "lesson-1", "alice")
	waitForMember(t, reg, "lesson-1", "alice")
	join(t, bob, "lesson-1", "bob")

	notif := recv(t, alice)
	if notif.Kind != protocol.KindPeerJoined || notif.ParticipantID != "bob" {
		t.Fatalf("got %+v, want peerJoined from bob", notif)
	}

	send(t, alice, protocol.Message{Kind: protocol.KindOffer, RoomID: "lesson-1", SDP: "v=0 offer"})
	offer := recv(t, bob)
	if offer.Kind != protocol.KindOffer || offer.SDP != "v=0 offer" || offer.ParticipantID != "alice" {
		t.Fatalf("got %+v, want alice's offer", offer)
	}

	send(t, bob, protocol.Message{Kind: protocol.KindAnswer, RoomID: "lesson-1", SDP: "v=0 answer"})
	answer := recv(t, alice)
	if answer.Kind != protocol.KindAnswer || answer.SDP != "v=0 answer" || answer.ParticipantID != "bob" {
		t.Fatalf("got %+v, want bob's answer", answer)
	}

	for i := 0; i < 5; i++ {
		cand := json.RawMessage(`{"candidate":"candidate:` + string(rune('0'+i)) + `"}`)
		send(t, alice, protocol.Message{Kind: protocol.KindICECandidate, RoomID: "lesson-1", Candidate: cand})
	}
	for i := 0; i < 5; i++ {
		got := recv(t, bob)
		want := `{"candidate":"candidate:` + string(rune('0'+i)) + `"}`
		if got.Kind != protocol.KindICECandidate || string(got.Candidate) != want {
			t.Fatalf("candidate %d: got %+v, want payload %s", i, got, want)
		}
	}
}

func TestThirdJoinerGetsRoomFull(t *testing.T) {
	wsURL, reg := startGateway(t, testConfig())

	alice := dial(t, wsURL)
	bob := dial(t, wsURL)
	carol := dial(t, wsURL)

	join(t, alice, "lesson-1", "alice")
	waitForMember(t, reg, "lesson-1", "alice")
	join(t, bob, "lesson-1", "bob")
	recv(t, alice) // peerJoined

	join(t, carol, "lesson-1", "carol")
	if got := recv(t, carol); got.Kind != protocol.KindRoomFull {
		t.Fatalf("got %+v, want roomFull", got)
	}
}

func TestExplicitLeaveNotifiesPeer(t *testing.T) {
	wsURL, reg := startGateway(t, testConfig())

	alice := dial(t, wsURL)
	bob := dial(t, wsURL)
	join(t, alice, "lesson-1", "alice")
	waitForMember(t, reg, "lesson-1", "alice")
	join(t, bob, "lesson-1", "bob")
	recv(t, alice) // peerJoined

	send(t, alice, protocol.Message{Kind: protocol.KindLeave, RoomID: "lesson-1"})
	if got := recv(t, bob); got.Kind != protocol.KindPeerLeft {
		t.Fatalf("got %+v, want peerLeft", got)
	}

	// Leaving again over the same connection is a no-op.
	send(t, alice, protocol.Message{Kind: protocol.KindLeave, RoomID: "lesson-1"})

	send(t, bob, protocol.Message{Kind: protocol.KindLeave, RoomID: "lesson-1"})
	deadline := time.Now().Add(2 * time.Second)
	for reg.RoomCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("room not destroyed, count=%d", reg.RoomCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDisconnectActsAsLeave(t *testing.T) {
	wsURL, reg := startGateway(t, testConfig())

	alice := dial(t, wsURL)
	bob := dial(t, wsURL)
	join(t, alice, "lesson-1", "alice")
	waitForMember(t, reg, "lesson-1", "alice")
	join(t, bob, "lesson-1", "bob")
	recv(t, alice) // peerJoined

	_ = alice.Close()

	if got := recv(t, bob); got.Kind != protocol.KindPeerLeft {
		t.Fatalf("got %+v, want peerLeft after transport drop", got)
	}
}

func TestRelayBeforeJoinGetsRoomNotFound(t *testing.T) {
	wsURL, _ := startGateway(t, testConfig())

	c := dial(t, wsURL)
	send(t, c, protocol.Message{Kind: protocol.KindOffer, RoomID: "lesson-1", SDP: "v=0"})
	if got := recv(t, c); got.Kind != protocol.KindRoomNotFound {
		t.Fatalf("got %+v, want roomNotFound", got)
	}
}

func TestRelayToOtherRoomGetsRoomNotFound(t *testing.T) {
	wsURL, _ := startGateway(t, testConfig())

	c := dial(t, wsURL)
	join(t, c, "lesson-1", "alice")
	send(t, c, protocol.Message{Kind: protocol.KindOffer, RoomID: "lesson-2", SDP: "v=0"})
	if got := recv(t, c); got.Kind != protocol.KindRoomNotFound {
		t.Fatalf("got %+v, want roomNotFound", got)
	}
}

func TestMalformedMessageKeepsConnectionUsable(t *testing.T) {
	wsURL, reg := startGateway(t, testConfig())

	c := dial(t, wsURL)
	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := recv(t, c)
	if got.Kind != protocol.KindError || got.Code != protocol.ErrorCodeMalformed {
		t.Fatalf("got %+v, want malformed_message error", got)
	}

	// The connection must still work for a subsequent valid join.
	join(t, c, "lesson-1", "alice")
	waitForMember(t, reg, "lesson-1", "alice")
	peer := dial(t, wsURL)
	join(t, peer, "lesson-1", "bob")
	if notif := recv(t, c); notif.Kind != protocol.KindPeerJoined {
		t.Fatalf("got %+v, want peerJoined", notif)
	}
}

func TestJoinSecondRoomWhileJoinedRejected(t *testing.T) {
	wsURL, _ := startGateway(t, testConfig())

	c := dial(t, wsURL)
	join(t, c, "lesson-1", "alice")
	join(t, c, "lesson-2", "alice")
	got := recv(t, c)
	if got.Kind != protocol.KindError || got.Code != protocol.ErrorCodeRoomChanged {
		t.Fatalf("got %+v, want room_changed error", got)
	}
}

func TestJoinWithForeignParticipantIDRejected(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeJWT
	cfg.JWTSecret = "s3cret"
	wsURL, _ := startGateway(t, cfg)

	token := signToken(t, "s3cret", "alice")
	c, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	join(t, c, "lesson-1", "mallory")
	got := recv(t, c)
	if got.Kind != protocol.KindError || got.Code != protocol.ErrorCodeMalformed {
		t.Fatalf("got %+v, want identity mismatch error", got)
	}
}

func TestOversizedMessageCloses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSignalingMessageBytes = 128
	wsURL, _ := startGateway(t, cfg)

	c := dial(t, wsURL)
	big := protocol.Message{Kind: protocol.KindOffer, RoomID: "lesson-1", SDP: strings.Repeat("a", 1024)}
	send(t, c, big)

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("err=%v, want close 1009", err)
	}
}

func TestBinaryMessageCloses(t *testing.T) {
	wsURL, _ := startGateway(t, testConfig())

	c := dial(t, wsURL)
	if err := c.WriteMessage(websocket.BinaryMessage, []byte{0x1, 0x2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("err=%v, want close 1003", err)
	}
}

func TestJWTModeRejectsUnauthenticatedUpgrade(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeJWT
	cfg.JWTSecret = "s3cret"
	wsURL, _ := startGateway(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected handshake failure without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp=%+v, want 401", resp)
	}

	token := signToken(t, "s3cret", "alice")
	c, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	_ = c.Close()
}

func TestBrowserOriginGate(t *testing.T) {
	wsURL, _ := startGateway(t, testConfig())

	// Same-host default: a foreign browser origin is refused at the handshake.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatal("cross-origin upgrade succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%+v, want 403", resp)
	}

	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	wsURL, _ = startGateway(t, cfg)

	c, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://app.example.com"}})
	if err != nil {
		t.Fatalf("allowlisted origin rejected: %v", err)
	}
	_ = c.Close()

	if _, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://other.example.com"}}); err == nil {
		t.Fatal("unlisted origin accepted")
	}
}

func signToken(t *testing.T, secret, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}
