package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestParse_ValidMessages(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"join", `{"type":"join","roomId":"r1","participantId":"alice"}`, KindJoin},
		{"offer", `{"type":"offer","roomId":"r1","sdp":"v=0..."}`, KindOffer},
		{"answer", `{"type":"answer","roomId":"r1","sdp":"v=0..."}`, KindAnswer},
		{"candidate", `{"type":"iceCandidate","roomId":"r1","candidate":{"candidate":"candidate:1"}}`, KindICECandidate},
		{"leave", `{"type":"leave","roomId":"r1"}`, KindLeave},
		{"peerJoined", `{"type":"peerJoined","participantId":"bob"}`, KindPeerJoined},
		{"peerLeft", `{"type":"peerLeft"}`, KindPeerLeft},
		{"roomFull", `{"type":"roomFull"}`, KindRoomFull},
		{"roomNotFound", `{"type":"roomNotFound"}`, KindRoomNotFound},
		{"error", `{"type":"error","code":"malformed_message","message":"bad frame"}`, KindError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Parse([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Parse(%s): %v", tc.raw, err)
			}
			if msg.Kind != tc.want {
				t.Fatalf("kind = %q, want %q", msg.Kind, tc.want)
			}
		})
	}
}

func TestParse_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"unknown field", `{"type":"leave","roomId":"r1","bogus":true}`},
		{"trailing data", `{"type":"leave","roomId":"r1"}{"type":"leave","roomId":"r1"}`},
		{"join without room", `{"type":"join","participantId":"alice"}`},
		{"join without participant", `{"type":"join","roomId":"r1"}`},
		{"offer without sdp", `{"type":"offer","roomId":"r1"}`},
		{"offer with candidate", `{"type":"offer","roomId":"r1","sdp":"x","candidate":{}}`},
		{"candidate without payload", `{"type":"iceCandidate","roomId":"r1"}`},
		{"leave without room", `{"type":"leave"}`},
		{"error without code", `{"type":"error","message":"x"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.raw)); err == nil {
				t.Fatalf("Parse(%s): expected error", tc.raw)
			}
		})
	}
}

func TestParse_UnknownKind(t *testing.T) {
	_, err := Parse([]byte(`{"type":"renegotiate"}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestParse_RelayedOfferKeepsSenderAnnotation(t *testing.T) {
	// The relay annotates forwarded messages with the sender's identity; the
	// receiving client must still accept them.
	msg, err := Parse([]byte(`{"type":"offer","roomId":"r1","participantId":"alice","sdp":"v=0..."}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.ParticipantID != "alice" {
		t.Fatalf("participantId = %q, want alice", msg.ParticipantID)
	}
}

func TestEncode_CandidatePreservedVerbatim(t *testing.T) {
	raw := []byte(`{"type":"iceCandidate","roomId":"r1","candidate":{"candidate":"candidate:842163049","sdpMid":"0","sdpMLineIndex":0}}`)
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := []byte(`{"candidate":"candidate:842163049","sdpMid":"0","sdpMLineIndex":0}`)
	if !bytes.Equal(msg.Candidate, want) {
		t.Fatalf("candidate = %s, want %s", msg.Candidate, want)
	}
}

func TestKind_Relayable(t *testing.T) {
	for _, k := range []Kind{KindOffer, KindAnswer, KindICECandidate} {
		if !k.Relayable() {
			t.Errorf("%s should be relayable", k)
		}
	}
	for _, k := range []Kind{KindJoin, KindLeave, KindPeerJoined, KindPeerLeft, KindRoomFull, KindRoomNotFound, KindError} {
		if k.Relayable() {
			t.Errorf("%s should not be relayable", k)
		}
	}
}
