// Package protocol defines the negotiation message contract between call
// clients and the signaling relay.
//
// Every message is a tagged union: a kind plus the fields that kind allows.
// Parsing is strict (unknown fields and trailing data are rejected) so that a
// malformed frame is detected at the edge instead of surfacing as a half-read
// message deep inside the relay. SDP and ICE payloads are carried opaquely;
// the relay annotates the sender and otherwise forwards them byte for byte.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Kind identifies a negotiation message variant.
type Kind string

const (
	// Client -> relay.
	KindJoin         Kind = "join"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "iceCandidate"
	KindLeave        Kind = "leave"

	// Relay -> client.
	KindPeerJoined   Kind = "peerJoined"
	KindPeerLeft     Kind = "peerLeft"
	KindRoomFull     Kind = "roomFull"
	KindRoomNotFound Kind = "roomNotFound"
	KindError        Kind = "error"
)

// ErrUnknownKind marks a structurally valid message whose kind the relay does
// not recognize. Consumers log and drop these; they are never fatal to the
// connection.
var ErrUnknownKind = errors.New("protocol: unknown message kind")

var (
	errMissingRoomID        = errors.New("protocol: missing roomId")
	errMissingParticipantID = errors.New("protocol: missing participantId")
	errMissingSDP           = errors.New("protocol: missing sdp")
	errMissingCandidate     = errors.New("protocol: missing candidate")
	errMissingErrorFields   = errors.New("protocol: missing error code/message")
)

// Message is the wire representation of every signaling frame.
//
// Candidate is kept as raw JSON: the relay must not re-encode another peer's
// ICE candidate, and the client hands it to the WebRTC stack unchanged.
type Message struct {
	Kind Kind `json:"type"`

	RoomID string `json:"roomId,omitempty"`

	// ParticipantID carries the joining participant's identity on join, and the
	// sender's identity on relayed and peerJoined messages.
	ParticipantID string `json:"participantId,omitempty"`

	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes and validates a single wire frame.
//
// A message with an unrecognized kind returns ErrUnknownKind; every other
// failure means the frame was malformed.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("protocol: decode: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, errors.New("protocol: unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Encode marshals m for the wire.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Validate checks that exactly the fields the kind allows are present.
func (m Message) Validate() error {
	switch m.Kind {
	case KindJoin:
		if m.RoomID == "" {
			return errMissingRoomID
		}
		if m.ParticipantID == "" {
			return errMissingParticipantID
		}
		if m.SDP != "" || m.Candidate != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("protocol: join message has unexpected fields")
		}
	case KindOffer, KindAnswer:
		if m.RoomID == "" {
			return errMissingRoomID
		}
		if m.SDP == "" {
			return errMissingSDP
		}
		if m.Candidate != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("protocol: %s message has unexpected fields", m.Kind)
		}
	case KindICECandidate:
		if m.RoomID == "" {
			return errMissingRoomID
		}
		if len(m.Candidate) == 0 {
			return errMissingCandidate
		}
		if m.SDP != "" || m.Code != "" || m.Message != "" {
			return fmt.Errorf("protocol: iceCandidate message has unexpected fields")
		}
	case KindLeave:
		if m.RoomID == "" {
			return errMissingRoomID
		}
		if m.SDP != "" || m.Candidate != nil || m.Code != "" || m.Message != "" {
			return fmt.Errorf("protocol: leave message has unexpected fields")
		}
	case KindPeerJoined:
		if m.ParticipantID == "" {
			return errMissingParticipantID
		}
	case KindPeerLeft, KindRoomFull, KindRoomNotFound:
		if m.RoomID != "" || m.ParticipantID != "" || m.SDP != "" || m.Candidate != nil {
			return fmt.Errorf("protocol: %s message has unexpected fields", m.Kind)
		}
	case KindError:
		if m.Code == "" || m.Message == "" {
			return errMissingErrorFields
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return nil
}

// Relayable reports whether the kind is forwarded verbatim between the two
// slots of a room.
func (k Kind) Relayable() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate:
		return true
	default:
		return false
	}
}

// Error codes carried on KindError messages.
const (
	ErrorCodeMalformed    = "malformed_message"
	ErrorCodeNotInRoom    = "not_in_room"
	ErrorCodeRoomChanged  = "room_changed"
	ErrorCodeTooManyRooms = "too_many_rooms"
)

// ErrorMessage builds a relay -> client error frame.
func ErrorMessage(code, text string) Message {
	return Message{Kind: KindError, Code: code, Message: text}
}
