// Package room owns the in-memory table of active call rooms.
//
// A room pairs at most two participants. All mutations of a single room are
// serialized on that room's lock, which is what gives the relay its per-room
// FIFO delivery guarantee; rooms never share a lock, so unrelated calls
// proceed fully in parallel. The registry map itself is only locked long
// enough to look a room up or add/remove one.
package room

import (
	"log/slog"
	"sync"
	"time"

	"github.com/eduease/call-relay/internal/metrics"
	"github.com/eduease/call-relay/internal/protocol"
)

// Role tags a participant slot by arrival order.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

// Channel is the write side of a participant's message channel.
//
// Send must not block: it enqueues for an outbound pump and reports false when
// the channel is closed or its buffer is full.
type Channel interface {
	Send(msg protocol.Message) bool
}

// Presence is notified of membership changes. Implementations are advisory
// (e.g. a Redis mirror); the registry never depends on them for correctness.
type Presence interface {
	ParticipantJoined(roomID, participantID string)
	ParticipantLeft(roomID, participantID string)
}

// NopPresence discards all notifications.
type NopPresence struct{}

func (NopPresence) ParticipantJoined(string, string) {}
func (NopPresence) ParticipantLeft(string, string)   {}

// JoinOutcome is the result of an admission attempt.
type JoinOutcome int

const (
	JoinAdmitted JoinOutcome = iota
	JoinFull
	JoinAlreadyInRoom
	// JoinCapacityExceeded means the registry's room bound was hit. This is the
	// relay's only resource-exhaustion condition; it rejects the new room, never
	// existing calls.
	JoinCapacityExceeded
)

// RelayOutcome is the result of forwarding a message to the other slot.
type RelayOutcome int

const (
	RelayDelivered RelayOutcome = iota
	// RelayPeerAbsent means the sender is alone in the room. The message is
	// dropped: negotiation traffic is only meaningful once both parties are
	// present.
	RelayPeerAbsent
	// RelayNotMember means the room does not exist or the sender holds no slot
	// in it.
	RelayNotMember
)

type slot struct {
	participantID string
	role          Role
	ch            Channel
}

type room struct {
	id        string
	createdAt time.Time

	mu     sync.Mutex
	closed bool
	slots  []*slot // ordered by arrival, len <= 2
}

// Registry is the shared room table. It is owned by the gateway for the
// lifetime of the server process.
type Registry struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	presence Presence
	maxRooms int

	mu    sync.Mutex
	rooms map[string]*room
}

// Options configures a Registry. Zero values are usable defaults.
type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Presence Presence
	// MaxRooms bounds the number of simultaneously active rooms. <= 0 means
	// unlimited.
	MaxRooms int
}

func NewRegistry(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	pres := opts.Presence
	if pres == nil {
		pres = NopPresence{}
	}
	return &Registry{
		log:      log,
		metrics:  opts.Metrics,
		presence: pres,
		maxRooms: opts.MaxRooms,
		rooms:    make(map[string]*room),
	}
}

// Join admits participantID into roomID, creating the room on first join of an
// unseen id.
//
// Admission is atomic with respect to concurrent joins: when two joins race
// for the second slot, exactly one is admitted and the other observes
// JoinFull. When the second participant is admitted, the first slot is
// notified with peerJoined before Join returns.
//
// A repeated Join by a participant already holding a slot is an idempotent
// no-op and returns the previously assigned role with JoinAlreadyInRoom.
func (r *Registry) Join(roomID, participantID string, ch Channel) (Role, JoinOutcome) {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[roomID]
		if !ok {
			if r.maxRooms > 0 && len(r.rooms) >= r.maxRooms {
				r.mu.Unlock()
				r.metrics.Inc(metrics.RoomsCapacityHit)
				r.log.Warn("room capacity exceeded", "room_id", roomID, "max_rooms", r.maxRooms)
				return "", JoinCapacityExceeded
			}
			rm = &room{id: roomID, createdAt: time.Now()}
			r.rooms[roomID] = rm
			r.metrics.Inc(metrics.RoomsCreated)
			r.log.Info("room created", "room_id", roomID)
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if rm.closed {
			// Lost a race with the room's teardown; the map entry is gone or
			// about to be. Start over with a fresh room.
			rm.mu.Unlock()
			continue
		}

		for _, s := range rm.slots {
			if s.participantID == participantID {
				role := s.role
				rm.mu.Unlock()
				r.metrics.Inc(metrics.JoinsDuplicate)
				return role, JoinAlreadyInRoom
			}
		}

		if len(rm.slots) == 2 {
			rm.mu.Unlock()
			r.metrics.Inc(metrics.JoinsRejectedFull)
			return "", JoinFull
		}

		role := RoleInitiator
		if len(rm.slots) == 1 {
			role = RoleJoiner
		}
		rm.slots = append(rm.slots, &slot{participantID: participantID, role: role, ch: ch})

		if role == RoleJoiner {
			first := rm.slots[0]
			r.send(rm.id, first, protocol.Message{
				Kind:          protocol.KindPeerJoined,
				ParticipantID: participantID,
			})
		}
		rm.mu.Unlock()

		r.metrics.Inc(metrics.JoinsAdmitted)
		r.log.Info("participant joined", "room_id", roomID, "participant_id", participantID, "role", role)
		r.presence.ParticipantJoined(roomID, participantID)
		return role, JoinAdmitted
	}
}

// Relay forwards msg to the slot other than senderID, annotating the sender's
// identity and leaving the payload untouched.
func (r *Registry) Relay(roomID, senderID string, msg protocol.Message) RelayOutcome {
	rm := r.lookup(roomID)
	if rm == nil {
		return RelayNotMember
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return RelayNotMember
	}

	var sender, other *slot
	for _, s := range rm.slots {
		if s.participantID == senderID {
			sender = s
		} else {
			other = s
		}
	}
	if sender == nil {
		return RelayNotMember
	}
	if other == nil {
		r.metrics.Inc(metrics.RelayPeerAbsent)
		return RelayPeerAbsent
	}

	msg.ParticipantID = senderID
	r.send(rm.id, other, msg)
	r.metrics.Inc(metrics.MessagesRelayed)
	return RelayDelivered
}

// Leave removes participantID's slot, notifies the remaining participant (if
// any) with peerLeft, and destroys the room once it is empty. Leaving a room
// the participant is not in, or leaving twice, is a no-op.
//
// Transport-level disconnects funnel into this same path: the gateway calls
// Leave when a participant's channel closes without an explicit leave.
func (r *Registry) Leave(roomID, participantID string) {
	rm := r.lookup(roomID)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	idx := -1
	for i, s := range rm.slots {
		if s.participantID == participantID {
			idx = i
			break
		}
	}
	if idx == -1 {
		rm.mu.Unlock()
		return
	}
	rm.slots = append(rm.slots[:idx], rm.slots[idx+1:]...)

	destroyed := len(rm.slots) == 0
	if destroyed {
		rm.closed = true
	} else {
		r.send(rm.id, rm.slots[0], protocol.Message{Kind: protocol.KindPeerLeft})
	}
	rm.mu.Unlock()

	if destroyed {
		r.mu.Lock()
		if r.rooms[roomID] == rm {
			delete(r.rooms, roomID)
		}
		r.mu.Unlock()
		r.metrics.Inc(metrics.RoomsDestroyed)
		r.log.Info("room destroyed", "room_id", roomID)
	}
	r.log.Info("participant left", "room_id", roomID, "participant_id", participantID)
	r.presence.ParticipantLeft(roomID, participantID)
}

// RoomCount reports the number of active rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Info describes a room for the read-only HTTP surface.
type Info struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RoomInfo reports a snapshot of a room's membership.
func (r *Registry) RoomInfo(roomID string) (Info, bool) {
	rm := r.lookup(roomID)
	if rm == nil {
		return Info{}, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return Info{}, false
	}
	info := Info{ID: rm.id, CreatedAt: rm.createdAt}
	for _, s := range rm.slots {
		info.Participants = append(info.Participants, s.participantID)
	}
	return info, true
}

func (r *Registry) lookup(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

// send enqueues msg for a slot; a full or closed channel counts as a slow
// consumer drop rather than an error, matching the relay's drop-don't-block
// policy.
func (r *Registry) send(roomID string, s *slot, msg protocol.Message) {
	if s.ch.Send(msg) {
		return
	}
	r.metrics.Inc(metrics.SlowConsumerDrops)
	r.log.Warn("dropping message for slow or closed channel",
		"room_id", roomID,
		"participant_id", s.participantID,
		"kind", msg.Kind,
	)
}
