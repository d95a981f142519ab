package metrics

import "sync"

// Event names recorded by the relay.
const (
	ConnectionsOpened   = "connections_opened"
	ConnectionsClosed   = "connections_closed"
	RoomsCreated        = "rooms_created"
	RoomsDestroyed      = "rooms_destroyed"
	JoinsAdmitted       = "joins_admitted"
	JoinsRejectedFull   = "joins_rejected_full"
	JoinsDuplicate      = "joins_duplicate"
	MessagesRelayed     = "messages_relayed"
	RelayPeerAbsent     = "relay_peer_absent"
	MalformedMessages   = "malformed_messages"
	UnknownMessageKinds = "unknown_message_kinds"
	SlowConsumerDrops   = "slow_consumer_drops"
	RateLimitedFrames   = "rate_limited_frames"
	RoomsCapacityHit    = "rooms_capacity_hit"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps admission and relay logic testable while still exposing counters
// for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
