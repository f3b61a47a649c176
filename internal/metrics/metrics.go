package metrics

import "sync"

// Event names counted by the signaling relay.
const (
	ConnectionOpened   = "connection_opened"
	ConnectionClosed   = "connection_closed"
	ConnectionRejected = "connection_rejected"
	RoomJoined         = "room_joined"
	RoomLeft           = "room_left"
	RoomCreated        = "room_created"
	RoomDeleted        = "room_deleted"
	SignalRelayed      = "signal_relayed"
	SignalDropped      = "signal_dropped_unknown_target"
	ChatRoomMessage    = "chat_room_message"
	ChatGlobalMessage  = "chat_global_message"
	ChatDropped        = "chat_dropped"
	InvalidMessage     = "invalid_message"
	RateLimited        = "rate_limited"
	SlowConsumer       = "slow_consumer_closed"
	AuthFailure        = "auth_failure"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
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

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
