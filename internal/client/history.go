package client

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/protocol"
)

// DefaultHistorySize is how many global messages a client keeps.
const DefaultHistorySize = 200

// History is a bounded ring of the most recent chat messages.
type History struct {
	mu    sync.Mutex
	buf   []protocol.ChatMessage
	start int
	n     int
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]protocol.ChatMessage, size)}
}

func (h *History) Add(msg protocol.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = msg
		h.n++
		return
	}
	h.buf[h.start] = msg
	h.start = (h.start + 1) % len(h.buf)
}

// Messages returns the retained messages oldest first.
func (h *History) Messages() []protocol.ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.ChatMessage, h.n)
	for i := range out {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}
