package client

import (
	"sync"
	"time"
)

const maxOutstandingPings = 16

// latencySampler matches ping-check sequence numbers to their acks. Lost acks
// are simply forgotten.
type latencySampler struct {
	mu      sync.Mutex
	nextSeq uint64
	sent    map[uint64]time.Time
	last    time.Duration
	samples uint64
}

func newLatencySampler() *latencySampler {
	return &latencySampler{sent: make(map[uint64]time.Time)}
}

func (l *latencySampler) next(now time.Time) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSeq++
	seq := l.nextSeq
	l.sent[seq] = now
	if len(l.sent) > maxOutstandingPings {
		for s := range l.sent {
			if s+maxOutstandingPings <= seq {
				delete(l.sent, s)
			}
		}
	}
	return seq
}

// ack records the round trip for seq. Unknown or duplicate acks are ignored.
func (l *latencySampler) ack(seq uint64, now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sentAt, ok := l.sent[seq]
	if !ok {
		return 0, false
	}
	delete(l.sent, seq)
	l.last = now.Sub(sentAt)
	l.samples++
	return l.last, true
}

// Latency is the most recent round trip and the number of samples taken.
func (l *latencySampler) latency() (time.Duration, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.samples
}
