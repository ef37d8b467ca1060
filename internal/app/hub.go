package app

import (
	"sync"

	"team-answer-service/internal/domain"
)

// DocumentEvent is what live subscribers receive after every accepted write.
type DocumentEvent struct {
	Document  domain.AnswerDocument
	Submitted bool
}

// Hub fans document snapshots out to live subscribers of a (test, team) pair.
// Polling clients never touch it; it only feeds the websocket transport.
type Hub struct {
	mu     sync.RWMutex
	topics map[domain.DocumentKey]map[chan DocumentEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{topics: make(map[domain.DocumentKey]map[chan DocumentEvent]struct{})}
}

// Subscribe returns a channel of snapshots for key. The caller must invoke the
// returned cancel function to avoid leaks.
func (h *Hub) Subscribe(key domain.DocumentKey) (<-chan DocumentEvent, func()) {
	ch := make(chan DocumentEvent, 8)

	h.mu.Lock()
	subs, ok := h.topics[key]
	if !ok {
		subs = make(map[chan DocumentEvent]struct{})
		h.topics[key] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs, ok := h.topics[key]
		if !ok {
			return
		}
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(h.topics, key)
		}
	}
	return ch, cancel
}

// Broadcast delivers ev to every subscriber of its document key without blocking.
func (h *Hub) Broadcast(ev DocumentEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.topics[ev.Document.Key()] {
		snapshot := DocumentEvent{Document: ev.Document.Clone(), Submitted: ev.Submitted}
		select {
		case ch <- snapshot:
		default:
			// Slow subscriber: drop the oldest snapshot, the newest one supersedes it.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

// Subscribers reports how many live subscribers a key has.
func (h *Hub) Subscribers(key domain.DocumentKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[key])
}
