package notify

import (
	"context"
	"sync"

	"github.com/MimeLyc/contentpipe/pkg/log"
)

const defaultBuffer = 64

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub is an in-process Broker. Publish never blocks: a subscriber whose
// buffer is full is dropped and its channel closed.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*subscriber]struct{}
	buffer  int
}

func NewHub() *Hub {
	return NewHubWithBuffer(defaultBuffer)
}

func NewHubWithBuffer(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		clients: make(map[string]map[*subscriber]struct{}),
		buffer:  buffer,
	}
}

func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.clients[ev.JobID] {
		select {
		case sub.ch <- ev:
		default:
			log.Warn("Dropping slow subscriber of job %s", ev.JobID)
			h.removeLocked(ev.JobID, sub)
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.clients[jobID] == nil {
		h.clients[jobID] = make(map[*subscriber]struct{})
	}
	h.clients[jobID][sub] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			h.removeLocked(jobID, sub)
			h.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

func (h *Hub) removeLocked(jobID string, sub *subscriber) {
	clients, ok := h.clients[jobID]
	if !ok {
		return
	}
	if _, ok := clients[sub]; ok {
		delete(clients, sub)
		sub.close()
	}
	if len(clients) == 0 {
		delete(h.clients, jobID)
	}
}
