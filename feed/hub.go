package feed

import (
	"context"
	"sync"
)

// Hub fans child-added records out to in-process subscribers, for stores
// without a change feed of their own.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Stream]struct{}
}

// NewHub makes an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Stream]struct{})}
}

// Subscribe registers a stream for a collection.
func (h *Hub) Subscribe(collection string) *Stream {
	var s *Stream
	s = NewStream(64, func() error {
		h.remove(collection, s)
		return nil
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[*Stream]struct{})
	}
	h.subs[collection][s] = struct{}{}
	return s
}

// Publish delivers rec to every subscriber of the collection. Delivery is
// not bound to the writer's context; only closing a stream stops it.
func (h *Hub) Publish(collection string, rec Record) {
	h.mu.Lock()
	targets := make([]*Stream, 0, len(h.subs[collection]))
	for s := range h.subs[collection] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.Send(context.Background(), Event{Record: rec})
	}
}

// CloseAll ends every subscription.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Stream
	for _, subs := range h.subs {
		for s := range subs {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		_ = s.Close()
	}
}

func (h *Hub) remove(collection string, s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[collection], s)
	if len(h.subs[collection]) == 0 {
		delete(h.subs, collection)
	}
}
