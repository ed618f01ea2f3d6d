package realtime

import (
	"context"
	"sync"
)

// Hub connects in-process sources: a payload emitted on a room reaches every
// source that joined it, including the emitter.
type Hub struct {
	mu      sync.RWMutex
	sources map[*MemorySource]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sources: make(map[*MemorySource]struct{})}
}

// Source attaches a new source to the hub.
func (h *Hub) Source() *MemorySource {
	s := &MemorySource{hub: h, stream: newStream(256), rooms: make(map[string]bool)}
	h.mu.Lock()
	h.sources[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish delivers payload to every source in room and returns how many
// received it.
func (h *Hub) Publish(room string, payload []byte) int {
	h.mu.RLock()
	targets := make([]*MemorySource, 0, len(h.sources))
	for s := range h.sources {
		if s.joined(room) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, s := range targets {
		data := append([]byte(nil), payload...)
		if s.stream.deliver(Event{Room: room, Payload: data}) {
			n++
		}
	}
	return n
}

func (h *Hub) detach(s *MemorySource) {
	h.mu.Lock()
	delete(h.sources, s)
	h.mu.Unlock()
}

// MemorySource is an in-process Source backed by a Hub.
type MemorySource struct {
	hub    *Hub
	stream *stream

	mu    sync.RWMutex
	rooms map[string]bool
}

// NewMemorySource returns a source on its own private hub.
func NewMemorySource() *MemorySource {
	return NewHub().Source()
}

func (s *MemorySource) Subscribe(ctx context.Context, conversationID string) error {
	return s.join(ConversationRoom(conversationID))
}

func (s *MemorySource) Unsubscribe(ctx context.Context, conversationID string) error {
	if s.stream.closed() {
		return ErrClosed
	}
	s.mu.Lock()
	delete(s.rooms, ConversationRoom(conversationID))
	s.mu.Unlock()
	return nil
}

func (s *MemorySource) JoinRoom(ctx context.Context, room string) error {
	return s.join(OrgRoom(room))
}

func (s *MemorySource) Emit(ctx context.Context, room string, payload []byte) error {
	if s.stream.closed() {
		return ErrClosed
	}
	s.hub.Publish(room, payload)
	return nil
}

func (s *MemorySource) Events() <-chan Event {
	return s.stream.ch
}

func (s *MemorySource) Close() error {
	if !s.stream.close() {
		return ErrClosed
	}
	s.hub.detach(s)
	return nil
}

// Rooms lists the joined room keys.
func (s *MemorySource) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

func (s *MemorySource) join(room string) error {
	if s.stream.closed() {
		return ErrClosed
	}
	s.mu.Lock()
	s.rooms[room] = true
	s.mu.Unlock()
	return nil
}

func (s *MemorySource) joined(room string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[room]
}
