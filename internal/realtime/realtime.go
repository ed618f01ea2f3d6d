// Package realtime abstracts the event stream that pushes conversation
// updates to the engine. Adapters exist for ActionCable, Redis pub/sub, NATS
// and an in-process hub.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

// ErrClosed is returned when operating on a closed source.
var ErrClosed = errors.New("realtime source closed")

// Event is one payload received on a room.
type Event struct {
	// Room is the room key the payload arrived on (see ConversationRoom and OrgRoom).
	Room    string
	Payload json.RawMessage
}

// Source is a subscribe/emit event stream. Implementations are safe for
// concurrent use. Events from every joined room arrive on one channel, which
// is closed by Close.
type Source interface {
	// Subscribe starts delivering events for a conversation room.
	Subscribe(ctx context.Context, conversationID string) error
	// Unsubscribe stops delivering events for a conversation room.
	Unsubscribe(ctx context.Context, conversationID string) error
	// JoinRoom starts delivering events for an organization room.
	JoinRoom(ctx context.Context, room string) error
	// Emit publishes payload on a room key.
	Emit(ctx context.Context, room string, payload []byte) error
	Events() <-chan Event
	Close() error
}

// ConversationRoom is the room key of a conversation.
func ConversationRoom(conversationID string) string {
	return "conversation:" + conversationID
}

// OrgRoom is the room key of an organization room.
func OrgRoom(name string) string {
	return "room:" + name
}

// ParseRoom splits a room key into its kind ("conversation" or "room") and name.
func ParseRoom(key string) (kind, name string, ok bool) {
	kind, name, ok = strings.Cut(key, ":")
	if !ok || name == "" || (kind != "conversation" && kind != "room") {
		return "", "", false
	}
	return kind, name, true
}

// stream is the delivery half shared by the adapters: one buffered channel,
// closed exactly once after in-flight deliveries have returned.
type stream struct {
	mu   sync.RWMutex
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func newStream(buffer int) *stream {
	return &stream{ch: make(chan Event, buffer), done: make(chan struct{})}
}

// deliver blocks until the event is queued or the stream is closed.
func (s *stream) deliver(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *stream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// close reports whether this call closed the stream.
func (s *stream) close() bool {
	first := false
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
		first = true
	})
	return first
}
