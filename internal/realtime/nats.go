package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultNATSPrefix prefixes every NATS subject.
const DefaultNATSPrefix = "crmsync"

// NATSOptions configure a NATSSource.
type NATSOptions struct {
	URL     string
	Name    string
	Timeout time.Duration
	Prefix  string
}

// NATSSource carries rooms over NATS core subjects. Room key
// "conversation:42" maps to subject "crmsync.conversation.42".
type NATSSource struct {
	conn   *nats.Conn
	owned  bool
	prefix string
	stream *stream

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSSource connects to a NATS server.
func NewNATSSource(opts NATSOptions) (*NATSSource, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Name == "" {
		opts.Name = "crmsync"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.Timeout(opts.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	s := NewNATSSourceFromConn(conn, opts.Prefix)
	s.owned = true
	return s, nil
}

// NewNATSSourceFromConn wraps an existing connection, which stays owned by the caller.
func NewNATSSourceFromConn(conn *nats.Conn, prefix string) *NATSSource {
	if prefix == "" {
		prefix = DefaultNATSPrefix
	}
	return &NATSSource{
		conn:   conn,
		prefix: prefix,
		stream: newStream(256),
		subs:   make(map[string]*nats.Subscription),
	}
}

// Subject returns the NATS subject for a room key.
func (s *NATSSource) Subject(room string) string {
	return s.prefix + "." + strings.ReplaceAll(room, ":", ".")
}

// roomOf maps a subject back to its room key.
func (s *NATSSource) roomOf(subject string) string {
	rest := strings.TrimPrefix(subject, s.prefix+".")
	kind, name, ok := strings.Cut(rest, ".")
	if !ok {
		return rest
	}
	return kind + ":" + name
}

func (s *NATSSource) Subscribe(ctx context.Context, conversationID string) error {
	return s.subscribe(ConversationRoom(conversationID))
}

func (s *NATSSource) Unsubscribe(ctx context.Context, conversationID string) error {
	if s.stream.closed() {
		return ErrClosed
	}
	room := ConversationRoom(conversationID)
	s.mu.Lock()
	sub, ok := s.subs[room]
	delete(s.subs, room)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe: %w", err)
	}
	return nil
}

func (s *NATSSource) JoinRoom(ctx context.Context, room string) error {
	return s.subscribe(OrgRoom(room))
}

func (s *NATSSource) Emit(ctx context.Context, room string, payload []byte) error {
	if s.stream.closed() {
		return ErrClosed
	}
	if err := s.conn.Publish(s.Subject(room), payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (s *NATSSource) Events() <-chan Event {
	return s.stream.ch
}

func (s *NATSSource) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*nats.Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if !s.stream.close() {
		return ErrClosed
	}
	if s.owned {
		s.conn.Close()
	}
	return nil
}

func (s *NATSSource) subscribe(room string) error {
	if s.stream.closed() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[room]; ok {
		return nil
	}
	sub, err := s.conn.Subscribe(s.Subject(room), func(msg *nats.Msg) {
		data := append(json.RawMessage(nil), msg.Data...)
		s.stream.deliver(Event{Room: s.roomOf(msg.Subject), Payload: data})
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := s.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}
	s.subs[room] = sub
	return nil
}
