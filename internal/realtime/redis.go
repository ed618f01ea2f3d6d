package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix prefixes every Redis channel name.
const DefaultRedisPrefix = "crmsync"

// RedisSource carries rooms over Redis pub/sub. Room key "conversation:42"
// maps to channel "crmsync:conversation:42".
type RedisSource struct {
	client *redis.Client
	pubsub *redis.PubSub
	prefix string
	logger *slog.Logger
	stream *stream

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// RedisOptions configure a RedisSource.
type RedisOptions struct {
	Prefix string
	Logger *slog.Logger
}

// NewRedisSource wraps an existing client. The client stays owned by the caller.
func NewRedisSource(ctx context.Context, client *redis.Client, opts RedisOptions) *RedisSource {
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisSource{
		client: client,
		pubsub: client.Subscribe(ctx),
		prefix: opts.Prefix + ":",
		logger: opts.Logger,
		stream: newStream(256),
	}
}

// Channel returns the Redis channel for a room key.
func (s *RedisSource) Channel(room string) string {
	return s.prefix + room
}

func (s *RedisSource) Subscribe(ctx context.Context, conversationID string) error {
	return s.subscribe(ctx, ConversationRoom(conversationID))
}

func (s *RedisSource) Unsubscribe(ctx context.Context, conversationID string) error {
	if s.stream.closed() {
		return ErrClosed
	}
	if err := s.pubsub.Unsubscribe(ctx, s.Channel(ConversationRoom(conversationID))); err != nil {
		return fmt.Errorf("redis unsubscribe: %w", err)
	}
	return nil
}

func (s *RedisSource) JoinRoom(ctx context.Context, room string) error {
	return s.subscribe(ctx, OrgRoom(room))
}

func (s *RedisSource) Emit(ctx context.Context, room string, payload []byte) error {
	if s.stream.closed() {
		return ErrClosed
	}
	if err := s.client.Publish(ctx, s.Channel(room), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (s *RedisSource) Events() <-chan Event {
	return s.stream.ch
}

func (s *RedisSource) Close() error {
	if !s.stream.close() {
		return ErrClosed
	}
	err := s.pubsub.Close()
	s.wg.Wait()
	return err
}

func (s *RedisSource) subscribe(ctx context.Context, room string) error {
	if s.stream.closed() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pubsub.Subscribe(ctx, s.Channel(room)); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	if s.started {
		return nil
	}
	// Until the pump owns the connection the confirmation is read here.
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe confirm: %w", err)
	}
	s.start()
	s.started = true
	return nil
}

// start pumps pub/sub messages into the stream until the PubSub is closed.
func (s *RedisSource) start() {
	msgs := s.pubsub.Channel()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range msgs {
			room := strings.TrimPrefix(msg.Channel, s.prefix)
			if !json.Valid([]byte(msg.Payload)) {
				s.logger.Warn("dropping non-JSON redis payload", "channel", msg.Channel)
				continue
			}
			if !s.stream.deliver(Event{Room: room, Payload: json.RawMessage(msg.Payload)}) {
				return
			}
		}
	}()
}
