package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/chatwoot/crmsync/internal/actioncable"
)

// ActionCable channel names.
const (
	RoomChannel = "RoomChannel"
	OrgChannel  = "OrgChannel"
)

// CableOptions configure a CableSource.
type CableOptions struct {
	URL         string
	PubsubToken string
	AccountID   int
	Logger      *slog.Logger
	// PingTimeout defaults to actioncable.DefaultPingTimeout.
	PingTimeout time.Duration
	// PresenceInterval enables update_presence keepalives when positive.
	PresenceInterval time.Duration
}

// CableSource carries rooms over an ActionCable connection: one RoomChannel
// subscription per conversation and one OrgChannel subscription per
// organization room. Dropped connections are redialed with exponential
// backoff and every room is subscribed again.
type CableSource struct {
	opts   CableOptions
	stream *stream
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	client  *actioncable.Client
	rooms   map[string]actioncable.ChannelID
	byIdent map[string]string
}

// DialCable connects to an ActionCable endpoint and starts listening.
func DialCable(ctx context.Context, opts CableOptions) (*CableSource, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = actioncable.DefaultPingTimeout
	}
	client, err := actioncable.Connect(ctx, opts.URL)
	if err != nil {
		return nil, fmt.Errorf("connect cable: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &CableSource{
		opts:    opts,
		stream:  newStream(256),
		cancel:  cancel,
		client:  client,
		rooms:   make(map[string]actioncable.ChannelID),
		byIdent: make(map[string]string),
	}
	events, stop := s.listen(runCtx, client)
	s.wg.Add(1)
	go s.run(runCtx, events, stop)
	return s, nil
}

// BuildCableURL converts an HTTP base URL to its ActionCable WebSocket URL.
func BuildCableURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL // fallback
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/cable"
	u.RawQuery = ""
	return u.String()
}

// channelFor builds the channel identifier of a room key.
func (s *CableSource) channelFor(room string) (actioncable.ChannelID, error) {
	kind, name, ok := ParseRoom(room)
	if !ok {
		return actioncable.ChannelID{}, fmt.Errorf("invalid room key %q", room)
	}
	id := actioncable.ChannelID{PubsubToken: s.opts.PubsubToken, AccountID: s.opts.AccountID}
	if kind == "conversation" {
		id.Channel = RoomChannel
		id.ConversationID = name
	} else {
		id.Channel = OrgChannel
		id.Room = name
	}
	return id, nil
}

func (s *CableSource) Subscribe(ctx context.Context, conversationID string) error {
	return s.join(ctx, ConversationRoom(conversationID))
}

func (s *CableSource) Unsubscribe(ctx context.Context, conversationID string) error {
	if s.stream.closed() {
		return ErrClosed
	}
	room := ConversationRoom(conversationID)
	s.mu.Lock()
	id, ok := s.rooms[room]
	delete(s.rooms, room)
	delete(s.byIdent, id.Identifier())
	client := s.client
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return client.Unsubscribe(ctx, id)
}

func (s *CableSource) JoinRoom(ctx context.Context, room string) error {
	return s.join(ctx, OrgRoom(room))
}

// Emit performs the "emit" action on the room's channel. The server fans the
// payload out to the room's subscribers.
func (s *CableSource) Emit(ctx context.Context, room string, payload []byte) error {
	if s.stream.closed() {
		return ErrClosed
	}
	id, err := s.channelFor(room)
	if err != nil {
		return err
	}
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	return client.Perform(ctx, id, "emit", map[string]any{"payload": json.RawMessage(payload)})
}

func (s *CableSource) Events() <-chan Event {
	return s.stream.ch
}

func (s *CableSource) Close() error {
	if !s.stream.close() {
		return ErrClosed
	}
	s.cancel()
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	err := client.Close()
	s.wg.Wait()
	return err
}

func (s *CableSource) join(ctx context.Context, room string) error {
	if s.stream.closed() {
		return ErrClosed
	}
	id, err := s.channelFor(room)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rooms[room] = id
	s.byIdent[id.Identifier()] = room
	client := s.client
	s.mu.Unlock()
	return client.Subscribe(ctx, id)
}

// listen starts the read loop (and presence) of one connection.
func (s *CableSource) listen(ctx context.Context, client *actioncable.Client) (<-chan actioncable.Event, context.CancelFunc) {
	connCtx, stop := context.WithCancel(ctx)
	events := client.ListenWithTimeout(connCtx, s.opts.PingTimeout)
	if s.opts.PresenceInterval > 0 {
		client.StartPresence(connCtx, s.opts.PresenceInterval, func(err error) {
			s.opts.Logger.Debug("presence stopped", "error", err)
		})
	}
	return events, stop
}

// run pumps the current connection and redials when it drops.
func (s *CableSource) run(ctx context.Context, events <-chan actioncable.Event, stop context.CancelFunc) {
	defer s.wg.Done()

	backoff := 2 * time.Second
	maxBackoff := 30 * time.Second
	resetThreshold := 60 * time.Second

	for {
		connectStart := time.Now()
		err := s.pump(ctx, events)
		stop()
		if ctx.Err() != nil {
			return
		}
		// Reset backoff if the connection was stable for a while.
		if time.Since(connectStart) > resetThreshold {
			backoff = 2 * time.Second
		}
		s.opts.Logger.Warn("cable disconnected, reconnecting", "error", err, "backoff", backoff)

		var client *actioncable.Client
		for client == nil {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxBackoff)
			if client, err = s.redial(ctx); err != nil {
				s.opts.Logger.Warn("cable redial failed", "error", err, "backoff", backoff)
			}
		}
		events, stop = s.listen(ctx, client)
		s.mu.Lock()
		s.client = client
		s.mu.Unlock()
	}
}

// pump forwards cable events until the connection fails or ctx ends.
func (s *CableSource) pump(ctx context.Context, events <-chan actioncable.Event) error {
	for ev := range events {
		if ev.Err != nil {
			return ev.Err
		}
		s.mu.Lock()
		room, ok := s.byIdent[ev.Identifier]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if !s.stream.deliver(Event{Room: room, Payload: unwrapEnvelope(ev.Data)}) {
			return ErrClosed
		}
	}
	return ctx.Err()
}

// redial connects again and restores every room on the new connection.
func (s *CableSource) redial(ctx context.Context) (*actioncable.Client, error) {
	client, err := actioncable.Connect(ctx, s.opts.URL)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	ids := make([]actioncable.ChannelID, 0, len(s.rooms))
	for _, id := range s.rooms {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := client.Subscribe(ctx, id); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("resubscribe %s: %w", id.Channel, err)
		}
	}
	return client, nil
}

// unwrapEnvelope strips an {"event": ..., "data": ...} wrapper when present.
func unwrapEnvelope(raw json.RawMessage) json.RawMessage {
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Event != "" && len(env.Data) > 0 {
		return env.Data
	}
	return raw
}
