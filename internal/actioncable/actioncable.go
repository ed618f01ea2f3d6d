package actioncable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultPingTimeout is how long we wait without receiving any frame
// (including server pings) before treating the connection as dead.
// ActionCable servers ping every ~3s, so 15s means ~5 missed pings.
var DefaultPingTimeout = 15 * time.Second

// ErrPingTimeout is returned when no frames are received within the ping timeout.
var ErrPingTimeout = errors.New("ping timeout: no frames received")

// ErrRejected is returned when the server rejects a subscription.
var ErrRejected = errors.New("subscription rejected (check pubsub_token)")

// frame is a raw ActionCable JSON frame.
type frame struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Command    string          `json:"command,omitempty"`
	Data       string          `json:"data,omitempty"`
	Reconnect  *bool           `json:"reconnect,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// ChannelID identifies a channel subscription.
// Fields are serialized to JSON and double-encoded as the ActionCable identifier string.
type ChannelID struct {
	Channel        string `json:"channel"`
	PubsubToken    string `json:"pubsub_token,omitempty"`
	AccountID      int    `json:"account_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Room           string `json:"room,omitempty"`
}

// Identifier returns the identifier string the server echoes back on frames.
func (id ChannelID) Identifier() string {
	data, _ := json.Marshal(id)
	return string(data)
}

// Event is a message received from the ActionCable server.
type Event struct {
	Identifier string          // channel the message arrived on
	Data       json.RawMessage // the "message" field payload
	Err        error           // non-nil on read error or disconnect
}

// Client is an ActionCable WebSocket client. One connection carries any
// number of channel subscriptions.
type Client struct {
	conn *websocket.Conn
	url  string

	mu        sync.Mutex
	subs      map[string]bool
	pending   map[string]chan error
	listening bool
}

// maxReadSize caps the maximum WebSocket frame size to 1 MB.
// ActionCable messages are small JSON; anything larger is likely malformed.
const maxReadSize = 1 << 20 // 1 MB

// Connect dials the ActionCable endpoint and waits for the welcome frame.
func Connect(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"actioncable-v1-json"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxReadSize)

	// Read the welcome frame.
	_, data, err := conn.Read(ctx)
	if err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("read welcome: %w", err)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("parse welcome: %w", err)
	}
	if f.Type != "welcome" {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("expected welcome, got %q (reason: %s)", f.Type, f.Reason)
	}

	return &Client{
		conn:    conn,
		url:     url,
		subs:    make(map[string]bool),
		pending: make(map[string]chan error),
	}, nil
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// Subscribed reports whether the channel has been confirmed.
func (c *Client) Subscribed(id ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id.Identifier()]
}

// Subscribe sends a subscribe command and waits for confirmation. Before
// Listen is running the response is read inline; afterwards the read loop
// hands the confirmation over.
func (c *Client) Subscribe(ctx context.Context, id ChannelID) error {
	ident := id.Identifier()

	c.mu.Lock()
	if c.subs[ident] {
		c.mu.Unlock()
		return nil
	}
	var wait chan error
	if c.listening {
		wait = make(chan error, 1)
		c.pending[ident] = wait
	}
	c.mu.Unlock()

	if err := c.command(ctx, "subscribe", ident, ""); err != nil {
		c.dropPending(ident)
		return err
	}

	if wait != nil {
		select {
		case err := <-wait:
			return err
		case <-ctx.Done():
			c.dropPending(ident)
			return ctx.Err()
		}
	}

	// Wait for confirm or reject, skipping pings that may arrive in between.
	for {
		_, resp, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read subscription response: %w", err)
		}

		var f frame
		if err := json.Unmarshal(resp, &f); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}

		switch f.Type {
		case "confirm_subscription":
			c.mu.Lock()
			c.subs[ident] = true
			c.mu.Unlock()
			return nil
		case "reject_subscription":
			return ErrRejected
		case "ping":
			continue // server pings arrive every ~3s, skip them
		default:
			return fmt.Errorf("unexpected response type: %q", f.Type)
		}
	}
}

// Unsubscribe leaves a channel. ActionCable does not confirm unsubscribes.
func (c *Client) Unsubscribe(ctx context.Context, id ChannelID) error {
	ident := id.Identifier()
	c.mu.Lock()
	known := c.subs[ident]
	delete(c.subs, ident)
	c.mu.Unlock()
	if !known {
		return nil
	}
	return c.command(ctx, "unsubscribe", ident, "")
}

// Perform invokes a channel action. data may be nil.
func (c *Client) Perform(ctx context.Context, id ChannelID, action string, data map[string]any) error {
	payload := map[string]any{}
	for k, v := range data {
		payload[k] = v
	}
	payload["action"] = action
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", action, err)
	}
	return c.command(ctx, "message", id.Identifier(), string(body))
}

func (c *Client) command(ctx context.Context, command, ident, data string) error {
	msg, _ := json.Marshal(frame{Command: command, Identifier: ident, Data: data})
	if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("write %s: %w", command, err)
	}
	return nil
}

func (c *Client) dropPending(ident string) {
	c.mu.Lock()
	delete(c.pending, ident)
	c.mu.Unlock()
}

// resolve settles a Subscribe waiting on the read loop.
func (c *Client) resolve(ident string, err error) {
	c.mu.Lock()
	wait, ok := c.pending[ident]
	delete(c.pending, ident)
	if ok && err == nil {
		c.subs[ident] = true
	}
	c.mu.Unlock()
	if ok {
		wait <- err
	}
}

// StartPresence sends update_presence actions on every subscribed channel at
// the given interval. Stops when ctx is cancelled. If onError is non-nil, it
// is called once on the first write failure before the goroutine exits.
func (c *Client) StartPresence(ctx context.Context, interval time.Duration, onError func(error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				idents := make([]string, 0, len(c.subs))
				for ident := range c.subs {
					idents = append(idents, ident)
				}
				c.mu.Unlock()
				for _, ident := range idents {
					if err := c.command(ctx, "message", ident, `{"action":"update_presence"}`); err != nil {
						if onError != nil && ctx.Err() == nil {
							onError(fmt.Errorf("presence write: %w", err))
						}
						return
					}
				}
			}
		}
	}()
}

// Listen starts the read loop and returns a channel of events.
// Pings and internal frames are handled silently.
// The channel closes when the connection drops or ctx is cancelled.
//
// A rolling ping timeout detects half-dead connections: if no frame
// (including server pings) arrives within DefaultPingTimeout, the
// connection is treated as dead and an ErrPingTimeout is emitted.
func (c *Client) Listen(ctx context.Context) <-chan Event {
	return c.ListenWithTimeout(ctx, DefaultPingTimeout)
}

// ListenWithTimeout is like Listen but with a configurable ping timeout.
// Use 0 to disable the timeout (not recommended in production).
func (c *Client) ListenWithTimeout(ctx context.Context, pingTimeout time.Duration) <-chan Event {
	c.mu.Lock()
	c.listening = true
	c.mu.Unlock()

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		defer c.failPending(errors.New("connection closed"))
		for {
			// Create a per-read context with a deadline so that half-dead
			// connections (no FIN/RST, just silence) get detected.
			readCtx := ctx
			var readCancel context.CancelFunc
			if pingTimeout > 0 {
				readCtx, readCancel = context.WithTimeout(ctx, pingTimeout)
			}

			_, data, err := c.conn.Read(readCtx)

			if readCancel != nil {
				readCancel()
			}

			if err != nil {
				// Distinguish ping timeout from parent context cancellation.
				if pingTimeout > 0 && ctx.Err() == nil && readCtx.Err() != nil {
					err = ErrPingTimeout
				}
				select {
				case ch <- Event{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue // skip malformed frames
			}

			switch {
			case f.Type == "ping":
				continue
			case f.Type == "disconnect":
				reconnect := f.Reconnect != nil && *f.Reconnect
				select {
				case ch <- Event{Err: fmt.Errorf("disconnect (reason=%s, reconnect=%v)", f.Reason, reconnect)}:
				case <-ctx.Done():
				}
				return
			case f.Type == "confirm_subscription":
				c.resolve(f.Identifier, nil)
			case f.Type == "reject_subscription":
				c.resolve(f.Identifier, ErrRejected)
			case len(f.Message) > 0:
				select {
				case ch <- Event{Identifier: f.Identifier, Data: f.Message}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan error)
	c.listening = false
	c.mu.Unlock()
	for _, wait := range pending {
		wait <- err
	}
}
