package actioncable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// mockCable is a minimal ActionCable server for testing.
func mockCable(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"actioncable-v1-json"},
		})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()
		handler(r.Context(), conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// writeFrame sends a frame of the given type echoing ident.
func writeFrame(ctx context.Context, conn *websocket.Conn, typ, ident string) {
	quoted, _ := json.Marshal(ident)
	_ = conn.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(`{"type":%q,"identifier":%s}`, typ, quoted)))
}

func TestChannelIDIdentifier(t *testing.T) {
	room := ChannelID{Channel: "OrgChannel", PubsubToken: "tok", Room: "acme"}
	if got, want := room.Identifier(), `{"channel":"OrgChannel","pubsub_token":"tok","room":"acme"}`; got != want {
		t.Errorf("org identifier = %s, want %s", got, want)
	}
	conv := ChannelID{Channel: "RoomChannel", AccountID: 1, ConversationID: "C1"}
	if got, want := conv.Identifier(), `{"channel":"RoomChannel","account_id":1,"conversation_id":"C1"}`; got != want {
		t.Errorf("conversation identifier = %s, want %s", got, want)
	}
}

func TestConnectHandshake(t *testing.T) {
	tests := []struct {
		name    string
		first   string
		wantErr string
	}{
		{"welcome", `{"type":"welcome"}`, ""},
		{"disconnect", `{"type":"disconnect","reason":"unauthorized"}`, "unauthorized"},
		{"garbage", `not json`, "parse welcome"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := mockCable(t, func(ctx context.Context, conn *websocket.Conn) {
				_ = conn.Write(ctx, websocket.MessageText, []byte(tt.first))
				time.Sleep(100 * time.Millisecond)
			})
			defer srv.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			c, err := Connect(ctx, wsURL(srv))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Connect: %v", err)
				}
				_ = c.Close()
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Connect err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeHandshake(t *testing.T) {
	tests := []struct {
		name    string
		pings   int
		reply   string
		wantErr error
	}{
		{"confirm", 0, "confirm_subscription", nil},
		{"pings before confirm", 2, "confirm_subscription", nil},
		{"reject", 0, "reject_subscription", ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := mockCable(t, func(ctx context.Context, conn *websocket.Conn) {
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"welcome"}`))
				_, data, err := conn.Read(ctx)
				if err != nil {
					t.Errorf("read subscribe: %v", err)
					return
				}
				var f frame
				_ = json.Unmarshal(data, &f)
				if f.Command != "subscribe" {
					t.Errorf("command = %q, want subscribe", f.Command)
				}
				for i := 0; i < tt.pings; i++ {
					_ = conn.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(`{"type":"ping","message":%d}`, 1000+i)))
				}
				writeFrame(ctx, conn, tt.reply, f.Identifier)
				time.Sleep(100 * time.Millisecond)
			})
			defer srv.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			c, err := Connect(ctx, wsURL(srv))
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer func() { _ = c.Close() }()

			id := ChannelID{Channel: "OrgChannel", PubsubToken: "tok123", Room: "acme"}
			err = c.Subscribe(ctx, id)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Subscribe err = %v, want %v", err, tt.wantErr)
			}
			if got := c.Subscribed(id); got != (tt.wantErr == nil) {
				t.Errorf("Subscribed = %v", got)
			}
		})
	}
}

func TestListenDeliversEvents(t *testing.T) {
	srv := mockCable(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"welcome"}`))
		_, _, _ = conn.Read(ctx) // subscribe
		id, _ := json.Marshal(`{"channel":"RoomChannel"}`)
		_ = conn.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(`{"type":"confirm_subscription","identifier":%s}`, string(id))))

		// send a ping (should be filtered)
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping","message":1234}`))

		// send a data message
		_ = conn.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(`{"identifier":%s,"message":{"event":"message.created","data":{"id":99}}}`, string(id))))

		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := wsURL(srv)
	c, _ := Connect(ctx, url)
	defer func() { _ = c.Close() }()
	_ = c.Subscribe(ctx, ChannelID{Channel: "RoomChannel", PubsubToken: "t", AccountID: 1, ConversationID: "42"})

	events := c.Listen(ctx)
	select {
	case ev := <-events:
		if ev.Err != nil {
			t.Fatalf("event error: %v", ev.Err)
		}
		if len(ev.Data) == 0 {
			t.Fatal("empty event data")
		}
		// Verify the data contains our message
		var payload map[string]any
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload["event"] != "message.created" {
			t.Errorf("event = %v, want message.created", payload["event"])
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestListenHandlesDisconnect(t *testing.T) {
	srv := mockCable(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"welcome"}`))
		_, _, _ = conn.Read(ctx) // subscribe
		id, _ := json.Marshal(`{"channel":"RoomChannel"}`)
		_ = conn.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(`{"type":"confirm_subscription","identifier":%s}`, string(id))))

		// send disconnect
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"disconnect","reason":"server_restart","reconnect":true}`))
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := wsURL(srv)
	c, _ := Connect(ctx, url)
	defer func() { _ = c.Close() }()
	_ = c.Subscribe(ctx, ChannelID{Channel: "RoomChannel", PubsubToken: "t", AccountID: 1, ConversationID: "42"})

	events := c.Listen(ctx)
	select {
	case ev := <-events:
		if ev.Err == nil {
			t.Fatal("expected error for disconnect")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for disconnect event")
	}
}

func TestListenPingTimeoutOnSilence(t *testing.T) {
	srv := mockCable(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"welcome"}`))
		_, _, _ = conn.Read(ctx) // subscribe
		id, _ := json.Marshal(`{"channel":"RoomChannel"}`)
		_ = conn.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(`{"type":"confirm_subscription","identifier":%s}`, string(id))))
		// Silence after confirm simulates a dead connection.
		time.Sleep(2 * time.Second)
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := wsURL(srv)
	c, _ := Connect(ctx, url)
	defer func() { _ = c.Close() }()
	_ = c.Subscribe(ctx, ChannelID{Channel: "RoomChannel", PubsubToken: "t", AccountID: 1, ConversationID: "42"})

	// Use a short timeout so the test doesn't take 15 seconds.
	events := c.ListenWithTimeout(ctx, 200*time.Millisecond)
	select {
	case ev := <-events:
		if ev.Err == nil {
			t.Fatal("expected error from ping timeout")
		}
		if !errors.Is(ev.Err, ErrPingTimeout) {
			t.Fatalf("expected ErrPingTimeout, got: %v", ev.Err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for ping timeout event")
	}
}

func TestListenPingsKeepConnectionAlive(t *testing.T) {
	srv := mockCable(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"welcome"}`))
		_, _, _ = conn.Read(ctx) // subscribe
		id, _ := json.Marshal(`{"channel":"RoomChannel"}`)
		_ = conn.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(`{"type":"confirm_subscription","identifier":%s}`, string(id))))

		// Send pings faster than the timeout to keep connection alive.
		// First ping arrives immediately to avoid a race between
		// ListenWithTimeout starting and the timeout expiring.
		for i := 0; i < 5; i++ {
			if err := conn.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(`{"type":"ping","message":%d}`, i))); err != nil {
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
		// Now send a real message.
		_ = conn.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(`{"identifier":%s,"message":{"event":"message.created","data":{"id":1}}}`, string(id))))
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := wsURL(srv)
	c, _ := Connect(ctx, url)
	defer func() { _ = c.Close() }()
	_ = c.Subscribe(ctx, ChannelID{Channel: "RoomChannel", PubsubToken: "t", AccountID: 1, ConversationID: "42"})

	// Pings every 100ms keep a 500ms timeout from firing.
	events := c.ListenWithTimeout(ctx, 500*time.Millisecond)
	select {
	case ev := <-events:
		if ev.Err != nil {
			t.Fatalf("unexpected error (pings should have kept connection alive): %v", ev.Err)
		}
		var payload map[string]any
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if payload["event"] != "message.created" {
			t.Errorf("event = %v, want message.created", payload["event"])
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestPresenceKeepalive(t *testing.T) {
	var presenceCount int32
	srv := mockCable(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"welcome"}`))
		_, _, _ = conn.Read(ctx) // subscribe
		id, _ := json.Marshal(`{"channel":"RoomChannel"}`)
		_ = conn.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(`{"type":"confirm_subscription","identifier":%s}`, string(id))))

		// read presence messages
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f frame
			_ = json.Unmarshal(data, &f)
			if f.Command == "message" {
				var d struct {
					Action string `json:"action"`
				}
				_ = json.Unmarshal([]byte(f.Data), &d)
				if d.Action == "update_presence" {
					atomic.AddInt32(&presenceCount, 1)
				}
			}
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	url := wsURL(srv)
	c, _ := Connect(ctx, url)
	defer func() { _ = c.Close() }()
	_ = c.Subscribe(ctx, ChannelID{Channel: "RoomChannel", PubsubToken: "t", AccountID: 1, ConversationID: "42"})

	// Start presence with short interval for testing
	c.StartPresence(ctx, 100*time.Millisecond, nil)

	<-ctx.Done()
	time.Sleep(50 * time.Millisecond) // let goroutine finish

	count := atomic.LoadInt32(&presenceCount)
	if count < 2 {
		t.Errorf("expected at least 2 presence pings, got %d", count)
	}
}

func TestSubscribeWhileListening(t *testing.T) {
	srv := mockCable(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"welcome"}`))
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f frame
			_ = json.Unmarshal(data, &f)
			if f.Command != "subscribe" {
				continue
			}
			idQuoted, _ := json.Marshal(f.Identifier)
			_ = conn.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(
				`{"type":"confirm_subscription","identifier":%s}`, idQuoted,
			)))
			_ = conn.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(
				`{"identifier":%s,"message":{"event":"message.created"}}`, idQuoted,
			)))
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := wsURL(srv)
	c, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = c.Close() }()

	org := ChannelID{Channel: "OrgChannel", PubsubToken: "t", Room: "acme"}
	room := ChannelID{Channel: "RoomChannel", PubsubToken: "t", ConversationID: "7"}

	if err := c.Subscribe(ctx, org); err != nil {
		t.Fatalf("Subscribe org: %v", err)
	}
	events := c.Listen(ctx)
	first := <-events
	if first.Identifier != org.Identifier() {
		t.Fatalf("identifier = %q, want %q", first.Identifier, org.Identifier())
	}

	if err := c.Subscribe(ctx, room); err != nil {
		t.Fatalf("Subscribe room while listening: %v", err)
	}
	if !c.Subscribed(room) || !c.Subscribed(org) {
		t.Fatal("both channels should be confirmed")
	}
	second := <-events
	if second.Identifier != room.Identifier() {
		t.Fatalf("identifier = %q, want %q", second.Identifier, room.Identifier())
	}
}

func TestUnsubscribeAndPerform(t *testing.T) {
	commands := make(chan frame, 8)
	srv := mockCable(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"welcome"}`))
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f frame
			_ = json.Unmarshal(data, &f)
			commands <- f
			if f.Command == "subscribe" {
				idQuoted, _ := json.Marshal(f.Identifier)
				_ = conn.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(
					`{"type":"confirm_subscription","identifier":%s}`, idQuoted,
				)))
			}
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := wsURL(srv)
	c, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = c.Close() }()

	id := ChannelID{Channel: "RoomChannel", ConversationID: "7"}
	if err := c.Subscribe(ctx, id); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-commands

	if err := c.Perform(ctx, id, "typing", map[string]any{"on": true}); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	f := <-commands
	var data map[string]any
	_ = json.Unmarshal([]byte(f.Data), &data)
	if f.Command != "message" || data["action"] != "typing" || data["on"] != true {
		t.Fatalf("unexpected perform frame: %+v", f)
	}

	if err := c.Unsubscribe(ctx, id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	f = <-commands
	if f.Command != "unsubscribe" || f.Identifier != id.Identifier() {
		t.Fatalf("unexpected unsubscribe frame: %+v", f)
	}
	if c.Subscribed(id) {
		t.Fatal("channel should be gone after Unsubscribe")
	}
	if err := c.Unsubscribe(ctx, id); err != nil {
		t.Fatalf("second Unsubscribe should be a no-op: %v", err)
	}
}
