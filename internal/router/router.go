// Package router turns real-time payloads into store, board and notification
// updates.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/chatwoot/crmsync/internal/chat"
	"github.com/chatwoot/crmsync/internal/messages"
	"github.com/chatwoot/crmsync/internal/metrics"
	"github.com/chatwoot/crmsync/internal/realtime"
)

// seenLimit bounds the set of message ids remembered for preview dedup.
const seenLimit = 512

// API is the subset of the backend the router calls.
type API interface {
	GetConversation(ctx context.Context, id string, page, limit int) (*chat.ConversationPage, error)
	MarkAsRead(ctx context.Context, address string) error
}

// Board is the subset of the board controller the router updates.
type Board interface {
	Conversation(id string) (chat.Conversation, bool)
	ApplyPreview(id string, p chat.Preview, unread bool) bool
}

// Notification is handed to OnNotification for incoming messages outside the
// open conversation and for passive notices.
type Notification struct {
	ConversationID string
	Type           string
	Name           string
	Text           string
}

// Options configure a Router.
type Options struct {
	OnNotification        func(Notification)
	OnUnknownConversation func(chat.Conversation)
	Logger                *slog.Logger
}

// Router applies RoutedEvents.
type Router struct {
	api   API
	store *messages.Store
	board Board
	opts  Options

	mu      sync.Mutex
	fetched map[string]bool
	seen    map[string]struct{}
	order   []string
}

// New creates a router over the open-conversation store and the board.
func New(api API, store *messages.Store, board Board, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		api:     api,
		store:   store,
		board:   board,
		opts:    opts,
		fetched: make(map[string]bool),
		seen:    make(map[string]struct{}),
	}
}

// Pump routes events until the channel closes or ctx is done.
func (r *Router) Pump(ctx context.Context, events <-chan realtime.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.HandlePayload(ctx, ev.Payload); err != nil {
				r.opts.Logger.Debug("dropping event", "room", ev.Room, "error", err)
			}
		}
	}
}

// HandlePayload decodes one payload against the currently open conversation
// and applies it.
func (r *Router) HandlePayload(ctx context.Context, payload []byte) error {
	ev, err := Decode(payload, r.store.ConversationID())
	if err != nil {
		if errors.Is(err, ErrUnknownShape) {
			metrics.EventsRouted.WithLabelValues("unknown").Inc()
		} else {
			metrics.EventsRouted.WithLabelValues("invalid").Inc()
		}
		return err
	}
	r.Handle(ctx, ev)
	return nil
}

// Handle applies a decoded event.
func (r *Router) Handle(ctx context.Context, ev RoutedEvent) {
	switch e := ev.(type) {
	case MessageForOpenConversation:
		metrics.EventsRouted.WithLabelValues("open").Inc()
		r.handleOpen(ctx, e)
	case PreviewUpdate:
		metrics.EventsRouted.WithLabelValues("preview").Inc()
		r.handlePreview(ctx, e)
	case PassiveNotification:
		metrics.EventsRouted.WithLabelValues("notification").Inc()
		name := e.Name
		if name == "" {
			name = e.Address
		}
		r.notify(Notification{Type: e.Type, Name: name, Text: e.Text})
	}
}

func (r *Router) handleOpen(ctx context.Context, e MessageForOpenConversation) {
	m := e.Message
	out := r.store.Reconcile(m)
	metrics.EventOutcomes.WithLabelValues(out.String()).Inc()
	switch out {
	case messages.Duplicate:
		return
	case messages.Ignored:
		// The conversation was closed between decode and apply.
		r.handlePreview(ctx, PreviewUpdate{Message: m, SenderName: e.SenderName, Address: e.Address})
		return
	}
	r.remember(m)

	incoming := m.Direction == chat.DirectionIncoming
	if !r.board.ApplyPreview(m.ConversationID, chat.PreviewOf(m, true), false) {
		r.fetchUnknown(ctx, m)
	}
	if !incoming {
		return
	}
	addr := e.Address
	if addr == "" {
		if c, ok := r.board.Conversation(m.ConversationID); ok {
			addr = c.Address
		}
	}
	if addr == "" {
		return
	}
	if err := r.api.MarkAsRead(ctx, addr); err != nil {
		r.opts.Logger.Warn("mark as read failed", "conversation", m.ConversationID, "error", err)
	}
}

func (r *Router) handlePreview(ctx context.Context, e PreviewUpdate) {
	m := e.Message
	if m.ConversationID == "" || !r.remember(m) {
		return
	}
	incoming := m.Direction == chat.DirectionIncoming
	if !r.board.ApplyPreview(m.ConversationID, chat.PreviewOf(m, !incoming), incoming) {
		r.fetchUnknown(ctx, m)
	}
	if !incoming {
		return
	}
	r.notify(Notification{
		ConversationID: m.ConversationID,
		Type:           "message",
		Name:           r.displayName(e),
		Text:           chat.PreviewOf(m, false).Text,
	})
}

// displayName prefers the conversation title, then the event's sender name,
// then the contact address.
func (r *Router) displayName(e PreviewUpdate) string {
	var title, addr string
	if c, ok := r.board.Conversation(e.Message.ConversationID); ok {
		title, addr = c.Title, c.Address
	}
	if title == "" && e.Conversation != nil {
		title = e.Conversation.Title
	}
	if e.Address != "" {
		addr = e.Address
	}
	for _, s := range []string{title, e.SenderName, addr} {
		if s != "" {
			return s
		}
	}
	return e.Message.ConversationID
}

// fetchUnknown loads a conversation missing from the board, once per id, and
// hands it to OnUnknownConversation. A failed fetch may be retried by a later event.
func (r *Router) fetchUnknown(ctx context.Context, m chat.Message) {
	id := m.ConversationID
	r.mu.Lock()
	if r.fetched[id] {
		r.mu.Unlock()
		return
	}
	r.fetched[id] = true
	r.mu.Unlock()

	page, err := r.api.GetConversation(ctx, id, 1, 1)
	if err != nil {
		r.mu.Lock()
		delete(r.fetched, id)
		r.mu.Unlock()
		r.opts.Logger.Warn("fetch unknown conversation failed", "conversation", id, "error", err)
		return
	}
	conv := page.Conversation.Clone()
	if conv.ID == "" {
		conv.ID = id
	}
	if conv.Preview.Timestamp.Before(m.Timestamp) || conv.Preview.Text == "" {
		incoming := m.Direction == chat.DirectionIncoming
		conv.Preview = chat.PreviewOf(m, !incoming || id == r.store.ConversationID())
	}
	r.opts.Logger.Debug("conversation not on board", "conversation", id)
	if r.opts.OnUnknownConversation != nil {
		r.opts.OnUnknownConversation(conv)
	}
}

// remember records a server message id and reports whether it was new.
// Messages without a server id are always new.
func (r *Router) remember(m chat.Message) bool {
	if m.MessageID == "" {
		return true
	}
	key := m.ConversationID + "/" + m.MessageID
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = struct{}{}
	r.order = append(r.order, key)
	if len(r.order) > seenLimit {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
	return true
}

func (r *Router) notify(n Notification) {
	if r.opts.OnNotification != nil {
		r.opts.OnNotification(n)
	}
}
