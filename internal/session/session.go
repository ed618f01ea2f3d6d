// Package session composes the message store, history pager, outbox, board
// and event router into the stateful surface a view binds to.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatwoot/crmsync/internal/backoff"
	"github.com/chatwoot/crmsync/internal/board"
	"github.com/chatwoot/crmsync/internal/chat"
	"github.com/chatwoot/crmsync/internal/dates"
	"github.com/chatwoot/crmsync/internal/messages"
	"github.com/chatwoot/crmsync/internal/outbox"
	"github.com/chatwoot/crmsync/internal/realtime"
	"github.com/chatwoot/crmsync/internal/router"
)

// ExpiryWindow is how long after the last message a conversation stays open
// for outbound sends.
const ExpiryWindow = 24 * time.Hour

// Options configure a Session.
type Options struct {
	// OrgRoom is joined by Start when set.
	OrgRoom  string
	PageSize int
	Logger   *slog.Logger

	OnNotification        func(router.Notification)
	OnUnknownConversation func(chat.Conversation)
	// OnChange is called after any store or board mutation.
	OnChange func()
	// OnSendSettled is called when a background send finishes.
	OnSendSettled func(localID string, status chat.Status, err error)

	Fetcher    outbox.LibraryFetcher
	BoardRetry *backoff.Policy
	Now        func() time.Time
}

// Session owns the state of one signed-in view: the board and at most one
// open conversation.
type Session struct {
	api    chat.API
	source realtime.Source
	opts   Options
	logger *slog.Logger

	store  *messages.Store
	pager  *messages.HistoryPager
	outbox *outbox.Pipeline
	board  *board.Board
	router *router.Router

	mu       sync.Mutex
	active   string
	compose  string
	priority map[string]string
}

// New wires a session. source may be nil for a session without real-time updates.
func New(api chat.API, source realtime.Source, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{
		api:      api,
		source:   source,
		opts:     opts,
		logger:   opts.Logger,
		store:    messages.NewStore(),
		priority: make(map[string]string),
	}
	s.store.OnChange = s.changed
	s.pager = messages.NewHistoryPager(api, s.store, opts.PageSize, opts.Logger)
	s.board = board.New(api, board.Options{
		PageSize: opts.PageSize,
		Retry:    opts.BoardRetry,
		Logger:   opts.Logger,
		OnChange: s.changed,
	})
	s.outbox = outbox.New(api, s.store, outbox.Options{
		Destination:  s.destination,
		ClearCompose: func() { s.SetCompose("") },
		Reload:       s.reloadAfterConflict,
		Settled:      opts.OnSendSettled,
		Fetcher:      opts.Fetcher,
		Logger:       opts.Logger,
		Now:          opts.Now,
	})
	s.router = router.New(api, s.store, s.board, router.Options{
		OnNotification:        opts.OnNotification,
		OnUnknownConversation: s.unknownConversation,
		Logger:                opts.Logger,
	})
	return s
}

// Start joins the organization room and routes source events until ctx is
// done or the source closes.
func (s *Session) Start(ctx context.Context) error {
	if s.source == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.opts.OrgRoom != "" {
		if err := s.source.JoinRoom(ctx, s.opts.OrgRoom); err != nil {
			return fmt.Errorf("join room %s: %w", s.opts.OrgRoom, err)
		}
	}
	return s.router.Pump(ctx, s.source.Events())
}

// InitializeChat opens conversationID: the store is cleared before the first
// page loads, the previous conversation's subscription is dropped, and the
// source is subscribed to the new one.
func (s *Session) InitializeChat(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return chat.ErrNoActiveConversation
	}
	s.mu.Lock()
	prev := s.active
	s.active = conversationID
	s.compose = ""
	s.mu.Unlock()

	s.store.Open(conversationID)
	s.pager.Reset()

	if s.source != nil && prev != conversationID {
		if prev != "" {
			if err := s.source.Unsubscribe(ctx, prev); err != nil {
				s.logger.Warn("unsubscribe failed", "conversation", prev, "error", err)
			}
		}
		if err := s.source.Subscribe(ctx, conversationID); err != nil {
			return fmt.Errorf("subscribe %s: %w", conversationID, err)
		}
	}

	if err := s.pager.LoadFirst(ctx); err != nil {
		return err
	}
	s.board.MarkRead(conversationID)
	return nil
}

// CleanupChat closes the open conversation. It is safe to call repeatedly and
// with nothing open.
func (s *Session) CleanupChat(ctx context.Context) {
	s.mu.Lock()
	prev := s.active
	s.active = ""
	s.compose = ""
	s.mu.Unlock()

	if prev != "" && s.source != nil {
		if err := s.source.Unsubscribe(ctx, prev); err != nil && !errors.Is(err, realtime.ErrClosed) {
			s.logger.Warn("unsubscribe failed", "conversation", prev, "error", err)
		}
	}
	s.store.Clear()
	s.pager.Reset()
}

// Close cleans up the open conversation and waits for background sends.
func (s *Session) Close(ctx context.Context) {
	s.CleanupChat(ctx)
	s.outbox.Wait()
}

// WaitSends blocks until every background send has settled. The open
// conversation stays open.
func (s *Session) WaitSends() {
	s.outbox.Wait()
}

// ActiveConversation returns the open conversation id, or "".
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// IsConversationExpired reports whether the newest message is older than
// ExpiryWindow. A conversation without messages is not expired.
func (s *Session) IsConversationExpired(now time.Time) bool {
	var latest time.Time
	for _, m := range s.store.Messages() {
		if m.Timestamp.After(latest) {
			latest = m.Timestamp
		}
	}
	if latest.IsZero() {
		return false
	}
	return dates.HoursSince(latest, now) > ExpiryWindow.Hours()
}

// Send queues text for the open conversation.
func (s *Session) Send(ctx context.Context, text string, opts outbox.SendOptions) (chat.Message, error) {
	return s.outbox.Send(ctx, text, opts)
}

// SendCompose sends the compose buffer.
func (s *Session) SendCompose(ctx context.Context, opts outbox.SendOptions) (chat.Message, error) {
	return s.outbox.Send(ctx, s.Compose(), opts)
}

// SendAttachment uploads f and queues it for the open conversation.
func (s *Session) SendAttachment(ctx context.Context, f chat.File, opts outbox.SendOptions) (chat.Message, error) {
	return s.outbox.SendAttachment(ctx, f, opts)
}

// SendLibraryAttachment fetches a library item and sends it.
func (s *Session) SendLibraryAttachment(ctx context.Context, item outbox.LibraryItem, opts outbox.SendOptions) (chat.Message, error) {
	return s.outbox.SendLibraryAttachment(ctx, item, opts)
}

// IsUploadingFile reports whether an attachment upload is running.
func (s *Session) IsUploadingFile() bool { return s.outbox.IsUploadingFile() }

// UploadError returns the last attachment failure.
func (s *Session) UploadError() error { return s.outbox.UploadError() }

// SetPriority persists the open conversation's priority. Board entries are
// patched by the board; for conversations off the board the detail is patched.
func (s *Session) SetPriority(ctx context.Context, priority string) error {
	id := s.ActiveConversation()
	if id == "" {
		return chat.ErrNoActiveConversation
	}
	if err := s.board.SetPriority(ctx, id, priority); err != nil {
		return err
	}
	if _, onBoard := s.board.Conversation(id); !onBoard {
		s.mu.Lock()
		s.priority[id] = priority
		s.mu.Unlock()
		s.changed()
	}
	return nil
}

// SetCompose replaces the compose buffer.
func (s *Session) SetCompose(text string) {
	s.mu.Lock()
	s.compose = text
	s.mu.Unlock()
}

// Compose returns the compose buffer.
func (s *Session) Compose() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compose
}

// LoadMoreHistory loads the next older page of the open conversation.
func (s *Session) LoadMoreHistory(ctx context.Context) error {
	return s.pager.LoadMore(ctx)
}

// HistoryHasMore reports whether older pages remain.
func (s *Session) HistoryHasMore() bool { return s.pager.HasMore() }

// HistoryLoading reports whether a history page is in flight.
func (s *Session) HistoryLoading() bool { return s.pager.Loading() }

// HistoryErr returns the last history load error.
func (s *Session) HistoryErr() error { return s.pager.Err() }

// TakeInitialLoad reports, once per first page, that the view should scroll
// to the bottom.
func (s *Session) TakeInitialLoad() bool { return s.pager.TakeInitialLoad() }

// SetViewport attaches the scroll container used to anchor prepends.
func (s *Session) SetViewport(v messages.Viewport) { s.pager.SetViewport(v) }

// Reload reloads page 1 of the open conversation from the server.
func (s *Session) Reload(ctx context.Context) error {
	if s.ActiveConversation() == "" {
		return chat.ErrNoActiveConversation
	}
	s.pager.Reset()
	return s.pager.LoadFirst(ctx)
}

// Messages returns the open conversation's timeline.
func (s *Session) Messages() []chat.Message {
	return s.store.Messages()
}

// GroupedMessages returns the timeline bucketed by calendar day in loc.
func (s *Session) GroupedMessages(loc *time.Location) []dates.DayGroup {
	return dates.GroupByDay(s.store.Messages(), loc)
}

// Detail returns the open conversation's detail. Board state wins for the
// fields the board owns.
func (s *Session) Detail() (chat.Conversation, bool) {
	d, ok := s.pager.Detail()
	if !ok {
		return chat.Conversation{}, false
	}
	if c, onBoard := s.board.Conversation(d.ID); onBoard {
		d.StageID = c.StageID
		d.StageIndex = c.StageIndex
		d.Priority = c.Priority
		d.Tags = c.Tags
		if d.Address == "" {
			d.Address = c.Address
		}
		return d, true
	}
	s.mu.Lock()
	if p, set := s.priority[d.ID]; set {
		d.Priority = p
	}
	s.mu.Unlock()
	return d, true
}

// Board returns the board controller.
func (s *Session) Board() *board.Board {
	return s.board
}

// Router returns the event router, for callers that feed events themselves.
func (s *Session) Router() *router.Router {
	return s.router
}

// destination resolves the contact address used for sends.
func (s *Session) destination(conversationID string) string {
	if d, ok := s.pager.Detail(); ok && d.ID == conversationID && d.Address != "" {
		return d.Address
	}
	return s.board.Address(conversationID)
}

func (s *Session) reloadAfterConflict(ctx context.Context) {
	if err := s.Reload(ctx); err != nil && !errors.Is(err, chat.ErrNoActiveConversation) {
		s.logger.Warn("reload after send conflict failed", "error", err)
	}
}

func (s *Session) unknownConversation(c chat.Conversation) {
	if s.opts.OnUnknownConversation != nil {
		s.opts.OnUnknownConversation(c)
		return
	}
	s.logger.Info("event for conversation not on board", "conversation", c.ID, "title", c.Title)
}

func (s *Session) changed() {
	if s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}
