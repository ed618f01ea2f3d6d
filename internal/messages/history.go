package messages

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chatwoot/crmsync/internal/chat"
	"github.com/chatwoot/crmsync/internal/metrics"
)

// DefaultPageSize is the number of messages requested per history page.
const DefaultPageSize = 20

// HistoryAPI is the slice of chat.API the pager needs.
type HistoryAPI interface {
	GetConversation(ctx context.Context, id string, page, limit int) (*chat.ConversationPage, error)
}

// Viewport is the scroll container showing the timeline. Layout must return
// once the view reflects the store's latest contents.
type Viewport interface {
	ScrollHeight() int
	ScrollTop() int
	SetScrollTop(int)
	Layout()
}

// HistoryPager loads a conversation's history newest page first. Page 1
// replaces the store; later pages are prepended while keeping the visible
// content anchored.
type HistoryPager struct {
	api      HistoryAPI
	store    *Store
	pageSize int
	logger   *slog.Logger

	mu          sync.Mutex
	epoch       uint64
	page        int
	totalPages  int
	loading     bool
	initialLoad bool
	detail      *chat.Conversation
	err         error
	viewport    Viewport
}

// NewHistoryPager creates a pager feeding store. pageSize <= 0 uses DefaultPageSize.
func NewHistoryPager(api HistoryAPI, store *Store, pageSize int, logger *slog.Logger) *HistoryPager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryPager{api: api, store: store, pageSize: pageSize, logger: logger}
}

// SetViewport attaches the scroll container. Nil detaches it.
func (p *HistoryPager) SetViewport(v Viewport) {
	p.mu.Lock()
	p.viewport = v
	p.mu.Unlock()
}

// Reset forgets all cursors and binds the pager to the store's current epoch.
func (p *HistoryPager) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch = p.store.Epoch()
	p.page = 0
	p.totalPages = 0
	p.loading = false
	p.initialLoad = false
	p.detail = nil
	p.err = nil
}

// HasMore reports whether older pages remain.
func (p *HistoryPager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page < p.totalPages
}

// Loading reports whether a page request is in flight.
func (p *HistoryPager) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// Page returns the last loaded page number.
func (p *HistoryPager) Page() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page
}

// Err returns the last load error.
func (p *HistoryPager) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Detail returns the conversation detail delivered with the first page.
func (p *HistoryPager) Detail() (chat.Conversation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detail == nil {
		return chat.Conversation{}, false
	}
	return p.detail.Clone(), true
}

// TakeInitialLoad reports, once, that page 1 was just installed and the view
// should scroll to the bottom.
func (p *HistoryPager) TakeInitialLoad() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.initialLoad
	p.initialLoad = false
	return v
}

// LoadFirst loads page 1 and replaces the store with it.
func (p *HistoryPager) LoadFirst(ctx context.Context) error {
	p.mu.Lock()
	if p.loading {
		p.mu.Unlock()
		return nil
	}
	p.loading = true
	epoch := p.epoch
	p.mu.Unlock()

	return p.load(ctx, epoch, 1)
}

// LoadMore loads the next older page. It is a no-op while a load is running
// or when the history is exhausted.
func (p *HistoryPager) LoadMore(ctx context.Context) error {
	p.mu.Lock()
	if p.loading || p.page == 0 || p.page >= p.totalPages {
		p.mu.Unlock()
		return nil
	}
	p.loading = true
	epoch := p.epoch
	next := p.page + 1
	p.mu.Unlock()

	return p.load(ctx, epoch, next)
}

func (p *HistoryPager) load(ctx context.Context, epoch uint64, page int) error {
	conversationID := p.store.ConversationID()
	if conversationID == "" {
		p.finish(epoch, nil)
		return chat.ErrNoActiveConversation
	}

	res, err := p.api.GetConversation(ctx, conversationID, page, p.pageSize)
	if err != nil {
		err = &chat.APIError{Op: fmt.Sprintf("load history page %d", page), Status: chat.StatusOf(err), Err: err}
		if p.finish(epoch, err) {
			p.logger.Warn("history load failed", "conversation", conversationID, "page", page, "error", err)
			return err
		}
		return nil
	}

	if page == 1 {
		if !p.store.ReplaceAll(epoch, res.Messages) {
			p.discard(epoch, conversationID, page)
			return nil
		}
	} else if !p.prependAnchored(epoch, res.Messages) {
		p.discard(epoch, conversationID, page)
		return nil
	}
	metrics.PagesLoaded.WithLabelValues("history").Inc()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.epoch != epoch {
		return nil
	}
	p.loading = false
	p.err = nil
	p.page = page
	p.totalPages = totalPages(res.Pagination, page)
	if page == 1 {
		p.initialLoad = true
		detail := res.Conversation.Clone()
		p.detail = &detail
	}
	return nil
}

// prependAnchored records the scroll height, prepends, waits for layout and
// shifts the scroll position by the height the new content added.
func (p *HistoryPager) prependAnchored(epoch uint64, older []chat.Message) bool {
	p.mu.Lock()
	vp := p.viewport
	p.mu.Unlock()

	var oldHeight, oldTop int
	if vp != nil {
		oldHeight = vp.ScrollHeight()
		oldTop = vp.ScrollTop()
	}
	if _, ok := p.store.Prepend(epoch, older); !ok {
		return false
	}
	if vp != nil {
		vp.Layout()
		vp.SetScrollTop(oldTop + vp.ScrollHeight() - oldHeight)
	}
	return true
}

func (p *HistoryPager) discard(epoch uint64, conversationID string, page int) {
	p.finish(epoch, nil)
	p.logger.Debug("discarding stale history page", "conversation", conversationID, "page", page)
}

// finish clears the loading flag for epoch and records err. It reports whether
// epoch was still current.
func (p *HistoryPager) finish(epoch uint64, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.epoch != epoch {
		return false
	}
	p.loading = false
	p.err = err
	return true
}

func totalPages(pg chat.Pagination, page int) int {
	if pg.TotalPages > 0 {
		return pg.TotalPages
	}
	if pg.Limit > 0 && pg.Total > 0 {
		return (pg.Total + pg.Limit - 1) / pg.Limit
	}
	if pg.HasMore {
		return page + 1
	}
	return page
}
