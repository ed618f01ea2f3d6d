// Package board keeps the kanban view of conversations grouped by pipeline
// stage: bootstrap with bounded retry, per-column paging, and optimistic stage
// moves with count bookkeeping.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatwoot/crmsync/internal/backoff"
	"github.com/chatwoot/crmsync/internal/chat"
	"github.com/chatwoot/crmsync/internal/metrics"
)

// Defaults for board loading.
const (
	DefaultPageSize   = 20
	DefaultMaxRetries = 3
	DefaultRetryStep  = 2000 * time.Millisecond
)

var (
	// ErrUnknownConversation is returned for ids that are not on the board.
	ErrUnknownConversation = errors.New("conversation is not on the board")
	// ErrUnknownStage is returned for stage ids or indexes outside the pipeline.
	ErrUnknownStage = errors.New("stage is not in the pipeline")
	// ErrInvalidPipeline is returned when the server answers without a usable pipeline.
	ErrInvalidPipeline = errors.New("invalid pipeline response")
)

// API is the slice of chat.API the board uses.
type API interface {
	GetDefaultPipelineID(ctx context.Context) (string, error)
	GetPipeline(ctx context.Context, id string, page, limit int) (*chat.PipelinePage, error)
	GetConversationsByStage(ctx context.Context, pipelineID, stageID string, page, limit int) (*chat.StagePage, error)
	EditConversation(ctx context.Context, id string, patch chat.ConversationPatch) error
	DeleteConversation(ctx context.Context, id string) error
	EditStage(ctx context.Context, pipelineID, stageID string, patch chat.StagePatch) error
}

// Options tune a Board. Zero values use the defaults.
type Options struct {
	PageSize int
	Retry    *backoff.Policy
	Logger   *slog.Logger
	// OnChange, when set, is called after every state change, outside the lock.
	OnChange func()
}

// Board owns the conversations shown on the kanban board. Only the board
// itself and the router's preview path write to it.
type Board struct {
	api      API
	pageSize int
	retry    backoff.Policy
	logger   *slog.Logger
	onChange func()

	mu            sync.RWMutex
	generation    uint64
	pipeline      chat.Pipeline
	conversations []chat.Conversation
	columnLoading map[string]bool
	loading       bool
	err           error
}

// New creates an empty board.
func New(api API, opts Options) *Board {
	b := &Board{
		api:           api,
		pageSize:      opts.PageSize,
		logger:        opts.Logger,
		onChange:      opts.OnChange,
		columnLoading: make(map[string]bool),
	}
	if b.pageSize <= 0 {
		b.pageSize = DefaultPageSize
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if opts.Retry != nil {
		b.retry = *opts.Retry
	} else {
		b.retry = backoff.Policy{MaxRetries: DefaultMaxRetries, Delay: backoff.Linear(DefaultRetryStep)}
	}
	return b
}

// FetchPipeline loads the default pipeline and the first page of every stage.
// Failures are retried by the board's policy; the loading flag is raised only
// for the first attempt so transient failures do not flicker. When retries are
// exhausted the board keeps a terminal *chat.PipelineLoadError in Err.
func (b *Board) FetchPipeline(ctx context.Context) error {
	b.mu.Lock()
	b.err = nil
	b.mu.Unlock()

	res := b.retry.Do(ctx, func(ctx context.Context, a backoff.Attempt) error {
		if !a.Retry() {
			b.setLoading(true)
		}
		page, err := b.loadPipeline(ctx)
		if err != nil {
			metrics.PipelineAttempts.WithLabelValues("error").Inc()
			b.logger.Warn("pipeline load failed", "attempt", a.Number, "error", err)
			b.setLoading(false)
			return err
		}
		metrics.PipelineAttempts.WithLabelValues("ok").Inc()
		b.install(page)
		return nil
	})
	if res.Err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	loadErr := &chat.PipelineLoadError{Attempts: res.Attempts, Err: res.Err}
	b.mu.Lock()
	b.loading = false
	b.err = loadErr
	b.mu.Unlock()
	b.changed()
	return loadErr
}

func (b *Board) loadPipeline(ctx context.Context) (*chat.PipelinePage, error) {
	id, err := b.api.GetDefaultPipelineID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get default pipeline: %w", err)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: no default pipeline id", ErrInvalidPipeline)
	}
	page, err := b.api.GetPipeline(ctx, id, 1, b.pageSize)
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", id, err)
	}
	if page == nil || (len(page.Stages) == 0 && len(page.Pipeline.Stages) == 0) {
		return nil, fmt.Errorf("%w: pipeline %s has no stages", ErrInvalidPipeline, id)
	}
	if page.Pipeline.ID == "" {
		page.Pipeline.ID = id
	}
	return page, nil
}

func (b *Board) install(page *chat.PipelinePage) {
	pipeline := page.Pipeline
	var convs []chat.Conversation
	if len(page.Stages) > 0 {
		pipeline.Stages = make([]chat.Stage, len(page.Stages))
		for i, s := range page.Stages {
			stage := s.Stage
			stage.Pagination = b.normalize(stage.Pagination, 1, len(s.Conversations))
			pipeline.Stages[i] = stage
			for _, c := range s.Conversations {
				c = c.Clone()
				c.StageID = stage.ID
				c.StageIndex = i
				convs = append(convs, c)
			}
		}
	} else {
		pipeline.Stages = append([]chat.Stage(nil), pipeline.Stages...)
	}

	b.mu.Lock()
	b.generation++
	b.pipeline = pipeline
	b.conversations = convs
	b.columnLoading = make(map[string]bool)
	b.loading = false
	b.err = nil
	b.mu.Unlock()
	b.changed()
}

// normalize fills a page envelope the server left partially empty.
func (b *Board) normalize(p chat.Pagination, page, received int) chat.Pagination {
	if p.Page <= 0 {
		p.Page = page
	}
	if p.Limit <= 0 {
		p.Limit = b.pageSize
	}
	if p.TotalPages > 0 {
		p.HasMore = p.Page < p.TotalPages
	} else if p.Total > 0 {
		p.HasMore = p.HasMore || p.Page*p.Limit < p.Total
	}
	if p.Total < received {
		p.Total = received
	}
	return p
}

// LoadMore fetches the next page of one column. It does nothing when the
// column reports no more pages or is already loading; other columns may page
// at the same time.
func (b *Board) LoadMore(ctx context.Context, stageID string) error {
	b.mu.Lock()
	idx := b.pipeline.StageIndex(stageID)
	if idx < 0 {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStage, stageID)
	}
	stage := b.pipeline.Stages[idx]
	if !stage.Pagination.HasMore || b.columnLoading[stageID] {
		b.mu.Unlock()
		return nil
	}
	b.columnLoading[stageID] = true
	gen := b.generation
	pipelineID := b.pipeline.ID
	next := stage.Pagination.Page + 1
	b.mu.Unlock()
	b.changed()

	res, err := b.api.GetConversationsByStage(ctx, pipelineID, stageID, next, b.pageSize)

	b.mu.Lock()
	if b.generation != gen {
		b.mu.Unlock()
		return nil
	}
	delete(b.columnLoading, stageID)
	if err != nil {
		b.mu.Unlock()
		b.changed()
		return &chat.APIError{Op: "load column " + stageID, Status: chat.StatusOf(err), Err: err}
	}
	idx = b.pipeline.StageIndex(stageID)
	known := make(map[string]bool, len(b.conversations))
	for _, c := range b.conversations {
		known[c.ID] = true
	}
	for _, c := range res.Conversations {
		if known[c.ID] {
			continue
		}
		c = c.Clone()
		c.StageID = stageID
		c.StageIndex = idx
		b.conversations = append(b.conversations, c)
	}
	b.pipeline.Stages[idx].Pagination = b.normalize(res.Pagination, next, b.countLocked(stageID))
	b.mu.Unlock()

	metrics.PagesLoaded.WithLabelValues("column").Inc()
	b.changed()
	return nil
}

func (b *Board) setLoading(v bool) {
	b.mu.Lock()
	b.loading = v
	b.mu.Unlock()
	b.changed()
}

func (b *Board) changed() {
	if b.onChange != nil {
		b.onChange()
	}
}
