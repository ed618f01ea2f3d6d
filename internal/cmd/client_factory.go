package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chatwoot/crmsync/internal/api"
	"github.com/chatwoot/crmsync/internal/cache"
	"github.com/chatwoot/crmsync/internal/chat"
	"github.com/chatwoot/crmsync/internal/config"
	"github.com/chatwoot/crmsync/internal/outbox"
	"github.com/chatwoot/crmsync/internal/realtime"
	"github.com/chatwoot/crmsync/internal/session"
	"github.com/chatwoot/crmsync/internal/urlparse"
)

// cablePresenceInterval keeps the agent shown online while follow runs.
const cablePresenceInterval = 20 * time.Second

type clientFactory struct {
	timeout   time.Duration
	userAgent string
}

func newClientFactory() *clientFactory {
	return &clientFactory{
		timeout:   flags.Timeout,
		userAgent: fmt.Sprintf("crmsync/%s", version),
	}
}

func (f *clientFactory) newClient(s config.Settings) *api.Client {
	client := api.New(s.BaseURL, s.Token, s.AccountID)
	if f.timeout > 0 {
		client.HTTP.Timeout = f.timeout
	}
	if f.userAgent != "" {
		client.UserAgent = f.userAgent
	}
	client.IdempotencyKeyFunc = uuid.NewString
	return client
}

// getClient creates an account API client from the resolved settings.
func getClient() (*api.Client, config.Settings, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, config.Settings{}, err
	}
	return newClientFactory().newClient(settings), settings, nil
}

// cachedAPI remembers the default pipeline id between runs.
type cachedAPI struct {
	*api.Client
	pipeline *cache.Store
}

func newCachedAPI(client *api.Client, s config.Settings) chat.API {
	dir, err := cache.DefaultDir()
	if err != nil {
		return client
	}
	return &cachedAPI{Client: client, pipeline: cache.NewStore(dir, "default-pipeline", s.BaseURL, s.AccountID)}
}

func (c *cachedAPI) GetDefaultPipelineID(ctx context.Context) (string, error) {
	var id string
	if c.pipeline.Get(&id) && id != "" {
		return id, nil
	}
	id, err := c.Client.GetDefaultPipelineID(ctx)
	if err == nil && id != "" {
		c.pipeline.Put(id)
	}
	return id, err
}

// GetPipeline drops a cached id the server no longer knows.
func (c *cachedAPI) GetPipeline(ctx context.Context, id string, page, limit int) (*chat.PipelinePage, error) {
	res, err := c.Client.GetPipeline(ctx, id, page, limit)
	if chat.StatusOf(err) == http.StatusNotFound {
		c.pipeline.Clear()
	}
	return res, err
}

// sourceOpener returns the event source for the configured transport and a
// func releasing everything it opened. A nil source means no real-time updates.
type sourceOpener func(ctx context.Context, s config.Settings, logger *slog.Logger) (realtime.Source, func() error, error)

// openSource is replaced in tests with an in-memory hub.
var openSource sourceOpener = openConfiguredSource

func openConfiguredSource(ctx context.Context, s config.Settings, logger *slog.Logger) (realtime.Source, func() error, error) {
	switch s.Transport {
	case config.TransportNone:
		return nil, func() error { return nil }, nil

	case config.TransportRedis:
		opt, err := redis.ParseURL(s.RealtimeURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		src := realtime.NewRedisSource(ctx, rdb, realtime.RedisOptions{Logger: logger})
		return src, func() error {
			_ = src.Close()
			return rdb.Close()
		}, nil

	case config.TransportNATS:
		src, err := realtime.NewNATSSource(realtime.NATSOptions{URL: s.RealtimeURL, Name: "crmsync"})
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil

	default:
		url := s.RealtimeURL
		if url == "" {
			url = realtime.BuildCableURL(s.BaseURL)
		}
		src, err := realtime.DialCable(ctx, realtime.CableOptions{
			URL:              url,
			PubsubToken:      s.PubSubToken,
			AccountID:        s.AccountID,
			Logger:           logger,
			PresenceInterval: cablePresenceInterval,
		})
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	}
}

// engine is a session bound to the configured account and transport.
type engine struct {
	settings config.Settings
	client   *api.Client
	source   realtime.Source
	session  *session.Session
	release  func() error
}

// newEngine builds a session. live selects whether an event source is opened.
func newEngine(ctx context.Context, live bool, opts session.Options) (*engine, error) {
	client, settings, err := getClient()
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OrgRoom == "" {
		opts.OrgRoom = settings.OrgRoom
	}
	if opts.PageSize == 0 {
		opts.PageSize = settings.PageSize
	}
	if opts.Fetcher == nil {
		opts.Fetcher = &outbox.HTTPFetcher{Client: client.HTTP}
	}

	e := &engine{settings: settings, client: client, release: func() error { return nil }}
	if live {
		src, release, err := openSource(ctx, settings, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("open %s event source: %w", settings.Transport, err)
		}
		e.source = src
		e.release = release
	}
	e.session = session.New(newCachedAPI(client, settings), e.source, opts)
	return e, nil
}

// Close waits for background sends and releases the event source.
func (e *engine) Close(ctx context.Context) error {
	e.session.Close(ctx)
	return e.release()
}

// conversationRef turns a pasted CRM conversation URL into its id. Other
// queries are returned unchanged.
func (e *engine) conversationRef(query string) (string, error) {
	if !urlparse.LooksLikeURL(query) {
		return query, nil
	}
	return urlparse.ConversationID(strings.TrimSpace(query), e.settings.AccountID)
}
