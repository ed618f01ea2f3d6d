// Package outbox turns composed text and files into queued timeline entries
// and drives them through the send lifecycle.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chatwoot/crmsync/internal/chat"
	"github.com/chatwoot/crmsync/internal/messages"
	"github.com/chatwoot/crmsync/internal/metrics"
)

// MaxAttachmentBytes caps a single attachment.
const MaxAttachmentBytes = 40 << 20

// DefaultSendTimeout bounds one background send once it no longer follows the
// caller's context.
const DefaultSendTimeout = 2 * time.Minute

// ErrAttachmentTooLarge is wrapped in an UploadFileError for oversized files.
var ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")

// API is the slice of chat.API the outbox uses.
type API interface {
	SendMessage(ctx context.Context, req chat.SendRequest) (*chat.SendResult, error)
	UploadFile(ctx context.Context, f chat.File) (string, error)
}

// SendOptions are per-message extras.
type SendOptions struct {
	ReplyTo *chat.ReplyRef
	// Caption is the text sent along with an attachment.
	Caption string
}

// Options wire a Pipeline to the rest of the session.
type Options struct {
	// Destination returns the contact address for a conversation, or "".
	Destination func(conversationID string) string
	// ClearCompose is called once a message is queued.
	ClearCompose func()
	// Reload is called after the server reports a send conflict.
	Reload func(ctx context.Context)
	// Settled, when set, receives every finished delivery: the local id, the
	// status the entry was left in and the classified error, if any.
	Settled func(localID string, status chat.Status, err error)

	Fetcher     LibraryFetcher
	Logger      *slog.Logger
	NewID       func() string
	Now         func() time.Time
	MaxBytes    int64
	SendTimeout time.Duration
}

// Pipeline queues outgoing messages into a Store and sends them in the
// background. Each queued entry ends as sent, error, or sending when the
// outcome is unknown and left for the real-time stream to settle.
type Pipeline struct {
	api   API
	store *messages.Store
	opts  Options

	group errgroup.Group

	mu        sync.Mutex
	uploading bool
	uploadErr error
}

// New creates a Pipeline.
func New(api API, store *messages.Store, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = MaxAttachmentBytes
	}
	if opts.Fetcher == nil {
		opts.Fetcher = &HTTPFetcher{MaxBytes: opts.MaxBytes}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	return &Pipeline{api: api, store: store, opts: opts}
}

// Send queues a text message and sends it in the background. The returned
// Message is the queued entry.
func (p *Pipeline) Send(ctx context.Context, text string, opts SendOptions) (chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, chat.ErrEmptyMessage
	}
	convID, addr, err := p.destination()
	if err != nil {
		return chat.Message{}, err
	}
	return p.queue(ctx, convID, addr, chat.Message{Text: text, Type: chat.TypeText}, opts)
}

// SendAttachment uploads f and then queues a message carrying the uploaded
// media. Only one upload runs at a time.
func (p *Pipeline) SendAttachment(ctx context.Context, f chat.File, opts SendOptions) (chat.Message, error) {
	if len(f.Data) == 0 {
		return chat.Message{}, chat.ErrEmptyMessage
	}
	convID, addr, err := p.destination()
	if err != nil {
		return chat.Message{}, err
	}
	if int64(len(f.Data)) > p.opts.MaxBytes {
		err := &chat.UploadFileError{Filename: f.Name, Err: fmt.Errorf("%w: %d bytes", ErrAttachmentTooLarge, len(f.Data))}
		p.setUploadErr(err)
		return chat.Message{}, err
	}
	if f.ContentType == "" {
		f.ContentType = http.DetectContentType(f.Data)
	}

	p.mu.Lock()
	if p.uploading {
		p.mu.Unlock()
		return chat.Message{}, chat.ErrUploadInProgress
	}
	p.uploading = true
	p.uploadErr = nil
	p.mu.Unlock()

	url, err := p.api.UploadFile(ctx, f)

	p.mu.Lock()
	p.uploading = false
	if err != nil {
		p.uploadErr = &chat.UploadFileError{Filename: f.Name, Err: err}
		err = p.uploadErr
	}
	p.mu.Unlock()
	if err != nil {
		metrics.Uploads.WithLabelValues("error").Inc()
		p.opts.Logger.Warn("attachment upload failed", "file", f.Name, "error", err)
		return chat.Message{}, err
	}
	metrics.Uploads.WithLabelValues("ok").Inc()

	kind := MediaType(f.ContentType)
	msg := chat.Message{
		Text:  opts.Caption,
		Type:  kind,
		Media: &chat.Media{URL: url, Type: kind, Filename: f.Name},
	}
	return p.queue(ctx, convID, addr, msg, opts)
}

// SendLibraryAttachment downloads a library item and sends it as an attachment.
func (p *Pipeline) SendLibraryAttachment(ctx context.Context, item LibraryItem, opts SendOptions) (chat.Message, error) {
	if _, _, err := p.destination(); err != nil {
		return chat.Message{}, err
	}
	f, err := p.opts.Fetcher.Fetch(ctx, item)
	if err != nil {
		err = &chat.LibraryFetchError{URL: item.URL, Err: err}
		p.setUploadErr(err)
		return chat.Message{}, err
	}
	return p.SendAttachment(ctx, f, opts)
}

// IsUploadingFile reports whether an attachment upload is running.
func (p *Pipeline) IsUploadingFile() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploading
}

// UploadError returns the last attachment failure, cleared by the next upload.
func (p *Pipeline) UploadError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploadErr
}

// Wait blocks until every background send has finished.
func (p *Pipeline) Wait() {
	_ = p.group.Wait()
}

func (p *Pipeline) setUploadErr(err error) {
	p.mu.Lock()
	p.uploadErr = err
	p.mu.Unlock()
}

func (p *Pipeline) destination() (string, string, error) {
	convID := p.store.ConversationID()
	if convID == "" {
		return "", "", chat.ErrNoActiveConversation
	}
	var addr string
	if p.opts.Destination != nil {
		addr = strings.TrimSpace(p.opts.Destination(convID))
	}
	if addr == "" {
		return "", "", chat.ErrNoDestination
	}
	return convID, addr, nil
}

func (p *Pipeline) queue(ctx context.Context, convID, addr string, msg chat.Message, opts SendOptions) (chat.Message, error) {
	msg.ID = p.opts.NewID()
	msg.ConversationID = convID
	msg.Direction = chat.DirectionOutgoing
	msg.Status = chat.StatusQueued
	msg.Timestamp = p.opts.Now()
	if opts.ReplyTo != nil {
		ref := *opts.ReplyTo
		msg.ReplyTo = &ref
	}
	if !p.store.Append(msg) {
		return chat.Message{}, chat.ErrNoActiveConversation
	}
	if p.opts.ClearCompose != nil {
		p.opts.ClearCompose()
	}

	req := chat.SendRequest{
		To:             addr,
		Text:           msg.Text,
		ConversationID: convID,
		Media:          msg.Media,
		ReplyTo:        msg.ReplyTo,
	}
	// A dispatched request may reach the server even if the caller goes away,
	// so the send outlives ctx and is bounded by SendTimeout instead.
	sendCtx := context.WithoutCancel(ctx)
	p.group.Go(func() error {
		ctx, cancel := context.WithTimeout(sendCtx, p.opts.SendTimeout)
		defer cancel()
		p.deliver(ctx, msg, req)
		return nil
	})
	return msg, nil
}

// deliver runs the send call for one queued entry and settles its status.
// Updates are dropped by the store if the conversation was closed meanwhile,
// and an entry the real-time stream already confirmed is never downgraded.
func (p *Pipeline) deliver(ctx context.Context, msg chat.Message, req chat.SendRequest) {
	p.store.SettlePending(msg.ID, chat.StatusSending)

	res, err := p.api.SendMessage(ctx, req)
	if err == nil {
		sent := msg
		sent.Status = chat.StatusSent
		if res != nil {
			if res.ID != "" {
				sent.ID = res.ID
			}
			sent.MessageID = res.MessageID
			if !res.Timestamp.IsZero() {
				sent.Timestamp = res.Timestamp
			}
		}
		p.store.Replace(msg.ID, sent)
		metrics.Sends.WithLabelValues("sent").Inc()
		p.settled(msg.ID, chat.StatusSent, nil)
		return
	}

	err = chat.ClassifySendError(err)
	log := p.opts.Logger.With("conversation", msg.ConversationID, "local_id", msg.ID)
	switch {
	case chat.IsSendConflict(err):
		log.Info("server reports message already delivered", "error", err)
		p.store.SettlePending(msg.ID, chat.StatusSent)
		metrics.Sends.WithLabelValues("conflict").Inc()
		if p.opts.Reload != nil {
			p.opts.Reload(ctx)
		}
		p.settled(msg.ID, chat.StatusSent, err)
	case chat.IsNetworkTimeout(err):
		log.Warn("send outcome unknown, waiting for real-time confirmation", "error", err)
		metrics.Sends.WithLabelValues("pending").Inc()
		p.settled(msg.ID, chat.StatusSending, err)
	default:
		if !p.store.SettlePending(msg.ID, chat.StatusError) {
			if current, ok := p.store.Get(msg.ID); ok && current.Status == chat.StatusSent {
				log.Info("send call failed after real-time confirmation, keeping sent", "error", err)
				metrics.Sends.WithLabelValues("sent").Inc()
				p.settled(msg.ID, chat.StatusSent, nil)
				return
			}
		}
		log.Error("send failed", "error", err)
		metrics.Sends.WithLabelValues("error").Inc()
		p.settled(msg.ID, chat.StatusError, err)
	}
}

func (p *Pipeline) settled(localID string, status chat.Status, err error) {
	if p.opts.Settled != nil {
		p.opts.Settled(localID, status, err)
	}
}

// MediaType maps a MIME type onto a message type.
func MediaType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return chat.TypeImage
	case strings.HasPrefix(ct, "audio/"):
		return chat.TypeAudio
	case strings.HasPrefix(ct, "video/"):
		return chat.TypeVideo
	default:
		return chat.TypeDocument
	}
}
