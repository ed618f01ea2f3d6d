package outbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/chatwoot/crmsync/internal/chat"
)

// LibraryItem is a stored asset that can be sent as an attachment.
type LibraryItem struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// LibraryFetcher downloads a library item's bytes.
type LibraryFetcher interface {
	Fetch(ctx context.Context, item LibraryItem) (chat.File, error)
}

// HTTPFetcher downloads library items with a plain GET.
type HTTPFetcher struct {
	Client   *http.Client
	MaxBytes int64
}

// Fetch implements LibraryFetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, item LibraryItem) (chat.File, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = MaxAttachmentBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return chat.File{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return chat.File{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return chat.File{}, fmt.Errorf("download failed: status %d", resp.StatusCode)
	}
	if resp.ContentLength > limit {
		return chat.File{}, fmt.Errorf("%w: %d bytes", ErrAttachmentTooLarge, resp.ContentLength)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return chat.File{}, err
	}
	if int64(len(data)) > limit {
		return chat.File{}, fmt.Errorf("%w: exceeds %d bytes", ErrAttachmentTooLarge, limit)
	}

	name := item.Name
	if name == "" {
		name = path.Base(strings.SplitN(item.URL, "?", 2)[0])
	}
	ct := item.ContentType
	if ct == "" {
		ct = resp.Header.Get("Content-Type")
	}
	return chat.File{Name: name, ContentType: ct, Data: data}, nil
}
