package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/chatwoot/crmsync/internal/chat"
)

// MaxAttachmentSize is the largest file the upload endpoint accepts.
const MaxAttachmentSize = 40 * 1024 * 1024

// SendMessage posts a message. A 429 is retried like any request; a 5xx only
// when IdempotencyKeyFunc is set, since the first attempt may have been delivered.
func (c *Client) SendMessage(ctx context.Context, req chat.SendRequest) (*chat.SendResult, error) {
	if req.To == "" {
		return nil, chat.ErrNoDestination
	}
	var result chat.SendResult
	if err := c.do(ctx, http.MethodPost, c.accountPath("/messages"), req, &result); err != nil {
		return nil, err
	}
	if result.MessageID == "" {
		result.MessageID = result.ID
	}
	return &result, nil
}

// UploadFile stores an attachment and returns its media URL.
func (c *Client) UploadFile(ctx context.Context, f chat.File) (string, error) {
	if len(f.Data) > MaxAttachmentSize {
		return "", fmt.Errorf("file %s is %d bytes, limit is %d", f.Name, len(f.Data), MaxAttachmentSize)
	}
	var result uploadResponse
	if err := c.postFile(ctx, "/uploads", f.Name, f.ContentType, f.Data, &result); err != nil {
		return "", err
	}
	location := result.location()
	if location == "" {
		return "", fmt.Errorf("upload %s: response has no media url", f.Name)
	}
	return location, nil
}
