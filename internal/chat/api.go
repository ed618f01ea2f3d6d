package chat

import (
	"context"
	"time"
)

// ConversationPage is one page of a conversation's history plus its detail.
// Messages are in chronological order (oldest first).
type ConversationPage struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	Pagination   Pagination   `json:"pagination"`
}

// SendRequest is the payload for sending a message.
type SendRequest struct {
	To             string    `json:"to"`
	Text           string    `json:"text,omitempty"`
	ConversationID string    `json:"conversationId"`
	Media          *Media    `json:"media,omitempty"`
	ReplyTo        *ReplyRef `json:"replyToMessage,omitempty"`
}

// SendResult is the server acknowledgment of a sent message.
type SendResult struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// StageWithConversations is a stage as returned by a pipeline read: the
// column envelope plus the first page of its conversations.
type StageWithConversations struct {
	Stage
	Conversations []Conversation `json:"conversations"`
}

// PipelinePage is a pipeline with every stage's first page.
type PipelinePage struct {
	Pipeline Pipeline                 `json:"pipeline"`
	Stages   []StageWithConversations `json:"stages"`
}

// StagePage is one page of a single stage.
type StagePage struct {
	Conversations []Conversation `json:"conversations"`
	Pagination    Pagination     `json:"pagination"`
}

// ConversationPatch holds the editable fields of a conversation. Nil fields are left alone.
type ConversationPatch struct {
	StageID  *string  `json:"status,omitempty"`
	Priority *string  `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// StagePatch holds the editable fields of a stage. Color is the persisted hex.
type StagePatch struct {
	Name  *string `json:"stageName,omitempty"`
	Color *string `json:"stageColor,omitempty"`
}

// File is an attachment ready for upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// API is the request/response surface the engine consumes.
type API interface {
	GetConversation(ctx context.Context, id string, page, limit int) (*ConversationPage, error)
	SendMessage(ctx context.Context, req SendRequest) (*SendResult, error)
	GetDefaultPipelineID(ctx context.Context) (string, error)
	GetPipeline(ctx context.Context, id string, page, limit int) (*PipelinePage, error)
	GetConversationsByStage(ctx context.Context, pipelineID, stageID string, page, limit int) (*StagePage, error)
	EditConversation(ctx context.Context, id string, patch ConversationPatch) error
	DeleteConversation(ctx context.Context, id string) error
	EditStage(ctx context.Context, pipelineID, stageID string, patch StagePatch) error
	MarkAsRead(ctx context.Context, address string) error
	UploadFile(ctx context.Context, f File) (string, error)
}
