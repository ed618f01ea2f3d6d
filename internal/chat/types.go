// Package chat holds the domain types shared by the synchronization engine:
// messages, conversations, pipeline stages and the call interface the engine
// uses to reach the CRM backend.
package chat

import (
	"strings"
	"time"
)

// Direction tells whether a message was sent by the contact or by us.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Status is the delivery lifecycle of an outgoing message.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

// Pending reports whether the message still waits for server acknowledgment.
func (s Status) Pending() bool {
	return s == StatusQueued || s == StatusSending
}

// Message content types
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeAudio    = "audio"
	TypeVideo    = "video"
	TypeDocument = "document"
)

// Media is a reference to an uploaded attachment.
type Media struct {
	URL      string `json:"url"`
	Type     string `json:"type,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ReplyRef points at the message being replied to. It is a relation only;
// the referenced message is not owned by the reply.
type ReplyRef struct {
	ID   string `json:"id"`
	Text string `json:"text,omitempty"`
}

// Message is one entry of a conversation timeline.
type Message struct {
	ID             string    `json:"id"`
	MessageID      string    `json:"messageId,omitempty"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	Type           string    `json:"type,omitempty"`
	Media          *Media    `json:"media,omitempty"`
	Direction      Direction `json:"direction"`
	Status         Status    `json:"status,omitempty"`
	ReplyTo        *ReplyRef `json:"replyToMessage,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	SenderName     string    `json:"senderName,omitempty"`
}

// ContentType returns the message type, defaulting to text.
func (m Message) ContentType() string {
	if m.Type == "" {
		return TypeText
	}
	return m.Type
}

// SameContent reports whether two messages are the same delivery: same
// conversation, text, type, direction and timestamp.
func (m Message) SameContent(o Message) bool {
	return m.ConversationID == o.ConversationID &&
		m.Text == o.Text &&
		m.ContentType() == o.ContentType() &&
		m.Direction == o.Direction &&
		m.Timestamp.Equal(o.Timestamp)
}

// Preview is the last-message summary shown on a board card.
type Preview struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Direction Direction `json:"direction"`
	Read      bool      `json:"read"`
}

// PreviewOf builds a preview from a message.
func PreviewOf(m Message, read bool) Preview {
	text := m.Text
	if strings.TrimSpace(text) == "" && m.Media != nil {
		text = m.Media.Filename
		if text == "" {
			text = m.ContentType()
		}
	}
	return Preview{
		Text:      text,
		Timestamp: m.Timestamp,
		Direction: m.Direction,
		Read:      read,
	}
}

// Conversation is a board entry: one thread with one contact, positioned in
// exactly one stage.
type Conversation struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Preview     Preview  `json:"lastMessage"`
	StageID     string   `json:"status"`
	StageIndex  int      `json:"stageIndex"`
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Address     string   `json:"contactAddress,omitempty"`
	UnreadCount int      `json:"unreadCount,omitempty"`
}

// Clone returns a copy that shares no slices with c.
func (c Conversation) Clone() Conversation {
	if c.Tags != nil {
		c.Tags = append([]string(nil), c.Tags...)
	}
	return c
}

// Pagination is a page envelope. Total counts every item across pages.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages,omitempty"`
	HasMore    bool `json:"hasMore"`
}

// Stage is one kanban column.
type Stage struct {
	ID         string     `json:"stageId"`
	Name       string     `json:"stageName"`
	Color      Color      `json:"stageColor"`
	Pagination Pagination `json:"pagination"`
}

// Pipeline is the ordered set of stages defining the board.
type Pipeline struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	IsDefault bool    `json:"isDefault"`
	Stages    []Stage `json:"stages"`
}

// StageIndex returns the position of stageID, or -1.
func (p Pipeline) StageIndex(stageID string) int {
	for i, s := range p.Stages {
		if s.ID == stageID {
			return i
		}
	}
	return -1
}
