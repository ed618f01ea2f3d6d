package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chatwoot/crmsync/internal/chat"
)

// ErrUnknownShape is returned for payloads that match none of the event shapes.
var ErrUnknownShape = errors.New("unrecognized event shape")

// RoutedEvent is a decoded real-time payload. It is one of
// MessageForOpenConversation, PreviewUpdate or PassiveNotification.
type RoutedEvent interface {
	routed()
}

// MessageForOpenConversation carries a message that belongs to the
// conversation currently open in the message store.
type MessageForOpenConversation struct {
	Message    chat.Message
	SenderName string
	Address    string
}

// PreviewUpdate carries a message for a conversation that is not open. Only
// its board preview changes.
type PreviewUpdate struct {
	Message    chat.Message
	SenderName string
	Address    string
	// Conversation is set when the payload embedded the conversation.
	Conversation *chat.Conversation
}

// PassiveNotification is an account-level notice with no conversation.
type PassiveNotification struct {
	Type    string
	Name    string
	Address string
	Text    string
}

func (MessageForOpenConversation) routed() {}
func (PreviewUpdate) routed()              {}
func (PassiveNotification) routed()        {}

// flexID accepts ids sent as strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			*f = flexID(n.String())
			return nil
		}
	}
	return fmt.Errorf("cannot unmarshal %s into id", data)
}

type wireMessage struct {
	ID             flexID         `json:"id"`
	MessageID      flexID         `json:"messageId"`
	ConversationID flexID         `json:"conversationId"`
	Text           string         `json:"text"`
	Type           string         `json:"type"`
	Media          *chat.Media    `json:"media"`
	Direction      chat.Direction `json:"direction"`
	Status         chat.Status    `json:"status"`
	ReplyTo        *chat.ReplyRef `json:"replyToMessage"`
	Timestamp      time.Time      `json:"timestamp"`
	SenderName     string         `json:"senderName"`
}

func (w wireMessage) message(conversationID string) chat.Message {
	m := chat.Message{
		ID:             string(w.ID),
		MessageID:      string(w.MessageID),
		ConversationID: string(w.ConversationID),
		Text:           w.Text,
		Type:           w.Type,
		Media:          w.Media,
		Direction:      w.Direction,
		Status:         w.Status,
		ReplyTo:        w.ReplyTo,
		Timestamp:      w.Timestamp,
		SenderName:     w.SenderName,
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	if m.MessageID == "" {
		m.MessageID = m.ID
	}
	if m.ID == "" {
		m.ID = m.MessageID
	}
	if m.Direction == "" {
		m.Direction = chat.DirectionIncoming
	}
	return m
}

type wireConversation struct {
	ID      flexID `json:"id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Address string `json:"contactAddress"`
}

type wireContact struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// envelope holds every top-level field any shape uses.
type envelope struct {
	Message        json.RawMessage `json:"message"`
	ConversationID flexID          `json:"conversationId"`
	Conversation   json.RawMessage `json:"conversation"`
	Type           string          `json:"type"`
	Contact        json.RawMessage `json:"contact"`
	SenderName     string          `json:"senderName"`
	ContactName    string          `json:"contactName"`
	ContactAddress string          `json:"contactAddress"`
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Decode classifies a payload by the fields it carries:
//
//	{message, conversationId}         a message for a conversation
//	{conversation, ...message fields} a message with its conversation inline
//	{type, contact, message}          a passive notification
//
// Messages for openConversationID become MessageForOpenConversation; other
// messages become PreviewUpdate.
func Decode(payload []byte, openConversationID string) (RoutedEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch {
	case present(env.Message) && env.ConversationID != "":
		var w wireMessage
		if err := json.Unmarshal(env.Message, &w); err != nil {
			return nil, fmt.Errorf("decode event message: %w", err)
		}
		m := w.message(string(env.ConversationID))
		m.ConversationID = string(env.ConversationID)
		return route(m, nil, senderName(env, m), env.ContactAddress, openConversationID), nil

	case present(env.Conversation):
		conv, err := decodeConversation(env.Conversation)
		if err != nil {
			return nil, err
		}
		var w wireMessage
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("decode event message: %w", err)
		}
		m := w.message(conv.ID)
		m.ConversationID = conv.ID
		addr := env.ContactAddress
		if addr == "" {
			addr = conv.Address
		}
		return route(m, conv, senderName(env, m), addr, openConversationID), nil

	case env.Type != "" && present(env.Contact) && present(env.Message):
		n := PassiveNotification{Type: env.Type}
		var c wireContact
		if err := json.Unmarshal(env.Contact, &c); err == nil {
			n.Name, n.Address = c.Name, c.Address
		} else {
			var s string
			if err := json.Unmarshal(env.Contact, &s); err != nil {
				return nil, fmt.Errorf("decode notification contact: %w", err)
			}
			n.Address = s
		}
		var text string
		if err := json.Unmarshal(env.Message, &text); err == nil {
			n.Text = text
		} else {
			var w wireMessage
			if err := json.Unmarshal(env.Message, &w); err != nil {
				return nil, fmt.Errorf("decode notification message: %w", err)
			}
			n.Text = chat.PreviewOf(w.message(""), false).Text
		}
		return n, nil
	}
	return nil, ErrUnknownShape
}

func route(m chat.Message, conv *chat.Conversation, name, addr, open string) RoutedEvent {
	if m.ConversationID != "" && m.ConversationID == open {
		return MessageForOpenConversation{Message: m, SenderName: name, Address: addr}
	}
	return PreviewUpdate{Message: m, SenderName: name, Address: addr, Conversation: conv}
}

func senderName(env envelope, m chat.Message) string {
	for _, s := range []string{env.SenderName, m.SenderName, env.ContactName} {
		if s != "" {
			return s
		}
	}
	return ""
}

// decodeConversation accepts a bare id or a conversation object.
func decodeConversation(raw json.RawMessage) (*chat.Conversation, error) {
	var id flexID
	if err := json.Unmarshal(raw, &id); err == nil {
		if id == "" {
			return nil, ErrUnknownShape
		}
		return &chat.Conversation{ID: string(id)}, nil
	}
	var w wireConversation
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode event conversation: %w", err)
	}
	if w.ID == "" {
		return nil, ErrUnknownShape
	}
	return &chat.Conversation{ID: string(w.ID), Title: w.Title, StageID: w.Status, Address: w.Address}, nil
}
