package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/chatwoot/crmsync/internal/chat"
)

func pageQuery(page, limit int) string {
	query := url.Values{}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if len(query) == 0 {
		return ""
	}
	return "?" + query.Encode()
}

// GetConversation returns one page of a conversation's history plus its detail.
func (c *Client) GetConversation(ctx context.Context, id string, page, limit int) (*chat.ConversationPage, error) {
	return getConversation(ctx, c, id, page, limit)
}

func getConversation(ctx context.Context, r Requester, id string, page, limit int) (*chat.ConversationPage, error) {
	path := fmt.Sprintf("/conversations/%s%s", url.PathEscape(id), pageQuery(page, limit))
	var result chat.ConversationPage
	if err := r.do(ctx, http.MethodGet, r.accountPath(path), nil, &result); err != nil {
		return nil, err
	}
	if result.Conversation.ID == "" {
		result.Conversation.ID = id
	}
	for i := range result.Messages {
		if result.Messages[i].ConversationID == "" {
			result.Messages[i].ConversationID = id
		}
	}
	return &result, nil
}

// EditConversation patches the editable fields of a conversation.
func (c *Client) EditConversation(ctx context.Context, id string, patch chat.ConversationPatch) error {
	return editConversation(ctx, c, id, patch)
}

func editConversation(ctx context.Context, r Requester, id string, patch chat.ConversationPatch) error {
	path := "/conversations/" + url.PathEscape(id)
	return r.do(ctx, http.MethodPatch, r.accountPath(path), patch, nil)
}

// DeleteConversation removes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.accountPath("/conversations/"+url.PathEscape(id)), nil, nil)
}

// MarkAsRead marks every message from the contact address as read.
func (c *Client) MarkAsRead(ctx context.Context, address string) error {
	if address == "" {
		return fmt.Errorf("mark as read: empty address")
	}
	return c.do(ctx, http.MethodPost, c.accountPath("/contacts/read"), markReadRequest{Address: address}, nil)
}
