package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/chatwoot/crmsync/internal/chat"
)

var _ chat.API = (*Client)(nil)

// GetDefaultPipelineID returns the id of the account's default pipeline.
func (c *Client) GetDefaultPipelineID(ctx context.Context) (string, error) {
	var result defaultPipelineResponse
	if err := c.do(ctx, http.MethodGet, c.accountPath("/pipelines/default"), nil, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("default pipeline: response has no id")
	}
	return result.ID.String(), nil
}

// GetPipeline returns a pipeline with the given page of every stage.
func (c *Client) GetPipeline(ctx context.Context, id string, page, limit int) (*chat.PipelinePage, error) {
	path := fmt.Sprintf("/pipelines/%s%s", url.PathEscape(id), pageQuery(page, limit))
	var result chat.PipelinePage
	if err := c.do(ctx, http.MethodGet, c.accountPath(path), nil, &result); err != nil {
		return nil, err
	}
	if result.Pipeline.ID == "" {
		result.Pipeline.ID = id
	}
	return &result, nil
}

// GetConversationsByStage returns one page of a single stage.
func (c *Client) GetConversationsByStage(ctx context.Context, pipelineID, stageID string, page, limit int) (*chat.StagePage, error) {
	path := fmt.Sprintf("/pipelines/%s/stages/%s/conversations%s",
		url.PathEscape(pipelineID), url.PathEscape(stageID), pageQuery(page, limit))
	var result chat.StagePage
	if err := c.do(ctx, http.MethodGet, c.accountPath(path), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// EditStage patches a stage's name or color.
func (c *Client) EditStage(ctx context.Context, pipelineID, stageID string, patch chat.StagePatch) error {
	path := fmt.Sprintf("/pipelines/%s/stages/%s", url.PathEscape(pipelineID), url.PathEscape(stageID))
	return c.do(ctx, http.MethodPatch, c.accountPath(path), patch, nil)
}
