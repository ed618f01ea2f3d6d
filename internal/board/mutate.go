package board

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatwoot/crmsync/internal/chat"
	"github.com/chatwoot/crmsync/internal/metrics"
)

// UpdateStage moves a conversation to the stage at newStageIndex. The move is
// applied at once: the entry changes stage and the origin and destination
// totals shift by one. If the server rejects the move the entry and both
// totals are restored, unless something else has moved it in the meantime.
func (b *Board) UpdateStage(ctx context.Context, convID string, newStageIndex int) error {
	b.mu.Lock()
	i := b.indexLocked(convID)
	if i < 0 {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, convID)
	}
	if newStageIndex < 0 || newStageIndex >= len(b.pipeline.Stages) {
		b.mu.Unlock()
		return fmt.Errorf("%w: index %d", ErrUnknownStage, newStageIndex)
	}
	prev := b.conversations[i].Clone()
	dest := b.pipeline.Stages[newStageIndex].ID
	if prev.StageID == dest {
		b.mu.Unlock()
		return nil
	}
	moved := prev.Clone()
	moved.StageID = dest
	moved.StageIndex = newStageIndex
	b.conversations[i] = moved
	b.adjustTotalLocked(prev.StageID, -1)
	b.adjustTotalLocked(dest, +1)
	gen := b.generation
	b.mu.Unlock()
	b.changed()

	err := b.api.EditConversation(ctx, convID, chat.ConversationPatch{StageID: &dest})
	if err == nil {
		metrics.StageMoves.WithLabelValues("ok").Inc()
		return nil
	}
	metrics.StageMoves.WithLabelValues("rolled_back").Inc()
	b.logger.Warn("stage move rejected, rolling back", "conversation", convID, "stage", dest, "error", err)

	b.mu.Lock()
	if j := b.indexLocked(convID); j >= 0 && b.generation == gen && b.conversations[j].StageID == dest {
		restored := b.conversations[j].Clone()
		restored.StageID = prev.StageID
		restored.StageIndex = prev.StageIndex
		b.conversations[j] = restored
		b.adjustTotalLocked(dest, -1)
		b.adjustTotalLocked(prev.StageID, +1)
	}
	b.mu.Unlock()
	b.changed()
	return &chat.APIError{Op: "move conversation " + convID, Status: chat.StatusOf(err), Err: err}
}

// MoveToStage is UpdateStage addressed by stage id.
func (b *Board) MoveToStage(ctx context.Context, convID, stageID string) error {
	b.mu.RLock()
	idx := b.pipeline.StageIndex(stageID)
	b.mu.RUnlock()
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stageID)
	}
	return b.UpdateStage(ctx, convID, idx)
}

// DeleteConversation removes a conversation from the board and decrements its
// column total. The entry is put back if the server refuses the delete.
func (b *Board) DeleteConversation(ctx context.Context, convID string) error {
	b.mu.Lock()
	i := b.indexLocked(convID)
	if i < 0 {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, convID)
	}
	removed := b.conversations[i]
	b.conversations = append(b.conversations[:i:i], b.conversations[i+1:]...)
	b.adjustTotalLocked(removed.StageID, -1)
	gen := b.generation
	b.mu.Unlock()
	b.changed()

	err := b.api.DeleteConversation(ctx, convID)
	if err == nil {
		return nil
	}

	b.mu.Lock()
	if b.generation == gen && b.indexLocked(convID) < 0 {
		if i > len(b.conversations) {
			i = len(b.conversations)
		}
		b.conversations = append(b.conversations[:i:i], append([]chat.Conversation{removed}, b.conversations[i:]...)...)
		b.adjustTotalLocked(removed.StageID, +1)
	}
	b.mu.Unlock()
	b.changed()
	return &chat.APIError{Op: "delete conversation " + convID, Status: chat.StatusOf(err), Err: err}
}

// SetPriority persists a priority and then updates the entry.
func (b *Board) SetPriority(ctx context.Context, convID, priority string) error {
	if err := b.api.EditConversation(ctx, convID, chat.ConversationPatch{Priority: &priority}); err != nil {
		return &chat.APIError{Op: "set priority", Status: chat.StatusOf(err), Err: err}
	}
	b.patch(convID, func(c *chat.Conversation) { c.Priority = priority })
	return nil
}

// SetTags persists a tag list and then updates the entry.
func (b *Board) SetTags(ctx context.Context, convID string, tags []string) error {
	tags = append([]string{}, tags...)
	if err := b.api.EditConversation(ctx, convID, chat.ConversationPatch{Tags: tags}); err != nil {
		return &chat.APIError{Op: "set tags", Status: chat.StatusOf(err), Err: err}
	}
	b.patch(convID, func(c *chat.Conversation) { c.Tags = append([]string(nil), tags...) })
	return nil
}

// EditStage renames or recolors a column. colorToken is a palette token; the
// server stores its hex. Unknown tokens persist the default color.
func (b *Board) EditStage(ctx context.Context, stageID, name, colorToken string) error {
	b.mu.RLock()
	idx := b.pipeline.StageIndex(stageID)
	pipelineID := b.pipeline.ID
	b.mu.RUnlock()
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stageID)
	}

	var patch chat.StagePatch
	name = strings.TrimSpace(name)
	if name != "" {
		patch.Name = &name
	}
	var color chat.Color
	if colorToken != "" {
		color = chat.ColorFromToken(colorToken)
		patch.Color = &color.Hex
	}
	if patch.Name == nil && patch.Color == nil {
		return nil
	}
	if err := b.api.EditStage(ctx, pipelineID, stageID, patch); err != nil {
		return &chat.APIError{Op: "edit stage " + stageID, Status: chat.StatusOf(err), Err: err}
	}

	b.mu.Lock()
	if idx = b.pipeline.StageIndex(stageID); idx >= 0 {
		if patch.Name != nil {
			b.pipeline.Stages[idx].Name = name
		}
		if patch.Color != nil {
			b.pipeline.Stages[idx].Color = color
		}
	}
	b.mu.Unlock()
	b.changed()
	return nil
}

// Upsert merges a conversation into the board. A conversation new to the board
// joins the column named by its StageID and raises that column's total; one
// whose stage is not in the pipeline is rejected.
func (b *Board) Upsert(c chat.Conversation) bool {
	c = c.Clone()
	b.mu.Lock()
	idx := b.pipeline.StageIndex(c.StageID)
	if idx < 0 {
		b.mu.Unlock()
		return false
	}
	c.StageIndex = idx
	if i := b.indexLocked(c.ID); i >= 0 {
		old := b.conversations[i]
		if old.StageID != c.StageID {
			b.adjustTotalLocked(old.StageID, -1)
			b.adjustTotalLocked(c.StageID, +1)
		}
		b.conversations[i] = c
	} else {
		b.conversations = append(b.conversations, c)
		b.adjustTotalLocked(c.StageID, +1)
	}
	b.mu.Unlock()
	b.changed()
	return true
}

// ApplyPreview replaces a conversation's last-message preview. When unread is
// true the unread counter goes up by one. It reports whether the id is known.
func (b *Board) ApplyPreview(convID string, p chat.Preview, unread bool) bool {
	return b.patch(convID, func(c *chat.Conversation) {
		c.Preview = p
		if unread {
			c.UnreadCount++
		}
	})
}

// MarkRead clears the unread counter and flags the preview as read.
func (b *Board) MarkRead(convID string) bool {
	return b.patch(convID, func(c *chat.Conversation) {
		c.UnreadCount = 0
		c.Preview.Read = true
	})
}

// patch applies fn to a copy of the entry and stores the copy.
func (b *Board) patch(convID string, fn func(*chat.Conversation)) bool {
	b.mu.Lock()
	i := b.indexLocked(convID)
	if i < 0 {
		b.mu.Unlock()
		return false
	}
	c := b.conversations[i].Clone()
	fn(&c)
	b.conversations[i] = c
	b.mu.Unlock()
	b.changed()
	return true
}

func (b *Board) indexLocked(convID string) int {
	for i := range b.conversations {
		if b.conversations[i].ID == convID {
			return i
		}
	}
	return -1
}

func (b *Board) countLocked(stageID string) int {
	n := 0
	for i := range b.conversations {
		if b.conversations[i].StageID == stageID {
			n++
		}
	}
	return n
}

// adjustTotalLocked shifts a column total, never below zero, and keeps its
// hasMore flag consistent with what is loaded.
func (b *Board) adjustTotalLocked(stageID string, delta int) {
	idx := b.pipeline.StageIndex(stageID)
	if idx < 0 {
		return
	}
	p := &b.pipeline.Stages[idx].Pagination
	p.Total += delta
	if p.Total < 0 {
		p.Total = 0
	}
	p.HasMore = b.countLocked(stageID) < p.Total
}
