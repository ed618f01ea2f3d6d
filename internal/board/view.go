package board

import "github.com/chatwoot/crmsync/internal/chat"

// Column is a read-only view of one stage and its loaded conversations.
type Column struct {
	Stage         chat.Stage          `json:"stage"`
	Conversations []chat.Conversation `json:"conversations"`
	Loading       bool                `json:"loading,omitempty"`
}

// Pipeline returns a copy of the loaded pipeline.
func (b *Board) Pipeline() chat.Pipeline {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p := b.pipeline
	p.Stages = append([]chat.Stage(nil), p.Stages...)
	return p
}

// Columns returns the stages in pipeline order with their conversations.
func (b *Board) Columns() []Column {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cols := make([]Column, len(b.pipeline.Stages))
	for i, s := range b.pipeline.Stages {
		cols[i] = Column{Stage: s, Loading: b.columnLoading[s.ID], Conversations: []chat.Conversation{}}
	}
	for _, c := range b.conversations {
		if c.StageIndex >= 0 && c.StageIndex < len(cols) && cols[c.StageIndex].Stage.ID == c.StageID {
			cols[c.StageIndex].Conversations = append(cols[c.StageIndex].Conversations, c.Clone())
		}
	}
	return cols
}

// ConversationsIn returns the loaded conversations of one stage.
func (b *Board) ConversationsIn(stageID string) []chat.Conversation {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []chat.Conversation
	for _, c := range b.conversations {
		if c.StageID == stageID {
			out = append(out, c.Clone())
		}
	}
	return out
}

// Conversation looks up one entry.
func (b *Board) Conversation(convID string) (chat.Conversation, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i := b.indexLocked(convID); i >= 0 {
		return b.conversations[i].Clone(), true
	}
	return chat.Conversation{}, false
}

// Address returns the contact address of a conversation on the board.
func (b *Board) Address(convID string) string {
	c, _ := b.Conversation(convID)
	return c.Address
}

// Loading reports whether the pipeline bootstrap is showing its indicator.
func (b *Board) Loading() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loading
}

// ColumnLoading reports whether a column page is in flight.
func (b *Board) ColumnLoading(stageID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.columnLoading[stageID]
}

// Err returns the terminal bootstrap error, if any.
func (b *Board) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}
