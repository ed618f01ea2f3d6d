// Package messages holds the timeline of the open conversation and loads its
// history page by page.
package messages

import (
	"sync"
	"time"

	"github.com/chatwoot/crmsync/internal/chat"
	"github.com/chatwoot/crmsync/internal/metrics"
)

// Outcome is what Reconcile did with an authoritative message.
type Outcome int

const (
	// Ignored means the message belongs to another conversation.
	Ignored Outcome = iota
	// Duplicate means an identical entry already exists; nothing changed.
	Duplicate
	// Reconciled means a pending outgoing entry was replaced in place.
	Reconciled
	// Appended means the message was added at the end.
	Appended
)

func (o Outcome) String() string {
	switch o {
	case Duplicate:
		return "duplicate"
	case Reconciled:
		return "reconciled"
	case Appended:
		return "appended"
	default:
		return "ignored"
	}
}

// Store is the ordered timeline of at most one open conversation.
//
// Every Open/Clear bumps the epoch. Loads capture the epoch when they start and
// only apply their result if it is still current, so a page that resolves after
// the user switched conversations is dropped instead of leaking into the new one.
type Store struct {
	mu             sync.RWMutex
	conversationID string
	epoch          uint64
	messages       []chat.Message

	// OnChange, when set, is called after every mutation, outside the lock.
	OnChange func()
}

// NewStore returns an empty store with no open conversation.
func NewStore() *Store {
	return &Store{}
}

// Open clears the timeline and makes conversationID the owner. It returns the new epoch.
func (s *Store) Open(conversationID string) uint64 {
	s.mu.Lock()
	s.conversationID = conversationID
	s.epoch++
	s.messages = nil
	epoch := s.epoch
	s.mu.Unlock()
	s.changed()
	return epoch
}

// Clear drops the timeline and the owner.
func (s *Store) Clear() {
	s.Open("")
}

// ConversationID returns the open conversation, or "".
func (s *Store) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// Epoch returns the current epoch.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Current reports whether epoch is still the live one.
func (s *Store) Current(epoch uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch == epoch
}

// Messages returns a copy of the timeline.
func (s *Store) Messages() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]chat.Message(nil), s.messages...)
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Last returns the newest entry.
func (s *Store) Last() (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return chat.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Get returns the entry with the given local or server id.
func (s *Store) Get(id string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.messages[i], true
	}
	return chat.Message{}, false
}

// Append adds m at the end if it belongs to the open conversation.
func (s *Store) Append(m chat.Message) bool {
	s.mu.Lock()
	if s.conversationID == "" || m.ConversationID != s.conversationID {
		s.mu.Unlock()
		return false
	}
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	s.changed()
	return true
}

// Replace swaps the whole entry with local id `id` for m, keeping its position.
func (s *Store) Replace(id string, m chat.Message) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages[i] = m
	s.mu.Unlock()
	s.changed()
	return true
}

// SetStatus replaces the entry with id by a copy carrying status.
func (s *Store) SetStatus(id string, status chat.Status) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	m := s.messages[i]
	m.Status = status
	s.messages[i] = m
	s.mu.Unlock()
	s.changed()
	return true
}

// SettlePending sets status on the entry with id only while it is still queued
// or sending. An entry already settled by a real-time echo keeps its status.
func (s *Store) SettlePending(id string, status chat.Status) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 || !s.messages[i].Status.Pending() {
		s.mu.Unlock()
		return false
	}
	m := s.messages[i]
	m.Status = status
	s.messages[i] = m
	s.mu.Unlock()
	s.changed()
	return true
}

// ReplaceAll installs a fresh first page if epoch is still current.
//
// Outgoing entries the server has not acknowledged yet (queued, sending or
// error) survive: a pending entry whose text and type match an outgoing
// message on the page is superseded by it, every other one is kept after the
// page in its original order.
func (s *Store) ReplaceAll(epoch uint64, msgs []chat.Message) bool {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	page := append([]chat.Message(nil), msgs...)
	claimed := make([]bool, len(page))
	for _, old := range s.messages {
		if !unacknowledged(old) {
			continue
		}
		if old.Status.Pending() {
			if j := matchOutgoing(page, claimed, old); j >= 0 {
				claimed[j] = true
				continue
			}
		}
		page = append(page, old)
	}
	s.messages = page
	s.mu.Unlock()
	s.changed()
	return true
}

func unacknowledged(m chat.Message) bool {
	return m.Direction == chat.DirectionOutgoing && m.MessageID == "" &&
		(m.Status.Pending() || m.Status == chat.StatusError)
}

// reloadClockSkew bounds how much earlier than the queued entry a server copy
// may be stamped and still count as its delivery.
const reloadClockSkew = 5 * time.Minute

// matchOutgoing returns the first unclaimed outgoing page entry carrying the
// same text and type as pending and stamped no earlier than it (within
// reloadClockSkew), or -1.
func matchOutgoing(page []chat.Message, claimed []bool, pending chat.Message) int {
	for j := range claimed {
		m := page[j]
		if claimed[j] || m.Direction != chat.DirectionOutgoing {
			continue
		}
		if !m.Timestamp.IsZero() && !pending.Timestamp.IsZero() &&
			m.Timestamp.Before(pending.Timestamp.Add(-reloadClockSkew)) {
			continue
		}
		if m.Text == pending.Text && m.ContentType() == pending.ContentType() {
			return j
		}
	}
	return -1
}

// Prepend inserts an older page before the current timeline if epoch is still
// current. Entries already present (same server id) are skipped. It returns
// how many entries were inserted.
func (s *Store) Prepend(epoch uint64, older []chat.Message) (int, bool) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return 0, false
	}
	fresh := make([]chat.Message, 0, len(older)+len(s.messages))
	for _, m := range older {
		if m.MessageID != "" && s.serverIndexLocked(m.MessageID) >= 0 {
			continue
		}
		fresh = append(fresh, m)
	}
	n := len(fresh)
	s.messages = append(fresh, s.messages...)
	s.mu.Unlock()
	s.changed()
	return n, true
}

// Reconcile merges an authoritative message:
//  1. drop it when the same server id, or the same
//     (conversation, text, timestamp, direction, type), is already present;
//  2. otherwise replace, in place, the first pending outgoing entry with the
//     same text and type and no server id, marking it sent;
//  3. otherwise append it.
func (s *Store) Reconcile(m chat.Message) Outcome {
	s.mu.Lock()
	if s.conversationID == "" || m.ConversationID != s.conversationID {
		s.mu.Unlock()
		return Ignored
	}

	if m.MessageID != "" && s.serverIndexLocked(m.MessageID) >= 0 {
		s.mu.Unlock()
		return Duplicate
	}
	for _, existing := range s.messages {
		if existing.SameContent(m) {
			s.mu.Unlock()
			return Duplicate
		}
	}

	if m.Direction == chat.DirectionOutgoing {
		for i, existing := range s.messages {
			if existing.Direction != chat.DirectionOutgoing || existing.MessageID != "" || !existing.Status.Pending() {
				continue
			}
			if existing.Text != m.Text || existing.ContentType() != m.ContentType() {
				continue
			}
			merged := m
			if merged.ID == "" {
				merged.ID = existing.ID
			}
			if merged.ReplyTo == nil {
				merged.ReplyTo = existing.ReplyTo
			}
			merged.Status = chat.StatusSent
			s.messages[i] = merged
			s.mu.Unlock()
			s.changed()
			return Reconciled
		}
	}

	if m.Direction == chat.DirectionOutgoing && m.Status == "" {
		m.Status = chat.StatusSent
	}
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	s.changed()
	return Appended
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range s.messages {
		if m.ID == id || m.MessageID == id {
			return i
		}
	}
	return -1
}

func (s *Store) serverIndexLocked(messageID string) int {
	for i, m := range s.messages {
		if m.MessageID == messageID {
			return i
		}
	}
	return -1
}

func (s *Store) changed() {
	metrics.OpenMessages.Set(float64(s.Len()))
	if s.OnChange != nil {
		s.OnChange()
	}
}
