package caselink

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ChangeKind classifies a store change notification.
type ChangeKind string

const (
	ChangeSnapshot     ChangeKind = "snapshot"
	ChangeConversation ChangeKind = "conversation"
	ChangeMessages     ChangeKind = "messages"
	ChangeReset        ChangeKind = "reset"
)

// Change is delivered to store subscribers after a mutation.
type Change struct {
	Kind ChangeKind
	Key  ConversationKey
}

// Store is the in-memory authoritative client-side cache of conversation
// summaries and per-conversation message lists. It is the single mutable
// shared state of the SDK: every mutation goes through its methods so the
// merge invariants stay centralized.
type Store struct {
	mu            sync.RWMutex
	selfID        string
	conversations map[ConversationKey]*Conversation
	messages      map[ConversationKey][]*Message
	cursors       map[ConversationKey]string
	active        ConversationKey
	hasActive     bool
	log           zerolog.Logger

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Change)
}

// NewStore creates an empty store.
func NewStore(log zerolog.Logger) *Store {
	return &Store{
		conversations: make(map[ConversationKey]*Conversation),
		messages:      make(map[ConversationKey][]*Message),
		cursors:       make(map[ConversationKey]string),
		log:           log,
		subs:          make(map[int]func(Change)),
	}
}

// SetSelf records the local user id used to orient message keys and unread
// accounting.
func (s *Store) SetSelf(id string) {
	s.mu.Lock()
	s.selfID = id
	s.mu.Unlock()
}

// Self returns the local user id.
func (s *Store) Self() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfID
}

// Subscribe registers a change callback and returns an unsubscribe function.
// Callbacks run after the mutation completes and may read the store.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// ============================================================================
// Conversations
// ============================================================================

// UpsertConversation merges a conversation summary. The denormalized
// last-message only moves forward in time, guarding against reordered
// delivery.
func (s *Store) UpsertConversation(c Conversation) {
	key := c.Key()
	s.mu.Lock()
	existing, ok := s.conversations[key]
	if !ok {
		cp := c
		s.conversations[key] = &cp
	} else {
		existing.Counterparty = c.Counterparty
		existing.Subject = c.Subject
		if c.TotalCount > existing.TotalCount {
			existing.TotalCount = c.TotalCount
		}
		existing.UnreadCount = c.UnreadCount
		if c.LastMessage != nil && (existing.LastMessage == nil ||
			!c.LastMessage.CreatedAt.Before(existing.LastMessage.CreatedAt)) {
			lm := *c.LastMessage
			existing.LastMessage = &lm
		}
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversation, Key: key})
}

// ApplySnapshot merges a full conversation list from the authority.
func (s *Store) ApplySnapshot(convs []Conversation) {
	s.mu.Lock()
	for _, c := range convs {
		key := c.Key()
		existing, ok := s.conversations[key]
		if !ok {
			cp := c
			s.conversations[key] = &cp
			continue
		}
		existing.Counterparty = c.Counterparty
		existing.Subject = c.Subject
		existing.UnreadCount = c.UnreadCount
		if c.TotalCount > existing.TotalCount {
			existing.TotalCount = c.TotalCount
		}
		if c.LastMessage != nil && (existing.LastMessage == nil ||
			!c.LastMessage.CreatedAt.Before(existing.LastMessage.CreatedAt)) {
			lm := *c.LastMessage
			existing.LastMessage = &lm
		}
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeSnapshot})
}

// GetConversation returns a copy of the conversation for key.
func (s *Store) GetConversation(key ConversationKey) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[key]
	if !ok {
		return Conversation{}, false
	}
	return copyConversation(c), true
}

// Conversations returns all conversations, most recently active first.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, copyConversation(c))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		ti, tj := lastActivity(&out[i]), lastActivity(&out[j])
		if ti.Equal(tj) {
			return out[i].Key().String() < out[j].Key().String()
		}
		return ti.After(tj)
	})
	return out
}

// ============================================================================
// Messages
// ============================================================================

// UpsertMessage applies the message merge rule: match by server id if
// present, else by provisional id. A confirmed message whose provisional
// counterpart exists replaces it in place, preserving position; the
// provisional id is retired so the message never appears twice.
func (s *Store) UpsertMessage(m Message) {
	s.mu.Lock()
	key := m.Key(s.selfID)
	list := s.messages[key]

	// Server-id match first.
	if m.ID != "" {
		for _, existing := range list {
			if existing.ID == m.ID {
				if m.Read {
					existing.Read = true
				}
				if m.Status != "" {
					existing.Status = m.Status
				}
				s.mu.Unlock()
				s.notify(Change{Kind: ChangeMessages, Key: key})
				return
			}
		}
	}

	// Provisional counterpart: replace, do not append.
	if m.ProvisionalID != "" {
		for i, existing := range list {
			if existing.ID == m.ProvisionalID || (existing.ProvisionalID != "" && existing.ProvisionalID == m.ProvisionalID) {
				replaced := m
				replaced.Status = SendConfirmed
				if replaced.CreatedAt.IsZero() {
					replaced.CreatedAt = existing.CreatedAt
				}
				list[i] = &replaced
				s.refreshLastMessageLocked(key, &replaced)
				s.mu.Unlock()
				s.notify(Change{Kind: ChangeMessages, Key: key})
				return
			}
		}
	}

	// New message: insert in timestamp order.
	added := m
	idx := len(list)
	for i := range list {
		if added.CreatedAt.Before(list[i].CreatedAt) {
			idx = i
			break
		}
	}
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = &added
	s.messages[key] = list

	conv := s.conversationForLocked(key)
	conv.TotalCount++
	if added.SenderID != s.selfID && added.ReceiverID == s.selfID && !added.Read {
		if !(s.hasActive && s.active == key) {
			conv.UnreadCount++
		}
	}
	s.refreshLastMessageLocked(key, &added)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, Key: key})
}

// PrependMessages merges an older history page, deduplicating by server id.
func (s *Store) PrependMessages(key ConversationKey, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	list := s.messages[key]
	known := make(map[string]struct{}, len(list))
	for _, m := range list {
		if m.ID != "" {
			known[m.ID] = struct{}{}
		}
	}
	for _, m := range msgs {
		if m.ID != "" {
			if _, dup := known[m.ID]; dup {
				continue
			}
			known[m.ID] = struct{}{}
		}
		cp := m
		list = append(list, &cp)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	s.messages[key] = list
	conv := s.conversationForLocked(key)
	if len(list) > conv.TotalCount {
		conv.TotalCount = len(list)
	}
	if n := len(list); n > 0 {
		s.refreshLastMessageLocked(key, list[n-1])
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, Key: key})
}

// RemoveMessage deletes a message and returns it with its prior position so
// a failed delete can roll back.
func (s *Store) RemoveMessage(key ConversationKey, messageID string) (Message, int, bool) {
	s.mu.Lock()
	list := s.messages[key]
	idx := -1
	for i, m := range list {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return Message{}, 0, false
	}
	removed := *list[idx]
	s.messages[key] = append(list[:idx], list[idx+1:]...)

	if conv, ok := s.conversations[key]; ok {
		if conv.TotalCount > 0 {
			conv.TotalCount--
		}
		if !removed.Read && removed.ReceiverID == s.selfID && conv.UnreadCount > 0 {
			conv.UnreadCount--
		}
		s.recomputeLastMessageLocked(key)
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, Key: key})
	return removed, idx, true
}

// ReinsertMessage restores a previously removed message at its prior
// position and content (delete rollback).
func (s *Store) ReinsertMessage(key ConversationKey, m Message, idx int) {
	s.mu.Lock()
	list := s.messages[key]
	if idx < 0 {
		idx = 0
	}
	if idx > len(list) {
		idx = len(list)
	}
	cp := m
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = &cp
	s.messages[key] = list

	conv := s.conversationForLocked(key)
	conv.TotalCount++
	if !cp.Read && cp.ReceiverID == s.selfID {
		if !(s.hasActive && s.active == key) {
			conv.UnreadCount++
		}
	}
	s.recomputeLastMessageLocked(key)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, Key: key})
}

// GetMessages returns copies of the conversation's cached messages in
// timestamp order.
func (s *Store) GetMessages(key ConversationKey) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[key]
	out := make([]Message, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out
}

// FindMessage locates a message by id (server or provisional) across all
// conversations.
func (s *Store) FindMessage(id string) (ConversationKey, Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, list := range s.messages {
		for _, m := range list {
			if m.ID == id || m.ProvisionalID == id {
				return key, *m, true
			}
		}
	}
	return ConversationKey{}, Message{}, false
}

// SetMessageStatus updates the dispatcher-visible send state of a message.
func (s *Store) SetMessageStatus(key ConversationKey, id string, status SendState) bool {
	s.mu.Lock()
	ok := false
	for _, m := range s.messages[key] {
		if m.ID == id || m.ProvisionalID == id {
			m.Status = status
			ok = true
			break
		}
	}
	s.mu.Unlock()
	if ok {
		s.notify(Change{Kind: ChangeMessages, Key: key})
	}
	return ok
}

// ============================================================================
// Read state
// ============================================================================

// MarkMessageRead marks one message read. It reports whether state changed,
// so repeated read-acks never double-decrement the unread count.
func (s *Store) MarkMessageRead(key ConversationKey, messageID string) bool {
	s.mu.Lock()
	var target *Message
	for _, m := range s.messages[key] {
		if m.ID == messageID {
			target = m
			break
		}
	}
	if target == nil || target.Read {
		s.mu.Unlock()
		return false
	}
	target.Read = true
	if conv, ok := s.conversations[key]; ok {
		if target.ReceiverID == s.selfID && conv.UnreadCount > 0 {
			conv.UnreadCount--
		}
		if conv.LastMessage != nil && conv.LastMessage.ID == messageID {
			conv.LastMessage.Read = true
		}
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, Key: key})
	return true
}

// MarkConversationRead zeroes the unread count and marks every inbound
// message read, returning the ids that actually changed so the caller can
// emit read acknowledgments for exactly those.
func (s *Store) MarkConversationRead(key ConversationKey) []string {
	s.mu.Lock()
	var changed []string
	for _, m := range s.messages[key] {
		if m.ReceiverID == s.selfID && !m.Read {
			m.Read = true
			changed = append(changed, m.ID)
		}
	}
	if conv, ok := s.conversations[key]; ok {
		conv.UnreadCount = 0
		if conv.LastMessage != nil && conv.LastMessage.ReceiverID == s.selfID {
			conv.LastMessage.Read = true
		}
	}
	s.mu.Unlock()
	if len(changed) > 0 {
		s.notify(Change{Kind: ChangeMessages, Key: key})
	}
	return changed
}

// ============================================================================
// Selection, cursors, lifecycle
// ============================================================================

// SetActive marks the currently open conversation; inbound messages for it
// do not raise the unread count.
func (s *Store) SetActive(key ConversationKey) {
	s.mu.Lock()
	s.active = key
	s.hasActive = true
	s.mu.Unlock()
}

// ClearActive clears the open-conversation selection.
func (s *Store) ClearActive() {
	s.mu.Lock()
	s.active = ConversationKey{}
	s.hasActive = false
	s.mu.Unlock()
}

// ActiveKey returns the currently open conversation, if any.
func (s *Store) ActiveKey() (ConversationKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.hasActive
}

// Cursor returns the stored next-cursor for a conversation's history chain.
func (s *Store) Cursor(key ConversationKey) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[key]
}

// SetCursor stores the next-cursor for a conversation.
func (s *Store) SetCursor(key ConversationKey, cursor string) {
	s.mu.Lock()
	s.cursors[key] = cursor
	s.mu.Unlock()
}

// Reset drops all cached state (disconnect-triggered cache reset).
func (s *Store) Reset() {
	s.mu.Lock()
	s.conversations = make(map[ConversationKey]*Conversation)
	s.messages = make(map[ConversationKey][]*Message)
	s.cursors = make(map[ConversationKey]string)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeReset})
}

// ============================================================================
// Internals
// ============================================================================

// conversationForLocked returns the conversation for key, creating a stub
// when an inbound message precedes any summary.
func (s *Store) conversationForLocked(key ConversationKey) *Conversation {
	conv, ok := s.conversations[key]
	if !ok {
		conv = &Conversation{
			Counterparty: User{ID: key.CounterpartyID},
			Subject:      Subject{ID: key.SubjectID},
		}
		s.conversations[key] = conv
	}
	return conv
}

func (s *Store) refreshLastMessageLocked(key ConversationKey, m *Message) {
	conv := s.conversationForLocked(key)
	if conv.LastMessage == nil || !m.CreatedAt.Before(conv.LastMessage.CreatedAt) {
		lm := *m
		conv.LastMessage = &lm
	}
}

func (s *Store) recomputeLastMessageLocked(key ConversationKey) {
	conv, ok := s.conversations[key]
	if !ok {
		return
	}
	list := s.messages[key]
	if len(list) == 0 {
		conv.LastMessage = nil
		return
	}
	lm := *list[len(list)-1]
	conv.LastMessage = &lm
}

func copyConversation(c *Conversation) Conversation {
	out := *c
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

func lastActivity(c *Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return time.Time{}
}
