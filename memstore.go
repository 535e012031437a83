package classline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// In-memory store
// ============================================================================

// MemoryStore is an in-memory RemoteStore and EventSource. It backs local
// development, the CLI's demo mode, and tests, and mirrors the server's
// side effects: sending bumps previews and unread counters, read marks
// zero them, lifecycle transitions emit events to subscribers.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message
	subscribers   map[int]memSubscriber
	nextSub       int
	now           func() time.Time
}

type memSubscriber struct {
	partyID string
	role    Role
	fn      func(ConversationEvent)
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		subscribers:   make(map[int]memSubscriber),
		now:           time.Now,
	}
}

// SetClock overrides the store's clock. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// ----------------------------------------------------------------------------
// RemoteStore
// ----------------------------------------------------------------------------

// ListConversations returns the conversations visible to the given party
// in the given archive partition, newest activity first.
func (s *MemoryStore) ListConversations(ctx context.Context, partyID string, role Role, archived bool) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Conversation
	status := StatusActive
	if archived {
		status = StatusArchived
	}
	for _, c := range s.conversations {
		if c.Status != status {
			continue
		}
		p, ok := c.ParticipantWithRole(role)
		if !ok || p.ID != partyID {
			continue
		}
		if c.DeletedFor(role) {
			continue
		}
		out = append(out, c.clone())
	}
	sortConversations(out)
	return out, nil
}

// GetOrCreateConversation returns the conversation between the two parties
// in the given scope, creating it if none exists.
func (s *MemoryStore) GetOrCreateConversation(ctx context.Context, partyA, partyB Participant, scope Scope, subject string) (*Conversation, error) {
	s.mu.Lock()

	for _, c := range s.conversations {
		if c.Scope != scope {
			continue
		}
		if (c.PartyA.ID == partyA.ID && c.PartyB.ID == partyB.ID) ||
			(c.PartyA.ID == partyB.ID && c.PartyB.ID == partyA.ID) {
			out := c.clone()
			s.mu.Unlock()
			return &out, nil
		}
	}

	if subject == "" {
		subject = DefaultSubject
	}
	conv := &Conversation{
		ID:           uuid.NewString(),
		Scope:        scope,
		PartyA:       partyA,
		PartyB:       partyB,
		Subject:      subject,
		UnreadCounts: map[Role]int{},
		DeletedBy:    map[Role]bool{},
		Status:       StatusActive,
		CreatedAt:    s.now(),
	}
	s.conversations[conv.ID] = conv
	out := conv.clone()
	evSnap := conv.clone()
	s.mu.Unlock()

	s.emit(ConversationEvent{
		Type:           EventConversationCreated,
		ConversationID: out.ID,
		Scope:          out.Scope,
		Conversation:   &evSnap,
		At:             out.CreatedAt,
	})
	return &out, nil
}

// ListMessages returns all messages of a conversation, oldest first.
func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}
	msgs := make([]Message, len(s.messages[conversationID]))
	copy(msgs, s.messages[conversationID])
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

// SendMessage appends a message, updates the conversation preview and the
// receiver's unread counter, and emits a message event.
func (s *MemoryStore) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("message text is required")
	}

	s.mu.Lock()
	conv, ok := s.conversations[req.ConversationID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("conversation %s not found", req.ConversationID)
	}

	now := s.now()
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       req.Sender.ID,
		SenderRole:     req.Sender.Role,
		ReceiverID:     req.Receiver.ID,
		ReceiverRole:   req.Receiver.Role,
		Text:           req.Text,
		Subject:        req.Subject,
		CreatedAt:      now,
	}
	s.messages[req.ConversationID] = append(s.messages[req.ConversationID], msg)

	at := now
	conv.LastMessageAt = &at
	conv.LastMessagePreview = req.Text
	if conv.UnreadCounts == nil {
		conv.UnreadCounts = map[Role]int{}
	}
	conv.UnreadCounts[req.Receiver.Role]++
	snap := conv.clone()
	s.mu.Unlock()

	s.emit(ConversationEvent{
		Type:           EventMessageNew,
		ConversationID: req.ConversationID,
		Scope:          snap.Scope,
		Conversation:   &snap,
		At:             now,
	})
	return &msg, nil
}

// MarkConversationRead zeroes the reading party's unread counter and flips
// their received messages to read.
func (s *MemoryStore) MarkConversationRead(ctx context.Context, conversationID, partyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	var role Role
	switch partyID {
	case conv.PartyA.ID:
		role = conv.PartyA.Role
	case conv.PartyB.ID:
		role = conv.PartyB.Role
	default:
		return fmt.Errorf("party %s is not in conversation %s", partyID, conversationID)
	}

	if conv.UnreadCounts != nil {
		conv.UnreadCounts[role] = 0
	}
	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].ReceiverID == partyID {
			msgs[i].IsRead = true
		}
	}
	return nil
}

// ArchiveConversation moves a conversation to the archived partition.
func (s *MemoryStore) ArchiveConversation(ctx context.Context, conversationID string) error {
	return s.setStatus(conversationID, StatusArchived, EventConversationArchived)
}

// UnarchiveConversation moves a conversation back to the active partition.
func (s *MemoryStore) UnarchiveConversation(ctx context.Context, conversationID string) error {
	return s.setStatus(conversationID, StatusActive, EventConversationUpdated)
}

func (s *MemoryStore) setStatus(conversationID string, status ConversationStatus, eventType string) error {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	conv.Status = status
	snap := conv.clone()
	s.mu.Unlock()

	s.emit(ConversationEvent{
		Type:           eventType,
		ConversationID: conversationID,
		Scope:          snap.Scope,
		Conversation:   &snap,
		At:             s.clock(),
	})
	return nil
}

// DeleteConversationForParty hides a conversation from one party. The
// other party keeps seeing it.
func (s *MemoryStore) DeleteConversationForParty(ctx context.Context, conversationID, partyID string, role Role) error {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	p, ok := conv.ParticipantWithRole(role)
	if !ok || p.ID != partyID {
		s.mu.Unlock()
		return fmt.Errorf("party %s is not in conversation %s", partyID, conversationID)
	}
	if conv.DeletedBy == nil {
		conv.DeletedBy = map[Role]bool{}
	}
	conv.DeletedBy[role] = true
	snap := conv.clone()
	s.mu.Unlock()

	s.emit(ConversationEvent{
		Type:           EventConversationDeleted,
		ConversationID: conversationID,
		Scope:          snap.Scope,
		Conversation:   &snap,
		At:             s.clock(),
	})
	return nil
}

// ----------------------------------------------------------------------------
// EventSource
// ----------------------------------------------------------------------------

// SubscribeToConversationEvents registers fn for events on conversations
// the given party participates in. Delivery is synchronous.
func (s *MemoryStore) SubscribeToConversationEvents(ctx context.Context, partyID string, role Role, fn func(ConversationEvent)) (Subscription, error) {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subscribers[id] = memSubscriber{partyID: partyID, role: role, fn: fn}
	s.mu.Unlock()

	return subscriptionFunc(func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}), nil
}

func (s *MemoryStore) emit(ev ConversationEvent) {
	s.mu.RLock()
	subs := make([]memSubscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		if ev.Conversation != nil {
			p, ok := ev.Conversation.ParticipantWithRole(sub.role)
			if !ok || p.ID != sub.partyID {
				continue
			}
		}
		sub.fn(ev)
	}
}

func (s *MemoryStore) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}
