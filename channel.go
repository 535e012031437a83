package classline

import (
	"context"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// MessageChannel
// ============================================================================

// previewLimit bounds the denormalized preview stored on conversations.
const previewLimit = 120

// MessageChannel loads and appends one conversation's ordered message log.
// Sends are not optimistic: a failed send surfaces to the caller and
// nothing is appended locally. Only the confirmed message updates the
// cached conversation preview and triggers best-effort notification.
type MessageChannel struct {
	store    RemoteStore
	cache    *ConversationCache
	notifier Notifier
	log      zerolog.Logger

	mu   sync.Mutex
	logs map[string][]Message
}

// NewMessageChannel creates a channel backed by the store and writing
// through the shared cache. notifier may be nil.
func NewMessageChannel(store RemoteStore, cache *ConversationCache, notifier Notifier, log zerolog.Logger) *MessageChannel {
	return &MessageChannel{
		store:    store,
		cache:    cache,
		notifier: notifier,
		log:      log,
		logs:     make(map[string][]Message),
	}
}

// Load fetches the conversation's history, ascending by creation time.
// Order is server-assigned; the stable sort only enforces the
// non-decreasing invariant, it never reorders equal timestamps.
func (mc *MessageChannel) Load(ctx context.Context, conversationID string) ([]Message, error) {
	msgs, err := mc.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	mc.mu.Lock()
	mc.logs[conversationID] = append([]Message(nil), msgs...)
	mc.mu.Unlock()
	return msgs, nil
}

// Messages returns the locally loaded log without hitting the store.
func (mc *MessageChannel) Messages(conversationID string) []Message {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return append([]Message(nil), mc.logs[conversationID]...)
}

// Send appends a message to the conversation. On success the confirmed
// message is appended to the loaded log, the cached conversation preview
// and last-activity timestamp are updated for both parties' views, and the
// receiver is notified. The receiver's unread counter is incremented by
// the store and observed later through invalidation, never computed here.
//
// Notification failure never fails the send.
func (mc *MessageChannel) Send(ctx context.Context, req SendRequest) (*Message, error) {
	if req.Subject == "" {
		req.Subject = DefaultSubject
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	msg, err := mc.store.SendMessage(ctx, req)
	if err != nil {
		return nil, err
	}

	mc.mu.Lock()
	mc.logs[req.ConversationID] = append(mc.logs[req.ConversationID], *msg)
	mc.mu.Unlock()

	mc.touchViews(msg)

	if mc.notifier != nil {
		if err := mc.notifier.Notify(ctx, req.Receiver.ID, Notification{
			Title:   "New message from " + req.Sender.Name,
			Message: preview(msg.Text),
			Type:    "message",
			Link:    "/messages/" + msg.ConversationID,
		}); err != nil {
			mc.log.Warn().Err(err).Str("receiver", req.Receiver.ID).Msg("notification dispatch failed")
		}
	}

	return msg, nil
}

// touchViews writes the confirmed preview into every view that could hold
// the conversation: both parties, both roles, active partition.
func (mc *MessageChannel) touchViews(msg *Message) {
	scope := scopeFor(msg.SenderRole, msg.ReceiverRole)
	p := preview(msg.Text)
	for _, side := range []struct {
		id   string
		role Role
	}{
		{msg.SenderID, msg.SenderRole},
		{msg.ReceiverID, msg.ReceiverRole},
	} {
		view := ListView{UserID: side.id, Role: side.role, Scope: scope, Archived: false}
		mc.cache.TouchPreview(view, msg.ConversationID, p, msg.CreatedAt)
	}
}

func preview(text string) string {
	if len(text) <= previewLimit {
		return text
	}
	// Back off to a rune boundary so the cut never leaves invalid UTF-8
	// in the cached preview or the notification payload.
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// scopeFor maps a role pair onto its conversation scope. Order of the two
// roles does not matter.
func scopeFor(a, b Role) Scope {
	pair := map[Role]bool{a: true, b: true}
	switch {
	case pair[RoleStudent] && pair[RoleEducator]:
		return ScopeStudentEducator
	case pair[RoleEducator] && pair[RoleAdmin]:
		return ScopeEducatorAdmin
	case pair[RoleLecturer] && pair[RoleStudent]:
		return ScopeLecturerStudent
	case pair[RoleLecturer] && pair[RoleAdmin]:
		return ScopeLecturerAdmin
	}
	return Scope(string(a) + "-" + string(b))
}
