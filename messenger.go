package classline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Messenger
// ============================================================================

// ephemeralSource is satisfied by realtime streams that also carry typing
// and presence broadcasts alongside conversation events.
type ephemeralSource interface {
	Handlers() *Handlers
}

// publisher combines the two outbound ephemeral channels. The WebSocket
// client satisfies it; read-only transports fall back to a no-op.
type publisher interface {
	PresencePublisher
	TypingPublisher
}

type nopPublisher struct{}

func (nopPublisher) BroadcastPresence(context.Context, PresenceRecord) error { return nil }
func (nopPublisher) PublishTyping(context.Context, TypingState) error        { return nil }

// MessengerOptions configures a Messenger.
type MessengerOptions struct {
	// Scopes the messenger routes events for. Empty means all.
	Scopes []Scope
	// CacheTTL overrides the conversation list staleness window.
	CacheTTL time.Duration
	// HeartbeatInterval overrides the presence heartbeat interval.
	HeartbeatInterval time.Duration
	Notifier          Notifier
	Logger            zerolog.Logger
	Now               func() time.Time
}

// Messenger is the per-(user, role) coordinator. It owns one cache, one
// message channel, one read-state reconciler, one lifecycle controller,
// one presence tracker, one typing broadcaster, and one event router, and
// sequences them the way a conversation page does: selecting loads the
// history, marks it read, and joins the presence channel; lifecycle
// mutations deselect first.
type Messenger struct {
	Session Session

	store  RemoteStore
	source EventSource

	cache     *ConversationCache
	channel   *MessageChannel
	readstate *ReadStateReconciler
	lifecycle *LifecycleController
	presence  *PresenceTracker
	typing    *TypingBroadcaster
	router    *RealtimeEventRouter

	sel *selection
	log zerolog.Logger

	mu       sync.Mutex
	selected *Conversation
	removeFn []func()
	closed   bool
}

// NewMessenger wires a messenger over a store and an event source. Call
// Start to open the event stream and Close on logout.
func NewMessenger(store RemoteStore, source EventSource, session Session, opts *MessengerOptions) *Messenger {
	o := MessengerOptions{Logger: zerolog.Nop()}
	if opts != nil {
		o = *opts
	}

	var out publisher = nopPublisher{}
	if p, ok := source.(publisher); ok {
		out = p
	}

	cache := NewConversationCache(store, &CacheOptions{
		TTL:    o.CacheTTL,
		Logger: o.Logger,
		Now:    o.Now,
	})
	sel := &selection{}

	m := &Messenger{
		Session:   session,
		store:     store,
		source:    source,
		cache:     cache,
		channel:   NewMessageChannel(store, cache, o.Notifier, o.Logger),
		readstate: NewReadStateReconciler(store, cache, o.Logger),
		lifecycle: NewLifecycleController(store, cache, sel, o.Logger),
		presence: NewPresenceTracker(out, &PresenceOptions{
			Interval: o.HeartbeatInterval,
			Now:      o.Now,
			Logger:   o.Logger,
		}),
		typing: NewTypingBroadcaster(out, session.UserID, &TypingOptions{
			Now:    o.Now,
			Logger: o.Logger,
		}),
		sel: sel,
		log: o.Logger,
	}
	m.router = NewRealtimeEventRouter(source, cache, session.UserID, session.Role, &RouterOptions{
		Scopes: o.Scopes,
		Logger: o.Logger,
	})
	return m
}

// Start opens the event stream and, when the source carries them, hooks
// inbound typing and presence broadcasts into the local trackers.
func (m *Messenger) Start(ctx context.Context) error {
	if err := m.router.Start(ctx); err != nil {
		return err
	}
	if es, ok := m.source.(ephemeralSource); ok {
		m.mu.Lock()
		m.removeFn = append(m.removeFn,
			es.Handlers().OnTyping(m.typing.Observe),
			es.Handlers().OnPresence(m.presence.Observe),
		)
		m.mu.Unlock()
	}
	return nil
}

// Conversations returns the conversation list for one scope partition,
// served from cache when fresh.
func (m *Messenger) Conversations(ctx context.Context, scope Scope, archived bool) ([]Conversation, error) {
	return m.cache.List(ctx, m.view(scope, archived))
}

// Select opens a conversation: loads its history, marks it read when it
// carries unread messages, and joins its presence channel. Any previously
// selected conversation is deselected first.
func (m *Messenger) Select(ctx context.Context, scope Scope, conv Conversation) ([]Message, error) {
	m.Deselect()

	msgs, err := m.channel.Load(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	view := m.view(scope, conv.Status == StatusArchived)
	if err := m.readstate.ConversationSelected(ctx, view, conv); err != nil {
		m.log.Warn().Err(err).Str("conversation", conv.ID).Msg("mark as read failed")
	}

	m.sel.set(conv.ID)
	m.presence.Join(conv.ID, PresenceRecord{
		UserID:   m.Session.UserID,
		UserName: m.Session.Name,
		Role:     m.Session.Role,
	})

	m.mu.Lock()
	c := conv
	m.selected = &c
	m.mu.Unlock()

	return msgs, nil
}

// Selected returns the currently open conversation, or nil.
func (m *Messenger) Selected() *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == nil {
		return nil
	}
	c := m.selected.clone()
	return &c
}

// Deselect closes the currently open conversation: leaves its presence
// channel and drops its typing state.
func (m *Messenger) Deselect() {
	m.mu.Lock()
	conv := m.selected
	m.selected = nil
	m.mu.Unlock()
	if conv == nil {
		return
	}
	m.sel.clearIf(conv.ID)
	m.presence.Leave(conv.ID)
	m.typing.Release(conv.ID)
}

// Focused marks every cached list stale and re-runs the read-state check
// for the open conversation. Call it when the window regains focus: events
// may have been missed and unread may have accrued while backgrounded.
func (m *Messenger) Focused(ctx context.Context) error {
	m.cache.MarkStaleAll()
	m.mu.Lock()
	conv := m.selected
	m.mu.Unlock()
	if conv == nil {
		return nil
	}
	view := m.view(conv.Scope, conv.Status == StatusArchived)
	fresh := *conv
	for _, c := range m.cache.Peek(view) {
		if c.ID == conv.ID {
			fresh = c
			break
		}
	}
	return m.readstate.ConversationSelected(ctx, view, fresh)
}

// Send sends a message in the open conversation to the other party.
func (m *Messenger) Send(ctx context.Context, text string) (*Message, error) {
	m.mu.Lock()
	conv := m.selected
	m.mu.Unlock()
	if conv == nil {
		return nil, ErrNoSelection
	}

	self, ok := conv.ParticipantWithRole(m.Session.Role)
	if !ok {
		return nil, ErrNoSelection
	}
	other := conv.OtherParty(self.ID)

	msg, err := m.channel.Send(ctx, SendRequest{
		ConversationID: conv.ID,
		Sender:         self,
		Receiver:       other,
		Text:           text,
		Subject:        conv.Subject,
	})
	if err != nil {
		return nil, err
	}

	// Sending clears the typing flag for the other side.
	if err := m.typing.SetTyping(ctx, conv.ID, false); err != nil {
		m.log.Debug().Err(err).Str("conversation", conv.ID).Msg("typing clear failed")
	}
	return msg, nil
}

// Typing publishes the local typing flag for the open conversation.
func (m *Messenger) Typing(ctx context.Context, isTyping bool) error {
	m.mu.Lock()
	conv := m.selected
	m.mu.Unlock()
	if conv == nil {
		return nil
	}
	return m.typing.SetTyping(ctx, conv.ID, isTyping)
}

// Archive moves a conversation to the archived partition.
func (m *Messenger) Archive(ctx context.Context, scope Scope, conversationID string) error {
	m.deselectIf(conversationID)
	return m.lifecycle.Archive(ctx, m.view(scope, false), conversationID)
}

// Unarchive moves a conversation back to the active partition.
func (m *Messenger) Unarchive(ctx context.Context, scope Scope, conversationID string) error {
	m.deselectIf(conversationID)
	return m.lifecycle.Unarchive(ctx, m.view(scope, true), conversationID)
}

// Delete hides a conversation from this party. confirmed must be true;
// callers are expected to put a confirmation step in front of this.
func (m *Messenger) Delete(ctx context.Context, scope Scope, conversationID string, archived, confirmed bool) error {
	m.deselectIf(conversationID)
	return m.lifecycle.Delete(ctx, m.view(scope, archived), conversationID, confirmed)
}

// Cache exposes the conversation cache.
func (m *Messenger) Cache() *ConversationCache { return m.cache }

// Presence exposes the presence tracker.
func (m *Messenger) Presence() *PresenceTracker { return m.presence }

// TypingState exposes the typing broadcaster.
func (m *Messenger) TypingState() *TypingBroadcaster { return m.typing }

// Close tears the messenger down: deselects, stops the router, unhooks
// ephemeral handlers, and closes the presence tracker.
func (m *Messenger) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	removes := m.removeFn
	m.removeFn = nil
	m.mu.Unlock()

	m.Deselect()
	m.router.Stop()
	for _, remove := range removes {
		remove()
	}
	m.presence.Close()
}

func (m *Messenger) view(scope Scope, archived bool) ListView {
	return ListView{
		UserID:   m.Session.UserID,
		Role:     m.Session.Role,
		Scope:    scope,
		Archived: archived,
	}
}

func (m *Messenger) deselectIf(conversationID string) {
	m.mu.Lock()
	match := m.selected != nil && m.selected.ID == conversationID
	m.mu.Unlock()
	if match {
		m.Deselect()
	}
}
