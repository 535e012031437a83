package classline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// TypingBroadcaster
// ============================================================================

// TypingPublisher is the broadcast medium typing flags go out on,
// implemented by the realtime connection.
type TypingPublisher interface {
	PublishTyping(ctx context.Context, state TypingState) error
}

// DefaultTypingIdle is the window after which an unrefreshed typing flag
// is treated as cleared. A client that disconnects mid-keystroke never
// leaves a conversation stuck in "typing".
const DefaultTypingIdle = 4 * time.Second

// TypingOptions configures a TypingBroadcaster.
type TypingOptions struct {
	Idle   time.Duration
	Now    func() time.Time
	Logger zerolog.Logger
}

// TypingBroadcaster publishes the local user's typing state and tracks the
// other party's. Lookups never echo the local user's own typing.
type TypingBroadcaster struct {
	out    TypingPublisher
	selfID string
	idle   time.Duration
	now    func() time.Time
	log    zerolog.Logger

	mu     sync.Mutex
	states map[string]map[string]TypingState // conversation -> user -> state
}

// NewTypingBroadcaster creates a broadcaster for the given local user.
func NewTypingBroadcaster(out TypingPublisher, selfID string, opts *TypingOptions) *TypingBroadcaster {
	b := &TypingBroadcaster{
		out:    out,
		selfID: selfID,
		idle:   DefaultTypingIdle,
		now:    time.Now,
		log:    zerolog.Nop(),
		states: make(map[string]map[string]TypingState),
	}
	if opts != nil {
		if opts.Idle > 0 {
			b.idle = opts.Idle
		}
		if opts.Now != nil {
			b.now = opts.Now
		}
		b.log = opts.Logger
	}
	return b
}

// SetTyping publishes the local user's typing flag for the conversation.
// Call with true on keystrokes; call with false on send or blur. A true
// flag also auto-clears after the idle window without an explicit false.
func (b *TypingBroadcaster) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return b.out.PublishTyping(ctx, TypingState{
		ConversationID: conversationID,
		UserID:         b.selfID,
		IsTyping:       isTyping,
		UpdatedAt:      b.now(),
	})
}

// Observe records an inbound typing broadcast; the router feeds it.
func (b *TypingBroadcaster) Observe(state TypingState) {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = b.now()
	}
	b.mu.Lock()
	byUser := b.states[state.ConversationID]
	if byUser == nil {
		byUser = make(map[string]TypingState)
		b.states[state.ConversationID] = byUser
	}
	byUser[state.UserID] = state
	b.mu.Unlock()
}

// IsAnyoneTyping reports whether any other participant's typing flag is
// set and still fresh.
func (b *TypingBroadcaster) IsAnyoneTyping(conversationID string) bool {
	return len(b.activeTypers(conversationID)) > 0
}

// TypingText renders the indicator line for the conversation, or "" when
// nobody else is typing.
func (b *TypingBroadcaster) TypingText(conversationID string) string {
	typers := b.activeTypers(conversationID)
	switch len(typers) {
	case 0:
		return ""
	case 1:
		name := typers[0].UserName
		if name == "" {
			name = "Someone"
		}
		return name + " is typing..."
	default:
		return "Several people are typing..."
	}
}

// Release drops all typing state for the conversation.
func (b *TypingBroadcaster) Release(conversationID string) {
	b.mu.Lock()
	delete(b.states, conversationID)
	b.mu.Unlock()
}

func (b *TypingBroadcaster) activeTypers(conversationID string) []TypingState {
	cutoff := b.now().Add(-b.idle)
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []TypingState
	for userID, st := range b.states[conversationID] {
		if userID == b.selfID {
			continue
		}
		if !st.IsTyping || st.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, st)
	}
	return out
}
