package classline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// PresenceTracker
// ============================================================================

// PresencePublisher is the broadcast medium presence heartbeats go out on,
// implemented by the realtime connection.
type PresencePublisher interface {
	BroadcastPresence(ctx context.Context, rec PresenceRecord) error
}

const (
	// DefaultHeartbeatInterval is how often a joined channel re-broadcasts
	// the viewer's presence.
	DefaultHeartbeatInterval = 20 * time.Second
)

// PresenceOptions configures a PresenceTracker.
type PresenceOptions struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     zerolog.Logger
}

// PresenceTracker broadcasts the viewing user's heartbeat on joined
// conversation channels and answers online/offline lookups for everyone
// it has heard from. One tracker serves all of a user's open conversation
// lists; channels are joined and left with conversation selection, the
// tracker itself lives for the session.
//
// Presence is ephemeral: nothing here is durably stored, and a user whose
// last broadcast is older than the staleness window counts as offline.
type PresenceTracker struct {
	out        PresencePublisher
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger

	mu       sync.Mutex
	channels map[string]chan struct{}
	seen     map[string]PresenceRecord
	closed   bool
}

// NewPresenceTracker creates a tracker broadcasting on out.
func NewPresenceTracker(out PresencePublisher, opts *PresenceOptions) *PresenceTracker {
	t := &PresenceTracker{
		out:      out,
		interval: DefaultHeartbeatInterval,
		now:      time.Now,
		log:      zerolog.Nop(),
		channels: make(map[string]chan struct{}),
		seen:     make(map[string]PresenceRecord),
	}
	if opts != nil {
		if opts.Interval > 0 {
			t.interval = opts.Interval
		}
		if opts.StaleAfter > 0 {
			t.staleAfter = opts.StaleAfter
		}
		if opts.Now != nil {
			t.now = opts.Now
		}
		t.log = opts.Logger
	}
	if t.staleAfter == 0 {
		// Strictly more than one missed heartbeat, tolerant of one
		// delayed broadcast.
		t.staleAfter = t.interval*2 + t.interval/2
	}
	return t
}

// Join starts heartbeat broadcasts of self on the channel. Joining an
// already-joined channel is a no-op.
func (t *PresenceTracker) Join(channel string, self PresenceRecord) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if _, ok := t.channels[channel]; ok {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.channels[channel] = stop
	t.mu.Unlock()

	go t.heartbeat(channel, self, stop)
}

// Leave stops broadcasting on the channel and releases every presence
// record tied to it.
func (t *PresenceTracker) Leave(channel string) {
	t.mu.Lock()
	if stop, ok := t.channels[channel]; ok {
		close(stop)
		delete(t.channels, channel)
	}
	for id, rec := range t.seen {
		if rec.ConversationID == channel {
			delete(t.seen, id)
		}
	}
	t.mu.Unlock()
}

// Close leaves every joined channel.
func (t *PresenceTracker) Close() {
	t.mu.Lock()
	for channel, stop := range t.channels {
		close(stop)
		delete(t.channels, channel)
	}
	t.seen = make(map[string]PresenceRecord)
	t.closed = true
	t.mu.Unlock()
}

// Observe records an inbound presence broadcast; the router feeds it.
func (t *PresenceTracker) Observe(rec PresenceRecord) {
	if rec.LastSeen.IsZero() {
		rec.LastSeen = t.now()
	}
	t.mu.Lock()
	t.seen[rec.UserID] = rec
	t.mu.Unlock()
}

// IsOnline reports whether the user's most recent broadcast, across all
// joined channels, is inside the staleness window.
func (t *PresenceTracker) IsOnline(userID string) bool {
	t.mu.Lock()
	rec, ok := t.seen[userID]
	t.mu.Unlock()
	if !ok || rec.Status == "offline" {
		return false
	}
	return t.now().Sub(rec.LastSeen) <= t.staleAfter
}

// LastSeen returns the user's most recent broadcast time.
func (t *PresenceTracker) LastSeen(userID string) (time.Time, bool) {
	t.mu.Lock()
	rec, ok := t.seen[userID]
	t.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return rec.LastSeen, true
}

func (t *PresenceTracker) heartbeat(channel string, self PresenceRecord, stop chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.broadcast(channel, self)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.broadcast(channel, self)
		}
	}
}

func (t *PresenceTracker) broadcast(channel string, self PresenceRecord) {
	rec := self
	rec.Status = "online"
	rec.LastSeen = t.now()
	rec.ConversationID = channel
	ctx, cancel := context.WithTimeout(context.Background(), t.interval)
	defer cancel()
	if err := t.out.BroadcastPresence(ctx, rec); err != nil {
		t.log.Debug().Err(err).Str("channel", channel).Msg("presence broadcast failed")
	}
}
