package classline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// ReadStateReconciler
// ============================================================================

// readMark is one entry in the idempotency-key table. The dedup key is the
// pair (conversation, unread count at selection): while a mark is in
// flight, re-selection of the same snapshot must not issue a second call.
type readMark struct {
	unread   int
	inflight bool
}

// ReadStateReconciler turns "conversation selected with unread > 0" into
// an idempotent, at-most-once mark-as-read with an optimistic counter
// write and a refetch-based rollback.
//
// The key table holds at most one entry per conversation and only for
// the window where a remote call is in flight: re-selection of the same
// snapshot during that window is a no-op, and the entry is evicted on
// completion, success or failure, so it is never left dangling. Once a
// mark confirms, the view is invalidated and re-renders read a zero
// counter instead of replaying the stale snapshot.
type ReadStateReconciler struct {
	store RemoteStore
	cache *ConversationCache
	log   zerolog.Logger

	mu    sync.Mutex
	marks map[string]readMark
}

// NewReadStateReconciler creates a reconciler writing through the shared
// cache.
func NewReadStateReconciler(store RemoteStore, cache *ConversationCache, log zerolog.Logger) *ReadStateReconciler {
	return &ReadStateReconciler{
		store: store,
		cache: cache,
		log:   log,
		marks: make(map[string]readMark),
	}
}

// ConversationSelected runs the reconciliation state machine for one
// selection of conv by the viewing party.
//
// Idle: nothing to do when the counter is already zero, or when this
// exact (conversation, count) snapshot is already in flight.
// Optimistic: the cached counter is zeroed before any network round-trip.
// Confirmed: the remote call succeeds, the key is evicted and the view
// invalidated so the next read reconciles with server truth.
// Rolled back: on failure the key is evicted and the view refetched to
// restore the true count rather than guessing.
func (r *ReadStateReconciler) ConversationSelected(ctx context.Context, view ListView, conv Conversation) error {
	unread := conv.UnreadFor(view.Role)
	if unread == 0 {
		return nil
	}

	r.mu.Lock()
	if mark, ok := r.marks[conv.ID]; ok && mark.unread == unread {
		// Same snapshot, already in flight.
		r.mu.Unlock()
		return nil
	}
	r.marks[conv.ID] = readMark{unread: unread, inflight: true}
	r.mu.Unlock()

	r.cache.SetUnread(view, conv.ID, 0)

	err := r.store.MarkConversationRead(ctx, conv.ID, view.UserID)
	if err != nil {
		r.log.Warn().Err(err).Str("conversation", conv.ID).Msg("mark-as-read failed, rolling back")
		if _, ferr := r.cache.Refresh(ctx, view); ferr != nil {
			r.log.Warn().Err(ferr).Str("conversation", conv.ID).Msg("rollback refetch failed")
		}
		r.mu.Lock()
		delete(r.marks, conv.ID)
		r.mu.Unlock()
		return err
	}

	// Server truth now has the counter at zero; the invalidation makes the
	// next read confirm it instead of trusting the optimistic write.
	r.cache.Invalidate(view)
	r.mu.Lock()
	delete(r.marks, conv.ID)
	r.mu.Unlock()
	return nil
}

// Pending reports whether a mark-as-read is in flight for the
// conversation, for observability and tests.
func (r *ReadStateReconciler) Pending(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marks[conversationID].inflight
}
