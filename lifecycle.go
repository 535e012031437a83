package classline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Selection
// ============================================================================

// selection tracks which conversation is the active chat. Lifecycle
// mutations deselect it first: an archived or deleted conversation cannot
// remain open.
type selection struct {
	mu      sync.Mutex
	current string
}

func (s *selection) set(conversationID string) {
	s.mu.Lock()
	s.current = conversationID
	s.mu.Unlock()
}

func (s *selection) get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// clearIf deselects when the given conversation is the active one.
func (s *selection) clearIf(conversationID string) {
	s.mu.Lock()
	if s.current == conversationID {
		s.current = ""
	}
	s.mu.Unlock()
}

// ============================================================================
// LifecycleController
// ============================================================================

// LifecycleController runs the archive/unarchive and delete-for-party
// flows as optimistic mutations with refetch-based rollback.
//
// Concurrent archive and delete on the same conversation resolve
// last-write-wins: each mutation bumps the cache generation before its
// optimistic write, and whichever resolves last issues the final refetch
// carrying the authoritative row. No merge is attempted.
type LifecycleController struct {
	store RemoteStore
	cache *ConversationCache
	sel   *selection
	log   zerolog.Logger
}

// NewLifecycleController creates a controller sharing the cache and the
// active-chat selection.
func NewLifecycleController(store RemoteStore, cache *ConversationCache, sel *selection, log zerolog.Logger) *LifecycleController {
	if sel == nil {
		sel = &selection{}
	}
	return &LifecycleController{store: store, cache: cache, sel: sel, log: log}
}

// Archive moves the conversation to the archived partition. Both
// partitions are refetched on completion, on error too, so the UI
// resynchronizes with server truth instead of trusting a local guess.
func (lc *LifecycleController) Archive(ctx context.Context, view ListView, conversationID string) error {
	return lc.setStatus(ctx, view, conversationID, true)
}

// Unarchive moves the conversation back to the active partition.
func (lc *LifecycleController) Unarchive(ctx context.Context, view ListView, conversationID string) error {
	return lc.setStatus(ctx, view, conversationID, false)
}

func (lc *LifecycleController) setStatus(ctx context.Context, view ListView, conversationID string, archive bool) error {
	lc.sel.clearIf(conversationID)

	var err error
	if archive {
		err = lc.store.ArchiveConversation(ctx, conversationID)
	} else {
		err = lc.store.UnarchiveConversation(ctx, conversationID)
	}
	if err != nil {
		lc.log.Warn().Err(err).Str("conversation", conversationID).Bool("archive", archive).
			Msg("status change failed, resynchronizing")
	}

	// The row moves between partitions, so both lists refetch regardless
	// of the outcome.
	if _, ferr := lc.cache.Refresh(ctx, view); ferr != nil && err == nil {
		err = ferr
	}
	if _, ferr := lc.cache.Refresh(ctx, view.Twin()); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// Delete sets the viewing party's soft-delete tombstone. The row is hidden
// optimistically before the network call resolves; refetches already in
// flight are fenced out so a stale response cannot resurrect it. confirmed
// must carry the result of the user-facing confirmation step; the flow
// refuses to start without it.
func (lc *LifecycleController) Delete(ctx context.Context, view ListView, conversationID string, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}

	lc.sel.clearIf(conversationID)
	lc.cache.MarkPendingDelete(view, conversationID)

	if err := lc.store.DeleteConversationForParty(ctx, conversationID, view.UserID, view.Role); err != nil {
		lc.log.Warn().Err(err).Str("conversation", conversationID).Msg("delete failed, reverting")
		lc.cache.ClearPendingDelete(view, conversationID)
		if _, ferr := lc.cache.Refresh(ctx, view); ferr != nil {
			lc.log.Warn().Err(ferr).Str("conversation", conversationID).Msg("revert refetch failed")
		}
		return err
	}

	lc.cache.RemoveConversation(view, conversationID)
	return nil
}
