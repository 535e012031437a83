package classline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// List views
// ============================================================================

// ListView identifies one cached conversation list: a party looking at one
// scope's active or archived partition.
type ListView struct {
	UserID   string
	Role     Role
	Scope    Scope
	Archived bool
}

// Twin returns the opposite partition of the same view.
func (v ListView) Twin() ListView {
	v.Archived = !v.Archived
	return v
}

// ============================================================================
// Entry states
// ============================================================================

// EntryState is the tagged state of one cached list. Rollback after a
// failed mutation is a state transition back through a refetch, never an
// ad hoc patch of cached rows.
type EntryState int

const (
	EntryIdle EntryState = iota
	EntryLoading
	EntryReady
	EntryOptimistic
	EntryError
)

func (s EntryState) String() string {
	switch s {
	case EntryIdle:
		return "idle"
	case EntryLoading:
		return "loading"
	case EntryReady:
		return "ready"
	case EntryOptimistic:
		return "optimistic"
	case EntryError:
		return "error"
	}
	return "unknown"
}

type cacheEntry struct {
	state         EntryState
	conversations []Conversation
	fetchedAt     time.Time
	err           error

	// gen fences in-flight refetches: every mutation or invalidation bumps
	// it, and a fetch started under an older gen discards its response
	// instead of clobbering newer optimistic state.
	gen uint64

	// pendingDelete hides rows that are optimistically deleted while the
	// remote call is still in flight, so a concurrently resolving refetch
	// cannot resurrect them.
	pendingDelete map[string]bool
}

// ============================================================================
// ConversationCache
// ============================================================================

// DefaultCacheTTL is the staleness window for cached conversation lists.
// Refreshes are otherwise push-driven via the RealtimeEventRouter; the
// cache never polls.
const DefaultCacheTTL = 30 * time.Second

// CacheOptions configures a ConversationCache.
type CacheOptions struct {
	TTL    time.Duration
	Logger zerolog.Logger
	Now    func() time.Time
}

// ConversationCache is the shared read-through projection of conversation
// lists, keyed by (user, role, scope, partition). Every component of the
// sync core reads and writes through it, so an invalidation in one place
// is visible everywhere.
type ConversationCache struct {
	mu      sync.Mutex
	store   RemoteStore
	ttl     time.Duration
	entries map[ListView]*cacheEntry
	now     func() time.Time
	log     zerolog.Logger
}

// NewConversationCache creates a cache backed by the given store.
func NewConversationCache(store RemoteStore, opts *CacheOptions) *ConversationCache {
	c := &ConversationCache{
		store:   store,
		ttl:     DefaultCacheTTL,
		entries: make(map[ListView]*cacheEntry),
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	if opts != nil {
		if opts.TTL > 0 {
			c.ttl = opts.TTL
		}
		if opts.Now != nil {
			c.now = opts.Now
		}
		c.log = opts.Logger
	}
	return c
}

func (c *ConversationCache) entry(view ListView) *cacheEntry {
	e := c.entries[view]
	if e == nil {
		e = &cacheEntry{pendingDelete: make(map[string]bool)}
		c.entries[view] = e
	}
	return e
}

// List returns the view's conversations ordered by last activity, newest
// first, conversations that have never had a message last. Cached results
// are served inside the staleness window; otherwise the list is refetched
// from the store.
func (c *ConversationCache) List(ctx context.Context, view ListView) ([]Conversation, error) {
	c.mu.Lock()
	e := c.entry(view)
	if (e.state == EntryReady || e.state == EntryOptimistic) && c.now().Sub(e.fetchedAt) < c.ttl {
		out := snapshot(e)
		c.mu.Unlock()
		return out, nil
	}
	gen := e.gen
	if e.state == EntryIdle || e.state == EntryError {
		e.state = EntryLoading
	}
	c.mu.Unlock()

	convs, err := c.store.ListConversations(ctx, view.UserID, view.Role, view.Archived)

	c.mu.Lock()
	defer c.mu.Unlock()
	e = c.entry(view)
	if e.gen != gen {
		// A mutation landed while this fetch was in flight; its response is
		// stale. Serve the current (optimistic) state untouched.
		c.log.Debug().Str("scope", string(view.Scope)).Bool("archived", view.Archived).
			Msg("discarding stale list response")
		return snapshot(e), nil
	}
	if err != nil {
		e.state = EntryError
		e.err = err
		return nil, err
	}
	e.conversations = filterAndSort(convs, view)
	e.state = EntryReady
	e.err = nil
	e.fetchedAt = c.now()
	return snapshot(e), nil
}

// Invalidate forces the next List call for the view to refetch. Existing
// rows stay readable until the refetch replaces them.
func (c *ConversationCache) Invalidate(view ListView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(view)
	e.gen++
	e.fetchedAt = time.Time{}
}

// InvalidateBothPartitions invalidates the view's active and archived
// lists. Lifecycle changes move rows between partitions, so routed events
// always hit both.
func (c *ConversationCache) InvalidateBothPartitions(view ListView) {
	c.Invalidate(view)
	c.Invalidate(view.Twin())
}

// Refresh invalidates and immediately refetches the view.
func (c *ConversationCache) Refresh(ctx context.Context, view ListView) ([]Conversation, error) {
	c.Invalidate(view)
	return c.List(ctx, view)
}

// MarkStaleAll flags every cached list as stale. Called when the portal
// regains foreground focus so the next reads reconcile with the server.
func (c *ConversationCache) MarkStaleAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.fetchedAt = time.Time{}
	}
}

// State reports the view's current entry state.
func (c *ConversationCache) State(view ListView) EntryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[view]; ok {
		return e.state
	}
	return EntryIdle
}

// Peek returns the cached rows without touching the store, for UI layers
// that render whatever is available while a refetch runs.
func (c *ConversationCache) Peek(view ListView) []Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[view]; ok {
		return snapshot(e)
	}
	return nil
}

// ============================================================================
// Mutators used by the sync components
// ============================================================================

// SetUnread optimistically writes the view role's unread counter for one
// conversation. The entry moves to the optimistic state and its generation
// is bumped so in-flight refetches cannot undo the write.
func (c *ConversationCache) SetUnread(view ListView, conversationID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(view)
	for i := range e.conversations {
		if e.conversations[i].ID != conversationID {
			continue
		}
		if e.conversations[i].UnreadCounts == nil {
			e.conversations[i].UnreadCounts = make(map[Role]int)
		}
		e.conversations[i].UnreadCounts[view.Role] = n
		e.state = EntryOptimistic
		e.gen++
		return
	}
}

// TouchPreview writes a confirmed send's denormalized preview into the
// cached row and moves it to the top. This is server truth, not a guess,
// so the entry stays ready; the generation still advances to fence any
// refetch that predates the send.
func (c *ConversationCache) TouchPreview(view ListView, conversationID, preview string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(view)
	for i := range e.conversations {
		if e.conversations[i].ID != conversationID {
			continue
		}
		t := at
		e.conversations[i].LastMessagePreview = preview
		e.conversations[i].LastMessageAt = &t
		e.gen++
		sortConversations(e.conversations)
		return
	}
}

// MarkPendingDelete hides a conversation from the view before its delete
// mutation resolves, and fences any refetch already in flight.
func (c *ConversationCache) MarkPendingDelete(view ListView, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(view)
	e.pendingDelete[conversationID] = true
	e.state = EntryOptimistic
	e.gen++
}

// ClearPendingDelete reverts MarkPendingDelete after a failed mutation.
func (c *ConversationCache) ClearPendingDelete(view ListView, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(view)
	delete(e.pendingDelete, conversationID)
	e.gen++
}

// RemoveConversation drops a row permanently after a confirmed delete.
func (c *ConversationCache) RemoveConversation(view ListView, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(view)
	delete(e.pendingDelete, conversationID)
	kept := e.conversations[:0]
	for _, conv := range e.conversations {
		if conv.ID != conversationID {
			kept = append(kept, conv)
		}
	}
	e.conversations = kept
	if e.state == EntryOptimistic && len(e.pendingDelete) == 0 {
		e.state = EntryReady
	}
	e.gen++
}

// ============================================================================
// Helpers
// ============================================================================

func snapshot(e *cacheEntry) []Conversation {
	out := make([]Conversation, 0, len(e.conversations))
	for i := range e.conversations {
		if e.pendingDelete[e.conversations[i].ID] {
			continue
		}
		out = append(out, e.conversations[i].clone())
	}
	return out
}

// filterAndSort applies the inclusion rule (matching scope, not tombstoned
// for the viewing role, status matching the partition) and the canonical
// ordering.
func filterAndSort(convs []Conversation, view ListView) []Conversation {
	out := make([]Conversation, 0, len(convs))
	for i := range convs {
		if convs[i].Scope != view.Scope {
			continue
		}
		if !convs[i].VisibleTo(view.Role, view.Archived) {
			continue
		}
		out = append(out, convs[i].clone())
	}
	sortConversations(out)
	return out
}

func sortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i].LastMessageAt, convs[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return convs[i].CreatedAt.After(convs[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}
