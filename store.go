package classline

import (
	"context"
	"errors"
	"strconv"
)

// ============================================================================
// Remote store contract
// ============================================================================

// RemoteStore is the typed query/mutate surface the synchronization core
// consumes. The hosted backend owns the data; the core only holds caches.
type RemoteStore interface {
	ListConversations(ctx context.Context, partyID string, role Role, archived bool) ([]Conversation, error)
	GetOrCreateConversation(ctx context.Context, partyA, partyB Participant, scope Scope, subject string) (*Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	SendMessage(ctx context.Context, req SendRequest) (*Message, error)
	MarkConversationRead(ctx context.Context, conversationID, partyID string) error
	ArchiveConversation(ctx context.Context, conversationID string) error
	UnarchiveConversation(ctx context.Context, conversationID string) error
	DeleteConversationForParty(ctx context.Context, conversationID, partyID string, role Role) error
}

// EventSource delivers server-pushed conversation events for one user.
type EventSource interface {
	SubscribeToConversationEvents(ctx context.Context, partyID string, role Role, fn func(ConversationEvent)) (Subscription, error)
}

// Subscription is a handle for an open event stream. Unsubscribe must be
// called on teardown or the stream leaks.
type Subscription interface {
	Unsubscribe()
}

type subscriptionFunc func()

func (f subscriptionFunc) Unsubscribe() { f() }

// Notifier is the fire-and-forget notification collaborator. Failures are
// best-effort and never affect the operation that triggered them.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// AuthProvider is the session collaborator consumed by the core.
type AuthProvider interface {
	CurrentUser(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
}

// ============================================================================
// Comms Client (HTTP-backed RemoteStore)
// ============================================================================

// CommsClient provides access to the conversation API. It implements
// RemoteStore over HTTPS; realtime subscriptions are served by the
// Realtime factory.
type CommsClient struct {
	client *Client

	Account       *AccountClient
	Notifications *NotificationsClient
	Realtime      *RealtimeFactory
}

func newCommsClient(c *Client) *CommsClient {
	cc := &CommsClient{client: c}
	cc.Account = &AccountClient{comms: cc}
	cc.Notifications = &NotificationsClient{comms: cc}
	cc.Realtime = &RealtimeFactory{comms: cc}
	return cc
}

func (cc *CommsClient) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	return cc.client.callWithAuth(ctx, method, path, body, query)
}

// errFromResult converts a non-OK envelope into an error.
func errFromResult(res *APIResult, fallback string) error {
	if res.OK {
		return nil
	}
	if res.Error != nil {
		return res.Error
	}
	return errors.New(fallback)
}

// Health checks comms service health.
func (cc *CommsClient) Health(ctx context.Context) (*APIResult, error) {
	return cc.do(ctx, "GET", "/api/comms/health", nil, nil)
}

// ListConversations returns the party's conversations for one partition.
// The server already excludes conversations the party has soft-deleted;
// the cache applies the same rule again so a stale row can never leak
// through an invalidation window.
func (cc *CommsClient) ListConversations(ctx context.Context, partyID string, role Role, archived bool) ([]Conversation, error) {
	res, err := cc.do(ctx, "GET", "/api/comms/conversations", nil, map[string]string{
		"partyId":  partyID,
		"role":     string(role),
		"archived": strconv.FormatBool(archived),
	})
	if err != nil {
		return nil, err
	}
	if err := errFromResult(res, "classline: list conversations failed"); err != nil {
		return nil, err
	}
	var out []Conversation
	if err := res.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrCreateConversation finds the conversation between two parties in a
// scope, creating it with the given subject if it does not exist.
func (cc *CommsClient) GetOrCreateConversation(ctx context.Context, partyA, partyB Participant, scope Scope, subject string) (*Conversation, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	res, err := cc.do(ctx, "POST", "/api/comms/conversations", map[string]interface{}{
		"partyA":  partyA,
		"partyB":  partyB,
		"scope":   scope,
		"subject": subject,
	}, nil)
	if err != nil {
		return nil, err
	}
	if err := errFromResult(res, "classline: get-or-create conversation failed"); err != nil {
		return nil, err
	}
	var out Conversation
	if err := res.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages returns the conversation's message log, ascending by
// creation time.
func (cc *CommsClient) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	res, err := cc.do(ctx, "GET", "/api/comms/conversations/"+conversationID+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := errFromResult(res, "classline: list messages failed"); err != nil {
		return nil, err
	}
	var out []Message
	if err := res.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage appends a message. The receiver's unread counter and the
// conversation preview are updated server-side.
func (cc *CommsClient) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	res, err := cc.do(ctx, "POST", "/api/comms/conversations/"+req.ConversationID+"/messages", req, nil)
	if err != nil {
		return nil, err
	}
	if err := errFromResult(res, "classline: send message failed"); err != nil {
		return nil, err
	}
	var out Message
	if err := res.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkConversationRead zeroes the party's unread counter.
func (cc *CommsClient) MarkConversationRead(ctx context.Context, conversationID, partyID string) error {
	res, err := cc.do(ctx, "POST", "/api/comms/conversations/"+conversationID+"/read", map[string]string{
		"partyId": partyID,
	}, nil)
	if err != nil {
		return err
	}
	return errFromResult(res, "classline: mark read failed")
}

// ArchiveConversation moves the conversation to the archived partition.
func (cc *CommsClient) ArchiveConversation(ctx context.Context, conversationID string) error {
	res, err := cc.do(ctx, "POST", "/api/comms/conversations/"+conversationID+"/archive", nil, nil)
	if err != nil {
		return err
	}
	return errFromResult(res, "classline: archive failed")
}

// UnarchiveConversation moves the conversation back to the active partition.
func (cc *CommsClient) UnarchiveConversation(ctx context.Context, conversationID string) error {
	res, err := cc.do(ctx, "POST", "/api/comms/conversations/"+conversationID+"/unarchive", nil, nil)
	if err != nil {
		return err
	}
	return errFromResult(res, "classline: unarchive failed")
}

// DeleteConversationForParty sets the party's soft-delete tombstone. The
// record survives until both parties have deleted their side.
func (cc *CommsClient) DeleteConversationForParty(ctx context.Context, conversationID, partyID string, role Role) error {
	res, err := cc.do(ctx, "DELETE", "/api/comms/conversations/"+conversationID, nil, map[string]string{
		"partyId": partyID,
		"role":    string(role),
	})
	if err != nil {
		return err
	}
	return errFromResult(res, "classline: delete failed")
}

// ============================================================================
// Notifications sub-client
// ============================================================================

// NotificationsClient dispatches portal notifications. Delivery is
// best-effort; callers in the sync core ignore failures.
type NotificationsClient struct{ comms *CommsClient }

func (n *NotificationsClient) Notify(ctx context.Context, userID string, notif Notification) error {
	res, err := n.comms.do(ctx, "POST", "/api/comms/notifications", map[string]interface{}{
		"userId":  userID,
		"title":   notif.Title,
		"message": notif.Message,
		"type":    notif.Type,
		"link":    notif.Link,
	}, nil)
	if err != nil {
		return err
	}
	return errFromResult(res, "classline: notify failed")
}
