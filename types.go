package classline

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic response envelope returned by the Classline API.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data payload into v.
func (r *APIResult) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Participants and Scopes
// ============================================================================

// Role identifies which kind of portal user a participant is.
type Role string

const (
	RoleStudent  Role = "student"
	RoleEducator Role = "educator"
	RoleAdmin    Role = "admin"
	RoleLecturer Role = "lecturer"
)

// Scope tags which two roles a conversation connects.
type Scope string

const (
	ScopeStudentEducator Scope = "student-educator"
	ScopeEducatorAdmin   Scope = "educator-admin"
	ScopeLecturerStudent Scope = "lecturer-student"
	ScopeLecturerAdmin   Scope = "lecturer-admin"
)

// Scopes lists every conversation scope the portal supports.
func Scopes() []Scope {
	return []Scope{ScopeStudentEducator, ScopeEducatorAdmin, ScopeLecturerStudent, ScopeLecturerAdmin}
}

// Participant is one side of a conversation.
type Participant struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Name string `json:"name,omitempty"`
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationStatus partitions conversation lists into active and archived.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusArchived ConversationStatus = "archived"
)

// DefaultSubject is used when a conversation is created without a subject.
const DefaultSubject = "General Discussion"

// Conversation is a two-party thread between portal users. Unread counters
// and soft-delete tombstones are tracked per participant role: one side can
// hide or clear a conversation without affecting the other.
type Conversation struct {
	ID                 string             `json:"id"`
	Scope              Scope              `json:"scope"`
	PartyA             Participant        `json:"partyA"`
	PartyB             Participant        `json:"partyB"`
	Subject            string             `json:"subject"`
	LastMessageAt      *time.Time         `json:"lastMessageAt,omitempty"`
	LastMessagePreview string             `json:"lastMessagePreview,omitempty"`
	UnreadCounts       map[Role]int       `json:"unreadCounts,omitempty"`
	DeletedBy          map[Role]bool      `json:"deletedBy,omitempty"`
	Status             ConversationStatus `json:"status"`
	CreatedAt          time.Time          `json:"createdAt"`
}

// UnreadFor returns the unread counter for the given role's side.
func (c *Conversation) UnreadFor(role Role) int {
	if c.UnreadCounts == nil {
		return 0
	}
	return c.UnreadCounts[role]
}

// DeletedFor reports whether the given role's side has soft-deleted the
// conversation.
func (c *Conversation) DeletedFor(role Role) bool {
	if c.DeletedBy == nil {
		return false
	}
	return c.DeletedBy[role]
}

// ParticipantWithRole returns the participant on the given role's side.
func (c *Conversation) ParticipantWithRole(role Role) (Participant, bool) {
	if c.PartyA.Role == role {
		return c.PartyA, true
	}
	if c.PartyB.Role == role {
		return c.PartyB, true
	}
	return Participant{}, false
}

// OtherParty returns the participant that is not selfID.
func (c *Conversation) OtherParty(selfID string) Participant {
	if c.PartyA.ID == selfID {
		return c.PartyB
	}
	return c.PartyA
}

// VisibleTo reports whether the conversation belongs in the given role's
// list for the requested partition: not tombstoned for that role, and
// status matching active/archived.
func (c *Conversation) VisibleTo(role Role, archived bool) bool {
	if c.DeletedFor(role) {
		return false
	}
	if archived {
		return c.Status == StatusArchived
	}
	return c.Status == StatusActive
}

// clone returns a deep copy so cached rows are never aliased by callers.
func (c *Conversation) clone() Conversation {
	out := *c
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		out.LastMessageAt = &at
	}
	if c.UnreadCounts != nil {
		out.UnreadCounts = make(map[Role]int, len(c.UnreadCounts))
		for k, v := range c.UnreadCounts {
			out.UnreadCounts[k] = v
		}
	}
	if c.DeletedBy != nil {
		out.DeletedBy = make(map[Role]bool, len(c.DeletedBy))
		for k, v := range c.DeletedBy {
			out.DeletedBy[k] = v
		}
	}
	return out
}

// ============================================================================
// Messages
// ============================================================================

// Message is a single entry in a conversation's log. Messages are immutable
// after creation except for the IsRead flag, which only moves false→true.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderRole     Role      `json:"senderRole"`
	ReceiverID     string    `json:"receiverId"`
	ReceiverRole   Role      `json:"receiverRole"`
	Text           string    `json:"text"`
	Subject        string    `json:"subject,omitempty"`
	IsRead         bool      `json:"isRead"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SendRequest carries everything the store needs to append a message.
type SendRequest struct {
	ConversationID string      `json:"conversationId"`
	Sender         Participant `json:"sender"`
	Receiver       Participant `json:"receiver"`
	Text           string      `json:"text"`
	Subject        string      `json:"subject,omitempty"`
	ClientID       string      `json:"clientId,omitempty"`
}

// ============================================================================
// Ephemeral state
// ============================================================================

// PresenceRecord is the ephemeral online/offline state broadcast for one
// user on one conversation channel. It lives only as long as the realtime
// connection; nothing durable is derived from it.
type PresenceRecord struct {
	UserID         string    `json:"userId"`
	UserName       string    `json:"userName,omitempty"`
	Role           Role      `json:"role"`
	Status         string    `json:"status"`
	LastSeen       time.Time `json:"lastSeen"`
	ConversationID string    `json:"conversationId,omitempty"`
}

// TypingState is the ephemeral per-conversation typing flag for one user.
type TypingState struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	UserName       string    `json:"userName,omitempty"`
	IsTyping       bool      `json:"isTyping"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ============================================================================
// Notifications
// ============================================================================

// Notification is the fire-and-forget payload handed to the notification
// collaborator when a message is delivered.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Link    string `json:"link,omitempty"`
}

// ============================================================================
// Sessions
// ============================================================================

// Session identifies the logged-in portal user.
type Session struct {
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	Name      string    `json:"name,omitempty"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// ============================================================================
// Realtime events
// ============================================================================

// ConversationEvent is a server-pushed change notification for one
// conversation. Conversation carries the updated row when the server
// includes it; ConversationID and Scope are always set.
type ConversationEvent struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversationId"`
	Scope          Scope         `json:"scope"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	At             time.Time     `json:"at"`
}

// Event type values carried by ConversationEvent.Type.
const (
	EventConversationCreated  = "conversation.created"
	EventConversationUpdated  = "conversation.updated"
	EventConversationArchived = "conversation.archived"
	EventConversationDeleted  = "conversation.deleted"
	EventMessageNew           = "message.new"
)
