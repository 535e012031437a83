package classline

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook types
// ============================================================================

// WebhookPayload is the body Classline Cloud POSTs to a registered
// notification endpoint when conversation activity occurs.
type WebhookPayload struct {
	Source       string              `json:"source"`
	Event        string              `json:"event"`
	Timestamp    int64               `json:"timestamp"`
	Conversation WebhookConversation `json:"conversation"`
	Message      *WebhookMessage     `json:"message,omitempty"`
	Actor        WebhookParty        `json:"actor"`
}

// WebhookConversation summarizes the conversation a webhook refers to.
type WebhookConversation struct {
	ID      string `json:"id"`
	Scope   Scope  `json:"scope"`
	Subject string `json:"subject"`
	Status  string `json:"status"`
}

// WebhookMessage carries the message for message.new events.
type WebhookMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	CreatedAt      string `json:"createdAt"`
}

// WebhookParty identifies the party whose action triggered the event.
type WebhookParty struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// WebhookAck is an optional acknowledgement from a webhook handler,
// echoed back in the HTTP response.
type WebhookAck struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// WebhookHandlerFunc is the callback signature for handling webhook
// payloads.
type WebhookHandlerFunc func(payload *WebhookPayload) (*WebhookAck, error)

// ============================================================================
// Signature verification
// ============================================================================

// VerifyWebhookSignature verifies a Classline webhook signature using
// HMAC-SHA256. Uses constant-time comparison.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body into a typed payload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != "classline_comms" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.Conversation.ID == "" || payload.Actor.ID == "" {
		return nil, fmt.Errorf("missing required fields in webhook payload (conversation, actor)")
	}
	if payload.Event == EventMessageNew && payload.Message == nil {
		return nil, fmt.Errorf("message.new payload is missing the message")
	}

	return &payload, nil
}

// ============================================================================
// NotificationWebhook
// ============================================================================

// NotificationWebhook handles Classline webhook verification, parsing,
// and dispatch for an integration endpoint.
type NotificationWebhook struct {
	secret  string
	onEvent WebhookHandlerFunc
}

// NewNotificationWebhook creates a webhook handler.
func NewNotificationWebhook(secret string, onEvent WebhookHandlerFunc) (*NotificationWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &NotificationWebhook{secret: secret, onEvent: onEvent}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *NotificationWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed WebhookPayload.
func (w *NotificationWebhook) Parse(body string) (*WebhookPayload, error) {
	return ParseWebhookPayload(body)
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *NotificationWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	ack, err := w.onEvent(payload)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}

	if ack != nil {
		return http.StatusOK, ack
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := classline.NewNotificationWebhook("secret", handler)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *NotificationWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get("X-Classline-Signature"))

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *NotificationWebhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}
