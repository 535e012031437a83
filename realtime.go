package classline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for all realtime events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command (WebSocket only).
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// AuthenticatedPayload is sent when a realtime connection is authenticated.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures realtime streams.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event handlers
// ============================================================================

// Handlers routes inbound envelopes to registered callbacks. Every
// registration returns a remove function so consumers can unhook on
// teardown without leaking callbacks across reconnects.
type Handlers struct {
	mu           sync.RWMutex
	nextID       int
	conversation map[int]func(ConversationEvent)
	typing       map[int]func(TypingState)
	presence     map[int]func(PresenceRecord)
	connected    map[int]func()
	disconnected map[int]func(code int, reason string)
	reconnecting map[int]func(attempt int, delay time.Duration)
}

func newHandlers() *Handlers {
	return &Handlers{
		conversation: make(map[int]func(ConversationEvent)),
		typing:       make(map[int]func(TypingState)),
		presence:     make(map[int]func(PresenceRecord)),
		connected:    make(map[int]func()),
		disconnected: make(map[int]func(code int, reason string)),
		reconnecting: make(map[int]func(attempt int, delay time.Duration)),
	}
}

func (h *Handlers) register(put func(id int)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	put(id)
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.conversation, id)
		delete(h.typing, id)
		delete(h.presence, id)
		delete(h.connected, id)
		delete(h.disconnected, id)
		delete(h.reconnecting, id)
		h.mu.Unlock()
	}
}

// OnConversationEvent registers a handler for conversation change events.
func (h *Handlers) OnConversationEvent(fn func(ConversationEvent)) func() {
	return h.register(func(id int) { h.conversation[id] = fn })
}

// OnTyping registers a handler for typing indicators.
func (h *Handlers) OnTyping(fn func(TypingState)) func() {
	return h.register(func(id int) { h.typing[id] = fn })
}

// OnPresence registers a handler for presence broadcasts.
func (h *Handlers) OnPresence(fn func(PresenceRecord)) func() {
	return h.register(func(id int) { h.presence[id] = fn })
}

// OnConnected registers a handler for the connected meta-event.
func (h *Handlers) OnConnected(fn func()) func() {
	return h.register(func(id int) { h.connected[id] = fn })
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (h *Handlers) OnDisconnected(fn func(code int, reason string)) func() {
	return h.register(func(id int) { h.disconnected[id] = fn })
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (h *Handlers) OnReconnecting(fn func(attempt int, delay time.Duration)) func() {
	return h.register(func(id int) { h.reconnecting[id] = fn })
}

func (h *Handlers) dispatch(env Envelope) {
	switch {
	case strings.HasPrefix(env.Type, "conversation.") || env.Type == EventMessageNew:
		var ev ConversationEvent
		if json.Unmarshal(env.Payload, &ev) != nil {
			return
		}
		ev.Type = env.Type
		h.mu.RLock()
		for _, fn := range h.conversation {
			go fn(ev)
		}
		h.mu.RUnlock()
	case env.Type == "typing.indicator":
		var st TypingState
		if json.Unmarshal(env.Payload, &st) != nil {
			return
		}
		h.mu.RLock()
		for _, fn := range h.typing {
			go fn(st)
		}
		h.mu.RUnlock()
	case env.Type == "presence.changed":
		var rec PresenceRecord
		if json.Unmarshal(env.Payload, &rec) != nil {
			return
		}
		h.mu.RLock()
		for _, fn := range h.presence {
			go fn(rec)
		}
		h.mu.RUnlock()
	}
}

func (h *Handlers) emitConnected() {
	h.mu.RLock()
	fns := make([]func(), 0, len(h.connected))
	for _, fn := range h.connected {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		go fn()
	}
}

func (h *Handlers) emitDisconnected(code int, reason string) {
	h.mu.RLock()
	fns := make([]func(int, string), 0, len(h.disconnected))
	for _, fn := range h.disconnected {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		go fn(code, reason)
	}
}

func (h *Handlers) emitReconnecting(attempt int, delay time.Duration) {
	h.mu.RLock()
	fns := make([]func(int, time.Duration), 0, len(h.reconnecting))
	for _, fn := range h.reconnecting {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		go fn(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A minute of stable connection resets the backoff.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient (WebSocket)
// ============================================================================

// RealtimeClient is the WebSocket realtime stream with auto-reconnect and
// heartbeat. It is the broadcast medium for presence and typing and the
// event source feeding the RealtimeEventRouter.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	handlers         *Handlers
	recon            *reconnector
	cancelFn         context.CancelFunc
	seq              int
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
	log              zerolog.Logger
}

// Handlers exposes event registration.
func (rc *RealtimeClient) Handlers() *Handlers {
	return rc.handlers
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Connect establishes the WebSocket connection. The first server frame
// must be an "authenticated" envelope.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, wsURL(rc.baseURL, rc.config.Token), nil)
	if err != nil {
		rc.setDisconnected()
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setDisconnected()
		return fmt.Errorf("read auth message: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setDisconnected()
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateConnected
	rc.mu.Unlock()
	rc.recon.markConnected()
	rc.handlers.emitConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.cancelFn = cancel
	rc.mu.Unlock()

	go rc.readLoop(connCtx)
	go rc.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	rc.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	rc.handlers.emitDisconnected(1000, "client disconnect")
	return nil
}

// SubscribeToConversationEvents opens the per-user event stream, sends the
// subscribe command, and registers fn for inbound conversation events. The
// returned handle must be unsubscribed on teardown.
func (rc *RealtimeClient) SubscribeToConversationEvents(ctx context.Context, partyID string, role Role, fn func(ConversationEvent)) (Subscription, error) {
	if err := rc.Connect(ctx); err != nil {
		return nil, err
	}
	if err := rc.Send(ctx, &Command{
		Type:    "conversation.subscribe",
		Payload: map[string]string{"partyId": partyID, "role": string(role)},
	}); err != nil {
		return nil, err
	}
	remove := rc.handlers.OnConversationEvent(fn)
	return subscriptionFunc(remove), nil
}

// JoinConversation joins a conversation channel for presence and typing.
func (rc *RealtimeClient) JoinConversation(ctx context.Context, conversationID string) error {
	return rc.Send(ctx, &Command{
		Type:    "conversation.join",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// LeaveConversation leaves a conversation channel.
func (rc *RealtimeClient) LeaveConversation(ctx context.Context, conversationID string) error {
	return rc.Send(ctx, &Command{
		Type:    "conversation.leave",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// PublishTyping broadcasts a typing flag. Implements TypingPublisher.
func (rc *RealtimeClient) PublishTyping(ctx context.Context, state TypingState) error {
	return rc.Send(ctx, &Command{Type: "typing.set", Payload: state})
}

// BroadcastPresence broadcasts a presence heartbeat. Implements
// PresencePublisher.
func (rc *RealtimeClient) BroadcastPresence(ctx context.Context, rec PresenceRecord) error {
	return rc.Send(ctx, &Command{Type: "presence.update", Payload: rec})
}

// Send sends a raw command over the WebSocket.
func (rc *RealtimeClient) Send(ctx context.Context, cmd *Command) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (rc *RealtimeClient) Ping(ctx context.Context) error {
	rc.mu.Lock()
	rc.seq++
	requestID := fmt.Sprintf("ping-%d", rc.seq)
	rc.mu.Unlock()

	ch := make(chan PongPayload, 1)
	rc.pendingMu.Lock()
	rc.pendingPings[requestID] = ch
	rc.pendingMu.Unlock()

	drop := func() {
		rc.pendingMu.Lock()
		delete(rc.pendingPings, requestID)
		rc.pendingMu.Unlock()
	}

	if err := rc.Send(ctx, &Command{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	}); err != nil {
		drop()
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(10 * time.Second):
		drop()
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return ctx.Err()
	}
}

func (rc *RealtimeClient) readLoop(ctx context.Context) {
	for {
		rc.mu.Lock()
		conn := rc.conn
		rc.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			rc.mu.Unlock()
			if intentional {
				return
			}

			rc.mu.Lock()
			rc.state = StateDisconnected
			rc.conn = nil
			rc.mu.Unlock()

			rc.handlers.emitDisconnected(0, err.Error())

			if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
				rc.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == "pong" {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				rc.pendingMu.Lock()
				ch, ok := rc.pendingPings[p.RequestID]
				if ok {
					delete(rc.pendingPings, p.RequestID)
				}
				rc.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		rc.handlers.dispatch(env)
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rc.State() != StateConnected {
				return
			}
			if err := rc.Ping(ctx); err != nil {
				rc.log.Debug().Err(err).Msg("heartbeat failed, forcing close")
				rc.mu.Lock()
				conn := rc.conn
				rc.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rc *RealtimeClient) scheduleReconnect() {
	delay := rc.recon.nextDelay()
	rc.mu.Lock()
	rc.state = StateReconnecting
	rc.mu.Unlock()

	rc.handlers.emitReconnecting(rc.recon.attempt, delay)

	time.Sleep(delay)

	if err := rc.Connect(context.Background()); err != nil {
		if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
			rc.scheduleReconnect()
		} else {
			rc.setDisconnected()
		}
	}
}

func (rc *RealtimeClient) setDisconnected() {
	rc.mu.Lock()
	rc.state = StateDisconnected
	rc.mu.Unlock()
}

func (rc *RealtimeClient) clearPendingPings() {
	rc.pendingMu.Lock()
	for k, ch := range rc.pendingPings {
		close(ch)
		delete(rc.pendingPings, k)
	}
	rc.pendingMu.Unlock()
}

// ============================================================================
// SSEClient (server-push only fallback)
// ============================================================================

// SSEClient is an SSE realtime stream with auto-reconnect. It can feed the
// router where WebSockets are unavailable, but carries no outbound
// commands, so presence and typing stay local-only on this transport.
type SSEClient struct {
	baseURL          string
	config           *RealtimeConfig
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	handlers         *Handlers
	recon            *reconnector
	cancelFn         context.CancelFunc
	body             io.ReadCloser
	lastDataTime     time.Time
	log              zerolog.Logger
}

// Handlers exposes event registration.
func (sc *SSEClient) Handlers() *Handlers {
	return sc.handlers
}

// State returns the current connection state.
func (sc *SSEClient) State() RealtimeState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// Connect establishes the SSE connection.
func (sc *SSEClient) Connect(ctx context.Context) error {
	sc.mu.Lock()
	if sc.state == StateConnected || sc.state == StateConnecting {
		sc.mu.Unlock()
		return nil
	}
	sc.state = StateConnecting
	sc.intentionalClose = false
	sc.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, "GET", sc.baseURL+"/sse?token="+sc.config.Token, nil)
	if err != nil {
		sc.setDisconnected()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sc.config.HTTPClient.Do(req)
	if err != nil {
		sc.setDisconnected()
		return fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		sc.setDisconnected()
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sc.mu.Lock()
	sc.state = StateConnected
	sc.lastDataTime = time.Now()
	sc.mu.Unlock()
	sc.recon.markConnected()
	sc.handlers.emitConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	sc.mu.Lock()
	sc.cancelFn = cancel
	sc.body = resp.Body
	sc.mu.Unlock()

	go sc.readLoop(connCtx, resp)
	go sc.watchdog(connCtx)

	return nil
}

// Disconnect closes the SSE connection.
func (sc *SSEClient) Disconnect() error {
	sc.mu.Lock()
	sc.intentionalClose = true
	if sc.cancelFn != nil {
		sc.cancelFn()
		sc.cancelFn = nil
	}
	// Closing the body is what actually unblocks the scanner; the context
	// only covers the goroutines.
	if sc.body != nil {
		sc.body.Close()
		sc.body = nil
	}
	sc.state = StateDisconnected
	sc.mu.Unlock()

	sc.handlers.emitDisconnected(1000, "client disconnect")
	return nil
}

// SubscribeToConversationEvents registers fn for inbound conversation
// events, connecting first if needed.
func (sc *SSEClient) SubscribeToConversationEvents(ctx context.Context, partyID string, role Role, fn func(ConversationEvent)) (Subscription, error) {
	if err := sc.Connect(ctx); err != nil {
		return nil, err
	}
	remove := sc.handlers.OnConversationEvent(fn)
	return subscriptionFunc(remove), nil
}

func (sc *SSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		sc.mu.Lock()
		sc.lastDataTime = time.Now()
		sc.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if strings.HasPrefix(line, "data: ") {
			var env Envelope
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) == nil {
				sc.handlers.dispatch(env)
			}
		}
	}

	sc.mu.Lock()
	intentional := sc.intentionalClose
	sc.mu.Unlock()
	if intentional {
		return
	}

	sc.setDisconnected()
	sc.handlers.emitDisconnected(0, "stream ended")

	if sc.config.AutoReconnect && sc.recon.shouldReconnect() {
		sc.scheduleReconnect()
	}
}

func (sc *SSEClient) watchdog(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.mu.Lock()
			stale := time.Since(sc.lastDataTime) > 45*time.Second
			body := sc.body
			sc.mu.Unlock()
			if stale {
				// Closing the stale body ends the scanner, so the read
				// loop falls through to its reconnect path.
				if body != nil {
					body.Close()
				}
				return
			}
		}
	}
}

func (sc *SSEClient) scheduleReconnect() {
	delay := sc.recon.nextDelay()
	sc.mu.Lock()
	sc.state = StateReconnecting
	sc.mu.Unlock()

	sc.handlers.emitReconnecting(sc.recon.attempt, delay)

	time.Sleep(delay)

	if err := sc.Connect(context.Background()); err != nil {
		if sc.config.AutoReconnect && sc.recon.shouldReconnect() {
			sc.scheduleReconnect()
		} else {
			sc.setDisconnected()
		}
	}
}

func (sc *SSEClient) setDisconnected() {
	sc.mu.Lock()
	sc.state = StateDisconnected
	sc.mu.Unlock()
}

// ============================================================================
// Realtime factory
// ============================================================================

// RealtimeFactory builds realtime streams bound to the client's base URL.
type RealtimeFactory struct{ comms *CommsClient }

func wsURL(baseURL, token string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + token
}

// WSUrl returns the WebSocket URL.
func (f *RealtimeFactory) WSUrl(token string) string {
	return wsURL(f.comms.client.baseURL, token)
}

// SSEUrl returns the SSE URL.
func (f *RealtimeFactory) SSEUrl(token string) string {
	return f.comms.client.baseURL + "/sse?token=" + token
}

// ConnectWS creates a WebSocket stream. Call Connect to establish it.
func (f *RealtimeFactory) ConnectWS(config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		baseURL:      f.comms.client.baseURL,
		config:       &cfg,
		state:        StateDisconnected,
		handlers:     newHandlers(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
		log:          cfg.Logger,
	}
}

// ConnectSSE creates an SSE stream. Call Connect to establish it.
func (f *RealtimeFactory) ConnectSSE(config *RealtimeConfig) *SSEClient {
	cfg := *config
	cfg.defaults()
	return &SSEClient{
		baseURL:  f.comms.client.baseURL,
		config:   &cfg,
		state:    StateDisconnected,
		handlers: newHandlers(),
		recon:    newReconnector(&cfg),
		log:      cfg.Logger,
	}
}

// ============================================================================
// RealtimeEventRouter
// ============================================================================

// RouterOptions configures a RealtimeEventRouter.
type RouterOptions struct {
	// Scopes limits routing to the scopes the current view cares about.
	// Empty means all scopes are relevant.
	Scopes []Scope
	Logger zerolog.Logger
}

// RealtimeEventRouter subscribes to the per-(user, role) event stream and
// maps inbound conversation events onto cache invalidations. One router
// serves a logged-in user's whole role context; routers are never created
// per conversation.
type RealtimeEventRouter struct {
	source EventSource
	cache  *ConversationCache
	userID string
	role   Role
	scopes map[Scope]bool
	log    zerolog.Logger

	mu  sync.Mutex
	sub Subscription
}

// NewRealtimeEventRouter creates a router for one (user, role) pair.
func NewRealtimeEventRouter(source EventSource, cache *ConversationCache, userID string, role Role, opts *RouterOptions) *RealtimeEventRouter {
	r := &RealtimeEventRouter{
		source: source,
		cache:  cache,
		userID: userID,
		role:   role,
		log:    zerolog.Nop(),
	}
	if opts != nil {
		if len(opts.Scopes) > 0 {
			r.scopes = make(map[Scope]bool, len(opts.Scopes))
			for _, s := range opts.Scopes {
				r.scopes[s] = true
			}
		}
		r.log = opts.Logger
	}
	return r
}

// Start opens the event stream. Stop must be called on teardown or the
// stream leaks.
func (r *RealtimeEventRouter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}
	sub, err := r.source.SubscribeToConversationEvents(ctx, r.userID, r.role, r.route)
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// Stop unsubscribes from the event stream.
func (r *RealtimeEventRouter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		r.sub.Unsubscribe()
		r.sub = nil
	}
}

func (r *RealtimeEventRouter) route(ev ConversationEvent) {
	if r.scopes != nil && !r.scopes[ev.Scope] {
		return
	}
	// A conversation this party has deleted is already invisible here.
	if ev.Conversation != nil && ev.Conversation.DeletedFor(r.role) {
		return
	}
	r.log.Debug().Str("type", ev.Type).Str("conversation", ev.ConversationID).
		Str("scope", string(ev.Scope)).Msg("routing conversation event")

	// Status may have changed, so both partitions refetch.
	r.cache.InvalidateBothPartitions(ListView{
		UserID: r.userID,
		Role:   r.role,
		Scope:  ev.Scope,
	})
}
