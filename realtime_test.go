package classline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestHandlersDispatchConversationEvent(t *testing.T) {
	h := newHandlers()
	got := make(chan ConversationEvent, 1)
	h.OnConversationEvent(func(ev ConversationEvent) { got <- ev })

	h.dispatch(Envelope{
		Type: EventMessageNew,
		Payload: mustMarshal(t, ConversationEvent{
			ConversationID: "conv-1",
			Scope:          ScopeStudentEducator,
		}),
	})

	select {
	case ev := <-got:
		if ev.Type != EventMessageNew {
			t.Errorf("event type = %q, want %q", ev.Type, EventMessageNew)
		}
		if ev.ConversationID != "conv-1" {
			t.Errorf("conversationId = %q, want conv-1", ev.ConversationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestHandlersDispatchLifecycleEvents(t *testing.T) {
	h := newHandlers()
	got := make(chan string, 4)
	h.OnConversationEvent(func(ev ConversationEvent) { got <- ev.Type })

	for _, typ := range []string{
		EventConversationCreated,
		EventConversationUpdated,
		EventConversationArchived,
		EventConversationDeleted,
	} {
		h.dispatch(Envelope{Type: typ, Payload: mustMarshal(t, ConversationEvent{ConversationID: "conv-1"})})
		select {
		case seen := <-got:
			if seen != typ {
				t.Errorf("dispatched %q, handler saw %q", typ, seen)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("handler never invoked for %q", typ)
		}
	}
}

func TestHandlersDispatchTypingAndPresence(t *testing.T) {
	h := newHandlers()
	typing := make(chan TypingState, 1)
	presence := make(chan PresenceRecord, 1)
	h.OnTyping(func(st TypingState) { typing <- st })
	h.OnPresence(func(rec PresenceRecord) { presence <- rec })

	h.dispatch(Envelope{
		Type:    "typing.indicator",
		Payload: mustMarshal(t, TypingState{ConversationID: "conv-1", UserID: "edu-1", IsTyping: true}),
	})
	h.dispatch(Envelope{
		Type:    "presence.changed",
		Payload: mustMarshal(t, PresenceRecord{UserID: "edu-1", Status: "online"}),
	})

	select {
	case st := <-typing:
		if !st.IsTyping || st.UserID != "edu-1" {
			t.Errorf("typing state = %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("typing handler never invoked")
	}
	select {
	case rec := <-presence:
		if rec.Status != "online" {
			t.Errorf("presence record = %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("presence handler never invoked")
	}
}

func TestHandlersRemoveUnhooks(t *testing.T) {
	h := newHandlers()
	got := make(chan ConversationEvent, 1)
	remove := h.OnConversationEvent(func(ev ConversationEvent) { got <- ev })
	remove()

	h.dispatch(Envelope{Type: EventMessageNew, Payload: mustMarshal(t, ConversationEvent{ConversationID: "conv-1"})})

	select {
	case ev := <-got:
		t.Errorf("removed handler invoked with %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandlersIgnoreUnknownAndMalformed(t *testing.T) {
	h := newHandlers()
	got := make(chan ConversationEvent, 1)
	h.OnConversationEvent(func(ev ConversationEvent) { got <- ev })

	h.dispatch(Envelope{Type: "billing.invoice", Payload: mustMarshal(t, ConversationEvent{ConversationID: "conv-1"})})
	h.dispatch(Envelope{Type: EventMessageNew, Payload: json.RawMessage(`{broken`)})

	select {
	case ev := <-got:
		t.Errorf("handler invoked for noise: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectorBackoff(t *testing.T) {
	cfg := &RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    400 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
	cfg.defaults()
	r := newReconnector(cfg)

	if !r.shouldReconnect() {
		t.Fatal("fresh reconnector must allow an attempt")
	}

	var prev time.Duration
	for i := 0; i < 3; i++ {
		d := r.nextDelay()
		if d < prev && d != cfg.ReconnectMaxDelay {
			t.Errorf("attempt %d delay %v shrank below %v before hitting the cap", i, d, prev)
		}
		if d > cfg.ReconnectMaxDelay {
			t.Errorf("attempt %d delay %v exceeds the cap %v", i, d, cfg.ReconnectMaxDelay)
		}
		floor := cfg.ReconnectBaseDelay << i
		if floor > cfg.ReconnectMaxDelay {
			floor = cfg.ReconnectMaxDelay
		}
		if d < floor {
			t.Errorf("attempt %d delay %v below the exponential floor %v", i, d, floor)
		}
		prev = d
	}

	if r.shouldReconnect() {
		t.Error("attempts exhausted, reconnector must give up")
	}
}

func TestReconnectorUnlimitedAttempts(t *testing.T) {
	r := &reconnector{baseDelay: time.Millisecond, maxDelay: time.Millisecond}
	for i := 0; i < 50; i++ {
		r.nextDelay()
	}
	if !r.shouldReconnect() {
		t.Error("zero maxAttempts means reconnect forever")
	}
}

func TestWSURLSchemeReplacement(t *testing.T) {
	cases := []struct {
		base, want string
	}{
		{"https://api.classline.cloud", "wss://api.classline.cloud/ws?token=tok"},
		{"http://localhost:8080", "ws://localhost:8080/ws?token=tok"},
	}
	for _, tc := range cases {
		if got := wsURL(tc.base, "tok"); got != tc.want {
			t.Errorf("wsURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

// wsTestServer accepts one realtime connection, sends the authenticated
// frame, answers pings, and pushes any envelope written to its push
// channel.
func wsTestServer(t *testing.T) (*httptest.Server, chan Envelope) {
	t.Helper()
	push := make(chan Envelope, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		auth := `{"type":"authenticated","payload":{"userId":"stu-1","role":"student"}}`
		if err := conn.Write(ctx, websocket.MessageText, []byte(auth)); err != nil {
			return
		}

		inbound := make(chan []byte, 8)
		go func() {
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					close(inbound)
					return
				}
				inbound <- data
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case env := <-push:
				data, _ := json.Marshal(env)
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					return
				}
			case data, ok := <-inbound:
				if !ok {
					return
				}
				var cmd struct {
					Type    string            `json:"type"`
					Payload map[string]string `json:"payload"`
				}
				if json.Unmarshal(data, &cmd) != nil || cmd.Type != "ping" {
					continue
				}
				pong, _ := json.Marshal(Envelope{
					Type:    "pong",
					Payload: mustMarshal(t, PongPayload{RequestID: cmd.Payload["requestId"]}),
				})
				if err := conn.Write(ctx, websocket.MessageText, pong); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, push
}

func TestRealtimeClientConnectPingAndEvents(t *testing.T) {
	srv, push := wsTestServer(t)

	client := NewClient("tok", WithBaseURL(srv.URL))
	rc := client.Comms().Realtime.ConnectWS(&RealtimeConfig{Token: "tok"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan ConversationEvent, 1)
	sub, err := rc.SubscribeToConversationEvents(ctx, "stu-1", RoleStudent, func(ev ConversationEvent) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("SubscribeToConversationEvents failed: %v", err)
	}
	defer rc.Disconnect()
	defer sub.Unsubscribe()

	if got := rc.State(); got != StateConnected {
		t.Fatalf("state = %s after subscribe, want %s", got, StateConnected)
	}

	if err := rc.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	push <- Envelope{
		Type:    EventMessageNew,
		Payload: mustMarshal(t, ConversationEvent{ConversationID: "conv-1", Scope: ScopeStudentEducator}),
	}

	select {
	case ev := <-events:
		if ev.ConversationID != "conv-1" || ev.Type != EventMessageNew {
			t.Errorf("event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the pushed event")
	}
}

func TestRealtimeClientSendWhenDisconnected(t *testing.T) {
	srv, _ := wsTestServer(t)

	client := NewClient("tok", WithBaseURL(srv.URL))
	rc := client.Comms().Realtime.ConnectWS(&RealtimeConfig{Token: "tok"})

	err := rc.Send(context.Background(), &Command{Type: "ping"})
	if err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestSSEDisconnectClosesStream(t *testing.T) {
	handlerDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sse" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		// Block until the client tears the stream down.
		<-r.Context().Done()
		close(handlerDone)
	}))
	t.Cleanup(srv.Close)

	client := NewClient("tok", WithBaseURL(srv.URL))
	sse := client.Comms().Realtime.ConnectSSE(&RealtimeConfig{Token: "tok"})
	if err := sse.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if sse.State() != StateConnected {
		t.Fatalf("state = %v, want connected", sse.State())
	}

	if err := sse.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	// Disconnect closes the response body, which the server observes as
	// the request ending. A cancelled context alone would leave the
	// scanner blocked and this select would time out.
	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after Disconnect")
	}
	if sse.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", sse.State())
	}
}

// routerFixture wires a router directly over the in-memory store, whose
// synchronous event delivery makes the invalidation observable without
// sleeping.
func routerFixture(t *testing.T, opts *RouterOptions) (*RealtimeEventRouter, *ConversationCache, *flakyStore, *MemoryStore, *Conversation) {
	t.Helper()
	mem := NewMemoryStore()
	conv := seedConversation(t, mem)
	flaky := &flakyStore{inner: mem}
	cache := NewConversationCache(flaky, nil)
	router := NewRealtimeEventRouter(mem, cache, testStudent.ID, RoleStudent, opts)
	if err := router.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(router.Stop)
	return router, cache, flaky, mem, conv
}

func TestRouterInvalidatesOnMessageEvent(t *testing.T) {
	_, cache, flaky, mem, conv := routerFixture(t, nil)
	ctx := context.Background()
	view := studentView(ScopeStudentEducator, false)

	if _, err := cache.List(ctx, view); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if _, err := cache.List(ctx, view); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if lists, _ := flaky.counts(); lists != 1 {
		t.Fatalf("warm cache issued %d fetches, want 1", lists)
	}

	if _, err := mem.SendMessage(ctx, SendRequest{
		ConversationID: conv.ID, Sender: testEducator, Receiver: testStudent, Text: "quiz Friday",
	}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	rows, err := cache.List(ctx, view)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if lists, _ := flaky.counts(); lists != 2 {
		t.Fatalf("invalidated cache issued %d fetches, want 2", lists)
	}
	if rows[0].UnreadFor(RoleStudent) != 1 {
		t.Errorf("refetched unread = %d, want 1", rows[0].UnreadFor(RoleStudent))
	}
}

func TestRouterScopeFilter(t *testing.T) {
	_, cache, flaky, mem, _ := routerFixture(t, &RouterOptions{Scopes: []Scope{ScopeStudentEducator}})
	ctx := context.Background()
	view := studentView(ScopeStudentEducator, false)

	if _, err := cache.List(ctx, view); err != nil {
		t.Fatalf("List failed: %v", err)
	}

	// Activity in a different scope must not disturb this view.
	lecturer := Participant{ID: "lec-1", Role: RoleLecturer, Name: "Dr. Vos"}
	other, err := mem.GetOrCreateConversation(ctx, testStudent, lecturer, ScopeLecturerStudent, "Thesis")
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	if _, err := mem.SendMessage(ctx, SendRequest{
		ConversationID: other.ID, Sender: lecturer, Receiver: testStudent, Text: "draft comments",
	}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if _, err := cache.List(ctx, view); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if lists, _ := flaky.counts(); lists != 1 {
		t.Errorf("foreign-scope event caused a refetch: %d fetches, want 1", lists)
	}
}

func TestRouterDropsEventsForDeletedConversations(t *testing.T) {
	_, cache, flaky, mem, conv := routerFixture(t, nil)
	ctx := context.Background()
	view := studentView(ScopeStudentEducator, false)

	if err := mem.DeleteConversationForParty(ctx, conv.ID, testStudent.ID, RoleStudent); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := cache.List(ctx, view); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	baseline, _ := flaky.counts()

	// The other party keeps messaging; this side already hid the thread.
	if _, err := mem.SendMessage(ctx, SendRequest{
		ConversationID: conv.ID, Sender: testEducator, Receiver: testStudent, Text: "are you there?",
	}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if _, err := cache.List(ctx, view); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if lists, _ := flaky.counts(); lists != baseline {
		t.Errorf("event on a deleted conversation caused a refetch: %d fetches, want %d", lists, baseline)
	}
}

func TestRouterStartIdempotentStopUnsubscribes(t *testing.T) {
	router, cache, flaky, mem, conv := routerFixture(t, nil)
	ctx := context.Background()
	view := studentView(ScopeStudentEducator, false)

	// A second Start must not register a second subscription.
	if err := router.Start(ctx); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	if _, err := cache.List(ctx, view); err != nil {
		t.Fatalf("List failed: %v", err)
	}

	router.Stop()
	router.Stop() // idempotent

	if _, err := mem.SendMessage(ctx, SendRequest{
		ConversationID: conv.ID, Sender: testEducator, Receiver: testStudent, Text: "after stop",
	}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if _, err := cache.List(ctx, view); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if lists, _ := flaky.counts(); lists != 1 {
		t.Errorf("stopped router still invalidated: %d fetches, want 1", lists)
	}
}
