package classline

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeTypingPublisher struct {
	mu     sync.Mutex
	states []TypingState
}

func (p *fakeTypingPublisher) PublishTyping(ctx context.Context, state TypingState) error {
	p.mu.Lock()
	p.states = append(p.states, state)
	p.mu.Unlock()
	return nil
}

func (p *fakeTypingPublisher) published() []TypingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TypingState(nil), p.states...)
}

func typingFixture() (*TypingBroadcaster, *fakeTypingPublisher, *testClock) {
	clock := newTestClock()
	pub := &fakeTypingPublisher{}
	b := NewTypingBroadcaster(pub, testStudent.ID, &TypingOptions{Now: clock.Now})
	return b, pub, clock
}

func TestTypingSetTypingPublishes(t *testing.T) {
	b, pub, clock := typingFixture()

	if err := b.SetTyping(context.Background(), "conv-1", true); err != nil {
		t.Fatalf("SetTyping failed: %v", err)
	}
	if err := b.SetTyping(context.Background(), "conv-1", false); err != nil {
		t.Fatalf("SetTyping failed: %v", err)
	}

	got := pub.published()
	if len(got) != 2 {
		t.Fatalf("published %d states, want 2", len(got))
	}
	if got[0].UserID != testStudent.ID || !got[0].IsTyping {
		t.Errorf("first publish = %+v, want typing=true from self", got[0])
	}
	if got[1].IsTyping {
		t.Error("second publish must clear the flag")
	}
	if !got[0].UpdatedAt.Equal(clock.Now()) {
		t.Errorf("publish timestamp = %v, want %v", got[0].UpdatedAt, clock.Now())
	}
}

func TestTypingObserveOtherParty(t *testing.T) {
	b, _, clock := typingFixture()

	b.Observe(TypingState{ConversationID: "conv-1", UserID: testEducator.ID, UserName: testEducator.Name, IsTyping: true, UpdatedAt: clock.Now()})

	if !b.IsAnyoneTyping("conv-1") {
		t.Fatal("fresh typing flag not reported")
	}
	if b.IsAnyoneTyping("conv-2") {
		t.Error("typing leaked across conversations")
	}
	if got, want := b.TypingText("conv-1"), testEducator.Name+" is typing..."; got != want {
		t.Errorf("TypingText = %q, want %q", got, want)
	}
}

func TestTypingNeverEchoesSelf(t *testing.T) {
	b, _, clock := typingFixture()

	b.Observe(TypingState{ConversationID: "conv-1", UserID: testStudent.ID, IsTyping: true, UpdatedAt: clock.Now()})

	if b.IsAnyoneTyping("conv-1") {
		t.Error("the local user's own flag must never be reported")
	}
	if got := b.TypingText("conv-1"); got != "" {
		t.Errorf("TypingText = %q, want empty", got)
	}
}

func TestTypingIdleExpiry(t *testing.T) {
	b, _, clock := typingFixture()

	b.Observe(TypingState{ConversationID: "conv-1", UserID: testEducator.ID, IsTyping: true, UpdatedAt: clock.Now()})

	clock.Advance(DefaultTypingIdle - time.Second)
	if !b.IsAnyoneTyping("conv-1") {
		t.Error("flag expired inside the idle window")
	}

	clock.Advance(2 * time.Second)
	if b.IsAnyoneTyping("conv-1") {
		t.Error("unrefreshed flag survived past the idle window")
	}
}

func TestTypingExplicitClear(t *testing.T) {
	b, _, clock := typingFixture()

	b.Observe(TypingState{ConversationID: "conv-1", UserID: testEducator.ID, IsTyping: true, UpdatedAt: clock.Now()})
	b.Observe(TypingState{ConversationID: "conv-1", UserID: testEducator.ID, IsTyping: false, UpdatedAt: clock.Now()})

	if b.IsAnyoneTyping("conv-1") {
		t.Error("an explicit false flag must clear the indicator")
	}
}

func TestTypingTextFallbacks(t *testing.T) {
	b, _, clock := typingFixture()

	// Unnamed single typer.
	b.Observe(TypingState{ConversationID: "conv-1", UserID: "anon-1", IsTyping: true, UpdatedAt: clock.Now()})
	if got := b.TypingText("conv-1"); got != "Someone is typing..." {
		t.Errorf("TypingText = %q, want the anonymous fallback", got)
	}

	// Two typers.
	b.Observe(TypingState{ConversationID: "conv-1", UserID: testEducator.ID, UserName: testEducator.Name, IsTyping: true, UpdatedAt: clock.Now()})
	if got := b.TypingText("conv-1"); got != "Several people are typing..." {
		t.Errorf("TypingText = %q, want the plural form", got)
	}
}

func TestTypingRelease(t *testing.T) {
	b, _, clock := typingFixture()

	b.Observe(TypingState{ConversationID: "conv-1", UserID: testEducator.ID, IsTyping: true, UpdatedAt: clock.Now()})
	b.Release("conv-1")

	if b.IsAnyoneTyping("conv-1") {
		t.Error("released conversation still reports typing")
	}
}

func TestTypingObserveStampsMissingTimestamp(t *testing.T) {
	b, _, _ := typingFixture()

	b.Observe(TypingState{ConversationID: "conv-1", UserID: testEducator.ID, IsTyping: true})
	if !b.IsAnyoneTyping("conv-1") {
		t.Error("broadcast without a timestamp must be stamped fresh")
	}
}
