package tide

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Dispatcher ordering
// ============================================================================

func TestDispatcherDeliversTypedEventsInOrder(t *testing.T) {
	// State-bearing consumers rely on typed handlers running on the read
	// loop's goroutine, in arrival order. An authoritative count pushed
	// right after a message must land after the local bump, never before.
	for i := 0; i < 50; i++ {
		engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, []RawMessage{})
		})
		feed := NewRealtimeClient(&RealtimeConfig{Token: "test-token"})
		engine.AttachFeed(feed)

		feed.dispatcher.dispatch(envelope(t, EventChatMessage, ChatMessagePayload{
			ConversationID: "c1",
			Message: RawMessage{
				ID:        "m1",
				Content:   "hello",
				Sender:    &RawSender{ID: "u2"},
				CreatedAt: "2025-06-01T10:00:00Z",
				Status:    "sent",
			},
		}))
		feed.dispatcher.dispatch(envelope(t, EventUnreadCount, UnreadCountPayload{
			ConversationID: "c1",
			UnreadCount:    5,
		}))

		if got := engine.UnreadCount("c1"); got != 5 {
			t.Fatalf("iteration %d: unread = %d, want exactly 5", i, got)
		}
	}
}

func TestDispatcherKeepsArrivalOrderForInferredTimestamps(t *testing.T) {
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []RawMessage{})
	})
	feed := NewRealtimeClient(&RealtimeConfig{Token: "test-token"})
	engine.AttachFeed(feed)

	// No created_at on either message: ordering falls back to arrival
	// order, which the dispatcher must therefore preserve.
	for _, id := range []string{"n1", "n2", "n3"} {
		feed.dispatcher.dispatch(envelope(t, EventChatMessage, ChatMessagePayload{
			ConversationID: "c1",
			Message:        RawMessage{ID: id, Content: id, Sender: &RawSender{ID: "u2"}},
		}))
	}

	msgs := engine.Messages("c1")
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, want := range []string{"n1", "n2", "n3"} {
		if msgs[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, msgs[i].ID, want)
		}
	}
}

func TestDispatcherGenericHandlersStillFire(t *testing.T) {
	feed := NewRealtimeClient(&RealtimeConfig{Token: "test-token"})

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	feed.On("custom_event", func(eventType string, payload json.RawMessage) {
		mu.Lock()
		seen = append(seen, eventType)
		mu.Unlock()
		close(done)
	})

	feed.dispatcher.dispatch(Envelope{Type: "custom_event"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("generic handler never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "custom_event" {
		t.Errorf("seen = %v", seen)
	}
}
