package tide

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testSelf = Sender{ID: "u1", DisplayName: "Me"}

func historyJSON() []RawMessage {
	return []RawMessage{
		{ID: "m1", ConversationID: "c1", Content: "hey", Sender: &RawSender{ID: "u2", Username: "ada"},
			CreatedAt: "2025-06-01T10:01:00Z", Status: "read"},
		{ID: "m2", ConversationID: "c1", Content: "hi back", Sender: &RawSender{ID: "u1"},
			CreatedAt: "2025-06-01T10:02:00Z", Status: "delivered"},
	}
}

// newTestEngine spins up an httptest server plus an engine with c1 loaded.
func newTestEngine(t *testing.T, handler http.HandlerFunc) (*Engine, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, "test-token")
	engine := NewEngine(client, EngineConfig{Self: testSelf})
	t.Cleanup(engine.Close)
	return engine, srv
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func envelope(t *testing.T, eventType string, payload interface{}) Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Envelope{Type: eventType, Payload: data}
}

// ============================================================================
// Fetch and open
// ============================================================================

func TestEngineOpenConversation(t *testing.T) {
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/conversations/c1/messages" {
			writeJSON(w, historyJSON())
			return
		}
		http.NotFound(w, r)
	})

	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	msgs := engine.Messages("c1")
	if len(msgs) != 2 {
		t.Fatalf("len = %d", len(msgs))
	}
	if !msgs[1].IsOwn || msgs[1].Status != StatusDelivered {
		t.Errorf("own message = %+v", msgs[1])
	}
	if engine.ActiveConversation() != "c1" {
		t.Error("c1 should be active")
	}
}

func TestEngineFetchMergesWithSocketArrivals(t *testing.T) {
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, historyJSON())
	})

	// A pushed message lands before the fetch completes.
	engine.HandleEnvelope(envelope(t, EventChatMessage, ChatMessagePayload{
		ConversationID: "c1",
		Message: RawMessage{ID: "m3", Content: "while loading",
			Sender: &RawSender{ID: "u2"}, CreatedAt: "2025-06-01T10:03:00Z"},
	}))

	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	msgs := engine.Messages("c1")
	if len(msgs) != 3 {
		t.Fatalf("socket arrival clobbered by fetch: %d messages", len(msgs))
	}
	if msgs[2].ID != "m3" {
		t.Errorf("order = %v", []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	}
}

// ============================================================================
// Event stream
// ============================================================================

func TestEngineHandleEnvelope(t *testing.T) {
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []RawMessage{})
	})

	t.Run("chat_message bumps unread when not viewing", func(t *testing.T) {
		engine.HandleEnvelope(envelope(t, EventChatMessage, ChatMessagePayload{
			ConversationID: "c2",
			Message:        RawMessage{ID: "n1", Content: "ping", Sender: &RawSender{ID: "u2"}},
		}))
		if got := engine.UnreadCount("c2"); got != 1 {
			t.Errorf("unread = %d, want 1", got)
		}
	})

	t.Run("own echo does not bump unread", func(t *testing.T) {
		engine.HandleEnvelope(envelope(t, EventChatMessage, ChatMessagePayload{
			ConversationID: "c2",
			Message:        RawMessage{ID: "n2", Content: "mine", Sender: &RawSender{ID: "u1"}},
		}))
		if got := engine.UnreadCount("c2"); got != 1 {
			t.Errorf("unread = %d, want still 1", got)
		}
	})

	t.Run("unread_count_update wins over local increments", func(t *testing.T) {
		engine.HandleEnvelope(envelope(t, EventUnreadCount, UnreadCountPayload{
			ConversationID: "c2", UnreadCount: 5,
		}))
		if got := engine.UnreadCount("c2"); got != 5 {
			t.Errorf("unread = %d, want 5", got)
		}
	})

	t.Run("message_status moves forward only", func(t *testing.T) {
		engine.HandleEnvelope(envelope(t, EventInitialMessages, InitialMessagesPayload{
			ConversationID: "c3",
			Messages:       []RawMessage{{ID: "s1", Sender: &RawSender{ID: "u1"}, CreatedAt: "2025-06-01T10:00:00Z", Status: "read"}},
		}))
		engine.HandleEnvelope(envelope(t, EventMessageStatus, MessageStatusPayload{
			ConversationID: "c3", MessageID: "s1", Status: "delivered",
		}))
		if got := engine.Messages("c3")[0].Status; got != StatusRead {
			t.Errorf("status = %q, want read", got)
		}
	})

	t.Run("read_status from peer marks own messages read", func(t *testing.T) {
		engine.HandleEnvelope(envelope(t, EventInitialMessages, InitialMessagesPayload{
			ConversationID: "c4",
			Messages:       []RawMessage{{ID: "s2", Sender: &RawSender{ID: "u1"}, CreatedAt: "2025-06-01T10:00:00Z", Status: "sent"}},
		}))
		engine.HandleEnvelope(envelope(t, EventReadStatus, ReadStatusPayload{
			ConversationID: "c4", ReaderID: "u2",
		}))
		if got := engine.Messages("c4")[0].Status; got != StatusRead {
			t.Errorf("status = %q, want read", got)
		}
	})

	t.Run("own read receipt from another session zeroes unread", func(t *testing.T) {
		engine.HandleEnvelope(envelope(t, EventUnreadCount, UnreadCountPayload{
			ConversationID: "c5", UnreadCount: 4,
		}))
		engine.HandleEnvelope(envelope(t, EventReadStatus, ReadStatusPayload{
			ConversationID: "c5", ReaderID: "u1",
		}))
		if got := engine.UnreadCount("c5"); got != 0 {
			t.Errorf("unread = %d, want 0", got)
		}
	})

	t.Run("unknown event type ignored", func(t *testing.T) {
		engine.HandleEnvelope(Envelope{Type: "typing_indicator", Payload: json.RawMessage(`{"x":1}`)})
		engine.HandleEnvelope(Envelope{Type: EventChatMessage, Payload: json.RawMessage(`{broken`)})
	})
}

func TestEngineLateMessageKeepsNewestSummary(t *testing.T) {
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []RawMessage{})
	})

	engine.HandleEnvelope(envelope(t, EventChatMessage, ChatMessagePayload{
		ConversationID: "c1",
		Message: RawMessage{ID: "m5", Content: "newer", Sender: &RawSender{ID: "u2"},
			CreatedAt: "2025-06-01T10:05:00Z", Status: "sent"},
	}))
	// Delivered late, timestamped earlier. It slots into the sequence
	// before m5 and must not become the conversation summary.
	engine.HandleEnvelope(envelope(t, EventChatMessage, ChatMessagePayload{
		ConversationID: "c1",
		Message: RawMessage{ID: "m4", Content: "older", Sender: &RawSender{ID: "u2"},
			CreatedAt: "2025-06-01T10:01:00Z", Status: "sent"},
	}))

	msgs := engine.Messages("c1")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].ID != "m4" || msgs[1].ID != "m5" {
		t.Fatalf("order = %v", []string{msgs[0].ID, msgs[1].ID})
	}
	conv := engine.Conversation("c1")
	if conv == nil || conv.LastMessage == nil {
		t.Fatal("conversation summary missing")
	}
	if conv.LastMessage.ID != "m5" {
		t.Errorf("summary = %s, want m5", conv.LastMessage.ID)
	}
}

func TestEngineRefreshRoster(t *testing.T) {
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, []RawConversation{
			{ID: "c1", Type: "direct", UnreadCount: 2,
				Participants: []RawSender{{ID: "u1"}, {ID: "u2", FirstName: "Ada"}}},
			{ID: "c2", Type: "group", Name: "team"},
		})
	})

	// Local increment before the fetch; the fetched count must replace it.
	engine.HandleEnvelope(envelope(t, EventChatMessage, ChatMessagePayload{
		ConversationID: "c1",
		Message:        RawMessage{ID: "x1", Sender: &RawSender{ID: "u2"}},
	}))

	if err := engine.RefreshRoster(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	convs := engine.Conversations()
	if len(convs) != 2 {
		t.Fatalf("len = %d", len(convs))
	}
	if got := engine.UnreadCount("c1"); got != 2 {
		t.Errorf("unread = %d, want server's 2", got)
	}
	if conv := engine.Conversation("c1"); conv.Name != "Ada" {
		t.Errorf("direct name = %q, want peer fallback", conv.Name)
	}
}

// ============================================================================
// Optimistic send
// ============================================================================

func TestEngineSendConfirm(t *testing.T) {
	var requests int32
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			writeJSON(w, historyJSON())
			return
		}
		atomic.AddInt32(&requests, 1)
		var req SendMessageRequest
		json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, RawMessage{
			ID: "srv-42", ConversationID: "c1", Content: req.Content,
			Sender: &RawSender{ID: "u1"}, CreatedAt: "2025-06-01T10:05:00Z", Status: "sent",
		})
	})

	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	id, err := engine.Send(context.Background(), "c1", "hello", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "srv-42" {
		t.Errorf("id = %q, want srv-42", id)
	}

	msgs := engine.Messages("c1")
	last := msgs[len(msgs)-1]
	if last.ID != "srv-42" || last.Status != StatusSent || !last.IsOwn {
		t.Errorf("confirmed message = %+v", last)
	}
	for _, m := range msgs {
		if strings.HasPrefix(m.ID, "local-") {
			t.Errorf("provisional id survived confirmation: %s", m.ID)
		}
	}
	if len(engine.PendingMutations()) != 0 {
		t.Errorf("ledger not discharged: %+v", engine.PendingMutations())
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestEngineSendFailureIsTerminal(t *testing.T) {
	var requests int32
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			writeJSON(w, historyJSON())
			return
		}
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, APIError{Code: "SERVER_ERROR", Message: "boom"})
	})

	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	var failed []PendingMutation
	engine.OnMutationFailed(func(m PendingMutation) { failed = append(failed, m) })

	localID, err := engine.Send(context.Background(), "c1", "doomed", "")
	if err == nil {
		t.Fatal("expected error")
	}

	msg := findMessage(t, engine.Messages("c1"), localID)
	if msg.Status != StatusFailed {
		t.Errorf("status = %q, want failed", msg.Status)
	}
	if len(failed) != 1 || failed[0].Kind != MutationSend {
		t.Errorf("failed callbacks = %+v", failed)
	}

	// A later status push must not resurrect the failed message.
	engine.HandleEnvelope(envelope(t, EventMessageStatus, MessageStatusPayload{
		ConversationID: "c1", MessageID: localID, Status: "delivered",
	}))
	if got := findMessage(t, engine.Messages("c1"), localID).Status; got != StatusFailed {
		t.Errorf("status = %q, failed must be terminal", got)
	}

	// No automatic retry.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("requests = %d, want exactly 1 (no retry)", got)
	}
}

func findMessage(t *testing.T, msgs []Message, id string) Message {
	t.Helper()
	for _, m := range msgs {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("message %s not found", id)
	return Message{}
}

// ============================================================================
// Optimistic reactions and deletes
// ============================================================================

func TestEngineReactRollback(t *testing.T) {
	fail := true
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			writeJSON(w, historyJSON())
			return
		}
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, APIError{Code: "SERVER_ERROR", Message: "boom"})
			return
		}
		writeJSON(w, ReactResult{Reactions: []RawReaction{{Emoji: "👍", UserIDs: []string{"u1", "u2"}}}})
	})

	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	before := findMessage(t, engine.Messages("c1"), "m1").Reactions
	if err := engine.React(context.Background(), "c1", "m1", "👍"); err == nil {
		t.Fatal("expected error")
	}
	after := findMessage(t, engine.Messages("c1"), "m1").Reactions
	if len(before) != len(after) {
		t.Errorf("rollback incomplete: before=%+v after=%+v", before, after)
	}

	fail = false
	if err := engine.React(context.Background(), "c1", "m1", "👍"); err != nil {
		t.Fatalf("react: %v", err)
	}
	got := findMessage(t, engine.Messages("c1"), "m1").Reactions
	if len(got) != 1 || got[0].Count != 2 || !got[0].Reacted {
		t.Errorf("server reactions not adopted: %+v", got)
	}
}

func TestEngineDeleteRollback(t *testing.T) {
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			writeJSON(w, historyJSON())
			return
		}
		w.WriteHeader(http.StatusForbidden)
		writeJSON(w, APIError{Code: "FORBIDDEN", Message: "not yours"})
	})

	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	before := engine.Messages("c1")
	if err := engine.Delete(context.Background(), "c1", "m1"); err == nil {
		t.Fatal("expected error")
	}
	after := engine.Messages("c1")

	if len(before) != len(after) {
		t.Fatalf("rollback incomplete: %d vs %d messages", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Errorf("order changed at %d: %s vs %s", i, before[i].ID, after[i].ID)
		}
	}
}

func TestEngineDeleteSuccess(t *testing.T) {
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			writeJSON(w, historyJSON())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := engine.Delete(context.Background(), "c1", "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, m := range engine.Messages("c1") {
		if m.ID == "m1" {
			t.Error("message not removed")
		}
	}
}

// ============================================================================
// Thread replies
// ============================================================================

func TestEngineReply(t *testing.T) {
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" && strings.HasSuffix(r.URL.Path, "/messages") {
			writeJSON(w, historyJSON())
			return
		}
		if r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/threads") {
			var req ThreadReplyRequest
			json.NewDecoder(r.Body).Decode(&req)
			writeJSON(w, RawThread{
				ParentID: "m1",
				Replies: []RawMessage{{ID: "srv-r1", Content: req.Content,
					Sender: &RawSender{ID: "u1"}, CreatedAt: "2025-06-01T10:06:00Z", Status: "sent"}},
			})
			return
		}
		http.NotFound(w, r)
	})

	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := engine.Reply(context.Background(), "c1", "m1", "thread reply"); err != nil {
		t.Fatalf("reply: %v", err)
	}

	th := engine.Thread("c1", "m1")
	if th == nil || th.RepliesCount != 1 {
		t.Fatalf("thread = %+v", th)
	}
	if th.Replies[0].ID != "srv-r1" || th.Replies[0].Status != StatusSent {
		t.Errorf("reply = %+v", th.Replies[0])
	}
}

func TestEngineReplyFailure(t *testing.T) {
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			writeJSON(w, historyJSON())
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, APIError{Code: "SERVER_ERROR", Message: "boom"})
	})

	if err := engine.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	localID, err := engine.Reply(context.Background(), "c1", "m1", "doomed")
	if err == nil {
		t.Fatal("expected error")
	}

	th := engine.Thread("c1", "m1")
	if th == nil || th.RepliesCount != 1 {
		t.Fatalf("thread = %+v", th)
	}
	if th.Replies[0].ID != localID || th.Replies[0].Status != StatusFailed {
		t.Errorf("failed reply = %+v", th.Replies[0])
	}
}

// ============================================================================
// Token refresh
// ============================================================================

func TestClientTokenRefreshRetriesOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, APIError{Code: "UNAUTHORIZED", Message: "expired"})
			return
		}
		writeJSON(w, []RawConversation{{ID: "c1"}})
	}))
	defer srv.Close()

	refreshed := int32(0)
	client := NewClient(srv.URL, "stale-token", WithTokenRefresher(func(ctx context.Context) (string, error) {
		atomic.AddInt32(&refreshed, 1)
		return "fresh-token", nil
	}))

	convs, err := client.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 1 {
		t.Errorf("convs = %+v", convs)
	}
	if atomic.LoadInt32(&refreshed) != 1 {
		t.Errorf("refreshed %d times", refreshed)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2 (original + one retry)", calls)
	}
}

func TestClientErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, APIError{Code: "NOT_FOUND", Message: "no such conversation"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "t")
	_, err := client.GetMessages(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("err = %T (%v)", err, err)
	}
	if apiErr.Code != "NOT_FOUND" {
		t.Errorf("code = %q", apiErr.Code)
	}
	if !strings.Contains(apiErr.Error(), "no such conversation") {
		t.Errorf("message = %q", apiErr.Error())
	}
}
