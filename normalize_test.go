package tide

import (
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

// ============================================================================
// Sender resolution
// ============================================================================

func TestResolveDisplayName(t *testing.T) {
	cases := []struct {
		name   string
		sender *RawSender
		want   string
	}{
		{"first and last", &RawSender{FirstName: "Ada", LastName: "Lovelace"}, "Ada Lovelace"},
		{"first only", &RawSender{FirstName: "Ada"}, "Ada"},
		{"last only", &RawSender{LastName: "Lovelace"}, "Lovelace"},
		{"username fallback", &RawSender{Username: "ada"}, "ada"},
		{"email fallback", &RawSender{Email: "ada@example.com"}, "ada@example.com"},
		{"whitespace names fall through", &RawSender{FirstName: "  ", Username: "ada"}, "ada"},
		{"nothing", &RawSender{}, "Unknown"},
		{"nil sender", nil, "Unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveDisplayName(tc.sender); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveAvatar(t *testing.T) {
	t.Run("real avatar passes through", func(t *testing.T) {
		s := &RawSender{Avatar: "https://cdn.example.com/u/42.png"}
		if got := ResolveAvatar(s); got != s.Avatar {
			t.Errorf("got %q", got)
		}
	})
	t.Run("missing avatar", func(t *testing.T) {
		if got := ResolveAvatar(&RawSender{}); got != PlaceholderAvatarPath {
			t.Errorf("got %q, want placeholder", got)
		}
	})
	t.Run("server default filename", func(t *testing.T) {
		s := &RawSender{Avatar: "https://cdn.example.com/avatars/Default.PNG"}
		if got := ResolveAvatar(s); got != PlaceholderAvatarPath {
			t.Errorf("got %q, want placeholder", got)
		}
	})
}

// ============================================================================
// Timestamps
// ============================================================================

func TestParseTimestamp(t *testing.T) {
	t.Run("rfc3339", func(t *testing.T) {
		ts, inferred := parseTimestamp("2025-06-01T10:30:00Z", fixedNow)
		if inferred {
			t.Fatal("should not be inferred")
		}
		if ts.Hour() != 10 || ts.Minute() != 30 {
			t.Errorf("got %v", ts)
		}
	})
	t.Run("epoch seconds", func(t *testing.T) {
		ts, inferred := parseTimestamp("1748772000", fixedNow)
		if inferred {
			t.Fatal("should not be inferred")
		}
		if ts.Unix() != 1748772000 {
			t.Errorf("got %v", ts.Unix())
		}
	})
	t.Run("epoch milliseconds", func(t *testing.T) {
		ts, inferred := parseTimestamp("1748772000123", fixedNow)
		if inferred {
			t.Fatal("should not be inferred")
		}
		if ts.UnixMilli() != 1748772000123 {
			t.Errorf("got %v", ts.UnixMilli())
		}
	})
	t.Run("empty infers now", func(t *testing.T) {
		ts, inferred := parseTimestamp("", fixedNow)
		if !inferred {
			t.Fatal("should be inferred")
		}
		if !ts.Equal(fixedNow()) {
			t.Errorf("got %v", ts)
		}
	})
	t.Run("garbage infers now", func(t *testing.T) {
		_, inferred := parseTimestamp("yesterday-ish", fixedNow)
		if !inferred {
			t.Fatal("should be inferred")
		}
	})
}

// ============================================================================
// Type classification and status
// ============================================================================

func TestClassifyMessageType(t *testing.T) {
	img := Attachment{MimeType: "image/png"}
	pdf := Attachment{MimeType: "application/pdf"}

	cases := []struct {
		name    string
		content string
		files   []Attachment
		want    MessageType
	}{
		{"plain text", "hi", nil, TypeText},
		{"empty no files", "", nil, TypeText},
		{"images only", "", []Attachment{img, img}, TypeImage},
		{"file only", "", []Attachment{pdf}, TypeFile},
		{"mixed kinds no text", "", []Attachment{img, pdf}, TypeFile},
		{"text plus attachment", "see this", []Attachment{img}, TypeMixed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyMessageType(tc.content, tc.files); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]MessageStatus{
		"sent":      StatusSent,
		"DELIVERED": StatusDelivered,
		"read":      StatusRead,
		"failed":    StatusFailed,
		"sending":   StatusPending,
		"pending":   StatusPending,
		"":          StatusSent,
		"banana":    StatusSent,
	}
	for raw, want := range cases {
		if got := normalizeStatus(raw); got != want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

// ============================================================================
// Messages
// ============================================================================

func TestNormalizeMessage(t *testing.T) {
	raw := RawMessage{
		ID:             "m1",
		ConversationID: "c1",
		Content:        "hello",
		Sender:         &RawSender{ID: "u2", Username: "bob"},
		CreatedAt:      "2025-06-01T09:00:00Z",
		Status:         "delivered",
		Reactions: []RawReaction{
			{Emoji: "👍", UserIDs: []string{"u1", "u2"}},
			{Emoji: "", UserIDs: []string{"u9"}},
		},
		ReplyToID: "m0",
	}

	msg := normalizeMessageAt(raw, "u1", fixedNow)

	if msg.IsOwn {
		t.Error("message from u2 should not be own for u1")
	}
	if msg.Status != StatusDelivered {
		t.Errorf("status = %q", msg.Status)
	}
	if msg.TimeInferred {
		t.Error("timestamp was present, should not be inferred")
	}
	if msg.ReplyToID != "m0" || msg.ReplyTo != nil {
		t.Error("raw reply reference should be kept unresolved")
	}
	if len(msg.Reactions) != 1 {
		t.Fatalf("empty-emoji bucket should be dropped, got %d", len(msg.Reactions))
	}
	r := msg.Reactions[0]
	if r.Count != 2 || !r.Reacted {
		t.Errorf("reaction = %+v", r)
	}
}

func TestNormalizeMessageOwn(t *testing.T) {
	raw := RawMessage{ID: "m1", Sender: &RawSender{ID: "u1"}}
	msg := normalizeMessageAt(raw, "u1", fixedNow)
	if !msg.IsOwn {
		t.Error("expected IsOwn")
	}
	if msg.Sender.DisplayName != "Unknown" {
		t.Errorf("display name = %q", msg.Sender.DisplayName)
	}
}

func TestNormalizeThreadDerivesCounts(t *testing.T) {
	raw := RawThread{
		ParentID:     "m1",
		RepliesCount: 99, // wire count is a lie
		Replies: []RawMessage{
			{ID: "r2", Sender: &RawSender{ID: "u2"}, CreatedAt: "2025-06-01T10:02:00Z"},
			{ID: "r1", Sender: &RawSender{ID: "u1"}, CreatedAt: "2025-06-01T10:01:00Z"},
			{ID: "r3", Sender: &RawSender{ID: "u1"}, CreatedAt: "2025-06-01T10:03:00Z"},
		},
	}
	th := normalizeThreadAt(raw, "u1", fixedNow)

	if th.RepliesCount != 3 {
		t.Errorf("RepliesCount = %d, want 3", th.RepliesCount)
	}
	if th.ParticipantsCount != 2 {
		t.Errorf("ParticipantsCount = %d, want 2", th.ParticipantsCount)
	}
	if th.Replies[0].ID != "r1" || th.Replies[2].ID != "r3" {
		t.Errorf("replies not sorted by timestamp: %s, %s, %s",
			th.Replies[0].ID, th.Replies[1].ID, th.Replies[2].ID)
	}
	if !th.LastReplyAt.Equal(th.Replies[2].Timestamp) {
		t.Errorf("LastReplyAt = %v", th.LastReplyAt)
	}
}

// ============================================================================
// Conversations
// ============================================================================

func TestNormalizeConversation(t *testing.T) {
	t.Run("direct name falls back to peer", func(t *testing.T) {
		raw := RawConversation{
			ID:   "c1",
			Type: "direct",
			Participants: []RawSender{
				{ID: "u1", FirstName: "Me"},
				{ID: "u2", FirstName: "Ada", LastName: "Lovelace"},
			},
		}
		conv := NormalizeConversation(raw, "u1")
		if conv.Name != "Ada Lovelace" {
			t.Errorf("name = %q", conv.Name)
		}
	})
	t.Run("negative unread clamps", func(t *testing.T) {
		conv := NormalizeConversation(RawConversation{ID: "c1", UnreadCount: -3}, "u1")
		if conv.UnreadCount != 0 {
			t.Errorf("unread = %d", conv.UnreadCount)
		}
	})
	t.Run("group keeps its name", func(t *testing.T) {
		conv := NormalizeConversation(RawConversation{ID: "c1", Type: "group", Name: "team"}, "u1")
		if conv.Type != ConversationGroup || conv.Name != "team" {
			t.Errorf("conv = %+v", conv)
		}
	})
	t.Run("last message inherits conversation id", func(t *testing.T) {
		raw := RawConversation{ID: "c1", LastMessage: &RawMessage{ID: "m1"}}
		conv := NormalizeConversation(raw, "u1")
		if conv.LastMessage == nil || conv.LastMessage.ConversationID != "c1" {
			t.Errorf("last message = %+v", conv.LastMessage)
		}
	})
}
