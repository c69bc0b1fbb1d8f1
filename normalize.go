package tide

import (
	"path"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Event Normalizer
// ============================================================================
//
// Converts raw payloads from either REST or the real-time stream into the
// canonical Message/Conversation shapes. Every function here is pure and
// best-effort: malformed input degrades field by field, never into an error.

// PlaceholderAvatarPath is substituted for missing or server-default avatars.
const PlaceholderAvatarPath = "/static/img/avatar-placeholder.png"

// defaultAvatarNames are server-side filenames that mean "no real avatar".
var defaultAvatarNames = map[string]bool{
	"default.png":  true,
	"default.jpg":  true,
	"default.jpeg": true,
}

// ResolveDisplayName assembles a display name from a raw sender.
// Fallback priority: first/last name, username, email, then "Unknown".
func ResolveDisplayName(s *RawSender) string {
	if s == nil {
		return "Unknown"
	}
	first := strings.TrimSpace(s.FirstName)
	last := strings.TrimSpace(s.LastName)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	}
	if u := strings.TrimSpace(s.Username); u != "" {
		return u
	}
	if e := strings.TrimSpace(s.Email); e != "" {
		return e
	}
	return "Unknown"
}

// ResolveAvatar returns the sender's avatar URL, or the placeholder when the
// avatar is absent or one of the known server-default filenames.
func ResolveAvatar(s *RawSender) string {
	if s == nil {
		return PlaceholderAvatarPath
	}
	avatar := strings.TrimSpace(s.Avatar)
	if avatar == "" {
		return PlaceholderAvatarPath
	}
	if defaultAvatarNames[strings.ToLower(path.Base(avatar))] {
		return PlaceholderAvatarPath
	}
	return avatar
}

// normalizeSender converts a raw sender into the canonical shape.
func normalizeSender(s *RawSender) Sender {
	out := Sender{
		DisplayName: ResolveDisplayName(s),
		AvatarURL:   ResolveAvatar(s),
	}
	if s != nil {
		out.ID = s.ID
	}
	return out
}

// parseTimestamp parses a server timestamp. When the value is missing or
// unparseable it returns the current time with inferred=true so ordering
// logic can treat the message conservatively (appended, not slotted).
func parseTimestamp(raw string, now func() time.Time) (ts time.Time, inferred bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now(), true
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, false
		}
	}
	// Numeric epoch: seconds or milliseconds.
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), false
		}
		return time.Unix(n, 0).UTC(), false
	}
	return now(), true
}

// classifyMessageType derives the message type from content and attachments.
func classifyMessageType(content string, files []Attachment) MessageType {
	if len(files) == 0 {
		return TypeText
	}
	allImages := true
	for _, f := range files {
		if !strings.HasPrefix(f.MimeType, "image/") {
			allImages = false
			break
		}
	}
	if strings.TrimSpace(content) != "" {
		return TypeMixed
	}
	if allImages {
		return TypeImage
	}
	return TypeFile
}

// normalizeStatus maps a raw status string to a known MessageStatus.
// Unknown values default to sent: the message exists on the server, which is
// the weakest claim a confirmed payload can make.
func normalizeStatus(raw string) MessageStatus {
	s := MessageStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := statusRank[s]; ok {
		return s
	}
	if s == "sending" {
		return StatusPending
	}
	return StatusSent
}

// NormalizeMessage converts a raw message from any source into the canonical
// Message. currentUserID drives IsOwn and the per-reaction Reacted flag.
func NormalizeMessage(raw RawMessage, currentUserID string) Message {
	return normalizeMessageAt(raw, currentUserID, time.Now)
}

// normalizeMessageAt is NormalizeMessage with an injectable clock for tests.
func normalizeMessageAt(raw RawMessage, currentUserID string, now func() time.Time) Message {
	var attachments []Attachment
	for _, f := range raw.Files {
		attachments = append(attachments, Attachment{
			ID:       f.ID,
			Name:     f.Name,
			URL:      f.URL,
			MimeType: f.MimeType,
			Size:     f.Size,
		})
	}

	ts, inferred := parseTimestamp(raw.CreatedAt, now)
	sender := normalizeSender(raw.Sender)

	msg := Message{
		ID:             raw.ID,
		ConversationID: raw.ConversationID,
		Content:        raw.Content,
		Sender:         sender,
		Timestamp:      ts,
		TimeInferred:   inferred,
		Status:         normalizeStatus(raw.Status),
		IsOwn:          currentUserID != "" && sender.ID == currentUserID,
		Type:           classifyMessageType(raw.Content, attachments),
		Attachments:    attachments,
		Reactions:      normalizeReactions(raw.Reactions, currentUserID),
		ReplyToID:      raw.ReplyToID,
	}
	if raw.Thread != nil {
		t := normalizeThreadAt(*raw.Thread, currentUserID, now)
		if t.ParentID == "" {
			t.ParentID = raw.ID
		}
		msg.Thread = &t
	}
	return msg
}

// normalizeReactions converts raw emoji buckets; counts are derived from the
// user lists, never trusted from the wire.
func normalizeReactions(raw []RawReaction, currentUserID string) []Reaction {
	var out []Reaction
	for _, r := range raw {
		if r.Emoji == "" {
			continue
		}
		reacted := false
		for _, uid := range r.UserIDs {
			if uid == currentUserID {
				reacted = true
				break
			}
		}
		out = append(out, Reaction{
			Emoji:   r.Emoji,
			Count:   len(r.UserIDs),
			UserIDs: append([]string(nil), r.UserIDs...),
			Reacted: reacted,
		})
	}
	return out
}

// NormalizeThread converts raw thread detail into the canonical aggregate.
// RepliesCount is always derived from the reply array.
func NormalizeThread(raw RawThread, currentUserID string) Thread {
	return normalizeThreadAt(raw, currentUserID, time.Now)
}

func normalizeThreadAt(raw RawThread, currentUserID string, now func() time.Time) Thread {
	t := Thread{ParentID: raw.ParentID}
	for _, r := range raw.Replies {
		t.Replies = append(t.Replies, normalizeMessageAt(r, currentUserID, now))
	}
	recomputeThread(&t)
	return t
}

// NormalizeConversation converts a raw conversation summary.
func NormalizeConversation(raw RawConversation, currentUserID string) Conversation {
	conv := Conversation{
		ID:          raw.ID,
		Type:        ConversationDirect,
		Name:        raw.Name,
		AvatarURL:   raw.Avatar,
		UnreadCount: raw.UnreadCount,
		Online:      raw.Online,
	}
	if raw.Type == string(ConversationGroup) {
		conv.Type = ConversationGroup
	}
	if conv.UnreadCount < 0 {
		conv.UnreadCount = 0
	}
	if conv.AvatarURL == "" || defaultAvatarNames[strings.ToLower(path.Base(conv.AvatarURL))] {
		conv.AvatarURL = PlaceholderAvatarPath
	}
	for i := range raw.Participants {
		conv.Participants = append(conv.Participants, normalizeSender(&raw.Participants[i]))
	}
	if raw.LastMessage != nil {
		m := NormalizeMessage(*raw.LastMessage, currentUserID)
		if m.ConversationID == "" {
			m.ConversationID = raw.ID
		}
		conv.LastMessage = &m
	}
	if conv.Name == "" && conv.Type == ConversationDirect {
		for _, p := range conv.Participants {
			if p.ID != currentUserID {
				conv.Name = p.DisplayName
				break
			}
		}
	}
	return conv
}
