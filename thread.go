package tide

import (
	"sort"
	"time"
)

// ============================================================================
// Thread Aggregator
// ============================================================================

// MergeThread merges incoming thread detail into the existing aggregate.
// The merge is idempotent: replies are deduplicated by id with last-write-wins
// on content and status, and applying the same payload twice leaves the
// result unchanged. Neither input is mutated.
//
// A nil incoming returns existing untouched, so a failed thread fetch never
// clears previously visible replies.
func MergeThread(existing, incoming *Thread) *Thread {
	if incoming == nil {
		return existing
	}
	if existing == nil {
		merged := cloneThread(incoming)
		recomputeThread(merged)
		return merged
	}

	merged := &Thread{ParentID: existing.ParentID}
	if merged.ParentID == "" {
		merged.ParentID = incoming.ParentID
	}

	index := make(map[string]int, len(existing.Replies))
	for _, r := range existing.Replies {
		merged.Replies = append(merged.Replies, r)
		index[r.ID] = len(merged.Replies) - 1
	}
	for _, r := range incoming.Replies {
		if i, ok := index[r.ID]; ok {
			// Last write wins on the payload, but status stays monotonic.
			prev := merged.Replies[i].Status
			merged.Replies[i] = r
			if statusRank[prev] > statusRank[r.Status] {
				merged.Replies[i].Status = prev
			}
			continue
		}
		merged.Replies = append(merged.Replies, r)
		index[r.ID] = len(merged.Replies) - 1
	}

	recomputeThread(merged)
	return merged
}

// appendReply adds one reply to a thread, deduplicated by id.
func appendReply(t *Thread, reply Message) *Thread {
	return MergeThread(t, &Thread{ParentID: reply.ReplyToID, Replies: []Message{reply}})
}

// removeReply drops a reply by id, returning a new aggregate.
func removeReply(t *Thread, replyID string) *Thread {
	if t == nil {
		return nil
	}
	out := &Thread{ParentID: t.ParentID}
	for _, r := range t.Replies {
		if r.ID != replyID {
			out.Replies = append(out.Replies, r)
		}
	}
	recomputeThread(out)
	return out
}

// recomputeThread derives the aggregate fields from the reply array. The
// array is authoritative; server-sent counts are never taken verbatim.
func recomputeThread(t *Thread) {
	sort.SliceStable(t.Replies, func(i, j int) bool {
		return t.Replies[i].Timestamp.Before(t.Replies[j].Timestamp)
	})
	t.RepliesCount = len(t.Replies)

	participants := make(map[string]bool)
	t.LastReplyAt = time.Time{}
	for _, r := range t.Replies {
		if r.Sender.ID != "" {
			participants[r.Sender.ID] = true
		}
		if r.Timestamp.After(t.LastReplyAt) {
			t.LastReplyAt = r.Timestamp
		}
	}
	t.ParticipantsCount = len(participants)
}

func cloneThread(t *Thread) *Thread {
	if t == nil {
		return nil
	}
	out := *t
	out.Replies = append([]Message(nil), t.Replies...)
	return &out
}
