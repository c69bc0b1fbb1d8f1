package tide

import (
	"sort"
	"sync"
)

// ============================================================================
// Conversation Roster
// ============================================================================

// unreadSyncState tracks where a conversation's unread counter came from.
// Local increments make new-message badges instantaneous; the server remains
// the tie-breaking authority so missed or duplicated events can never cause
// permanent drift.
type unreadSyncState int

const (
	unreadSynced unreadSyncState = iota
	unreadLocallyIncremented
	unreadServerConfirmed
)

// Roster maintains the denormalized per-conversation summaries. Message
// content flows in from the Message Store (the source of truth for "last
// message"); unread counters follow the synced / locally-incremented /
// server-confirmed state machine.
type Roster struct {
	mu     sync.RWMutex
	convs  map[string]*Conversation
	unread map[string]unreadSyncState
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{
		convs:  make(map[string]*Conversation),
		unread: make(map[string]unreadSyncState),
	}
}

// Upsert merges a fetched conversation summary. The fetched unread count is
// server data and therefore overwrites any local increment.
func (r *Roster) Upsert(conv Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv.UnreadCount < 0 {
		conv.UnreadCount = 0
	}
	existing, ok := r.convs[conv.ID]
	if !ok {
		c := conv
		r.convs[conv.ID] = &c
		r.unread[conv.ID] = unreadServerConfirmed
		return
	}
	existing.Type = conv.Type
	existing.Name = conv.Name
	existing.AvatarURL = conv.AvatarURL
	existing.Online = conv.Online
	if conv.Participants != nil {
		existing.Participants = conv.Participants
	}
	// Keep whichever last message is newer. A refetch response can be
	// stale relative to socket traffic that already updated the summary.
	if conv.LastMessage != nil {
		if existing.LastMessage == nil || !conv.LastMessage.Timestamp.Before(existing.LastMessage.Timestamp) {
			existing.LastMessage = conv.LastMessage
		}
	}
	existing.UnreadCount = conv.UnreadCount
	r.unread[conv.ID] = unreadServerConfirmed
}

// ensure returns the conversation, creating a bare entry for ids seen only
// through socket events so counters are never dropped on the floor.
func (r *Roster) ensure(convID string) *Conversation {
	conv, ok := r.convs[convID]
	if !ok {
		conv = &Conversation{ID: convID, Type: ConversationDirect}
		r.convs[convID] = conv
		r.unread[convID] = unreadSynced
	}
	return conv
}

// NoteIncoming bumps the unread counter for an incoming message, unless the
// conversation is currently focused or the message is our own. The
// last-message summary is the Message Store's to compute; callers refresh it
// through SetLastMessage.
func (r *Roster) NoteIncoming(convID string, msg *Message, focused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensure(convID)
	if focused || (msg != nil && msg.IsOwn) {
		return
	}
	r.convs[convID].UnreadCount++
	r.unread[convID] = unreadLocallyIncremented
}

// ApplyServerUnread applies an authoritative unread_count_update. Server
// wins regardless of local state; negative values clamp to zero.
func (r *Roster) ApplyServerUnread(convID string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv := r.ensure(convID)
	if count < 0 {
		count = 0
	}
	conv.UnreadCount = count
	r.unread[convID] = unreadServerConfirmed
}

// MarkRead zeroes the counter after a successful mark-as-read call.
func (r *Roster) MarkRead(convID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv := r.ensure(convID)
	conv.UnreadCount = 0
	r.unread[convID] = unreadSynced
}

// SetLastMessage refreshes the denormalized last-message summary from the
// Message Store.
func (r *Roster) SetLastMessage(convID string, msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensure(convID).LastMessage = msg
}

// SetOnline updates presence for a conversation.
func (r *Roster) SetOnline(convID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensure(convID).Online = online
}

// UnreadCount returns the current unread counter for a conversation.
func (r *Roster) UnreadCount(convID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if conv, ok := r.convs[convID]; ok {
		return conv.UnreadCount
	}
	return 0
}

// Get returns a copy of one conversation summary, or nil.
func (r *Roster) Get(convID string) *Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.convs[convID]
	if !ok {
		return nil
	}
	out := copyConversation(conv)
	return &out
}

// Conversations returns a snapshot of all summaries, newest activity first.
func (r *Roster) Conversations() []Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conversation, 0, len(r.convs))
	for _, conv := range r.convs {
		out = append(out, copyConversation(conv))
	}
	sort.SliceStable(out, func(i, j int) bool {
		var ti, tj int64
		if out[i].LastMessage != nil {
			ti = out[i].LastMessage.Timestamp.UnixNano()
		}
		if out[j].LastMessage != nil {
			tj = out[j].LastMessage.Timestamp.UnixNano()
		}
		return ti > tj
	})
	return out
}

func copyConversation(c *Conversation) Conversation {
	out := *c
	out.Participants = append([]Sender(nil), c.Participants...)
	if c.LastMessage != nil {
		m := copyMessage(c.LastMessage)
		out.LastMessage = &m
	}
	return out
}
