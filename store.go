package tide

import (
	"sync"
)

// ============================================================================
// Message Store
// ============================================================================
//
// The authoritative per-conversation ordered collection of messages. All
// mutations go through the operations below; no other component reaches into
// the arrays directly. Every operation is idempotent so the same server
// event can be applied twice (REST refresh plus socket delivery) without
// corrupting state.

// MessageStore owns message identity and ordering for every conversation.
type MessageStore struct {
	mu    sync.RWMutex
	convs map[string]*convState
}

type convState struct {
	loaded     bool // initial fetch applied
	order      []*Message
	byID       map[string]*Message
	tombstones map[string]bool
	buffered   []bufferedOp
}

// bufferedOp is an operation that arrived before the conversation's initial
// load and is replayed once messages are available.
type bufferedOp struct {
	kind      string // "status", "reactions", "remove"
	messageID string
	status    MessageStatus
	reactions []Reaction
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{convs: make(map[string]*convState)}
}

func (s *MessageStore) conv(id string) *convState {
	cs, ok := s.convs[id]
	if !ok {
		cs = &convState{
			byID:       make(map[string]*Message),
			tombstones: make(map[string]bool),
		}
		s.convs[id] = cs
	}
	return cs
}

// Loaded reports whether the conversation's initial fetch has been applied.
func (s *MessageStore) Loaded(convID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.convs[convID]
	return ok && cs.loaded
}

// ── Insert ───────────────────────────────────────────────────────────────

// Insert adds a message to its conversation, preserving timestamp order
// among confirmed messages. Pending and inferred-timestamp messages are
// appended at the tail instead of slotted. Re-inserting an existing id
// merges the payload in place, which makes replays safe.
func (s *MessageStore) Insert(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(s.conv(msg.ConversationID), msg)
}

func (s *MessageStore) insertLocked(cs *convState, msg Message) {
	if msg.ID == "" || cs.tombstones[msg.ID] {
		return
	}
	if existing, ok := cs.byID[msg.ID]; ok {
		mergeMessage(existing, &msg)
		s.resolveRefsLocked(cs, existing)
		return
	}

	stored := msg
	ptr := &stored
	switch {
	case msg.Status == StatusPending || msg.TimeInferred:
		cs.order = append(cs.order, ptr)
	default:
		// Walk back past pending/inferred tails and any confirmed message
		// newer than this one; stop at the first confirmed peer that is not.
		idx := len(cs.order)
		for idx > 0 {
			prev := cs.order[idx-1]
			if prev.Status != StatusPending && !prev.TimeInferred && !prev.Timestamp.After(msg.Timestamp) {
				break
			}
			idx--
		}
		cs.order = append(cs.order, nil)
		copy(cs.order[idx+1:], cs.order[idx:])
		cs.order[idx] = ptr
	}
	cs.byID[msg.ID] = ptr
	s.resolveRefsLocked(cs, ptr)
}

// mergeMessage folds an incoming duplicate into the stored message.
// Content and metadata are last-write-wins; status stays monotonic and a
// precise timestamp is never degraded to an inferred one.
func mergeMessage(dst, src *Message) {
	if src.Content != "" {
		dst.Content = src.Content
	}
	if src.Sender.ID != "" {
		dst.Sender = src.Sender
	}
	if !src.TimeInferred {
		dst.Timestamp = src.Timestamp
		dst.TimeInferred = false
	}
	if statusRank[src.Status] > statusRank[dst.Status] {
		dst.Status = src.Status
	}
	if src.Attachments != nil {
		dst.Attachments = src.Attachments
	}
	if src.Reactions != nil {
		dst.Reactions = src.Reactions
	}
	if src.ReplyToID != "" {
		dst.ReplyToID = src.ReplyToID
	}
	if src.ReplyTo != nil {
		dst.ReplyTo = src.ReplyTo
	}
	if src.Thread != nil {
		dst.Thread = MergeThread(dst.Thread, src.Thread)
	}
	if src.Type != "" {
		dst.Type = src.Type
	}
	dst.IsOwn = dst.IsOwn || src.IsOwn
}

// resolveRefsLocked resolves reply references in both directions: the new
// message against stored ones, and stored unresolved replies against the
// new message.
func (s *MessageStore) resolveRefsLocked(cs *convState, msg *Message) {
	if msg.ReplyToID != "" && msg.ReplyTo == nil {
		if target, ok := cs.byID[msg.ReplyToID]; ok {
			msg.ReplyTo = &ReplyRef{ID: target.ID, Content: target.Content, Sender: target.Sender}
		}
	}
	for _, other := range cs.order {
		if other.ReplyTo == nil && other.ReplyToID == msg.ID {
			other.ReplyTo = &ReplyRef{ID: msg.ID, Content: msg.Content, Sender: msg.Sender}
		}
	}
}

// ── Initial load / merge ─────────────────────────────────────────────────

// LoadMessages merges an initial or refreshed fetch into the conversation.
// Existing state (including pending local sends and anything newer delivered
// over the socket while the fetch was in flight) is preserved; the batch is
// merged message by message, never blindly swapped in. Buffered operations
// that arrived before the load are replayed afterwards.
func (s *MessageStore) LoadMessages(convID string, batch []Message) {
	ResolveReplyLinks(batch)

	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.conv(convID)
	for i := range batch {
		batch[i].ConversationID = convID
		s.insertLocked(cs, batch[i])
	}
	cs.loaded = true

	buffered := cs.buffered
	cs.buffered = nil
	for _, op := range buffered {
		s.applyBufferedLocked(cs, op)
	}
}

func (s *MessageStore) applyBufferedLocked(cs *convState, op bufferedOp) {
	switch op.kind {
	case "status":
		s.applyStatusLocked(cs, op.messageID, op.status)
	case "reactions":
		if msg, ok := cs.byID[op.messageID]; ok {
			msg.Reactions = op.reactions
		}
	case "remove":
		s.removeLocked(cs, op.messageID)
	}
}

// ── Status ───────────────────────────────────────────────────────────────

// ApplyStatusUpdate updates a message's delivery state. Statuses only move
// forward (sending < sent < delivered < read); a late lower-status event is
// dropped silently. Failed is terminal. Updates for a conversation that has
// not loaded yet are buffered; updates for unknown messages in a loaded
// conversation are no-ops.
func (s *MessageStore) ApplyStatusUpdate(convID, messageID string, status MessageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.conv(convID)
	if _, ok := cs.byID[messageID]; !ok && !cs.loaded {
		cs.buffered = append(cs.buffered, bufferedOp{kind: "status", messageID: messageID, status: status})
		return
	}
	s.applyStatusLocked(cs, messageID, status)
}

func (s *MessageStore) applyStatusLocked(cs *convState, messageID string, status MessageStatus) {
	if msg, ok := cs.byID[messageID]; ok {
		if statusRank[status] > statusRank[msg.Status] {
			msg.Status = status
		}
		return
	}
	// The target may be a thread reply.
	for _, m := range cs.order {
		if m.Thread == nil {
			continue
		}
		for i := range m.Thread.Replies {
			r := &m.Thread.Replies[i]
			if r.ID == messageID && statusRank[status] > statusRank[r.Status] {
				r.Status = status
			}
		}
	}
}

// MarkOwnRead marks every own message in the conversation as read. Used when
// a read receipt arrives from the peer.
func (s *MessageStore) MarkOwnRead(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.convs[convID]
	if !ok {
		return
	}
	for _, m := range cs.order {
		if m.IsOwn && statusRank[StatusRead] > statusRank[m.Status] {
			m.Status = StatusRead
		}
	}
}

// ── Reactions ────────────────────────────────────────────────────────────

// ToggleReaction applies an optimistic reaction toggle for userID and
// returns a snapshot of the previous reaction list for rollback. ok is false
// when the message is unknown, in which case nothing changed.
func (s *MessageStore) ToggleReaction(convID, messageID, emoji, userID string) (prev []Reaction, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, found := s.convs[convID]
	if !found {
		return nil, false
	}
	msg, found := cs.byID[messageID]
	if !found {
		return nil, false
	}

	prev = cloneReactions(msg.Reactions)
	msg.Reactions = toggleReactionList(msg.Reactions, emoji, userID)
	return prev, true
}

func toggleReactionList(reactions []Reaction, emoji, userID string) []Reaction {
	out := cloneReactions(reactions)
	for i := range out {
		if out[i].Emoji != emoji {
			continue
		}
		for j, uid := range out[i].UserIDs {
			if uid == userID {
				out[i].UserIDs = append(out[i].UserIDs[:j], out[i].UserIDs[j+1:]...)
				out[i].Count = len(out[i].UserIDs)
				out[i].Reacted = false
				if out[i].Count == 0 {
					return append(out[:i], out[i+1:]...)
				}
				return out
			}
		}
		out[i].UserIDs = append(out[i].UserIDs, userID)
		out[i].Count = len(out[i].UserIDs)
		out[i].Reacted = true
		return out
	}
	return append(out, Reaction{Emoji: emoji, Count: 1, UserIDs: []string{userID}, Reacted: true})
}

// SetReactions replaces a message's reaction list with the authoritative
// server state. Buffered when the conversation has not loaded yet.
func (s *MessageStore) SetReactions(convID, messageID string, reactions []Reaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.conv(convID)
	if msg, ok := cs.byID[messageID]; ok {
		msg.Reactions = reactions
		return
	}
	if !cs.loaded {
		cs.buffered = append(cs.buffered, bufferedOp{kind: "reactions", messageID: messageID, reactions: reactions})
	}
}

// RestoreReactions puts back a previously snapshotted reaction list. Unknown
// messages are a no-op (the message may have been removed meanwhile).
func (s *MessageStore) RestoreReactions(convID, messageID string, reactions []Reaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.convs[convID]
	if !ok {
		return
	}
	if msg, found := cs.byID[messageID]; found {
		msg.Reactions = reactions
	}
}

// ── Removal ──────────────────────────────────────────────────────────────

// Remove tombstones a message out of the ordered sequence and cascades the
// removal into any thread it was a reply within. The removed message is
// returned so an optimistic delete can be rolled back.
func (s *MessageStore) Remove(convID, messageID string) (removed *Message, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.conv(convID)
	if _, found := cs.byID[messageID]; !found && !cs.loaded {
		cs.buffered = append(cs.buffered, bufferedOp{kind: "remove", messageID: messageID})
		return nil, false
	}
	return s.removeLocked(cs, messageID)
}

func (s *MessageStore) removeLocked(cs *convState, messageID string) (*Message, bool) {
	cs.tombstones[messageID] = true
	msg, found := cs.byID[messageID]
	if found {
		delete(cs.byID, messageID)
		for i, m := range cs.order {
			if m == msg {
				cs.order = append(cs.order[:i], cs.order[i+1:]...)
				break
			}
		}
	}
	for _, m := range cs.order {
		if m.Thread != nil {
			m.Thread = removeReply(m.Thread, messageID)
		}
	}
	if !found {
		return nil, false
	}
	out := copyMessage(msg)
	return &out, true
}

// Unremove reverses an optimistic delete: the tombstone is cleared and the
// message reinserted at its timestamp position, including back into its
// parent thread when it was a thread reply.
func (s *MessageStore) Unremove(convID string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.conv(convID)
	delete(cs.tombstones, msg.ID)
	s.insertLocked(cs, msg)
	if msg.ReplyToID != "" {
		if parent, ok := cs.byID[msg.ReplyToID]; ok && parent.Thread != nil {
			parent.Thread = appendReply(parent.Thread, msg)
		}
	}
}

// ── Pending graduation ───────────────────────────────────────────────────

// Confirm graduates a pending local message in place once the server assigns
// its real identity. The message keeps its position in the sequence, and
// every reference that pointed at the temporary id (reply links, thread
// parents) is rewritten to the server id.
func (s *MessageStore) Confirm(convID, localID string, server Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.conv(convID)

	local, ok := cs.byID[localID]
	if !ok {
		// The confirmed message may already be here via the socket.
		s.rewriteRefsLocked(cs, localID, server.ID)
		return false
	}

	if dup, exists := cs.byID[server.ID]; exists && dup != local {
		// Socket delivery won the race: fold the local entry into it.
		mergeMessage(dup, local)
		delete(cs.byID, localID)
		for i, m := range cs.order {
			if m == local {
				cs.order = append(cs.order[:i], cs.order[i+1:]...)
				break
			}
		}
		s.rewriteRefsLocked(cs, localID, server.ID)
		return true
	}

	keepTS := local.Timestamp
	keepInferred := local.TimeInferred
	prevStatus := local.Status
	*local = server
	local.ConversationID = convID
	if server.TimeInferred && !keepInferred {
		local.Timestamp = keepTS
		local.TimeInferred = false
	}
	if statusRank[prevStatus] > statusRank[local.Status] && prevStatus != StatusPending {
		local.Status = prevStatus
	}
	if statusRank[local.Status] < statusRank[StatusSent] {
		local.Status = StatusSent
	}
	delete(cs.byID, localID)
	cs.byID[local.ID] = local

	s.rewriteRefsLocked(cs, localID, local.ID)
	s.resolveRefsLocked(cs, local)
	return true
}

// MarkFailed flags a pending local message as terminally failed.
func (s *MessageStore) MarkFailed(convID, localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.convs[convID]
	if !ok {
		return
	}
	if msg, found := cs.byID[localID]; found {
		msg.Status = StatusFailed
	}
}

// rewriteRefsLocked redirects all references from oldID to newID.
func (s *MessageStore) rewriteRefsLocked(cs *convState, oldID, newID string) {
	for _, m := range cs.order {
		if m.ReplyToID == oldID {
			m.ReplyToID = newID
			if m.ReplyTo != nil {
				m.ReplyTo.ID = newID
			}
		}
		if m.Thread != nil {
			if m.Thread.ParentID == oldID {
				m.Thread.ParentID = newID
			}
			for i := range m.Thread.Replies {
				if m.Thread.Replies[i].ReplyToID == oldID {
					m.Thread.Replies[i].ReplyToID = newID
					if m.Thread.Replies[i].ReplyTo != nil {
						m.Thread.Replies[i].ReplyTo.ID = newID
					}
				}
			}
		}
	}
}

// ── Threads ──────────────────────────────────────────────────────────────

// MergeThreadDetail merges fetched thread detail into the parent message.
// Existing thread state is preserved when the parent is unknown.
func (s *MessageStore) MergeThreadDetail(convID, parentID string, detail Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.convs[convID]
	if !ok {
		return
	}
	parent, found := cs.byID[parentID]
	if !found {
		return
	}
	detail.ParentID = parentID
	parent.Thread = MergeThread(parent.Thread, &detail)
}

// AppendThreadReply adds one reply to the parent's thread aggregate.
func (s *MessageStore) AppendThreadReply(convID, parentID string, reply Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.convs[convID]
	if !ok {
		return
	}
	parent, found := cs.byID[parentID]
	if !found {
		return
	}
	reply.ReplyToID = parentID
	parent.Thread = appendReply(parent.Thread, reply)
}

// RemoveThreadReply drops one reply from the parent's thread aggregate.
func (s *MessageStore) RemoveThreadReply(convID, parentID, replyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.convs[convID]
	if !ok {
		return
	}
	if parent, found := cs.byID[parentID]; found && parent.Thread != nil {
		parent.Thread = removeReply(parent.Thread, replyID)
	}
}

// ── Snapshots ────────────────────────────────────────────────────────────

// Messages returns a copy of the conversation's ordered messages.
func (s *MessageStore) Messages(convID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.convs[convID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(cs.order))
	for _, m := range cs.order {
		out = append(out, copyMessage(m))
	}
	return out
}

// LastMessage returns a copy of the newest message in the conversation.
func (s *MessageStore) LastMessage(convID string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.convs[convID]
	if !ok || len(cs.order) == 0 {
		return nil
	}
	out := copyMessage(cs.order[len(cs.order)-1])
	return &out
}

// Lookup returns a copy of one message by id, or nil.
func (s *MessageStore) Lookup(convID, messageID string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.convs[convID]
	if !ok {
		return nil
	}
	msg, found := cs.byID[messageID]
	if !found {
		return nil
	}
	out := copyMessage(msg)
	return &out
}

// Thread returns a copy of the thread aggregate anchored to parentID.
func (s *MessageStore) Thread(convID, parentID string) *Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.convs[convID]
	if !ok {
		return nil
	}
	parent, found := cs.byID[parentID]
	if !found || parent.Thread == nil {
		return nil
	}
	return cloneThread(parent.Thread)
}

// ── Copy helpers ─────────────────────────────────────────────────────────

func copyMessage(m *Message) Message {
	out := *m
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	out.Reactions = cloneReactions(m.Reactions)
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		out.ReplyTo = &ref
	}
	out.Thread = cloneThread(m.Thread)
	return out
}

func cloneReactions(reactions []Reaction) []Reaction {
	if reactions == nil {
		return nil
	}
	out := make([]Reaction, len(reactions))
	for i, r := range reactions {
		out[i] = r
		out[i].UserIDs = append([]string(nil), r.UserIDs...)
	}
	return out
}
