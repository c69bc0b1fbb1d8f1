package tide

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EngineConfig configures a sync engine.
type EngineConfig struct {
	// Self identifies the current user. Messages from this sender are
	// flagged IsOwn and never counted as unread.
	Self Sender

	// MarkReadDelay debounces the automatic mark-as-read emitted when a
	// conversation becomes actively viewed. Zero uses DefaultMarkReadDelay.
	MarkReadDelay time.Duration
}

// EventFeed is the push side of the engine. Both RealtimeClient and
// RealtimeSSEClient satisfy it.
type EventFeed interface {
	OnChatMessage(func(ChatMessagePayload))
	OnMessageStatus(func(MessageStatusPayload))
	OnReadStatus(func(ReadStatusPayload))
	OnInitialMessages(func(InitialMessagesPayload))
	OnUnreadCount(func(UnreadCountPayload))
}

// Engine reconciles REST fetches, pushed events, and optimistic local
// mutations into one consistent conversation view. All snapshot accessors
// return deep copies, so callers can read them without holding any lock.
type Engine struct {
	client *Client
	self   Sender

	store  *MessageStore
	roster *Roster
	focus  *FocusTracker
	ledger *mutationLedger

	cbMu              sync.RWMutex
	onRosterChanged   []func()
	onConversationChg []func(conversationID string)
	onMutationFailed  []func(PendingMutation)
}

// NewEngine creates a sync engine backed by the given REST client.
func NewEngine(client *Client, config EngineConfig) *Engine {
	e := &Engine{
		client: client,
		self:   config.Self,
		store:  NewMessageStore(),
		roster: NewRoster(),
		ledger: newMutationLedger(),
	}
	e.focus = NewFocusTracker(config.MarkReadDelay, e.markReadNow)
	return e
}

// Close tears the engine down. The REST client and any attached feed stay
// usable; only the engine's own timers are stopped.
func (e *Engine) Close() {
	e.focus.Stop()
}

// ============================================================================
// Change notification
// ============================================================================

// OnRosterChanged registers a handler invoked whenever the conversation list
// or an unread counter changes.
func (e *Engine) OnRosterChanged(h func()) {
	e.cbMu.Lock()
	e.onRosterChanged = append(e.onRosterChanged, h)
	e.cbMu.Unlock()
}

// OnConversationChanged registers a handler invoked whenever the message
// view of a conversation changes.
func (e *Engine) OnConversationChanged(h func(conversationID string)) {
	e.cbMu.Lock()
	e.onConversationChg = append(e.onConversationChg, h)
	e.cbMu.Unlock()
}

// OnMutationFailed registers a handler invoked when an optimistic mutation
// is rejected by the server and its local effects have been rolled back or
// marked failed.
func (e *Engine) OnMutationFailed(h func(PendingMutation)) {
	e.cbMu.Lock()
	e.onMutationFailed = append(e.onMutationFailed, h)
	e.cbMu.Unlock()
}

func (e *Engine) emitRosterChanged() {
	e.cbMu.RLock()
	handlers := append([]func(){}, e.onRosterChanged...)
	e.cbMu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (e *Engine) emitConversationChanged(conversationID string) {
	e.cbMu.RLock()
	handlers := append([]func(string){}, e.onConversationChg...)
	e.cbMu.RUnlock()
	for _, h := range handlers {
		h(conversationID)
	}
}

func (e *Engine) emitMutationFailed(m PendingMutation) {
	e.cbMu.RLock()
	handlers := append([]func(PendingMutation){}, e.onMutationFailed...)
	e.cbMu.RUnlock()
	for _, h := range handlers {
		h(m)
	}
}

// ============================================================================
// REST-driven operations
// ============================================================================

// RefreshRoster fetches the conversation list and merges it into the roster.
// Fetched unread counts are authoritative and replace any local increments.
func (e *Engine) RefreshRoster(ctx context.Context) error {
	raw, err := e.client.ListConversations(ctx)
	if err != nil {
		return err
	}
	for _, rc := range raw {
		e.roster.Upsert(NormalizeConversation(rc, e.self.ID))
	}
	e.emitRosterChanged()
	return nil
}

// OpenConversation makes the conversation active and loads its history if it
// has not been loaded yet. Pushed events that arrived before the fetch are
// preserved and merged, never clobbered.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	e.focus.SetActive(conversationID)

	if !e.store.Loaded(conversationID) {
		raw, err := e.client.GetMessages(ctx, conversationID)
		if err != nil {
			return err
		}
		batch := make([]Message, 0, len(raw))
		for _, rm := range raw {
			if rm.ConversationID == "" {
				rm.ConversationID = conversationID
			}
			batch = append(batch, NormalizeMessage(rm, e.self.ID))
		}
		e.store.LoadMessages(conversationID, batch)
		e.roster.SetLastMessage(conversationID, e.store.LastMessage(conversationID))
	}

	e.emitConversationChanged(conversationID)
	e.emitRosterChanged()
	return nil
}

// SelectConversation changes the active conversation without fetching.
// An empty id deactivates.
func (e *Engine) SelectConversation(conversationID string) {
	e.focus.SetActive(conversationID)
}

// SetWindowState reports host-window visibility and focus. Entering the
// visible and focused state while a conversation is active schedules the
// debounced mark-as-read.
func (e *Engine) SetWindowState(visibility Visibility, focused bool) {
	e.focus.SetWindowState(visibility, focused)
}

// OpenThread fetches full thread detail for a parent message and merges it
// into the store.
func (e *Engine) OpenThread(ctx context.Context, conversationID, parentID string) error {
	raw, err := e.client.GetThread(ctx, conversationID, parentID)
	if err != nil {
		return err
	}
	e.store.MergeThreadDetail(conversationID, parentID, NormalizeThread(*raw, e.self.ID))
	e.emitConversationChanged(conversationID)
	return nil
}

// MarkRead explicitly marks a conversation read, bypassing the debounce.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	e.roster.MarkRead(conversationID)
	e.emitRosterChanged()
	return e.client.MarkRead(ctx, conversationID)
}

// markReadNow is the focus tracker's debounced emit target.
func (e *Engine) markReadNow(conversationID string) {
	e.roster.MarkRead(conversationID)
	e.emitRosterChanged()
	// Best effort. A rejected call is corrected by the next pushed
	// unread_count_update, which always wins.
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	_ = e.client.MarkRead(ctx, conversationID)
}

// ============================================================================
// Push-driven operations
// ============================================================================

// AttachFeed subscribes the engine to a real-time event feed.
func (e *Engine) AttachFeed(feed EventFeed) {
	feed.OnChatMessage(e.handleChatMessage)
	feed.OnMessageStatus(e.handleMessageStatus)
	feed.OnReadStatus(e.handleReadStatus)
	feed.OnInitialMessages(e.handleInitialMessages)
	feed.OnUnreadCount(e.handleUnreadCount)
}

// HandleEnvelope feeds one raw event to the engine. Unknown event types and
// malformed payloads are ignored.
func (e *Engine) HandleEnvelope(env Envelope) {
	switch env.Type {
	case EventChatMessage:
		var p ChatMessagePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			e.handleChatMessage(p)
		}
	case EventMessageStatus:
		var p MessageStatusPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			e.handleMessageStatus(p)
		}
	case EventReadStatus:
		var p ReadStatusPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			e.handleReadStatus(p)
		}
	case EventInitialMessages:
		var p InitialMessagesPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			e.handleInitialMessages(p)
		}
	case EventUnreadCount:
		var p UnreadCountPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			e.handleUnreadCount(p)
		}
	}
}

func (e *Engine) handleChatMessage(p ChatMessagePayload) {
	convID := p.ConversationID
	if convID == "" {
		convID = p.Message.ConversationID
	}
	if convID == "" || p.Message.ID == "" {
		return
	}
	if p.Message.ConversationID == "" {
		p.Message.ConversationID = convID
	}

	msg := NormalizeMessage(p.Message, e.self.ID)
	e.store.Insert(msg)

	engaged := e.focus.Engaged(convID)
	// The store owns ordering; a late-delivered older message must not
	// displace a newer tail in the summary.
	e.roster.SetLastMessage(convID, e.store.LastMessage(convID))
	e.roster.NoteIncoming(convID, &msg, engaged)
	if engaged && !msg.IsOwn {
		e.focus.Touch(convID)
	}

	e.emitConversationChanged(convID)
	e.emitRosterChanged()
}

func (e *Engine) handleMessageStatus(p MessageStatusPayload) {
	if p.ConversationID == "" || p.MessageID == "" {
		return
	}
	e.store.ApplyStatusUpdate(p.ConversationID, p.MessageID, normalizeStatus(p.Status))
	e.emitConversationChanged(p.ConversationID)
}

func (e *Engine) handleReadStatus(p ReadStatusPayload) {
	if p.ConversationID == "" {
		return
	}
	if p.ReaderID == e.self.ID {
		// Our own receipt, echoed from another session.
		e.roster.MarkRead(p.ConversationID)
		e.emitRosterChanged()
		return
	}
	// Someone else read the conversation: all our messages there are read.
	e.store.MarkOwnRead(p.ConversationID)
	e.emitConversationChanged(p.ConversationID)
}

func (e *Engine) handleInitialMessages(p InitialMessagesPayload) {
	if p.ConversationID == "" {
		return
	}
	batch := make([]Message, 0, len(p.Messages))
	for _, rm := range p.Messages {
		if rm.ConversationID == "" {
			rm.ConversationID = p.ConversationID
		}
		batch = append(batch, NormalizeMessage(rm, e.self.ID))
	}
	e.store.LoadMessages(p.ConversationID, batch)
	e.roster.SetLastMessage(p.ConversationID, e.store.LastMessage(p.ConversationID))
	e.emitConversationChanged(p.ConversationID)
	e.emitRosterChanged()
}

func (e *Engine) handleUnreadCount(p UnreadCountPayload) {
	if p.ConversationID == "" {
		return
	}
	e.roster.ApplyServerUnread(p.ConversationID, p.UnreadCount)
	e.emitRosterChanged()
}

// ============================================================================
// Optimistic mutations
// ============================================================================

// Send creates a message optimistically and confirms it against the server.
// The returned local id identifies the message until the server id replaces
// it; on failure the message stays visible with status failed and is never
// retried automatically.
func (e *Engine) Send(ctx context.Context, conversationID, content, replyToID string) (string, error) {
	localID := newLocalID()
	msg := Message{
		ID:             localID,
		ConversationID: conversationID,
		Content:        content,
		Sender:         e.self,
		Timestamp:      time.Now(),
		Status:         StatusPending,
		IsOwn:          true,
		Type:           classifyMessageType(content, nil),
		ReplyToID:      replyToID,
	}
	e.store.Insert(msg)
	e.roster.SetLastMessage(conversationID, e.store.LastMessage(conversationID))
	e.emitConversationChanged(conversationID)
	e.emitRosterChanged()

	ledgerID := e.ledger.register(PendingMutation{
		Kind:           MutationSend,
		ConversationID: conversationID,
		TargetID:       localID,
	})

	raw, err := e.client.SendMessage(ctx, conversationID, SendMessageRequest{
		Content:   content,
		ReplyToID: replyToID,
	})
	if err != nil {
		e.store.MarkFailed(conversationID, localID)
		e.failMutation(ledgerID, err)
		e.emitConversationChanged(conversationID)
		return localID, err
	}

	if raw.ConversationID == "" {
		raw.ConversationID = conversationID
	}
	server := NormalizeMessage(*raw, e.self.ID)
	e.store.Confirm(conversationID, localID, server)
	e.roster.SetLastMessage(conversationID, e.store.LastMessage(conversationID))
	e.ledger.resolve(ledgerID)
	e.emitConversationChanged(conversationID)
	e.emitRosterChanged()
	return server.ID, nil
}

// Reply posts a reply into a message's thread optimistically. On success the
// server's thread detail replaces the provisional reply; on failure the
// reply stays in the thread with status failed.
func (e *Engine) Reply(ctx context.Context, conversationID, parentID, content string) (string, error) {
	localID := newLocalID()
	reply := Message{
		ID:             localID,
		ConversationID: conversationID,
		Content:        content,
		Sender:         e.self,
		Timestamp:      time.Now(),
		Status:         StatusPending,
		IsOwn:          true,
		Type:           TypeText,
	}
	e.store.AppendThreadReply(conversationID, parentID, reply)
	e.emitConversationChanged(conversationID)

	ledgerID := e.ledger.register(PendingMutation{
		Kind:           MutationReply,
		ConversationID: conversationID,
		TargetID:       localID,
	})

	raw, err := e.client.PostThreadReply(ctx, conversationID, parentID, content)
	if err != nil {
		e.store.ApplyStatusUpdate(conversationID, localID, StatusFailed)
		e.failMutation(ledgerID, err)
		e.emitConversationChanged(conversationID)
		return localID, err
	}

	e.store.RemoveThreadReply(conversationID, parentID, localID)
	e.store.MergeThreadDetail(conversationID, parentID, NormalizeThread(*raw, e.self.ID))
	e.ledger.resolve(ledgerID)
	e.emitConversationChanged(conversationID)
	return localID, nil
}

// React toggles an emoji reaction optimistically. On failure the previous
// reaction list is restored exactly.
func (e *Engine) React(ctx context.Context, conversationID, messageID, emoji string) error {
	prev, ok := e.store.ToggleReaction(conversationID, messageID, emoji, e.self.ID)
	if !ok {
		return fmt.Errorf("unknown message %s", messageID)
	}
	e.emitConversationChanged(conversationID)

	ledgerID := e.ledger.register(PendingMutation{
		Kind:           MutationReact,
		ConversationID: conversationID,
		TargetID:       messageID,
	})

	result, err := e.client.React(ctx, conversationID, messageID, emoji)
	if err != nil {
		e.store.RestoreReactions(conversationID, messageID, prev)
		e.failMutation(ledgerID, err)
		e.emitConversationChanged(conversationID)
		return err
	}

	if result.Reactions != nil {
		e.store.SetReactions(conversationID, messageID,
			normalizeReactions(result.Reactions, e.self.ID))
	}
	e.ledger.resolve(ledgerID)
	e.emitConversationChanged(conversationID)
	return nil
}

// Delete removes a message optimistically. On failure the message is
// reinstated at its former position, thread links included.
func (e *Engine) Delete(ctx context.Context, conversationID, messageID string) error {
	removed, ok := e.store.Remove(conversationID, messageID)
	if !ok {
		return fmt.Errorf("unknown message %s", messageID)
	}
	e.roster.SetLastMessage(conversationID, e.store.LastMessage(conversationID))
	e.emitConversationChanged(conversationID)
	e.emitRosterChanged()

	ledgerID := e.ledger.register(PendingMutation{
		Kind:           MutationDelete,
		ConversationID: conversationID,
		TargetID:       messageID,
	})

	if err := e.client.DeleteMessage(ctx, conversationID, messageID); err != nil {
		e.store.Unremove(conversationID, *removed)
		e.roster.SetLastMessage(conversationID, e.store.LastMessage(conversationID))
		e.failMutation(ledgerID, err)
		e.emitConversationChanged(conversationID)
		e.emitRosterChanged()
		return err
	}

	e.ledger.resolve(ledgerID)
	return nil
}

func (e *Engine) failMutation(ledgerID string, err error) {
	if m := e.ledger.fail(ledgerID, err); m != nil {
		e.emitMutationFailed(*m)
	}
}

// DiscardFailed drops a failed mutation from the ledger once the caller has
// surfaced it.
func (e *Engine) DiscardFailed(ledgerID string) {
	e.ledger.discard(ledgerID)
}

// ============================================================================
// Snapshots
// ============================================================================

// Conversations returns the roster sorted by most recent activity.
func (e *Engine) Conversations() []Conversation {
	return e.roster.Conversations()
}

// Conversation returns one conversation summary, or nil if unknown.
func (e *Engine) Conversation(conversationID string) *Conversation {
	return e.roster.Get(conversationID)
}

// Messages returns the ordered message view of a conversation.
func (e *Engine) Messages(conversationID string) []Message {
	return e.store.Messages(conversationID)
}

// Thread returns the thread anchored at a parent message, or nil.
func (e *Engine) Thread(conversationID, parentID string) *Thread {
	return e.store.Thread(conversationID, parentID)
}

// UnreadCount returns the unread counter for a conversation.
func (e *Engine) UnreadCount(conversationID string) int {
	return e.roster.UnreadCount(conversationID)
}

// PendingMutations returns all in-flight and failed mutations.
func (e *Engine) PendingMutations() []PendingMutation {
	return e.ledger.snapshot()
}

// ActiveConversation returns the currently active conversation id.
func (e *Engine) ActiveConversation() string {
	return e.focus.Active()
}
