package tide

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a server-reported error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Canonical Model
// ============================================================================

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders statuses for monotonic updates. Failed is terminal and
// absorbs everything else.
var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusFailed:    4,
}

// MessageType classifies a message by its content.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeFile  MessageType = "file"
	TypeImage MessageType = "image"
	TypeMixed MessageType = "mixed"
)

// Sender is the resolved identity of a message author.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Reaction is the aggregate view of one emoji on one message.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"userIds"`
	Reacted bool     `json:"reacted"` // current user is in UserIDs
}

// ReplyRef is a resolved snapshot of the message being replied to.
type ReplyRef struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Sender  Sender `json:"sender"`
}

// Thread is the aggregate of replies anchored to one parent message.
type Thread struct {
	ParentID          string    `json:"parentId"`
	Replies           []Message `json:"replies"`
	RepliesCount      int       `json:"repliesCount"`
	ParticipantsCount int       `json:"participantsCount"`
	LastReplyAt       time.Time `json:"lastReplyAt"`
}

// Message is the canonical message shape all inputs normalize to.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Content        string        `json:"content"`
	Sender         Sender        `json:"sender"`
	Timestamp      time.Time     `json:"timestamp"`
	TimeInferred   bool          `json:"timeInferred"` // timestamp was missing or unparseable
	Status         MessageStatus `json:"status"`
	IsOwn          bool          `json:"isOwn"`
	Type           MessageType   `json:"type"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	ReplyToID      string        `json:"replyToId,omitempty"` // raw reference, may be unresolved
	ReplyTo        *ReplyRef     `json:"replyTo,omitempty"`
	Thread         *Thread       `json:"thread,omitempty"`
}

// ConversationType distinguishes direct chats from groups.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Conversation is the summary-level view of one conversation.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Name         string           `json:"name"`
	AvatarURL    string           `json:"avatarUrl"`
	Participants []Sender         `json:"participants,omitempty"`
	LastMessage  *Message         `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
	Online       bool             `json:"online"`
}

// MutationKind identifies an optimistic mutation.
type MutationKind string

const (
	MutationSend   MutationKind = "send"
	MutationReact  MutationKind = "react"
	MutationReply  MutationKind = "reply"
	MutationDelete MutationKind = "delete"
)

// PendingMutation is the transient record of a not-yet-confirmed local change.
type PendingMutation struct {
	ID             string       `json:"id"`
	Kind           MutationKind `json:"kind"`
	ConversationID string       `json:"conversationId"`
	TargetID       string       `json:"targetId"`
	CreatedAt      time.Time    `json:"createdAt"`
	Failed         bool         `json:"failed"`
	Err            error        `json:"-"`
}

// ============================================================================
// Raw Wire Shapes
// ============================================================================

// RawSender is the loosely-typed sender object as servers emit it.
type RawSender struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Avatar    string `json:"avatar"`
}

// RawFile is a file entry on a raw message.
type RawFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// RawReaction is one emoji bucket on a raw message.
type RawReaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
}

// RawMessage is a message as the REST API or a socket frame delivers it.
// Fields may be missing; the normalizer tolerates all of them.
type RawMessage struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Content        string        `json:"content"`
	Sender         *RawSender    `json:"sender"`
	CreatedAt      string        `json:"created_at"`
	Status         string        `json:"status"`
	Files          []RawFile     `json:"files,omitempty"`
	Reactions      []RawReaction `json:"reactions,omitempty"`
	ReplyToID      string        `json:"reply_to_id,omitempty"`
	Thread         *RawThread    `json:"thread,omitempty"`
}

// RawThread is thread detail as the API returns it.
type RawThread struct {
	ParentID          string       `json:"parent_id"`
	Replies           []RawMessage `json:"replies"`
	RepliesCount      int          `json:"replies_count"`
	ParticipantsCount int          `json:"participants_count"`
	LastReplyAt       string       `json:"last_reply_at"`
}

// RawConversation is a conversation summary as the API returns it.
type RawConversation struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Name         string      `json:"name"`
	Avatar       string      `json:"avatar"`
	UnreadCount  int         `json:"unread_count"`
	Participants []RawSender `json:"participants,omitempty"`
	LastMessage  *RawMessage `json:"last_message,omitempty"`
	Online       bool        `json:"online"`
}

// ============================================================================
// Real-Time Envelope
// ============================================================================

// Event types carried on the real-time stream. Unknown types are ignored.
const (
	EventChatMessage     = "chat_message"
	EventMessageStatus   = "message_status"
	EventReadStatus      = "read_status"
	EventInitialMessages = "initial_messages"
	EventUnreadCount     = "unread_count_update"
)

// Envelope is the wire format for all real-time events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ChatMessagePayload carries a newly created message.
type ChatMessagePayload struct {
	ConversationID string     `json:"conversation_id"`
	Message        RawMessage `json:"message"`
}

// MessageStatusPayload carries a delivery-state change for one message.
type MessageStatusPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Status         string `json:"status"`
}

// ReadStatusPayload is a read receipt: the reader has seen everything in the
// conversation up to this point.
type ReadStatusPayload struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
}

// InitialMessagesPayload carries a server-pushed message backlog.
type InitialMessagesPayload struct {
	ConversationID string       `json:"conversation_id"`
	Messages       []RawMessage `json:"messages"`
}

// UnreadCountPayload is the authoritative unread counter for a conversation.
type UnreadCountPayload struct {
	ConversationID string `json:"conversation_id"`
	UnreadCount    int    `json:"unread_count"`
}

// ============================================================================
// REST Request/Response Shapes
// ============================================================================

// SendMessageRequest is the body for POST /conversations/{id}/messages.
type SendMessageRequest struct {
	Content   string `json:"content"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// ReactRequest is the body for POST .../messages/{id}/react.
type ReactRequest struct {
	Emoji string `json:"emoji"`
}

// ReactResult is the response to a reaction toggle. Reactions, when present,
// is the authoritative post-toggle list for the message.
type ReactResult struct {
	Removed   bool          `json:"removed"`
	Reactions []RawReaction `json:"reactions,omitempty"`
}

// ThreadReplyRequest is the body for POST .../messages/{id}/threads.
type ThreadReplyRequest struct {
	Content string `json:"content"`
}
