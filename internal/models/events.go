package models

import "time"

// Events pushed to client connections.
const (
	EventPresenceChanged      = "presence_changed"
	EventMessageSentAck       = "message_sent_ack"
	EventMessageReceived      = "message_received"
	EventMessageStatusChanged = "message_status_changed"
	EventTypingChanged        = "typing_changed"
	EventMessageEdited        = "message_edited"
	EventMessageDeleted       = "message_deleted"
	EventError                = "error"
	EventPong                 = "pong"
)

// Event is the envelope for everything written to a client connection.
type Event struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"ts"`
}

func NewEvent(eventType string, payload any) Event {
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

type PresencePayload struct {
	UserID   int        `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type SentAckPayload struct {
	ClientMessageID string   `json:"client_message_id"`
	Message         *Message `json:"message"`
}

type MessagePayload struct {
	Message *Message `json:"message"`
}

// StatusPayload carries either a single message ID or, for coalesced batch
// receipts, the list of affected message IDs.
type StatusPayload struct {
	MessageID  int    `json:"message_id,omitempty"`
	MessageIDs []int  `json:"message_ids,omitempty"`
	Status     Status `json:"status"`
}

type TypingPayload struct {
	UserID   int  `json:"user_id"`
	PeerID   int  `json:"peer_id"`
	IsTyping bool `json:"is_typing"`
}

type EditedPayload struct {
	MessageID int       `json:"message_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

type DeletedPayload struct {
	MessageID int         `json:"message_id"`
	Scope     DeleteScope `json:"scope"`
}

type ErrorPayload struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// SignalPayload relays WebRTC call signaling between peers.
type SignalPayload struct {
	SenderID int            `json:"sender_id"`
	Data     map[string]any `json:"data,omitempty"`
}
