package models

import "time"

// Status is the delivery state of a message. It only ever moves forward:
// sent < delivered < read.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses. Unknown values rank below sent.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

func (s Status) Valid() bool {
	return s.Rank() > 0
}

// Advances reports whether moving from s to next is a forward transition.
func (s Status) Advances(next Status) bool {
	return next.Rank() > s.Rank()
}

// Visibility controls who may see a user's presence and last-seen time.
type Visibility string

const (
	VisibleEveryone Visibility = "everyone"
	VisibleContacts Visibility = "contacts"
	VisibleNobody   Visibility = "nobody"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibleEveryone, VisibleContacts, VisibleNobody:
		return true
	}
	return false
}

type Privacy struct {
	LastSeen     Visibility `json:"last_seen"`
	ReadReceipts bool       `json:"read_receipts"`
}

// DefaultPrivacy is applied to newly registered users.
func DefaultPrivacy() Privacy {
	return Privacy{LastSeen: VisibleEveryone, ReadReceipts: true}
}

type User struct {
	ID          int        `json:"id"`
	Username    string     `json:"username"`
	DisplayName *string    `json:"display_name,omitempty"`
	AvatarURL   *string    `json:"avatar_url,omitempty"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	Privacy     Privacy    `json:"privacy"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Message struct {
	ID                 int        `json:"id"`
	SenderID           int        `json:"sender_id"`
	ReceiverID         int        `json:"receiver_id"`
	Content            string     `json:"content"`
	MediaURL           *string    `json:"media_url,omitempty"`
	Status             Status     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	DeliveredAt        *time.Time `json:"delivered_at,omitempty"`
	ReadAt             *time.Time `json:"read_at,omitempty"`
	Edited             bool       `json:"edited"`
	EditedAt           *time.Time `json:"edited_at,omitempty"`
	DeletedForEveryone bool       `json:"deleted_for_everyone,omitempty"`
}

// Snapshot returns a copy to hand to connections. Events are encoded on the
// connection's own goroutine after Emit returns, so the copy must not be
// changed afterwards.
func (m *Message) Snapshot() *Message {
	c := *m
	return &c
}

// Peer returns the other participant of the message from userID's side.
func (m *Message) Peer(userID int) int {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Edit is one entry of a message's edit history.
type Edit struct {
	MessageID       int       `json:"message_id"`
	EditorID        int       `json:"editor_id"`
	PreviousContent string    `json:"previous_content"`
	EditedAt        time.Time `json:"edited_at"`
}

type DeleteScope string

const (
	DeleteForSelf     DeleteScope = "self"
	DeleteForEveryone DeleteScope = "everyone"
)

// PushSubscription is a stored Web Push endpoint of a user's device.
type PushSubscription struct {
	Endpoint  string `json:"endpoint"`
	KeyP256dh string `json:"p256dh"`
	KeyAuth   string `json:"auth"`
}
