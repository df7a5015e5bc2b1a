package data

import (
	"encoding/base64"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DeliveryStatus is the client-visible delivery state of a message.
// Clients render an optimistic "sending" echo and reconcile it to the
// committed "sent" message returned by the server.
type DeliveryStatus string

const (
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
)

// NotificationTypeMessage is the only notification type emitted by sends.
const NotificationTypeMessage = "message"

// Participant is a party as seen from a conversation: id plus the
// denormalized display name and party type (player, club, agent, ...).
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`

	// Placeholder marks a name made up because the directory was unreachable.
	// Placeholders are shown but never written back as cached names.
	Placeholder bool `json:"-"`
}

// Conversation maps to the conversations collection. Exactly two
// participants; the pair key is unique across the collection.
type Conversation struct {
	ID               string            `bson:"_id" json:"id"`
	PairKey          string            `bson:"pair_key" json:"-"`
	Participants     []string          `bson:"participants" json:"participants"`
	ParticipantNames map[string]string `bson:"participant_names" json:"participantNames"`
	ParticipantTypes map[string]string `bson:"participant_types" json:"participantTypes"`
	LastMessage      string            `bson:"last_message" json:"lastMessage"`
	LastMessageID    string            `bson:"last_message_id" json:"lastMessageId,omitempty"`
	LastMessageTime  time.Time         `bson:"last_message_time" json:"lastMessageTime"`
	LastSenderID     string            `bson:"last_sender_id" json:"lastSenderId,omitempty"`
	UnreadCount      map[string]int64  `bson:"unread_count" json:"unreadCount"`
	MessageCount     int64             `bson:"message_count" json:"messageCount"`
	IsActive         bool              `bson:"is_active" json:"isActive"`
	CreatedAt        time.Time         `bson:"created_at" json:"createdAt"`
	UpdatedAt        time.Time         `bson:"updated_at" json:"updatedAt"`
	Version          int64             `bson:"version" json:"version"`
}

// DocKey implements Document.
func (c *Conversation) DocKey() string { return c.ID }

// DocVersion implements Document.
func (c *Conversation) DocVersion() int64 { return c.Version }

// HasParticipant reports whether partyID is one of the two participants.
func (c *Conversation) HasParticipant(partyID string) bool {
	return slices.Contains(c.Participants, partyID)
}

// Other returns the participant that is not partyID.
func (c *Conversation) Other(partyID string) string {
	for _, p := range c.Participants {
		if p != partyID {
			return p
		}
	}
	return ""
}

// Participant returns the cached view of one participant.
func (c *Conversation) Participant(partyID string) Participant {
	return Participant{ID: partyID, Name: c.ParticipantNames[partyID], Type: c.ParticipantTypes[partyID]}
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	out.ParticipantNames = maps.Clone(c.ParticipantNames)
	out.ParticipantTypes = maps.Clone(c.ParticipantTypes)
	out.UnreadCount = maps.Clone(c.UnreadCount)
	return &out
}

// Message maps to the messages collection. Immutable apart from IsRead.
type Message struct {
	ID             string         `bson:"_id" json:"id"`
	ConversationID string         `bson:"conversation_id" json:"conversationId"`
	SenderID       string         `bson:"sender_id" json:"senderId"`
	ReceiverID     string         `bson:"receiver_id" json:"receiverId"`
	SenderName     string         `bson:"sender_name" json:"senderName"`
	ReceiverName   string         `bson:"receiver_name" json:"receiverName"`
	SenderType     string         `bson:"sender_type" json:"senderType"`
	ReceiverType   string         `bson:"receiver_type" json:"receiverType"`
	Body           string         `bson:"body" json:"body"`
	Timestamp      time.Time      `bson:"timestamp" json:"timestamp"`
	IsRead         bool           `bson:"is_read" json:"isRead"`
	DeliveryStatus DeliveryStatus `bson:"delivery_status" json:"deliveryStatus"`
	Version        int64          `bson:"version" json:"version"`
}

// DocKey implements Document.
func (m *Message) DocKey() string { return m.ID }

// DocVersion implements Document.
func (m *Message) DocVersion() int64 { return m.Version }

// Clone returns a copy.
func (m *Message) Clone() *Message {
	out := *m
	return &out
}

// Notification maps to the notifications collection.
type Notification struct {
	ID             string    `bson:"_id" json:"id"`
	UserID         string    `bson:"user_id" json:"userId"`
	Title          string    `bson:"title" json:"title"`
	Body           string    `bson:"body" json:"body"`
	Type           string    `bson:"type" json:"type"`
	SenderID       string    `bson:"sender_id" json:"senderId"`
	SenderName     string    `bson:"sender_name" json:"senderName"`
	SenderType     string    `bson:"sender_type" json:"senderType"`
	Link           string    `bson:"link" json:"link"`
	ConversationID string    `bson:"conversation_id" json:"conversationId"`
	MessageID      string    `bson:"message_id" json:"messageId"`
	IsRead         bool      `bson:"is_read" json:"isRead"`
	CreatedAt      time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `bson:"updated_at" json:"updatedAt"`
}

// Clone returns a copy.
func (n *Notification) Clone() *Notification {
	out := *n
	return &out
}

// NewMessage is the input of MessageStore.Append.
type NewMessage struct {
	ConversationID string
	Sender         Participant
	Receiver       Participant
	Body           string

	// NotBefore is the conversation's last message time; the assigned
	// timestamp is strictly after it.
	NotBefore time.Time
}

// MessageSummary is the last-message projection written onto a conversation.
type MessageSummary struct {
	MessageID string
	Excerpt   string
	At        time.Time
}

// NewNotification is the input of NotificationDispatcher.Dispatch.
type NewNotification struct {
	Recipient      string
	Sender         Participant
	Excerpt        string
	Link           string
	ConversationID string
	MessageID      string
}

// ConversationLink is the deep link stored on message notifications.
func ConversationLink(conversationID string) string {
	return "/messages?conversation=" + conversationID
}

// NextTimestamp returns the server timestamp for a message appended after
// notBefore: the clock reading truncated to store precision, pushed forward
// when it would not be strictly later than notBefore.
func NextTimestamp(now, notBefore time.Time) time.Time {
	ts := now.UTC().Truncate(time.Millisecond)
	if !notBefore.IsZero() && !ts.After(notBefore) {
		ts = notBefore.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return ts
}

// Cursor is a position in a conversation's ordered message log.
type Cursor struct {
	After time.Time
	ID    string
}

// IsZero reports whether the cursor points at the start of the log.
func (c Cursor) IsZero() bool { return c.ID == "" && c.After.IsZero() }

// Encode returns the opaque wire form of the cursor.
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := strconv.FormatInt(c.After.UnixMilli(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// before reports whether the message sorts at or before the cursor.
func (c Cursor) before(m *Message) bool {
	if m.Timestamp.Equal(c.After) {
		return m.ID <= c.ID
	}
	return m.Timestamp.Before(c.After)
}

// ParseCursor decodes a cursor produced by Encode. The empty string is the zero cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	ms, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return Cursor{}, fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	return Cursor{After: time.UnixMilli(n).UTC(), ID: id}, nil
}

// MessagePage is one page of ListOrdered.
type MessagePage struct {
	Messages []*Message
	Next     Cursor
	HasMore  bool
}

func newPage(msgs []*Message, limit int) *MessagePage {
	page := &MessagePage{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.HasMore = true
	}
	if n := len(page.Messages); n > 0 {
		last := page.Messages[n-1]
		page.Next = Cursor{After: last.Timestamp, ID: last.ID}
	}
	return page
}

// LessByTimestamp orders messages ascending by timestamp, then id.
func LessByTimestamp(a, b *Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// LessByRecency orders conversations by updatedAt descending, then id.
func LessByRecency(a, b *Conversation) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID < b.ID
}
