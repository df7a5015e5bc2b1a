package data

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/PaulBabatuyi/realtime-conversations/internal/normalize"
)

// excerptLen bounds the message text copied into notifications and
// conversation summaries.
const excerptLen = 100

// NotificationsStore dispatches and updates receiver notifications.
type NotificationsStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewNotificationsStore returns a NotificationsStore using the given collection.
func NewNotificationsStore(coll *mongo.Collection) *NotificationsStore {
	return &NotificationsStore{coll: coll, now: time.Now}
}

// Excerpt shortens a message body for summaries and notifications.
func Excerpt(body string) string {
	return normalize.Excerpt(body, excerptLen)
}

func newNotification(in NewNotification, now time.Time) *Notification {
	now = now.UTC().Truncate(time.Millisecond)
	name := in.Sender.Name
	if name == "" {
		name = normalize.ShortID(in.Sender.ID)
	}
	return &Notification{
		ID:             uuid.Must(uuid.NewV7()).String(),
		UserID:         in.Recipient,
		Title:          fmt.Sprintf("New message from %s", name),
		Body:           in.Excerpt,
		Type:           NotificationTypeMessage,
		SenderID:       in.Sender.ID,
		SenderName:     in.Sender.Name,
		SenderType:     in.Sender.Type,
		Link:           in.Link,
		ConversationID: in.ConversationID,
		MessageID:      in.MessageID,
		IsRead:         false,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Dispatch writes exactly one notification for the receiver of a message.
// Call it inside the send transaction so it commits or rolls back with the message.
func (n *NotificationsStore) Dispatch(ctx context.Context, in NewNotification) (*Notification, error) {
	note := newNotification(in, n.now())
	if _, err := n.coll.InsertOne(ctx, note); err != nil {
		return nil, Classify(err)
	}
	return note, nil
}

// MarkRead marks one of userID's notifications read. A notification owned by
// someone else is reported as not found.
func (n *NotificationsStore) MarkRead(ctx context.Context, id, userID string) error {
	update := bson.M{"$set": bson.M{"is_read": true, "updated_at": n.now().UTC()}}
	res, err := n.coll.UpdateOne(ctx, bson.M{"_id": id, "user_id": userID}, update)
	if err != nil {
		return Classify(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
