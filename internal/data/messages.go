package data

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessagesStore provides message database operations. Messages are an
// append-only log per conversation, ordered by (timestamp, _id).
type MessagesStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewMessagesStore returns a MessagesStore using the given collection.
func NewMessagesStore(coll *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: coll, now: time.Now}
}

// newMessage builds the committed form of a message.
func newMessage(in NewMessage, now time.Time) *Message {
	return &Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: in.ConversationID,
		SenderID:       in.Sender.ID,
		ReceiverID:     in.Receiver.ID,
		SenderName:     in.Sender.Name,
		ReceiverName:   in.Receiver.Name,
		SenderType:     in.Sender.Type,
		ReceiverType:   in.Receiver.Type,
		Body:           in.Body,
		Timestamp:      NextTimestamp(now, in.NotBefore),
		IsRead:         false,
		DeliveryStatus: DeliverySent,
		Version:        1,
	}
}

// Append inserts a message with a server-assigned timestamp strictly after
// in.NotBefore. Call it inside the send transaction.
func (m *MessagesStore) Append(ctx context.Context, in NewMessage) (*Message, error) {
	msg := newMessage(in, m.now())
	if _, err := m.coll.InsertOne(ctx, msg); err != nil {
		return nil, Classify(err)
	}
	return msg, nil
}

// MarkRead flips isRead on every unread message addressed to partyID in the
// conversation and returns how many changed. Run it in a transaction to make
// the batch all-or-nothing.
func (m *MessagesStore) MarkRead(ctx context.Context, conversationID, partyID string) (int64, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"receiver_id":     partyID,
		"is_read":         false,
	}
	update := bson.M{
		"$set": bson.M{"is_read": true},
		"$inc": bson.M{"version": 1},
	}
	res, err := m.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, Classify(err)
	}
	return res.ModifiedCount, nil
}

// ListOrdered returns up to limit messages after the cursor, oldest first.
func (m *MessagesStore) ListOrdered(ctx context.Context, conversationID string, after Cursor, limit int) (*MessagePage, error) {
	filter := bson.M{"conversation_id": conversationID}
	if !after.IsZero() {
		// (timestamp, _id) > (after.After, after.ID)
		filter["$or"] = bson.A{
			bson.M{"timestamp": bson.M{"$gt": after.After}},
			bson.M{"timestamp": after.After, "_id": bson.M{"$gt": after.ID}},
		}
	}

	// fetch one extra document to learn whether another page exists
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit) + 1)

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, Classify(err)
	}
	defer cursor.Close(ctx)

	var msgs []*Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, Classify(err)
	}
	return newPage(msgs, limit), nil
}

// InConversation is the live query "messages of conversationID", oldest first.
func (m *MessagesStore) InConversation(conversationID string) Query[*Message] {
	return &mongoQuery[*Message]{
		coll:   m.coll,
		filter: bson.D{{Key: "conversation_id", Value: conversationID}},
		sort:   bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}},
		match:  bson.D{{Key: "fullDocument.conversation_id", Value: conversationID}},
		decode: decodeInto[Message],
	}
}
