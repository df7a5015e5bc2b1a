// Package db manages the MongoDB connection, collections, indexes and transactions.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"
)

// Collection names.
const (
	Conversations = "conversations"
	Messages      = "messages"
	Notifications = "notifications"
	Parties       = "parties"
)

// Client wraps mongo.Client and exposes collections.
type Client struct {
	// client is the underlying connection pool, safe for concurrent use
	client *mongo.Client
	db     *mongo.Database
}

// New connects to MongoDB, pings the primary and selects the database.
// Transactions and change streams require a replica set or sharded cluster.
func New(ctx context.Context, mongoURI, database string) (*Client, error) {
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		client: client,
		db:     client.Database(database),
	}, nil
}

// ConversationsCollection returns the conversations collection.
func (c *Client) ConversationsCollection() *mongo.Collection {
	return c.db.Collection(Conversations)
}

// MessagesCollection returns the messages collection.
func (c *Client) MessagesCollection() *mongo.Collection {
	return c.db.Collection(Messages)
}

// NotificationsCollection returns the notifications collection.
func (c *Client) NotificationsCollection() *mongo.Collection {
	return c.db.Collection(Notifications)
}

// PartiesCollection returns the party directory collection.
func (c *Client) PartiesCollection() *mongo.Collection {
	return c.db.Collection(Parties)
}

// Ping checks that the primary is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// commitAttempts bounds commit retries on UnknownTransactionCommitResult.
const commitAttempts = 3

// WithTransaction runs fn once in a snapshot, majority-committed transaction.
// fn must use the ctx it is given so its operations join the session. A
// conflicting or transient failure is returned as is, so the caller decides
// whether and when to retry; only a commit with an unknown outcome is
// retried here.
func (c *Client) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := c.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := sess.StartTransaction(txOpts); err != nil {
		return err
	}

	sctx := mongo.NewSessionContext(ctx, sess)
	if err := fn(sctx); err != nil {
		if abortErr := sess.AbortTransaction(context.WithoutCancel(sctx)); abortErr != nil {
			return errors.Join(err, fmt.Errorf("abort transaction: %w", abortErr))
		}
		return err
	}
	return commit(sctx, sess)
}

func commit(ctx context.Context, sess *mongo.Session) error {
	for attempt := 1; ; attempt++ {
		err := sess.CommitTransaction(ctx)
		if err == nil {
			return nil
		}
		if attempt >= commitAttempts || ctx.Err() != nil || !HasErrorLabel(err, "UnknownTransactionCommitResult") {
			return err
		}
	}
}

// HasErrorLabel reports whether any error in err's chain carries label.
func HasErrorLabel(err error, label string) bool {
	var le mongo.LabeledError
	return errors.As(err, &le) && le.HasErrorLabel(label)
}

// CreateIndexes creates the indexes every query relies on.
func (c *Client) CreateIndexes(ctx context.Context) error {
	conversationIndexes := []mongo.IndexModel{
		{
			// one conversation per unordered pair; findOrCreate upserts on it
			Keys:    bson.D{{Key: "pair_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// conversation list of a party, newest first
			Keys: bson.D{{Key: "participants", Value: 1}, {Key: "is_active", Value: 1}, {Key: "updated_at", Value: -1}},
		},
	}
	if _, err := c.ConversationsCollection().Indexes().CreateMany(ctx, conversationIndexes); err != nil {
		return fmt.Errorf("failed to create conversation indexes: %w", err)
	}

	messageIndexes := []mongo.IndexModel{
		{
			// ordered log of a conversation and cursor pagination
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}},
		},
		{
			// markRead: unread messages addressed to a party
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "is_read", Value: 1}},
		},
	}
	if _, err := c.MessagesCollection().Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	notificationIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "is_read", Value: 1}, {Key: "created_at", Value: -1}},
	}
	if _, err := c.NotificationsCollection().Indexes().CreateOne(ctx, notificationIndex); err != nil {
		return fmt.Errorf("failed to create notification index: %w", err)
	}
	return nil
}

// DropAll drops every collection owned by this service. Tests only.
func (c *Client) DropAll(ctx context.Context) error {
	for _, name := range []string{Conversations, Messages, Notifications, Parties} {
		if err := c.db.Collection(name).Drop(ctx); err != nil {
			return err
		}
	}
	return nil
}
