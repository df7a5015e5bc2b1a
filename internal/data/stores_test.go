package data

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/PaulBabatuyi/realtime-conversations/internal/db"
)

// MongoDB integration tests. They need a replica set (transactions and
// change streams) and run only when MONGODB_URI is set.

func mongoStores(t *testing.T) (*db.Client, *ConversationsStore, *MessagesStore, *NotificationsStore) {
	t.Helper()
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping integration test")
	}

	ctx := context.Background()
	c, err := db.New(ctx, uri, "chat_db_test")
	if err != nil {
		t.Fatalf("db.New failed: %v", err)
	}
	_ = c.DropAll(ctx)
	if err := c.CreateIndexes(ctx); err != nil {
		t.Fatalf("CreateIndexes failed: %v", err)
	}
	t.Cleanup(func() {
		_ = c.DropAll(context.Background())
		_ = c.Close(context.Background())
	})

	return c,
		NewConversationsStore(c.ConversationsCollection()),
		NewMessagesStore(c.MessagesCollection()),
		NewNotificationsStore(c.NotificationsCollection())
}

func TestMongoFindOrCreateConcurrent(t *testing.T) {
	_, convs, _, _ := mongoStores(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice, bob
			if i%2 == 1 {
				a, b = b, a
			}
			// a lost upsert race surfaces as ErrPreconditionFailed; retry like the service does
			for attempt := 0; attempt < 5; attempt++ {
				c, _, err := convs.FindOrCreate(ctx, a, b)
				if err == nil {
					ids <- c.ID
					return
				}
				if !errors.Is(err, ErrPreconditionFailed) {
					t.Errorf("FindOrCreate failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Fatalf("two conversations for one pair: %s and %s", first, id)
		}
	}
}

func TestMongoSendEffectsInTransaction(t *testing.T) {
	client, convs, msgs, notes := mongoStores(t)
	ctx := context.Background()

	conv, created, err := convs.FindOrCreate(ctx, alice, bob)
	if err != nil || !created {
		t.Fatalf("FindOrCreate = %v, %v", created, err)
	}

	err = client.WithTransaction(ctx, func(ctx context.Context) error {
		current, err := convs.Get(ctx, conv.ID)
		if err != nil {
			return err
		}
		msg, err := msgs.Append(ctx, NewMessage{ConversationID: conv.ID, Sender: alice, Receiver: bob, Body: "hello", NotBefore: current.LastMessageTime})
		if err != nil {
			return err
		}
		if err := convs.ApplySendEffects(ctx, conv.ID, alice, bob, MessageSummary{MessageID: msg.ID, Excerpt: "hello", At: msg.Timestamp}); err != nil {
			return err
		}
		_, err = notes.Dispatch(ctx, NewNotification{Recipient: "bob", Sender: alice, Excerpt: "hello", ConversationID: conv.ID, MessageID: msg.ID})
		return err
	})
	if err != nil {
		t.Fatalf("send transaction failed: %v", err)
	}

	got, err := convs.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UnreadCount["bob"] != 1 || got.UnreadCount["alice"] != 0 {
		t.Fatalf("unexpected unread counts: %v", got.UnreadCount)
	}
	if got.LastMessage != "hello" || got.LastSenderID != "alice" {
		t.Fatalf("unexpected summary: %q from %q", got.LastMessage, got.LastSenderID)
	}

	if err := convs.MarkRead(ctx, conv.ID, "bob"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if err := convs.MarkRead(ctx, conv.ID, "bob"); err != nil {
		t.Fatalf("second MarkRead failed: %v", err)
	}
	if err := convs.MarkRead(ctx, conv.ID, "mallory"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	n, err := msgs.MarkRead(ctx, conv.ID, "bob")
	if err != nil || n != 1 {
		t.Fatalf("messages MarkRead = %d, %v", n, err)
	}
}

func TestMongoListOrderedAndFeed(t *testing.T) {
	_, convs, msgs, _ := mongoStores(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conv, _, err := convs.FindOrCreate(ctx, alice, bob)
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}

	feed, err := msgs.InConversation(conv.ID).Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer feed.Close(ctx)

	var last time.Time
	for i := 0; i < 3; i++ {
		m, err := msgs.Append(ctx, NewMessage{ConversationID: conv.ID, Sender: alice, Receiver: bob, Body: "x", NotBefore: last})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		last = m.Timestamp
	}

	page, err := msgs.ListOrdered(ctx, conv.ID, Cursor{}, 2)
	if err != nil {
		t.Fatalf("ListOrdered failed: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("unexpected first page: %d messages, more=%v", len(page.Messages), page.HasMore)
	}
	rest, err := msgs.ListOrdered(ctx, conv.ID, page.Next, 2)
	if err != nil {
		t.Fatalf("ListOrdered (page 2) failed: %v", err)
	}
	if len(rest.Messages) != 1 || rest.HasMore {
		t.Fatalf("unexpected second page: %d messages, more=%v", len(rest.Messages), rest.HasMore)
	}

	ch, err := feed.Next(ctx)
	if err != nil {
		t.Fatalf("feed.Next failed: %v", err)
	}
	if ch.Op != OpUpsert || ch.Doc.ConversationID != conv.ID {
		t.Fatalf("unexpected change: %+v", ch)
	}
}

func TestMongoWriteConflictIsPreconditionFailed(t *testing.T) {
	c, convs, _, _ := mongoStores(t)
	ctx := context.Background()
	conv, _, err := convs.FindOrCreate(ctx, alice, bob)
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}
	sum := MessageSummary{MessageID: "m1", Excerpt: "hi", At: time.Now()}

	attempts := 0
	var conflict error
	err = c.WithTransaction(ctx, func(outer context.Context) error {
		if err := convs.ApplySendEffects(outer, conv.ID, alice, bob, sum); err != nil {
			return err
		}
		conflict = Classify(c.WithTransaction(ctx, func(inner context.Context) error {
			attempts++
			return convs.ApplySendEffects(inner, conv.ID, bob, alice, sum)
		}))
		return nil
	})
	if err != nil {
		t.Fatalf("outer transaction failed: %v", err)
	}
	if !errors.Is(conflict, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", conflict)
	}
	if attempts != 1 {
		t.Fatalf("conflicting transaction ran %d times, want 1", attempts)
	}

	got, err := convs.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UnreadCount[bob.ID] != 1 || got.UnreadCount[alice.ID] != 0 {
		t.Fatalf("unread counts = %v, want only bob's increment", got.UnreadCount)
	}
}
