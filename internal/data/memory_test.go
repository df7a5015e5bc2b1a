package data

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = Participant{ID: "alice", Name: "Alice", Type: "player"}
	bob   = Participant{ID: "bob", Name: "Bob FC", Type: "club"}
)

func frozenClock(t0 time.Time) func() time.Time {
	return func() time.Time { return t0 }
}

func TestMemoryFindOrCreateIsSymmetric(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()

	c1, created, err := s.Conversations().FindOrCreate(ctx, alice, bob)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []string{"alice", "bob"}, c1.Participants)
	assert.Equal(t, int64(0), c1.UnreadCount["alice"])
	assert.Equal(t, int64(0), c1.UnreadCount["bob"])
	assert.True(t, c1.IsActive)

	c2, created, err := s.Conversations().FindOrCreate(ctx, bob, alice)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, 1, s.Conversations().Count())
}

func TestMemoryFindOrCreateConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice, bob
			if i%2 == 1 {
				a, b = b, a
			}
			c, _, err := s.Conversations().FindOrCreate(ctx, a, b)
			if err == nil {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, s.Conversations().Count())
}

func TestMemoryTransactionRollback(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()
	conv, _, err := s.Conversations().FindOrCreate(ctx, alice, bob)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithTransaction(ctx, func(ctx context.Context) error {
		msg, err := s.Messages().Append(ctx, NewMessage{ConversationID: conv.ID, Sender: alice, Receiver: bob, Body: "hi"})
		require.NoError(t, err)
		require.NoError(t, s.Conversations().ApplySendEffects(ctx, conv.ID, alice, bob, MessageSummary{MessageID: msg.ID, Excerpt: "hi", At: msg.Timestamp}))

		// writes are visible inside the transaction
		inside, err := s.Conversations().Get(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), inside.UnreadCount["bob"])
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := s.Conversations().Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), after.UnreadCount["bob"])
	assert.Empty(t, after.LastMessage)

	page, err := s.Messages().ListOrdered(ctx, conv.ID, Cursor{}, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestMemoryApplySendEffects(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()
	conv, _, err := s.Conversations().FindOrCreate(ctx, alice, Participant{ID: "bob"})
	require.NoError(t, err)

	at := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	renamed := Participant{ID: "bob", Name: "Bob United", Type: "club"}
	require.NoError(t, s.Conversations().ApplySendEffects(ctx, conv.ID, alice, renamed, MessageSummary{MessageID: "m1", Excerpt: "hello", At: at}))

	got, err := s.Conversations().Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.LastMessage)
	assert.Equal(t, "alice", got.LastSenderID)
	assert.Equal(t, at, got.LastMessageTime)
	assert.Equal(t, at, got.UpdatedAt)
	assert.Equal(t, int64(0), got.UnreadCount["alice"])
	assert.Equal(t, int64(1), got.UnreadCount["bob"])
	assert.Equal(t, "Bob United", got.ParticipantNames["bob"])
	assert.Equal(t, int64(2), got.Version)

	// placeholders never overwrite cached names
	placeholder := Participant{ID: "bob", Name: "Party bob", Placeholder: true}
	require.NoError(t, s.Conversations().ApplySendEffects(ctx, conv.ID, alice, placeholder, MessageSummary{MessageID: "m2", Excerpt: "again", At: at}))
	got, err = s.Conversations().Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bob United", got.ParticipantNames["bob"])
	assert.Equal(t, int64(2), got.UnreadCount["bob"])

	err = s.Conversations().ApplySendEffects(ctx, conv.ID, alice, Participant{ID: "carol"}, MessageSummary{At: at})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryMarkReadIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()
	conv, _, err := s.Conversations().FindOrCreate(ctx, alice, bob)
	require.NoError(t, err)
	require.NoError(t, s.Conversations().ApplySendEffects(ctx, conv.ID, alice, bob, MessageSummary{At: time.Now()}))

	require.NoError(t, s.Conversations().MarkRead(ctx, conv.ID, "bob"))
	first, err := s.Conversations().Get(ctx, conv.ID)
	require.NoError(t, err)
	require.NoError(t, s.Conversations().MarkRead(ctx, conv.ID, "bob"))
	second, err := s.Conversations().Get(ctx, conv.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(0), second.UnreadCount["bob"])
	assert.Equal(t, first.Version, second.Version, "second read changes nothing")

	assert.ErrorIs(t, s.Conversations().MarkRead(ctx, conv.ID, "mallory"), ErrPermissionDenied)
	assert.ErrorIs(t, s.Conversations().MarkRead(ctx, "missing", "bob"), ErrNotFound)
}

func TestMemoryArchiveUnarchive(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()
	conv, _, err := s.Conversations().FindOrCreate(ctx, alice, bob)
	require.NoError(t, err)

	require.NoError(t, s.Conversations().Archive(ctx, conv.ID))
	require.NoError(t, s.Conversations().Archive(ctx, conv.ID))
	got, err := s.Conversations().Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	require.NoError(t, s.Conversations().Unarchive(ctx, conv.ID))
	got, err = s.Conversations().Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	assert.ErrorIs(t, s.Conversations().Archive(ctx, "missing"), ErrNotFound)
}

func TestMemoryAppendTimestampsAreStrictlyIncreasing(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(frozenClock(t0)))
	ctx := t.Context()
	conv, _, err := s.Conversations().FindOrCreate(ctx, alice, bob)
	require.NoError(t, err)

	var last time.Time
	for i := 0; i < 5; i++ {
		msg, err := s.Messages().Append(ctx, NewMessage{ConversationID: conv.ID, Sender: alice, Receiver: bob, Body: "x", NotBefore: last})
		require.NoError(t, err)
		assert.True(t, msg.Timestamp.After(last), "message %d not after previous", i)
		assert.Equal(t, DeliverySent, msg.DeliveryStatus)
		assert.False(t, msg.IsRead)
		last = msg.Timestamp
	}
}

func TestMemoryListOrderedPaginates(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(frozenClock(t0)))
	ctx := t.Context()
	conv, _, err := s.Conversations().FindOrCreate(ctx, alice, bob)
	require.NoError(t, err)

	var last time.Time
	var want []string
	for i := 0; i < 7; i++ {
		msg, err := s.Messages().Append(ctx, NewMessage{ConversationID: conv.ID, Sender: alice, Receiver: bob, Body: "x", NotBefore: last})
		require.NoError(t, err)
		last = msg.Timestamp
		want = append(want, msg.ID)
	}

	var got []string
	cursor := Cursor{}
	for {
		page, err := s.Messages().ListOrdered(ctx, conv.ID, cursor, 3)
		require.NoError(t, err)
		for _, m := range page.Messages {
			got = append(got, m.ID)
		}
		if !page.HasMore {
			break
		}
		// round-trip through the wire form
		cursor, err = ParseCursor(page.Next.Encode())
		require.NoError(t, err)
	}
	assert.Equal(t, want, got)
}

func TestMemoryMessagesMarkRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()
	conv, _, err := s.Conversations().FindOrCreate(ctx, alice, bob)
	require.NoError(t, err)

	for _, from := range []Participant{alice, alice, bob} {
		to := bob
		if from.ID == "bob" {
			to = alice
		}
		_, err := s.Messages().Append(ctx, NewMessage{ConversationID: conv.ID, Sender: from, Receiver: to, Body: "x"})
		require.NoError(t, err)
	}

	n, err := s.Messages().MarkRead(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.Messages().MarkRead(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)

	page, err := s.Messages().ListOrdered(ctx, conv.ID, Cursor{}, 10)
	require.NoError(t, err)
	for _, m := range page.Messages {
		assert.Equal(t, m.ReceiverID == "bob", m.IsRead, "message to %s", m.ReceiverID)
	}
}

func TestMemoryNotifications(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()

	note, err := s.Notifications().Dispatch(ctx, NewNotification{
		Recipient: "bob", Sender: alice, Excerpt: "hello", Link: ConversationLink("c1"), ConversationID: "c1", MessageID: "m1",
	})
	require.NoError(t, err)
	assert.Equal(t, "New message from Alice", note.Title)
	assert.Equal(t, NotificationTypeMessage, note.Type)
	assert.Equal(t, "/messages?conversation=c1", note.Link)

	assert.ErrorIs(t, s.Notifications().MarkRead(ctx, note.ID, "alice"), ErrNotFound)
	require.NoError(t, s.Notifications().MarkRead(ctx, note.ID, "bob"))

	notes := s.Notifications().For("bob")
	require.Len(t, notes, 1)
	assert.True(t, notes[0].IsRead)
}

func TestMemoryParties(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()
	require.NoError(t, s.Parties().Put(ctx, Participant{ID: "club-1", Name: "Al Hilal"}))

	p, err := s.Parties().Resolve(ctx, "club-1", "club")
	require.NoError(t, err)
	assert.Equal(t, "Al Hilal", p.Name)
	assert.Equal(t, "club", p.Type)

	_, err = s.Parties().Resolve(ctx, "ghost", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryFeedDeliversCommittedChanges(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	feed, err := s.Conversations().ForParty("alice").Watch(ctx)
	require.NoError(t, err)
	defer feed.Close(ctx)

	conv, _, err := s.Conversations().FindOrCreate(ctx, alice, bob)
	require.NoError(t, err)

	ch, err := feed.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, OpUpsert, ch.Op)
	assert.Equal(t, conv.ID, ch.Key)

	// a rolled back write never reaches the feed
	_ = s.WithTransaction(ctx, func(ctx context.Context) error {
		_ = s.Conversations().Archive(ctx, conv.ID)
		return errors.New("abort")
	})
	require.NoError(t, s.Conversations().Archive(ctx, conv.ID))

	ch, err = feed.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, OpRemove, ch.Op, "archived conversations leave the view")
	assert.Equal(t, conv.ID, ch.Key)
}

func TestMemoryOffline(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	feed, err := s.Messages().InConversation("c1").Watch(ctx)
	require.NoError(t, err)

	s.SetOffline(true)
	_, err = feed.Next(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), ErrUnavailable)
	_, err = s.Conversations().Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrUnavailable)

	s.SetOffline(false)
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, feed.Close(ctx))
	assert.Zero(t, s.OpenFeeds())
}
