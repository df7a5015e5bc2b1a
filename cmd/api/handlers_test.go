package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/PaulBabatuyi/realtime-conversations/internal/data"
)

var (
	alice = data.Participant{ID: "alice", Name: "Alice", Type: "player"}
	bob   = data.Participant{ID: "bob", Name: "Bob FC", Type: "club"}
	agent = data.Participant{ID: "agent", Name: "Agent", Type: "agent"}
)

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, status.Code(err), "error: %v", err)
}

func TestRejectsUnauthenticatedCalls(t *testing.T) {
	e := newTestEnv(t)

	_, err := invoke[SendMessageResponse](t.Context(), e, "SendMessage", &SendMessageRequest{ReceiverID: "bob", Body: "hi"})
	requireCode(t, err, codes.Unauthenticated)

	bad := metadata.AppendToOutgoingContext(t.Context(), "authorization", "Bearer not-a-token")
	_, err = invoke[SendMessageResponse](bad, e, "SendMessage", &SendMessageRequest{ReceiverID: "bob", Body: "hi"})
	requireCode(t, err, codes.Unauthenticated)

	cs, err := subscribe(t.Context(), e, "SubscribeConversations", &SubscribeConversationsRequest{})
	require.NoError(t, err)
	_, err = recv[ConversationsSnapshot](cs)
	requireCode(t, err, codes.Unauthenticated)
}

func TestHealthNeedsNoToken(t *testing.T) {
	e := newTestEnv(t)
	resp, err := healthpb.NewHealthClient(e.conn).Check(t.Context(), &healthpb.HealthCheckRequest{Service: serviceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestSendReadReplyOverRPC(t *testing.T) {
	e := newTestEnv(t)
	asAlice, asBob := e.as(t, alice), e.as(t, bob)

	sent, err := invoke[SendMessageResponse](asAlice, e, "SendMessage", &SendMessageRequest{ReceiverID: "bob", Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "alice", sent.Message.SenderID)
	assert.Equal(t, "Alice", sent.Message.SenderName)
	assert.Equal(t, data.DeliverySent, sent.Message.DeliveryStatus)
	convID := sent.Message.ConversationID

	opened, err := invoke[ConversationResponse](asBob, e, "OpenConversation", &OpenConversationRequest{OtherID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, convID, opened.Conversation.ID)
	assert.Equal(t, int64(1), opened.Conversation.UnreadCount["bob"])

	_, err = invoke[Empty](asBob, e, "MarkConversationRead", &ConversationRequest{ConversationID: convID})
	require.NoError(t, err)

	_, err = invoke[SendMessageResponse](asBob, e, "SendMessage", &SendMessageRequest{ReceiverID: "alice", Body: "hi"})
	require.NoError(t, err)

	page, err := invoke[ListMessagesResponse](asAlice, e, "ListMessages", &ListMessagesRequest{ConversationID: convID})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "hello", page.Messages[0].Body)
	assert.True(t, page.Messages[0].IsRead)
	assert.Equal(t, "hi", page.Messages[1].Body)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)

	conv, err := invoke[ConversationResponse](asAlice, e, "OpenConversation", &OpenConversationRequest{OtherID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.Conversation.UnreadCount["alice"])
	assert.Equal(t, int64(0), conv.Conversation.UnreadCount["bob"])
}

func TestListMessagesPaginates(t *testing.T) {
	e := newTestEnv(t)
	asAlice := e.as(t, alice)

	var convID string
	for _, body := range []string{"1", "2", "3", "4", "5"} {
		sent, err := invoke[SendMessageResponse](asAlice, e, "SendMessage", &SendMessageRequest{ReceiverID: "bob", Body: body})
		require.NoError(t, err)
		convID = sent.Message.ConversationID
	}

	var got []string
	cursor := ""
	for {
		page, err := invoke[ListMessagesResponse](asAlice, e, "ListMessages", &ListMessagesRequest{ConversationID: convID, Cursor: cursor, Limit: 2})
		require.NoError(t, err)
		for _, m := range page.Messages {
			got = append(got, m.Body)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, got)

	_, err := invoke[ListMessagesResponse](asAlice, e, "ListMessages", &ListMessagesRequest{ConversationID: convID, Cursor: "%%%"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestErrorCodes(t *testing.T) {
	e := newTestEnv(t)
	asAlice, asBob, asAgent := e.as(t, alice), e.as(t, bob), e.as(t, agent)

	_, err := invoke[SendMessageResponse](asAlice, e, "SendMessage", &SendMessageRequest{ReceiverID: "alice", Body: "me"})
	requireCode(t, err, codes.InvalidArgument)
	_, err = invoke[SendMessageResponse](asAlice, e, "SendMessage", &SendMessageRequest{ReceiverID: "bob", Body: "  "})
	requireCode(t, err, codes.InvalidArgument)

	sent, err := invoke[SendMessageResponse](asAlice, e, "SendMessage", &SendMessageRequest{ReceiverID: "bob", Body: "hello"})
	require.NoError(t, err)
	convID := sent.Message.ConversationID

	_, err = invoke[ListMessagesResponse](asAgent, e, "ListMessages", &ListMessagesRequest{ConversationID: convID})
	requireCode(t, err, codes.PermissionDenied)
	_, err = invoke[Empty](asAgent, e, "ArchiveConversation", &ConversationRequest{ConversationID: convID})
	requireCode(t, err, codes.PermissionDenied)
	_, err = invoke[Empty](asAlice, e, "MarkConversationRead", &ConversationRequest{ConversationID: "missing"})
	requireCode(t, err, codes.NotFound)

	_, err = invoke[Empty](asBob, e, "ArchiveConversation", &ConversationRequest{ConversationID: convID})
	require.NoError(t, err)
	_, err = invoke[SendMessageResponse](asAlice, e, "SendMessage", &SendMessageRequest{ReceiverID: "bob", Body: "again"})
	requireCode(t, err, codes.FailedPrecondition)

	_, err = invoke[Empty](asAlice, e, "UnarchiveConversation", &ConversationRequest{ConversationID: convID})
	require.NoError(t, err)
	_, err = invoke[SendMessageResponse](asAlice, e, "SendMessage", &SendMessageRequest{ReceiverID: "bob", Body: "again"})
	require.NoError(t, err)

	e.store.SetOffline(true)
	_, err = invoke[SendMessageResponse](asAlice, e, "SendMessage", &SendMessageRequest{ReceiverID: "bob", Body: "offline"})
	requireCode(t, err, codes.Unavailable)
	e.store.SetOffline(false)
}

func TestMarkNotificationRead(t *testing.T) {
	e := newTestEnv(t)
	_, err := invoke[SendMessageResponse](e.as(t, alice), e, "SendMessage", &SendMessageRequest{ReceiverID: "bob", Body: "ping"})
	require.NoError(t, err)

	notes := e.store.Notifications().For("bob")
	require.Len(t, notes, 1)

	_, err = invoke[Empty](e.as(t, alice), e, "MarkNotificationRead", &MarkNotificationReadRequest{NotificationID: notes[0].ID})
	requireCode(t, err, codes.NotFound)
	_, err = invoke[Empty](e.as(t, bob), e, "MarkNotificationRead", &MarkNotificationReadRequest{NotificationID: notes[0].ID})
	require.NoError(t, err)
	assert.True(t, e.store.Notifications().For("bob")[0].IsRead)
}

func TestSubscribeMessagesStreamsSnapshots(t *testing.T) {
	e := newTestEnv(t)
	asAlice, asBob := e.as(t, alice), e.as(t, bob)

	sent, err := invoke[SendMessageResponse](asAlice, e, "SendMessage", &SendMessageRequest{ReceiverID: "bob", Body: "one"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(asBob)
	cs, err := subscribe(ctx, e, "SubscribeMessages", &SubscribeMessagesRequest{ConversationID: sent.Message.ConversationID})
	require.NoError(t, err)

	snap, err := recv[MessagesSnapshot](cs)
	require.NoError(t, err)
	require.Len(t, snap.Messages, 1)

	_, err = invoke[SendMessageResponse](asBob, e, "SendMessage", &SendMessageRequest{ReceiverID: "alice", Body: "two"})
	require.NoError(t, err)

	for len(snap.Messages) < 2 {
		snap, err = recv[MessagesSnapshot](cs)
		require.NoError(t, err)
	}
	assert.Equal(t, "one", snap.Messages[0].Body)
	assert.Equal(t, "two", snap.Messages[1].Body)
	require.Equal(t, 1, e.hub.Active())

	cancel()
	require.Eventually(t, func() bool { return e.hub.Active() == 0 && e.store.OpenFeeds() == 0 },
		3*time.Second, 10*time.Millisecond, "cancelling the stream releases the subscription")
}

func TestSubscribeMessagesRequiresParticipant(t *testing.T) {
	e := newTestEnv(t)
	sent, err := invoke[SendMessageResponse](e.as(t, alice), e, "SendMessage", &SendMessageRequest{ReceiverID: "bob", Body: "private"})
	require.NoError(t, err)

	cs, err := subscribe(e.as(t, agent), e, "SubscribeMessages", &SubscribeMessagesRequest{ConversationID: sent.Message.ConversationID})
	require.NoError(t, err)
	_, err = recv[MessagesSnapshot](cs)
	requireCode(t, err, codes.PermissionDenied)
	assert.Zero(t, e.hub.Active())
}

func TestSubscribeConversationsWithDelegates(t *testing.T) {
	e := newTestEnv(t)
	_, err := invoke[SendMessageResponse](e.as(t, alice), e, "SendMessage", &SendMessageRequest{ReceiverID: "bob", Body: "to the club"})
	require.NoError(t, err)
	_, err = invoke[SendMessageResponse](e.as(t, alice), e, "SendMessage", &SendMessageRequest{ReceiverID: "agent", Body: "to the agent"})
	require.NoError(t, err)

	// acting for a club requires the claim
	cs, err := subscribe(e.as(t, agent), e, "SubscribeConversations", &SubscribeConversationsRequest{Delegates: []string{"bob"}})
	require.NoError(t, err)
	_, err = recv[ConversationsSnapshot](cs)
	requireCode(t, err, codes.PermissionDenied)

	ctx, cancel := context.WithCancel(e.as(t, agent, "bob"))
	defer cancel()
	cs, err = subscribe(ctx, e, "SubscribeConversations", &SubscribeConversationsRequest{Delegates: []string{"bob"}})
	require.NoError(t, err)
	snap, err := recv[ConversationsSnapshot](cs)
	require.NoError(t, err)
	require.Len(t, snap.Conversations, 2)
	assert.Equal(t, "to the agent", snap.Conversations[0].LastMessage)
	assert.Equal(t, "to the club", snap.Conversations[1].LastMessage)
}

func TestHubCloseEndsStreams(t *testing.T) {
	e := newTestEnv(t)
	cs, err := subscribe(e.as(t, alice), e, "SubscribeConversations", &SubscribeConversationsRequest{})
	require.NoError(t, err)
	_, err = recv[ConversationsSnapshot](cs)
	require.NoError(t, err)

	e.hub.Close()
	for {
		_, err = recv[ConversationsSnapshot](cs)
		if err != nil {
			break
		}
	}
	requireCode(t, err, codes.Unavailable)
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{data.Invalid(errors.New("bad")), codes.InvalidArgument},
		{data.ErrNotFound, codes.NotFound},
		{data.ErrPermissionDenied, codes.PermissionDenied},
		{data.ErrArchived, codes.FailedPrecondition},
		{data.ErrPreconditionFailed, codes.Aborted},
		{data.ErrTransient, codes.Unavailable},
		{data.ErrUnavailable, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{status.Error(codes.Unauthenticated, "no"), codes.Unauthenticated},
		{errors.New("driver exploded"), codes.Internal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, status.Code(toStatus(tc.err)), "%v", tc.err)
	}
	assert.NoError(t, toStatus(nil))

	st, _ := status.FromError(toStatus(errors.New("secret detail")))
	assert.Equal(t, "internal error", st.Message())
}

func TestLatestKeepsNewest(t *testing.T) {
	l := newLatest[int]()
	l.put(1)
	l.put(2)
	l.put(3)
	assert.Equal(t, 3, <-l.ch)
	select {
	case v := <-l.ch:
		t.Fatalf("unexpected pending value %d", v)
	default:
	}
}
