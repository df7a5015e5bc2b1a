package main

import (
	"context"
	"slices"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PaulBabatuyi/realtime-conversations/internal/data"
	"github.com/PaulBabatuyi/realtime-conversations/internal/service"
	"github.com/PaulBabatuyi/realtime-conversations/internal/subscription"
)

// SendMessage sends a message from the authenticated party.
func (s *Server) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	sender, err := participantFrom(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := s.svc.SendMessage(ctx, service.SendRequest{
		Sender:       sender,
		ReceiverID:   req.ReceiverID,
		ReceiverType: req.ReceiverType,
		Body:         req.Body,
	})
	if err != nil {
		return nil, err
	}
	return &SendMessageResponse{Message: msg}, nil
}

// OpenConversation returns (creating if needed) the conversation with another party.
func (s *Server) OpenConversation(ctx context.Context, req *OpenConversationRequest) (*ConversationResponse, error) {
	initiator, err := participantFrom(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := s.svc.OpenConversation(ctx, initiator, req.OtherID, req.OtherType)
	if err != nil {
		return nil, err
	}
	return &ConversationResponse{Conversation: conv}, nil
}

func (s *Server) MarkConversationRead(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	return s.onConversation(ctx, req, s.svc.MarkConversationRead)
}

func (s *Server) ArchiveConversation(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	return s.onConversation(ctx, req, s.svc.ArchiveConversation)
}

func (s *Server) UnarchiveConversation(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	return s.onConversation(ctx, req, s.svc.UnarchiveConversation)
}

func (s *Server) onConversation(ctx context.Context, req *ConversationRequest, op func(ctx context.Context, conversationID, partyID string) error) (*Empty, error) {
	claims, err := claimsFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := op(ctx, req.ConversationID, claims.PartyID()); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) MarkNotificationRead(ctx context.Context, req *MarkNotificationReadRequest) (*Empty, error) {
	claims, err := claimsFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.svc.MarkNotificationRead(ctx, req.NotificationID, claims.PartyID()); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// ListMessages returns one page of a conversation's log, oldest first.
func (s *Server) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	claims, err := claimsFrom(ctx)
	if err != nil {
		return nil, err
	}
	cursor, err := data.ParseCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	page, err := s.svc.ListMessages(ctx, req.ConversationID, claims.PartyID(), cursor, req.Limit)
	if err != nil {
		return nil, err
	}
	resp := &ListMessagesResponse{Messages: page.Messages, HasMore: page.HasMore}
	if page.HasMore {
		resp.NextCursor = page.Next.Encode()
	}
	return resp, nil
}

// SubscribeConversations streams the caller's conversation list, and those
// of the delegates it may act for, as full snapshots.
func (s *Server) SubscribeConversations(req *SubscribeConversationsRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	claims, err := claimsFrom(ctx)
	if err != nil {
		return err
	}
	for _, d := range req.Delegates {
		if !slices.Contains(claims.ActsFor, d) {
			return status.Errorf(codes.PermissionDenied, "not allowed to act for %q", d)
		}
	}

	snaps := newLatest[*ConversationsSnapshot]()
	sub, err := s.hub.SubscribeConversations(claims.PartyID(), func(convs []*data.Conversation) {
		snaps.put(&ConversationsSnapshot{Conversations: convs})
	}, subscription.WithDelegates(req.Delegates...))
	if err != nil {
		return err
	}
	s.log.Debug("conversation subscription opened", zap.String("party_id", claims.PartyID()))
	return forward(ctx, stream, sub, snaps)
}

// SubscribeMessages streams a conversation's log as full snapshots.
func (s *Server) SubscribeMessages(req *SubscribeMessagesRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	claims, err := claimsFrom(ctx)
	if err != nil {
		return err
	}
	if _, err := s.svc.Conversation(ctx, req.ConversationID, claims.PartyID()); err != nil {
		return err
	}

	snaps := newLatest[*MessagesSnapshot]()
	sub, err := s.hub.SubscribeMessages(req.ConversationID, func(msgs []*data.Message) {
		snaps.put(&MessagesSnapshot{Messages: msgs})
	})
	if err != nil {
		return err
	}
	s.log.Debug("message subscription opened",
		zap.String("party_id", claims.PartyID()),
		zap.String("conversation_id", req.ConversationID),
	)
	return forward(ctx, stream, sub, snaps)
}

// forward writes snapshots to the stream until the client goes away or the
// subscription ends. Leaving cancels the subscription.
func forward[T any](ctx context.Context, stream grpc.ServerStream, sub *subscription.Subscription, snaps *latest[T]) error {
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				return err
			}
			return status.Error(codes.Unavailable, "subscription closed")
		case snap := <-snaps.ch:
			if err := stream.SendMsg(snap); err != nil {
				return err
			}
		}
	}
}

// latest holds the newest undelivered snapshot. Every snapshot is complete,
// so a slow stream skips intermediate ones instead of stalling the hub.
type latest[T any] struct {
	ch chan T
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{ch: make(chan T, 1)}
}

// put replaces any pending snapshot; it has a single producer.
func (l *latest[T]) put(v T) {
	for {
		select {
		case l.ch <- v:
			return
		default:
		}
		select {
		case <-l.ch:
		default:
		}
	}
}
