package main

import (
	"context"

	"google.golang.org/grpc"

	"github.com/PaulBabatuyi/realtime-conversations/internal/data"
)

const serviceName = "chat.v1.ConversationService"

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

// SendMessageRequest sends Body from the authenticated party to ReceiverID.
type SendMessageRequest struct {
	ReceiverID   string `json:"receiverId"`
	ReceiverType string `json:"receiverType,omitempty"`
	Body         string `json:"body"`
}

type SendMessageResponse struct {
	Message *data.Message `json:"message"`
}

type OpenConversationRequest struct {
	OtherID   string `json:"otherId"`
	OtherType string `json:"otherType,omitempty"`
}

type ConversationResponse struct {
	Conversation *data.Conversation `json:"conversation"`
}

// ConversationRequest addresses one conversation of the authenticated party.
type ConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type MarkNotificationReadRequest struct {
	NotificationID string `json:"notificationId"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversationId"`
	Cursor         string `json:"cursor,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type ListMessagesResponse struct {
	Messages   []*data.Message `json:"messages"`
	NextCursor string          `json:"nextCursor,omitempty"`
	HasMore    bool            `json:"hasMore"`
}

// SubscribeConversationsRequest may name delegates; each must be listed in
// the token's acts_for claim.
type SubscribeConversationsRequest struct {
	Delegates []string `json:"delegates,omitempty"`
}

type SubscribeMessagesRequest struct {
	ConversationID string `json:"conversationId"`
}

// ConversationsSnapshot is one stream message: the complete list, newest first.
type ConversationsSnapshot struct {
	Conversations []*data.Conversation `json:"conversations"`
}

// MessagesSnapshot is one stream message: the complete log, oldest first.
type MessagesSnapshot struct {
	Messages []*data.Message `json:"messages"`
}

type Empty struct{}

// ConversationServiceServer is the server API of chat.v1.ConversationService.
type ConversationServiceServer interface {
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	OpenConversation(context.Context, *OpenConversationRequest) (*ConversationResponse, error)
	MarkConversationRead(context.Context, *ConversationRequest) (*Empty, error)
	ArchiveConversation(context.Context, *ConversationRequest) (*Empty, error)
	UnarchiveConversation(context.Context, *ConversationRequest) (*Empty, error)
	MarkNotificationRead(context.Context, *MarkNotificationReadRequest) (*Empty, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	SubscribeConversations(*SubscribeConversationsRequest, grpc.ServerStream) error
	SubscribeMessages(*SubscribeMessagesRequest, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ConversationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SendMessage", ConversationServiceServer.SendMessage),
		unary("OpenConversation", ConversationServiceServer.OpenConversation),
		unary("MarkConversationRead", ConversationServiceServer.MarkConversationRead),
		unary("ArchiveConversation", ConversationServiceServer.ArchiveConversation),
		unary("UnarchiveConversation", ConversationServiceServer.UnarchiveConversation),
		unary("MarkNotificationRead", ConversationServiceServer.MarkNotificationRead),
		unary("ListMessages", ConversationServiceServer.ListMessages),
	},
	Streams: []grpc.StreamDesc{
		serverStream("SubscribeConversations", ConversationServiceServer.SubscribeConversations),
		serverStream("SubscribeMessages", ConversationServiceServer.SubscribeMessages),
	},
	Metadata: "chat/v1/conversation_service",
}

func unary[Req, Resp any](name string, call func(ConversationServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ConversationServiceServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}, handler)
		},
	}
}

func serverStream[Req any](name string, call func(ConversationServiceServer, *Req, grpc.ServerStream) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(Req)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(ConversationServiceServer), in, stream)
		},
	}
}
