package main

import (
	"google.golang.org/grpc"

	"github.com/PaulBabatuyi/realtime-conversations/internal/logger"
	"github.com/PaulBabatuyi/realtime-conversations/internal/service"
	"github.com/PaulBabatuyi/realtime-conversations/internal/subscription"
)

// Server implements the conversation service on top of the MessageService
// and the subscription hub.
type Server struct {
	svc *service.MessageService
	hub *subscription.Hub
	log *logger.Logger
}

// newServer returns a ready-to-use Server.
func newServer(svc *service.MessageService, hub *subscription.Hub, log *logger.Logger) *Server {
	return &Server{svc: svc, hub: hub, log: log.Component("grpc")}
}

// registerService registers the ConversationService on the given gRPC server.
func registerService(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}
