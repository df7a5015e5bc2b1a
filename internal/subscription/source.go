package subscription

import (
	"context"

	"github.com/PaulBabatuyi/realtime-conversations/internal/data"
)

// Source is the store side of the hub: the live queries it can open and a
// reachability probe.
type Source interface {
	ConversationsFor(partyID string) data.Query[*data.Conversation]
	MessagesIn(conversationID string) data.Query[*data.Message]
	Ping(ctx context.Context) error
}

// ConversationQueries is implemented by data.ConversationsStore and data.MemoryConversations.
type ConversationQueries interface {
	ForParty(partyID string) data.Query[*data.Conversation]
}

// MessageQueries is implemented by data.MessagesStore and data.MemoryMessages.
type MessageQueries interface {
	InConversation(conversationID string) data.Query[*data.Message]
}

// Pinger is implemented by db.Client and data.MemoryStore.
type Pinger interface {
	Ping(ctx context.Context) error
}

type storeSource struct {
	conversations ConversationQueries
	messages      MessageQueries
	pinger        Pinger
}

// NewSource assembles a Source from store parts.
func NewSource(conversations ConversationQueries, messages MessageQueries, pinger Pinger) Source {
	return &storeSource{conversations: conversations, messages: messages, pinger: pinger}
}

func (s *storeSource) ConversationsFor(partyID string) data.Query[*data.Conversation] {
	return s.conversations.ForParty(partyID)
}

func (s *storeSource) MessagesIn(conversationID string) data.Query[*data.Message] {
	return s.messages.InConversation(conversationID)
}

func (s *storeSource) Ping(ctx context.Context) error { return s.pinger.Ping(ctx) }
