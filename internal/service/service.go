// Package service implements the MessageService: the single entry point for
// sending messages and opening, reading and archiving conversations.
package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/realtime-conversations/internal/data"
	"github.com/PaulBabatuyi/realtime-conversations/internal/logger"
	"github.com/PaulBabatuyi/realtime-conversations/internal/metrics"
	"github.com/PaulBabatuyi/realtime-conversations/internal/normalize"
)

// ConversationStore is implemented by data.ConversationsStore and data.MemoryConversations.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, a, b data.Participant) (*data.Conversation, bool, error)
	Get(ctx context.Context, id string) (*data.Conversation, error)
	ApplySendEffects(ctx context.Context, id string, sender, receiver data.Participant, sum data.MessageSummary) error
	MarkRead(ctx context.Context, id, partyID string) error
	Archive(ctx context.Context, id string) error
	Unarchive(ctx context.Context, id string) error
}

// MessageStore is implemented by data.MessagesStore and data.MemoryMessages.
type MessageStore interface {
	Append(ctx context.Context, in data.NewMessage) (*data.Message, error)
	MarkRead(ctx context.Context, conversationID, partyID string) (int64, error)
	ListOrdered(ctx context.Context, conversationID string, after data.Cursor, limit int) (*data.MessagePage, error)
}

// NotificationDispatcher is implemented by data.NotificationsStore and data.MemoryNotifications.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, in data.NewNotification) (*data.Notification, error)
	MarkRead(ctx context.Context, id, userID string) error
}

// Transactor runs fn atomically; store calls made with fn's ctx join the transaction.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// PartyDirectory resolves a party id to its display name and type.
type PartyDirectory interface {
	Resolve(ctx context.Context, id, typeHint string) (data.Participant, error)
}

// Publisher pushes committed notifications to out-of-band delivery.
type Publisher interface {
	PublishNotification(ctx context.Context, n *data.Notification) error
}

// Deps are the collaborators of a MessageService. Publisher may be nil.
type Deps struct {
	Tx            Transactor
	Conversations ConversationStore
	Messages      MessageStore
	Notifications NotificationDispatcher
	Directory     PartyDirectory
	Publisher     Publisher
}

// Options bound retries and external calls.
type Options struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DirectoryTimeout time.Duration
	PublishTimeout   time.Duration
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// MessageService orchestrates the conversation, message and notification
// stores. It keeps no mutable state between calls; the store transaction is
// the only serialization point.
type MessageService struct {
	tx            Transactor
	conversations ConversationStore
	messages      MessageStore
	notifications NotificationDispatcher
	directory     PartyDirectory
	publisher     Publisher
	opts          Options
	log           *logger.Logger
}

// NewMessageService wires a MessageService.
func NewMessageService(deps Deps, opts Options, log *logger.Logger) *MessageService {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.DirectoryTimeout <= 0 {
		opts.DirectoryTimeout = 2 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	return &MessageService{
		tx:            deps.Tx,
		conversations: deps.Conversations,
		messages:      deps.Messages,
		notifications: deps.Notifications,
		directory:     deps.Directory,
		publisher:     deps.Publisher,
		opts:          opts,
		log:           log.Component("message_service"),
	}
}

var errSelfSend = errors.New("sender and receiver are the same party")

// SendRequest is the input of SendMessage. Sender carries the caller's own
// metadata; a blank name is looked up in the directory.
type SendRequest struct {
	Sender       data.Participant
	ReceiverID   string
	ReceiverType string
	Body         string
}

// SendMessage appends a message to the conversation of the pair, creating
// the conversation on first contact. The message, the conversation summary
// and unread counter, and the receiver's notification commit together or not
// at all. Lost races and transient store errors are retried with backoff.
func (s *MessageService) SendMessage(ctx context.Context, req SendRequest) (*data.Message, error) {
	msg, note, err := s.send(ctx, req)
	if err != nil {
		metrics.MessagesSent.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues("ok").Inc()
	metrics.NotificationsDispatched.Inc()
	s.publish(ctx, note)
	return msg, nil
}

func (s *MessageService) send(ctx context.Context, req SendRequest) (*data.Message, *data.Notification, error) {
	senderID, err := normalize.PartyID(req.Sender.ID)
	if err != nil {
		return nil, nil, data.Invalid(fmt.Errorf("sender: %w", err))
	}
	receiverID, err := normalize.PartyID(req.ReceiverID)
	if err != nil {
		return nil, nil, data.Invalid(fmt.Errorf("receiver: %w", err))
	}
	if senderID == receiverID {
		return nil, nil, data.Invalid(errSelfSend)
	}
	body, err := normalize.Body(req.Body)
	if err != nil {
		return nil, nil, data.Invalid(err)
	}

	req.Sender.ID = senderID
	sender := s.describe(ctx, req.Sender)
	receiver := s.describe(ctx, data.Participant{ID: receiverID, Type: req.ReceiverType})

	conv, err := s.findOrCreate(ctx, sender, receiver)
	if err != nil {
		return nil, nil, err
	}
	if !conv.IsActive {
		return nil, nil, data.ErrArchived
	}

	var (
		msg  *data.Message
		note *data.Notification
	)
	err = s.retry(ctx, "send", func() error {
		return data.Classify(s.tx.WithTransaction(ctx, func(ctx context.Context) error {
			// re-read inside the transaction: the timestamp floor and the
			// archive flag must come from the snapshot this write commits on
			current, err := s.conversations.Get(ctx, conv.ID)
			if err != nil {
				return err
			}
			if !current.IsActive {
				return data.ErrArchived
			}
			from := withCachedName(sender, current)
			to := withCachedName(receiver, current)

			m, err := s.messages.Append(ctx, data.NewMessage{
				ConversationID: current.ID,
				Sender:         from,
				Receiver:       to,
				Body:           body,
				NotBefore:      current.LastMessageTime,
			})
			if err != nil {
				return err
			}

			excerpt := data.Excerpt(body)
			sum := data.MessageSummary{MessageID: m.ID, Excerpt: excerpt, At: m.Timestamp}
			if err := s.conversations.ApplySendEffects(ctx, current.ID, from, to, sum); err != nil {
				return err
			}

			n, err := s.notifications.Dispatch(ctx, data.NewNotification{
				Recipient:      to.ID,
				Sender:         from,
				Excerpt:        excerpt,
				Link:           data.ConversationLink(current.ID),
				ConversationID: current.ID,
				MessageID:      m.ID,
			})
			if err != nil {
				return err
			}
			msg, note = m, n
			return nil
		}))
	})
	if err != nil {
		return nil, nil, err
	}

	s.log.Debug("message sent",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("message_id", msg.ID),
		zap.String("sender_id", msg.SenderID),
		zap.String("receiver_id", msg.ReceiverID),
	)
	return msg, note, nil
}

// OpenConversation returns the conversation between initiator and the other
// party, creating it if needed. No message is sent. An archived conversation
// is returned as is.
func (s *MessageService) OpenConversation(ctx context.Context, initiator data.Participant, otherID, otherType string) (*data.Conversation, error) {
	initiatorID, err := normalize.PartyID(initiator.ID)
	if err != nil {
		return nil, data.Invalid(fmt.Errorf("initiator: %w", err))
	}
	otherID, err = normalize.PartyID(otherID)
	if err != nil {
		return nil, data.Invalid(fmt.Errorf("other party: %w", err))
	}
	if initiatorID == otherID {
		return nil, data.Invalid(errSelfSend)
	}

	initiator.ID = initiatorID
	a := s.describe(ctx, initiator)
	b := s.describe(ctx, data.Participant{ID: otherID, Type: otherType})
	return s.findOrCreate(ctx, a, b)
}

// findOrCreate retries the pair upsert until it lands; a lost race is
// resolved by reading the winner on the next attempt.
func (s *MessageService) findOrCreate(ctx context.Context, a, b data.Participant) (*data.Conversation, error) {
	var (
		conv    *data.Conversation
		created bool
	)
	err := s.retry(ctx, "find_or_create", func() error {
		var err error
		conv, created, err = s.conversations.FindOrCreate(ctx, a, b)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		metrics.ConversationsCreated.Inc()
		s.log.Info("conversation created",
			zap.String("conversation_id", conv.ID),
			zap.Strings("participants", conv.Participants),
		)
	}
	return conv, nil
}

// MarkConversationRead zeroes partyID's unread counter and marks every
// message addressed to partyID read. The two steps are independent and both
// idempotent; a partial failure is repaired by calling again.
func (s *MessageService) MarkConversationRead(ctx context.Context, conversationID, partyID string) error {
	partyID, err := s.participant(ctx, conversationID, partyID)
	if err != nil {
		return err
	}
	err = s.retry(ctx, "mark_conversation_read", func() error {
		return s.conversations.MarkRead(ctx, conversationID, partyID)
	})
	if err != nil {
		return err
	}
	return s.retry(ctx, "mark_messages_read", func() error {
		return data.Classify(s.tx.WithTransaction(ctx, func(ctx context.Context) error {
			_, err := s.messages.MarkRead(ctx, conversationID, partyID)
			return err
		}))
	})
}

// ArchiveConversation hides the conversation from both parties' lists and
// blocks sends until it is unarchived.
func (s *MessageService) ArchiveConversation(ctx context.Context, conversationID, partyID string) error {
	if _, err := s.participant(ctx, conversationID, partyID); err != nil {
		return err
	}
	return s.retry(ctx, "archive", func() error {
		return s.conversations.Archive(ctx, conversationID)
	})
}

// UnarchiveConversation reactivates an archived conversation.
func (s *MessageService) UnarchiveConversation(ctx context.Context, conversationID, partyID string) error {
	if _, err := s.participant(ctx, conversationID, partyID); err != nil {
		return err
	}
	return s.retry(ctx, "unarchive", func() error {
		return s.conversations.Unarchive(ctx, conversationID)
	})
}

// MarkNotificationRead marks one of partyID's notifications read.
func (s *MessageService) MarkNotificationRead(ctx context.Context, notificationID, partyID string) error {
	if notificationID == "" {
		return data.Invalid(errors.New("notification id is empty"))
	}
	partyID, err := normalize.PartyID(partyID)
	if err != nil {
		return data.Invalid(err)
	}
	return s.retry(ctx, "mark_notification_read", func() error {
		return s.notifications.MarkRead(ctx, notificationID, partyID)
	})
}

// Conversation returns a conversation partyID participates in.
func (s *MessageService) Conversation(ctx context.Context, conversationID, partyID string) (*data.Conversation, error) {
	if conversationID == "" {
		return nil, data.Invalid(errors.New("conversation id is empty"))
	}
	partyID, err := normalize.PartyID(partyID)
	if err != nil {
		return nil, data.Invalid(err)
	}

	var conv *data.Conversation
	err = s.retry(ctx, "get_conversation", func() error {
		var err error
		conv, err = s.conversations.Get(ctx, conversationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(partyID) {
		return nil, data.ErrPermissionDenied
	}
	return conv, nil
}

// participant checks that partyID takes part in the conversation and returns
// it normalized.
func (s *MessageService) participant(ctx context.Context, conversationID, partyID string) (string, error) {
	id, err := normalize.PartyID(partyID)
	if err != nil {
		return "", data.Invalid(err)
	}
	if _, err := s.Conversation(ctx, conversationID, id); err != nil {
		return "", err
	}
	return id, nil
}

// ListMessages returns one page of the conversation log, oldest first.
func (s *MessageService) ListMessages(ctx context.Context, conversationID, partyID string, after data.Cursor, limit int) (*data.MessagePage, error) {
	if _, err := s.Conversation(ctx, conversationID, partyID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}

	var page *data.MessagePage
	err := s.retry(ctx, "list_messages", func() error {
		var err error
		page, err = s.messages.ListOrdered(ctx, conversationID, after, limit)
		return err
	})
	return page, err
}

// History lazily walks the whole conversation log page by page. Iteration
// stops at the first error, which is yielded once.
func (s *MessageService) History(ctx context.Context, conversationID, partyID string, pageSize int) iter.Seq2[*data.Message, error] {
	return func(yield func(*data.Message, error) bool) {
		cursor := data.Cursor{}
		for {
			page, err := s.ListMessages(ctx, conversationID, partyID, cursor, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, m := range page.Messages {
				if !yield(m, nil) {
					return
				}
			}
			if !page.HasMore {
				return
			}
			cursor = page.Next
		}
	}
}

// describe fills in a participant's name (and type) from the directory when
// the caller did not supply one. A failed lookup yields a placeholder and
// never fails the operation.
func (s *MessageService) describe(ctx context.Context, p data.Participant) data.Participant {
	if p.Name != "" {
		return p
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.opts.DirectoryTimeout)
	defer cancel()
	got, err := s.directory.Resolve(lookupCtx, p.ID, p.Type)
	if err == nil && got.Name != "" {
		got.ID = p.ID
		if got.Type == "" {
			got.Type = p.Type
		}
		return got
	}

	if err != nil && !errors.Is(err, data.ErrNotFound) {
		s.log.Warn("party directory lookup failed", zap.String("party_id", p.ID), zap.Error(err))
	}
	metrics.DirectoryFallbacks.Inc()
	return Placeholder(p.ID, p.Type)
}

// Placeholder is the stand-in used when a party cannot be resolved.
func Placeholder(partyID, partyType string) data.Participant {
	return data.Participant{
		ID:          partyID,
		Name:        "Party " + normalize.ShortID(partyID),
		Type:        partyType,
		Placeholder: true,
	}
}

// withCachedName prefers the conversation's cached name over a placeholder.
func withCachedName(p data.Participant, conv *data.Conversation) data.Participant {
	if !p.Placeholder {
		return p
	}
	if name := conv.ParticipantNames[p.ID]; name != "" {
		p.Name = name
	}
	if p.Type == "" {
		p.Type = conv.ParticipantTypes[p.ID]
	}
	return p
}

// publish hands a committed notification to the push publisher. Failures
// are logged and counted; the send already succeeded.
func (s *MessageService) publish(ctx context.Context, note *data.Notification) {
	if s.publisher == nil || note == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PublishTimeout)
	defer cancel()
	if err := s.publisher.PublishNotification(ctx, note); err != nil {
		metrics.PushFailures.Inc()
		s.log.Warn("notification push failed", zap.String("notification_id", note.ID), zap.Error(err))
	}
}

// retry runs fn with bounded exponential backoff while it fails with a
// retryable error. When attempts run out the last error is returned wrapped
// as ErrTransient so the caller may retry manually.
func (s *MessageService) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !data.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		metrics.SendRetries.WithLabelValues(op, reason(err)).Inc()
		s.log.Warn("retrying store operation",
			zap.String("op", op),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil && data.IsRetryable(err) && !errors.Is(err, data.ErrTransient) {
		return fmt.Errorf("%w: %s gave up after %d attempts: %w", data.ErrTransient, op, s.opts.MaxAttempts, err)
	}
	return err
}

func reason(err error) string {
	switch {
	case errors.Is(err, data.ErrPreconditionFailed):
		return "precondition"
	case errors.Is(err, data.ErrUnavailable):
		return "unavailable"
	default:
		return "transient"
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, data.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, data.ErrArchived):
		return "archived"
	case errors.Is(err, data.ErrPermissionDenied):
		return "denied"
	case errors.Is(err, data.ErrNotFound):
		return "not_found"
	default:
		return "failed"
	}
}
