package data

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/PaulBabatuyi/realtime-conversations/internal/normalize"
)

// MemoryStore is an in-memory implementation of every store, with
// serializable transactions and change feeds. It backs the development mode
// and the service, hub and API tests.
//
// Committed documents are never mutated: a transaction works on a shallow
// copy of the maps and replaces the documents it touches with modified
// clones, then swaps the whole state in on commit.
type MemoryStore struct {
	txMu sync.Mutex // serializes writers

	mu       sync.RWMutex
	state    *memState
	watchers map[memWatcher]struct{}
	offline  bool

	now func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, e.g. with a frozen clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		state: &memState{
			conversations: map[string]*Conversation{},
			pairs:         map[string]string{},
			messages:      map[string]*Message{},
			notifications: map[string]*Notification{},
			parties:       map[string]Participant{},
		},
		watchers: map[memWatcher]struct{}{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type memState struct {
	conversations map[string]*Conversation
	pairs         map[string]string // pair key -> conversation id
	messages      map[string]*Message
	notifications map[string]*Notification
	parties       map[string]Participant
}

func (st *memState) clone() *memState {
	return &memState{
		conversations: maps.Clone(st.conversations),
		pairs:         maps.Clone(st.pairs),
		messages:      maps.Clone(st.messages),
		notifications: maps.Clone(st.notifications),
		parties:       maps.Clone(st.parties),
	}
}

// memEvent is one committed document write, fanned out to feeds.
type memEvent struct {
	conv *Conversation
	msg  *Message
}

type memWatcher interface {
	deliver(ev memEvent)
	fail(err error)
}

type memTx struct {
	store  *MemoryStore
	state  *memState
	events []memEvent
}

type memTxKey struct{}

func (tx *memTx) putConversation(c *Conversation) {
	tx.state.conversations[c.ID] = c
	tx.state.pairs[c.PairKey] = c.ID
	tx.events = append(tx.events, memEvent{conv: c})
}

func (tx *memTx) putMessage(m *Message) {
	tx.state.messages[m.ID] = m
	tx.events = append(tx.events, memEvent{msg: m})
}

var errOffline = fmt.Errorf("%w: memory store is offline", ErrUnavailable)

// WithTransaction runs fn atomically: its writes become visible together
// when fn returns nil and are discarded otherwise. Nested calls join the
// outer transaction.
func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	if s.offline {
		s.mu.RUnlock()
		return errOffline
	}
	tx := &memTx{store: s, state: s.state.clone()}
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}

	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return errOffline
	}
	s.state = tx.state
	watchers := slices.Collect(maps.Keys(s.watchers))
	s.mu.Unlock()

	// still under txMu, so feeds see commits in commit order
	for _, ev := range tx.events {
		for _, w := range watchers {
			w.deliver(ev)
		}
	}
	return nil
}

func (s *MemoryStore) txFrom(ctx context.Context) *memTx {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok || tx.store != s {
		return nil
	}
	return tx
}

// update runs fn in the caller's transaction, or in a new one.
func (s *MemoryStore) update(ctx context.Context, fn func(tx *memTx) error) error {
	if tx := s.txFrom(ctx); tx != nil {
		return fn(tx)
	}
	return s.WithTransaction(ctx, func(ctx context.Context) error {
		return fn(s.txFrom(ctx))
	})
}

// view returns the state visible to ctx: the transaction's own state inside
// a transaction, the last committed state otherwise.
func (s *MemoryStore) view(ctx context.Context) (*memState, error) {
	if tx := s.txFrom(ctx); tx != nil {
		return tx.state, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return nil, errOffline
	}
	return s.state, nil
}

// Ping reports whether the store is reachable.
func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return errOffline
	}
	return nil
}

// SetOffline simulates losing (true) or regaining (false) the store. Going
// offline fails every open feed with ErrUnavailable.
func (s *MemoryStore) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	watchers := slices.Collect(maps.Keys(s.watchers))
	s.mu.Unlock()

	if offline {
		for _, w := range watchers {
			w.fail(errOffline)
		}
	}
}

// InjectFeedError delivers err to every open feed.
func (s *MemoryStore) InjectFeedError(err error) {
	s.mu.RLock()
	watchers := slices.Collect(maps.Keys(s.watchers))
	s.mu.RUnlock()
	for _, w := range watchers {
		w.fail(err)
	}
}

// OpenFeeds returns the number of feeds not yet closed.
func (s *MemoryStore) OpenFeeds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers)
}

func (s *MemoryStore) addWatcher(w memWatcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return errOffline
	}
	s.watchers[w] = struct{}{}
	return nil
}

func (s *MemoryStore) removeWatcher(w memWatcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
}

// ---- conversations ----

// MemoryConversations is the conversation store view of a MemoryStore.
type MemoryConversations struct{ s *MemoryStore }

// Conversations returns the conversation store.
func (s *MemoryStore) Conversations() *MemoryConversations { return &MemoryConversations{s: s} }

// FindOrCreate returns the conversation of the pair {a, b}, creating it once.
func (c *MemoryConversations) FindOrCreate(ctx context.Context, a, b Participant) (*Conversation, bool, error) {
	var (
		out     *Conversation
		created bool
	)
	err := c.s.update(ctx, func(tx *memTx) error {
		if id, ok := tx.state.pairs[normalize.PairKey(a.ID, b.ID)]; ok {
			out = tx.state.conversations[id].Clone()
			return nil
		}
		conv := newConversation(a, b, c.s.now())
		tx.putConversation(conv)
		out, created = conv.Clone(), true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// Get returns a conversation by id.
func (c *MemoryConversations) Get(ctx context.Context, id string) (*Conversation, error) {
	st, err := c.s.view(ctx)
	if err != nil {
		return nil, err
	}
	conv, ok := st.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// Count returns the number of conversations, archived included.
func (c *MemoryConversations) Count() int {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return len(c.s.state.conversations)
}

// ApplySendEffects records a committed message on its conversation.
func (c *MemoryConversations) ApplySendEffects(ctx context.Context, id string, sender, receiver Participant, sum MessageSummary) error {
	return c.s.update(ctx, func(tx *memTx) error {
		cur, ok := tx.state.conversations[id]
		if !ok || !cur.HasParticipant(sender.ID) || !cur.HasParticipant(receiver.ID) {
			return ErrNotFound
		}
		next := cur.Clone()
		next.LastMessage = sum.Excerpt
		next.LastMessageID = sum.MessageID
		next.LastMessageTime = sum.At
		next.LastSenderID = sender.ID
		next.UnreadCount[receiver.ID]++
		next.MessageCount++
		next.Version++
		if sum.At.After(next.UpdatedAt) {
			next.UpdatedAt = sum.At
		}
		for _, p := range []Participant{sender, receiver} {
			if p.Placeholder {
				continue
			}
			if p.Name != "" {
				next.ParticipantNames[p.ID] = p.Name
			}
			if p.Type != "" {
				next.ParticipantTypes[p.ID] = p.Type
			}
		}
		tx.putConversation(next)
		return nil
	})
}

// MarkRead resets partyID's unread counter. Calling it again is a no-op.
func (c *MemoryConversations) MarkRead(ctx context.Context, id, partyID string) error {
	return c.s.update(ctx, func(tx *memTx) error {
		cur, ok := tx.state.conversations[id]
		if !ok {
			return ErrNotFound
		}
		if !cur.HasParticipant(partyID) {
			return ErrPermissionDenied
		}
		if cur.UnreadCount[partyID] == 0 {
			return nil
		}
		next := cur.Clone()
		next.UnreadCount[partyID] = 0
		next.Version++
		c.touch(next)
		tx.putConversation(next)
		return nil
	})
}

// Archive sets isActive=false.
func (c *MemoryConversations) Archive(ctx context.Context, id string) error {
	return c.setActive(ctx, id, false)
}

// Unarchive sets isActive=true.
func (c *MemoryConversations) Unarchive(ctx context.Context, id string) error {
	return c.setActive(ctx, id, true)
}

func (c *MemoryConversations) setActive(ctx context.Context, id string, active bool) error {
	return c.s.update(ctx, func(tx *memTx) error {
		cur, ok := tx.state.conversations[id]
		if !ok {
			return ErrNotFound
		}
		if cur.IsActive == active {
			return nil
		}
		next := cur.Clone()
		next.IsActive = active
		next.Version++
		c.touch(next)
		tx.putConversation(next)
		return nil
	})
}

func (c *MemoryConversations) touch(conv *Conversation) {
	if now := c.s.now().UTC(); now.After(conv.UpdatedAt) {
		conv.UpdatedAt = now
	}
}

// ForParty is the live query "active conversations containing partyID".
func (c *MemoryConversations) ForParty(partyID string) Query[*Conversation] {
	return &memQuery[*Conversation]{
		s: c.s,
		snapshot: func(st *memState) []*Conversation {
			var out []*Conversation
			for _, conv := range st.conversations {
				if conv.IsActive && conv.HasParticipant(partyID) {
					out = append(out, conv.Clone())
				}
			}
			sort.Slice(out, func(i, j int) bool { return LessByRecency(out[i], out[j]) })
			return out
		},
		pick: func(ev memEvent) (*Conversation, bool) {
			if ev.conv == nil || !ev.conv.HasParticipant(partyID) {
				return nil, false
			}
			return ev.conv.Clone(), true
		},
		keep: func(conv *Conversation) bool { return conv.IsActive },
	}
}

// ---- messages ----

// MemoryMessages is the message store view of a MemoryStore.
type MemoryMessages struct{ s *MemoryStore }

// Messages returns the message store.
func (s *MemoryStore) Messages() *MemoryMessages { return &MemoryMessages{s: s} }

// Append inserts a message with a server-assigned timestamp.
func (m *MemoryMessages) Append(ctx context.Context, in NewMessage) (*Message, error) {
	var out *Message
	err := m.s.update(ctx, func(tx *memTx) error {
		msg := newMessage(in, m.s.now())
		tx.putMessage(msg)
		out = msg.Clone()
		return nil
	})
	return out, err
}

// MarkRead flips isRead on every unread message addressed to partyID.
func (m *MemoryMessages) MarkRead(ctx context.Context, conversationID, partyID string) (int64, error) {
	var n int64
	err := m.s.update(ctx, func(tx *memTx) error {
		for _, cur := range sortedMessages(tx.state, conversationID) {
			if cur.ReceiverID != partyID || cur.IsRead {
				continue
			}
			next := cur.Clone()
			next.IsRead = true
			next.Version++
			tx.putMessage(next)
			n++
		}
		return nil
	})
	return n, err
}

// ListOrdered returns up to limit messages after the cursor, oldest first.
func (m *MemoryMessages) ListOrdered(ctx context.Context, conversationID string, after Cursor, limit int) (*MessagePage, error) {
	st, err := m.s.view(ctx)
	if err != nil {
		return nil, err
	}
	var msgs []*Message
	for _, msg := range sortedMessages(st, conversationID) {
		if !after.IsZero() && after.before(msg) {
			continue
		}
		msgs = append(msgs, msg.Clone())
		if len(msgs) > limit {
			break
		}
	}
	return newPage(msgs, limit), nil
}

// InConversation is the live query "messages of conversationID".
func (m *MemoryMessages) InConversation(conversationID string) Query[*Message] {
	return &memQuery[*Message]{
		s: m.s,
		snapshot: func(st *memState) []*Message {
			msgs := sortedMessages(st, conversationID)
			for i, msg := range msgs {
				msgs[i] = msg.Clone()
			}
			return msgs
		},
		pick: func(ev memEvent) (*Message, bool) {
			if ev.msg == nil || ev.msg.ConversationID != conversationID {
				return nil, false
			}
			return ev.msg.Clone(), true
		},
	}
}

func sortedMessages(st *memState, conversationID string) []*Message {
	var out []*Message
	for _, msg := range st.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return LessByTimestamp(out[i], out[j]) })
	return out
}

// ---- notifications ----

// MemoryNotifications is the notification store view of a MemoryStore.
type MemoryNotifications struct{ s *MemoryStore }

// Notifications returns the notification store.
func (s *MemoryStore) Notifications() *MemoryNotifications { return &MemoryNotifications{s: s} }

// Dispatch writes one notification for the receiver of a message.
func (n *MemoryNotifications) Dispatch(ctx context.Context, in NewNotification) (*Notification, error) {
	var out *Notification
	err := n.s.update(ctx, func(tx *memTx) error {
		note := newNotification(in, n.s.now())
		tx.state.notifications[note.ID] = note
		out = note.Clone()
		return nil
	})
	return out, err
}

// MarkRead marks one of userID's notifications read.
func (n *MemoryNotifications) MarkRead(ctx context.Context, id, userID string) error {
	return n.s.update(ctx, func(tx *memTx) error {
		cur, ok := tx.state.notifications[id]
		if !ok || cur.UserID != userID {
			return ErrNotFound
		}
		next := cur.Clone()
		next.IsRead = true
		next.UpdatedAt = n.s.now().UTC()
		tx.state.notifications[id] = next
		return nil
	})
}

// For returns userID's notifications, oldest first.
func (n *MemoryNotifications) For(userID string) []*Notification {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	var out []*Notification
	for _, note := range n.s.state.notifications {
		if note.UserID == userID {
			out = append(out, note.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ---- parties ----

// MemoryParties is an in-memory party directory.
type MemoryParties struct{ s *MemoryStore }

// Parties returns the party directory.
func (s *MemoryStore) Parties() *MemoryParties { return &MemoryParties{s: s} }

// Resolve returns the directory record of a party.
func (p *MemoryParties) Resolve(ctx context.Context, id, typeHint string) (Participant, error) {
	st, err := p.s.view(ctx)
	if err != nil {
		return Participant{}, err
	}
	party, ok := st.parties[id]
	if !ok {
		return Participant{}, ErrNotFound
	}
	if party.Type == "" {
		party.Type = typeHint
	}
	return party, nil
}

// Put creates or replaces a directory record.
func (p *MemoryParties) Put(ctx context.Context, party Participant) error {
	return p.s.update(ctx, func(tx *memTx) error {
		tx.state.parties[party.ID] = party
		return nil
	})
}

// ---- live queries ----

type memQuery[T Document] struct {
	s        *MemoryStore
	snapshot func(st *memState) []T
	pick     func(ev memEvent) (T, bool)
	keep     func(T) bool
}

func (q *memQuery[T]) Snapshot(ctx context.Context) ([]T, error) {
	st, err := q.s.view(ctx)
	if err != nil {
		return nil, err
	}
	return q.snapshot(st), nil
}

func (q *memQuery[T]) Watch(ctx context.Context) (Feed[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := &memFeed[T]{q: q, signal: make(chan struct{}, 1)}
	if err := q.s.addWatcher(f); err != nil {
		return nil, err
	}
	return f, nil
}

var errFeedClosed = errors.New("feed closed")

type feedItem[T Document] struct {
	change Change[T]
	err    error
}

// memFeed buffers changes without bound so that commits never block on a
// slow reader.
type memFeed[T Document] struct {
	q      *memQuery[T]
	signal chan struct{}

	mu     sync.Mutex
	queue  []feedItem[T]
	closed bool
}

func (f *memFeed[T]) deliver(ev memEvent) {
	doc, ok := f.q.pick(ev)
	if !ok {
		return
	}
	change := Change[T]{Op: OpUpsert, Key: doc.DocKey(), Doc: doc}
	if f.q.keep != nil && !f.q.keep(doc) {
		change = Change[T]{Op: OpRemove, Key: doc.DocKey()}
	}
	f.push(feedItem[T]{change: change})
}

func (f *memFeed[T]) fail(err error) {
	f.push(feedItem[T]{err: err})
}

func (f *memFeed[T]) push(it feedItem[T]) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, it)
	f.mu.Unlock()

	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *memFeed[T]) Next(ctx context.Context) (Change[T], error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return Change[T]{}, errFeedClosed
		}
		if len(f.queue) > 0 {
			it := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()
			return it.change, it.err
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return Change[T]{}, ctx.Err()
		case <-f.signal:
		}
	}
}

func (f *memFeed[T]) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.queue = nil
	f.mu.Unlock()
	f.q.s.removeWatcher(f)
	return nil
}
