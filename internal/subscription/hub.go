// Package subscription maintains live, ordered views of conversation lists
// and message logs on top of the stores' change feeds.
//
// Every subscription owns one goroutine. It opens the feeds of its queries,
// takes their snapshots, and then folds changes into an in-memory view,
// handing the subscriber a complete sorted copy after every batch. When the
// store becomes unreachable the hub enters Reconnecting, probes the store
// with backoff, and on recovery re-issues every live subscription from
// scratch, paced by a rate limiter.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/PaulBabatuyi/realtime-conversations/internal/data"
	"github.com/PaulBabatuyi/realtime-conversations/internal/logger"
	"github.com/PaulBabatuyi/realtime-conversations/internal/metrics"
	"github.com/PaulBabatuyi/realtime-conversations/internal/normalize"
)

// ErrHubClosed is returned when subscribing to a closed hub.
var ErrHubClosed = errors.New("subscription hub closed")

// Options tune reconnect behaviour.
type Options struct {
	// ResyncPerSecond and ResyncBurst pace re-issued subscriptions.
	ResyncPerSecond float64
	ResyncBurst     int
	// ReconnectInitial and ReconnectMax bound the store probe backoff.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// MaxTransientInARow consecutive transient feed errors force a resync.
	MaxTransientInARow int
}

func (o *Options) applyDefaults() {
	if o.ResyncPerSecond <= 0 {
		o.ResyncPerSecond = 20
	}
	if o.ResyncBurst <= 0 {
		o.ResyncBurst = 5
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 500 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectInitial {
		o.ReconnectMax = 30 * time.Second
	}
	if o.MaxTransientInARow <= 0 {
		o.MaxTransientInARow = 5
	}
}

// Hub owns every live subscription.
type Hub struct {
	src     Source
	opts    Options
	limiter *rate.Limiter
	log     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   map[int64]*Subscription
	nextID int64
	closed bool
	// epoch is canceled when connectivity is lost; online is closed while
	// the store is reachable.
	epoch       context.Context
	cancelEpoch context.CancelFunc
	online      chan struct{}
}

// New returns a hub reading from src.
func New(src Source, opts Options, log *logger.Logger) *Hub {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		src:     src,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.ResyncPerSecond), opts.ResyncBurst),
		log:     log.Component("subscription_hub"),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[int64]*Subscription),
		online:  make(chan struct{}),
	}
	h.epoch, h.cancelEpoch = context.WithCancel(ctx)
	close(h.online)
	metrics.HubOnline.Set(1)
	return h
}

// State is Streaming while the store is reachable and Reconnecting while it
// is being probed; Closed after Close.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Closed
	}
	select {
	case <-h.online:
		return Streaming
	default:
		return Reconnecting
	}
}

// Active returns the number of live subscriptions.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close cancels every subscription and waits for their goroutines and
// feeds to be released.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subConfig)

type subConfig struct {
	delegates []string
	onError   func(error)
	onState   func(State)
}

// WithDelegates adds parties the subscriber acts for; their conversations
// are merged into the same view.
func WithDelegates(partyIDs ...string) SubscribeOption {
	return func(c *subConfig) { c.delegates = append(c.delegates, partyIDs...) }
}

// WithErrorHandler is called once if the subscription closes on a permanent error.
func WithErrorHandler(fn func(error)) SubscribeOption {
	return func(c *subConfig) { c.onError = fn }
}

// WithStateHandler observes every state transition of the subscription.
func WithStateHandler(fn func(State)) SubscribeOption {
	return func(c *subConfig) { c.onState = fn }
}

// SubscribeConversations delivers the active conversations of partyID (and
// of any delegates), newest activity first. onUpdate is called from a single
// goroutine, in order; it must not modify the documents.
func (h *Hub) SubscribeConversations(partyID string, onUpdate func([]*data.Conversation), opts ...SubscribeOption) (*Subscription, error) {
	cfg := newSubConfig(opts)
	ids, err := partySet(partyID, cfg.delegates)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", data.ErrInvalidArgument, err)
	}
	queries := make([]data.Query[*data.Conversation], len(ids))
	for i, id := range ids {
		queries[i] = h.src.ConversationsFor(id)
	}
	r := &runner[*data.Conversation]{
		kind:     "conversations",
		queries:  queries,
		view:     newView(data.LessByRecency),
		onUpdate: onUpdate,
	}
	return start(h, r, cfg, zap.String("party_id", ids[0]))
}

// SubscribeMessages delivers the messages of conversationID, oldest first.
// Authorization is the caller's concern.
func (h *Hub) SubscribeMessages(conversationID string, onUpdate func([]*data.Message), opts ...SubscribeOption) (*Subscription, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is empty", data.ErrInvalidArgument)
	}
	r := &runner[*data.Message]{
		kind:     "messages",
		queries:  []data.Query[*data.Message]{h.src.MessagesIn(conversationID)},
		view:     newView(data.LessByTimestamp),
		onUpdate: onUpdate,
	}
	return start(h, r, newSubConfig(opts), zap.String("conversation_id", conversationID))
}

func newSubConfig(opts []SubscribeOption) subConfig {
	var cfg subConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// partySet validates the subscriber and delegates and drops duplicates,
// keeping the subscriber first.
func partySet(partyID string, delegates []string) ([]string, error) {
	id, err := normalize.PartyID(partyID)
	if err != nil {
		return nil, err
	}
	ids := []string{id}
	seen := map[string]bool{id: true}
	for _, d := range delegates {
		d, err := normalize.PartyID(d)
		if err != nil {
			return nil, fmt.Errorf("delegate: %w", err)
		}
		if !seen[d] {
			seen[d] = true
			ids = append(ids, d)
		}
	}
	return ids, nil
}

func start[T data.Document](h *Hub, r *runner[T], cfg subConfig, field zap.Field) (*Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.nextID++
	ctx, cancel := context.WithCancel(h.ctx)
	sub := &Subscription{
		id:      h.nextID,
		kind:    r.kind,
		cancel:  cancel,
		done:    make(chan struct{}),
		onState: cfg.onState,
	}
	h.subs[sub.id] = sub
	h.wg.Add(1)
	h.mu.Unlock()

	r.hub = h
	r.sub = sub
	r.cfg = cfg
	r.log = h.log.With(zap.String("kind", r.kind), zap.Int64("subscription_id", sub.id), field)

	metrics.SubscriptionsActive.WithLabelValues(r.kind).Inc()
	go func() {
		defer h.wg.Done()
		defer h.unregister(sub)
		r.run(ctx)
	}()
	return sub, nil
}

func (h *Hub) unregister(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	metrics.SubscriptionsActive.WithLabelValues(sub.kind).Dec()
	close(sub.done)
}

// await blocks until the store is considered reachable and returns the
// current connectivity epoch.
func (h *Hub) await(ctx context.Context) (context.Context, error) {
	for {
		h.mu.Lock()
		epoch, online := h.epoch, h.online
		h.mu.Unlock()

		select {
		case <-online:
			return epoch, nil
		default:
		}
		select {
		case <-online:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// connectivityLost moves the hub to Reconnecting. Every subscription bound
// to epoch is interrupted; the first caller starts the probe.
func (h *Hub) connectivityLost(epoch context.Context, cause error) {
	h.mu.Lock()
	if h.closed || epoch != h.epoch || epoch.Err() != nil {
		h.mu.Unlock()
		return
	}
	h.cancelEpoch()
	online := make(chan struct{})
	h.online = online
	h.wg.Add(1)
	h.mu.Unlock()

	metrics.HubOnline.Set(0)
	h.log.Warn("store unreachable, reconnecting", zap.Error(cause))
	go h.probe(online)
}

// probe pings the store with backoff until it answers, then opens a new
// epoch and releases the waiting subscriptions.
func (h *Hub) probe(online chan struct{}) {
	defer h.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.opts.ReconnectInitial
	b.MaxInterval = h.opts.ReconnectMax
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return h.src.Ping(h.ctx)
	}, backoff.WithContext(b, h.ctx), func(err error, wait time.Duration) {
		h.log.Debug("store still unreachable", zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.epoch, h.cancelEpoch = context.WithCancel(h.ctx)
	close(online)
	n := len(h.subs)
	h.mu.Unlock()

	metrics.HubOnline.Set(1)
	h.log.Info("store reachable again, resyncing", zap.Int("attempts", attempts), zap.Int("subscriptions", n))
}

// Subscription is the handle of one live view.
type Subscription struct {
	id      int64
	kind    string
	cancel  context.CancelFunc
	done    chan struct{}
	onState func(State)

	mu    sync.Mutex
	state State
	err   error
}

// Cancel stops delivery and releases the feeds. It is safe to call more
// than once and from inside the update callback.
func (s *Subscription) Cancel() { s.cancel() }

// Done is closed once the subscription has fully stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that closed the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	if s.onState != nil {
		s.onState(st)
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
