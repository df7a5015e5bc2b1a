package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PaulBabatuyi/realtime-conversations/internal/data"
	"github.com/PaulBabatuyi/realtime-conversations/internal/logger"
	"github.com/PaulBabatuyi/realtime-conversations/internal/metrics"
)

var errConnectivityLost = errors.New("store connectivity lost")

const closeTimeout = 5 * time.Second

type indexed[T data.Document] struct {
	query  int
	change data.Change[T]
}

// runner drives one subscription: it owns the view and is the only
// goroutine touching it.
type runner[T data.Document] struct {
	hub *Hub
	sub *Subscription
	cfg subConfig
	log *logger.Logger

	kind     string
	queries  []data.Query[T]
	view     *view[T]
	onUpdate func([]T)
}

func (r *runner[T]) run(ctx context.Context) {
	defer r.sub.setState(Closed)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = r.hub.opts.ReconnectInitial
	retry.MaxInterval = r.hub.opts.ReconnectMax
	retry.MaxElapsedTime = 0

	resync := false
	for {
		epoch, err := r.hub.await(ctx)
		if err != nil {
			return
		}
		if resync {
			if err := r.hub.limiter.Wait(ctx); err != nil {
				return
			}
			metrics.SubscriptionResyncs.WithLabelValues(r.kind).Inc()
			r.log.Debug("resyncing subscription")
		}

		live, err := r.stream(ctx, epoch)
		if ctx.Err() != nil {
			return
		}
		if live {
			retry.Reset()
		}
		resync = true

		switch {
		case err == nil:
		case errors.Is(err, errConnectivityLost):
			r.sub.setState(Reconnecting)
		case errors.Is(err, data.ErrUnavailable):
			r.failed("unavailable", err)
			r.hub.connectivityLost(epoch, err)
			r.sub.setState(Reconnecting)
		case errors.Is(err, data.ErrStale), errors.Is(err, data.ErrTransient):
			r.failed("stale", err)
			r.sub.setState(Reconnecting)
			if !sleep(ctx, retry.NextBackOff()) {
				return
			}
		default:
			r.failed("permanent", err)
			r.sub.fail(err)
			r.log.Error("subscription closed", zap.Error(err))
			if r.cfg.onError != nil {
				r.cfg.onError(err)
			}
			return
		}
	}
}

func (r *runner[T]) failed(class string, err error) {
	metrics.SubscriptionErrors.WithLabelValues(r.kind, class).Inc()
	r.sub.setState(Error)
	r.log.Warn("subscription interrupted", zap.String("class", class), zap.Error(err))
}

// stream opens the feeds, loads the snapshots and folds changes until
// something fails. live reports whether the view was delivered at least once.
func (r *runner[T]) stream(parent, epoch context.Context) (live bool, err error) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	stop := context.AfterFunc(epoch, func() { cancel(errConnectivityLost) })
	defer stop()

	feeds := make([]data.Feed[T], 0, len(r.queries))
	defer func() {
		closeCtx, done := context.WithTimeout(context.WithoutCancel(parent), closeTimeout)
		defer done()
		for _, f := range feeds {
			if err := f.Close(closeCtx); err != nil {
				r.log.Debug("closing feed", zap.Error(err))
			}
		}
	}()

	// feeds first: anything committed after the snapshot is then guaranteed
	// to arrive on a feed
	for _, q := range r.queries {
		f, err := q.Watch(ctx)
		if err != nil {
			return false, cause(ctx, fmt.Errorf("watch: %w", err))
		}
		feeds = append(feeds, f)
	}
	r.view.reset()
	for i, q := range r.queries {
		docs, err := q.Snapshot(ctx)
		if err != nil {
			return false, cause(ctx, fmt.Errorf("snapshot: %w", err))
		}
		r.view.load(i, docs)
	}
	r.sub.setState(Streaming)
	r.log.Debug("subscription streaming", zap.Int("documents", r.view.len()))
	r.deliver(ctx)

	changes := make(chan indexed[T], 64)
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range feeds {
		g.Go(func() error { return r.pump(gctx, i, f, changes) })
	}
	g.Go(func() error { return r.fold(gctx, changes) })
	return true, cause(ctx, g.Wait())
}

// pump forwards one feed's changes. Transient errors keep the view; too
// many in a row are escalated to a resync.
func (r *runner[T]) pump(ctx context.Context, query int, f data.Feed[T], out chan<- indexed[T]) error {
	inARow := 0
	for {
		ch, err := f.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || !errors.Is(err, data.ErrTransient) {
				return err
			}
			inARow++
			metrics.SubscriptionErrors.WithLabelValues(r.kind, "transient").Inc()
			r.log.Warn("transient feed error", zap.Int("in_a_row", inARow), zap.Error(err))
			if inARow >= r.hub.opts.MaxTransientInARow {
				return fmt.Errorf("%w: %d transient errors in a row: %w", data.ErrStale, inARow, err)
			}
			continue
		}
		inARow = 0

		select {
		case out <- indexed[T]{query: query, change: ch}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fold applies changes to the view, coalescing whatever is already queued
// into one delivery.
func (r *runner[T]) fold(ctx context.Context, in <-chan indexed[T]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-in:
			changed := r.view.apply(c.query, c.change)
		drain:
			for {
				select {
				case c := <-in:
					if r.view.apply(c.query, c.change) {
						changed = true
					}
				default:
					break drain
				}
			}
			if changed {
				r.deliver(ctx)
			}
		}
	}
}

func (r *runner[T]) deliver(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	metrics.SubscriptionDeliveries.WithLabelValues(r.kind).Inc()
	r.onUpdate(r.view.sorted())
}

// cause replaces the error of an interrupted stream by the reason it was
// interrupted.
func cause(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
