// Package push publishes committed notifications to NATS JetStream so that
// mobile and web push workers can deliver them.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/realtime-conversations/internal/data"
	"github.com/PaulBabatuyi/realtime-conversations/internal/logger"
)

// SubjectPrefix prefixes every notification subject: chat.notify.<userId>.
const SubjectPrefix = "chat.notify"

// Config holds the NATS connection settings.
type Config struct {
	URL    string
	Token  string
	Stream string
}

// Publisher writes notifications to a JetStream stream.
type Publisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream string
	log    *logger.Logger
}

// Connect dials NATS, ensures the notification stream exists and returns a Publisher.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Publisher, error) {
	log = log.Component("push")
	opts := []nats.Option{
		nats.Name("realtime-conversations"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &Publisher{conn: nc, js: js, stream: cfg.Stream, log: log}
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStream(ctx context.Context) error {
	if _, err := p.js.Stream(ctx, p.stream); err == nil {
		return nil
	}
	_, err := p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        p.stream,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Duplicates:  10 * time.Minute,
		Description: "Committed chat notifications awaiting push delivery",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", p.stream, err)
	}
	return nil
}

// Subject returns the subject notifications for userID are published on.
func Subject(userID string) string {
	return SubjectPrefix + "." + userID
}

// Event is the payload published for a notification.
type Event struct {
	Notification *data.Notification `json:"notification"`
	PublishedAt  time.Time          `json:"publishedAt"`
}

// Encode serializes the event published for n.
func Encode(n *data.Notification, at time.Time) ([]byte, error) {
	return json.Marshal(Event{Notification: n, PublishedAt: at.UTC()})
}

// PublishNotification publishes n on its recipient's subject. The
// notification id is the JetStream message id, so a retried publish is
// deduplicated by the server.
func (p *Publisher) PublishNotification(ctx context.Context, n *data.Notification) error {
	payload, err := Encode(n, time.Now())
	if err != nil {
		return err
	}
	ack, err := p.js.Publish(ctx, Subject(n.UserID), payload, jetstream.WithMsgID(n.ID))
	if err != nil {
		return fmt.Errorf("publish notification %s: %w", n.ID, err)
	}
	if ack.Duplicate {
		p.log.Debug("notification already published", zap.String("notification_id", n.ID))
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}

// Connected reports whether the NATS connection is up.
func (p *Publisher) Connected() bool {
	return p.conn != nil && p.conn.IsConnected()
}
