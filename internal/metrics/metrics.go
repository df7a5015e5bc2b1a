// Package metrics holds the Prometheus instruments of the conversation core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCDuration tracks client-facing RPC latency.
	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_rpc_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "code"},
	)

	// MessagesSent counts send outcomes (ok, invalid, archived, failed).
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages sent, by outcome",
		},
		[]string{"outcome"},
	)

	// SendRetries counts retried store attempts, by error class.
	SendRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_store_retries_total",
			Help: "Store operations retried by the message service",
		},
		[]string{"op", "reason"},
	)

	// ConversationsCreated counts conversations created by findOrCreate.
	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_conversations_created_total",
			Help: "Conversations created",
		},
	)

	// NotificationsDispatched counts committed notifications.
	NotificationsDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_notifications_dispatched_total",
			Help: "Notifications committed with a message",
		},
	)

	// PushFailures counts notifications that could not be published after commit.
	PushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_push_failures_total",
			Help: "Notification push publishes that failed",
		},
	)

	// DirectoryFallbacks counts party lookups that fell back to a placeholder.
	DirectoryFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_directory_fallbacks_total",
			Help: "Party directory lookups answered with a placeholder",
		},
	)

	// SubscriptionsActive tracks open subscriptions by view kind.
	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_subscriptions_active",
			Help: "Open subscriptions",
		},
		[]string{"kind"},
	)

	// SubscriptionDeliveries counts snapshots handed to subscribers.
	SubscriptionDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_subscription_deliveries_total",
			Help: "Ordered snapshots delivered to subscribers",
		},
		[]string{"kind"},
	)

	// SubscriptionResyncs counts full resyncs after reconnect.
	SubscriptionResyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_subscription_resyncs_total",
			Help: "Full subscription resyncs",
		},
		[]string{"kind"},
	)

	// SubscriptionErrors counts feed errors by class (transient, unavailable, permanent).
	SubscriptionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_subscription_errors_total",
			Help: "Change feed errors seen by subscriptions",
		},
		[]string{"kind", "class"},
	)

	// HubOnline is 1 while the subscription hub considers the store reachable.
	HubOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_hub_online",
			Help: "1 when the subscription hub is connected, 0 while reconnecting",
		},
	)
)
