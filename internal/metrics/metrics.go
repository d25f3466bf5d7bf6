// Package metrics holds the Prometheus collectors of the lifecycle engine and
// its workers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lifecycle commands
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_commands_total",
			Help: "Lifecycle commands by command and outcome code",
		},
		[]string{"command", "code"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storefront_command_duration_seconds",
			Help:    "Duration of lifecycle commands in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	StorageConflictRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_storage_conflict_retries_total",
			Help: "Transactions retried after a storage conflict",
		},
		[]string{"command"},
	)

	// Outbox relay
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_outbox_published_total",
			Help: "Outbox messages published to the broker",
		},
		[]string{"topic"},
	)

	OutboxFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_outbox_publish_failures_total",
			Help: "Outbox publish attempts that failed",
		},
		[]string{"topic"},
	)

	// Workers
	NotificationsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storefront_notifications_delivered_total",
			Help: "Notifications handed to the delivery transport",
		},
	)

	NotificationsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storefront_notifications_failed_total",
			Help: "Notification deliveries that failed",
		},
	)

	RevenueDeltasWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_revenue_deltas_written_total",
			Help: "Ledger change events written to the analytics sink",
		},
		[]string{"to_status"},
	)
)

// RecordCommand counts one finished command. code is "ok" on success.
func RecordCommand(command, code string, duration time.Duration) {
	if code == "" {
		code = "ok"
	}
	CommandsTotal.WithLabelValues(command, code).Inc()
	CommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func RecordConflictRetry(command string) {
	StorageConflictRetries.WithLabelValues(command).Inc()
}

func RecordPublish(topic string, err error) {
	if err != nil {
		OutboxFailed.WithLabelValues(topic).Inc()
		return
	}
	OutboxPublished.WithLabelValues(topic).Inc()
}

func RecordDelivery(err error) {
	if err != nil {
		NotificationsFailed.Inc()
		return
	}
	NotificationsDelivered.Inc()
}
