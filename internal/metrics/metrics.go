package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Messages persisted and marked sent",
		},
		[]string{"type"},
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_rejected_total",
			Help: "Messages rejected before persistence",
		},
		[]string{"reason"},
	)

	NotificationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_notification_failures_total",
			Help: "Recipient notification pushes that failed after the message was sent",
		},
	)

	StatusUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_message_status_updates_total",
			Help: "Message status transitions",
		},
		[]string{"status"},
	)

	ChannelsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_channels_created_total",
			Help: "Channels created by the directory",
		},
		[]string{"type"},
	)

	ChannelIndexSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_channel_index_size",
			Help: "Channels held in the in-memory index",
		},
	)

	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_expiry_sweep_runs_total",
			Help: "Expiry sweep runs by result",
		},
		[]string{"result"},
	)

	MessagesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_expired_total",
			Help: "Messages deleted by the expiry sweep",
		},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cache_errors_total",
			Help: "Cache operations that failed and were tolerated",
		},
		[]string{"op"},
	)
)
