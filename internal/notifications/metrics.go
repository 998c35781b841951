package notifications

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notifyd"

var (
	notificationQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "queue_size",
			Help:      "Number of jobs in queue by status",
		},
		[]string{"status"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "sent_total",
			Help:      "Total jobs processed by workers",
		},
		[]string{"channel_type", "status"},
	)

	notificationSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "send_duration_seconds",
			Help:      "Time to deliver a notification",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel_type"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "dispatch_total",
			Help:      "Total messages handled by dispatchers",
		},
		[]string{"channel", "path", "status"},
	)

	notificationFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "dispatch_fallback_total",
			Help:      "Messages delivered directly because the broker could not take them",
		},
		[]string{"channel", "reason"},
	)

	notificationBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "batch_duration_seconds",
			Help:      "Time to dispatch a batch",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	brokerAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "available",
			Help:      "Whether the broker answered the last probe (1) or not (0)",
		},
	)
)

// recordNotificationSent records a processed job metric.
func recordNotificationSent(channelType, status string) {
	notificationsSent.WithLabelValues(channelType, status).Inc()
}

// recordNotificationDuration records notification send duration.
func recordNotificationDuration(channelType string, duration time.Duration) {
	notificationSendDuration.WithLabelValues(channelType).Observe(duration.Seconds())
}

func recordDispatch(channel string, path DispatchPath, status string) {
	p := string(path)
	if p == "" {
		p = "none"
	}
	notificationsDispatched.WithLabelValues(channel, p, status).Inc()
}

func recordFallback(channel, reason string) {
	notificationFallbacks.WithLabelValues(channel, reason).Inc()
}

func recordBatch(channel string, duration time.Duration) {
	notificationBatchDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func recordBrokerAvailable(available bool) {
	if available {
		brokerAvailable.Set(1)
		return
	}
	brokerAvailable.Set(0)
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *QueueStats) {
	notificationQueueSize.WithLabelValues(string(QueueStatusPending)).Set(float64(stats.Pending))
	notificationQueueSize.WithLabelValues(string(QueueStatusProcessing)).Set(float64(stats.Processing))
	notificationQueueSize.WithLabelValues(string(QueueStatusFailed)).Set(float64(stats.Failed))
	notificationQueueSize.WithLabelValues(string(QueueStatusDead)).Set(float64(stats.Dead))
}
