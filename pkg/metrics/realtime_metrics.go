package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Realtime metrics for monitoring the chat and call signaling subsystem
var (
	// Chat message lifecycle metrics
	MessagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_messages_sent_total",
		Help: "Total number of chat messages written to the realtime store",
	}, []string{"status"})

	MessagesEditedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_edited_total",
		Help: "Total number of chat message edits",
	})

	MessagesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_deleted_total",
		Help: "Total number of chat message deletions",
	})

	MessageArchiveWriteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_message_archive_write_total",
		Help: "Total number of write-through message archive operations",
	}, []string{"status"})

	// Aggregator metrics
	AggregatorMergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_aggregator_merges_total",
		Help: "Total number of source snapshot merges performed",
	})

	AggregatorSourcesDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_aggregator_sources_degraded",
		Help: "Current number of chat source paths in degraded state",
	})

	// Call lifecycle metrics
	CallsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_calls_started_total",
		Help: "Total number of calls started",
	}, []string{"type"})

	CallsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_calls_resolved_total",
		Help: "Total number of calls that reached a terminal status",
	}, []string{"type", "status"})

	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_calls_active",
		Help: "Current number of non-terminal calls tracked by this instance",
	})

	CallSetupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_call_setup_duration_seconds",
		Help:    "Time from start of a call until the record reaches accepted",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// Media session metrics
	MediaTeardownTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_media_teardown_total",
		Help: "Total number of media session teardowns by trigger",
	}, []string{"trigger"})

	ScreenShareTogglesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_screen_share_toggles_total",
		Help: "Total number of screen share toggles",
	})

	// Store metrics
	StoreWatchesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_store_watches_active",
		Help: "Current number of active store path watches",
	})

	StoreWriteErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_store_write_errors_total",
		Help: "Total number of failed store writes",
	}, []string{"operation"})

	// Push notification metrics
	CallPushSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_call_push_sent_total",
		Help: "Total number of incoming-call push notifications sent",
	}, []string{"provider", "status"})

	// WebSocket gateway metrics
	GatewayConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_gateway_connections_active",
		Help: "Current number of connected WebSocket clients",
	})

	GatewayFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_gateway_frames_total",
		Help: "Total number of WebSocket frames by direction and type",
	}, []string{"direction", "type"})
)
