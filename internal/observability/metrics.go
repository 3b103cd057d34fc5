package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts persisted chat messages by chat type and origin.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Total number of chat messages persisted",
	}, []string{"chat_type", "origin"})

	// MessagesMarkedRead counts messages transitioned to read by the read-receipt engine.
	MessagesMarkedRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_marked_read_total",
		Help: "Total number of messages newly marked read",
	}, []string{"chat_type"})

	// MembershipChanges counts membership mutations by operation.
	MembershipChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_membership_changes_total",
		Help: "Total number of chat membership mutations",
	}, []string{"operation"})

	// OnlineUsers is the number of users the presence tracker considers online.
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_presence_online_users",
		Help: "Number of users currently online",
	})

	// WebSocketEventsTotal counts inbound WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts frames dropped because a client's send buffer was full.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// EventPublishFailures counts failed publishes to the external event topic.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_event_publish_failures_total",
		Help: "Total number of failed outbound event publishes",
	}, []string{"event"})
)
