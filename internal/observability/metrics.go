package observability

import "github.com/prometheus/client_golang/prometheus"

// Domain collectors for the messaging core. Label sets are closed enums
// (status, role, event type) so cardinality stays bounded regardless of the
// number of rooms.
var (
	// RoomsCreated counts rooms opened by customers.
	RoomsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_rooms_created_total",
			Help: "Total number of support rooms created.",
		},
	)

	// RoomTransitions counts lifecycle transitions by source and target status.
	RoomTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_room_transitions_total",
			Help: "Room status transitions.",
		},
		[]string{"from", "to"},
	)

	// MessagesAppended counts messages appended to room logs by sender role.
	MessagesAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_appended_total",
			Help: "Messages appended to room logs.",
		},
		[]string{"role"},
	)

	// EventsPublished counts events accepted by the dispatcher.
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_published_total",
			Help: "Events published to the notification dispatcher.",
		},
		[]string{"type"},
	)

	// EventDeliveryFailures counts subscriber deliveries that failed after
	// all retries, or panicked.
	EventDeliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_event_delivery_failures_total",
			Help: "Event deliveries that exhausted their retries.",
		},
		[]string{"type"},
	)

	// EventsPending gauges events queued for delivery across all subscribers.
	EventsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_events_pending",
			Help: "Events queued but not yet delivered.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RoomsCreated,
		RoomTransitions,
		MessagesAppended,
		EventsPublished,
		EventDeliveryFailures,
		EventsPending,
	)
}
