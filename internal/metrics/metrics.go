package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Room metrics
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "railtrack_rooms_active",
			Help: "Rooms currently live (including empty rooms awaiting reap)",
		},
	)

	MembersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "railtrack_members_active",
			Help: "Members currently seated across all rooms",
		},
	)

	RoomsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "railtrack_rooms_reaped_total",
			Help: "Empty rooms destroyed by the idle reaper",
		},
	)

	// Event metrics
	EventsBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "railtrack_events_broadcast_total",
			Help: "Events fanned out to room members",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "railtrack_events_dropped_total",
			Help: "Events dropped because a client send buffer was full",
		},
	)

	// Rate limit metrics
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "railtrack_rate_limited_total",
			Help: "Actions rejected by the sliding-window rate limiter",
		},
		[]string{"action"},
	)
)
