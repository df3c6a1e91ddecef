package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	wagerTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wager_requests_total",
			Help: "Wager requests by result (lose|win|jackpot|rejected error kind)",
		},
		[]string{"result"},
	)

	wagerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wager_request_duration_ms",
			Help:    "Wager duration in milliseconds, lock acquisition included",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"result"},
	)

	potDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_pot_update_failures_total",
		Help: "Committed wagers whose room pot could not be updated",
	})

	eventTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_events_total",
			Help: "Inbound client events by name and outcome",
		},
		[]string{"event", "outcome"},
	)

	roomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lobby_rooms_active",
		Help: "Rooms currently held in memory",
	})

	connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections",
		Help: "Open websocket connections",
	})
)

// RecordWager records the result of one wager attempt.
func RecordWager(result string, started time.Time) {
	wagerTotal.WithLabelValues(result).Inc()
	wagerDuration.WithLabelValues(result).Observe(float64(time.Since(started).Milliseconds()))
}

func RecordPotDegraded() { potDegraded.Inc() }

// RecordEvent counts a dispatched event; outcome is "ok" or an error code.
func RecordEvent(event, outcome string) {
	eventTotal.WithLabelValues(event, outcome).Inc()
}

func SetRooms(n int) { roomsActive.Set(float64(n)) }

func ConnectionOpened() { connections.Inc() }

func ConnectionClosed() { connections.Dec() }
