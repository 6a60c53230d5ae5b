package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClaimsTotal counts claim attempts by outcome (granted, already_claimed, mint_failed, error).
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropline_claims_total",
			Help: "Claim attempts by outcome",
		},
		[]string{"result"},
	)

	// LedgerErrors counts ledger backend failures; checks fail open when these occur.
	LedgerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropline_ledger_errors_total",
			Help: "Claim ledger backend errors by operation",
		},
		[]string{"op"},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "dropline_guest_sync_duration_seconds",
			Help: "Duration of guest list synchronizations in seconds",
			Buckets: []float64{
				0.1,  // 100ms
				0.5,  // 500ms
				1.0,  // 1s
				2.5,  // 2.5s
				5.0,  // 5s
				10.0, // 10s
				30.0, // 30s
				60.0, // 1m
			},
		},
		[]string{"result"}, // success, auth_error, error
	)

	GuestsSynced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dropline_guests_synced_total",
		Help: "Guest rows upserted from the events platform",
	})

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropline_inbound_messages_total",
			Help: "Inbound direct messages by storage result (stored, replayed)",
		},
		[]string{"result"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropline_deliveries_total",
			Help: "Delivery outcomes by channel and status",
		},
		[]string{"channel", "status"},
	)

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dropline_stream_subscribers",
		Help: "Open stats stream connections",
	})

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropline_notifications_total",
			Help: "Change notifications published by transport",
		},
		[]string{"transport"},
	)
)

// RecordSyncDuration records the duration of a guest sync.
func RecordSyncDuration(result string, seconds float64) {
	SyncDuration.WithLabelValues(result).Observe(seconds)
}
