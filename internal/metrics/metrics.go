package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Currently open client connections",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Sessions with at least one open connection",
	})

	FramesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_ingested_total",
		Help: "Frames stored and queued for ingestion",
	})

	FramesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_rejected_total",
		Help: "Frames rejected before enqueue",
	}, []string{"reason"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Events written to local connections by event type",
	}, []string{"event"})

	BusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bus_messages_total",
		Help: "Result bus messages received by channel and outcome",
	}, []string{"channel", "outcome"})

	Jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_jobs_total",
		Help: "Job attempts by queue and outcome",
	}, []string{"queue", "outcome"})

	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_inference_duration_seconds",
		Help:    "Scoring latency per inference job (all models)",
		Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
	})

	HeartbeatTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_heartbeat_terminations_total",
		Help: "Connections terminated for missing a heartbeat",
	})
)
