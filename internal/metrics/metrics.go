package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_connections_open",
		Help: "Number of currently open peer connections.",
	})
	AgentsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_agents_registered",
		Help: "Number of agents in the topology directory.",
	})
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_messages_routed_total",
		Help: "Total messages routed by message type.",
	}, []string{"type"})
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_messages_dropped_total",
		Help: "Total messages dropped by reason (pipeline, undeliverable, invalid).",
	}, []string{"reason"})
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_frames_received_total",
		Help: "Total frames received by frame type.",
	}, []string{"type"})
	FrameErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_frame_errors_total",
		Help: "Total malformed or rejected frames.",
	})
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_admissions_total",
		Help: "Total admission decisions by outcome.",
	}, []string{"outcome"})
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mesh_pipeline_duration_seconds",
		Help:    "Duration of the server-side mod pipeline per message.",
		Buckets: prometheus.DefBuckets,
	})
	EvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_evictions_total",
		Help: "Total idle connections evicted.",
	})
)
