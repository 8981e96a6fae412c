package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names are fixed for cross-implementation compatibility with
// existing dashboards; do not rename.
var (
	ClientFileTransferLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "client_file_transfer_latency_ms",
		Help:    "Latency of file upload from the client perspective",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})

	ClientFilesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "client_files_sent_total",
		Help: "Total number of files sent by the client",
	}, []string{"success"})

	ServerFileWriteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "server_file_write_latency_ms",
		Help:    "Time from first frame of a session to verified output write",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})

	ServerFilesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "server_files_processed_total",
		Help: "Total number of files processed by the server",
	}, []string{"checksum_ok"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_ms",
		Help:    "Per-stage latency of the chunk pipeline",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
	}, []string{"stage"})

	ChunksTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_chunks_total",
		Help: "Chunks handled per stage",
	}, []string{"stage"})
)
