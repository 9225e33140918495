package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus instruments the processor feeds. They
// track the telemetry pipeline itself plus cheap run aggregates, and
// are served by the --metrics-addr listener.
type Metrics struct {
	// ExportRetries counts exporter attempts beyond the first.
	ExportRetries prometheus.Counter

	// ExportFailures counts records lost after exhausting retries.
	ExportFailures prometheus.Counter

	// DegradedTurns counts turns during which at least one export
	// needed a retry.
	DegradedTurns prometheus.Counter

	// DroppedRecords counts records rejected by a full queue.
	DroppedRecords prometheus.Counter

	// ToolDuration observes tool execution time by tool name.
	ToolDuration *prometheus.HistogramVec

	// Tokens counts model tokens by direction (input|output).
	Tokens *prometheus.CounterVec

	// TurnsTotal counts finished turns by terminal status.
	TurnsTotal *prometheus.CounterVec
}

// NewMetrics registers the instruments on reg. Pass
// prometheus.DefaultRegisterer outside tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExportRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "rho_telemetry_retries_total",
			Help: "Exporter attempts beyond the first, across all records",
		}),
		ExportFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "rho_telemetry_failures_total",
			Help: "Telemetry records dropped after exhausting retries",
		}),
		DegradedTurns: factory.NewCounter(prometheus.CounterOpts{
			Name: "rho_telemetry_degraded_total",
			Help: "Turns whose telemetry needed at least one retry",
		}),
		DroppedRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "rho_telemetry_dropped_total",
			Help: "Telemetry records rejected because the queue was full",
		}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rho_tool_duration_seconds",
			Help:    "Tool execution time by tool name",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"tool"}),
		Tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rho_model_tokens_total",
			Help: "Model tokens by direction",
		}, []string{"direction"}),
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rho_turns_total",
			Help: "Finished turns by terminal status",
		}, []string{"status"}),
	}
}
