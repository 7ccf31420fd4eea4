package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "querysmith_build_info",
		Help: "Build information of querysmith",
	}, []string{"version"})

	PipelineRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querysmith_pipeline_requests_total", Help: "Pipeline runs by answer source.",
	}, []string{"source"})
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querysmith_stage_duration_seconds",
		Help:    "Duration of each pipeline stage.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage"})
	ReviewIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "querysmith_review_iterations",
		Help:    "Review calls made per review loop.",
		Buckets: []float64{0, 1, 2, 3},
	})

	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querysmith_llm_calls_total", Help: "LLM calls by provider and outcome.",
	}, []string{"provider", "outcome"})
	LLMParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "querysmith_llm_parse_failures_total", Help: "Structured responses that could not be parsed as JSON.",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "querysmith_ws_connections", Help: "Open WebSocket connections.",
	})

	IngestJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querysmith_ingest_jobs_total", Help: "Ingest jobs processed by type and outcome.",
	}, []string{"type", "outcome"})

	BusinessQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querysmith_business_queries_total", Help: "Queries executed against the business database.",
	}, []string{"status"})
)

// ObserveStage records the time elapsed since start for a pipeline stage.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
