package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pipelineRows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "repload_pipeline_rows_total",
		Help: "input rows by outcome",
	},
	[]string{"outcome"})

var pipelineBatches = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "repload_pipeline_batches_total",
		Help: "bulk batches acknowledged without row failures",
	})

var pipelineRetries = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "repload_pipeline_batch_retries_total",
		Help: "bulk batches sent again after a row failure",
	})

var pipelineMaxSpan = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "repload_pipeline_max_span",
		Help: "largest address span seen by the last pipeline run",
	})

var commandRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "repload_commands_total",
		Help: "lifecycle commands by result",
	},
	[]string{"command", "result"})

var generationsDeleted = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "repload_generations_deleted_total",
		Help: "generations removed by delete commands",
	})
