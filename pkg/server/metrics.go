package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gptlab_tokens_generated_total",
		Help: "Tokens produced by the generation endpoint.",
	})

	generateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gptlab_generate_duration_seconds",
		Help:    "Wall time of generation requests.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	trainSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gptlab_train_steps_total",
		Help: "Optimization steps run through the training endpoint.",
	})

	lastTrainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gptlab_train_loss",
		Help: "Loss of the most recent training step.",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gptlab_http_requests_total",
		Help: "HTTP requests by endpoint and status code.",
	}, []string{"endpoint", "code"})
)
