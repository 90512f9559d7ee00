package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values of AdviceRequests.
const (
	OutcomeSuccess   = "success"
	OutcomeInvalid   = "invalid"
	OutcomeInference = "inference_error"
)

var (
	AdviceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "career_advice_requests_total",
			Help: "Advice requests by outcome",
		},
		[]string{"outcome"},
	)

	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "career_advice_validation_failures_total",
			Help: "Rejected profiles by offending field",
		},
		[]string{"field"},
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "career_advice_generation_duration_seconds",
			Help:    "Time spent generating advice, including the wait for the model",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	GenerationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "career_advice_generations_in_flight",
			Help: "Generations running or waiting for the model",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "career_advice_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "career_advice_http_request_duration_seconds",
			Help: "HTTP request latency by route",
		},
		[]string{"method", "route"},
	)

	RegistryHeartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "career_advice_registry_heartbeats_total",
			Help: "Service registry heartbeats by result",
		},
		[]string{"result"},
	)

	ArtifactBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "career_advice_artifact_bytes_downloaded_total",
			Help: "Bytes of model artifacts downloaded from the object store",
		},
	)
)
