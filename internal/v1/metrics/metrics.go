// Package metrics centralizes Prometheus instrumentation for the server.
//
// Naming convention: namespace_subsystem_name, namespace is the application
// (lanmeet), subsystem is the feature area (registry, room, control, video,
// audio, filetransfer, screenshare, redis, rate_limit, circuit_breaker).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MembersActive tracks currently connected TCP control members.
	MembersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lanmeet",
		Subsystem: "registry",
		Name:      "members_active",
		Help:      "Current number of registered TCP control members",
	})

	// RoomsActive tracks currently active rooms.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lanmeet",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks participant count per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lanmeet",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// ControlEvents tracks TCP control-protocol events processed.
	ControlEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanmeet",
		Subsystem: "control",
		Name:      "events_total",
		Help:      "Total TCP control events processed",
	}, []string{"event_type", "status"})

	// ChatDeliveries tracks chat fan-out outcomes.
	ChatDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanmeet",
		Subsystem: "control",
		Name:      "chat_deliveries_total",
		Help:      "Total chat delivery attempts",
	}, []string{"outcome"})

	// VideoFramesRelayed tracks UDP video frames fanned out.
	VideoFramesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanmeet",
		Subsystem: "video",
		Name:      "frames_relayed_total",
		Help:      "Total UDP video frames relayed to listeners",
	}, []string{"status"})

	// AudioChunksMixed tracks mixed audio chunks sent per tick.
	AudioChunksMixed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanmeet",
		Subsystem: "audio",
		Name:      "chunks_sent_total",
		Help:      "Total mixed audio chunks sent to listeners",
	}, []string{"status"})

	// AudioMixDuration tracks how long one mix tick's work takes.
	AudioMixDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lanmeet",
		Subsystem: "audio",
		Name:      "mix_tick_seconds",
		Help:      "Time spent producing and sending one mix tick's output",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .02, .04, .08},
	})

	// FileTransferBytes tracks bytes moved through the file transfer server.
	FileTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanmeet",
		Subsystem: "filetransfer",
		Name:      "bytes_total",
		Help:      "Total bytes transferred",
	}, []string{"direction"})

	// FileTransferOutcomes tracks upload/download outcomes.
	FileTransferOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanmeet",
		Subsystem: "filetransfer",
		Name:      "transfers_total",
		Help:      "Total file transfers by outcome",
	}, []string{"operation", "outcome"})

	// ScreenShareFrames tracks screen-share frames relayed.
	ScreenShareFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanmeet",
		Subsystem: "screenshare",
		Name:      "frames_relayed_total",
		Help:      "Total screen-share frames relayed to viewers",
	}, []string{"status"})

	// CircuitBreakerState tracks circuit breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lanmeet",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected by an open circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanmeet",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks requests rejected by a rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanmeet",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total requests that exceeded the rate limit",
	}, []string{"scope", "reason"})

	// RateLimitRequests tracks requests checked against a rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanmeet",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total requests checked against the rate limiter",
	}, []string{"scope"})

	// RedisOperationsTotal tracks Redis bus operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanmeet",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks Redis bus operation latency.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lanmeet",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

// IncMember increments the active member gauge.
func IncMember() {
	MembersActive.Inc()
}

// DecMember decrements the active member gauge.
func DecMember() {
	MembersActive.Dec()
}
