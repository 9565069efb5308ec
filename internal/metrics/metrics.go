// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesDecodedTotal counts wire packets successfully decoded, by service type.
	FramesDecodedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carlink_frames_decoded_total",
			Help: "Total number of wire packets decoded",
		},
		[]string{"service"},
	)

	// FramesEncodedTotal counts wire packets encoded for the transport.
	FramesEncodedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carlink_frames_encoded_total",
			Help: "Total number of wire packets encoded",
		},
		[]string{"service"},
	)

	// MalformedHeadersTotal counts header rejections seen by the framer.
	MalformedHeadersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carlink_malformed_headers_total",
			Help: "Total number of rejected packet headers",
		},
	)

	// ReassemblyActive tracks multiframe assemblies currently in progress.
	ReassemblyActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carlink_reassembly_active",
			Help: "Number of multiframe assemblies in progress",
		},
	)

	// ReassemblyErrorsTotal counts discarded multiframe assemblies by cause.
	ReassemblyErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carlink_reassembly_errors_total",
			Help: "Total number of multiframe assemblies discarded",
		},
		[]string{"cause"},
	)

	// SessionsActive tracks sessions currently registered, by service type.
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "carlink_sessions_active",
			Help: "Number of active sessions",
		},
		[]string{"service"},
	)

	// FloodTripsTotal counts message-frequency violations.
	FloodTripsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carlink_flood_trips_total",
			Help: "Total number of message flood detections",
		},
	)

	// MalformedTripsTotal counts malformed-frequency violations.
	MalformedTripsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carlink_malformed_trips_total",
			Help: "Total number of malformed message frequency detections",
		},
	)

	// OutboundDroppedTotal counts items dropped on scheduler queue overflow,
	// by direction (to_mobile, from_mobile).
	OutboundDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carlink_outbound_dropped_total",
			Help: "Total number of scheduler queue items dropped on overflow",
		},
		[]string{"direction"},
	)

	// ApplicationsRegistered tracks currently registered applications.
	ApplicationsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carlink_applications_registered",
			Help: "Number of registered applications",
		},
	)

	// HMILevelTransitionsTotal counts HMI level changes by target level.
	HMILevelTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carlink_hmi_level_transitions_total",
			Help: "Total number of HMI level transitions",
		},
		[]string{"level"},
	)

	// RequestsRejectedTotal counts admission rejections by cause.
	RequestsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carlink_requests_rejected_total",
			Help: "Total number of requests rejected by admission control",
		},
		[]string{"cause"},
	)

	// RemovalsForBadBehavior counts apps unregistered for abusive traffic.
	RemovalsForBadBehavior = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carlink_removals_for_bad_behavior_total",
			Help: "Total number of applications removed for bad behavior",
		},
	)

	// AudioPassThruActive is 1 while a session holds the microphone.
	AudioPassThruActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carlink_audio_pass_thru_active",
			Help: "Whether an audio pass-through session is active",
		},
	)
)
