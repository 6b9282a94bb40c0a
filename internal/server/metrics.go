package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	instancesOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mydia",
			Subsystem: "relay",
			Name:      "instances_online",
			Help:      "Number of instances with a live relay socket.",
		})
	clientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mydia",
			Subsystem: "relay",
			Name:      "clients_connected",
			Help:      "Number of connected client sockets.",
		})

	framesRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mydia",
			Subsystem: "relay",
			Name:      "frames_relayed_total",
			Help:      "Number of payload frames relayed between clients and instances.",
		}, []string{"direction"})
	bytesRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mydia",
			Subsystem: "relay",
			Name:      "bytes_relayed_total",
			Help:      "Payload bytes relayed between clients and instances.",
		}, []string{"direction"})

	registrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mydia",
			Subsystem: "relay",
			Name:      "registrations_total",
			Help:      "Number of instance registrations.",
		}, []string{"result"})
	claimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mydia",
			Subsystem: "relay",
			Name:      "claims_total",
			Help:      "Number of claim operations.",
		}, []string{"op", "result"})
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mydia",
			Subsystem: "relay",
			Name:      "sessions_total",
			Help:      "Number of client pairing attempts.",
		}, []string{"result"})

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mydia",
			Subsystem: "relay",
			Name:      "rate_limited_total",
			Help:      "Number of requests rejected by the rate limiter.",
		}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(
		instancesOnline,
		clientsConnected,
		framesRelayedTotal,
		bytesRelayedTotal,
		registrationsTotal,
		claimsTotal,
		sessionsTotal,
		rateLimitedTotal,
	)
}
