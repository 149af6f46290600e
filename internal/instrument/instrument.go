// instrument.go - Prometheus instrumentation.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the node's metrics as a facade of plain
// functions so that the pipeline never carries a metrics handle around.
// The sink has no feedback into pipeline behavior.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	packetsDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veilmix_decoded_packets_total",
			Help: "Number of packets accepted by the decoder",
		},
	)
	packetsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veilmix_processed_packets_total",
			Help: "Number of packets successfully unwrapped",
		},
	)
	packetsReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veilmix_replayed_packets_total",
			Help: "Number of replayed packets dropped",
		},
	)
	invalidPacketsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veilmix_invalid_packets_total",
			Help: "Number of cryptographically invalid packets dropped",
		},
	)
	packetsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veilmix_forwarded_packets_total",
			Help: "Number of packets sent to a next hop",
		},
	)
	packetsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veilmix_delivered_packets_total",
			Help: "Number of packets handed to the delivery sink",
		},
	)
	unreachablePacketsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veilmix_unreachable_packets_total",
			Help: "Number of packets dropped after the send retry budget",
		},
	)
	unknownHopPacketsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veilmix_unknown_hop_packets_total",
			Help: "Number of packets dropped due to a stale or invalid next hop",
		},
	)
	admissionPacketsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veilmix_admission_dropped_packets_total",
			Help: "Number of packets rejected by the mix queue capacity bound",
		},
	)
	deadlineBlownPacketsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veilmix_deadline_blown_packets_total",
			Help: "Number of packets dropped due to excessive dwell",
		},
	)
	packetsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veilmix_dropped_packets_total",
			Help: "Number of dropped packets",
		},
	)
	outgoingConns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veilmix_outgoing_connections_total",
			Help: "Number of outgoing connections established",
		},
	)
	inFlightPackets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veilmix_in_flight_packets",
			Help: "Number of packets currently in flight across the pipeline",
		},
	)
	mixQueueSize = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "veilmix_mix_queue_size",
			Help: "Size of the mix queue",
		},
	)
)

func init() {
	prometheus.MustRegister(
		packetsDecoded,
		packetsProcessed,
		packetsReplayed,
		invalidPacketsDropped,
		packetsForwarded,
		packetsDelivered,
		unreachablePacketsDropped,
		unknownHopPacketsDropped,
		admissionPacketsDropped,
		deadlineBlownPacketsDropped,
		packetsDropped,
		outgoingConns,
		inFlightPackets,
		mixQueueSize,
	)
}

// StartMetricsListener exposes the registered metrics via HTTP.
func StartMetricsListener(address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(address, mux)
}

// PacketsDecoded increments the counter for decoded packets.
func PacketsDecoded() {
	packetsDecoded.Inc()
}

// PacketsProcessed increments the counter for unwrapped packets.
func PacketsProcessed() {
	packetsProcessed.Inc()
}

// PacketsReplayed increments the counter for replayed packets.
func PacketsReplayed() {
	packetsReplayed.Inc()
}

// InvalidPacketsDropped increments the counter for invalid packets.
func InvalidPacketsDropped() {
	invalidPacketsDropped.Inc()
}

// PacketsForwarded increments the counter for forwarded packets.
func PacketsForwarded() {
	packetsForwarded.Inc()
}

// PacketsDelivered increments the counter for delivered packets.
func PacketsDelivered() {
	packetsDelivered.Inc()
}

// UnreachablePacketsDropped increments the counter for packets dropped
// after the retry budget was exhausted.
func UnreachablePacketsDropped() {
	unreachablePacketsDropped.Inc()
}

// UnknownHopPacketsDropped increments the counter for packets whose next
// hop was not in the topology.
func UnknownHopPacketsDropped() {
	unknownHopPacketsDropped.Inc()
}

// AdmissionPacketsDropped increments the counter for packets rejected by
// the mix queue capacity bound.
func AdmissionPacketsDropped() {
	admissionPacketsDropped.Inc()
}

// DeadlineBlownPacketsDropped increments the counter for packets dropped
// due to excessive dwell.
func DeadlineBlownPacketsDropped() {
	deadlineBlownPacketsDropped.Inc()
}

// PacketsDropped increments the counter for dropped packets.
func PacketsDropped() {
	packetsDropped.Inc()
}

// Outgoing increments the counter for outgoing connections.
func Outgoing() {
	outgoingConns.Inc()
}

// InFlightPackets sets the in-flight packet gauge.
func InFlightPackets(n int) {
	inFlightPackets.Set(float64(n))
}

// MixQueueSize observes the size of the mix queue.
func MixQueueSize(size uint64) {
	mixQueueSize.Observe(float64(size))
}
