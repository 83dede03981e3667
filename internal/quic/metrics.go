// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors a Session reports
// transport-level counters and gauges to. A nil *Metrics (the zero
// value of the pointer) is valid everywhere below: every method has
// a nil receiver guard, so wiring metrics in is opt-in.
type Metrics struct {
	packetsSent  *prometheus.CounterVec
	packetsLost  *prometheus.CounterVec
	packetsAcked *prometheus.CounterVec
	bytesInFlight prometheus.Gauge
	smoothedRTT   prometheus.Gauge
	streamsOpened *prometheus.CounterVec
	streamsClosed *prometheus.CounterVec
	optimisticAcks prometheus.Counter
}

// NewMetrics constructs a Metrics registered under namespace, and
// registers its collectors with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_sent_total",
			Help: "Packets handed to the sent-packet manager, by number space.",
		}, []string{"space"}),
		packetsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_lost_total",
			Help: "Packets declared lost, by number space.",
		}, []string{"space"}),
		packetsAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_acked_total",
			Help: "Packets acknowledged by the peer, by number space.",
		}, []string{"space"}),
		bytesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bytes_in_flight",
			Help: "Bytes sent but not yet acked, lost, or neutered.",
		}),
		smoothedRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "smoothed_rtt_seconds",
			Help: "Current smoothed round-trip time estimate.",
		}),
		streamsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "streams_opened_total",
			Help: "Streams opened, by direction.",
		}, []string{"direction"}),
		streamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "streams_closed_total",
			Help: "Streams fully closed (both directions, all acks settled), by direction.",
		}, []string{"direction"}),
		optimisticAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "optimistic_acks_total",
			Help: "Acks referencing a packet number that was skipped and never sent.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.packetsSent, m.packetsLost, m.packetsAcked,
			m.bytesInFlight, m.smoothedRTT, m.streamsOpened, m.streamsClosed, m.optimisticAcks)
	}
	return m
}

func (m *Metrics) onPacketSent(space NumberSpace) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(space.String()).Inc()
}

func (m *Metrics) onPacketLost(space NumberSpace) {
	if m == nil {
		return
	}
	m.packetsLost.WithLabelValues(space.String()).Inc()
}

func (m *Metrics) onPacketAcked(space NumberSpace) {
	if m == nil {
		return
	}
	m.packetsAcked.WithLabelValues(space.String()).Inc()
}

func (m *Metrics) setBytesInFlight(n ByteCount) {
	if m == nil {
		return
	}
	m.bytesInFlight.Set(float64(n))
}

func (m *Metrics) setSmoothedRTT(seconds float64) {
	if m == nil {
		return
	}
	m.smoothedRTT.Set(seconds)
}

func (m *Metrics) onStreamOpened(dir string) {
	if m == nil {
		return
	}
	m.streamsOpened.WithLabelValues(dir).Inc()
}

func (m *Metrics) onStreamClosed(dir string) {
	if m == nil {
		return
	}
	m.streamsClosed.WithLabelValues(dir).Inc()
}

func (m *Metrics) onOptimisticAck() {
	if m == nil {
		return
	}
	m.optimisticAcks.Inc()
}
