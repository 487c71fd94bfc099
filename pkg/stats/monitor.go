// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"errors"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/livekit/protocol/utils/hwstats"

	"github.com/livekit/sip-doorbell/pkg/call"
	"github.com/livekit/sip-doorbell/pkg/config"
)

const namespace = "doorbell"

var (
	// sizeBuckets lists histogram buckets for flushed media segments.
	sizeBuckets = []float64{
		1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20, 2 << 20,
	}
)

// Monitor exports call and stream metrics. It implements call.Monitor and stream.Monitor.
type Monitor struct {
	serviceName string

	callsStarted    *prometheus.CounterVec
	callsActive     *prometheus.GaugeVec
	callsTerminated *prometheus.CounterVec
	inviteErr       *prometheus.CounterVec
	iceRounds       *prometheus.CounterVec
	streamConnects  prometheus.Counter
	streamRetries   prometheus.Counter
	streamBytes     prometheus.Counter
	bufferFlushed   prometheus.Histogram
	bufferOverflow  prometheus.Counter
	droppedBytes    prometheus.Counter
	cpuLoad         prometheus.Gauge

	cpu *hwstats.CPUStats

	mu     sync.Mutex
	active map[call.Direction]int

	metrics []prometheus.Collector
	started core.Fuse
}

var _ call.Monitor = (*Monitor)(nil)

func NewMonitor(conf *config.Config) (*Monitor, error) {
	m := &Monitor{
		serviceName: conf.ServiceName,
		active:      make(map[call.Direction]int),
	}
	cpu, err := hwstats.NewCPUStats(func(idle float64) {
		if m.started.IsBroken() {
			m.cpuLoad.Set(1 - idle/m.cpu.NumCPU())
		}
	})
	if err != nil {
		return nil, err
	}
	m.cpu = cpu
	return m, nil
}

func mustRegister[T prometheus.Collector](m *Monitor, c T) T {
	err := prometheus.Register(c)
	if err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		} else {
			panic(err)
		}
	}
	m.metrics = append(m.metrics, c)
	return c
}

func (m *Monitor) Start() error {
	labels := prometheus.Labels{"service": m.serviceName}

	prometheus.Unregister(collectors.NewGoCollector())
	mustRegister(m, collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.MetricsAll)))

	m.callsStarted = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "sip",
		Name:        "calls_started",
		Help:        "Number of calls that reached the active state",
		ConstLabels: labels,
	}, []string{"dir"}))

	m.callsActive = mustRegister(m, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "sip",
		Name:        "calls_active",
		Help:        "Number of currently active calls",
		ConstLabels: labels,
	}, []string{"dir"}))

	m.callsTerminated = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "sip",
		Name:        "calls_terminated",
		Help:        "Number of calls that ended or failed",
		ConstLabels: labels,
	}, []string{"dir", "state", "reason"}))

	m.inviteErr = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "sip",
		Name:        "invite_rejected",
		Help:        "Number of incoming INVITE requests rejected locally",
		ConstLabels: labels,
	}, []string{"reason"}))

	m.iceRounds = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "ice",
		Name:        "rounds",
		Help:        "Number of candidate gathering rounds by outcome",
		ConstLabels: labels,
	}, []string{"outcome"}))

	m.streamConnects = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "stream",
		Name:        "connects",
		Help:        "Number of media relay connections opened",
		ConstLabels: labels,
	}))

	m.streamRetries = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "stream",
		Name:        "reconnects",
		Help:        "Number of scheduled media relay reconnects",
		ConstLabels: labels,
	}))

	m.streamBytes = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "stream",
		Name:        "received_bytes",
		Help:        "Media bytes received from the relay",
		ConstLabels: labels,
	}))

	m.bufferFlushed = mustRegister(m, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   "buffer",
		Name:        "flush_size_bytes",
		Help:        "Size of queued media flushed to the sink",
		ConstLabels: labels,
		Buckets:     sizeBuckets,
	}))

	m.bufferOverflow = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "buffer",
		Name:        "overflows",
		Help:        "Number of media chunks dropped because the buffer was full",
		ConstLabels: labels,
	}))

	m.droppedBytes = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "buffer",
		Name:        "dropped_bytes",
		Help:        "Media bytes dropped because the buffer was full",
		ConstLabels: labels,
	}))

	m.cpuLoad = mustRegister(m, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "node",
		Name:        "cpu_load",
		ConstLabels: labels,
	}))

	m.started.Break()
	return nil
}

func (m *Monitor) Stop() {
	for _, c := range m.metrics {
		prometheus.Unregister(c)
	}
	m.metrics = nil
}

func (m *Monitor) CallStarted(dir call.Direction) {
	m.mu.Lock()
	m.active[dir]++
	m.mu.Unlock()
	m.callsStarted.WithLabelValues(dir.String()).Inc()
	m.callsActive.WithLabelValues(dir.String()).Inc()
}

// CallEnded is reported for every finished session, including those that never became active.
func (m *Monitor) CallEnded(dir call.Direction, state call.State, cause string) {
	m.mu.Lock()
	wasActive := m.active[dir] > 0
	if wasActive {
		m.active[dir]--
	}
	m.mu.Unlock()
	if wasActive {
		m.callsActive.WithLabelValues(dir.String()).Dec()
	}
	if cause == "" {
		cause = "none"
	}
	m.callsTerminated.WithLabelValues(dir.String(), state.String(), cause).Inc()
}

func (m *Monitor) InviteRejected(reason string) {
	m.inviteErr.WithLabelValues(reason).Inc()
}

func (m *Monitor) IceRound(outcome string) {
	m.iceRounds.WithLabelValues(outcome).Inc()
}

func (m *Monitor) StreamConnected() {
	m.streamConnects.Inc()
}

func (m *Monitor) StreamReconnect() {
	m.streamRetries.Inc()
}

func (m *Monitor) StreamBytes(n int) {
	m.streamBytes.Add(float64(n))
}

func (m *Monitor) BufferFlushed(bytes int) {
	m.bufferFlushed.Observe(float64(bytes))
}

func (m *Monitor) BufferOverflow(bytes int) {
	m.bufferOverflow.Inc()
	m.droppedBytes.Add(float64(bytes))
}
