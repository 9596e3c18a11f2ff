// Package metrics exposes pipeline health as Prometheus metrics, following
// the teacher's provider-interface Collector pattern: each subsystem
// implements a narrow read-only interface and the Collector gathers all of
// them at scrape time without holding any subsystem's lock itself.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of currently registered calls.
type ActiveCallsProvider interface {
	GetActiveCallCount() int
}

// PortPoolProvider exposes port pool utilization.
type PortPoolProvider interface {
	Capacity() int
}

// WSQueueProvider exposes WebSocket fan-out queue health.
type WSQueueProvider interface {
	QueueDepth() int
	DropCount() uint64
	LiveConnCount() int
}

// STTRotationProvider exposes continuous-session rotation activity.
type STTRotationProvider interface {
	RotationCount() uint64
}

// TurnCounters accumulates turn outcome counts. The Pipeline Controller
// increments it directly as turns are emitted; the Collector reads it at
// scrape time.
type TurnCounters struct {
	complete   atomic.Uint64
	incomplete atomic.Uint64
}

// IncComplete records one more complete-decision turn.
func (t *TurnCounters) IncComplete() { t.complete.Add(1) }

// IncIncomplete records one more incomplete-decision turn.
func (t *TurnCounters) IncIncomplete() { t.incomplete.Add(1) }

// Snapshot returns the current complete/incomplete totals.
func (t *TurnCounters) Snapshot() (complete, incomplete uint64) {
	return t.complete.Load(), t.incomplete.Load()
}

// Collector is a prometheus.Collector gathering AICC pipeline metrics at
// scrape time. Any provider may be nil if that subsystem is not wired up.
type Collector struct {
	activeCalls ActiveCallsProvider
	portPool    PortPoolProvider
	portPoolAlc func() int // allocated-count accessor, separate from Capacity
	wsQueue     WSQueueProvider
	sttRotation STTRotationProvider
	turns       *TurnCounters
	startTime   time.Time

	activeCallsDesc   *prometheus.Desc
	portPoolCapDesc   *prometheus.Desc
	portPoolAllocDesc *prometheus.Desc
	wsQueueDepthDesc  *prometheus.Desc
	wsQueueDropsDesc  *prometheus.Desc
	wsLiveConnsDesc   *prometheus.Desc
	sttRotationsDesc  *prometheus.Desc
	turnsTotalDesc    *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector builds a Collector. portPoolAllocated reports the number of
// port pairs currently handed out (distinct from PortPoolProvider.Capacity,
// the fixed pool size); pass nil if the port pool is not wired.
func NewCollector(
	activeCalls ActiveCallsProvider,
	portPool PortPoolProvider,
	portPoolAllocated func() int,
	wsQueue WSQueueProvider,
	sttRotation STTRotationProvider,
	turns *TurnCounters,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		portPool:    portPool,
		portPoolAlc: portPoolAllocated,
		wsQueue:     wsQueue,
		sttRotation: sttRotation,
		turns:       turns,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"aicc_active_calls",
			"Number of currently registered calls",
			nil, nil,
		),
		portPoolCapDesc: prometheus.NewDesc(
			"aicc_port_pool_capacity",
			"Total RTP port pairs configured in the pool",
			nil, nil,
		),
		portPoolAllocDesc: prometheus.NewDesc(
			"aicc_port_pool_allocated",
			"RTP port pairs currently allocated",
			nil, nil,
		),
		wsQueueDepthDesc: prometheus.NewDesc(
			"aicc_ws_queue_depth",
			"Pending events in the websocket fan-out send queue",
			nil, nil,
		),
		wsQueueDropsDesc: prometheus.NewDesc(
			"aicc_ws_queue_drops_total",
			"Events evicted from the websocket fan-out queue for overflow",
			nil, nil,
		),
		wsLiveConnsDesc: prometheus.NewDesc(
			"aicc_ws_live_connections",
			"Currently connected websocket fan-out consumers",
			nil, nil,
		),
		sttRotationsDesc: prometheus.NewDesc(
			"aicc_stt_rotations_total",
			"Continuous STT session rotations performed",
			nil, nil,
		),
		turnsTotalDesc: prometheus.NewDesc(
			"aicc_turns_total",
			"Speaker turns emitted, by completion decision",
			[]string{"decision"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"aicc_uptime_seconds",
			"Seconds since the pipeline process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.portPoolCapDesc
	ch <- c.portPoolAllocDesc
	ch <- c.wsQueueDepthDesc
	ch <- c.wsQueueDropsDesc
	ch <- c.wsLiveConnsDesc
	ch <- c.sttRotationsDesc
	ch <- c.turnsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.GetActiveCallCount()),
		)
	}

	if c.portPool != nil {
		ch <- prometheus.MustNewConstMetric(
			c.portPoolCapDesc, prometheus.GaugeValue,
			float64(c.portPool.Capacity()),
		)
	}
	if c.portPoolAlc != nil {
		ch <- prometheus.MustNewConstMetric(
			c.portPoolAllocDesc, prometheus.GaugeValue,
			float64(c.portPoolAlc()),
		)
	}

	if c.wsQueue != nil {
		ch <- prometheus.MustNewConstMetric(
			c.wsQueueDepthDesc, prometheus.GaugeValue,
			float64(c.wsQueue.QueueDepth()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.wsQueueDropsDesc, prometheus.CounterValue,
			float64(c.wsQueue.DropCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.wsLiveConnsDesc, prometheus.GaugeValue,
			float64(c.wsQueue.LiveConnCount()),
		)
	}

	if c.sttRotation != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sttRotationsDesc, prometheus.CounterValue,
			float64(c.sttRotation.RotationCount()),
		)
	}

	if c.turns != nil {
		complete, incomplete := c.turns.Snapshot()
		ch <- prometheus.MustNewConstMetric(
			c.turnsTotalDesc, prometheus.CounterValue, float64(complete), "complete",
		)
		ch <- prometheus.MustNewConstMetric(
			c.turnsTotalDesc, prometheus.CounterValue, float64(incomplete), "incomplete",
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
