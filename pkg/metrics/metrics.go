package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "worldcycle"
)

var (
	// CyclesTotal counts cycles by outcome: started, ignored, completed,
	// restarted, generation_failed.
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "World cycles by outcome",
		},
		[]string{"outcome"},
	)

	// CycleNumber mirrors the persisted cycle number.
	CycleNumber = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_number",
			Help:      "Current cycle number",
		},
	)

	// RPCSendTotal counts outbound delivery attempts.
	RPCSendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_send_total",
			Help:      "Outbound peer RPC attempts",
		},
		[]string{"transport", "action", "result"}, // result: ok/retry/terminal/queued
	)

	// RPCReceivedTotal counts inbound RPCs by transport and status.
	RPCReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_received_total",
			Help:      "Inbound peer RPCs",
		},
		[]string{"transport", "action", "status"},
	)

	// QueueDepth tracks both fallback queues.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Undelivered RPCs per queue",
		},
		[]string{"queue"}, // persistent/outbound
	)

	// RelocationsTotal counts relocation attempts.
	RelocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relocations_total",
			Help:      "Player relocation attempts",
		},
		[]string{"destination", "result"}, // result: ok/deferred/failed
	)

	// PendingMoves tracks pending relocation markers.
	PendingMoves = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_moves",
			Help:      "Players marked for a deferred relocation",
		},
		[]string{"destination"},
	)
)
