package cluster

import (
	"errors"
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	SelectorRuns     *prometheus.CounterVec
	ServingPublishes *prometheus.CounterVec
	StateWrites      *prometheus.CounterVec

	ServingTreeSize     prometheus.Gauge
	ServingTimestamp    prometheus.Gauge
	CalculatedTreeSize  prometheus.Gauge
	CalculatedTimestamp prometheus.Gauge
	LocalTreeSize       prometheus.Gauge

	PeerCount      prometheus.Gauge
	ElectionJoined prometheus.Gauge

	MalformedPayloads prometheus.Counter
	WatchResyncs      prometheus.Counter
}

func initMetrics() metrics {
	return metrics{
		SelectorRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selector_runs_total",
				Help: "Serving STH selector runs, by outcome.",
			},
			[]string{"outcome"},
		),
		ServingPublishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serving_sth_publishes_total",
				Help: "Serving STH compare-and-swap publications, by outcome.",
			},
			[]string{"outcome"},
		),
		StateWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "node_state_writes_total",
				Help: "Local node state publications to the coordination store, by outcome.",
			},
			[]string{"outcome"},
		),

		ServingTreeSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "serving_tree_size_leaves_total",
				Help: "Size of the Serving STH observed in the coordination store.",
			},
		),
		ServingTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "serving_tree_timestamp_seconds",
				Help: "Timestamp of the Serving STH observed in the coordination store.",
			},
		),
		CalculatedTreeSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "calculated_tree_size_leaves_total",
				Help: "Size of the Serving STH this node's selector settled on.",
			},
		),
		CalculatedTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "calculated_tree_timestamp_seconds",
				Help: "Timestamp of the Serving STH this node's selector settled on.",
			},
		),
		LocalTreeSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "local_tree_size_leaves_total",
				Help: "Size of the newest locally signed tree head.",
			},
		),

		PeerCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cluster_nodes",
				Help: "Number of node states visible in the coordination store.",
			},
		),
		ElectionJoined: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "election_participating",
				Help: "Whether this node is campaigning in the master election.",
			},
		),

		MalformedPayloads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "malformed_payloads_total",
				Help: "Store values that failed to decode and were discarded.",
			},
		),
		WatchResyncs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "watch_resyncs_total",
				Help: "Watch streams that broke and were re-established from a fresh listing.",
			},
		),
	}
}

// Metrics returns the controller's collectors, for registration by the caller.
func (c *Controller) Metrics() []prometheus.Collector {
	var collectors []prometheus.Collector
	for i := 0; i < reflect.ValueOf(c.m).NumField(); i++ {
		collectors = append(collectors, reflect.ValueOf(c.m).Field(i).Interface().(prometheus.Collector))
	}
	return collectors
}

func selectorOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientNodes):
		return "insufficient_nodes"
	case errors.Is(err, ErrInsufficientCoverage):
		return "insufficient_coverage"
	default:
		return "error"
	}
}
