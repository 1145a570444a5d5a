package main

import (
	"log/slog"

	"github.com/moonlight-ct/moonlight/internal/cluster"
	"github.com/prometheus/client_golang/prometheus"
)

// loggingFetcher stands in for the continuous entry fetcher, which runs as
// its own process and discovers peers through the same coordination store.
// Here we only record the membership the controller reports.
type loggingFetcher struct {
	log   *slog.Logger
	peers prometheus.Gauge
}

func newLoggingFetcher(l *slog.Logger) *loggingFetcher {
	return &loggingFetcher{
		log: l,
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fetcher_peers",
			Help: "Peers registered with the entry fetcher.",
		}),
	}
}

var _ cluster.PeerFetcher = &loggingFetcher{}

func (f *loggingFetcher) AddPeer(nodeID, endpoint string) {
	f.peers.Inc()
	f.log.Info("fetcher peer added", "peer", nodeID, "endpoint", endpoint)
}

func (f *loggingFetcher) RemovePeer(nodeID string) {
	f.peers.Dec()
	f.log.Info("fetcher peer removed", "peer", nodeID)
}

func (f *loggingFetcher) Metrics() []prometheus.Collector {
	return []prometheus.Collector{f.peers}
}
