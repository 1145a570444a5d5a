// Package cluster implements the cluster state controller of a distributed
// Certificate Transparency log.
//
// Every node of the log runs one Controller. The controller publishes the
// node's newest locally signed tree head into the coordination store, watches
// every other node's state, and computes the Serving STH: the single,
// monotonically advancing tree head the cluster presents to clients. Nodes
// whose local tree is at least as large as the Serving STH campaign in a
// master election, and the current master is the only writer of the Serving
// STH, through a compare-and-swap on its store key.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ct "github.com/google/certificate-transparency-go"
	"github.com/sethvargo/go-retry"
)

// Config collects the collaborators of a Controller. All fields are required.
type Config struct {
	// NodeID uniquely identifies this node in the cluster. It becomes the
	// last segment of the node's /nodes/ key.
	NodeID string

	Store    Store
	Election Election
	Fetcher  PeerFetcher
	DB       TreeHeadDB

	Log *slog.Logger
}

// Controller publishes this node's state, watches the rest of the cluster,
// and keeps the Serving STH moving forward.
//
// Three locks guard the controller's state: localMu for the node's own
// state, peersMu for the peer view, and selMu for the serving policy and the
// serving baseline. Callbacks take them in that order, and none is ever held
// across a store, database, or election call.
type Controller struct {
	c   *Config
	m   metrics
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	localMu sync.Mutex
	local   NodeState

	peersMu sync.Mutex
	peers   map[string]*NodeState
	fetched map[string]bool

	selMu          sync.Mutex
	clusterConfig  ClusterConfig
	calculated     *servingCandidate // newest selector output, the monotone baseline
	calculatedErr  error             // why calculated is still nil
	published      *servingCandidate // newest /serving_sth observed in the store
	publishedKV    *KeyValue         // CAS token for /serving_sth, nil if the key is absent
	lastWritten    *ct.SignedTreeHead
	electionJoined bool

	watchMu sync.Mutex
	stops   map[string]func()

	closeOnce sync.Once
}

// NewController builds a Controller and brings it live: it seeds the serving
// baseline from the local database, loads the cluster config, lists and
// watches the cluster, and joins the election if this node qualifies. The
// controller runs until Close.
func NewController(ctx context.Context, config *Config) (*Controller, error) {
	if config.NodeID == "" {
		return nil, errors.New("cluster: node ID must not be empty")
	}
	c := &Controller{
		c:       config,
		m:       initMetrics(),
		log:     config.Log.With("nodeID", config.NodeID),
		peers:   make(map[string]*NodeState),
		fetched: make(map[string]bool),
		stops:   make(map[string]func()),
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.local.NodeID = config.NodeID
	c.clusterConfig = defaultClusterConfig

	// A restarted node must not regress below the Serving STH it already
	// persisted, even if the store is briefly behind or unreachable.
	if sth, err := config.DB.LatestTreeHead(ctx); err == nil {
		raw, err := marshalTreeHead(sth)
		if err != nil {
			return nil, fmt.Errorf("cluster: failed to re-encode stored tree head: %w", err)
		}
		cand := &servingCandidate{sth: sth, raw: raw}
		c.calculated = cand
		c.published = cand
		c.lastWritten = sth
	} else if !errors.Is(err, ErrNoTreeHead) {
		return nil, fmt.Errorf("cluster: failed to read latest tree head: %w", err)
	}

	if err := c.loadClusterConfig(ctx); err != nil {
		return nil, err
	}
	if err := c.loadServingSTH(ctx); err != nil {
		return nil, err
	}
	if err := c.syncNodes(ctx); err != nil {
		return nil, err
	}

	c.log.InfoContext(ctx, "cluster state controller started",
		"peers", len(c.peersSnapshot()), "minNodes", c.clusterConfig.MinimumServingNodes,
		"minFraction", c.clusterConfig.MinimumServingFraction)

	c.updateElection()
	c.runSelector()
	return c, nil
}

// Close shuts the controller down: watches are cancelled, the election is
// left, and no further state is published. It is safe to call twice.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.watchMu.Lock()
		for _, stop := range c.stops {
			stop()
		}
		c.stops = nil
		c.watchMu.Unlock()
		c.selMu.Lock()
		c.electionJoined = false
		c.selMu.Unlock()
		c.c.Election.StopElection()
		c.log.Info("cluster state controller stopped")
	})
}

func (c *Controller) setWatch(name string, stop func()) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.stops == nil { // closed
		stop()
		return
	}
	if old, ok := c.stops[name]; ok {
		old()
	}
	c.stops[name] = stop
}

// NewTreeHead records sth as this node's newest locally signed tree head,
// publishes the node's state to the coordination store, and reconsiders
// election membership. A store failure is logged and the state is published
// again on the next call.
func (c *Controller) NewTreeHead(sth *ct.SignedTreeHead) {
	raw, err := marshalTreeHead(sth)
	if err != nil {
		c.log.Error("failed to encode new tree head", "err", err)
		return
	}
	cp := *sth
	c.localMu.Lock()
	c.local.NewestSTH = &cp
	c.local.rawSTH = raw
	state := c.local.clone()
	c.localMu.Unlock()

	c.m.LocalTreeSize.Set(float64(sth.TreeSize))
	c.publishLocalState(state)
	c.updateElection()
	c.runSelector()
}

// SetNodeHostPort sets the address peers should fetch entries from, and
// republishes the node's state.
func (c *Controller) SetNodeHostPort(host string, port uint16) {
	c.localMu.Lock()
	c.local.Hostname = host
	c.local.LogPort = port
	state := c.local.clone()
	c.localMu.Unlock()
	c.publishLocalState(state)
}

// LocalNodeState returns a copy of the state this node last tried to publish.
func (c *Controller) LocalNodeState() NodeState {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	return *c.local.clone()
}

// CalculatedServingSTH returns the Serving STH this node's selector has
// currently settled on, whether or not this node is the master, or the
// reason none could be chosen yet.
func (c *Controller) CalculatedServingSTH() (*ct.SignedTreeHead, error) {
	c.selMu.Lock()
	defer c.selMu.Unlock()
	if c.calculated == nil {
		if c.calculatedErr != nil {
			return nil, c.calculatedErr
		}
		return nil, ErrInsufficientNodes
	}
	cp := *c.calculated.sth
	return &cp, nil
}

func (c *Controller) publishLocalState(state *NodeState) {
	value, err := marshalNodeState(state)
	if err != nil {
		c.log.Error("failed to encode local node state", "err", err)
		return
	}
	key := nodesPrefix + c.c.NodeID
	backoff := retry.WithMaxRetries(4, retry.NewFibonacci(100*time.Millisecond))
	err = retry.Do(c.ctx, backoff, func(ctx context.Context) error {
		return retry.RetryableError(c.c.Store.Put(ctx, key, value))
	})
	if err != nil {
		c.m.StateWrites.WithLabelValues("error").Inc()
		c.log.Error("failed to publish local node state", "err", err)
		return
	}
	c.m.StateWrites.WithLabelValues("ok").Inc()
	c.log.Debug("published local node state", "treeSize", treeSizeOf(state.NewestSTH))
}

// updateElection joins or leaves the master election depending on whether
// this node's local data is recent enough to serve the published Serving
// STH. With no Serving STH published yet, any node with a local tree head
// participates, otherwise no node could ever become master and publish the
// first one.
func (c *Controller) updateElection() {
	c.localMu.Lock()
	local := c.local.NewestSTH
	c.localMu.Unlock()

	c.selMu.Lock()
	want := local != nil &&
		(c.published == nil || local.TreeSize >= c.published.sth.TreeSize)
	changed := want != c.electionJoined
	c.electionJoined = want
	c.selMu.Unlock()
	if !changed {
		return
	}
	if want {
		c.log.Info("local data is current, joining election", "localTreeSize", local.TreeSize)
		c.m.ElectionJoined.Set(1)
		c.c.Election.StartElection()
	} else {
		c.log.Info("local data is stale, leaving election", "localTreeSize", treeSizeOf(local))
		c.m.ElectionJoined.Set(0)
		c.c.Election.StopElection()
	}
}

// runSelector recomputes the Serving STH from a snapshot of the peer view
// and, when this node is the master and the result moved forward, publishes
// it. It runs after every input change; overlapping runs are safe because
// the baseline only ever advances under selMu.
func (c *Controller) runSelector() {
	peers := c.peersSnapshot()
	c.selMu.Lock()
	cfg := c.clusterConfig
	last := c.calculated
	c.selMu.Unlock()

	cand, err := selectServingSTH(peers, cfg, last)
	if err != nil {
		c.m.SelectorRuns.WithLabelValues(selectorOutcome(err)).Inc()
		c.selMu.Lock()
		if c.calculated == nil {
			c.calculatedErr = err
		}
		c.selMu.Unlock()
		c.log.Debug("no serving STH selectable", "err", err, "peers", len(peers))
		return
	}
	c.m.SelectorRuns.WithLabelValues("ok").Inc()

	master := c.c.Election.IsMaster()
	var publish *servingCandidate
	var oldKV *KeyValue
	c.selMu.Lock()
	c.calculatedErr = nil
	if c.calculated == nil ||
		(cand.sth.Timestamp > c.calculated.sth.Timestamp && cand.sth.TreeSize >= c.calculated.sth.TreeSize) {
		c.calculated = cand
	}
	if master && c.calculated != nil &&
		(c.published == nil || !sthEqual(c.published.sth, c.calculated.sth)) {
		publish = c.calculated
		oldKV = c.publishedKV
	}
	calculated := c.calculated
	c.selMu.Unlock()

	if calculated != nil {
		c.m.CalculatedTreeSize.Set(float64(calculated.sth.TreeSize))
		c.m.CalculatedTimestamp.Set(float64(calculated.sth.Timestamp) / 1000)
	}
	if publish != nil {
		c.publishServingSTH(publish, oldKV)
	}
}

// publishServingSTH compare-and-swap writes the Serving STH. Losing the race
// to another master is not an error: the watch delivers the winning value
// and the selector reconciles against it.
func (c *Controller) publishServingSTH(cand *servingCandidate, oldKV *KeyValue) {
	var err error
	if oldKV == nil {
		err = c.c.Store.Create(c.ctx, servingSTHKey, cand.raw)
	} else {
		err = c.c.Store.Replace(c.ctx, oldKV, cand.raw)
	}
	switch {
	case errors.Is(err, ErrKeyExists), errors.Is(err, ErrRevisionMismatch):
		c.m.ServingPublishes.WithLabelValues("conflict").Inc()
		c.log.Info("lost serving STH publication race", "treeSize", cand.sth.TreeSize)
		return
	case err != nil:
		c.m.ServingPublishes.WithLabelValues("error").Inc()
		c.log.Error("failed to publish serving STH", "err", err,
			"treeSize", cand.sth.TreeSize, "timestamp", cand.sth.Timestamp)
		return
	}
	c.m.ServingPublishes.WithLabelValues("ok").Inc()
	c.log.Info("published serving STH",
		"treeSize", cand.sth.TreeSize, "timestamp", cand.sth.Timestamp)

	c.selMu.Lock()
	write := !sthEqual(c.lastWritten, cand.sth)
	if write {
		c.lastWritten = cand.sth
	}
	c.selMu.Unlock()
	if write {
		c.writeTreeHead(cand.sth)
	}
}

func (c *Controller) loadServingSTH(ctx context.Context) error {
	kv, rev, err := c.c.Store.Get(ctx, servingSTHKey)
	if err != nil {
		return fmt.Errorf("cluster: failed to read serving STH: %w", err)
	}
	if kv != nil {
		c.handleServingEvent(Event{Type: EventPut, KV: *kv})
	}
	stop, err := c.c.Store.Watch(c.ctx, servingSTHKey, rev, c.handleServingEvent)
	if err != nil {
		return fmt.Errorf("cluster: failed to watch serving STH: %w", err)
	}
	c.setWatch(servingSTHKey, stop)
	return nil
}

func (c *Controller) handleServingEvent(ev Event) {
	switch ev.Type {
	case EventInterrupted:
		c.resync("serving STH", func(ctx context.Context) error { return c.loadServingSTH(ctx) })
		return
	case EventDelete:
		// The Serving STH persists forever; deletion means operator
		// intervention. Keep serving the last known value, and remember the
		// key is gone so the next publication recreates it.
		c.log.Warn("serving STH key deleted from store")
		c.selMu.Lock()
		c.publishedKV = nil
		c.selMu.Unlock()
		return
	}

	sth, err := unmarshalTreeHead(ev.KV.Value)
	if err != nil {
		c.m.MalformedPayloads.Inc()
		c.log.Warn("discarding malformed serving STH", "err", err)
		return
	}
	cand := &servingCandidate{sth: sth, raw: append([]byte(nil), ev.KV.Value...)}

	c.selMu.Lock()
	kv := ev.KV
	c.publishedKV = &kv
	adopt := c.published == nil ||
		(sth.Timestamp > c.published.sth.Timestamp && sth.TreeSize >= c.published.sth.TreeSize) ||
		sthEqual(sth, c.published.sth)
	if adopt {
		c.published = cand
		if c.calculated == nil ||
			(sth.Timestamp > c.calculated.sth.Timestamp && sth.TreeSize >= c.calculated.sth.TreeSize) {
			c.calculated = cand
			c.calculatedErr = nil
		}
	}
	write := adopt && !sthEqual(c.lastWritten, sth)
	if write {
		c.lastWritten = sth
	}
	c.selMu.Unlock()

	if !adopt {
		c.log.Warn("ignoring serving STH older than the one already observed",
			"treeSize", sth.TreeSize, "timestamp", sth.Timestamp)
		return
	}
	c.m.ServingTreeSize.Set(float64(sth.TreeSize))
	c.m.ServingTimestamp.Set(float64(sth.Timestamp) / 1000)
	c.log.Info("observed serving STH", "treeSize", sth.TreeSize, "timestamp", sth.Timestamp)

	if write {
		c.writeTreeHead(sth)
	}
	c.updateElection()
	c.runSelector()
}

func (c *Controller) loadClusterConfig(ctx context.Context) error {
	kv, rev, err := c.c.Store.Get(ctx, clusterConfigKey)
	if err != nil {
		return fmt.Errorf("cluster: failed to read cluster config: %w", err)
	}
	if kv != nil {
		c.handleConfigEvent(Event{Type: EventPut, KV: *kv})
	}
	stop, err := c.c.Store.Watch(c.ctx, clusterConfigKey, rev, c.handleConfigEvent)
	if err != nil {
		return fmt.Errorf("cluster: failed to watch cluster config: %w", err)
	}
	c.setWatch(clusterConfigKey, stop)
	return nil
}

func (c *Controller) handleConfigEvent(ev Event) {
	switch ev.Type {
	case EventInterrupted:
		c.resync("cluster config", func(ctx context.Context) error { return c.loadClusterConfig(ctx) })
		return
	case EventDelete:
		c.log.Warn("cluster config deleted, reverting to default",
			"minNodes", defaultClusterConfig.MinimumServingNodes,
			"minFraction", defaultClusterConfig.MinimumServingFraction)
		c.selMu.Lock()
		c.clusterConfig = defaultClusterConfig
		c.selMu.Unlock()
	case EventPut:
		cfg, err := unmarshalClusterConfig(ev.KV.Value)
		if err != nil {
			c.m.MalformedPayloads.Inc()
			c.log.Warn("discarding malformed cluster config", "err", err)
			return
		}
		c.log.Info("cluster config updated",
			"minNodes", cfg.MinimumServingNodes, "minFraction", cfg.MinimumServingFraction)
		c.selMu.Lock()
		c.clusterConfig = cfg
		c.selMu.Unlock()
	}
	c.runSelector()
}

// writeTreeHead persists the Serving STH locally, retrying until it lands or
// the controller shuts down. A node that can't persist the tree head would
// regress on restart.
func (c *Controller) writeTreeHead(sth *ct.SignedTreeHead) {
	backoff := retry.WithCappedDuration(5*time.Second, retry.NewFibonacci(100*time.Millisecond))
	err := retry.Do(c.ctx, backoff, func(ctx context.Context) error {
		if err := c.c.DB.WriteTreeHead(ctx, sth); err != nil {
			c.log.Warn("retrying tree head write", "err", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		c.log.Error("failed to persist serving STH", "err", err, "treeSize", sth.TreeSize)
	}
}

// resync re-establishes a broken watch with backoff, giving up only at
// shutdown.
func (c *Controller) resync(what string, reload func(context.Context) error) {
	c.m.WatchResyncs.Inc()
	c.log.Warn("watch interrupted, resynchronizing", "watch", what)
	backoff := retry.WithCappedDuration(30*time.Second, retry.NewFibonacci(250*time.Millisecond))
	err := retry.Do(c.ctx, backoff, func(ctx context.Context) error {
		if err := reload(ctx); err != nil {
			c.log.Warn("resynchronization failed, retrying", "watch", what, "err", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		c.log.Error("giving up on watch resynchronization", "watch", what, "err", err)
	}
}

func treeSizeOf(sth *ct.SignedTreeHead) uint64 {
	if sth == nil {
		return 0
	}
	return sth.TreeSize
}
