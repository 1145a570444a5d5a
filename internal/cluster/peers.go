package cluster

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Peers returns a stable snapshot of every node state currently visible in
// the coordination store, sorted by node ID. The returned values are copies;
// mutating them has no effect on the view.
func (c *Controller) Peers() []NodeState {
	snapshot := c.peersSnapshot()
	peers := make([]NodeState, 0, len(snapshot))
	for _, p := range snapshot {
		peers = append(peers, *p)
	}
	slices.SortFunc(peers, func(a, b NodeState) int {
		return strings.Compare(a.NodeID, b.NodeID)
	})
	return peers
}

func (c *Controller) peersSnapshot() []*NodeState {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	peers := make([]*NodeState, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p.clone())
	}
	return peers
}

// syncNodes lists every node state under /nodes/ and (re)establishes the
// watch from the revision of the listing, so no update between the two is
// lost. It replaces the peer view wholesale and tells the fetcher about the
// difference, which makes it suitable both for startup and for recovery
// after a broken watch.
func (c *Controller) syncNodes(ctx context.Context) error {
	kvs, rev, err := c.c.Store.List(ctx, nodesPrefix)
	if err != nil {
		return fmt.Errorf("cluster: failed to list node states: %w", err)
	}

	fresh := make(map[string]*NodeState, len(kvs))
	for _, kv := range kvs {
		state, err := unmarshalNodeState(kv.Value)
		if err != nil {
			c.m.MalformedPayloads.Inc()
			c.log.Warn("discarding malformed node state", "key", kv.Key, "err", err)
			continue
		}
		id := nodeIDFromKey(kv.Key)
		if state.NodeID == "" {
			state.NodeID = id
		}
		fresh[id] = state
	}

	type peerChange struct{ id, endpoint string }
	var added []peerChange
	var removed []string
	c.peersMu.Lock()
	for id, state := range fresh {
		if !c.fetched[id] {
			c.fetched[id] = true
			added = append(added, peerChange{id, state.Endpoint()})
		}
	}
	for id := range c.fetched {
		if _, ok := fresh[id]; !ok {
			delete(c.fetched, id)
			removed = append(removed, id)
		}
	}
	c.peers = fresh
	c.peersMu.Unlock()

	for _, p := range added {
		c.c.Fetcher.AddPeer(p.id, p.endpoint)
	}
	for _, id := range removed {
		c.c.Fetcher.RemovePeer(id)
	}
	c.m.PeerCount.Set(float64(len(fresh)))

	stop, err := c.c.Store.Watch(c.ctx, nodesPrefix, rev, c.handleNodeEvent)
	if err != nil {
		return fmt.Errorf("cluster: failed to watch node states: %w", err)
	}
	c.setWatch(nodesPrefix, stop)
	c.runSelector()
	return nil
}

func (c *Controller) handleNodeEvent(ev Event) {
	switch ev.Type {
	case EventInterrupted:
		c.resync("nodes", c.syncNodes)
		return

	case EventPut:
		state, err := unmarshalNodeState(ev.KV.Value)
		if err != nil {
			// Keep whatever we previously had for this node. A transiently
			// garbled peer is better represented by its last good state than
			// by its absence, which would change the coverage denominator.
			c.m.MalformedPayloads.Inc()
			c.log.Warn("discarding malformed node state", "key", ev.KV.Key, "err", err)
			return
		}
		id := nodeIDFromKey(ev.KV.Key)
		if state.NodeID == "" {
			state.NodeID = id
		}
		c.peersMu.Lock()
		c.peers[id] = state
		isNew := !c.fetched[id]
		if isNew {
			c.fetched[id] = true
		}
		n := len(c.peers)
		c.peersMu.Unlock()
		if isNew {
			c.c.Fetcher.AddPeer(id, state.Endpoint())
		}
		c.m.PeerCount.Set(float64(n))
		c.log.Debug("peer state updated", "peer", id,
			"treeSize", treeSizeOf(state.NewestSTH), "new", isNew)

	case EventDelete:
		id := nodeIDFromKey(ev.KV.Key)
		c.peersMu.Lock()
		_, existed := c.peers[id]
		delete(c.peers, id)
		wasFetched := c.fetched[id]
		delete(c.fetched, id)
		n := len(c.peers)
		c.peersMu.Unlock()
		if !existed {
			return
		}
		if wasFetched {
			c.c.Fetcher.RemovePeer(id)
		}
		c.m.PeerCount.Set(float64(n))
		c.log.Info("peer left the cluster", "peer", id)
	}

	c.runSelector()
}

func nodeIDFromKey(key string) string {
	return strings.TrimPrefix(key, nodesPrefix)
}
