package cluster

import (
	"context"
	"errors"

	ct "github.com/google/certificate-transparency-go"
)

// Well-known coordination store keys. The schema is shared with every other
// component of the cluster, so these must not change.
const (
	nodesPrefix      = "/nodes/"
	clusterConfigKey = "/cluster_config"
	servingSTHKey    = "/serving_sth"
)

// KeyValue is a single entry read from the coordination store. Revision is
// the store revision at which the value was last modified, and is the token
// Replace compares against.
type KeyValue struct {
	Key      string
	Value    []byte
	Revision int64
}

// EventType distinguishes watch callbacks.
type EventType int

const (
	// EventPut reports a created or updated key.
	EventPut EventType = iota
	// EventDelete reports a deleted or expired key. Value is nil.
	EventDelete
	// EventInterrupted reports that the watch stream died and no further
	// callbacks will be delivered. The subscriber must list and re-watch.
	EventInterrupted
)

// Event is delivered to a WatchFunc for every change under a watched prefix.
type Event struct {
	Type EventType
	KV   KeyValue
}

// WatchFunc receives watch events. Callbacks for a single watch are invoked
// sequentially, but callbacks for different watches may run concurrently.
type WatchFunc func(Event)

var (
	// ErrKeyExists is returned by Store.Create when the key is already present.
	ErrKeyExists = errors.New("key already exists")
	// ErrRevisionMismatch is returned by Store.Replace when the key was
	// modified since the revision the caller read.
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// Store is a strongly consistent key-value store with ordered watches and
// compare-and-swap writes, such as etcd.
//
// Get and List return the store revision at the time of the read, which can
// be passed to Watch so that no intervening change is missed.
type Store interface {
	// Get reads a single key. A missing key is (nil, rev, nil).
	Get(ctx context.Context, key string) (kv *KeyValue, rev int64, err error)

	// List reads all keys under prefix.
	List(ctx context.Context, prefix string) (kvs []*KeyValue, rev int64, err error)

	// Put writes a key owned by this node, last-writer-wins. Implementations
	// bind the key to the node's liveness lease where the store supports it.
	Put(ctx context.Context, key string, value []byte) error

	// Create writes a key only if it does not exist yet.
	Create(ctx context.Context, key string, value []byte) error

	// Replace writes a key only if it has not changed since old was read.
	Replace(ctx context.Context, old *KeyValue, value []byte) error

	// Watch subscribes to changes under prefix, starting after fromRev
	// (zero means from now on). It returns a stop function releasing the
	// subscription. After an EventInterrupted callback the subscription is
	// dead and stop need not be called.
	Watch(ctx context.Context, prefix string, fromRev int64, fn WatchFunc) (stop func(), err error)
}

// Election is the master election primitive. Start and Stop are idempotent;
// IsMaster reports whether this node currently holds mastership.
type Election interface {
	StartElection()
	StopElection()
	IsMaster() bool
}

// PeerFetcher is notified of cluster membership so it can pull entries from
// peers. The controller calls AddPeer exactly once per newly seen node and
// RemovePeer exactly once when the node's state disappears.
type PeerFetcher interface {
	AddPeer(nodeID, endpoint string)
	RemovePeer(nodeID string)
}

// ErrNoTreeHead is returned by TreeHeadDB.LatestTreeHead on a fresh database.
var ErrNoTreeHead = errors.New("no tree head stored")

// TreeHeadDB persists the cluster's Serving STH locally, so the node can keep
// serving its last known tree head while the coordination store is down.
type TreeHeadDB interface {
	LatestTreeHead(ctx context.Context) (*ct.SignedTreeHead, error)
	WriteTreeHead(ctx context.Context, sth *ct.SignedTreeHead) error
}
