package cluster_test

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	ct "github.com/google/certificate-transparency-go"
	"github.com/moonlight-ct/moonlight/internal/cluster"
)

type testCluster struct {
	t          testing.TB
	Store      *memoryStore
	Election   *memoryElection
	Fetcher    *recordingFetcher
	DB         *memoryDB
	Controller *cluster.Controller
}

type testClusterOption func(*testCluster)

// asMaster makes the fake election report mastership, so the controller
// publishes what its selector computes, like the master node would.
func asMaster(tc *testCluster) { tc.Election.master = true }

// withSeed runs fn against the store before the controller is built, so the
// controller's initial listing sees the whole cluster at once.
func withSeed(fn func(*testCluster)) testClusterOption {
	return fn
}

func newTestController(t testing.TB, opts ...testClusterOption) *testCluster {
	tc := &testCluster{
		t:        t,
		Store:    newMemoryStore(t),
		Election: &memoryElection{},
		Fetcher:  &recordingFetcher{},
		DB:       &memoryDB{},
	}
	for _, opt := range opts {
		opt(tc)
	}
	logHandler, _ := testLogHandler(t)
	c, err := cluster.NewController(context.Background(), &cluster.Config{
		NodeID:   "node1",
		Store:    tc.Store,
		Election: tc.Election,
		Fetcher:  tc.Fetcher,
		DB:       tc.DB,
		Log:      slog.New(logHandler),
	})
	fatalIfErr(t, err)
	t.Cleanup(c.Close)
	tc.Controller = c
	return tc
}

func testLogHandler(t testing.TB) (slog.Handler, *slog.LevelVar) {
	level := &slog.LevelVar{}
	level.Set(slog.LevelDebug)
	h := slog.NewTextHandler(writerFunc(func(p []byte) (n int, err error) {
		t.Logf("%s", p)
		return len(p), nil
	}), &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				src := a.Value.Any().(*slog.Source)
				a.Value = slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
			}
			return a
		},
	})
	return h, level
}

type writerFunc func(p []byte) (n int, err error)

func (f writerFunc) Write(p []byte) (n int, err error) {
	return f(p)
}

// setClusterConfig writes the serving policy to the store, as an operator
// would.
func (tc *testCluster) setClusterConfig(minNodes int, minFraction float64) {
	tc.t.Helper()
	value, err := cluster.MarshalClusterConfig(cluster.ClusterConfig{
		MinimumServingNodes:    minNodes,
		MinimumServingFraction: minFraction,
	})
	fatalIfErr(tc.t, err)
	fatalIfErr(tc.t, tc.Store.Put(context.Background(), "/cluster_config", value))
}

func makeSTH(treeSize, timestamp uint64) *ct.SignedTreeHead {
	return &ct.SignedTreeHead{TreeSize: treeSize, Timestamp: timestamp}
}

// setNodeSTH publishes a peer's state to the store, as that peer's own
// controller would.
func (tc *testCluster) setNodeSTH(nodeID string, treeSize, timestamp uint64) {
	tc.t.Helper()
	value, err := cluster.MarshalNodeState(&cluster.NodeState{
		NodeID:    nodeID,
		Hostname:  nodeID,
		LogPort:   9001,
		NewestSTH: makeSTH(treeSize, timestamp),
	})
	fatalIfErr(tc.t, err)
	fatalIfErr(tc.t, tc.Store.Put(context.Background(), "/nodes/"+nodeID, value))
}

// setServingSTH writes /serving_sth directly, as another node's master
// controller would.
func (tc *testCluster) setServingSTH(treeSize, timestamp uint64) {
	tc.t.Helper()
	value, err := cluster.MarshalTreeHead(makeSTH(treeSize, timestamp))
	fatalIfErr(tc.t, err)
	fatalIfErr(tc.t, tc.Store.Put(context.Background(), "/serving_sth", value))
}

func (tc *testCluster) expectCalculated(treeSize, timestamp uint64) {
	tc.t.Helper()
	sth, err := tc.Controller.CalculatedServingSTH()
	fatalIfErr(tc.t, err)
	if sth.TreeSize != treeSize || sth.Timestamp != timestamp {
		tc.t.Errorf("calculated serving STH is %d@%d, expected %d@%d",
			sth.TreeSize, sth.Timestamp, treeSize, timestamp)
	}
}

// memoryStore is an in-memory Store with etcd-like revisions. Watch events
// are delivered synchronously on the writer's goroutine, so by the time a
// test's store write returns, the controller has fully processed it — no
// sleeps, no flushing.
type memoryStore struct {
	t        testing.TB
	mu       sync.Mutex
	rev      int64
	data     map[string]cluster.KeyValue
	events   []cluster.Event
	watchers []*memoryWatcher
	writes   map[string]int
}

type memoryWatcher struct {
	prefix  string
	fn      cluster.WatchFunc
	stopped bool
}

func newMemoryStore(t testing.TB) *memoryStore {
	return &memoryStore{
		t:      t,
		data:   make(map[string]cluster.KeyValue),
		writes: make(map[string]int),
	}
}

func (s *memoryStore) Get(ctx context.Context, key string) (*cluster.KeyValue, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kv, ok := s.data[key]
	if !ok {
		return nil, s.rev, nil
	}
	return &kv, s.rev, nil
}

func (s *memoryStore) List(ctx context.Context, prefix string) ([]*cluster.KeyValue, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var kvs []*cluster.KeyValue
	for key, kv := range s.data {
		if strings.HasPrefix(key, prefix) {
			kv := kv
			kvs = append(kvs, &kv)
		}
	}
	slices.SortFunc(kvs, func(a, b *cluster.KeyValue) int {
		return strings.Compare(a.Key, b.Key)
	})
	return kvs, s.rev, nil
}

func (s *memoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev := s.record(key, value)
	s.dispatch(ev)
	return nil
}

func (s *memoryStore) Create(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.data[key]; ok {
		s.mu.Unlock()
		return cluster.ErrKeyExists
	}
	s.mu.Unlock()
	ev := s.record(key, value)
	s.dispatch(ev)
	return nil
}

func (s *memoryStore) Replace(ctx context.Context, old *cluster.KeyValue, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cur, ok := s.data[old.Key]
	if !ok || cur.Revision != old.Revision {
		s.mu.Unlock()
		return cluster.ErrRevisionMismatch
	}
	s.mu.Unlock()
	ev := s.record(old.Key, value)
	s.dispatch(ev)
	return nil
}

func (s *memoryStore) Watch(ctx context.Context, prefix string, fromRev int64, fn cluster.WatchFunc) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	w := &memoryWatcher{prefix: prefix, fn: fn}
	s.watchers = append(s.watchers, w)
	var replay []cluster.Event
	for _, ev := range s.events {
		if ev.KV.Revision > fromRev && strings.HasPrefix(ev.KV.Key, prefix) {
			replay = append(replay, ev)
		}
	}
	s.mu.Unlock()
	for _, ev := range replay {
		fn(ev)
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		w.stopped = true
	}, nil
}

func (s *memoryStore) record(key string, value []byte) cluster.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rev++
	kv := cluster.KeyValue{Key: key, Value: slices.Clone(value), Revision: s.rev}
	s.data[key] = kv
	s.writes[key]++
	ev := cluster.Event{Type: cluster.EventPut, KV: kv}
	s.events = append(s.events, ev)
	return ev
}

func (s *memoryStore) dispatch(ev cluster.Event) {
	s.mu.Lock()
	watchers := slices.Clone(s.watchers)
	s.mu.Unlock()
	for _, w := range watchers {
		if w.stopped || !strings.HasPrefix(ev.KV.Key, w.prefix) {
			continue
		}
		w.fn(ev)
	}
}

// delete removes a key with a watch event, like an expired lease would.
func (s *memoryStore) delete(key string) {
	s.mu.Lock()
	if _, ok := s.data[key]; !ok {
		s.t.Errorf("deleting nonexistent key %q", key)
	}
	delete(s.data, key)
	s.rev++
	ev := cluster.Event{Type: cluster.EventDelete, KV: cluster.KeyValue{Key: key, Revision: s.rev}}
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.dispatch(ev)
}

// putSilently updates a key without notifying watchers, simulating a write
// that happened while the watch stream was down.
func (s *memoryStore) putSilently(key string, value []byte) {
	s.record(key, value)
}

// deleteSilently removes a key without notifying watchers.
func (s *memoryStore) deleteSilently(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	s.rev++
	s.events = append(s.events, cluster.Event{Type: cluster.EventDelete,
		KV: cluster.KeyValue{Key: key, Revision: s.rev}})
}

// interrupt kills every watch matching prefix, delivering the final
// EventInterrupted a real store client sends when its stream breaks.
func (s *memoryStore) interrupt(prefix string) {
	s.mu.Lock()
	var dead []*memoryWatcher
	for _, w := range s.watchers {
		if !w.stopped && w.prefix == prefix {
			w.stopped = true
			dead = append(dead, w)
		}
	}
	s.mu.Unlock()
	for _, w := range dead {
		w.fn(cluster.Event{Type: cluster.EventInterrupted})
	}
}

func (s *memoryStore) writeCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[key]
}

func (s *memoryStore) value(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv, ok := s.data[key]
	if !ok {
		return nil
	}
	return slices.Clone(kv.Value)
}

type memoryElection struct {
	mu     sync.Mutex
	master bool
	starts int
	stops  int
}

func (e *memoryElection) StartElection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts++
}

func (e *memoryElection) StopElection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
}

func (e *memoryElection) IsMaster() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.master
}

func (e *memoryElection) counts() (starts, stops int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts, e.stops
}

type memoryDB struct {
	mu     sync.Mutex
	latest *ct.SignedTreeHead
	writes int
}

func (db *memoryDB) LatestTreeHead(ctx context.Context) (*ct.SignedTreeHead, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.latest == nil {
		return nil, cluster.ErrNoTreeHead
	}
	cp := *db.latest
	return &cp, nil
}

func (db *memoryDB) WriteTreeHead(ctx context.Context, sth *ct.SignedTreeHead) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *sth
	db.latest = &cp
	db.writes++
	return nil
}

func (db *memoryDB) latestTreeHead() *ct.SignedTreeHead {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.latest
}

type recordingFetcher struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (f *recordingFetcher) AddPeer(nodeID, endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, nodeID)
}

func (f *recordingFetcher) RemovePeer(nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, nodeID)
}

func (f *recordingFetcher) addedPeers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.added)
}

func (f *recordingFetcher) removedPeers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.removed)
}

func fatalIfErr(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
