package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// sessionTTL is the lease TTL for this node's keys and election candidacy.
// When a node dies, its /nodes/ entry and any mastership it held expire
// after at most this many seconds.
const sessionTTL = 15

// EtcdStore implements Store on an etcd v3 cluster. Keys written with Put
// are bound to a session lease, so a dead node's state expires on its own.
type EtcdStore struct {
	client  *clientv3.Client
	session *concurrency.Session
	log     *slog.Logger

	ops      *prometheus.CounterVec
	duration *prometheus.SummaryVec
}

func NewEtcdStore(ctx context.Context, client *clientv3.Client, l *slog.Logger) (*EtcdStore, error) {
	ops := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etcd_requests_total",
			Help: "etcd requests performed, by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	duration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "etcd_request_duration_seconds",
			Help:       "etcd request latencies, by method.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			MaxAge:     1 * time.Minute,
			AgeBuckets: 6,
		},
		[]string{"method"},
	)

	session, err := concurrency.NewSession(client, concurrency.WithTTL(sessionTTL),
		concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to establish etcd session: %w", err)
	}

	return &EtcdStore{
		client:   client,
		session:  session,
		log:      l,
		ops:      ops,
		duration: duration,
	}, nil
}

var _ Store = &EtcdStore{}

func (s *EtcdStore) observe(method string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.ops.WithLabelValues(method, outcome).Inc()
	s.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (s *EtcdStore) Get(ctx context.Context, key string) (kv *KeyValue, rev int64, err error) {
	start := time.Now()
	defer func() { s.observe("get", start, err) }()
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	if len(resp.Kvs) == 0 {
		return nil, resp.Header.Revision, nil
	}
	return &KeyValue{
		Key:      string(resp.Kvs[0].Key),
		Value:    resp.Kvs[0].Value,
		Revision: resp.Kvs[0].ModRevision,
	}, resp.Header.Revision, nil
}

func (s *EtcdStore) List(ctx context.Context, prefix string) (kvs []*KeyValue, rev int64, err error) {
	start := time.Now()
	defer func() { s.observe("list", start, err) }()
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}
	for _, kv := range resp.Kvs {
		kvs = append(kvs, &KeyValue{
			Key:      string(kv.Key),
			Value:    kv.Value,
			Revision: kv.ModRevision,
		})
	}
	return kvs, resp.Header.Revision, nil
}

func (s *EtcdStore) Put(ctx context.Context, key string, value []byte) (err error) {
	start := time.Now()
	defer func() { s.observe("put", start, err) }()
	_, err = s.client.Put(ctx, key, string(value), clientv3.WithLease(s.session.Lease()))
	return err
}

func (s *EtcdStore) Create(ctx context.Context, key string, value []byte) (err error) {
	start := time.Now()
	defer func() { s.observe("create", start, err) }()
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return ErrKeyExists
	}
	return nil
}

func (s *EtcdStore) Replace(ctx context.Context, old *KeyValue, value []byte) (err error) {
	start := time.Now()
	defer func() { s.observe("replace", start, err) }()
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(old.Key), "=", old.Revision)).
		Then(clientv3.OpPut(old.Key, string(value))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return ErrRevisionMismatch
	}
	return nil
}

// Watch subscribes to changes under prefix. Events are dispatched from a
// dedicated goroutine, one per watch, so handlers never run on the etcd
// client's internal threads. If the stream dies for any reason other than
// cancellation, the subscriber gets a final EventInterrupted.
func (s *EtcdStore) Watch(ctx context.Context, prefix string, fromRev int64, fn WatchFunc) (stop func(), err error) {
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if fromRev > 0 {
		opts = append(opts, clientv3.WithRev(fromRev+1))
	}
	ch := s.client.Watch(wctx, prefix, opts...)
	go func() {
		for resp := range ch {
			if err := resp.Err(); err != nil {
				s.log.Warn("etcd watch error", "prefix", prefix, "err", err)
				break
			}
			for _, ev := range resp.Events {
				e := Event{KV: KeyValue{
					Key:      string(ev.Kv.Key),
					Revision: ev.Kv.ModRevision,
				}}
				switch ev.Type {
				case clientv3.EventTypePut:
					e.Type = EventPut
					e.KV.Value = ev.Kv.Value
				case clientv3.EventTypeDelete:
					e.Type = EventDelete
				default:
					continue
				}
				fn(e)
			}
		}
		if wctx.Err() == nil {
			fn(Event{Type: EventInterrupted})
		}
	}()
	return cancel, nil
}

// Close releases the session lease, letting this node's keys expire
// immediately rather than after the TTL.
func (s *EtcdStore) Close() error {
	return s.session.Close()
}

func (s *EtcdStore) Metrics() []prometheus.Collector {
	return []prometheus.Collector{s.ops, s.duration}
}

// EtcdElection implements Election on etcd's campaign primitive. Start and
// Stop are idempotent. While started, the campaign is re-entered with a
// fresh session whenever the old one expires, so a transient etcd outage
// costs mastership but not participation.
type EtcdElection struct {
	client *clientv3.Client
	prefix string
	nodeID string
	log    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	master atomic.Bool
}

func NewEtcdElection(client *clientv3.Client, prefix, nodeID string, l *slog.Logger) *EtcdElection {
	return &EtcdElection{
		client: client,
		prefix: prefix,
		nodeID: nodeID,
		log:    l,
	}
}

var _ Election = &EtcdElection{}

func (e *EtcdElection) StartElection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	go e.campaign(ctx, done)
}

func (e *EtcdElection) StopElection() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *EtcdElection) IsMaster() bool {
	return e.master.Load()
}

func (e *EtcdElection) campaign(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer e.master.Store(false)
	for ctx.Err() == nil {
		session, err := concurrency.NewSession(e.client, concurrency.WithTTL(sessionTTL),
			concurrency.WithContext(ctx))
		if err != nil {
			e.log.Warn("failed to establish election session", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		election := concurrency.NewElection(session, e.prefix)
		if err := election.Campaign(ctx, e.nodeID); err != nil {
			session.Close()
			continue
		}
		e.master.Store(true)
		e.log.Info("won master election")
		select {
		case <-ctx.Done():
		case <-session.Done():
			e.log.Warn("election session expired, mastership lost")
		}
		e.master.Store(false)
		if ctx.Err() != nil {
			resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := election.Resign(resignCtx); err != nil {
				e.log.Warn("failed to resign mastership", "err", err)
			}
			cancel()
		}
		session.Close()
	}
}
