// Command moonlight runs the cluster state controller of a distributed
// Certificate Transparency log node.
//
// A YAML config file is required (specified with -c, by default
// moonlight.yaml), the keys are documented in the [Config] type.
//
// The controller publishes this node's newest signed tree head into etcd,
// watches the rest of the cluster, elects a master, and keeps the cluster's
// Serving STH advancing. The newest tree head is read from the signer over a
// Unix domain socket: every line written to the socket must be the hex
// encoding of a serialized tree head.
//
// Metrics are exposed at /metrics on the Listen address, and logs are
// written to stderr in human-readable format, and to stdout in JSON format.
//
// A private HTTP debug server is also started on a random port on localhost.
// It serves the net/http/pprof endpoints, as well as /debug/logson and
// /debug/logsoff which enable and disable debug logging, respectively.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"time"

	"github.com/moonlight-ct/moonlight/internal/cluster"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Listen is the address the metrics and health endpoints listen on,
	// e.g. ":8080".
	Listen string

	// NodeID uniquely identifies this node in the cluster. It must be
	// stable across restarts, and must differ between nodes.
	NodeID string

	// Hostname and LogPort are the address peers fetch log entries from.
	Hostname string
	LogPort  uint16

	// Etcd is the list of etcd endpoints of the coordination store,
	// e.g. ["etcd-1:2379", "etcd-2:2379"].
	Etcd []string

	// ElectionPrefix is the etcd key prefix of the master election.
	// Defaults to "/election".
	ElectionPrefix string

	// TreeHeads is the path to the SQLite file the Serving STH is
	// persisted in. Created if missing.
	TreeHeads string

	// SignerSocket is the path of the Unix socket new local tree heads
	// arrive on.
	SignerSocket string
}

func main() {
	fs := flag.NewFlagSet("moonlight", flag.ExitOnError)
	configFlag := fs.String("c", "moonlight.yaml", "path to the config file")
	fs.Parse(os.Args[1:])

	logLevel := new(slog.LevelVar)
	logHandler := multiHandler([]slog.Handler{
		slog.Handler(slog.NewJSONHandler(os.Stdout,
			&slog.HandlerOptions{AddSource: true, Level: logLevel})),
		slog.Handler(slog.NewTextHandler(os.Stderr,
			&slog.HandlerOptions{Level: logLevel})),
	})
	logger := slog.New(logHandler)

	http.HandleFunc("/debug/logson", func(w http.ResponseWriter, r *http.Request) {
		logLevel.Set(slog.LevelDebug)
		w.WriteHeader(http.StatusOK)
	})
	http.HandleFunc("/debug/logsoff", func(w http.ResponseWriter, r *http.Request) {
		logLevel.Set(slog.LevelInfo)
		w.WriteHeader(http.StatusOK)
	})
	go func() {
		ln, err := net.Listen("tcp", "localhost:")
		if err != nil {
			logger.Error("failed to start debug server", "err", err)
		} else {
			logger.Info("debug server listening", "addr", ln.Addr())
			err := http.Serve(ln, nil)
			logger.Error("debug server exited", "err", err)
		}
	}()

	yml, err := os.ReadFile(*configFlag)
	if err != nil {
		fatalError(logger, "failed to read config file", "err", err)
	}
	c := &Config{ElectionPrefix: "/election"}
	if err := yaml.Unmarshal(yml, c); err != nil {
		fatalError(logger, "failed to parse config file", "err", err)
	}
	if c.NodeID == "" {
		fatalError(logger, "missing NodeID in config")
	}
	if len(c.Etcd) == 0 {
		fatalError(logger, "missing Etcd endpoints in config")
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector())
	metrics.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	moonlightMetrics := prometheus.WrapRegistererWithPrefix("moonlight_", metrics)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(logHandler.WithAttrs(
			[]slog.Attr{slog.String("source", "metrics")},
		), slog.LevelWarn),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   c.Etcd,
		DialTimeout: 5 * time.Second,
		Context:     ctx,
	})
	if err != nil {
		fatalError(logger, "failed to connect to etcd", "err", err)
	}
	defer etcdClient.Close()

	store, err := cluster.NewEtcdStore(ctx, etcdClient, logger)
	if err != nil {
		fatalError(logger, "failed to create etcd store", "err", err)
	}
	defer store.Close()
	moonlightMetrics.MustRegister(store.Metrics()...)

	db, err := cluster.NewSQLiteTreeHeadDB(ctx, c.TreeHeads, logger)
	if err != nil {
		fatalError(logger, "failed to open tree head database", "err", err)
	}
	defer db.Close()
	moonlightMetrics.MustRegister(db.Metrics()...)

	election := cluster.NewEtcdElection(etcdClient, c.ElectionPrefix, c.NodeID, logger)
	fetcher := newLoggingFetcher(logger)
	moonlightMetrics.MustRegister(fetcher.Metrics()...)

	controller, err := cluster.NewController(ctx, &cluster.Config{
		NodeID:   c.NodeID,
		Store:    store,
		Election: election,
		Fetcher:  fetcher,
		DB:       db,
		Log:      logger,
	})
	if err != nil {
		fatalError(logger, "failed to start cluster state controller", "err", err)
	}
	defer controller.Close()
	moonlightMetrics.MustRegister(controller.Metrics()...)

	controller.SetNodeHostPort(c.Hostname, c.LogPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runSignerSocket(gctx, c.SignerSocket, controller, logger)
	})

	s := &http.Server{
		Addr:         c.Listen,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		err := s.ListenAndServe()
		logger.Error("ListenAndServe error", "err", err)
		stop()
	}()

	<-ctx.Done()
	g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "err", err)
	}

	os.Exit(1)
}

// runSignerSocket feeds tree heads produced by the local signer into the
// controller, one hex-encoded serialized tree head per line.
func runSignerSocket(ctx context.Context, path string, controller *cluster.Controller, logger *slog.Logger) error {
	if path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go func() {
			defer conn.Close()
			scanner := bufio.NewScanner(conn)
			for scanner.Scan() {
				raw, err := hex.DecodeString(scanner.Text())
				if err != nil {
					logger.Warn("invalid tree head line from signer", "err", err)
					continue
				}
				sth, err := cluster.ParseTreeHead(raw)
				if err != nil {
					logger.Warn("invalid tree head from signer", "err", err)
					continue
				}
				controller.NewTreeHead(sth)
			}
		}()
	}
}

func fatalError(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}
