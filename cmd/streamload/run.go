package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	natsadapter "github.com/codewandler/streamr/adapters/nats"
	promadapter "github.com/codewandler/streamr/adapters/prometheus"
	"github.com/codewandler/streamr/core/cluster"
	"github.com/codewandler/streamr/core/streamer"
	"github.com/codewandler/streamr/internal/config"
	"github.com/codewandler/streamr/internal/shell"
	"github.com/codewandler/streamr/ports/kv"
)

type result struct {
	Entries      int
	Acknowledged int
	Failed       int
	Duration     time.Duration
}

// backend is a running set of server nodes reachable through transport.
type backend struct {
	transport cluster.Transport
	nodes     []*cluster.Node
	close     func()
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) (result, error) {
	reg := prometheus.NewRegistry()
	m := promadapter.NewAllMetrics(reg)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, log)
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	topo := cluster.NewTopology(cluster.TopologyOptions{Log: log, Metrics: m.Cluster})
	router, err := cluster.NewAffinityRouter(cluster.AffinityOptions{Topology: topo, Backups: cfg.Backups})
	if err != nil {
		return result{}, err
	}

	nodeCtx, stopNodes := context.WithCancel(ctx)
	defer stopNodes()

	var be *backend
	switch cfg.Backend {
	case config.BackendNATS:
		be, err = startNATS(nodeCtx, cfg, log, router, m.Cluster)
	default:
		be, err = startMem(cfg, log, router, m.Cluster)
	}
	if err != nil {
		return result{}, err
	}
	defer be.close()

	for _, n := range be.nodes {
		if err := n.Run(nodeCtx, topo); err != nil {
			return result{}, err
		}
	}
	topo.CompleteRebalance()

	opts := streamer.Options{
		Cache:     cfg.Cache,
		Router:    router,
		Transport: be.transport,
		Events:    topo,
		Log:       log,
		Metrics:   m.Streamer,
	}
	if err := cfg.Streamer.Apply(&opts); err != nil {
		return result{}, err
	}
	s, err := streamer.New(opts)
	if err != nil {
		return result{}, err
	}

	log.Info(
		"streaming",
		slog.String("backend", cfg.Backend),
		slog.Int("nodes", cfg.Nodes),
		slog.Int("entries", cfg.Entries),
	)

	start := time.Now()
	res := result{Entries: cfg.Entries}
	value := make([]byte, cfg.ValueSize)
	for i := 0; i < cfg.Entries; i++ {
		if cfg.KillNodeAfter > 0 && i == cfg.KillNodeAfter {
			victim := be.nodes[len(be.nodes)-1]
			log.Warn("stopping node", slog.String("node", victim.ID()), slog.Int("after", i))
			victim.Stop()
		}
		_, _ = rand.Read(value)
		if err := s.Add(ctx, fmt.Sprintf("key-%d", i), value); err != nil {
			_ = s.Close(context.Background())
			return res, fmt.Errorf("add: %w", err)
		}
	}

	err = s.Close(ctx)
	res.Duration = time.Since(start)

	var agg *streamer.AggregatedFailure
	switch {
	case err == nil:
	case errors.As(err, &agg):
		res.Failed = len(agg.Keys())
		log.Warn("entries not applied", slog.Int("keys", res.Failed), slog.Any("error", agg.BaseError()))
	default:
		return res, err
	}
	res.Acknowledged = res.Entries - res.Failed

	if cfg.Hook != "" {
		out := shell.ExecuteSafe(ctx, log, cfg.HookTimeout, "sh", "-c", cfg.Hook)
		log.Info("hook done", slog.String("output", out))
	}
	return res, nil
}

func startMem(cfg config.Config, log *slog.Logger, router cluster.Router, metrics cluster.Metrics) (*backend, error) {
	tr := cluster.NewInMemoryTransport().WithLog(log)
	be := &backend{transport: tr, close: func() { _ = tr.Close() }}
	for i := 0; i < cfg.Nodes; i++ {
		n := cluster.NewNode(cluster.NodeOptions{
			Log:     log,
			NodeID:  fmt.Sprintf("node-%d", i),
			Caches:  []string{cfg.Cache},
			Store:   kv.NewMemStore(),
			Router:  router,
			Metrics: metrics,
		})
		tr.Register(n)
		be.nodes = append(be.nodes, n)
	}
	return be, nil
}

func startNATS(ctx context.Context, cfg config.Config, log *slog.Logger, router cluster.Router, metrics cluster.Metrics) (*backend, error) {
	connect := natsadapter.ConnectDefault()
	if cfg.NATS.URL != "" {
		connect = natsadapter.ConnectURL(cfg.NATS.URL)
	}
	connect = natsadapter.ReuseConnection(connect)

	tr, err := natsadapter.NewTransport(natsadapter.TransportConfig{
		Connect:       connect,
		Log:           log,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
	})
	if err != nil {
		return nil, err
	}

	var stores []*natsadapter.KvStore
	be := &backend{transport: tr}
	be.close = func() {
		for _, st := range stores {
			st.Close()
		}
		_ = tr.Close()
	}

	for i := 0; i < cfg.Nodes; i++ {
		id := fmt.Sprintf("node-%d", i)
		bucket := id
		if cfg.NATS.Bucket != "" {
			bucket = cfg.NATS.Bucket + "-" + id
		}
		store, err := natsadapter.NewKvStore(ctx, natsadapter.KvConfig{Connect: connect, Bucket: bucket})
		if err != nil {
			be.close()
			return nil, err
		}
		stores = append(stores, store)

		n := cluster.NewNode(cluster.NodeOptions{
			Log:     log,
			NodeID:  id,
			Caches:  []string{cfg.Cache},
			Store:   store,
			Router:  router,
			Metrics: metrics,
		})
		if _, err := tr.Serve(ctx, n); err != nil {
			be.close()
			return nil, err
		}
		be.nodes = append(be.nodes, n)
	}
	return be, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	log.Info("serving metrics", slog.String("addr", addr))
	return srv
}
