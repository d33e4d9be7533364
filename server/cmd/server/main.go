package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/pipewatch/pipewatch/pkg/types"
	"github.com/pipewatch/pipewatch/server/internal/api"
	"github.com/pipewatch/pipewatch/server/internal/auth"
	"github.com/pipewatch/pipewatch/server/internal/config"
	"github.com/pipewatch/pipewatch/server/internal/feed"
	"github.com/pipewatch/pipewatch/server/internal/insights"
	"github.com/pipewatch/pipewatch/server/internal/recompute"
	"github.com/pipewatch/pipewatch/server/internal/reconcile"
	"github.com/pipewatch/pipewatch/server/internal/store"
	"github.com/pipewatch/pipewatch/server/internal/telemetry"
	"github.com/pipewatch/pipewatch/server/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level: debug|info|warn|error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q\n", *logLevel)
		os.Exit(2)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	slog.Info("pipewatch-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"feed_url", cfg.Feed.URL,
		"storage", cfg.Storage.Driver,
		"dismissals", cfg.Insights.Dismissals.Backend,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, cfg); err != nil {
		slog.Error("pipewatch-server stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("pipewatch-server stopped")
}

func run(ctx context.Context, configPath string, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	rec := reconcile.New(reconcile.Options{
		ConfirmTimeout: cfg.Reconcile.ConfirmTimeout,
		LogRetention:   cfg.Reconcile.LogRetention,
		MaxLogs:        cfg.Reconcile.MaxLogs,
		PruneInterval:  cfg.Reconcile.PruneInterval,
		QueueSize:      cfg.Reconcile.QueueSize,
		Metrics:        metrics,
	})

	// Without a remote feed the store's own writes drive the subscribers.
	var (
		transport feed.Transport
		storeOpts []store.Option
	)
	if cfg.Feed.URL == "" {
		broker := feed.NewBroker(cfg.Feed.BufferSize)
		transport = broker
		storeOpts = append(storeOpts, store.WithPublisher(broker))
	} else {
		t, err := newWebsocketTransport(cfg.Feed)
		if err != nil {
			return err
		}
		transport = t
	}

	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN, storeOpts...)
	if err != nil {
		return err
	}
	defer st.Close()

	dismissals, err := openDismissals(cfg.Insights)
	if err != nil {
		return err
	}
	defer dismissals.Close()

	webhooks := insights.NewWebhooks(cfg.Insights.Webhooks, metrics)
	defer webhooks.Wait()
	gen := insights.New(insights.PolicyFrom(cfg.Insights), dismissals,
		insights.WithNotifier(webhooks),
		insights.WithMetrics(metrics),
	)

	sched := recompute.New(rec, gen, recompute.Options{
		Debounce: cfg.Recompute.Debounce,
		Refresh:  cfg.Recompute.Refresh,
		Metrics:  metrics,
	})
	hub := ws.New(sched, cfg.Server.WSInterval)
	sched.OnResult(hub.Push)

	subs := make([]*feed.Subscriber, 0, len(cfg.Feed.Tables))
	for _, tc := range cfg.Feed.Tables {
		subs = append(subs, feed.New(transport, st, rec,
			feed.Subscription{Table: types.Table(tc.Table), Filter: tc.Filter},
			feed.Options{
				PageSize:   cfg.Storage.PageSize,
				MaxRefetch: cfg.Storage.MaxRefetch,
				Backoff: feed.Backoff{
					Initial:    cfg.Feed.Backoff.Initial,
					Max:        cfg.Feed.Backoff.Max,
					Multiplier: cfg.Feed.Backoff.Multiplier,
					Jitter:     cfg.Feed.Backoff.Jitter,
				},
				Metrics: metrics,
			}))
	}

	requireKey := auth.APIKeyMiddleware(
		cfg.Server.Auth.Mode,
		cfg.Server.Auth.EffectiveHeader(),
		cfg.Server.Auth.Key(),
	)
	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", requireKey(api.New(api.Deps{
		Reconciler: rec,
		Scheduler:  sched,
		Insights:   gen,
		Store:      st,
		Feeds:      subs,
		Gatherer:   reg,
	})))
	httpMux.Handle("/ws/stream", requireKey(hub))
	httpMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { rec.Run(ctx); return nil })
	g.Go(func() error { st.Run(ctx, cfg.Reconcile.LogRetention); return nil })
	g.Go(func() error { sched.Run(ctx); return nil })
	g.Go(func() error { hub.Run(ctx); return nil })

	for _, s := range subs {
		h := s.Start(ctx)
		g.Go(func() error {
			<-h.Done()
			if err := h.Err(); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("feed subscription ended", "subscription", s.Status().Subscription, "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		err := config.Watch(ctx, configPath, func(next *config.Config) {
			gen.SetPolicy(insights.PolicyFrom(next.Insights))
			webhooks.SetTargets(next.Insights.Webhooks)
			sched.Recompute()
		})
		if err != nil {
			slog.Warn("config: hot reload disabled", "err", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("pipewatch-server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newWebsocketTransport(fc config.FeedConfig) (*feed.WebsocketTransport, error) {
	header := http.Header{}
	if key := fc.Key(); key != "" {
		header.Set(fc.EffectiveHeader(), key)
	}
	var tlsCfg *feed.TLSConfig
	if fc.TLS != (config.TLSConfig{}) {
		tlsCfg = &feed.TLSConfig{CAFile: fc.TLS.CAFile, CertFile: fc.TLS.CertFile, KeyFile: fc.TLS.KeyFile}
	}
	t, err := feed.NewWebsocketTransport(fc.URL, header, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("feed transport: %w", err)
	}
	t.ReadTimeout = fc.ReadTimeout
	return t, nil
}

func openDismissals(ic config.InsightsConfig) (insights.DismissalStore, error) {
	if ic.Dismissals.Backend != "badger" {
		return insights.NewMemoryStore(), nil
	}
	s, err := insights.OpenBadgerStore(ic.Dismissals.Path)
	if err != nil {
		return nil, err
	}
	return s, nil
}
