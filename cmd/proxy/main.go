package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashpect/fwdproxy/pkg/cache"
	"github.com/ashpect/fwdproxy/pkg/client"
	"github.com/ashpect/fwdproxy/pkg/config"
	"github.com/ashpect/fwdproxy/pkg/dashboard"
	"github.com/ashpect/fwdproxy/pkg/fingerprint"
	"github.com/ashpect/fwdproxy/pkg/metrics"
	"github.com/ashpect/fwdproxy/pkg/origin"
	"github.com/ashpect/fwdproxy/pkg/proxy"
	"github.com/ashpect/fwdproxy/pkg/tunnel"
	"github.com/ashpect/fwdproxy/pkg/utils"
	"github.com/sirupsen/logrus"
)

func main() {
	configFile := flag.String("config", "", "location of config file (.toml, .yaml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Proxy stopped")
	}
}

func run(cfg *config.SystemCfg, logger *logrus.Logger) error {
	storeLog := logger.WithField("component", "cache")
	store, err := cache.NewStore(cfg.Cache.Capacity, cfg.Cache.DefaultTTL,
		cache.WithCleanupInterval[fingerprint.Fingerprint, *cache.CachedResponse](cfg.Cache.CleanupInterval),
		cache.WithCleanupStart[fingerprint.Fingerprint, *cache.CachedResponse](cfg.Cache.CleanupInterval > 0),
		cache.WithOnEvict(func(key fingerprint.Fingerprint, _ *cache.CachedResponse, reason cache.EvictReason) {
			storeLog.WithFields(logrus.Fields{
				"fingerprint": key.Short(),
				"reason":      reason,
			}).Debug("Cache record dropped")
		}),
	)
	if err != nil {
		return err
	}
	defer store.Close()

	transport := client.NewTransport(
		client.WithMaxIdleConns(cfg.Origin.MaxIdleConns),
		client.WithMaxIdleConnsPerHost(cfg.Origin.MaxIdleConnsPerHost),
		client.WithIdleConnTimeout(cfg.Origin.IdleConnTimeout),
		client.WithDialTimeout(cfg.Origin.DialTimeout),
	)
	fetcher := origin.New(client.NewClient(
		client.WithTransport(transport),
		client.WithTimeout(cfg.Origin.Timeout),
		client.WithoutRedirects(),
	), logger)

	relayOpts := []tunnel.Option{
		tunnel.WithLogger(logger),
		tunnel.WithDialTimeout(cfg.Tunnel.DialTimeout),
		tunnel.WithIdleTimeout(cfg.Tunnel.IdleTimeout),
		tunnel.WithBufferSize(cfg.Tunnel.BufferSize),
	}
	if cfg.Tunnel.UpstreamTLS {
		relayOpts = append(relayOpts, tunnel.WithTLS(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.Tunnel.InsecureSkipVerify,
		}))
	}
	relay := tunnel.New(relayOpts...)

	counters := &metrics.Counters{}
	latency := metrics.NewLatencyTracker(metrics.DefaultRelativeAccuracy)

	p := proxy.New(store, fetcher, relay,
		proxy.WithAgent(cfg.Proxy.Agent),
		proxy.WithCoalescing(cfg.Proxy.Coalesce),
		proxy.WithStreaming(cfg.Proxy.Streaming),
		proxy.WithLogger(logger),
		proxy.WithMetrics(counters),
		proxy.WithLatencyTracker(latency),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var handler http.Handler = p
	if cfg.RateLimit.Enabled {
		limiter := proxy.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		go limiter.Run(ctx)
		handler = proxy.RateLimitMiddleware(limiter)(handler)
	}
	handler = proxy.LoggingMiddleware(logger)(handler)

	server := &http.Server{
		Addr:              cfg.ProxyAddr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.Proxy.ReadHeaderTimeout,
	}

	var dashServer *http.Server
	if cfg.Dashboard.Enabled {
		dash := dashboard.New(store, relay, counters, latency, logger)
		dashServer = &http.Server{
			Addr:              cfg.DashboardAddr(),
			Handler:           dash.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.WithField("addr", dashServer.Addr).Info("Starting dashboard")
			if err := dashServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Dashboard failed")
			}
		}()
	}

	errc := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":      server.Addr,
			"capacity":  cfg.Cache.Capacity,
			"ttl":       cfg.Cache.DefaultTTL,
			"coalesce":  cfg.Proxy.Coalesce,
			"streaming": cfg.Proxy.Streaming,
		}).Info("Starting proxy")
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// hijacked tunnels are invisible to Shutdown
	relay.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Proxy shutdown error")
	}
	if dashServer != nil {
		if err := dashServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Dashboard shutdown error")
		}
	}
	return nil
}
