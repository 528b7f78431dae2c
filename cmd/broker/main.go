// Command broker runs the in-process post office broker standalone,
// listening for embedded-transport clients over TCP.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/automaxprocs"

	"github.com/relaypost/postoffice/configstore"
	"github.com/relaypost/postoffice/internal/broker"
	"github.com/relaypost/postoffice/internal/monitoring"
)

func main() {
	var (
		debug      = flag.Bool("debug", false, "enable debug logging (overrides configured level)")
		configPath = flag.String("config", "", "path to a broker config file (optional)")
	)
	flag.Parse()

	store, err := configstore.Open(*configPath)
	if err != nil {
		panic(err)
	}

	logLevel := store.GetOrSetDefault("logging", "level", "info")
	if *debug {
		logLevel = "debug"
	}
	logFormat := store.GetOrSetDefault("logging", "format", "json")
	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: logLevel, Format: logFormat}, "broker")

	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting broker")

	addr := store.GetOrSetDefault("broker", "listen_addr", ":4808")
	metricsAddr := store.GetOrSetDefault("broker", "metrics_addr", ":9090")
	acceptRate := store.GetOrSetDefaultInt("broker", "accept_rate_per_sec", 500)

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	resourceMonitor, err := monitoring.NewResourceMonitor(metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start resource monitor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go resourceMonitor.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler(registry))
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	b := broker.New(logger, float64(acceptRate))

	go mirrorBrokerStats(ctx, b, metrics)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down broker")
		cancel()
		b.Close()
	}()

	if err := b.Run(ctx, addr); err != nil {
		logger.Fatal().Err(err).Msg("broker exited")
	}
}

// mirrorBrokerStats periodically copies the broker's atomic counters into
// the Prometheus gauges/counters so a scrape never touches the broker's
// own goroutines directly.
func mirrorBrokerStats(ctx context.Context, b *broker.Broker, metrics *monitoring.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastEvictions, lastMessages int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := b.Snapshot()
			metrics.BrokerConnections.Set(float64(snap.ConnectionsAccepted))
			if delta := snap.ClientsEvicted - lastEvictions; delta > 0 {
				metrics.BrokerEvictions.Add(float64(delta))
			}
			if delta := snap.MessagesPublished - lastMessages; delta > 0 {
				metrics.BrokerMessages.Add(float64(delta))
			}
			lastEvictions, lastMessages = snap.ClientsEvicted, snap.MessagesPublished
		}
	}
}
