package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sre-sentinel/sentinel/internal/ai"
	"github.com/sre-sentinel/sentinel/internal/clock"
	"github.com/sre-sentinel/sentinel/internal/config"
	"github.com/sre-sentinel/sentinel/internal/docker"
	"github.com/sre-sentinel/sentinel/internal/engine"
	"github.com/sre-sentinel/sentinel/internal/events"
	"github.com/sre-sentinel/sentinel/internal/heal"
	"github.com/sre-sentinel/sentinel/internal/incident"
	"github.com/sre-sentinel/sentinel/internal/logging"
	"github.com/sre-sentinel/sentinel/internal/metrics"
	"github.com/sre-sentinel/sentinel/internal/monitor"
	"github.com/sre-sentinel/sentinel/internal/notify"
	"github.com/sre-sentinel/sentinel/internal/store"
	"github.com/sre-sentinel/sentinel/internal/web"
)

var version = "dev"

const textfileInterval = 60 * time.Second

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	client, err := docker.NewClient(cfg.DockerHost, nil)
	if err != nil {
		log.Error("failed to create Docker client", "error", err)
		os.Exit(2)
	}
	defer client.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = client.Ping(pingCtx)
	pingCancel()
	if err != nil {
		log.Error("Docker daemon unreachable", "host", cfg.DockerHost, "error", err)
		os.Exit(2)
	}

	bus := events.New()

	// Durable event journal is opt-in; without it the bus is memory-only.
	var cronRunner *cron.Cron
	if cfg.EventBusJournalPath != "" {
		journal, err := store.Open(cfg.EventBusJournalPath)
		if err != nil {
			log.Error("failed to open event journal", "path", cfg.EventBusJournalPath, "error", err)
			os.Exit(1)
		}
		defer journal.Close()
		bus.SetJournal(journal)

		cronRunner = cron.New()
		_, err = cronRunner.AddFunc(cfg.EventBusPruneSchedule, func() {
			n, err := journal.Prune(cfg.EventBusJournalRetention)
			if err != nil {
				log.Warn("journal prune failed", "error", err)
				return
			}
			log.Info("journal pruned", "removed", n)
		})
		if err != nil {
			log.Error("invalid prune schedule", "schedule", cfg.EventBusPruneSchedule, "error", err)
			os.Exit(1)
		}
		cronRunner.Start()
		defer cronRunner.Stop()
		log.Info("event journal enabled", "path", cfg.EventBusJournalPath,
			"retention", cfg.EventBusJournalRetention)
	}

	clk := clock.Real{}
	incidents := incident.NewStore(bus, clk, log)

	classifier := ai.NewClassifier(
		ai.NewClient(cfg.FastClassifierURL, cfg.FastClassifierKey, cfg.FastClassifierModel),
		cfg.FastClassifierTimeout, log)
	analyzer := ai.NewAnalyzer(
		ai.NewClient(cfg.DeepAnalyzerURL, cfg.DeepAnalyzerKey, cfg.DeepAnalyzerModel),
		cfg.DeepAnalyzerTimeout, log)

	gateway := heal.NewGateway(cfg.ToolGatewayURL, log)
	if cfg.ToolGatewayURL != "" {
		if err := gateway.Connect(ctx); err != nil {
			// The executor re-handshakes on demand, so a cold gateway at
			// startup only degrades, it doesn't abort.
			log.Warn("tool gateway not reachable yet", "url", cfg.ToolGatewayURL, "error", err)
		}
	}
	executor := heal.NewExecutor(gateway, incidents, &envUpdater{api: client}, clk, log)
	verifier := heal.NewVerifier(client, clk, log)

	fleet := monitor.NewRegistry(client, bus, cfg.DiscoveryInterval, clk, log)
	fleet.SetLabels(cfg.MonitorLabel, cfg.ServiceLabel)

	driver := engine.NewDriver(incidents, analyzer, executor, verifier, gateway, client,
		fleet, cfg.AutoHealEnabled, cfg.ComposeFilePath, log)
	gate := engine.NewGate(classifier, fleet, incidents, driver, clk, log)

	fleet.AddWatchers(
		monitor.NewIngester(client, bus, gate, cfg.LogLinesPerCheck, cfg.LogFlushInterval, clk, log),
		monitor.NewSampler(client, bus, fleet, cfg.LogCheckInterval, clk, log),
	)

	notifiers, err := notify.FromTargets(cfg.NotifyURLs, log)
	if err != nil {
		log.Error("invalid NOTIFY_URLS", "error", err)
		os.Exit(1)
	}
	if len(notifiers) == 0 {
		notifiers = append(notifiers, notify.NewLogNotifier(log))
	}
	bridge := notify.NewBridge(bus, notify.NewMulti(log, notifiers...))
	go bridge.Run(ctx)

	srv := web.NewServer(web.Dependencies{
		Containers: fleet,
		Incidents:  incidents,
		EventBus:   bus,
		Log:        log,
	})
	go func() {
		addr := net.JoinHostPort("", cfg.APIPort)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("dashboard server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if cfg.MetricsTextfileDir != "" {
		go runTextfileWriter(ctx, cfg.MetricsTextfileDir, log)
	}

	go gate.Run(ctx)

	log.Info("sentinel started", "version", version,
		"auto_heal", cfg.AutoHealEnabled, "api_port", cfg.APIPort)

	fleet.Run(ctx)

	log.Info("sentinel shutdown complete")
}

// runTextfileWriter periodically exports sentinel metrics for a node_exporter
// textfile collector.
func runTextfileWriter(ctx context.Context, dir string, log *logging.Logger) {
	path := filepath.Join(dir, "sre-sentinel.prom")
	ticker := time.NewTicker(textfileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("metrics textfile write failed", "path", path, "error", err)
			}
		}
	}
}
