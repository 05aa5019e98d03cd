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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sharestack/share-analyzer/internal/aggregator"
	"github.com/sharestack/share-analyzer/internal/anomaly"
	"github.com/sharestack/share-analyzer/internal/api"
	"github.com/sharestack/share-analyzer/internal/capture"
	"github.com/sharestack/share-analyzer/internal/config"
	"github.com/sharestack/share-analyzer/internal/detector"
	"github.com/sharestack/share-analyzer/internal/events"
	"github.com/sharestack/share-analyzer/internal/metrics"
	"github.com/sharestack/share-analyzer/internal/models"
	"github.com/sharestack/share-analyzer/internal/narrative"
	"github.com/sharestack/share-analyzer/internal/optimizer"
	"github.com/sharestack/share-analyzer/internal/protocol"
	"github.com/sharestack/share-analyzer/internal/reportstore"
	"github.com/sharestack/share-analyzer/internal/session"
	"github.com/sharestack/share-analyzer/internal/utils"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	capturePath := flag.String("capture", "", "path to a JSONL capture file to analyze")
	ifaceName := flag.String("interface", "", "capture interface name (overrides config)")
	flag.Parse()

	// A local .env is a convenience for development; absence is normal.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *ifaceName != "" {
		cfg.Capture.Interface = *ifaceName
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", utils.NewAppError("main.config", utils.KindConfigInvalid, err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("share analyzer starting",
		slog.String("interface", cfg.Capture.Interface),
		slog.String("capture_file", *capturePath))

	metrics.Register(prometheus.DefaultRegisterer)

	if err := run(logger, cfg, *capturePath); err != nil {
		logger.Error("analyzer exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg *config.Config, capturePath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := newSource(cfg, capturePath)
	if err != nil {
		return err
	}

	ifaceInfo := interfaceInfo(logger, cfg.Capture.Interface)

	store := newStore(logger, cfg)
	defer store.Close()

	publisher := newPublisher(logger, cfg)
	defer publisher.Close()

	var narrator narrative.Narrator
	if cfg.Narrative.Endpoint != "" {
		narrator = narrative.NewHTTPNarrator(cfg.Narrative.Endpoint,
			&http.Client{Timeout: cfg.Narrative.Timeout})
	}

	opt, err := optimizer.New(utils.Component(logger, "optimizer"), narrator, optimizer.Config{
		ActionPackPath:       cfg.Analysis.ActionPackPath,
		NarrateRatePerMinute: cfg.Narrative.RatePerMinute,
		AnomalyBacklog:       cfg.Analysis.HistoryWindow,
	})
	if err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}

	ifaceMTU := 0
	if ifaceInfo != nil {
		ifaceMTU = ifaceInfo.MTU
	}

	sess := session.New(utils.Component(logger, "session"), session.Config{
		HistoryWindow:    cfg.Analysis.HistoryWindow,
		PredictionWindow: cfg.Analysis.PredictionWindow,
		CaptureTimeout:   cfg.Capture.Timeout,
		Interface:        ifaceInfo,
	}, session.Deps{
		Source:     source,
		Aggregator: aggregator.New(utils.Component(logger, "aggregator"), cfg.Analysis.ConnTTL),
		Recognizer: protocol.New(utils.Component(logger, "protocol")),
		Detector: detector.New(utils.Component(logger, "detector"), detector.Config{
			MaxLatencyMS:       cfg.Analysis.MaxLatencyMS,
			MinBandwidthMbps:   cfg.Analysis.MinBandwidthMbps,
			MaxPacketLoss:      cfg.Analysis.MaxPacketLoss,
			MaxRetransmitRatio: cfg.Analysis.MaxRetransmitRatio,
			MinTCPWindow:       cfg.Analysis.MinTCPWindow,
			MTUDelta:           cfg.Analysis.MTUDelta,
			ClearSamples:       cfg.Analysis.IssueClearSamples,
		}, ifaceMTU),
		Scorer: anomaly.New(utils.Component(logger, "anomaly"), anomaly.Config{
			Threshold:     cfg.Anomaly.Threshold,
			MinSamples:    cfg.Anomaly.MinSamples,
			RefitEvery:    cfg.Anomaly.ModelUpdateInterval,
			MaxFitSamples: cfg.Anomaly.MaxFitSamples,
			Seed:          cfg.Anomaly.Seed,
		}),
		Optimizer: opt,
		Store:     store,
		Events:    publisher,
	})

	probeServer, err := api.NewServer(utils.Component(logger, "api"), cfg.Server.ProbeAddress)
	if err != nil {
		return fmt.Errorf("probe server: %w", err)
	}
	go func() {
		if err := probeServer.Start(); err != nil {
			logger.Error("probe server stopped", slog.Any("error", err))
		}
	}()

	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.Any("error", err))
		}
	}()

	probeServer.SetServing(true)
	report, runErr := sess.Run(ctx)
	probeServer.SetServing(false)

	logger.Info("session report",
		slog.String("session_id", report.SessionID),
		slog.String("state", string(report.State)),
		slog.Int("samples", len(report.Samples)),
		slog.Int("issues", len(report.Issues)),
		slog.Int("recommendations", len(report.Recommendations)),
		slog.Uint64("dropped_windows", report.DroppedWindows))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	probeServer.Shutdown(shutdownCtx)
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", slog.Any("error", err))
	}

	return runErr
}

// newSource selects the capture source. A capture file takes precedence; live
// capture integration pushes windows into a buffered source.
func newSource(cfg *config.Config, capturePath string) (capture.Source, error) {
	if capturePath != "" {
		source, err := capture.NewFileSource(capturePath, cfg.Capture.WindowPackets, cfg.Capture.WindowDuration)
		if err != nil {
			return nil, fmt.Errorf("open capture file: %w", err)
		}
		return source, nil
	}
	return nil, fmt.Errorf("%w: no capture file given", capture.ErrUnavailable)
}

// interfaceInfo resolves the capture interface MTU; failure is non-fatal and
// disables MTU-based checks.
func interfaceInfo(logger *slog.Logger, name string) *models.InterfaceInfo {
	if name == "" {
		return nil
	}
	info, err := capture.GopsutilProvider{}.InterfaceInfo(name)
	if err != nil {
		logger.Warn("interface info unavailable",
			slog.String("interface", name), slog.Any("error", err))
		return nil
	}
	return &models.InterfaceInfo{Name: info.Name, MTU: info.MTU}
}

func newStore(logger *slog.Logger, cfg *config.Config) reportstore.Store {
	if !cfg.Reports.Enabled {
		return reportstore.NoopStore{}
	}
	store, err := reportstore.NewRedisStore(reportstore.Options{
		Addr:     cfg.Reports.Addr,
		Username: cfg.Reports.Username,
		Password: cfg.Reports.Password,
		DB:       cfg.Reports.DB,
		TTL:      cfg.Reports.TTL,
		Timeout:  cfg.Reports.Timeout,
	})
	if err != nil {
		logger.Warn("report store unavailable, persistence disabled", slog.Any("error", err))
		return reportstore.NoopStore{}
	}
	logger.Info("report store connected", slog.String("addr", cfg.Reports.Addr))
	return store
}

func newPublisher(logger *slog.Logger, cfg *config.Config) events.Publisher {
	if !cfg.Events.Enabled {
		return events.NoopPublisher{}
	}
	publisher, err := events.NewNATSPublisher(utils.Component(logger, "events"), cfg.Events.URL, cfg.Events.SubjectPrefix)
	if err != nil {
		logger.Warn("event publisher unavailable, eventing disabled", slog.Any("error", err))
		return events.NoopPublisher{}
	}
	logger.Info("event publisher connected", slog.String("url", cfg.Events.URL))
	return publisher
}
