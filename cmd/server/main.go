package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/beamform-aggregator/internal/beamform"
	"github.com/skypro1111/beamform-aggregator/internal/config"
	"github.com/skypro1111/beamform-aggregator/internal/delay"
	"github.com/skypro1111/beamform-aggregator/internal/metrics"
	"github.com/skypro1111/beamform-aggregator/internal/pipeline"
	"github.com/skypro1111/beamform-aggregator/internal/server"
	"github.com/skypro1111/beamform-aggregator/internal/sink"
	"github.com/skypro1111/beamform-aggregator/internal/stream"
	"github.com/skypro1111/beamform-aggregator/internal/synchronizer"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "beamform-aggregator"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	runID := uuid.NewString()
	logger := initLogger(cfg.Logging).With(slog.String("run_id", runID))

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	if err := run(cfg, logger, runID); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

// run wires the pipeline and blocks until a shutdown signal or a server failure
func run(cfg *config.Config, logger *slog.Logger, runID string) error {
	agg := cfg.Aggregator
	maxLag := agg.EffectiveMaxLag()

	logger.Info("Configuration loaded",
		slog.String("transport", cfg.Server.Transport),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("node_count", agg.NodeCount),
		slog.String("reference_node", agg.ReferenceNode),
		slog.Int("sample_rate", agg.SampleRate),
		slog.Int("tick_period_ms", agg.TickPeriodMs),
		slog.Int("alignment_tolerance_ms", agg.AlignmentToleranceMs),
		slog.Duration("wait_timeout", agg.GetWaitTimeout()),
		slog.Int("max_lag_samples", maxLag),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(nil)

	streamMgr := stream.NewManager(logger, stream.ManagerConfig{
		QueueCapacity: agg.QueueCapacityPerNode,
		SampleRate:    agg.SampleRate,
		FrameSamples:  agg.FrameSamples(),
		Timeout:       agg.GetStreamTimeoutDuration(),
		Accept:        agg.IsKnownNode,
	}, appMetrics)
	defer streamMgr.Stop()

	aligner := synchronizer.New(synchronizer.Config{
		TickPeriodMs:    int64(agg.TickPeriodMs),
		ToleranceMs:     int64(agg.AlignmentToleranceMs),
		WaitTimeout:     agg.GetWaitTimeout(),
		FrameSamples:    agg.FrameSamples(),
		StallTicks:      agg.StallTicksThreshold,
		DisconnectTicks: agg.DisconnectTicksThreshold,
		StalenessTicks:  agg.StalenessTicks,
	}, streamMgr, logger, appMetrics)

	refID, fixed := agg.ReferenceNodeID()
	estimator := delay.New(delay.Config{
		MaxLag:              maxLag,
		ConfidenceThreshold: agg.ConfidenceThreshold,
		EstimateEvery:       agg.EstimateEveryTicks,
		SilenceFloor:        agg.SilenceFloor,
		FixedReference:      fixed,
		ReferenceNodeID:     refID,
	}, logger)

	beamformer := beamform.New(beamform.Config{
		SampleRate:   agg.SampleRate,
		SilenceFloor: agg.SilenceFloor,
	})

	sinks, broadcaster, err := buildSinks(cfg, logger, runID, appMetrics)
	if err != nil {
		return err
	}

	coordinator := pipeline.NewCoordinator(pipeline.Config{
		TickPeriod:   agg.GetTickPeriod(),
		Synchronizer: aligner,
		Estimator:    estimator,
		Beamformer:   beamformer,
		Sink:         sinks,
		Notify:       streamMgr.Notify(),
	}, logger, appMetrics)

	transports := make(map[string]server.TransportStats)
	var stoppers []func() error

	if cfg.Server.Transport == config.TransportUDP || cfg.Server.Transport == config.TransportBoth {
		udpServer := server.NewUDPServer(&cfg.Server, logger, streamMgr, agg.IsKnownNode, appMetrics)
		if err := udpServer.Start(); err != nil {
			sinks.Close()
			return err
		}
		transports[config.TransportUDP] = udpServer
		stoppers = append(stoppers, udpServer.Stop)
	}

	if cfg.Server.Transport == config.TransportTCP || cfg.Server.Transport == config.TransportBoth {
		tcpServer := server.NewTCPServer(&cfg.Server, logger, streamMgr, agg.IsKnownNode, appMetrics)
		if err := tcpServer.Start(); err != nil {
			stopAll(stoppers, logger)
			sinks.Close()
			return err
		}
		transports[config.TransportTCP] = tcpServer
		stoppers = append(stoppers, tcpServer.Stop)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		deps := server.HTTPDependencies{
			Config:      cfg,
			Streams:     streamMgr,
			Coordinator: coordinator,
			Transports:  transports,
			RunID:       runID,
			Version:     serviceVersion,
		}
		if broadcaster != nil {
			deps.WebSocket = broadcaster
		}
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, deps, appMetrics)
		if err := httpServer.Start(); err != nil {
			stopAll(stoppers, logger)
			sinks.Close()
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The coordinator outlives the transports so that frames already
	// enqueued are drained into the sinks.
	coordCtx, cancelCoordinator := context.WithCancel(context.Background())
	defer cancelCoordinator()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coordinator.Run(coordCtx)
	})

	if httpServer != nil {
		g.Go(httpServer.Serve)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		stopAll(stoppers, logger)
		cancelCoordinator()

		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Stop(shutdownCtx); err != nil {
				logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	logger.Info("Service started successfully, waiting for signals...")

	err = g.Wait()

	stats := coordinator.Stats()
	logger.Info("Final aggregation statistics",
		slog.Uint64("windows", stats.Windows),
		slog.Uint64("complete", stats.Complete),
		slog.Uint64("degraded", stats.Degraded),
		slog.Uint64("pass_through", stats.PassThrough),
		slog.Int("nodes", streamMgr.StreamCount()),
	)

	return err
}

// buildSinks assembles the configured output sinks. The broadcaster is
// returned separately so it can be mounted on the HTTP API.
func buildSinks(cfg *config.Config, logger *slog.Logger, runID string, m *metrics.Metrics) (sink.Multi, *sink.Broadcaster, error) {
	var sinks sink.Multi
	var broadcaster *sink.Broadcaster

	if cfg.Sink.WAVPath != "" {
		path := cfg.Sink.WAVPath
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			path = filepath.Join(path, fmt.Sprintf("beamformed-%s.wav", runID))
		}
		wav, err := sink.NewWAVSink(path, cfg.Aggregator.SampleRate, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, wav)
	}

	if cfg.Sink.WebSocket {
		if !cfg.HTTP.Enabled {
			logger.Warn("WebSocket sink requires the HTTP server, output will not be streamed")
		} else {
			broadcaster = sink.NewBroadcaster(cfg.Sink.ClientBufferFrames, logger, m)
			sinks = append(sinks, broadcaster)
		}
	}

	if len(sinks) == 0 {
		logger.Warn("No output sink configured, beamformed frames are discarded")
	}

	return sinks, broadcaster, nil
}

func stopAll(stoppers []func() error, logger *slog.Logger) {
	for _, stop := range stoppers {
		if err := stop(); err != nil {
			logger.Error("Error stopping transport", slog.String("error", err.Error()))
		}
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
