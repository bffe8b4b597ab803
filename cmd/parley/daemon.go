package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/fentz26/parley/internal/adapter"
	"github.com/fentz26/parley/internal/audit"
	"github.com/fentz26/parley/internal/config"
	"github.com/fentz26/parley/internal/connectors"
	"github.com/fentz26/parley/internal/connectors/localexec"
	"github.com/fentz26/parley/internal/connectors/ttshttp"
	"github.com/fentz26/parley/internal/controlplane"
	"github.com/fentz26/parley/internal/generation"
	"github.com/fentz26/parley/internal/llm"
	"github.com/fentz26/parley/internal/logging"
	"github.com/fentz26/parley/internal/metrics"
	"github.com/fentz26/parley/internal/models"
	"github.com/fentz26/parley/internal/pipeline"
	"github.com/fentz26/parley/internal/scheduler"
	"github.com/fentz26/parley/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var (
	listenAddr string
	configPath string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Parley daemon",
	Long:  `Starts the Parley daemon: the task pipeline, its stage workers and the HTTP/WebSocket API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&configPath, "config", filepath.Join(config.Dir(), "config.yaml"), "Path to config file")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, ".env", filepath.Join(config.Dir(), ".env"))
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting parley daemon", zap.String("version", controlplane.Version), zap.String("listen", cfg.Listen))

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
		return fmt.Errorf("creating artifact dir: %w", err)
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database connection")
		if err := st.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()

	stages, err := cfg.Stages()
	if err != nil {
		return err
	}
	coord := pipeline.New(
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithStages(stages...),
	)
	m := metrics.New("parley")
	journal := audit.NewJournal(st, coord, logger.Named("journal"))

	completer, err := llm.New(cfg.LLM, logger.Named("llm"))
	if err != nil {
		return err
	}
	session := generation.New(coord, completer,
		generation.WithStore(st),
		generation.WithMemory(st, cfg.Generation.MemoryLimit),
		generation.WithInstructions(cfg.Generation.Instructions),
		generation.WithHistoryWindow(cfg.Generation.HistoryWindow),
		generation.WithLogger(logger.Named("generation")),
	)

	voice := adapter.New(coord, cfg.Voice.Threshold, logger.Named("voice"))
	voice.SetObserver(m.ObserveVoiceEvent)

	synth, player, hub, err := buildConnectors(cfg, stages, logger)
	if err != nil {
		return err
	}
	sched := scheduler.New(coord, synth, player, &cfg.Scheduler,
		scheduler.WithLogger(logger.Named("scheduler")),
		scheduler.WithObserver(m.ObserveJob),
	)

	service := controlplane.NewService(controlplane.Deps{
		Coordinator: coord,
		Store:       st,
		Journal:     journal,
		Session:     session,
		Adapter:     voice,
		Scheduler:   sched,
		Metrics:     m,
		Playback:    hub,
		ArtifactDir: cfg.ArtifactDir,
		MaxRetain:   cfg.Pipeline.MaxRetainFinished,
		Logger:      logger.Named("service"),
	})
	server := controlplane.NewServer(service, cfg.Listen, logger.Named("api"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return journal.Run(gctx, coord.Bus()) })
	g.Go(func() error { return m.Run(gctx, coord) })
	if cfg.Generation.Autostart {
		g.Go(func() error { return session.Run(gctx) })
	}
	if cfg.Voice.URL != "" {
		g.Go(func() error { return voice.ListenWithRetry(gctx, cfg.Voice.URL, 30*time.Second) })
	}
	g.Go(func() error {
		prune(gctx, coord, cfg.Pipeline.PruneInterval, cfg.Pipeline.MaxRetainFinished, logger)
		return nil
	})

	sched.Start()
	logger.Info("scheduler started", zap.Any("stages", sched.Stages()))

	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error", zap.Error(err))
		}
		sched.Stop()
		service.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("daemon stopped with error", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// buildConnectors picks the in-process TTS and playback connectors. A stage
// that is not configured to participate gets none.
func buildConnectors(cfg *config.Config, stages []models.Stage, logger *zap.Logger) (connectors.Synthesizer, connectors.Player, *controlplane.PlaybackHub, error) {
	var (
		synth  connectors.Synthesizer
		player connectors.Player
		hub    *controlplane.PlaybackHub
	)

	if cfg.TTS.BaseURL != "" && slices.Contains(stages, models.StageTTS) {
		c, err := ttshttp.New(cfg.TTS.BaseURL, cfg.ArtifactDir, cfg.TTS.Timeout, logger.Named("tts"))
		if err != nil {
			return nil, nil, nil, err
		}
		synth = c
	}

	if !slices.Contains(stages, models.StageAudio) {
		return synth, nil, nil, nil
	}
	switch cfg.Playback {
	case config.PlaybackWebSocket:
		hub = controlplane.NewPlaybackHub("/artifacts/", logger.Named("playback"))
		player = hub
	case config.PlaybackExec:
		p, err := localexec.New(cfg.PlayerCommand, cfg.ArtifactDir)
		if err != nil {
			return nil, nil, nil, err
		}
		player = p
	default:
		player = connectors.Discard{}
	}
	return synth, player, hub, nil
}

// prune drops finished tasks beyond maxRetain every interval.
func prune(ctx context.Context, coord *pipeline.Coordinator, interval time.Duration, maxRetain int, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := coord.RemoveFinishedTasks(maxRetain); n > 0 {
				logger.Debug("pruned finished tasks", zap.Int("removed", n))
			}
		}
	}
}
