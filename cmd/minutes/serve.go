package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/minutes/internal/api"
	"github.com/MikeSquared-Agency/minutes/internal/audio"
	"github.com/MikeSquared-Agency/minutes/internal/cleanup"
	"github.com/MikeSquared-Agency/minutes/internal/config"
	"github.com/MikeSquared-Agency/minutes/internal/fragment"
	"github.com/MikeSquared-Agency/minutes/internal/metrics"
	"github.com/MikeSquared-Agency/minutes/internal/notify"
	"github.com/MikeSquared-Agency/minutes/internal/pipeline"
	"github.com/MikeSquared-Agency/minutes/internal/session"
	slackalert "github.com/MikeSquared-Agency/minutes/internal/slack"
	"github.com/MikeSquared-Agency/minutes/internal/store"
	"github.com/MikeSquared-Agency/minutes/internal/summary"
	"github.com/MikeSquared-Agency/minutes/internal/transcription"
)

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recording API and the pipeline workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			setupLogging(cfg.LogLevel, cfg.LogFormat)
			return serve(cfg)
		},
	}
}

func serve(cfg config.Config) error {
	slog.Info("minutes starting",
		"port", cfg.Port,
		"audio_dir", cfg.AudioDir,
		"nats_url", cfg.NatsURL,
		"workers", cfg.PipelineWorkers,
		"queue_size", cfg.PipelineQueueSize,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Connect to the database.
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}
	slog.Info("database connected")

	// Step 2: Capabilities.
	ffmpeg := audio.NewFFmpeg(cfg.FFmpegPath, cfg.SampleRate)
	if err := ffmpeg.Check(); err != nil {
		slog.Warn("ffmpeg unavailable, merges will fail until it is installed", "error", err)
	}
	transcriber, err := transcription.NewClient(transcription.Config{
		Endpoint:      cfg.TranscribeURL,
		APIKey:        cfg.TranscribeAPIKey,
		Model:         cfg.TranscribeModel,
		Timeout:       cfg.TranscribeTimeout,
		MaxRetries:    cfg.TranscribeMaxRetries,
		MaxConcurrent: cfg.TranscribeMaxConcurrent,
	})
	if err != nil {
		return fmt.Errorf("transcription client: %w", err)
	}
	summarizer := summary.NewClient(summary.Config{
		Host:       cfg.OllamaHost,
		Model:      cfg.OllamaModel,
		InputLimit: cfg.SummaryInputLimit,
		Timeout:    cfg.SummaryTimeout,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Step 3: Optional outbound integrations. Interfaces stay nil when disabled.
	var publisher *notify.Publisher
	var eventPub pipeline.EventPublisher
	if cfg.NatsURL != "" {
		publisher, err = notify.NewPublisher(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			slog.Warn("failed to ensure event stream", "error", err)
		}
		eventPub = publisher
		slog.Info("NATS event publisher enabled")
	}

	var notifier pipeline.Notifier
	if cfg.NotifyURL != "" {
		notifier = notify.NewAlarmNotifier(cfg.NotifyURL, cfg.NotifyTimeout)
		slog.Info("participant notifications enabled", "url", cfg.NotifyURL)
	}

	var alerter pipeline.Alerter
	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		alerter = slackalert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel)
		slog.Info("Slack failure alerter enabled", "channel", cfg.SlackAlertChannel)
	}

	// Step 4: Session registry and metadata writer.
	frags := fragment.NewStore(cfg.AudioDir)
	snapshotter := session.NewSnapshotter()
	metaCtx, metaCancel := context.WithCancel(context.Background())
	defer metaCancel()
	snapshotter.Start(metaCtx)
	registry := session.NewRegistry(db, frags, snapshotter)

	// Step 5: Pipeline workers.
	orch := pipeline.NewOrchestrator(pipeline.Config{
		Language:          cfg.TranscribeLanguage,
		MinFragmentBytes:  cfg.MinFragmentBytes,
		SummaryInputLimit: cfg.SummaryInputLimit,
		SummaryTimeout:    cfg.SummaryTimeout,
		NotifyTimeout:     cfg.NotifyTimeout,
	}, pipeline.Deps{
		Fragments:   frags,
		Remuxer:     ffmpeg,
		Transcriber: transcriber,
		Summarizer:  summarizer,
		Store:       db,
		Sessions:    registry,
		Cleaner:     cleanup.NewManager(),
		Notifier:    notifier,
		Alerter:     alerter,
		Publisher:   eventPub,
		Metrics:     m,
	})
	queueCtx, queueCancel := context.WithCancel(context.Background())
	defer queueCancel()
	queue := pipeline.NewQueue(orch, registry, m, pipeline.QueueConfig{
		Workers: cfg.PipelineWorkers,
		Size:    cfg.PipelineQueueSize,
	})
	queue.Start(queueCtx)

	// Step 6: HTTP API.
	srv := api.NewServer(api.Deps{
		Sessions:  registry,
		Queue:     queue,
		Store:     db,
		Publisher: eventPub,
		Metrics:   m,
		Gatherer:  reg,
	}, api.Options{
		Port:           cfg.Port,
		MaxUploadBytes: cfg.MaxUploadBytes,
		RequestTimeout: cfg.RequestTimeout,
	})
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	slog.Info("minutes ready", "port", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}

	queueCancel()
	queue.Wait()
	metaCancel()
	snapshotter.Wait()
	cancel()

	slog.Info("minutes stopped")
	return nil
}
