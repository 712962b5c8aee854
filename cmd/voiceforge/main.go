package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/voiceforge/voiceforge/internal/audio"
	"github.com/voiceforge/voiceforge/internal/config"
	"github.com/voiceforge/voiceforge/internal/engine"
	"github.com/voiceforge/voiceforge/internal/httpapi"
	"github.com/voiceforge/voiceforge/internal/observability"
	"github.com/voiceforge/voiceforge/internal/synth"
	"github.com/voiceforge/voiceforge/internal/tasks"
	"github.com/voiceforge/voiceforge/internal/voices"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var eng engine.Engine
	if cfg.ModelServerURL != "" {
		remote, err := engine.NewRemoteEngine(cfg.ModelServerURL)
		if err != nil {
			logger.Fatal("model server unreachable", zap.String("url", cfg.ModelServerURL), zap.Error(err))
		}
		eng = remote
		logger.Info("engine backend: remote model server", zap.String("url", cfg.ModelServerURL))
	} else {
		eng = engine.NewMockEngine()
		logger.Info("engine backend: embedded mock (MODEL_SERVER_URL not set)")
	}

	var converter audio.Converter
	if ffmpeg, err := audio.NewFFmpegConverter(cfg.FFmpegPath); err != nil {
		logger.Warn("ffmpeg unavailable, mp3/flac disabled", zap.Error(err))
	} else {
		converter = ffmpeg
	}

	store := voices.NewStore(cfg.VoiceDBFile, logger)
	if err := store.Load(); err != nil {
		logger.Fatal("voice store load failed", zap.String("path", cfg.VoiceDBFile), zap.Error(err))
	}

	voiceReg := voices.NewRegistry(store, eng, converter, cfg.VoiceCacheDir, voices.Limits{
		MinClipSeconds: cfg.MinClipSeconds,
		MaxClipSeconds: cfg.MaxClipSeconds,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, logger)
	voiceReg.LoadCachedVoices()
	metrics.SetVoiceCount(store.Stats().TotalVoices)

	adapter := synth.NewAdapter(eng, converter, cfg.OutputDir, logger)

	taskReg := tasks.NewRegistry(voiceReg, adapter, logger)
	taskReg.SetMetrics(metrics)
	taskReg.SetCallbackTimeout(cfg.CallbackTimeout)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if cfg.DatabaseURL != "" {
		archive, err := tasks.NewPostgresArchive(runCtx, cfg.DatabaseURL)
		if err != nil {
			logger.Warn("task archive unavailable, continuing without it", zap.Error(err))
		} else {
			defer archive.Close()
			taskReg.SetArchive(archive)
			logger.Info("task archive: postgres")
		}
	}

	taskReg.StartJanitor(runCtx, cfg.SweepInterval, cfg.TaskRetention)

	api := httpapi.New(cfg, eng, voiceReg, taskReg, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
