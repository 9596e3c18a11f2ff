package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/aicc-pipeline/internal/api"
	"github.com/flowpbx/aicc-pipeline/internal/api/middleware"
	"github.com/flowpbx/aicc-pipeline/internal/config"
	"github.com/flowpbx/aicc-pipeline/internal/pipeline"
	"github.com/flowpbx/aicc-pipeline/internal/stt/google"
	"github.com/flowpbx/aicc-pipeline/internal/stt/phrases"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting aicc pipeline",
		"http_port", cfg.HTTPPort,
		"stt_mode", cfg.STTMode,
		"rtp_port_range", fmt.Sprintf("%d-%d", cfg.RTPPortRangeStart, cfg.RTPPortRangeEnd),
		"ws_consumers", len(cfg.WSURLs),
	)

	phraseHints, err := phrases.Load(cfg.STTPhrases, cfg.STTPhrasesPath)
	if err != nil {
		slog.Error("failed to load stt phrase hints", "error", err)
		os.Exit(1)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sttClient, err := google.NewClient(appCtx, google.Config{
		CredentialsPath: cfg.STTCredentialsPath,
		Language:        cfg.STTLanguage,
		Phrases:         phraseHints,
		PhraseBoost:     float32(cfg.STTPhraseBoost),
	})
	if err != nil {
		slog.Error("failed to dial google cloud speech", "error", err)
		os.Exit(1)
	}
	defer sttClient.Close()

	staticMode := cfg.CustomerPort < cfg.RTPPortRangeStart || cfg.CustomerPort >= cfg.RTPPortRangeEnd
	if staticMode {
		cfg.RTPPortRangeStart = cfg.CustomerPort
		cfg.RTPPortRangeEnd = cfg.CustomerPort + 2
	}

	controller := pipeline.New(cfg, sttClient, logger)
	controller.Start(appCtx)

	if err := prometheus.Register(controller.Collector()); err != nil {
		slog.Error("failed to register metrics collector", "error", err)
		os.Exit(1)
	}

	// Degenerate static-pair mode: a customer port configured outside the
	// dynamic pool range means the operator wants one fixed pair rather
	// than REST-driven admission, so skip the REST flow and register it
	// as call "static" at startup.
	if staticMode {
		session, err := controller.RegisterCall("static", "", "")
		if err != nil {
			slog.Error("failed to register static call", "error", err)
			os.Exit(1)
		}
		slog.Info("static call registered",
			"customer_port", session.Ports.CustomerPort, "agent_port", session.Ports.AgentPort)
	}

	handler := api.NewServer(controller,
		api.WithCORSOrigins(middleware.ParseCORSOrigins(cfg.CORSOrigins)),
		api.WithReadiness(controller.Ready),
	)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			hints, err := phrases.Load(cfg.STTPhrases, cfg.STTPhrasesPath)
			if err != nil {
				slog.Error("sighup phrase reload failed", "error", err)
				continue
			}
			sttClient.UpdatePhrases(hints, float32(cfg.STTPhraseBoost))
			slog.Info("sighup reloaded stt phrases", "count", len(hints))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()
	controller.Stop(15 * time.Second)

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("aicc pipeline stopped")
}
