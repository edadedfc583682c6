package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"github.com/vango-go/intake-live/pkg/gateway/archive"
	"github.com/vango-go/intake-live/pkg/gateway/config"
	"github.com/vango-go/intake-live/pkg/gateway/live/engine"
	gatewayserver "github.com/vango-go/intake-live/pkg/gateway/server"
	"github.com/vango-go/intake-live/pkg/intake/batch"
	"github.com/vango-go/intake-live/pkg/intake/extraction"
	"github.com/vango-go/intake-live/pkg/telemetry"
)

// gateway is the part of *gatewayserver.Server the serve loop drives.
type gateway interface {
	Handler() http.Handler
	SetDraining()
	StopLiveSessions() int
	WaitLiveSessions(ctx context.Context) bool
	CancelLiveSessions()
	Close() error
}

func newServeCmd(deps appDeps, flags *rootFlags, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags.logger(stderr), flags.configPath, deps)
		},
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func loadBlueprint(path string) (*extraction.Blueprint, error) {
	if strings.TrimSpace(path) == "" {
		return extraction.DefaultBlueprint(), nil
	}
	return extraction.LoadBlueprint(path)
}

func buildGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (gateway, error) {
	bp, err := loadBlueprint(cfg.BlueprintPath)
	if err != nil {
		return nil, fmt.Errorf("load blueprint: %w", err)
	}

	store, err := archive.Open(ctx, archive.Options{
		Backend:     string(cfg.ArchiveBackend),
		RedisURL:    cfg.RedisURL,
		DatabaseURL: cfg.DatabaseURL,
		TTL:         cfg.ArchiveTTL,
	})
	if err != nil {
		return nil, err
	}

	opts := gatewayserver.Options{Archive: store, Blueprint: bp}
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		logger.Warn("no Gemini API key configured; live and recording endpoints are disabled")
	} else {
		liveClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.GeminiAPIKey,
			Backend: genai.BackendGeminiAPI,
			HTTPOptions: genai.HTTPOptions{
				BaseURL:    cfg.GeminiBaseURL,
				APIVersion: cfg.LiveAPIVersion,
			},
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("gemini live client: %w", err)
		}
		batchClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:      cfg.GeminiAPIKey,
			Backend:     genai.BackendGeminiAPI,
			HTTPOptions: genai.HTTPOptions{BaseURL: cfg.GeminiBaseURL},
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("gemini batch client: %w", err)
		}

		opts.Connector = &engine.GeminiConnector{
			Client:         liveClient,
			Model:          cfg.LiveModel,
			Logger:         logger,
			AudioQueueSize: cfg.AudioQueueSize,
			EventQueueSize: cfg.EventQueueSize,
		}
		processor := batch.NewProcessor(batchClient, bp, logger)
		processor.TranscribeModel = cfg.BatchModel
		processor.ExtractModel = cfg.ExtractModel
		opts.Processor = processor
	}

	return gatewayserver.New(cfg, logger, opts), nil
}

func runServe(ctx context.Context, logger *slog.Logger, configPath string, deps appDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Tracing {
		shutdownTracer, err := telemetry.InitTracer("intake-live", nil, logger)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	gw, err := deps.newGateway(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn("close gateway", "error", err)
		}
	}()
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway", "addr", cfg.Addr, "archive_backend", cfg.ArchiveBackend, "live_model", cfg.LiveModel)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	gw.StopLiveSessions()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		gw.CancelLiveSessions()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}
