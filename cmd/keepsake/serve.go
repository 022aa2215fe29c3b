package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/keepsake-dev/keepsake/internal/analytics"
	"github.com/keepsake-dev/keepsake/internal/api"
	"github.com/keepsake-dev/keepsake/internal/briefing"
	"github.com/keepsake-dev/keepsake/internal/compress"
	"github.com/keepsake-dev/keepsake/internal/config"
	"github.com/keepsake-dev/keepsake/internal/storage"
	"github.com/keepsake-dev/keepsake/internal/summary"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory API server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func setupLogging(cfg config.Config) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "keepsake version %s\n", version)

	cfg := config.Load()
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	capability := capabilityFor(cfg)
	if cfg.Gemini.Mock {
		slog.Info("running with mock capability", "reason", "no API key or KEEPSAKE_MOCK set")
	}

	worker := compress.NewWorker(store, capability, 500*time.Millisecond)
	handler := api.NewAppHandler(api.AppDeps{
		Store:      store,
		Briefing:   briefing.NewBuilder(store),
		Summarizer: summary.NewSummarizer(store, capability),
		Pipeline:   worker,
		Analytics:  analytics.New(store.DB()),
		Mock:       cfg.Gemini.Mock,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		worker.Run(ctx)
		return nil
	})

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "keepsake listening on %s (mock=%t)\n", addr, cfg.Gemini.Mock)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runMCP() error {
	cfg := config.Load()
	setupLogging(cfg)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	capability := capabilityFor(cfg)
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:      store,
		Briefing:   briefing.NewBuilder(store),
		Summarizer: summary.NewSummarizer(store, capability),
		Capability: capability,
	})

	slog.Info("MCP server starting (stdio transport)", "mock", cfg.Gemini.Mock)
	if err := mcpserver.ServeStdio(mcpSrv); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
