package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keepsake-dev/keepsake/internal/bridge"
	"github.com/keepsake-dev/keepsake/internal/config"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a project tree and feed file changes into memory",
	Long: `Watch a project tree and feed file changes into memory.

Requires a running keepsake server. Only changes made after the watcher
starts are captured; the existing tree is treated as baseline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		apiBase, _ := cmd.Flags().GetString("api")
		session, _ := cmd.Flags().GetString("session")
		sizeLimit, _ := cmd.Flags().GetInt64("size-limit")

		project, err := filepath.Abs(project)
		if err != nil {
			return fmt.Errorf("resolving project path: %w", err)
		}
		if apiBase == "" {
			cfg := config.Load()
			apiBase = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := bridge.NewClient(apiBase, &http.Client{Timeout: 30 * time.Second})
		if session != "" {
			client.UseSession(session)
			printStep("Using session %s for %s", session, project)
		} else {
			if err := client.StartSession(ctx, project); err != nil {
				return err
			}
			printStep("Started session %s for %s", client.SessionID(), project)
		}

		watcher, err := bridge.NewWatcher(project, client, sizeLimit)
		if err != nil {
			return fmt.Errorf("creating watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("starting watcher: %w", err)
		}
		defer watcher.Stop()

		printSuccess("Baseline primed. Only new changes will be captured.")
		<-ctx.Done()
		printStep("Watcher stopped")
		return nil
	},
}

func init() {
	watchCmd.Flags().StringP("project", "p", "", "project path to watch")
	watchCmd.Flags().String("api", "", "memory API base URL (default derived from config)")
	watchCmd.Flags().StringP("session", "s", "", "existing session id to record into")
	watchCmd.Flags().Int64("size-limit", bridge.DefaultSizeLimit, "maximum captured file size in bytes")
	watchCmd.MarkFlagRequired("project")
}
