package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/yuancx2025/ai-frontier/internal/api"
	"github.com/yuancx2025/ai-frontier/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the admin HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the digest corpus over MCP (stdio transport)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "frontier version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.Token == "" {
		return fmt.Errorf("missing API token: set FRONTIER_API_TOKEN or server.token")
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	orchestrator, err := buildOrchestrator(cfg, store)
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.Deps{
		Store: store,
		Runner: func(ctx context.Context) (pipeline.Summary, error) {
			if err := cfg.ValidateRun(); err != nil {
				return pipeline.Summary{}, err
			}
			return orchestrator.Run(ctx)
		},
		Token: cfg.Server.Token,
	})

	ctx, stop := signalContext()
	defer stop()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "frontier listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Logs must stay off stdout: the MCP transport owns it.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signalContext()
	defer stop()

	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store})
	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server error: %w", err)
	}
	return nil
}
