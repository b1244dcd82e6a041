package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"uvccam/internal/capture"
	"uvccam/internal/history"
	"uvccam/internal/realtime"
	"uvccam/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture server",
	Long: `Run an HTTP server exposing captures over REST and a WebSocket event
stream. Only one capture runs at a time across the whole server.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port")
	serveCmd.Flags().String("static-dir", "", "directory of static files served at /")
	serveCmd.Flags().String("output-dir", "", "base directory for relative output paths")
	serveCmd.Flags().String("history", "", "history database path")
	_ = v.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = v.BindPFlag("server.static_dir", serveCmd.Flags().Lookup("static-dir"))
	_ = v.BindPFlag("server.output_dir", serveCmd.Flags().Lookup("output-dir"))
	_ = v.BindPFlag("history.path", serveCmd.Flags().Lookup("history"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	registry := capture.DefaultRegistry
	sessMgr := session.NewManager(cfg.Server.MaxSessions,
		session.WithRegistry(registry),
		session.WithSupervisor(capture.NewSupervisor(cfg.Capture.Program, logger)),
		session.WithLogger(logger),
	)

	var hist realtime.HistorySource
	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path, logger)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer store.Close()
		sessMgr.OnEvent(store.Observe)
		hist = store
	}

	rtServer := realtime.New(sessMgr, hist, cfg.Server.StaticDir, logger)
	rtServer.SetOutputDir(cfg.Server.OutputDir)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutting down")
		sessMgr.Shutdown()
		registry.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("uvccam server running", "addr", addr, "program", cfg.Capture.Program, "history", cfg.History.Path)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	<-shutdownDone
	return nil
}
