package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/devpanel"
	"github.com/loykin/devpanel/internal/config"
	"github.com/loykin/devpanel/internal/logger"
)

// shutdownTimeout bounds stopping every server on exit.
const shutdownTimeout = 2 * time.Minute

type ServeFlags struct {
	Listen   string
	StartAll bool
	Watch    bool
	Detach   bool
	PidFile  string
	LogFile  string
}

func createServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Run the server stack and its HTTP API",
		Long: `Load the configuration, expose the control API and wait. On SIGINT or
SIGTERM every running server is stopped (highest weight first) before exit.

Examples:
  devpanel serve devpanel.toml
  devpanel serve devpanel.toml --start-all --watch
  devpanel serve --listen 127.0.0.1:9000
  devpanel serve devpanel.toml --detach --pidfile devpanel.pid --logfile devpanel.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.Detach && !isDaemonChild() {
				_, err := daemonize(cmd.OutOrStdout(), flags.PidFile, flags.LogFile)
				return err
			}
			if flags.PidFile != "" && isDaemonChild() {
				defer func() { _ = removePidFile(flags.PidFile) }()
			}
			return runServe(cmd.Context(), global.configPath(args), flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override [server].listen")
	cmd.Flags().BoolVar(&flags.StartAll, "start-all", false, "start every server once the API is up")
	cmd.Flags().BoolVar(&flags.Watch, "watch", false, "reload server definitions when the config file changes")
	cmd.Flags().BoolVar(&flags.Detach, "detach", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "with --detach, write the background PID here")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "with --detach, append stdout/stderr here")
	return cmd
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.FileConfig, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	fc, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return fc, nil
}

// setupLogger installs the configured logger as the slog default.
func setupLogger(fc *config.FileConfig) (*slog.Logger, io.Closer, error) {
	log, closer, err := logger.New(fc.Log)
	if err != nil {
		return nil, closer, fmt.Errorf("log config: %w", err)
	}
	slog.SetDefault(log)
	return log, closer, nil
}

func runServe(ctx context.Context, path string, flags *ServeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fc, err := loadConfig(path)
	if err != nil {
		return err
	}
	if flags.Listen != "" {
		fc.Server.Listen = flags.Listen
	}
	log, closer, err := setupLogger(fc)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	panel, err := devpanel.Open(fc, log)
	if err != nil {
		return err
	}
	if fc.Server.Metrics {
		if err := panel.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("metrics registration failed", "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if (flags.Watch || fc.Orchestrator.Watch) && path != "" {
		if err := panel.Watch(ctx); err != nil {
			log.Warn("config watch disabled", "error", err)
		}
	}

	srv, err := panel.HTTPServer(ctx)
	if err != nil {
		_ = panel.Close(ctx)
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("control API listening", "addr", srv.Addr, "base_path", fc.Server.BasePath, "tls", srv.TLSConfig != nil)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if flags.StartAll {
		go func() {
			res := panel.Orchestrator.StartAll(ctx)
			if err := res.Err(); err != nil {
				log.Warn("start-all finished with failures", "error", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(sctx)
	if err := panel.Close(sctx); err != nil {
		log.Error("shutdown finished with errors", "error", err)
	}
	return serveErr
}
