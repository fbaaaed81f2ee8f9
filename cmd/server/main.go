package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"polyrun/internal/config"
	"polyrun/internal/langs"
	"polyrun/internal/logger"
	"polyrun/internal/observer"
	"polyrun/internal/process"
	"polyrun/internal/realtime"
	"polyrun/internal/session"
	"polyrun/internal/store"
	"polyrun/internal/watcher"
	"polyrun/internal/workspace"
)

func main() {
	// Re-executed limiter children never get past this call.
	process.InitLimiter()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "polyrun-server",
		Short:        "Multi-language execution backend",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func loadRegistry(cfg config.Config) (*langs.Registry, error) {
	if cfg.Languages.File != "" {
		return langs.LoadFile(cfg.Languages.File)
	}
	return langs.Default()
}

func openHistory(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.History.Backend == "redis" {
		rs, err := store.DialRedis(ctx, cfg.History.Redis)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	}
	return store.NewMemoryStore(cfg.History.Size), func() {}, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	registry, err := loadRegistry(cfg)
	if err != nil {
		return err
	}

	workspaces, err := workspace.NewManager(cfg.Workspace.Root)
	if err != nil {
		return err
	}
	if n, err := workspaces.PurgeOrphans(); err != nil {
		log.Warn("purge orphaned workspaces", zap.Error(err))
	} else if n > 0 {
		log.Info("purged orphaned workspaces", zap.Int("count", n))
	}

	history, closeHistory, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeHistory()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observer.NewPrometheusRecorder(promReg)
	if err != nil {
		return err
	}

	orch := process.New(cfg.Process, log.Named("process"))

	// The watcher callback is bound once the realtime server exists.
	var rtServer *realtime.Server
	fileWatch := watcher.New(cfg.Server.WatchDebounce, func(sessionID string, fileCount int) {
		if rtServer != nil {
			rtServer.OnFileUpdate(sessionID, fileCount)
		}
	}, log.Named("watcher"))

	sessMgr := session.NewManager(cfg.Sessions, registry, workspaces, orch,
		session.WithLogger(log.Named("session")),
		session.WithMetrics(metrics),
		session.WithHistory(history),
		session.WithTeardownHook(func(s session.Session) {
			fileWatch.Unwatch(s.ID)
		}),
	)

	rtServer = realtime.New(sessMgr, registry, fileWatch,
		realtime.WithLogger(log.Named("realtime")),
		realtime.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
		realtime.WithStaticDir(cfg.Server.StaticDir),
	)

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: rtServer.Handler(),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	log.Info("polyrun server listening",
		zap.String("addr", cfg.Addr()),
		zap.Int("languages", registry.Len()),
		zap.String("workspace_root", workspaces.Root()),
		zap.String("history", cfg.History.Backend),
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownWait)
	defer cancel()

	rtServer.Close()
	if err := sessMgr.Shutdown(shutdownCtx); err != nil {
		log.Warn("session shutdown incomplete", zap.Error(err))
	}
	fileWatch.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
