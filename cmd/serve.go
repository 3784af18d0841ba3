package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/helix-engine/helix/internal/api"
	"github.com/helix-engine/helix/internal/block"
	"github.com/helix-engine/helix/internal/config"
	"github.com/helix-engine/helix/internal/herrors"
	"github.com/helix-engine/helix/internal/kvcache"
	"github.com/helix-engine/helix/internal/metrics"
	"github.com/helix-engine/helix/internal/pipeline"
	"github.com/helix-engine/helix/internal/runtimeadapter"
	"github.com/helix-engine/helix/internal/scheduler"
)

var (
	configPath   string
	listenAddr   string
	logLevel     string
	shutdownWait time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the inference engine's HTTP surface",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to engine config YAML (optional; defaults used if unset)")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "override the config's listen_addr")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().DurationVar(&shutdownWait, "shutdown-timeout", 30*time.Second, "time to wait for in-flight requests to drain on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return herrors.Wrap(herrors.Input, "parsing --log level", err)
	}
	logrus.SetLevel(level)

	engineCfg := config.DefaultEngineConfig()
	if configPath != "" {
		engineCfg, err = config.LoadEngineConfig(configPath)
		if err != nil {
			return err
		}
	}
	if listenAddr != "" {
		engineCfg.ListenAddr = listenAddr
	}

	runtime := runtimeadapter.NewStubRuntime(engineCfg.VocabSize, engineCfg.EOSToken, engineCfg.Seed)
	cache := kvcache.NewPagedKVCache(block.NewAllocator(engineCfg.NBlocks), int64(engineCfg.BlockSize))
	reg := metrics.New()
	p := pipeline.New(runtime, cache, reg,
		time.Duration(engineCfg.PrefillDeadlineSeconds*float64(time.Second)),
		time.Duration(engineCfg.DecodeDeadlineSeconds*float64(time.Second)))
	sched := scheduler.New(p, engineCfg.AdmissionRatePerSec, engineCfg.AdmissionQueueDepth)
	server := api.New(sched, reg, cache, engineCfg)

	httpServer := &http.Server{Addr: engineCfg.ListenAddr, Handler: server.Router()}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logrus.WithField("addr", engineCfg.ListenAddr).Info("serving")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logrus.Info("shutdown signal received, draining in-flight requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return err
	}
}
