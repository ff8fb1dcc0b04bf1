package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alexlavriv/ota-agent/internal/config"
	"github.com/alexlavriv/ota-agent/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reconciliation loop and command listener until signalled to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadCLIConfig()
		if err != nil {
			return err
		}
		logger := logging.New(cfg.Log)

		a, err := buildAgent(cfg, logger, version)
		if err != nil {
			return fmt.Errorf("build agent: %w", err)
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Warn("shutdown: closing agent resources failed", "error", err)
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go a.Orchestrator.Run(ctx)

		var metricsServer *http.Server
		if cfg.Listener.MetricsPort > 0 {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
			metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Listener.MetricsPort), Handler: mux}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "error", err)
				}
			}()
			go func() {
				<-ctx.Done()
				_ = metricsServer.Close()
			}()
		}

		sanitized := config.NewDefaultConfigSanitizer().Sanitize(cfg)
		logger.Info("agent starting", "version", version, "config", sanitized)
		if err := a.Listener.ListenAndServe(ctx); err != nil {
			return fmt.Errorf("command listener: %w", err)
		}
		logger.Info("agent stopped")
		return nil
	},
}
