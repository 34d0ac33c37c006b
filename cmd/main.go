package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/api"
	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
	"github.com/akylbek/payment-system/payment-reconciler/internal/handlers"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "payment-reconciler",
		Short:         "Payment orchestration and reconciliation service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(checkConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var noSweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook receiver and background sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(noSweep)
		},
	}
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the reconciliation sweeper in this process")
	return cmd
}

func runServe(noSweep bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, shutdownTracing, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer shutdownTracing(context.Background())

	logger.Info("Starting payment reconciler", zap.String("version", Version))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to assemble service", zap.Error(err))
		return err
	}
	defer a.Close()

	if !noSweep {
		go a.sweeper.Run(ctx)
	}

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(
		handlers.NewPaymentHandler(a.orchestrator, a.reconciler, a.combined, a.repo, a.hub, logger),
		handlers.NewWebhookHandler(a.webhooks, cfg.Gateway.Provider, logger),
		a.store,
		logger,
	)

	// Setup HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Payment reconciler listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("Failed to start server", zap.Error(err))
		return err
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
	return nil
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger, shutdownTracing, err := initTelemetry(ctx, cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer shutdownTracing(context.Background())

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the environment configuration without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("configuration invalid:\n%w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "env:          %s (debug=%t)\n", cfg.Env, cfg.DebugMode)
			fmt.Fprintf(out, "gateway:      %s %s\n", cfg.Gateway.Provider, cfg.Gateway.BaseURL)
			fmt.Fprintf(out, "client id:    %s\n", mask(cfg.Gateway.Credentials.ClientID))
			fmt.Fprintf(out, "currency:     %s\n", cfg.Currency)
			fmt.Fprintf(out, "timeout:      %s\n", cfg.PaymentTimeout)
			fmt.Fprintf(out, "retry:        %d attempts, %s base, x%.1f\n", cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.Multiplier)
			fmt.Fprintf(out, "webhook:      window %s, dedup %s\n", cfg.Webhook.FreshnessWindow, cfg.Webhook.DedupTTL)
			fmt.Fprintf(out, "sweep:        every %s, stale after %s\n", cfg.Sweep.Interval, cfg.Sweep.StaleAfter)
			fmt.Fprintln(out, "configuration OK")
			return nil
		},
	}
}
