package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcleod/latchkey/api"
	"github.com/jmcleod/latchkey/config"
	"github.com/jmcleod/latchkey/issuance"
	"github.com/jmcleod/latchkey/media"
	"github.com/jmcleod/latchkey/platform"
	bboltstorage "github.com/jmcleod/latchkey/storage/bbolt"
)

const ledgerFile = "ledger.db"

var serverFlagBindings = map[string]string{
	"server.port":     "port",
	"server.data_dir": "data-dir",
	"server.tls_cert": "tls-cert",
	"server.tls_key":  "tls-key",
	"log.level":       "log-level",
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the latchkey API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, serverFlagBindings)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("refusing to start: %w", err)
		}
		logger, err := cfg.Log.NewLogger(os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		handler, cleanup, err := newHandler(cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      cfg.Platform.Timeout + cfg.Media.Timeout + 15*time.Second,
			IdleTimeout:       60 * time.Second,
		}

		useTLS := cfg.Server.TLSCert != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			logger.Warn("no TLS certificate configured; serving plain HTTP, terminate TLS in front of latchkey")
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("starting server", "port", cfg.Server.Port, "data_dir", cfg.Server.DataDir, "tls", useTLS)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// newHandler wires storage, the platform client, the issuance flow and the
// media proxy into the HTTP handler. cleanup releases the ledger and drains
// the audit webhook.
func newHandler(cfg *config.Config, logger *slog.Logger) (http.Handler, func(), error) {
	if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.Server.DataDir, ledgerFile), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open issuance ledger: %w", err)
	}

	secret, err := cfg.Platform.SharedSecret()
	if err != nil {
		repo.Close()
		return nil, nil, err
	}

	client := platform.NewClient(cfg.Platform.Endpoint, cfg.Platform.ClientID, secret,
		platform.WithHTTPClient(&http.Client{Timeout: cfg.Platform.Timeout}),
		platform.WithLogger(logger),
	)
	flow := issuance.New(secret, client, client, issuance.WithLogger(logger))
	proxy := media.New(
		media.WithClientSignature(cfg.Media.UserAgent, cfg.Media.Referer),
		media.WithTimeout(cfg.Media.Timeout),
		media.WithMaxBytes(cfg.Media.MaxBytes),
		media.WithAllowedHosts(cfg.Media.AllowedHosts...),
		media.WithLogger(logger),
	)

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Error("anomaly detected", "alert", e.Type, "count", e.Count, "threshold", e.Threshold, "message", e.Message)
		}),
	}
	if cfg.Audit.WebhookURL != "" {
		opts = append(opts, api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookAuthHeader))
	}
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, api.WithRegisterer(reg))
	}
	a := api.New(flow, proxy, repo, opts...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	r.Mount("/api/v1", a.Router())

	cleanup := func() {
		a.Close()
		if err := repo.Close(); err != nil {
			logger.Warn("failed to close issuance ledger", "error", err)
		}
	}
	return r, cleanup, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntP("port", "p", config.DefaultPort, "Port to listen on")
	serverCmd.Flags().String("data-dir", config.DefaultDataDir, "Directory for the issuance ledger")
	serverCmd.Flags().String("tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().String("tls-key", "", "Path to TLS key file")
	serverCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
}
