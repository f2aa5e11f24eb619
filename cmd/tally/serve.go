package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Veraticus/tally/internal/api"
	"github.com/Veraticus/tally/internal/certs"
	"github.com/Veraticus/tally/internal/config"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the classification API over HTTP",
		Long: `Start the HTTP API. Endpoints:

  POST /api/v1/classify
  POST /api/v1/correct
  POST /api/v1/counterfactual
  GET  /api/v1/transactions/:id/evidence
  GET  /health
  GET  /metrics`,
		RunE: runServe,
	}
	cmd.Flags().String("host", "", "listen host (overrides server.host)")
	cmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	cmd.Flags().Bool("tls", false, "serve HTTPS with a self-signed localhost certificate")
	_ = viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := api.NewServer(a.engine, slog.Default(), api.Config{
		Host: a.cfg.Server.Host,
		Port: a.cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	start := server.Start
	if useTLS, _ := cmd.Flags().GetBool("tls"); useTLS {
		cert, err := certs.NewFileManager(certDir()).GetOrCreateCertificate()
		if err != nil {
			return fmt.Errorf("failed to prepare certificate: %w", err)
		}
		start = func() error { return server.StartTLS(cert) }
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-cmd.Context().Done():
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// certDir holds the localhost certificate next to the config file.
func certDir() string {
	return config.ExpandPath("~/.config/tally/certs")
}
