package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"mail-gateway/internal/config"
	"mail-gateway/internal/gateway"
	"mail-gateway/internal/logging"
	"mail-gateway/internal/models"
	"mail-gateway/internal/relay"
	"mail-gateway/internal/retrieval"
	"mail-gateway/internal/store"

	"github.com/spf13/cobra"
)

func main() {
	var configPath, addr string

	rootCmd := &cobra.Command{
		Use:          "mail-gateway",
		Short:        "HTTP gateway for sending mail over SMTP and reading unseen mail over IMAP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := logging.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// buildGateway wires every subsystem whose configuration is valid.
// A broken relay or mailbox setting disables only that subsystem.
func buildGateway(cfg *models.Config) *gateway.Gateway {
	opts := gateway.Options{
		From:  cfg.Relay.From,
		Store: store.NewFileStore(cfg.Store.Path),
	}

	if err := config.ValidateRelay(cfg.Relay); err != nil {
		logging.Log.WithError(err).Warn("Relay disabled")
	} else {
		opts.Relay = relay.NewSMTPRelay(cfg.Relay)
	}

	if err := config.ValidateRetrieval(cfg.Retrieval); err != nil {
		logging.Log.WithError(err).Warn("Retrieval disabled")
	} else {
		opts.Retriever = retrieval.NewStandardRetriever(cfg.Retrieval, retrieval.NewLocker())
	}

	return gateway.New(opts)
}

func serve(ctx context.Context, cfg *models.Config) error {
	g := buildGateway(cfg)
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: gateway.NewHandler(g),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Log.WithField("addr", cfg.Server.Addr).
			WithField("status", g.Status()).
			Info("Mail gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logging.Log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
