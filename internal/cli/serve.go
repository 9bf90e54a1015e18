package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/payrecon/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	NoPoller bool

	// Listening is called with the bound address once the server accepts
	// connections (for testing).
	Listening func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway and the reconciliation poller",
		Long: `Start the HTTP gateway (webhooks, admin API, health, metrics) and the
background poller, and run until SIGINT or SIGTERM.

Example:
  PAYRECON_PROCESSOR_TOKEN=... payrecon serve --config payrecon.yaml
  payrecon serve --db ./payrecon.db --addr :9090 --no-poller`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.NoPoller, "no-poller", false, "do not run the background poller")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	a, err := newApp(ctx, cmd, opts.RootOptions, needServer)
	if err != nil {
		return err
	}
	defer a.Close()
	slog.SetDefault(a.logger)

	cfg := a.cfg
	addr := cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	srv := server.New(a.engine, a.repo, a.client, a.resolver, server.Options{
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		WebhookSecret:  cfg.Server.WebhookSecret,
		AdminToken:     cfg.Server.AdminToken,
		WebhookWorkers: cfg.Server.WebhookWorkers,
	},
		server.WithMetrics(a.metrics),
		server.WithLogger(a.logger),
	)
	httpServer := &http.Server{
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "listen", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Poller.Enabled && !opts.NoPoller {
		p := a.newPoller()
		g.Go(func() error {
			if err := p.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("poller: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		srv.Drain()
		return nil
	})

	a.logger.Info("server started", "addr", ln.Addr().String(), "poller", cfg.Poller.Enabled && !opts.NoPoller,
		"store", cfg.Store.Driver, "processor", a.client.String())
	if opts.Listening != nil {
		opts.Listening(ln.Addr().String())
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "serve", err)
	}
	a.logger.Info("server stopped gracefully")
	return nil
}
