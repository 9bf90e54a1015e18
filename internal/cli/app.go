package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/payrecon/internal/config"
	"github.com/roach88/payrecon/internal/engine"
	"github.com/roach88/payrecon/internal/metrics"
	"github.com/roach88/payrecon/internal/poller"
	"github.com/roach88/payrecon/internal/processor"
	"github.com/roach88/payrecon/internal/resolver"
	"github.com/roach88/payrecon/internal/store"
	"github.com/roach88/payrecon/internal/store/postgres"
)

// needs selects which parts of the configuration a command validates and
// which components it builds.
type needs int

const (
	needStore needs = 1 << iota
	needProcessor
	needServer
)

// app is the wired component graph shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	repo     store.Repository
	client   *processor.Client
	resolver *resolver.Resolver
	engine   *engine.Engine
}

// loadConfig reads configuration and applies the global flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Database != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.Path = opts.Database
	}
	return cfg, nil
}

func validate(cfg *config.Config, n needs) error {
	if n&needServer != 0 {
		return cfg.Validate()
	}
	errs := []error{cfg.Log.Validate()}
	if n&needStore != 0 {
		errs = append(errs, cfg.Store.Validate())
	}
	if n&needProcessor != 0 {
		errs = append(errs, cfg.Processor.Validate(), cfg.Engine.Validate())
	}
	return errors.Join(errs...)
}

// newApp loads configuration and builds what n asks for. The caller must
// Close the app.
func newApp(ctx context.Context, cmd *cobra.Command, opts *RootOptions, n needs) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if err := validate(cfg, n); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  cfg.Log.NewLogger(cmd.ErrOrStderr(), opts.Verbose),
		metrics: metrics.New(),
	}

	if n&(needProcessor|needServer) != 0 {
		a.client = processor.New(cfg.Processor.BaseURL, cfg.Processor.Token,
			processor.WithTimeout(cfg.Processor.Timeout),
			processor.WithObserver(a.metrics),
			processor.WithLogger(a.logger),
		)
		if a.resolver, err = newResolver(cfg.Resolver); err != nil {
			return nil, WrapExitError(ExitCommandError, "load resolver policy", err)
		}
	}

	if n&(needStore|needServer) != 0 {
		if a.repo, err = openRepository(ctx, cfg.Store); err != nil {
			return nil, WrapExitError(ExitCommandError, "open store", err)
		}
		a.logger.Debug("store ready", "driver", cfg.Store.Driver)
	}

	if a.repo != nil && a.client != nil {
		a.engine = engine.New(a.repo, a.client, a.resolver,
			engine.WithRetryPolicy(engine.RetryPolicy{
				InitialInterval:    cfg.Engine.Retry.InitialInterval,
				BackoffCoefficient: cfg.Engine.Retry.BackoffCoefficient,
				MaximumInterval:    cfg.Engine.Retry.MaximumInterval,
				MaximumAttempts:    cfg.Engine.Retry.MaximumAttempts,
			}),
			engine.WithDedupWindow(cfg.Engine.DedupWindow),
			engine.WithFetchTimeout(cfg.Processor.Timeout),
			engine.WithRecorder(a.metrics),
			engine.WithLogger(a.logger),
		)
	}
	return a, nil
}

// newPoller builds the poller over the app's engine and processor.
func (a *app) newPoller() *poller.Poller {
	c := a.cfg.Poller
	return poller.New(a.repo, a.engine, a.client, poller.Config{
		Interval:      c.Interval,
		RetryInterval: c.RetryInterval,
		StaleAfter:    c.StaleAfter,
		RecoverAfter:  c.RecoverAfter,
		OrphanWindow:  c.OrphanWindow,
		BatchSize:     c.BatchSize,
		Workers:       c.Workers,
	},
		poller.WithObserver(a.metrics),
		poller.WithLogger(a.logger),
	)
}

// Close releases the store.
func (a *app) Close() {
	if a.repo == nil {
		return
	}
	if err := a.repo.Close(); err != nil {
		a.logger.Error("error closing store", "error", err)
	}
}

func newResolver(c config.ResolverConfig) (*resolver.Resolver, error) {
	if c.PolicyFile == "" {
		return resolver.Default(), nil
	}
	p, err := resolver.LoadPolicyFile(c.PolicyFile)
	if err != nil {
		return nil, err
	}
	return resolver.New(p), nil
}

func openRepository(ctx context.Context, c config.StoreConfig) (store.Repository, error) {
	switch c.Driver {
	case "sqlite":
		s, err := store.Open(c.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.Open(ctx, c.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute (tests).
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
