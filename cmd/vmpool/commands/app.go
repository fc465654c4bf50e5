package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vmpool/vmpool/pkg/config"
	"github.com/vmpool/vmpool/pkg/engine"
	"github.com/vmpool/vmpool/pkg/ipam"
	"github.com/vmpool/vmpool/pkg/policy"
	"github.com/vmpool/vmpool/pkg/render"
	"github.com/vmpool/vmpool/pkg/runner"
	"github.com/vmpool/vmpool/pkg/stores"
	"github.com/vmpool/vmpool/pkg/telemetry"
	"github.com/vmpool/vmpool/pkg/transports/ssh"
	"github.com/vmpool/vmpool/pkg/workspace"
)

// app holds the wired service for one command invocation.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	store     *stores.SQLiteStore
	transport *ssh.Client
	policy    *policy.Engine
	engine    *engine.Engine
}

// loadConfig reads the configuration named by --config.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath
	}
	return config.Load(path)
}

// newApp loads the configuration and wires every component. The returned
// context carries the telemetry instance.
func newApp(ctx context.Context, version string) (context.Context, *app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return ctx, nil, err
	}
	if version != "" {
		cfg.Telemetry.ServiceVersion = version
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
	}
	ctx = tel.WithContext(ctx)

	if err := a.wire(ctx); err != nil {
		_ = a.close(context.Background())
		return ctx, nil, err
	}
	return ctx, a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	a.store = store

	allocator, err := ipam.NewClient(ipam.Config{
		URL:     cfg.NetBox.URL,
		Token:   cfg.NetBox.Token,
		Timeout: cfg.NetBox.Timeout,
		Tenant:  cfg.NetBox.Tenant,
		Role:    cfg.NetBox.Role,
		Retry:   cfg.Retry.Allocator,
		Logger:  a.logger,
	})
	if err != nil {
		return err
	}

	var syncer workspace.Syncer
	switch cfg.Runner.Backend {
	case "atlantis":
		g := cfg.Runner.Atlantis.Git
		gs, err := workspace.NewGitSyncer(workspace.GitConfig{
			Checkout:    g.Checkout,
			Remote:      g.Remote,
			Branch:      cfg.Runner.Atlantis.Ref,
			Username:    g.Username,
			Token:       g.Token,
			AuthorName:  g.AuthorName,
			AuthorEmail: g.AuthorEmail,
			Logger:      a.logger,
		})
		if err != nil {
			return err
		}
		syncer = gs
	case "command":
		if host := cfg.Runner.Command.Host; host != nil {
			client, err := ssh.NewClient(ssh.FromHostConfig(host, a.logger))
			if err != nil {
				return fmt.Errorf("invalid runner host: %w", err)
			}
			a.transport = client
			syncer = client
		}
	}

	materializer, err := workspace.New(workspace.Config{
		Root:          cfg.Workspace.Root,
		ModuleSource:  cfg.Workspace.ModuleSource,
		ModuleVersion: cfg.Workspace.ModuleVersion,
		Syncer:        syncer,
		Logger:        a.logger,
	})
	if err != nil {
		return err
	}

	var gate runner.PolicyGate
	if cfg.Policy.Enabled {
		pe, err := policy.NewEngine(a.logger)
		if err != nil {
			return err
		}
		if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
		a.policy = pe
		gate = pe
	}

	var transport ssh.Transport
	if a.transport != nil {
		transport = a.transport
	}
	gateway, err := runner.FromConfig(cfg.Runner, transport, gate, a.logger)
	if err != nil {
		return err
	}

	a.engine = engine.New(
		store,
		render.New(cfg.Environments, cfg.Naming.MaxNumber),
		allocator,
		materializer,
		gateway,
		engine.Options{
			PlanRetry: cfg.Retry.Plan,
			Logger:    a.logger,
			Events:    telemetry.NewEngineSink(a.tel.Events),
			Metrics:   a.tel.Metrics,
			Tracer:    a.tel.Tracer.Tracer(),
		},
	)
	return nil
}

// openStore opens the database and brings its schema up to date.
func openStore(ctx context.Context, cfg config.StoreConfig) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Path, BusyTimeout: cfg.BusyTimeout})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// close waits for background work until ctx ends and releases every resource.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Shutdown(ctx))
	}
	if a.transport != nil {
		errs = append(errs, a.transport.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
