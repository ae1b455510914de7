package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/roach88/crmsync/internal/config"
	"github.com/roach88/crmsync/internal/engine"
	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/remote"
	"github.com/roach88/crmsync/internal/store"
)

// userAgent identifies crmsync to the CRM.
const userAgent = "crmsync"

// app is a fully wired deployment: config, logger, store, remote client
// and engine.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
	client remote.Client
	engine *engine.Engine

	closers []func() error
}

// openApp loads the configuration and wires the engine. The caller must
// Close the app.
func openApp(ctx context.Context, cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := setupLogging(opts, cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	a := &app{cfg: cfg, logger: logger, closers: []func() error{closeLog}}

	registry, err := loadRegistry(cfg.MappingsDir)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load mappings", err)
	}

	logger.Debug("opening store", "path", cfg.DB)
	st, err := store.Open(cfg.DB)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	client, err := newRemoteClient(ctx, cfg.Remote)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create remote client", err)
	}
	a.client = client

	engineOpts := []engine.Option{
		engine.WithSettings(engineSettings(cfg)),
		engine.WithLogger(logger),
	}
	if cfg.QueueDSN != "" {
		pq, err := store.NewPostgresPushQueue(cfg.QueueDSN)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open push queue", err)
		}
		a.closers = append(a.closers, pq.Close)
		engineOpts = append(engineOpts, engine.WithPushBackend(pq))
		logger.Debug("push queue on postgres")
	}

	a.engine = engine.New(st, client, st.Entities(), registry, engineOpts...)
	logger.Debug("engine ready", "mappings", registry.Len(), "remote_mode", cfg.Remote.Mode)
	return a, nil
}

// Close releases everything openApp acquired, last opened first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func loadRegistry(dir string) (*mapping.Registry, error) {
	defs, err := mapping.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return mapping.NewRegistry(defs)
}

func engineSettings(cfg config.Config) engine.Settings {
	return engine.Settings{
		PushLimit:        cfg.Push.Limit,
		PushMaxFails:     cfg.Push.MaxFails,
		PushLease:        cfg.Push.Lease,
		PushProcessor:    cfg.Push.Processor,
		PullLimit:        cfg.Pull.Limit,
		PullMaxQueueSize: cfg.Pull.MaxQueueSize,
		PullMaxFails:     cfg.Pull.MaxFails,
		PullLease:        cfg.Pull.Lease,
		RevisionLimit:    cfg.Revisions.Limit,
		ValidatePayloads: cfg.Remote.ValidatePayloads,
		MappingsDir:      cfg.MappingsDir,
	}
}

// newRemoteClient returns the in-memory CRM in memory mode, otherwise a
// REST client authenticated with the OAuth2 client credentials flow.
func newRemoteClient(ctx context.Context, cfg config.RemoteConfig) (remote.Client, error) {
	if cfg.Mode == config.RemoteModeMemory {
		return remote.NewMemoryClient(nil), nil
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("remote.token_url is required in %s mode", cfg.Mode)
	}
	credentials := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	return remote.NewRESTClient(remote.RESTOptions{
		BaseURL:     cfg.BaseURL,
		APIVersion:  cfg.APIVersion,
		TokenSource: credentials.TokenSource(context.WithoutCancel(ctx)),
		UserAgent:   userAgent,
		MaxRetries:  cfg.MaxRetries,
	})
}
