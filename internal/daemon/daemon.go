// Package daemon builds the auto-login engine from configuration and runs it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/marcus-qen/portalkombat/internal/config"
	"github.com/marcus-qen/portalkombat/internal/controller"
	"github.com/marcus-qen/portalkombat/internal/credentials"
	"github.com/marcus-qen/portalkombat/internal/login"
	"github.com/marcus-qen/portalkombat/internal/netenv"
	"github.com/marcus-qen/portalkombat/internal/portal"
	"github.com/marcus-qen/portalkombat/internal/probe"
	"github.com/marcus-qen/portalkombat/internal/status"
	"github.com/marcus-qen/portalkombat/internal/telemetry"
)

// Options carries dependencies that tests and the CLI may override.
type Options struct {
	Version string
	// Runner executes OS network queries. Nil uses os/exec.
	Runner netenv.Runner
	// Transport is shared by the probe and login sessions. Nil uses a
	// fresh transport per component.
	Transport http.RoundTripper
	// Cipher seals stored secrets. Nil loads or creates the keyfile in
	// the data dir.
	Cipher credentials.Cipher
}

// Daemon owns every long-lived component.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *zap.Logger

	provider   netenv.Provider
	watcher    *netenv.Watcher
	store      *credentials.Store
	publisher  *status.Publisher
	controller *controller.Controller

	closeOnce sync.Once
}

// New builds the daemon. Nothing runs until Run is called.
func New(cfg *config.Config, opts Options, logger *zap.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	provider, err := netenv.NewProvider(netenv.Options{
		Provider:  cfg.Network.Provider,
		Interface: cfg.Network.Interface,
		SSID:      cfg.Network.SSID,
		BSSID:     cfg.Network.BSSID,
	}, opts.Runner)
	if err != nil {
		return nil, err
	}

	prober, err := probe.New(probe.Config{
		CheckURL:       cfg.ConnectivityCheckURL,
		ExpectedStatus: cfg.ExpectedStatus,
		ExpectedBody:   cfg.ExpectedBody,
		Timeout:        cfg.ProbeTimeout(),
	}, opts.Transport, logger)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}

	strategies, err := login.DefaultRegistry().Resolve(cfg.Strategies)
	if err != nil {
		return nil, fmt.Errorf("strategies: %w", err)
	}
	session, err := login.NewSession(login.Config{
		FallbackURL:      cfg.FallbackURL,
		RedirectHopLimit: cfg.RedirectHopLimit,
		Timeout:          cfg.LoginTimeout(),
		Strategies:       strategies,
		Transport:        opts.Transport,
	}, prober, logger)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	cipher := opts.Cipher
	if cipher == nil {
		kc, err := credentials.LoadOrCreateKeyfile(cfg.KeyPath())
		if err != nil {
			return nil, err
		}
		cipher = kc
	}
	store, err := credentials.NewStore(cfg.DBPath(), cipher)
	if err != nil {
		return nil, err
	}

	schedule, err := cfg.Schedule()
	if err != nil {
		store.Close()
		return nil, err
	}
	publisher := status.NewPublisher(cfg.HistorySize, logger)
	ctrl, err := controller.New(controller.Config{
		Schedule:   schedule,
		Interval:   cfg.ProbeInterval(),
		MaxRetries: cfg.MaxRetries,
		Backoff: controller.Backoff{
			Base: cfg.BackoffBase(),
			Max:  cfg.BackoffMax(),
		},
		LoginTimeout: cfg.LoginTimeout(),
		ProbeOnStart: true,
	}, controller.Deps{
		Network:     provider,
		Prober:      prober,
		Credentials: store,
		Login:       session,
		Publisher:   publisher,
	}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Daemon{
		cfg:        cfg,
		opts:       opts,
		logger:     logger.Named("daemon"),
		provider:   provider,
		watcher:    netenv.NewWatcher(provider, cfg.PollInterval(), logger.Named("netenv")),
		store:      store,
		publisher:  publisher,
		controller: ctrl,
	}, nil
}

// Run seeds configured profiles, then runs the controller and the network
// watcher until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	shutdownTracing, err := telemetry.InitTraceProvider(ctx, d.cfg.TracingEndpoint, d.opts.Version)
	if err != nil {
		d.logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			d.logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	if err := d.SeedProfiles(ctx); err != nil {
		return err
	}

	d.logger.Info("starting portalkombat daemon",
		zap.String("version", d.opts.Version),
		zap.String("check_url", d.cfg.ConnectivityCheckURL),
		zap.String("network_provider", d.cfg.Network.Provider),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.watcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.forwardChanges(ctx)
	}()

	err = d.controller.Run(ctx)
	wg.Wait()
	d.logger.Info("daemon stopped")
	return err
}

func (d *Daemon) forwardChanges(ctx context.Context) {
	for change := range d.watcher.Changes() {
		if err := d.controller.NetworkChanged(ctx, change.Current); err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("network change not delivered", zap.Error(err))
			}
			return
		}
	}
}

// SeedProfiles writes config-file profiles the store does not yet hold.
// A seed whose secret cannot be resolved is skipped with a warning.
func (d *Daemon) SeedProfiles(ctx context.Context) error {
	for _, seed := range d.cfg.Profiles {
		id := portal.NetworkIdentity{SSID: seed.SSID, BSSID: seed.BSSID}
		ok, err := d.store.Has(ctx, id)
		if err != nil {
			return fmt.Errorf("seed %s: %w", id, err)
		}
		if ok {
			continue
		}
		secret, err := seed.ResolveSecret()
		if err != nil {
			d.logger.Warn("skipping profile seed", zap.Stringer("network", id), zap.Error(err))
			continue
		}
		if err := d.store.Put(ctx, credentials.Profile{
			Network:   id,
			Username:  seed.Username,
			Secret:    credentials.NewSecret(secret),
			FormHints: seed.FormHints,
		}); err != nil {
			return fmt.Errorf("seed %s: %w", id, err)
		}
		d.logger.Info("seeded credential profile", zap.Stringer("network", id), zap.String("username", seed.Username))
	}
	return nil
}

// Status returns the current connection status.
func (d *Daemon) Status() portal.ConnectionStatus { return d.publisher.Current() }

// History returns recent login attempts, oldest first.
func (d *Daemon) History() []portal.LoginAttempt { return d.publisher.History() }

// Subscribe registers a status observer.
func (d *Daemon) Subscribe(fn func(portal.ConnectionStatus)) *status.Subscription {
	return d.publisher.Subscribe(fn)
}

// Credentials lists stored profiles without secrets.
func (d *Daemon) Credentials(ctx context.Context) ([]credentials.Summary, error) {
	return d.store.List(ctx)
}

// Close releases the store and ends every subscription.
func (d *Daemon) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.publisher.Close()
		err = d.store.Close()
	})
	return err
}
