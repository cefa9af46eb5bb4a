/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package controller drives the captive portal auto-login state machine.
//
// A single control loop owns every piece of controller state. Probes,
// credential lookups and login attempts run on worker goroutines and post
// their results back to the loop tagged with the cycle generation and the
// network they targeted; results from an older generation are dropped.
package controller

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/portalkombat/internal/credentials"
	"github.com/marcus-qen/portalkombat/internal/login"
	"github.com/marcus-qen/portalkombat/internal/portal"
)

var (
	// ErrBusy is returned by Trigger while a probe or login cycle is running.
	ErrBusy = errors.New("controller busy")
	// ErrNetworkMismatch is returned by Trigger for a network the device is not on.
	ErrNetworkMismatch = errors.New("requested network is not the current network")
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("controller stopped")
)

const DefaultInterval = 30 * time.Second

// NetworkSource reports the network the device is attached to.
type NetworkSource interface {
	Current(ctx context.Context) (*portal.NetworkIdentity, error)
}

// Radio is optionally implemented by a NetworkSource. A radio that is
// off short-circuits the probe to Offline.
type Radio interface {
	AdapterOn(ctx context.Context) (bool, error)
}

// Prober classifies connectivity.
type Prober interface {
	Probe(ctx context.Context) portal.ProbeResult
}

// CredentialSource looks up the decrypted profile for a network.
type CredentialSource interface {
	Get(ctx context.Context, id portal.NetworkIdentity) (*credentials.Profile, error)
}

// LoginRunner performs one login attempt.
type LoginRunner interface {
	Attempt(ctx context.Context, req login.Request) portal.LoginAttempt
}

// Publisher receives every transition and finished attempt.
type Publisher interface {
	Publish(st portal.ConnectionStatus) portal.ConnectionStatus
	RecordAttempt(a portal.LoginAttempt)
}

// Config tunes the controller.
type Config struct {
	// Schedule drives periodic probes. Nil means every Interval.
	Schedule cron.Schedule
	Interval time.Duration

	MaxRetries   int
	Backoff      Backoff
	LoginTimeout time.Duration

	// ProbeOnStart runs a probe cycle as soon as Run starts.
	ProbeOnStart bool
}

// Deps are the controller's collaborators.
type Deps struct {
	Network     NetworkSource
	Prober      Prober
	Credentials CredentialSource
	Login       LoginRunner
	Publisher   Publisher
}

// Controller is the auto-login state machine.
type Controller struct {
	cfg    Config
	deps   Deps
	radio  Radio
	logger *zap.Logger
	now    func() time.Time

	events  chan event
	stopped chan struct{}

	// Loop-owned state below; never touched outside Run.
	runCtx      context.Context
	phase       Phase
	gen         uint64
	network     *portal.NetworkIdentity
	cycleCtx    context.Context
	cancelWork  context.CancelFunc
	attempt     int
	profile     *credentials.Profile
	redirect    *url.URL
	lastAttempt *portal.LoginAttempt
	reason      string
	nextRetry   *time.Time
	retry       *time.Timer
	inflight    map[string]bool
	deferred    bool
}

// New validates cfg and builds a Controller. Call Run to start it.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Controller, error) {
	if deps.Network == nil || deps.Prober == nil || deps.Credentials == nil || deps.Login == nil || deps.Publisher == nil {
		return nil, errors.New("controller requires network, prober, credentials, login and publisher")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Schedule == nil {
		cfg.Schedule = cron.Every(cfg.Interval)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff.Base = DefaultBackoffBase
	}
	if cfg.Backoff.Max == 0 {
		cfg.Backoff.Max = DefaultBackoffMax
	}
	if err := cfg.Backoff.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.Named("controller"),
		now:      time.Now,
		events:   make(chan event, 32),
		stopped:  make(chan struct{}),
		phase:    PhaseIdle,
		inflight: make(map[string]bool),
	}
	if r, ok := deps.Network.(Radio); ok {
		c.radio = r
	}
	return c, nil
}

// Run drives the state machine until ctx is cancelled. In-flight work is
// cancelled on return.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)
	c.runCtx = ctx

	tick := time.NewTimer(c.untilNextTick())
	defer tick.Stop()

	c.logger.Info("auto-login controller started",
		zap.Int("max_retries", c.cfg.MaxRetries),
		zap.Duration("backoff_base", c.cfg.Backoff.Base),
		zap.Duration("backoff_max", c.cfg.Backoff.Max),
	)
	if c.cfg.ProbeOnStart {
		c.startProbe("startup")
	}

	for {
		select {
		case <-ctx.Done():
			c.cancelInflight()
			c.stopRetry()
			c.logger.Info("auto-login controller stopped")
			return nil

		case <-tick.C:
			c.onTick()
			tick.Reset(c.untilNextTick())

		case <-c.retryC():
			c.retry = nil
			c.onRetry()

		case ev := <-c.events:
			ev.apply(c)
		}
	}
}

// Trigger asks for an immediate probe cycle. network may be nil; when set
// it must match the current network.
func (c *Controller) Trigger(ctx context.Context, network *portal.NetworkIdentity) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, triggerEvent{network: network, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NetworkChanged reports a change notification from the OS.
func (c *Controller) NetworkChanged(ctx context.Context, current *portal.NetworkIdentity) error {
	var id *portal.NetworkIdentity
	if current != nil {
		n := *current
		id = &n
	}
	return c.send(ctx, networkEvent{current: id})
}

func (c *Controller) send(ctx context.Context, ev event) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers a worker result unless the loop has exited.
func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

func (c *Controller) untilNextTick() time.Duration {
	now := c.now()
	next := c.cfg.Schedule.Next(now)
	if next.IsZero() {
		return c.cfg.Interval
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return time.Millisecond
}

func (c *Controller) retryC() <-chan time.Time {
	if c.retry == nil {
		return nil
	}
	return c.retry.C
}

func (c *Controller) stopRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Controller) cancelInflight() {
	if c.cancelWork != nil {
		c.cancelWork()
		c.cancelWork = nil
	}
}

// newCycle cancels any earlier cycle's workers and returns the context
// for the new one.
func (c *Controller) newCycle() context.Context {
	c.cancelInflight()
	c.gen++
	c.cycleCtx, c.cancelWork = context.WithCancel(c.runCtx)
	return c.cycleCtx
}

func networkField(n *portal.NetworkIdentity) zap.Field {
	return zap.Stringer("network", identity{n})
}
