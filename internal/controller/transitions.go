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

package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/portalkombat/internal/credentials"
	"github.com/marcus-qen/portalkombat/internal/login"
	"github.com/marcus-qen/portalkombat/internal/metrics"
	"github.com/marcus-qen/portalkombat/internal/portal"
)

// event is anything the control loop consumes.
type event interface {
	apply(c *Controller)
}

type probeEvent struct {
	gen     uint64
	network *portal.NetworkIdentity
	netErr  error
	result  portal.ProbeResult
}

type profileEvent struct {
	gen     uint64
	network portal.NetworkIdentity
	profile *credentials.Profile
	err     error
}

type loginEvent struct {
	gen     uint64
	network portal.NetworkIdentity
	attempt portal.LoginAttempt
}

type triggerEvent struct {
	network *portal.NetworkIdentity
	reply   chan<- error
}

type networkEvent struct {
	current *portal.NetworkIdentity
}

func (e probeEvent) apply(c *Controller)   { c.onProbe(e) }
func (e profileEvent) apply(c *Controller) { c.onProfile(e) }
func (e loginEvent) apply(c *Controller)   { c.onLogin(e) }
func (e triggerEvent) apply(c *Controller) { e.reply <- c.onTrigger(e) }
func (e networkEvent) apply(c *Controller) { c.onNetwork(e) }

func (c *Controller) onTick() {
	switch c.phase {
	case PhaseIdle:
		c.startProbe("scheduled probe")
	case PhaseConnected:
		c.transition(PhaseIdle, "reconfirming connectivity")
		c.startProbe("scheduled probe")
	default:
		c.logger.Debug("tick ignored", zap.String("phase", string(c.phase)))
	}
}

func (c *Controller) onTrigger(e triggerEvent) error {
	if e.network != nil && c.network != nil && !c.network.Equal(*e.network) {
		return fmt.Errorf("%w: on %s, asked for %s", ErrNetworkMismatch, c.network, e.network)
	}
	if !c.phase.acceptsTrigger() {
		return fmt.Errorf("%w: %s", ErrBusy, c.phase)
	}
	c.startProbe("manual trigger")
	return nil
}

func (c *Controller) onNetwork(e networkEvent) {
	if portal.SameNetwork(c.network, e.current) {
		return
	}
	c.logger.Info("network changed",
		zap.Stringer("from", identity{c.network}),
		zap.Stringer("to", identity{e.current}),
		zap.String("phase", string(c.phase)),
	)
	c.cancelInflight()
	c.stopRetry()
	c.network = e.current
	c.lastAttempt = nil
	if c.phase != PhaseIdle {
		c.transition(PhaseIdle, "network changed")
	}
	c.startProbe("network changed")
}

func (c *Controller) onRetry() {
	if c.phase != PhaseCooldown {
		return
	}
	c.startLogin()
}

// startProbe begins a new cycle: Probing, with a probe worker.
func (c *Controller) startProbe(cause string) {
	ctx := c.newCycle()
	gen := c.gen
	c.stopRetry()
	c.attempt = 0
	c.profile = nil
	c.redirect = nil
	c.deferred = false
	c.transition(PhaseProbing, cause)

	go func() {
		network, netErr := c.deps.Network.Current(ctx)
		var result portal.ProbeResult
		if c.radioOff(ctx) {
			result = portal.ProbeResult{
				State:    portal.ProbeOffline,
				ProbedAt: time.Now(),
				Failure:  portal.FailureRadioOff,
			}
		} else {
			result = c.deps.Prober.Probe(ctx)
		}
		c.post(probeEvent{gen: gen, network: network, netErr: netErr, result: result})
	}()
}

func (c *Controller) radioOff(ctx context.Context) bool {
	if c.radio == nil {
		return false
	}
	on, err := c.radio.AdapterOn(ctx)
	if err != nil {
		c.logger.Debug("radio state unavailable", zap.Error(err))
		return false
	}
	return !on
}

func (c *Controller) onProbe(e probeEvent) {
	if e.gen != c.gen || c.phase != PhaseProbing {
		c.logger.Debug("dropping stale probe result", zap.Uint64("gen", e.gen), zap.Uint64("current_gen", c.gen))
		return
	}
	if e.netErr == nil {
		c.network = e.network
	} else {
		c.logger.Debug("current network unavailable", zap.Error(e.netErr))
	}

	switch e.result.State {
	case portal.ProbeOnline:
		c.transition(PhaseConnected, "online")
	case portal.ProbeOffline:
		c.transition(PhaseIdle, "offline: "+string(e.result.Failure))
	case portal.ProbeCaptivePortal:
		c.redirect = e.result.RedirectTarget
		if c.network == nil {
			c.transition(PhaseFailed, "captive portal on an unidentified network; manual login required")
			return
		}
		id, gen, ctx := *c.network, c.gen, c.cycleCtx
		go func() {
			p, err := c.deps.Credentials.Get(ctx, id)
			c.post(profileEvent{gen: gen, network: id, profile: p, err: err})
		}()
	}
}

func (c *Controller) onProfile(e profileEvent) {
	if e.gen != c.gen || c.phase != PhaseProbing || c.network == nil || !c.network.Equal(e.network) {
		c.logger.Debug("dropping stale credential lookup", networkField(&e.network))
		return
	}
	if e.err != nil || e.profile == nil {
		reason := "no credentials for " + e.network.SSID + "; manual login required"
		if e.err != nil && !errors.Is(e.err, credentials.ErrNotFound) {
			c.logger.Warn("credential lookup failed", networkField(&e.network), zap.Error(e.err))
			reason = "credential lookup failed; manual login required"
		}
		c.transition(PhaseFailed, reason)
		return
	}

	c.profile = e.profile
	c.transition(PhaseAwaitingCredentials, "captive portal detected")
	c.startLogin()
}

// startLogin moves to LoggingIn and launches the attempt, unless an
// attempt from an earlier cycle is still running against the same
// network; then the launch waits for that attempt's result.
func (c *Controller) startLogin() {
	c.attempt++
	c.transition(PhaseLoggingIn, fmt.Sprintf("attempt %d of %d", c.attempt, c.cfg.MaxRetries))

	if c.inflight[c.network.Key()] {
		c.deferred = true
		c.logger.Info("waiting for previous login attempt to finish", networkField(c.network))
		return
	}
	c.launchLogin()
}

func (c *Controller) launchLogin() {
	c.deferred = false
	id, gen, ctx := *c.network, c.gen, c.cycleCtx
	req := login.Request{
		Network:        id,
		Profile:        c.profile,
		RedirectTarget: c.redirect,
		AttemptNumber:  c.attempt,
		Timeout:        c.cfg.LoginTimeout,
	}
	c.inflight[id.Key()] = true
	metrics.ActiveLogins.Inc()

	go func() {
		a := c.deps.Login.Attempt(ctx, req)
		metrics.ActiveLogins.Dec()
		c.post(loginEvent{gen: gen, network: id, attempt: a})
	}()
}

func (c *Controller) onLogin(e loginEvent) {
	delete(c.inflight, e.network.Key())

	if e.gen != c.gen || c.phase != PhaseLoggingIn || c.network == nil || !c.network.Equal(e.network) {
		c.logger.Info("discarding stale login attempt",
			networkField(&e.network),
			zap.String("attempt_id", e.attempt.ID),
			zap.String("outcome", string(e.attempt.Outcome)),
		)
		if c.deferred && c.phase == PhaseLoggingIn && c.network != nil && c.network.Key() == e.network.Key() {
			c.launchLogin()
		}
		return
	}

	a := e.attempt
	c.lastAttempt = &a
	c.deps.Publisher.RecordAttempt(a)

	if a.Succeeded() {
		c.attempt = 0
		c.transition(PhaseConnected, "logged in")
		return
	}

	reason := fmt.Sprintf("attempt %d failed: %s", c.attempt, a.Outcome)
	if c.attempt >= c.cfg.MaxRetries {
		c.transition(PhaseCooldown, reason)
		c.transition(PhaseFailed, fmt.Sprintf("gave up after %d attempts: %s", c.attempt, a.Outcome))
		return
	}

	delay := c.cfg.Backoff.Delay(c.attempt)
	at := c.now().Add(delay).UTC()
	c.nextRetry = &at
	c.transition(PhaseCooldown, reason)
	c.retry = time.NewTimer(delay)
}

// transition moves to phase `to` and publishes the resulting status.
func (c *Controller) transition(to Phase, reason string) {
	from := c.phase
	c.phase = to
	c.reason = reason
	if to != PhaseCooldown {
		c.nextRetry = nil
	}

	st := c.deps.Publisher.Publish(c.snapshot())
	metrics.RecordTransition(string(from), string(to))
	c.logger.Info("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		networkField(c.network),
		zap.String("reason", reason),
		zap.Uint64("seq", st.Seq),
	)
}

func (c *Controller) snapshot() portal.ConnectionStatus {
	st := portal.ConnectionStatus{
		State:          c.phase.ConnectionState(),
		Phase:          string(c.phase),
		CurrentNetwork: c.network,
		LastAttempt:    c.lastAttempt,
		Reason:         c.reason,
		NextRetryAt:    c.nextRetry,
		UpdatedAt:      c.now().UTC(),
	}
	return st.Clone()
}

type identity struct{ n *portal.NetworkIdentity }

func (i identity) String() string {
	if i.n == nil {
		return "<none>"
	}
	return i.n.String()
}
