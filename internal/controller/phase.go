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

import "github.com/marcus-qen/portalkombat/internal/portal"

// Phase is a state of the auto-login state machine.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseProbing             Phase = "probing"
	PhaseAwaitingCredentials Phase = "awaiting_credentials"
	PhaseLoggingIn           Phase = "logging_in"
	PhaseCooldown            Phase = "cooldown"
	PhaseConnected           Phase = "connected"
	PhaseFailed              Phase = "failed"
)

// ConnectionState maps the phase onto the coarse state shown to observers.
func (p Phase) ConnectionState() portal.ConnectionState {
	switch p {
	case PhaseProbing:
		return portal.StateProbing
	case PhaseAwaitingCredentials, PhaseLoggingIn, PhaseCooldown:
		return portal.StateLoggingIn
	case PhaseConnected:
		return portal.StateConnected
	case PhaseFailed:
		return portal.StateFailed
	default:
		return portal.StateDisconnected
	}
}

// acceptsTrigger reports whether a manual trigger may start a new cycle.
func (p Phase) acceptsTrigger() bool {
	return p == PhaseIdle || p == PhaseConnected || p == PhaseFailed
}
