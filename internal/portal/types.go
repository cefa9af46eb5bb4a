// Package portal defines the domain types shared by the probe, login,
// controller and status packages. Every layer imports this package so the
// status published to a UI is the same value the controller produced.
package portal

import (
	"net/url"
	"strings"
	"time"
)

// NetworkIdentity identifies a wireless network. BSSID is optional.
type NetworkIdentity struct {
	SSID  string `json:"ssid"`
	BSSID string `json:"bssid,omitempty"`
}

// Key returns a stable map key for the identity.
func (n NetworkIdentity) Key() string {
	if n.BSSID == "" {
		return n.SSID
	}
	return n.SSID + "|" + strings.ToLower(n.BSSID)
}

// Equal reports whether both SSID and BSSID match (BSSID case-insensitively).
func (n NetworkIdentity) Equal(o NetworkIdentity) bool {
	return n.SSID == o.SSID && strings.EqualFold(n.BSSID, o.BSSID)
}

func (n NetworkIdentity) String() string {
	if n.BSSID == "" {
		return n.SSID
	}
	return n.SSID + " (" + n.BSSID + ")"
}

// SameNetwork compares two optional identities; two nils are the same network.
func SameNetwork(a, b *NetworkIdentity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// ProbeState classifies connectivity as seen by a single probe.
type ProbeState string

const (
	ProbeOnline        ProbeState = "online"
	ProbeCaptivePortal ProbeState = "captive_portal"
	ProbeOffline       ProbeState = "offline"
)

// ProbeFailure explains why a probe ended Offline.
type ProbeFailure string

const (
	FailureNone              ProbeFailure = ""
	FailureTimeout           ProbeFailure = "timeout"
	FailureDNS               ProbeFailure = "dns_failure"
	FailureConnectionRefused ProbeFailure = "connection_refused"
	FailureUnreachable       ProbeFailure = "unreachable"
	FailureUpstream          ProbeFailure = "upstream_error"
	FailureRadioOff          ProbeFailure = "radio_off"
)

// ProbeResult is produced fresh by every probe and never mutated.
type ProbeResult struct {
	State          ProbeState   `json:"state"`
	ProbedAt       time.Time    `json:"probed_at"`
	RedirectTarget *url.URL     `json:"-"`
	Failure        ProbeFailure `json:"failure,omitempty"`
	StatusCode     int          `json:"status_code,omitempty"`
}

// LoginOutcome is the terminal result of one login attempt.
type LoginOutcome string

const (
	OutcomeSuccess            LoginOutcome = "success"
	OutcomeInvalidCredentials LoginOutcome = "invalid_credentials"
	OutcomeFormNotFound       LoginOutcome = "form_not_found"
	OutcomeNetworkError       LoginOutcome = "network_error"
	OutcomeTimeout            LoginOutcome = "timeout"
)

// LoginAttempt records one pass through the login handshake.
// It never carries credential material.
type LoginAttempt struct {
	ID            string          `json:"id"`
	Network       NetworkIdentity `json:"network"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
	Outcome       LoginOutcome    `json:"outcome"`
	AttemptNumber int             `json:"attempt_number"`
	Strategy      string          `json:"strategy,omitempty"`
	Detail        string          `json:"detail,omitempty"`
}

// Succeeded reports whether the attempt logged in.
func (a LoginAttempt) Succeeded() bool { return a.Outcome == OutcomeSuccess }

// ConnectionState is the coarse state shown to observers.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateProbing      ConnectionState = "probing"
	StateLoggingIn    ConnectionState = "logging_in"
	StateConnected    ConnectionState = "connected"
	StateFailed       ConnectionState = "failed"
)

// ConnectionStatus is the snapshot published on every controller transition.
type ConnectionStatus struct {
	State          ConnectionState  `json:"state"`
	Phase          string           `json:"phase"`
	CurrentNetwork *NetworkIdentity `json:"current_network,omitempty"`
	LastAttempt    *LoginAttempt    `json:"last_attempt,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	NextRetryAt    *time.Time       `json:"next_retry_at,omitempty"`
	Seq            uint64           `json:"seq"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so callers may retain it without sharing pointers.
func (s ConnectionStatus) Clone() ConnectionStatus {
	out := s
	if s.CurrentNetwork != nil {
		n := *s.CurrentNetwork
		out.CurrentNetwork = &n
	}
	if s.LastAttempt != nil {
		a := *s.LastAttempt
		out.LastAttempt = &a
	}
	if s.NextRetryAt != nil {
		t := *s.NextRetryAt
		out.NextRetryAt = &t
	}
	return out
}
