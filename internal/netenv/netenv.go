// Package netenv answers "which wireless network am I on" and notifies
// when the answer changes. Platform queries shell out to the OS network
// tools; the daemon only depends on the Provider interface.
package netenv

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/marcus-qen/portalkombat/internal/portal"
)

// ErrNoWiFi is returned when no wireless adapter is present.
var ErrNoWiFi = errors.New("no wi-fi device found")

// Provider reports the network the host is currently associated with.
// A nil identity with nil error means "not associated".
type Provider interface {
	Current(ctx context.Context) (*portal.NetworkIdentity, error)
}

// Radio is implemented by providers that can tell whether the Wi-Fi radio is on.
type Radio interface {
	AdapterOn(ctx context.Context) (bool, error)
}

// Runner executes an external command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Options selects and configures a provider.
type Options struct {
	// Provider is one of "auto", "nmcli", "networksetup", "static".
	Provider  string
	Interface string
	SSID      string
	BSSID     string
}

// NewProvider builds the provider named in opts. "auto" picks by GOOS and
// falls back to static when an identity is configured.
func NewProvider(opts Options, run Runner) (Provider, error) {
	if run == nil {
		run = ExecRunner
	}
	name := strings.ToLower(strings.TrimSpace(opts.Provider))
	if name == "" || name == "auto" {
		switch {
		case opts.SSID != "":
			name = "static"
		case runtime.GOOS == "linux":
			name = "nmcli"
		case runtime.GOOS == "darwin":
			name = "networksetup"
		default:
			name = "static"
		}
	}

	switch name {
	case "nmcli":
		return &NMCLI{Interface: opts.Interface, run: run}, nil
	case "networksetup":
		return &NetworkSetup{Interface: opts.Interface, run: run}, nil
	case "static":
		return NewStatic(opts.SSID, opts.BSSID), nil
	default:
		return nil, fmt.Errorf("unknown network provider %q", opts.Provider)
	}
}

// Static always reports the same network. Used for wired captive networks
// and on platforms without a Wi-Fi query.
type Static struct {
	id *portal.NetworkIdentity
}

// NewStatic returns a provider for a fixed identity; empty ssid means none.
func NewStatic(ssid, bssid string) *Static {
	if ssid == "" {
		return &Static{}
	}
	return &Static{id: &portal.NetworkIdentity{SSID: ssid, BSSID: bssid}}
}

func (s *Static) Current(context.Context) (*portal.NetworkIdentity, error) {
	if s.id == nil {
		return nil, nil
	}
	id := *s.id
	return &id, nil
}
