package netenv

import (
	"context"
	"strings"

	"github.com/marcus-qen/portalkombat/internal/portal"
)

// NetworkSetup queries macOS via networksetup(8). BSSID is not reported.
type NetworkSetup struct {
	Interface string
	run       Runner
}

func (n *NetworkSetup) Current(ctx context.Context) (*portal.NetworkIdentity, error) {
	dev, err := n.device(ctx)
	if err != nil {
		return nil, err
	}
	out, err := n.run(ctx, "networksetup", "-getairportnetwork", dev)
	if err != nil {
		return nil, err
	}
	return parseAirportNetwork(string(out)), nil
}

func (n *NetworkSetup) AdapterOn(ctx context.Context) (bool, error) {
	dev, err := n.device(ctx)
	if err != nil {
		return false, err
	}
	out, err := n.run(ctx, "networksetup", "-getairportpower", dev)
	if err != nil {
		return false, err
	}
	return strings.HasSuffix(strings.TrimSpace(string(out)), "On"), nil
}

func (n *NetworkSetup) device(ctx context.Context) (string, error) {
	if n.Interface != "" {
		return n.Interface, nil
	}
	out, err := n.run(ctx, "networksetup", "-listallhardwareports")
	if err != nil {
		return "", err
	}
	return parseHardwarePorts(string(out))
}

// parseHardwarePorts finds the device line that follows a Wi-Fi/AirPort port.
func parseHardwarePorts(out string) (string, error) {
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if !strings.Contains(line, "Hardware Port: Wi-Fi") && !strings.Contains(line, "Hardware Port: AirPort") {
			continue
		}
		for j := i + 1; j < len(lines) && j <= i+3; j++ {
			if idx := strings.Index(lines[j], "Device:"); idx >= 0 {
				return strings.TrimSpace(lines[j][idx+len("Device:"):]), nil
			}
		}
	}
	return "", ErrNoWiFi
}

// parseAirportNetwork parses "Current Wi-Fi Network: <ssid>".
func parseAirportNetwork(out string) *portal.NetworkIdentity {
	const prefix = "Current Wi-Fi Network:"
	out = strings.TrimSpace(out)
	idx := strings.Index(out, prefix)
	if idx < 0 {
		return nil
	}
	ssid := strings.TrimSpace(out[idx+len(prefix):])
	if ssid == "" {
		return nil
	}
	return &portal.NetworkIdentity{SSID: ssid}
}
