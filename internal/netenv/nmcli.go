package netenv

import (
	"context"
	"strings"

	"github.com/marcus-qen/portalkombat/internal/portal"
)

// NMCLI queries NetworkManager.
type NMCLI struct {
	Interface string
	run       Runner
}

func (n *NMCLI) Current(ctx context.Context) (*portal.NetworkIdentity, error) {
	args := []string{"-t", "-f", "ACTIVE,SSID,BSSID", "device", "wifi", "list", "--rescan", "no"}
	if n.Interface != "" {
		args = append(args, "ifname", n.Interface)
	}
	out, err := n.run(ctx, "nmcli", args...)
	if err != nil {
		return nil, err
	}
	return parseNMCLIWifi(string(out)), nil
}

func (n *NMCLI) AdapterOn(ctx context.Context) (bool, error) {
	if _, err := n.wifiDevice(ctx); err != nil {
		return false, err
	}
	out, err := n.run(ctx, "nmcli", "radio", "wifi")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "enabled", nil
}

func (n *NMCLI) wifiDevice(ctx context.Context) (string, error) {
	out, err := n.run(ctx, "nmcli", "-t", "-f", "DEVICE,TYPE", "device", "status")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := splitTerse(line)
		if len(fields) >= 2 && fields[1] == "wifi" {
			if n.Interface == "" || fields[0] == n.Interface {
				return fields[0], nil
			}
		}
	}
	return "", ErrNoWiFi
}

// parseNMCLIWifi picks the active row from `nmcli -t -f ACTIVE,SSID,BSSID`.
func parseNMCLIWifi(out string) *portal.NetworkIdentity {
	for _, line := range strings.Split(out, "\n") {
		fields := splitTerse(line)
		if len(fields) < 3 || fields[0] != "yes" || fields[1] == "" {
			continue
		}
		return &portal.NetworkIdentity{SSID: fields[1], BSSID: strings.ToLower(fields[2])}
	}
	return nil
}

// splitTerse splits an nmcli terse line on ':' honouring backslash escapes
// (BSSIDs are printed as AA\:BB\:...).
func splitTerse(line string) []string {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return nil
	}
	var (
		fields []string
		cur    strings.Builder
	)
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}
