// Package credentials persists per-network captive portal credentials.
// Secrets are sealed by a Cipher before they reach disk and are redacted
// from every string, JSON and log rendering.
package credentials

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/portalkombat/internal/portal"
)

// ErrNotFound is returned when no profile matches a network.
var ErrNotFound = errors.New("credential profile not found")

const redacted = "[redacted]"

// Secret is an opaque credential. It only yields plaintext through Reveal.
type Secret struct {
	b []byte
}

// NewSecret copies s into a Secret.
func NewSecret(s string) Secret { return Secret{b: []byte(s)} }

// Reveal returns the plaintext. Callers must not log it.
func (s Secret) Reveal() string { return string(s.b) }

// Empty reports whether the secret has no content.
func (s Secret) Empty() bool { return len(s.b) == 0 }

func (s Secret) String() string { return redacted }
func (s Secret) GoString() string { return redacted }
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }
func (s Secret) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("secret", redacted)
	return nil
}

// Profile holds the credentials for one network.
type Profile struct {
	Network   portal.NetworkIdentity `json:"network"`
	Username  string                 `json:"username"`
	Secret    Secret                 `json:"secret"`
	FormHints map[string]string      `json:"form_hints,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Summary is the redacted view of a profile returned to observers.
type Summary struct {
	Network   portal.NetworkIdentity `json:"network"`
	Username  string                 `json:"username"`
	HasSecret bool                   `json:"has_secret"`
	FormHints []string               `json:"form_hint_fields,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

func (p *Profile) validate() error {
	if strings.TrimSpace(p.Network.SSID) == "" {
		return errors.New("profile ssid is required")
	}
	if strings.TrimSpace(p.Username) == "" {
		return errors.New("profile username is required")
	}
	return nil
}

func (p *Profile) normalize() {
	p.Network.SSID = strings.TrimSpace(p.Network.SSID)
	p.Network.BSSID = strings.ToLower(strings.TrimSpace(p.Network.BSSID))
	p.Username = strings.TrimSpace(p.Username)
	if len(p.FormHints) == 0 {
		p.FormHints = nil
	}
}

func sealAAD(n portal.NetworkIdentity) []byte {
	return []byte(n.SSID + "\x00" + strings.ToLower(n.BSSID))
}
