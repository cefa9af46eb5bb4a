package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/portalkombat/internal/credentials"
	"github.com/marcus-qen/portalkombat/internal/portal"
)

// Op names a command the presentation layer may issue.
type Op string

const (
	OpTriggerLogin      Op = "trigger_login"
	OpSetCredentials    Op = "set_credentials"
	OpRemoveCredentials Op = "remove_credentials"
)

// ErrInvalidCommand is returned for malformed commands.
var ErrInvalidCommand = errors.New("invalid command")

// Command is the enumerated command interface shared by the API and CLI.
type Command struct {
	Op        Op                     `json:"op"`
	Network   portal.NetworkIdentity `json:"network"`
	Username  string                 `json:"username,omitempty"`
	Secret    credentials.Secret     `json:"-"`
	FormHints map[string]string      `json:"form_hints,omitempty"`
}

// Dispatch executes cmd. Trigger errors from the controller (busy,
// network mismatch, stopped) are returned unchanged.
func (d *Daemon) Dispatch(ctx context.Context, cmd Command) error {
	logger := d.logger.With(zap.String("op", string(cmd.Op)), zap.Stringer("network", cmd.Network))

	switch cmd.Op {
	case OpTriggerLogin:
		var network *portal.NetworkIdentity
		if strings.TrimSpace(cmd.Network.SSID) != "" {
			n := cmd.Network
			network = &n
		}
		if err := d.controller.Trigger(ctx, network); err != nil {
			logger.Info("trigger rejected", zap.Error(err))
			return err
		}
		logger.Info("login triggered")
		return nil

	case OpSetCredentials:
		switch {
		case strings.TrimSpace(cmd.Network.SSID) == "":
			return fmt.Errorf("%w: ssid is required", ErrInvalidCommand)
		case strings.TrimSpace(cmd.Username) == "":
			return fmt.Errorf("%w: username is required", ErrInvalidCommand)
		case cmd.Secret.Empty():
			return fmt.Errorf("%w: secret is required", ErrInvalidCommand)
		}
		err := d.store.Put(ctx, credentials.Profile{
			Network:   cmd.Network,
			Username:  cmd.Username,
			Secret:    cmd.Secret,
			FormHints: cmd.FormHints,
		})
		if err != nil {
			return err
		}
		logger.Info("credentials stored", zap.String("username", cmd.Username))
		return nil

	case OpRemoveCredentials:
		if strings.TrimSpace(cmd.Network.SSID) == "" {
			return fmt.Errorf("%w: ssid is required", ErrInvalidCommand)
		}
		if err := d.store.Delete(ctx, cmd.Network); err != nil {
			return err
		}
		logger.Info("credentials removed")
		return nil

	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidCommand, cmd.Op)
	}
}
