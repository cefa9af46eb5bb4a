// portalkombatd: captive portal auto-login daemon and its local CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/portalkombat/internal/api"
	"github.com/marcus-qen/portalkombat/internal/config"
	"github.com/marcus-qen/portalkombat/internal/daemon"
)

var (
	version string
	commit  string
	date    string
)

func init() {
	if version == "" {
		version = "dev"
	}
	if commit == "" {
		commit = "unknown"
	}
	if date == "" {
		date = buildTimestamp()
	}
}

func buildTimestamp() string {
	exePath, err := os.Executable()
	if err == nil {
		if info, statErr := os.Stat(exePath); statErr == nil {
			return info.ModTime().UTC().Format(time.RFC3339)
		}
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(ctx, os.Args[2:])
	case "status":
		err = cmdStatus(ctx, os.Args[2:])
	case "history":
		err = cmdHistory(ctx, os.Args[2:])
	case "watch":
		err = cmdWatch(ctx, os.Args[2:])
	case "login":
		err = cmdLogin(ctx, os.Args[2:])
	case "creds":
		err = cmdCreds(ctx, os.Args[2:])
	case "version":
		fmt.Printf("portalkombatd %s (commit: %s, built: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: portalkombatd <command>

Commands:
  run        Start the auto-login daemon
  status     Show the current connection status (--json)
  history    Show recent login attempts (--json)
  watch      Stream status changes until interrupted
  login      Trigger a probe and login now (--ssid, --bssid)
  creds      Manage stored credentials (set|rm|ls)
  version    Print version information
  help       Show this help

Global flags:
  --config-dir, -c <path>   Config directory (default $HOME/.config/portalkombat)
  --socket <path>           Control socket (default from config)`)
}

// parseConfigDir extracts --config-dir from args, returning the dir and remaining args.
func parseConfigDir(args []string) (string, []string) {
	configDir := ""
	var remaining []string
	for i := 0; i < len(args); i++ {
		if (args[i] == "--config-dir" || args[i] == "-c") && i+1 < len(args) {
			configDir = args[i+1]
			i++
		} else {
			remaining = append(remaining, args[i])
		}
	}
	return config.ResolveConfigDir(configDir), remaining
}

// parseFlags splits "--name value" pairs and bare "--flag" switches.
// Unknown flags are an error.
func parseFlags(args []string, valued []string, switches []string) (map[string]string, map[string]bool, error) {
	values := map[string]string{}
	set := map[string]bool{}
	isValued := func(name string) bool {
		for _, v := range valued {
			if v == name {
				return true
			}
		}
		return false
	}
	isSwitch := func(name string) bool {
		for _, s := range switches {
			if s == name {
				return true
			}
		}
		return false
	}

	for i := 0; i < len(args); i++ {
		name := strings.TrimLeft(args[i], "-")
		switch {
		case !strings.HasPrefix(args[i], "--"):
			return nil, nil, fmt.Errorf("unexpected argument %q", args[i])
		case isValued(name):
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("%s requires a value", args[i])
			}
			values[name] = args[i+1]
			i++
		case isSwitch(name):
			set[name] = true
		default:
			return nil, nil, fmt.Errorf("unknown flag %s", args[i])
		}
	}
	return values, set, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func cmdRun(ctx context.Context, args []string) error {
	configDir, socket, err := parseRunArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if socket != "" {
		cfg.SocketPath = socket
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	d, err := daemon.New(cfg, daemon.Options{Version: version}, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	srv := api.NewServer(api.ServerConfig{SocketPath: cfg.SocketPath}, d, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	apiErr := make(chan error, 1)
	go func() {
		err := srv.Start(ctx)
		if err != nil {
			logger.Error("local api stopped", zap.Error(err))
		}
		cancel()
		apiErr <- err
	}()

	runErr := d.Run(ctx)
	cancel()
	return errors.Join(runErr, <-apiErr)
}

// parseRunArgs accepts --config-dir and --socket for the run command.
func parseRunArgs(args []string) (configDir, socket string, err error) {
	configDir, rest := parseConfigDir(args)
	values, _, err := parseFlags(rest, []string{"socket"}, nil)
	if err != nil {
		return "", "", err
	}
	return configDir, values["socket"], nil
}

// socketFor resolves the control socket from --socket or the config file.
func socketFor(args []string) (string, []string, error) {
	configDir, args := parseConfigDir(args)
	var rest []string
	socket := ""
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" && i+1 < len(args) {
			socket = args[i+1]
			i++
		} else {
			rest = append(rest, args[i])
		}
	}
	if socket != "" {
		return socket, rest, nil
	}
	cfg, err := config.Load(configDir)
	if err != nil {
		return "", nil, fmt.Errorf("load config: %w", err)
	}
	return cfg.SocketPath, rest, nil
}
