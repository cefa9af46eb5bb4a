package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcus-qen/portalkombat/internal/api"
	"github.com/marcus-qen/portalkombat/internal/credentials"
	"github.com/marcus-qen/portalkombat/internal/portal"
)

const socketHost = "http://portalkombat"

// client talks to the daemon's local API over its unix socket.
type client struct {
	socket string
	http   *http.Client
}

func newClient(socket string) *client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socket)
	}
	return &client{
		socket: socket,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{DialContext: dial},
		},
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, socketHost+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("X-Portalkombat-Surface", "cli")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.socket, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func (c *client) stream(ctx context.Context, fn func(portal.ConnectionStatus)) error {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.socket)
		},
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{"X-Portalkombat-Surface": []string{"cli"}}
	conn, _, err := dialer.DialContext(ctx, "ws://portalkombat/v1/status/stream", header)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.socket, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var st portal.ConnectionStatus
		if err := conn.ReadJSON(&st); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("stream: %w", err)
		}
		fn(st)
	}
}

func cmdStatus(ctx context.Context, args []string) error {
	socket, args, err := socketFor(args)
	if err != nil {
		return err
	}
	_, set, err := parseFlags(args, nil, []string{"json"})
	if err != nil {
		return err
	}
	var st portal.ConnectionStatus
	if err := newClient(socket).do(ctx, http.MethodGet, "/v1/status", nil, &st); err != nil {
		return err
	}
	if set["json"] {
		return printJSON(os.Stdout, st)
	}
	fmt.Print(formatStatus(st))
	return nil
}

func cmdHistory(ctx context.Context, args []string) error {
	socket, args, err := socketFor(args)
	if err != nil {
		return err
	}
	_, set, err := parseFlags(args, nil, []string{"json"})
	if err != nil {
		return err
	}
	var body struct {
		Attempts []portal.LoginAttempt `json:"attempts"`
	}
	if err := newClient(socket).do(ctx, http.MethodGet, "/v1/history", nil, &body); err != nil {
		return err
	}
	if set["json"] {
		return printJSON(os.Stdout, body.Attempts)
	}
	if len(body.Attempts) == 0 {
		fmt.Println("No login attempts recorded.")
		return nil
	}
	for _, a := range body.Attempts {
		fmt.Println(formatAttempt(a))
	}
	return nil
}

func cmdWatch(ctx context.Context, args []string) error {
	socket, args, err := socketFor(args)
	if err != nil {
		return err
	}
	if _, _, err := parseFlags(args, nil, nil); err != nil {
		return err
	}
	return newClient(socket).stream(ctx, func(st portal.ConnectionStatus) {
		fmt.Println(formatStatusLine(st))
	})
}

func cmdLogin(ctx context.Context, args []string) error {
	socket, args, err := socketFor(args)
	if err != nil {
		return err
	}
	values, _, err := parseFlags(args, []string{"ssid", "bssid"}, nil)
	if err != nil {
		return err
	}
	req := api.LoginRequest{SSID: values["ssid"], BSSID: values["bssid"]}
	if err := newClient(socket).do(ctx, http.MethodPost, "/v1/login", req, nil); err != nil {
		return err
	}
	fmt.Println("Login triggered. Run 'portalkombatd watch' to follow progress.")
	return nil
}

func cmdCreds(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: portalkombatd creds <set|rm|ls>")
	}
	socket, rest, err := socketFor(args[1:])
	if err != nil {
		return err
	}
	c := newClient(socket)

	switch args[0] {
	case "set":
		values, set, err := parseFlags(rest, []string{"ssid", "bssid", "username", "secret-env", "hint"}, []string{"secret-stdin"})
		if err != nil {
			return err
		}
		secret, err := readSecret(values["secret-env"], set["secret-stdin"], os.Stdin)
		if err != nil {
			return err
		}
		hints, err := parseHints(values["hint"])
		if err != nil {
			return err
		}
		req := api.CredentialsRequest{
			SSID:      values["ssid"],
			BSSID:     values["bssid"],
			Username:  values["username"],
			Secret:    secret,
			FormHints: hints,
		}
		if err := c.do(ctx, http.MethodPut, "/v1/credentials", req, nil); err != nil {
			return err
		}
		fmt.Printf("Stored credentials for %s\n", portal.NetworkIdentity{SSID: req.SSID, BSSID: req.BSSID})
		return nil

	case "rm":
		values, _, err := parseFlags(rest, []string{"ssid", "bssid"}, nil)
		if err != nil {
			return err
		}
		q := url.Values{"ssid": {values["ssid"]}}
		if values["bssid"] != "" {
			q.Set("bssid", values["bssid"])
		}
		if err := c.do(ctx, http.MethodDelete, "/v1/credentials?"+q.Encode(), nil, nil); err != nil {
			return err
		}
		fmt.Printf("Removed credentials for %s\n", portal.NetworkIdentity{SSID: values["ssid"], BSSID: values["bssid"]})
		return nil

	case "ls":
		_, set, err := parseFlags(rest, nil, []string{"json"})
		if err != nil {
			return err
		}
		var body struct {
			Profiles []credentials.Summary `json:"profiles"`
		}
		if err := c.do(ctx, http.MethodGet, "/v1/credentials", nil, &body); err != nil {
			return err
		}
		if set["json"] {
			return printJSON(os.Stdout, body.Profiles)
		}
		if len(body.Profiles) == 0 {
			fmt.Println("No stored credentials.")
			return nil
		}
		for _, p := range body.Profiles {
			fmt.Printf("%-32s %-20s updated %s\n", p.Network, p.Username, p.UpdatedAt.Local().Format(time.RFC3339))
		}
		return nil

	default:
		return fmt.Errorf("unknown creds command: %s", args[0])
	}
}

// readSecret takes the secret from an environment variable or the first
// line of stdin. Secrets are never accepted as flag values.
func readSecret(envName string, fromStdin bool, stdin io.Reader) (string, error) {
	switch {
	case envName != "" && fromStdin:
		return "", errors.New("use only one of --secret-env and --secret-stdin")
	case envName != "":
		v, ok := os.LookupEnv(envName)
		if !ok || v == "" {
			return "", fmt.Errorf("environment variable %s is not set", envName)
		}
		return v, nil
	case fromStdin:
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read secret: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return "", errors.New("empty secret on stdin")
		}
		return line, nil
	default:
		return "", errors.New("one of --secret-env or --secret-stdin is required")
	}
}

// parseHints parses "field=value,field2=${secret}".
func parseHints(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	hints := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid hint %q (want field=value)", pair)
		}
		hints[k] = strings.TrimSpace(v)
	}
	return hints, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatStatus(st portal.ConnectionStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State:    %s (%s)\n", st.State, st.Phase)
	if st.CurrentNetwork != nil {
		fmt.Fprintf(&b, "Network:  %s\n", st.CurrentNetwork)
	} else {
		fmt.Fprintf(&b, "Network:  none\n")
	}
	if st.LastAttempt != nil {
		fmt.Fprintf(&b, "Last:     %s\n", formatAttempt(*st.LastAttempt))
	}
	if st.Reason != "" {
		fmt.Fprintf(&b, "Reason:   %s\n", st.Reason)
	}
	if st.NextRetryAt != nil {
		fmt.Fprintf(&b, "Retry at: %s\n", st.NextRetryAt.Local().Format(time.Kitchen))
	}
	fmt.Fprintf(&b, "Updated:  %s (seq %d)\n", st.UpdatedAt.Local().Format(time.RFC3339), st.Seq)
	return b.String()
}

func formatStatusLine(st portal.ConnectionStatus) string {
	line := fmt.Sprintf("%s #%d %-12s %-20s", st.UpdatedAt.Local().Format(time.TimeOnly), st.Seq, st.State, st.Phase)
	if st.CurrentNetwork != nil {
		line += " " + st.CurrentNetwork.String()
	}
	if st.Reason != "" {
		line += " (" + st.Reason + ")"
	}
	return strings.TrimRight(line, " ")
}

func formatAttempt(a portal.LoginAttempt) string {
	s := fmt.Sprintf("#%d %s on %s", a.AttemptNumber, a.Outcome, a.Network)
	if a.Strategy != "" {
		s += " via " + a.Strategy
	}
	if !a.FinishedAt.IsZero() {
		s += fmt.Sprintf(" in %s", a.FinishedAt.Sub(a.StartedAt).Round(time.Millisecond))
	}
	if a.Detail != "" {
		s += ": " + a.Detail
	}
	return s
}
