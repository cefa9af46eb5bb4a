// Package login runs the captive portal form handshake for one attempt:
// fetch the portal page, pick a login form through the configured
// strategies, submit the credentials and confirm connectivity.
package login

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/marcus-qen/portalkombat/internal/credentials"
	"github.com/marcus-qen/portalkombat/internal/metrics"
	"github.com/marcus-qen/portalkombat/internal/portal"
	"github.com/marcus-qen/portalkombat/internal/shared/security"
	"github.com/marcus-qen/portalkombat/internal/telemetry"
)

var (
	ErrFormNotFound       = errors.New("no login form found")
	ErrInvalidCredentials = errors.New("portal still captive after submit")
	ErrRedirectLoop       = errors.New("redirect hop limit exceeded")
	errUpstream           = errors.New("portal upstream error")
	errNotConfirmed       = errors.New("connectivity not confirmed")
)

const (
	DefaultFallbackURL      = "http://neverssl.com/"
	DefaultRedirectHopLimit = 5
	DefaultTimeout          = 30 * time.Second

	maxPageBytes    = 1 << 20
	maxDetailLength = 256

	bindUsername = "${username}"
	bindSecret   = "${secret}"
)

// Confirmer re-probes connectivity after a form submit.
type Confirmer interface {
	Probe(ctx context.Context) portal.ProbeResult
}

// Config controls login sessions.
type Config struct {
	FallbackURL      string
	RedirectHopLimit int
	Timeout          time.Duration
	Strategies       []FormStrategy
	// Transport may be nil for a fresh default transport.
	Transport http.RoundTripper
	UserAgent string
}

// Request describes one login attempt.
type Request struct {
	Network        portal.NetworkIdentity
	Profile        *credentials.Profile
	RedirectTarget *url.URL
	AttemptNumber  int
	Timeout        time.Duration
}

// Session performs login attempts. Each Attempt gets its own cookie jar,
// so a Session is safe for concurrent use.
type Session struct {
	cfg       Config
	fallback  *url.URL
	confirmer Confirmer
	logger    *zap.Logger
	now       func() time.Time
}

// NewSession validates cfg and builds a Session.
func NewSession(cfg Config, confirmer Confirmer, logger *zap.Logger) (*Session, error) {
	if confirmer == nil {
		return nil, errors.New("login session requires a confirmer")
	}
	if cfg.FallbackURL == "" {
		cfg.FallbackURL = DefaultFallbackURL
	}
	if cfg.RedirectHopLimit <= 0 {
		cfg.RedirectHopLimit = DefaultRedirectHopLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if len(cfg.Strategies) == 0 {
		s, err := DefaultRegistry().Resolve(nil)
		if err != nil {
			return nil, err
		}
		cfg.Strategies = s
	}
	if cfg.Transport == nil {
		cfg.Transport = &http.Transport{Proxy: nil, DisableKeepAlives: true}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (portalkombat)"
	}
	fallback, err := url.Parse(cfg.FallbackURL)
	if err != nil || fallback.Host == "" {
		return nil, fmt.Errorf("invalid fallback url %q", cfg.FallbackURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:       cfg,
		fallback:  fallback,
		confirmer: confirmer,
		logger:    logger.Named("login"),
		now:       time.Now,
	}, nil
}

// Attempt runs one login handshake and returns its record. It never
// returns credential material and never panics on portal input.
func (s *Session) Attempt(ctx context.Context, req Request) portal.LoginAttempt {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := telemetry.StartLoginSpan(ctx, req.Network.SSID, req.AttemptNumber)
	attempt := portal.LoginAttempt{
		ID:            uuid.NewString(),
		Network:       req.Network,
		StartedAt:     s.now(),
		AttemptNumber: req.AttemptNumber,
	}

	strategy, err := s.run(ctx, req)
	attempt.Strategy = strategy
	attempt.FinishedAt = s.now()
	attempt.Outcome = outcomeFor(ctx, err)
	if err != nil {
		var secret string
		if req.Profile != nil {
			secret = req.Profile.Secret.Reveal()
		}
		attempt.Detail = security.Truncate(security.Scrub(err.Error(), secret), maxDetailLength)
	}

	metrics.RecordLogin(string(attempt.Outcome), attempt.FinishedAt.Sub(attempt.StartedAt))
	telemetry.EndLoginSpan(span, string(attempt.Outcome), strategy, attempt.Succeeded())

	fields := []zap.Field{
		zap.String("attempt_id", attempt.ID),
		zap.String("ssid", req.Network.SSID),
		zap.Int("attempt", req.AttemptNumber),
		zap.String("outcome", string(attempt.Outcome)),
		zap.String("strategy", strategy),
		zap.Duration("elapsed", attempt.FinishedAt.Sub(attempt.StartedAt)),
	}
	if attempt.Succeeded() {
		s.logger.Info("portal login succeeded", fields...)
	} else {
		s.logger.Warn("portal login failed", append(fields, zap.String("detail", attempt.Detail))...)
	}
	return attempt
}

func (s *Session) run(ctx context.Context, req Request) (string, error) {
	if req.Profile == nil {
		return "", errors.New("no credential profile")
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return "", fmt.Errorf("cookie jar: %w", err)
	}
	client := &http.Client{
		Transport: s.cfg.Transport,
		Jar:       jar,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if len(via) > s.cfg.RedirectHopLimit {
				return fmt.Errorf("%w (%d)", ErrRedirectLoop, s.cfg.RedirectHopLimit)
			}
			return nil
		},
	}

	target := req.RedirectTarget
	if target == nil {
		target = s.fallback
	}
	page, err := s.fetchPage(ctx, client, target)
	if err != nil {
		return "", fmt.Errorf("fetch login page: %w", err)
	}

	var (
		match    *Match
		strategy string
	)
	for _, st := range s.cfg.Strategies {
		if m, ok := st.Find(page); ok {
			match, strategy = m, st.Name()
			break
		}
	}
	if match == nil {
		return "", fmt.Errorf("%w at %s (%d forms)", ErrFormNotFound, security.SanitizeURL(page.URL), len(page.Forms))
	}

	values, err := fill(match, req.Profile)
	if err != nil {
		return strategy, err
	}
	s.logger.Debug("submitting portal form",
		zap.String("strategy", strategy),
		zap.String("action", match.Form.Action),
		zap.Strings("fields", fieldNames(values)),
		zap.Any("hints", security.SanitizeMap(req.Profile.FormHints)),
	)
	if err := s.submit(ctx, client, page.URL, match.Form, values); err != nil {
		return strategy, fmt.Errorf("submit form: %w", err)
	}

	result := s.confirmer.Probe(ctx)
	switch result.State {
	case portal.ProbeOnline:
		return strategy, nil
	case portal.ProbeCaptivePortal:
		return strategy, ErrInvalidCredentials
	default:
		if ctx.Err() != nil {
			return strategy, ctx.Err()
		}
		return strategy, fmt.Errorf("%w: probe %s", errNotConfirmed, result.Failure)
	}
}

func (s *Session) fetchPage(ctx context.Context, client *http.Client, target *url.URL) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return ParsePage(io.LimitReader(resp.Body, maxPageBytes), resp.Request.URL)
}

func (s *Session) submit(ctx context.Context, client *http.Client, base *url.URL, form *Form, values url.Values) error {
	action, err := base.Parse(form.Action)
	if err != nil {
		return fmt.Errorf("form action %q: %w", form.Action, err)
	}

	var req *http.Request
	if form.Method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, action.String(), strings.NewReader(values.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		a := *action
		a.RawQuery = values.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, a.String(), nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Referer", base.String())

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageBytes))
	return checkStatus(resp)
}

// checkStatus accepts everything below 500 and 511, which portals use to
// serve their login page.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusNetworkAuthenticationRequired {
		return fmt.Errorf("%w: %s", errUpstream, resp.Status)
	}
	return nil
}

// fill builds the submission: form defaults, then vendor extras, then
// FormHints, then the strategy's username and secret fields for whatever
// the hints left unbound.
func fill(m *Match, p *credentials.Profile) (url.Values, error) {
	values := m.Form.defaults()
	for k, v := range m.Extra {
		if values.Get(k) == "" {
			values.Set(k, v)
		}
	}

	bound := map[string]bool{}
	for field, hint := range p.FormHints {
		switch hint {
		case bindUsername:
			values.Set(field, p.Username)
			bound[bindUsername] = true
		case bindSecret:
			values.Set(field, p.Secret.Reveal())
			bound[bindSecret] = true
		default:
			values.Set(field, hint)
		}
		bound[field] = true
	}

	if m.UserField != "" && !bound[bindUsername] && !bound[m.UserField] {
		values.Set(m.UserField, p.Username)
	}
	if m.SecretField != "" && !bound[bindSecret] && !bound[m.SecretField] {
		values.Set(m.SecretField, p.Secret.Reveal())
	}
	if m.UserField == "" && m.SecretField == "" && !bound[bindUsername] && !bound[bindSecret] {
		return nil, fmt.Errorf("%w: form has no credential fields", ErrFormNotFound)
	}
	return values, nil
}

func fieldNames(v url.Values) []string {
	out := make([]string, 0, len(v))
	for k := range v {
		out = append(out, k)
	}
	return out
}

func outcomeFor(ctx context.Context, err error) portal.LoginOutcome {
	switch {
	case err == nil:
		return portal.OutcomeSuccess
	case errors.Is(err, ErrFormNotFound):
		return portal.OutcomeFormNotFound
	case errors.Is(err, ErrInvalidCredentials):
		return portal.OutcomeInvalidCredentials
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return portal.OutcomeTimeout
	default:
		return portal.OutcomeNetworkError
	}
}
