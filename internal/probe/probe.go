// Package probe implements the connectivity probe that classifies the
// current network as online, behind a captive portal, or offline.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/portalkombat/internal/metrics"
	"github.com/marcus-qen/portalkombat/internal/portal"
	"github.com/marcus-qen/portalkombat/internal/telemetry"
)

// Sensible defaults for production probes.
const (
	DefaultCheckURL       = "http://connectivitycheck.gstatic.com/generate_204"
	DefaultExpectedStatus = http.StatusNoContent
	DefaultTimeout        = 5 * time.Second

	maxBodyBytes = 64 << 10
)

// Config controls probe execution.
type Config struct {
	// CheckURL must return ExpectedStatus/ExpectedBody when the internet is reachable.
	CheckURL string
	// ExpectedStatus defaults to 204.
	ExpectedStatus int
	// ExpectedBody is compared after trimming whitespace. Empty means empty body.
	ExpectedBody string
	// Timeout bounds one probe including the DNS retry. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Prober issues connectivity probes. Safe for concurrent use.
type Prober struct {
	cfg      Config
	checkURL *url.URL
	client   *http.Client
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a Prober. Transport may be nil to use a fresh default transport.
func New(cfg Config, transport http.RoundTripper, logger *zap.Logger) (*Prober, error) {
	if cfg.CheckURL == "" {
		cfg.CheckURL = DefaultCheckURL
	}
	if cfg.ExpectedStatus == 0 {
		cfg.ExpectedStatus = DefaultExpectedStatus
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	u, err := url.Parse(cfg.CheckURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid connectivity check url %q", cfg.CheckURL)
	}
	if transport == nil {
		transport = &http.Transport{
			Proxy:               nil,
			DisableKeepAlives:   true,
			TLSHandshakeTimeout: cfg.Timeout,
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Prober{
		cfg:      cfg,
		checkURL: u,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.Named("probe"),
		now:    time.Now,
	}, nil
}

// Probe runs one classification. It never returns an error: transport
// failures fold into an Offline result with the failure kind set.
func (p *Prober) Probe(ctx context.Context) portal.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	ctx, span := telemetry.StartProbeSpan(ctx, p.cfg.CheckURL)
	start := p.now()

	res, err := p.fetch(ctx)
	if err != nil && classifyError(ctx, err) == portal.FailureDNS {
		p.logger.Debug("dns failure, retrying probe once", zap.Error(err))
		res, err = p.fetch(ctx)
	}

	var result portal.ProbeResult
	if err != nil {
		failure := classifyError(ctx, err)
		p.logger.Info("probe offline",
			zap.String("failure", string(failure)),
			zap.Error(err),
		)
		result = portal.ProbeResult{State: portal.ProbeOffline, Failure: failure}
	} else {
		result = p.classify(res)
	}
	result.ProbedAt = p.now()

	metrics.RecordProbe(string(result.State), p.now().Sub(start))
	telemetry.EndProbeSpan(span, string(result.State), string(result.Failure), result.StatusCode)
	return result
}

type response struct {
	status   int
	location string
	body     []byte
}

func (p *Prober) fetch(ctx context.Context) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.checkURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", "portalkombat-probe/1")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read probe body: %w", err)
	}
	return &response{
		status:   resp.StatusCode,
		location: resp.Header.Get("Location"),
		body:     body,
	}, nil
}

func (p *Prober) classify(res *response) portal.ProbeResult {
	out := portal.ProbeResult{StatusCode: res.status}

	switch {
	case res.status == p.cfg.ExpectedStatus && strings.TrimSpace(string(res.body)) == strings.TrimSpace(p.cfg.ExpectedBody):
		out.State = portal.ProbeOnline
	case res.status >= 300 && res.status < 400:
		out.State = portal.ProbeCaptivePortal
		if res.location != "" {
			if loc, err := p.checkURL.Parse(res.location); err == nil {
				out.RedirectTarget = loc
			}
		}
	case res.status >= 500:
		out.State = portal.ProbeOffline
		out.Failure = portal.FailureUpstream
	default:
		out.State = portal.ProbeCaptivePortal
		out.RedirectTarget = p.extractTarget(res.body)
	}

	p.logger.Debug("probe classified",
		zap.String("state", string(out.State)),
		zap.Int("status", res.status),
		zap.Stringer("redirect_target", stringer(out.RedirectTarget)),
	)
	return out
}

var (
	metaRefreshRe = regexp.MustCompile(`(?i)<meta[^>]+http-equiv=["']?refresh["']?[^>]*content=["']?\s*\d+\s*;\s*url=([^"'>\s]+)`)
	jsLocationRe  = regexp.MustCompile(`(?i)(?:window\.)?location(?:\.href)?\s*=\s*["']([^"']+)["']`)
	absoluteURLRe = regexp.MustCompile(`https?://[^\s"'<>]+`)
)

// extractTarget finds the portal URL in an intercepted response body.
func (p *Prober) extractTarget(body []byte) *url.URL {
	text := string(body)
	for _, re := range []*regexp.Regexp{metaRefreshRe, jsLocationRe} {
		if m := re.FindStringSubmatch(text); len(m) == 2 {
			if u, err := p.checkURL.Parse(strings.TrimSpace(m[1])); err == nil {
				return u
			}
		}
	}
	for _, raw := range absoluteURLRe.FindAllString(text, -1) {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		if strings.EqualFold(u.Hostname(), p.checkURL.Hostname()) {
			continue
		}
		return u
	}
	return nil
}

// classifyError maps transport errors onto the probe failure taxonomy.
func classifyError(ctx context.Context, err error) portal.ProbeFailure {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr) && !dnsErr.IsTimeout:
		return portal.FailureDNS
	case errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil:
		return portal.FailureTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return portal.FailureConnectionRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return portal.FailureTimeout
	}
	return portal.FailureUnreachable
}

type urlStringer struct{ u *url.URL }

func (s urlStringer) String() string {
	if s.u == nil {
		return ""
	}
	return s.u.Redacted()
}

func stringer(u *url.URL) fmt.Stringer { return urlStringer{u} }
