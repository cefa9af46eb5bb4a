package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/marcus-qen/portalkombat/internal/portal"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestProber(t *testing.T, cfg Config, rt http.RoundTripper) *Prober {
	t.Helper()
	p, err := New(cfg, rt, zap.NewNop())
	if err != nil {
		t.Fatalf("new prober: %v", err)
	}
	return p
}

func TestProbeOnlineOn204(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	res := newTestProber(t, Config{CheckURL: ts.URL + "/generate_204"}, nil).Probe(context.Background())
	if res.State != portal.ProbeOnline {
		t.Fatalf("expected online, got %s (%+v)", res.State, res)
	}
	if res.ProbedAt.IsZero() {
		t.Fatal("expected ProbedAt to be set")
	}
}

func TestProbeOnlineWithExpectedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "Success")
	}))
	defer ts.Close()

	cfg := Config{CheckURL: ts.URL, ExpectedStatus: http.StatusOK, ExpectedBody: "Success"}
	if res := newTestProber(t, cfg, nil).Probe(context.Background()); res.State != portal.ProbeOnline {
		t.Fatalf("expected online, got %s", res.State)
	}
}

func TestProbeRedirectIsCaptive(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://portal.example/login?orig=x", http.StatusFound)
	}))
	defer ts.Close()

	res := newTestProber(t, Config{CheckURL: ts.URL}, nil).Probe(context.Background())
	if res.State != portal.ProbeCaptivePortal {
		t.Fatalf("expected captive portal, got %s", res.State)
	}
	if res.RedirectTarget == nil || res.RedirectTarget.String() != "http://portal.example/login?orig=x" {
		t.Fatalf("unexpected redirect target %v", res.RedirectTarget)
	}
	if res.StatusCode != http.StatusFound {
		t.Fatalf("expected status 302, got %d", res.StatusCode)
	}
}

func TestProbeRelativeRedirectResolvesAgainstCheckURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/portal/login")
		w.WriteHeader(http.StatusTemporaryRedirect)
	}))
	defer ts.Close()

	res := newTestProber(t, Config{CheckURL: ts.URL + "/generate_204"}, nil).Probe(context.Background())
	if res.RedirectTarget == nil || res.RedirectTarget.String() != ts.URL+"/portal/login" {
		t.Fatalf("unexpected redirect target %v", res.RedirectTarget)
	}
}

func TestProbeAlteredBodyIsCaptive(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"meta refresh": {
			body: `<html><head><meta http-equiv="refresh" content="0; url=http://10.0.0.1/login"></head></html>`,
			want: "http://10.0.0.1/login",
		},
		"javascript": {
			body: `<script>window.location.href = "https://hotspot.example/auth";</script>`,
			want: "https://hotspot.example/auth",
		},
		"bare url": {
			body: `Please sign in at http://wifi.example/start to continue`,
			want: "http://wifi.example/start",
		},
		"no url": {
			body: `<html>intercepted</html>`,
			want: "",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.body)
			}))
			defer ts.Close()

			res := newTestProber(t, Config{CheckURL: ts.URL}, nil).Probe(context.Background())
			if res.State != portal.ProbeCaptivePortal {
				t.Fatalf("expected captive portal, got %s", res.State)
			}
			got := ""
			if res.RedirectTarget != nil {
				got = res.RedirectTarget.String()
			}
			if got != tc.want {
				t.Fatalf("redirect target = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestProbeServerErrorIsOffline(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	res := newTestProber(t, Config{CheckURL: ts.URL}, nil).Probe(context.Background())
	if res.State != portal.ProbeOffline || res.Failure != portal.FailureUpstream {
		t.Fatalf("expected offline/upstream, got %s/%s", res.State, res.Failure)
	}
}

func TestProbeConnectionRefusedIsOffline(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.URL
	ts.Close()

	res := newTestProber(t, Config{CheckURL: addr}, nil).Probe(context.Background())
	if res.State != portal.ProbeOffline {
		t.Fatalf("expected offline, got %s", res.State)
	}
	if res.Failure != portal.FailureConnectionRefused {
		t.Fatalf("expected connection_refused, got %s", res.Failure)
	}
}

func TestProbeLogsUnderProbeLogger(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.URL
	ts.Close()

	core, logs := observer.New(zap.InfoLevel)
	p, err := New(Config{CheckURL: addr}, nil, zap.New(core))
	if err != nil {
		t.Fatalf("new prober: %v", err)
	}
	p.Probe(context.Background())

	entries := logs.FilterMessage("probe offline").All()
	if len(entries) != 1 {
		t.Fatalf("expected one offline entry, got %d", len(entries))
	}
	if entries[0].LoggerName != "probe" {
		t.Fatalf("logger name = %q, want probe", entries[0].LoggerName)
	}
}

func TestProbeTimeoutIsOffline(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	start := time.Now()
	res := newTestProber(t, Config{CheckURL: ts.URL, Timeout: 100 * time.Millisecond}, nil).Probe(context.Background())
	if res.State != portal.ProbeOffline || res.Failure != portal.FailureTimeout {
		t.Fatalf("expected offline/timeout, got %s/%s", res.State, res.Failure)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("probe exceeded its timeout bound: %s", elapsed)
	}
}

func TestProbeRetriesDNSFailureOnce(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, &net.DNSError{Err: "no such host", Name: r.URL.Hostname(), IsNotFound: true}
	})

	res := newTestProber(t, Config{CheckURL: "http://check.invalid/generate_204"}, rt).Probe(context.Background())
	if res.State != portal.ProbeOffline || res.Failure != portal.FailureDNS {
		t.Fatalf("expected offline/dns, got %s/%s", res.State, res.Failure)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected exactly 2 round trips (one retry), got %d", got)
	}
}

func TestProbeDNSRetryCanRecover(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, &net.DNSError{Err: "server misbehaving", Name: r.URL.Hostname(), IsTemporary: true}
		}
		return &http.Response{
			StatusCode: http.StatusNoContent,
			Body:       http.NoBody,
			Header:     http.Header{},
			Request:    r,
		}, nil
	})

	res := newTestProber(t, Config{CheckURL: "http://check.example/generate_204"}, rt).Probe(context.Background())
	if res.State != portal.ProbeOnline {
		t.Fatalf("expected online after retry, got %s", res.State)
	}
}

func TestNewRejectsInvalidURL(t *testing.T) {
	for _, raw := range []string{"ftp://x/y", "not a url", "http://"} {
		if _, err := New(Config{CheckURL: raw}, nil, nil); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
