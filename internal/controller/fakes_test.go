/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/portalkombat/internal/credentials"
	"github.com/marcus-qen/portalkombat/internal/login"
	"github.com/marcus-qen/portalkombat/internal/portal"
)

var (
	netA = portal.NetworkIdentity{SSID: "Campus", BSSID: "aa:aa:aa:aa:aa:aa"}
	netB = portal.NetworkIdentity{SSID: "Airport"}
)

type fakeNetwork struct {
	mu sync.Mutex
	id *portal.NetworkIdentity
}

func newFakeNetwork(id portal.NetworkIdentity) *fakeNetwork {
	return &fakeNetwork{id: &id}
}

func (f *fakeNetwork) Current(context.Context) (*portal.NetworkIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.id == nil {
		return nil, nil
	}
	n := *f.id
	return &n, nil
}

func (f *fakeNetwork) Set(id portal.NetworkIdentity) {
	f.mu.Lock()
	f.id = &id
	f.mu.Unlock()
}

type radioNetwork struct {
	*fakeNetwork
	on bool
}

func (r radioNetwork) AdapterOn(context.Context) (bool, error) { return r.on, nil }

// fakeProber answers per network through state.
type fakeProber struct {
	net   *fakeNetwork
	mu    sync.Mutex
	calls int
	state func(id *portal.NetworkIdentity) portal.ProbeResult
}

func (p *fakeProber) Probe(ctx context.Context) portal.ProbeResult {
	id, _ := p.net.Current(ctx)
	p.mu.Lock()
	p.calls++
	state := p.state
	p.mu.Unlock()
	r := state(id)
	r.ProbedAt = time.Now()
	return r
}

func (p *fakeProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProber) SetState(fn func(id *portal.NetworkIdentity) portal.ProbeResult) {
	p.mu.Lock()
	p.state = fn
	p.mu.Unlock()
}

func captive(target string) portal.ProbeResult {
	u, _ := url.Parse(target)
	return portal.ProbeResult{State: portal.ProbeCaptivePortal, RedirectTarget: u, StatusCode: http.StatusFound}
}

type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]*credentials.Profile
	err      error
}

func newFakeStore(profiles ...credentials.Profile) *fakeStore {
	s := &fakeStore{profiles: map[string]*credentials.Profile{}}
	for _, p := range profiles {
		s.Put(p)
	}
	return s
}

func (s *fakeStore) Put(p credentials.Profile) {
	s.mu.Lock()
	s.profiles[p.Network.SSID] = &p
	s.mu.Unlock()
}

func (s *fakeStore) Get(_ context.Context, id portal.NetworkIdentity) (*credentials.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.profiles[id.SSID]
	if !ok {
		return nil, credentials.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func profileFor(id portal.NetworkIdentity, user string) credentials.Profile {
	return credentials.Profile{Network: id, Username: user, Secret: credentials.NewSecret("pw-" + user)}
}

// fakeLogin records every attempt and the peak concurrency per network.
type fakeLogin struct {
	mu        sync.Mutex
	requests  []login.Request
	active    map[string]int
	maxActive map[string]int
	outcome   func(ctx context.Context, req login.Request, call int) portal.LoginOutcome
}

func newFakeLogin(outcome func(ctx context.Context, req login.Request, call int) portal.LoginOutcome) *fakeLogin {
	return &fakeLogin{active: map[string]int{}, maxActive: map[string]int{}, outcome: outcome}
}

func (f *fakeLogin) Attempt(ctx context.Context, req login.Request) portal.LoginAttempt {
	key := req.Network.Key()
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.active[key]++
	if f.active[key] > f.maxActive[key] {
		f.maxActive[key] = f.active[key]
	}
	f.mu.Unlock()

	started := time.Now()
	outcome := f.outcome(ctx, req, call)

	f.mu.Lock()
	f.active[key]--
	f.mu.Unlock()
	return portal.LoginAttempt{
		ID:            uuid.NewString(),
		Network:       req.Network,
		StartedAt:     started,
		FinishedAt:    time.Now(),
		Outcome:       outcome,
		AttemptNumber: req.AttemptNumber,
		Strategy:      "fake",
	}
}

func (f *fakeLogin) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeLogin) MaxActive(id portal.NetworkIdentity) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive[id.Key()]
}

func (f *fakeLogin) Requests() []login.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]login.Request(nil), f.requests...)
}

func always(o portal.LoginOutcome) func(context.Context, login.Request, int) portal.LoginOutcome {
	return func(context.Context, login.Request, int) portal.LoginOutcome { return o }
}

// statusLog collects every published status.
type statusLog struct {
	mu  sync.Mutex
	all []portal.ConnectionStatus
}

func (l *statusLog) add(st portal.ConnectionStatus) {
	l.mu.Lock()
	l.all = append(l.all, st)
	l.mu.Unlock()
}

func (l *statusLog) Statuses() []portal.ConnectionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]portal.ConnectionStatus(nil), l.all...)
}

// LastSeq is the sequence number of the newest delivered status.
func (l *statusLog) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.all) == 0 {
		return 0
	}
	return l.all[len(l.all)-1].Seq
}

func (l *statusLog) Phases() []string {
	var out []string
	for _, st := range l.Statuses() {
		out = append(out, st.Phase)
	}
	return out
}

func (l *statusLog) Count(state portal.ConnectionState) int {
	n := 0
	for _, st := range l.Statuses() {
		if st.State == state {
			n++
		}
	}
	return n
}

// everySchedule is a sub-second schedule for tests; cron.Every rounds up
// to whole seconds.
type everySchedule time.Duration

func (e everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// rewriteTransport sends every request to the test server regardless of host.
type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	out := r.Clone(r.Context())
	out.URL.Scheme = t.target.Scheme
	out.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(out)
}
