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
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/marcus-qen/portalkombat/internal/login"
	"github.com/marcus-qen/portalkombat/internal/portal"
	"github.com/marcus-qen/portalkombat/internal/status"
)

type harness struct {
	network *fakeNetwork
	prober  *fakeProber
	store   *fakeStore
	login   *fakeLogin
	pub     *status.Publisher
	log     *statusLog
	ctl     *Controller
}

func testConfig() Config {
	return Config{
		Interval:     time.Hour,
		MaxRetries:   3,
		Backoff:      Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond},
		LoginTimeout: time.Second,
		ProbeOnStart: true,
	}
}

func newHarness(start portal.NetworkIdentity) *harness {
	h := &harness{
		network: newFakeNetwork(start),
		store:   newFakeStore(),
		login:   newFakeLogin(always(portal.OutcomeSuccess)),
		pub:     status.NewPublisher(20, zap.NewNop()),
		log:     &statusLog{},
	}
	h.prober = &fakeProber{net: h.network, state: func(*portal.NetworkIdentity) portal.ProbeResult {
		return portal.ProbeResult{State: portal.ProbeOnline}
	}}
	sub := h.pub.Subscribe(h.log.add)
	DeferCleanup(sub.Unsubscribe)
	return h
}

func (h *harness) deps(runner LoginRunner, network NetworkSource) Deps {
	if runner == nil {
		runner = h.login
	}
	if network == nil {
		network = h.network
	}
	return Deps{Network: network, Prober: h.prober, Credentials: h.store, Login: runner, Publisher: h.pub}
}

func (h *harness) start(cfg Config, deps Deps) {
	ctl, err := New(cfg, deps, zap.NewNop())
	Expect(err).NotTo(HaveOccurred())
	h.ctl = ctl

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer GinkgoRecover()
		defer close(done)
		Expect(ctl.Run(ctx)).To(Succeed())
	}()
	DeferCleanup(func() {
		cancel()
		Eventually(done).Should(BeClosed())
	})
}

func (h *harness) state() portal.ConnectionState { return h.pub.Current().State }

// drained waits until the subscriber has received the current status.
func (h *harness) drained() {
	GinkgoHelper()
	want := h.pub.Current().Seq
	Eventually(h.log.LastSeq).Should(Equal(want))
}

func (h *harness) phase() string                 { return h.pub.Current().Phase }

var _ = Describe("Backoff", func() {
	It("doubles from the base and caps at the maximum", func() {
		b := Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax}
		Expect(b.Delay(1)).To(Equal(2 * time.Second))
		Expect(b.Delay(2)).To(Equal(4 * time.Second))
		Expect(b.Delay(3)).To(Equal(8 * time.Second))
		Expect(b.Delay(6)).To(Equal(60 * time.Second))
		Expect(b.Delay(1000)).To(Equal(60 * time.Second))
	})

	It("is non-decreasing and never exceeds 60s", func() {
		b := Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax}
		prev := time.Duration(0)
		for n := 0; n <= 200; n++ {
			d := b.Delay(n)
			Expect(d).To(BeNumerically(">=", prev))
			Expect(d).To(BeNumerically("<=", 60*time.Second))
			prev = d
		}
	})

	It("rejects a cap below the base", func() {
		_, err := New(Config{Backoff: Backoff{Base: time.Minute, Max: time.Second}}, Deps{
			Network: newFakeNetwork(netA), Prober: &fakeProber{}, Credentials: newFakeStore(),
			Login: newFakeLogin(always(portal.OutcomeSuccess)), Publisher: status.NewPublisher(0, nil),
		}, nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Phase", func() {
	DescribeTable("maps onto the observer state",
		func(p Phase, want portal.ConnectionState) {
			Expect(p.ConnectionState()).To(Equal(want))
		},
		Entry("idle", PhaseIdle, portal.StateDisconnected),
		Entry("probing", PhaseProbing, portal.StateProbing),
		Entry("awaiting credentials", PhaseAwaitingCredentials, portal.StateLoggingIn),
		Entry("logging in", PhaseLoggingIn, portal.StateLoggingIn),
		Entry("cooldown", PhaseCooldown, portal.StateLoggingIn),
		Entry("connected", PhaseConnected, portal.StateConnected),
		Entry("failed", PhaseFailed, portal.StateFailed),
	)
})

var _ = Describe("Controller", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness(netA)
	})

	Context("when the probe reports online", func() {
		It("reaches Connected without logging in", func() {
			h.start(testConfig(), h.deps(nil, nil))
			Eventually(h.state).Should(Equal(portal.StateConnected))
			Expect(h.login.Calls()).To(BeZero())
			h.drained()
			Expect(h.log.Phases()).To(Equal([]string{"idle", "probing", "connected"}))
		})
	})

	Context("when the probe reports offline", func() {
		It("returns to Idle", func() {
			h.prober.SetState(func(*portal.NetworkIdentity) portal.ProbeResult {
				return portal.ProbeResult{State: portal.ProbeOffline, Failure: portal.FailureDNS}
			})
			h.start(testConfig(), h.deps(nil, nil))
			Eventually(h.log.Phases).Should(Equal([]string{"idle", "probing", "idle"}))
			Expect(h.pub.Current().Reason).To(ContainSubstring("dns_failure"))
		})

		It("skips HTTP when the radio is off", func() {
			h.start(testConfig(), h.deps(nil, radioNetwork{fakeNetwork: h.network, on: false}))
			Eventually(h.log.Phases).Should(Equal([]string{"idle", "probing", "idle"}))
			Expect(h.pub.Current().Reason).To(ContainSubstring("radio_off"))
			Expect(h.prober.Calls()).To(BeZero())
		})
	})

	Context("alice on a captive portal", func() {
		It("submits the form and publishes exactly one Connected status", func() {
			var (
				authed    atomic.Bool
				submitted sync.Map
			)
			mux := http.NewServeMux()
			mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					_ = r.ParseForm()
					submitted.Store("username", r.PostForm.Get("username"))
					if r.PostForm.Get("username") == "alice" && r.PostForm.Get("password") == "pw-alice" {
						authed.Store(true)
					}
					_, _ = w.Write([]byte("welcome"))
					return
				}
				_, _ = w.Write([]byte(`<html><form method="post" action="/login">
					<input name="username" type="text"><input name="password" type="password">
					<input type="submit" value="Sign in"></form></html>`))
			})
			ts := httptest.NewServer(mux)
			DeferCleanup(ts.Close)
			target, _ := url.Parse(ts.URL)

			h.prober.SetState(func(*portal.NetworkIdentity) portal.ProbeResult {
				if authed.Load() {
					return portal.ProbeResult{State: portal.ProbeOnline}
				}
				return captive("http://portal.example/login")
			})
			h.store.Put(profileFor(netA, "alice"))

			session, err := login.NewSession(login.Config{Transport: rewriteTransport{target: target}}, h.prober, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			h.start(testConfig(), h.deps(session, nil))

			Eventually(h.state).Should(Equal(portal.StateConnected))
			Consistently(func() int { return h.log.Count(portal.StateConnected) }).Should(Equal(1))

			user, _ := submitted.Load("username")
			Expect(user).To(Equal("alice"))
			h.drained()
			Expect(h.log.Phases()).To(Equal([]string{
				"idle", "probing", "awaiting_credentials", "logging_in", "connected",
			}))

			st := h.pub.Current()
			Expect(st.LastAttempt).NotTo(BeNil())
			Expect(st.LastAttempt.Outcome).To(Equal(portal.OutcomeSuccess))
			Expect(st.CurrentNetwork).To(HaveValue(Equal(netA)))
			Expect(h.pub.History()).To(HaveLen(1))
		})
	})

	Context("when no profile exists", func() {
		It("fails without invoking a login session", func() {
			h.prober.SetState(func(*portal.NetworkIdentity) portal.ProbeResult { return captive("http://portal.example/") })
			h.start(testConfig(), h.deps(nil, nil))

			Eventually(h.state).Should(Equal(portal.StateFailed))
			Consistently(h.login.Calls).Should(BeZero())
			Expect(h.pub.Current().Reason).To(ContainSubstring("manual login"))
		})

		It("treats a store failure like a missing profile", func() {
			h.prober.SetState(func(*portal.NetworkIdentity) portal.ProbeResult { return captive("http://portal.example/") })
			h.store.err = errors.New("disk on fire")
			h.start(testConfig(), h.deps(nil, nil))

			Eventually(h.state).Should(Equal(portal.StateFailed))
			Consistently(h.login.Calls).Should(BeZero())
		})
	})

	Context("when every login fails", func() {
		BeforeEach(func() {
			h.prober.SetState(func(*portal.NetworkIdentity) portal.ProbeResult { return captive("http://portal.example/") })
			h.store.Put(profileFor(netA, "alice"))
			h.login = newFakeLogin(always(portal.OutcomeInvalidCredentials))
		})

		It("gives up after maxRetries attempts and stays Failed", func() {
			h.start(testConfig(), h.deps(nil, nil))

			Eventually(h.state).Should(Equal(portal.StateFailed))
			Consistently(h.login.Calls).Should(Equal(3))

			var numbers []int
			for _, r := range h.login.Requests() {
				numbers = append(numbers, r.AttemptNumber)
			}
			Expect(numbers).To(Equal([]int{1, 2, 3}))
			Expect(h.pub.History()).To(HaveLen(3))
		})

		It("publishes a retry time on every non-final Cooldown", func() {
			h.start(testConfig(), h.deps(nil, nil))
			Eventually(h.state).Should(Equal(portal.StateFailed))
			h.drained()

			var cooldowns []portal.ConnectionStatus
			for _, st := range h.log.Statuses() {
				if st.Phase == string(PhaseCooldown) {
					cooldowns = append(cooldowns, st)
				}
			}
			Expect(cooldowns).To(HaveLen(3))
			Expect(cooldowns[0].NextRetryAt).NotTo(BeNil())
			Expect(cooldowns[1].NextRetryAt).NotTo(BeNil())
			Expect(cooldowns[2].NextRetryAt).To(BeNil())
		})

		It("retries again after a manual trigger", func() {
			h.start(testConfig(), h.deps(nil, nil))
			Eventually(h.state).Should(Equal(portal.StateFailed))

			Expect(h.ctl.Trigger(context.Background(), nil)).To(Succeed())
			Eventually(h.login.Calls).Should(Equal(6))
			Eventually(h.state).Should(Equal(portal.StateFailed))
		})
	})

	Context("statuses", func() {
		It("are delivered with strictly increasing sequence numbers", func() {
			h.prober.SetState(func(*portal.NetworkIdentity) portal.ProbeResult { return captive("http://portal.example/") })
			h.store.Put(profileFor(netA, "alice"))
			h.login = newFakeLogin(always(portal.OutcomeTimeout))
			h.start(testConfig(), h.deps(nil, nil))

			Eventually(h.state).Should(Equal(portal.StateFailed))
			h.drained()
			all := h.log.Statuses()
			for i := 1; i < len(all); i++ {
				Expect(all[i].Seq).To(Equal(all[i-1].Seq + 1))
			}
		})
	})

	Context("when the network changes during a login", func() {
		It("discards the stale attempt and keeps the new network's status", func() {
			release := make(chan struct{})
			var loginCtx atomic.Value
			h.login = newFakeLogin(func(ctx context.Context, req login.Request, call int) portal.LoginOutcome {
				loginCtx.Store(ctx)
				<-release
				return portal.OutcomeSuccess
			})
			h.prober.SetState(func(*portal.NetworkIdentity) portal.ProbeResult { return captive("http://portal.example/") })
			h.store.Put(profileFor(netA, "alice"))
			h.start(testConfig(), h.deps(nil, nil))

			Eventually(h.login.Calls).Should(Equal(1))
			Expect(h.phase()).To(Equal(string(PhaseLoggingIn)))

			h.network.Set(netB)
			Expect(h.ctl.NetworkChanged(context.Background(), &netB)).To(Succeed())
			Eventually(h.state).Should(Equal(portal.StateFailed))
			Expect(h.pub.Current().CurrentNetwork).To(HaveValue(Equal(netB)))
			Eventually(func() error { return loginCtx.Load().(context.Context).Err() }).Should(MatchError(context.Canceled))

			close(release)
			Consistently(h.state).Should(Equal(portal.StateFailed))
			Expect(h.pub.Current().CurrentNetwork).To(HaveValue(Equal(netB)))
			Expect(h.log.Count(portal.StateConnected)).To(BeZero())
			Expect(h.pub.History()).To(BeEmpty())
		})

		It("never runs two attempts for the same network at once", func() {
			release := make(chan struct{})
			h.login = newFakeLogin(func(ctx context.Context, req login.Request, call int) portal.LoginOutcome {
				if call == 1 {
					<-release
				}
				return portal.OutcomeSuccess
			})
			h.prober.SetState(func(*portal.NetworkIdentity) portal.ProbeResult { return captive("http://portal.example/") })
			h.store.Put(profileFor(netA, "alice"))
			h.start(testConfig(), h.deps(nil, nil))
			Eventually(h.login.Calls).Should(Equal(1))

			h.network.Set(netB)
			Expect(h.ctl.NetworkChanged(context.Background(), &netB)).To(Succeed())
			Eventually(h.state).Should(Equal(portal.StateFailed))

			h.network.Set(netA)
			Expect(h.ctl.NetworkChanged(context.Background(), &netA)).To(Succeed())
			Eventually(h.phase).Should(Equal(string(PhaseLoggingIn)))
			Consistently(h.login.Calls).Should(Equal(1))

			close(release)
			Eventually(h.login.Calls).Should(Equal(2))
			Eventually(h.state).Should(Equal(portal.StateConnected))
			Expect(h.login.MaxActive(netA)).To(Equal(1))
			h.drained()
			Expect(h.log.Count(portal.StateConnected)).To(Equal(1))
		})

		It("keeps at most one attempt per network under rapid switching", func() {
			h.login = newFakeLogin(func(ctx context.Context, req login.Request, call int) portal.LoginOutcome {
				time.Sleep(time.Duration(rand.Intn(15)) * time.Millisecond)
				return portal.OutcomeInvalidCredentials
			})
			h.prober.SetState(func(*portal.NetworkIdentity) portal.ProbeResult { return captive("http://portal.example/") })
			h.store.Put(profileFor(netA, "alice"))
			h.store.Put(profileFor(netB, "bob"))
			h.start(testConfig(), h.deps(nil, nil))

			for i := 0; i < 40; i++ {
				next := netA
				if rand.Intn(2) == 0 {
					next = netB
				}
				h.network.Set(next)
				Expect(h.ctl.NetworkChanged(context.Background(), &next)).To(Succeed())
				time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
			}

			Eventually(h.state).Should(Equal(portal.StateFailed))
			Expect(h.login.MaxActive(netA)).To(BeNumerically("<=", 1))
			Expect(h.login.MaxActive(netB)).To(BeNumerically("<=", 1))
		})
	})

	Context("manual trigger", func() {
		It("is rejected while a login is in flight", func() {
			release := make(chan struct{})
			DeferCleanup(func() { close(release) })
			h.login = newFakeLogin(func(ctx context.Context, req login.Request, call int) portal.LoginOutcome {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return portal.OutcomeSuccess
			})
			h.prober.SetState(func(*portal.NetworkIdentity) portal.ProbeResult { return captive("http://portal.example/") })
			h.store.Put(profileFor(netA, "alice"))
			h.start(testConfig(), h.deps(nil, nil))

			Eventually(h.login.Calls).Should(Equal(1))
			Expect(h.ctl.Trigger(context.Background(), nil)).To(MatchError(ErrBusy))
		})

		It("rejects a network the device is not on", func() {
			h.start(testConfig(), h.deps(nil, nil))
			Eventually(h.state).Should(Equal(portal.StateConnected))
			Expect(h.ctl.Trigger(context.Background(), &netB)).To(MatchError(ErrNetworkMismatch))
		})

		It("moves Connected straight to Probing", func() {
			h.start(testConfig(), h.deps(nil, nil))
			Eventually(h.state).Should(Equal(portal.StateConnected))

			Expect(h.ctl.Trigger(context.Background(), &netA)).To(Succeed())
			Eventually(h.log.Phases).Should(Equal([]string{"idle", "probing", "connected", "probing", "connected"}))
		})

		It("logs in after credentials are added to a Failed network", func() {
			h.prober.SetState(func(*portal.NetworkIdentity) portal.ProbeResult { return captive("http://portal.example/") })
			h.start(testConfig(), h.deps(nil, nil))
			Eventually(h.state).Should(Equal(portal.StateFailed))

			h.store.Put(profileFor(netA, "alice"))
			h.prober.SetState(func(*portal.NetworkIdentity) portal.ProbeResult {
				if h.login.Calls() > 0 {
					return portal.ProbeResult{State: portal.ProbeOnline}
				}
				return captive("http://portal.example/")
			})
			Expect(h.ctl.Trigger(context.Background(), nil)).To(Succeed())
			Eventually(h.state).Should(Equal(portal.StateConnected))
			Expect(h.login.Calls()).To(Equal(1))
		})
	})

	Context("on the schedule", func() {
		It("reconfirms a Connected network through Idle", func() {
			cfg := testConfig()
			cfg.Schedule = everySchedule(30 * time.Millisecond)
			h.start(cfg, h.deps(nil, nil))

			Eventually(func() []string {
				p := h.log.Phases()
				if len(p) > 6 {
					p = p[:6]
				}
				return p
			}).Should(Equal([]string{"idle", "probing", "connected", "idle", "probing", "connected"}))
		})

		It("ignores ticks while Failed", func() {
			cfg := testConfig()
			cfg.Schedule = everySchedule(20 * time.Millisecond)
			h.prober.SetState(func(*portal.NetworkIdentity) portal.ProbeResult { return captive("http://portal.example/") })
			h.start(cfg, h.deps(nil, nil))

			Eventually(h.state).Should(Equal(portal.StateFailed))
			calls := h.prober.Calls()
			Consistently(h.prober.Calls).Should(Equal(calls))
		})
	})

	It("stops cleanly and rejects commands afterwards", func() {
		ctl, err := New(testConfig(), h.deps(nil, nil), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- ctl.Run(ctx) }()
		Eventually(h.state).Should(Equal(portal.StateConnected))

		cancel()
		Eventually(done).Should(Receive(BeNil()))
		Expect(ctl.Trigger(context.Background(), nil)).To(MatchError(ErrStopped))
	})
})
