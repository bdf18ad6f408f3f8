package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"loaddriver/internal/events"
	"loaddriver/internal/stats"
	"loaddriver/internal/traffic"
)

func mustSize(s string) traffic.ByteSize {
	b, err := traffic.ParseByteSize(s)
	if err != nil {
		panic(err)
	}
	return b
}

func testPhase(concurrency int, d time.Duration, rate string) traffic.Phase {
	return traffic.Phase{
		Sources:     traffic.Mixture{{Dist: traffic.Uniform{Loc: 0, Scale: 1}, Weight: 1}},
		Rate:        mustSize(rate),
		Size:        mustSize("1M"),
		Concurrency: concurrency,
		Duration:    d,
	}
}

func testSpec(phases ...traffic.Phase) *traffic.TrafficSpec {
	return &traffic.TrafficSpec{
		Destination:  "10.0.0.2",
		SourceSubnet: netipPrefix("10.1.0.0/16"),
		Phases:       phases,
	}
}

var _ = Describe("Controller", func() {
	var (
		launcher  *fakeLauncher
		publisher *recordingPublisher
		finished  chan Status
		ctrl      *Controller
		cfg       Config
	)

	BeforeEach(func() {
		launcher = &fakeLauncher{}
		publisher = &recordingPublisher{}
		finished = make(chan Status, 4)
		cfg = Config{
			Supervisor: SupervisorConfig{
				KillTimeout:   time.Second,
				RetryInterval: 10 * time.Millisecond,
			},
			Seed:     1,
			Events:   publisher,
			OnFinish: []func(Status){func(st Status) { finished <- st }},
		}
	})

	JustBeforeEach(func() {
		ctrl = NewController(cfg, launcher, zap.NewNop())
	})

	AfterEach(func() {
		if ctrl.Running() {
			_, _ = ctrl.Abort()
		}
	})

	Describe("Start", func() {
		It("should launch the first phase's concurrency immediately", func() {
			st, err := ctrl.Start(testSpec(testPhase(3, 10*time.Second, "1M")))
			Expect(err).NotTo(HaveOccurred())
			Expect(st.State).To(Equal(StateRunning))
			Expect(st.ID).NotTo(BeEmpty())

			Expect(launcher.launched()).To(Equal(3))
			for _, w := range launcher.all() {
				Expect(w.req.Phase).To(Equal(0))
				Expect(w.req.Destination).To(Equal("10.0.0.2"))
				Expect(w.req.Rate.String()).To(Equal("1M"))
				Expect(netipPrefix("10.1.0.0/16").Contains(w.req.Source)).To(BeTrue())
			}
			Eventually(func() int64 { s, _ := ctrl.Status(); return s.Workers.Live }).Should(Equal(int64(3)))
		})

		It("should reject a second start while running", func() {
			_, err := ctrl.Start(testSpec(testPhase(1, 10*time.Second, "1M")))
			Expect(err).NotTo(HaveOccurred())

			_, err = ctrl.Start(testSpec(testPhase(1, 10*time.Second, "1M")))
			Expect(err).To(MatchError(ErrAlreadyRunning))

			_, err = ctrl.Abort()
			Expect(err).NotTo(HaveOccurred())

			_, err = ctrl.Start(testSpec(testPhase(1, 10*time.Second, "1M")))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should reject an invalid spec without touching the slot", func() {
			_, err := ctrl.Start(testSpec())
			Expect(errors.Is(err, traffic.ErrConfiguration)).To(BeTrue())
			Expect(ctrl.Running()).To(BeFalse())
			Expect(launcher.attemptCount()).To(BeZero())
		})
	})

	Describe("Abort", func() {
		It("should fail when nothing is running", func() {
			_, err := ctrl.Abort()
			Expect(err).To(MatchError(ErrNotRunning))
		})

		It("should kill and reap every worker before returning", func() {
			_, err := ctrl.Start(testSpec(testPhase(4, 10*time.Second, "1M")))
			Expect(err).NotTo(HaveOccurred())

			st, err := ctrl.Abort()
			Expect(err).NotTo(HaveOccurred())
			Expect(st.State).To(Equal(StateDone))
			Expect(st.EndReason).To(Equal(EndAborted))
			Expect(st.EndedAt).NotTo(BeNil())
			Expect(st.Workers.Killed).To(Equal(uint64(4)))
			Expect(st.Workers.Live).To(BeZero())
			Expect(launcher.liveCount()).To(BeZero())

			Eventually(finished).Should(Receive(HaveField("EndReason", EndAborted)))

			_, err = ctrl.Abort()
			Expect(err).To(MatchError(ErrNotRunning))
		})

		It("should tear down exactly once under concurrent aborts", func() {
			_, err := ctrl.Start(testSpec(testPhase(3, 10*time.Second, "1M")))
			Expect(err).NotTo(HaveOccurred())

			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := ctrl.Abort()
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				if err != nil {
					Expect(err).To(MatchError(ErrNotRunning))
				}
			}
			Expect(launcher.kills()).To(Equal(3))
			Expect(launcher.liveCount()).To(BeZero())
			Expect(finished).To(HaveLen(1))
		})

		It("should converge with a deadline firing at the same time", func() {
			_, err := ctrl.Start(testSpec(testPhase(3, 50*time.Millisecond, "1M")))
			Expect(err).NotTo(HaveOccurred())

			time.Sleep(50 * time.Millisecond)
			_, err = ctrl.Abort()
			if err != nil {
				Expect(err).To(MatchError(ErrNotRunning))
			}

			st, err := ctrl.Wait(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(st.State).To(Equal(StateDone))
			Expect(st.EndReason).To(BeElementOf(EndAborted, EndDeadline))
			Expect(launcher.kills()).To(Equal(3))
			Expect(launcher.liveCount()).To(BeZero())
		})

		Context("when workers ignore the kill signal", func() {
			BeforeEach(func() {
				launcher.ignoreKill = true
				cfg.Supervisor.KillTimeout = 50 * time.Millisecond
			})

			It("should still complete and report the stragglers", func() {
				_, err := ctrl.Start(testSpec(testPhase(2, 10*time.Second, "1M")))
				Expect(err).NotTo(HaveOccurred())

				st, err := ctrl.Abort()
				Expect(err).NotTo(HaveOccurred())
				Expect(st.State).To(Equal(StateDone))
				Expect(st.Error).To(ContainSubstring("did not exit after kill"))
				Expect(st.Workers.Live).To(BeEquivalentTo(2))

				// Late exits are reaped in the background.
				for _, w := range launcher.all() {
					w.exit(nil)
				}
				Expect(launcher.liveCount()).To(BeZero())
				Eventually(func() stats.Snapshot {
					st, _ := ctrl.Status()
					return st.Workers
				}).Should(And(
					HaveField("Live", BeZero()),
					HaveField("Killed", BeEquivalentTo(2)),
				))
			})
		})
	})

	Describe("replacement", func() {
		It("should replace each exiting worker exactly once", func() {
			_, err := ctrl.Start(testSpec(testPhase(3, 10*time.Second, "1M")))
			Expect(err).NotTo(HaveOccurred())

			Expect(launcher.launched()).To(Equal(3))
			ws := launcher.all()
			ws[0].exit(nil)
			ws[1].exit(errors.New("exit status 4"))

			Eventually(launcher.launched).Should(Equal(5))
			Consistently(launcher.liveCount, 100*time.Millisecond).Should(Equal(3))

			st, _ := ctrl.Status()
			Expect(st.Workers.Exited).To(Equal(uint64(2)))
			Expect(st.Workers.FailedExits).To(Equal(uint64(1)))
		})

		It("should parameterize replacements by the phase current at exit", func() {
			_, err := ctrl.Start(testSpec(
				testPhase(3, 300*time.Millisecond, "1k"),
				testPhase(1, 300*time.Millisecond, "2k"),
			))
			Expect(err).NotTo(HaveOccurred())
			Expect(launcher.launched()).To(Equal(3))

			time.Sleep(350 * time.Millisecond)
			for _, w := range launcher.all() {
				w.exit(nil)
			}

			Eventually(launcher.launched).Should(Equal(6))
			for _, w := range launcher.all()[3:] {
				Expect(w.req.Phase).To(Equal(1))
				Expect(w.req.Rate.String()).To(Equal("2k"))
			}
			// One replacement per exit, even though phase 1 asks for fewer.
			Expect(launcher.liveCount()).To(Equal(3))

			st, err := ctrl.Wait(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(st.EndReason).To(Equal(EndDeadline))
			Expect(st.Workers.Live).To(BeZero())
			Expect(launcher.liveCount()).To(BeZero())

			_, err = ctrl.Abort()
			Expect(err).To(MatchError(ErrNotRunning))

			Expect(publisher.types()).To(Equal([]events.Type{
				events.ExperimentStarted,
				events.PhaseChanged,
				events.ExperimentFinished,
			}))
		})

		Context("with the converge policy", func() {
			BeforeEach(func() { cfg.Supervisor.Policy = PolicyConverge })

			It("should only replace up to the new target", func() {
				_, err := ctrl.Start(testSpec(
					testPhase(3, 200*time.Millisecond, "1k"),
					testPhase(1, 10*time.Second, "2k"),
				))
				Expect(err).NotTo(HaveOccurred())

				time.Sleep(250 * time.Millisecond)
				for _, w := range launcher.all() {
					w.exit(nil)
				}

				Eventually(launcher.launched).Should(Equal(4))
				Consistently(launcher.liveCount, 100*time.Millisecond).Should(Equal(1))
			})
		})

		Context("with the exact policy", func() {
			BeforeEach(func() { cfg.Supervisor.Policy = PolicyExact })

			It("should top up at a phase boundary", func() {
				_, err := ctrl.Start(testSpec(
					testPhase(1, 100*time.Millisecond, "1k"),
					testPhase(3, 10*time.Second, "2k"),
				))
				Expect(err).NotTo(HaveOccurred())
				Expect(launcher.liveCount()).To(Equal(1))

				Eventually(launcher.liveCount).Should(Equal(3))
				st, _ := ctrl.Status()
				Expect(st.Phase).To(Equal(1))
				Expect(st.Workers.Target).To(Equal(int64(3)))
			})

			It("should trim at a phase boundary without replacing", func() {
				_, err := ctrl.Start(testSpec(
					testPhase(3, 100*time.Millisecond, "1k"),
					testPhase(1, 10*time.Second, "2k"),
				))
				Expect(err).NotTo(HaveOccurred())

				Eventually(launcher.liveCount).Should(Equal(1))
				Consistently(launcher.launched, 100*time.Millisecond).Should(Equal(3))
				Expect(launcher.kills()).To(Equal(2))
			})
		})
	})

	Describe("launch failures", func() {
		It("should retry a failed launch immediately", func() {
			launcher.failNext = 1
			_, err := ctrl.Start(testSpec(testPhase(2, 10*time.Second, "1M")))
			Expect(err).NotTo(HaveOccurred())

			Expect(launcher.launched()).To(Equal(2))
			st, _ := ctrl.Status()
			Expect(st.Workers.LaunchFailures).To(Equal(uint64(1)))
			Expect(st.Workers.Degraded).To(BeZero())
		})

		Context("when every launch fails", func() {
			BeforeEach(func() {
				launcher.failAll = true
				cfg.Supervisor.MaxLaunchAttempts = 3
			})

			It("should give up on the slots after bounded retries", func() {
				_, err := ctrl.Start(testSpec(testPhase(2, 10*time.Second, "1M")))
				Expect(err).NotTo(HaveOccurred())

				Eventually(func() uint64 { s, _ := ctrl.Status(); return s.Workers.Degraded }).Should(Equal(uint64(2)))
				Consistently(launcher.attemptCount, 100*time.Millisecond).Should(Equal(6))
				Expect(ctrl.Running()).To(BeTrue())
				Expect(publisher.types()).To(ContainElement(events.WorkerDegraded))
			})
		})
	})

	It("should serialise its status as JSON", func() {
		_, err := ctrl.Start(testSpec(testPhase(1, 10*time.Second, "1M")))
		Expect(err).NotTo(HaveOccurred())

		st, ok := ctrl.Status()
		Expect(ok).To(BeTrue())
		data, err := json.Marshal(st)
		Expect(err).NotTo(HaveOccurred())

		var decoded map[string]any
		Expect(json.Unmarshal(data, &decoded)).To(Succeed())
		Expect(decoded).To(HaveKeyWithValue("state", "running"))
		Expect(decoded).To(HaveKeyWithValue("phaseCount", 1.0))
		Expect(decoded).To(HaveKey("spec"))
	})
})

var _ = Describe("supervisor", func() {
	It("should fail loudly on an exit it is not tracking", func() {
		core, logs := observer.New(zapcore.DebugLevel)
		launcher := &fakeLauncher{}
		spec := testSpec(testPhase(2, 10*time.Second, "1M"))
		schedule, err := traffic.NewSchedule(spec.Phases)
		Expect(err).NotTo(HaveOccurred())

		sup := newSupervisor(SupervisorConfig{}, launcher, traffic.NewSampler(1), schedule, spec, stats.NewStats(), zap.New(core))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		result := make(chan error, 1)
		go func() { result <- sup.run(ctx) }()

		Eventually(launcher.launched).Should(Equal(2))
		sup.exits <- exitEvent{seq: 999, at: time.Now()}

		var runErr error
		Eventually(result).Should(Receive(&runErr))
		Expect(errors.Is(runErr, ErrBookkeeping)).To(BeTrue())
		Expect(launcher.liveCount()).To(BeZero())
		Expect(logs.FilterLevelExact(zapcore.DPanicLevel).Len()).To(Equal(1))
	})
})

var _ = Describe("ParsePolicy", func() {
	It("should default to replace", func() {
		Expect(ParsePolicy("")).To(Equal(PolicyReplace))
		Expect(ParsePolicy("exact")).To(Equal(PolicyExact))
		_, err := ParsePolicy("eventually")
		Expect(err).To(HaveOccurred())
	})
})
