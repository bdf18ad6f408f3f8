package runner

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"loaddriver/internal/events"
	"loaddriver/internal/metrics"
	"loaddriver/internal/stats"
	"loaddriver/internal/traffic"
)

// Policy selects how the pool follows phase concurrency targets.
type Policy string

const (
	// PolicyReplace launches exactly one replacement per exit. A new
	// phase's concurrency only takes effect as workers exit.
	PolicyReplace Policy = "replace"
	// PolicyConverge launches or withholds replacements on exit so the
	// pool moves towards the current target.
	PolicyConverge Policy = "converge"
	// PolicyExact converges on exit and also tops up or trims the pool at
	// every phase boundary.
	PolicyExact Policy = "exact"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return PolicyReplace, nil
	case PolicyReplace, PolicyConverge, PolicyExact:
		return p, nil
	}
	return "", fmt.Errorf("unknown concurrency policy %q (want replace, converge or exact)", s)
}

const (
	DefaultKillTimeout       = 5 * time.Second
	DefaultMaxLaunchAttempts = 5
	DefaultRetryInterval     = 500 * time.Millisecond
)

// SupervisorConfig tunes the worker pool.
type SupervisorConfig struct {
	Policy Policy
	// KillTimeout bounds how long teardown waits for killed workers.
	KillTimeout time.Duration
	// MaxLaunchAttempts is the number of launches tried for one slot
	// before it is abandoned.
	MaxLaunchAttempts int
	// RetryInterval is the minimum spacing of back-off launch retries.
	RetryInterval time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.Policy == "" {
		c.Policy = PolicyReplace
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = DefaultKillTimeout
	}
	if c.MaxLaunchAttempts <= 0 {
		c.MaxLaunchAttempts = DefaultMaxLaunchAttempts
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	return c
}

type tracked struct {
	seq     uint64
	w       Worker
	phase   int
	started time.Time
	killed  bool
}

type exitEvent struct {
	seq uint64
	err error
	at  time.Time
}

// supervisor owns the live worker set of one experiment. begin and loop run
// one after the other; only the per-worker wait goroutines run alongside.
type supervisor struct {
	cfg         SupervisorConfig
	launcher    Launcher
	sampler     *traffic.Sampler
	schedule    *traffic.Schedule
	destination string
	subnet      netip.Prefix

	logger  *zap.Logger
	stats   *stats.Stats
	metrics *metrics.Metrics
	notify  func(t events.Type, reason string)

	// onTeardown runs once when the termination path starts.
	onTeardown func()

	start    time.Time
	live     map[uint64]*tracked
	trimming int
	nextSeq  uint64
	exits    chan exitEvent
	phase    int

	pending  []int // attempts made so far, one entry per unfilled slot
	limiter  *rate.Limiter
	retry    *time.Timer
	boundary *time.Timer
}

func newSupervisor(cfg SupervisorConfig, launcher Launcher, sampler *traffic.Sampler, schedule *traffic.Schedule, spec *traffic.TrafficSpec, st *stats.Stats, logger *zap.Logger) *supervisor {
	cfg = cfg.withDefaults()
	s := &supervisor{
		cfg:         cfg,
		launcher:    launcher,
		sampler:     sampler,
		schedule:    schedule,
		destination: spec.Destination,
		subnet:      spec.Subnet(),
		logger:      logger,
		stats:       st,
		notify:      func(events.Type, string) {},
		onTeardown:  func() {},
		live:        make(map[uint64]*tracked),
		exits:       make(chan exitEvent),
		limiter:     rate.NewLimiter(rate.Every(cfg.RetryInterval), 1),
	}
	// Empty bucket: the first back-off retry waits a full interval.
	s.limiter.Allow()
	return s
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *supervisor) elapsed() time.Duration {
	return time.Since(s.start)
}

// active counts live workers that are not being trimmed.
func (s *supervisor) active() int {
	return len(s.live) - s.trimming
}

// run launches the first phase and then serves exits, phase boundaries and
// retries until ctx is done. It returns only after every worker is reaped
// or the kill timeout has expired.
func (s *supervisor) run(ctx context.Context) error {
	s.begin(ctx)
	return s.loop(ctx)
}

// begin starts the clock and launches the first phase's workers.
func (s *supervisor) begin(ctx context.Context) {
	s.start = time.Now()
	_, first, _ := s.schedule.Current(0)
	s.setPhase(0, first)
	for i := 0; i < first.Concurrency && ctx.Err() == nil; i++ {
		s.launchSlot(ctx)
	}
	s.armBoundary()
}

func (s *supervisor) loop(ctx context.Context) error {
	defer s.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return s.teardown()

		case ex := <-s.exits:
			if err := s.handleExit(ctx, ex); err != nil {
				s.logger.DPanic("lost track of worker processes", zap.Error(err))
				if terr := s.teardown(); terr != nil {
					return errors.Join(err, terr)
				}
				return err
			}

		case <-timerC(s.boundary):
			s.boundary = nil
			s.onBoundary(ctx)
			s.armBoundary()

		case <-timerC(s.retry):
			s.retry = nil
			s.retryPending(ctx)
			s.armRetry()
		}
	}
}

func (s *supervisor) handleExit(ctx context.Context, ex exitEvent) error {
	t, ok := s.live[ex.seq]
	if !ok {
		return fmt.Errorf("%w: exit of unknown worker #%d", ErrBookkeeping, ex.seq)
	}
	s.reap(t, ex)

	if t.killed || ctx.Err() != nil {
		return nil
	}
	if s.cfg.Policy == PolicyReplace {
		s.launchSlot(ctx)
		return nil
	}
	s.converge(ctx)
	return nil
}

func (s *supervisor) reap(t *tracked, ex exitEvent) {
	delete(s.live, t.seq)
	if t.killed && s.trimming > 0 {
		s.trimming--
	}
	s.record(t, ex)
	s.metrics.SetLive(len(s.live))
}

// record accounts for one exit in stats, metrics and the log. It touches no
// supervisor state, so the teardown drainer can call it after loop returns.
func (s *supervisor) record(t *tracked, ex exitEvent) {
	lifetime := ex.at.Sub(t.started)
	failed := ex.err != nil
	outcome := "ok"
	switch {
	case t.killed:
		outcome = "killed"
	case failed:
		outcome = "error"
	}
	s.stats.AddExit(lifetime, failed, t.killed)
	s.metrics.RecordExit(outcome, lifetime)

	s.logger.Debug("worker exited",
		zap.Int("pid", t.w.ID()),
		zap.Int("phase", t.phase),
		zap.Duration("lifetime", lifetime),
		zap.String("outcome", outcome),
		zap.Error(ex.err))
}

// current resolves the phase in effect now and records a change.
func (s *supervisor) current() (int, traffic.Phase, error) {
	idx, phase, err := s.schedule.Current(s.elapsed())
	if err != nil {
		return 0, traffic.Phase{}, err
	}
	if idx != s.phase {
		s.setPhase(idx, phase)
		s.logger.Info("phase started",
			zap.Int("phase", idx),
			zap.Int("target", phase.Concurrency),
			zap.String("rate", phase.Rate.String()),
			zap.String("size", phase.Size.String()))
		s.notify(events.PhaseChanged, "")
	}
	return idx, phase, nil
}

func (s *supervisor) setPhase(idx int, phase traffic.Phase) {
	s.phase = idx
	s.stats.SetPhase(idx, phase.Concurrency)
	s.metrics.SetPhase(idx, phase.Concurrency)
}

// launchSlot fills one slot: a launch and one immediate retry, then
// rate-limited retries until MaxLaunchAttempts. It reports false when the
// slot was given up.
func (s *supervisor) launchSlot(ctx context.Context) bool {
	for attempt := 1; attempt <= 2; attempt++ {
		err := s.launchOne(ctx, attempt)
		if err == nil {
			return true
		}
		if !s.retryable(ctx, err) {
			return false
		}
		if attempt >= s.cfg.MaxLaunchAttempts {
			s.degrade(err)
			return false
		}
	}
	s.pending = append(s.pending, 2)
	s.armRetry()
	return true
}

func (s *supervisor) retryable(ctx context.Context, err error) bool {
	return ctx.Err() == nil && !errors.Is(err, traffic.ErrPastDeadline)
}

func (s *supervisor) launchOne(ctx context.Context, attempt int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	idx, phase, err := s.current()
	if err != nil {
		return err
	}
	src, err := s.sampler.Address(phase.Sources, s.subnet)
	if err != nil {
		return err
	}

	req := WorkerRequest{
		Phase:       idx,
		Source:      src,
		Destination: s.destination,
		Rate:        phase.Rate,
		Size:        phase.Size,
	}
	w, err := s.launcher.Launch(ctx, req)
	s.metrics.RecordLaunch(err)
	s.stats.AddLaunch(err == nil)
	if err != nil {
		lerr := &LaunchError{Phase: idx, Attempt: attempt, Err: err}
		s.logger.Warn("worker launch failed", zap.Error(lerr))
		return lerr
	}

	s.nextSeq++
	t := &tracked{seq: s.nextSeq, w: w, phase: idx, started: time.Now()}
	s.live[t.seq] = t
	s.metrics.SetLive(len(s.live))
	go s.wait(t.seq, w)

	s.logger.Debug("worker launched",
		zap.Int("pid", w.ID()),
		zap.Int("phase", idx),
		zap.Stringer("source", src))
	return nil
}

func (s *supervisor) wait(seq uint64, w Worker) {
	err := w.Wait()
	s.exits <- exitEvent{seq: seq, err: err, at: time.Now()}
}

func (s *supervisor) degrade(err error) {
	s.stats.AddDegraded()
	s.metrics.RecordDegraded()
	s.logger.Warn("abandoning worker slot, running below target concurrency",
		zap.Int("phase", s.phase),
		zap.Int("live", len(s.live)),
		zap.Error(err))
	s.notify(events.WorkerDegraded, err.Error())
}

func (s *supervisor) armRetry() {
	if s.retry != nil || len(s.pending) == 0 {
		return
	}
	s.retry = time.NewTimer(s.limiter.Reserve().Delay())
}

func (s *supervisor) retryPending(ctx context.Context) {
	if len(s.pending) == 0 || ctx.Err() != nil {
		return
	}
	attempts := s.pending[0]
	s.pending = s.pending[1:]

	if s.cfg.Policy != PolicyReplace {
		if _, phase, err := s.current(); err != nil || s.active()+len(s.pending) >= phase.Concurrency {
			return
		}
	}

	attempts++
	err := s.launchOne(ctx, attempts)
	switch {
	case err == nil || !s.retryable(ctx, err):
	case attempts >= s.cfg.MaxLaunchAttempts:
		s.degrade(err)
	default:
		s.pending = append(s.pending, attempts)
	}
}

// converge launches until active workers plus pending retries reach the
// current target. It never kills.
func (s *supervisor) converge(ctx context.Context) {
	_, phase, err := s.current()
	if err != nil {
		return
	}
	for s.active()+len(s.pending) < phase.Concurrency {
		if !s.launchSlot(ctx) {
			return
		}
	}
}

func (s *supervisor) armBoundary() {
	next, ok := s.schedule.NextBoundary(s.elapsed())
	if !ok {
		return
	}
	s.boundary = time.NewTimer(next - s.elapsed())
}

func (s *supervisor) onBoundary(ctx context.Context) {
	_, phase, err := s.current()
	if err != nil || s.cfg.Policy != PolicyExact || ctx.Err() != nil {
		return
	}
	s.converge(ctx)

	excess := s.active() - phase.Concurrency
	if excess <= 0 {
		return
	}
	// Trim the most recently started workers first.
	victims := make([]*tracked, 0, len(s.live))
	for _, t := range s.live {
		if !t.killed {
			victims = append(victims, t)
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].seq > victims[j].seq })
	for _, t := range victims[:excess] {
		s.kill(t)
		s.trimming++
	}
	s.logger.Info("trimmed workers at phase boundary", zap.Int("killed", excess), zap.Int("target", phase.Concurrency))
}

func (s *supervisor) kill(t *tracked) {
	t.killed = true
	if err := t.w.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("kill worker", zap.Int("pid", t.w.ID()), zap.Error(err))
	}
}

func (s *supervisor) stopTimers() {
	if s.boundary != nil {
		s.boundary.Stop()
		s.boundary = nil
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// teardown kills every live worker and waits for each to be reaped, up to
// KillTimeout. Workers that outlive the timeout are reaped in the background.
func (s *supervisor) teardown() error {
	s.stopTimers()
	s.pending = nil
	s.onTeardown()

	if len(s.live) == 0 {
		return nil
	}
	s.logger.Info("terminating workers", zap.Int("live", len(s.live)))
	for _, t := range s.live {
		if !t.killed {
			s.kill(t)
		}
	}

	timeout := time.NewTimer(s.cfg.KillTimeout)
	defer timeout.Stop()
	for len(s.live) > 0 {
		select {
		case ex := <-s.exits:
			t, ok := s.live[ex.seq]
			if !ok {
				s.logger.Error("exit of unknown worker during teardown", zap.Uint64("seq", ex.seq))
				continue
			}
			s.reap(t, ex)

		case <-timeout.C:
			terr := &TeardownError{}
			for _, t := range s.live {
				terr.PIDs = append(terr.PIDs, t.w.ID())
			}
			sort.Ints(terr.PIDs)
			s.logger.Error("teardown timed out", zap.Error(terr))
			go s.drain(s.live)
			s.live = make(map[uint64]*tracked)
			return terr
		}
	}
	return nil
}

// drain reaps workers that outlived teardown. It owns stragglers, which the
// supervisor no longer touches.
func (s *supervisor) drain(stragglers map[uint64]*tracked) {
	for len(stragglers) > 0 {
		ex := <-s.exits
		t, ok := stragglers[ex.seq]
		if !ok {
			s.logger.Error("exit of unknown worker after teardown", zap.Uint64("seq", ex.seq))
			continue
		}
		delete(stragglers, ex.seq)
		s.record(t, ex)
		s.metrics.SetLive(len(stragglers))
		s.logger.Info("reaped worker after teardown", zap.Int("pid", t.w.ID()), zap.Int("remaining", len(stragglers)))
	}
}
