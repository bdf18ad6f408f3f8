package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"loaddriver/internal/events"
	"loaddriver/internal/metrics"
	"loaddriver/internal/stats"
	"loaddriver/internal/traffic"
)

// Experiment is one run of a TrafficSpec. It is started once and discarded
// when Done.
type Experiment struct {
	id       string
	spec     *traffic.TrafficSpec
	schedule *traffic.Schedule
	policy   Policy
	stats    *stats.Stats
	sup      *supervisor

	logger    *zap.Logger
	metrics   *metrics.Metrics
	publisher events.Publisher

	cancel context.CancelCauseFunc
	done   chan struct{}

	mu        sync.Mutex
	state     State
	startedAt time.Time
	endedAt   time.Time
	reason    EndReason
	err       error
}

func newExperiment(spec *traffic.TrafficSpec, schedule *traffic.Schedule, cfg Config, launcher Launcher, sampler *traffic.Sampler, logger *zap.Logger) *Experiment {
	id := newID()
	e := &Experiment{
		id:        id,
		spec:      spec,
		schedule:  schedule,
		policy:    cfg.Supervisor.withDefaults().Policy,
		stats:     stats.NewStats(),
		logger:    logger.With(zap.String("experiment", id)),
		metrics:   cfg.Metrics,
		publisher: cfg.Events,
		done:      make(chan struct{}),
	}
	if e.publisher == nil {
		e.publisher = events.Nop{}
	}
	e.sup = newSupervisor(cfg.Supervisor, launcher, sampler, schedule, spec, e.stats, e.logger)
	e.sup.metrics = cfg.Metrics
	e.sup.notify = e.publish
	e.sup.onTeardown = e.beginTeardown
	return e
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (e *Experiment) ID() string { return e.id }

// start moves the experiment to Running, launches the first phase's workers
// and hands the pool to a supervisor goroutine. The deadline is the sum of
// all phase durations.
func (e *Experiment) start(onDone func(*Experiment)) {
	base, cancel := context.WithCancelCause(context.Background())
	ctx, stop := context.WithTimeoutCause(base, e.schedule.Total(), errDeadline)
	e.cancel = cancel

	e.mu.Lock()
	e.state = StateRunning
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.metrics.SetState(StateRunning.String())
	e.logger.Info("experiment started",
		zap.String("destination", e.spec.Destination),
		zap.Int("phases", e.schedule.Len()),
		zap.Duration("total", e.schedule.Total()),
		zap.String("policy", string(e.policy)))
	e.sup.begin(ctx)
	e.publish(events.ExperimentStarted, "")

	go func() {
		err := e.sup.loop(ctx)
		cause := context.Cause(ctx)
		stop()
		cancel(err)
		e.finish(err, cause)
		if onDone != nil {
			onDone(e)
		}
		close(e.done)
	}()
}

func (e *Experiment) beginTeardown() {
	e.mu.Lock()
	if e.state == StateRunning {
		e.state = StateAborting
	}
	e.mu.Unlock()
	e.metrics.SetState(StateAborting.String())
}

func (e *Experiment) finish(err, cause error) {
	e.mu.Lock()
	e.state = StateDone
	e.endedAt = time.Now()
	e.err = err
	switch {
	case errors.Is(err, ErrBookkeeping):
		e.reason = EndFailed
	case errors.Is(cause, errAborted):
		e.reason = EndAborted
	default:
		e.reason = EndDeadline
	}
	reason := e.reason
	e.mu.Unlock()

	e.metrics.SetState(StateDone.String())
	e.metrics.RecordExperiment(string(reason))

	fields := []zap.Field{
		zap.String("reason", string(reason)),
		zap.Duration("elapsed", e.endedAt.Sub(e.startedAt)),
		zap.Uint64("launched", e.stats.Snapshot().Launched),
	}
	if err != nil {
		e.logger.Error("experiment finished with errors", append(fields, zap.Error(err))...)
	} else {
		e.logger.Info("experiment finished", fields...)
	}
	e.publish(events.ExperimentFinished, string(reason))
}

func (e *Experiment) publish(t events.Type, reason string) {
	snap := e.stats.Snapshot()
	ev := events.Event{
		Type:         t,
		ExperimentID: e.id,
		Time:         time.Now(),
		Phase:        int(snap.Phase),
		Target:       int(snap.Target),
		Live:         int(snap.Live),
		Reason:       reason,
	}
	if err := e.publisher.Publish(context.Background(), ev); err != nil {
		e.logger.Warn("publish event", zap.String("type", string(t)), zap.Error(err))
	}
}

// Abort tears the experiment down and blocks until every worker is reaped.
// Concurrent calls, and a call racing the deadline, share one teardown.
func (e *Experiment) Abort() error {
	e.mu.Lock()
	state := e.state
	if state == StateRunning {
		e.state = StateAborting
	}
	e.mu.Unlock()

	if state != StateRunning && state != StateAborting {
		return ErrNotRunning
	}
	e.cancel(errAborted)
	<-e.done
	return nil
}

// Done is closed once the experiment has reached the Done state.
func (e *Experiment) Done() <-chan struct{} { return e.done }

// Wait blocks until the experiment is Done or ctx ends.
func (e *Experiment) Wait(ctx context.Context) (Status, error) {
	select {
	case <-e.done:
		return e.Status(), nil
	case <-ctx.Done():
		return e.Status(), ctx.Err()
	}
}

func (e *Experiment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Experiment) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.stats.Snapshot()
	st := Status{
		ID:           e.id,
		State:        e.state,
		Destination:  e.spec.Destination,
		StartedAt:    e.startedAt,
		TotalSeconds: e.schedule.Total().Seconds(),
		Phase:        int(snap.Phase),
		PhaseCount:   e.schedule.Len(),
		Policy:       e.policy,
		EndReason:    e.reason,
		Workers:      snap,
		Spec:         e.spec,
	}
	end := time.Now()
	if e.state == StateDone {
		ended := e.endedAt
		st.EndedAt = &ended
		end = ended
	}
	if !e.startedAt.IsZero() {
		st.ElapsedSeconds = end.Sub(e.startedAt).Seconds()
	}
	if e.err != nil {
		st.Error = e.err.Error()
	}
	return st
}
