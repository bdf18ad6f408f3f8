package runner

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"loaddriver/internal/events"
	"loaddriver/internal/metrics"
	"loaddriver/internal/traffic"
)

// Config wires a Controller.
type Config struct {
	Supervisor SupervisorConfig
	// Seed for source-address sampling; 0 seeds from the clock.
	Seed    uint64
	Metrics *metrics.Metrics
	Events  events.Publisher
	// OnFinish hooks run after an experiment reaches Done, before waiters
	// are released.
	OnFinish []func(Status)
}

// Controller holds the process-wide experiment slot: at most one experiment
// is Running or Aborting at any time.
type Controller struct {
	cfg      Config
	launcher Launcher
	sampler  *traffic.Sampler
	logger   *zap.Logger

	mu      sync.Mutex
	current *Experiment
}

func NewController(cfg Config, launcher Launcher, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:      cfg,
		launcher: launcher,
		sampler:  traffic.NewSampler(cfg.Seed),
		logger:   logger,
	}
}

// Start validates spec and begins a new experiment. It fails with
// ErrAlreadyRunning while the previous one has not reached Done.
func (c *Controller) Start(spec *traffic.TrafficSpec) (Status, error) {
	if err := spec.Validate(); err != nil {
		return Status{}, err
	}
	schedule, err := traffic.NewSchedule(spec.Phases)
	if err != nil {
		return Status{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.State() != StateDone {
		return c.current.Status(), ErrAlreadyRunning
	}

	exp := newExperiment(spec, schedule, c.cfg, c.launcher, c.sampler, c.logger)
	c.current = exp
	exp.start(c.finished)
	return exp.Status(), nil
}

func (c *Controller) finished(exp *Experiment) {
	st := exp.Status()
	for _, hook := range c.cfg.OnFinish {
		hook(st)
	}
}

// Abort stops the running experiment and waits for its teardown. If a
// teardown is already in progress it waits for that one.
func (c *Controller) Abort() (Status, error) {
	c.mu.Lock()
	exp := c.current
	c.mu.Unlock()

	if exp == nil {
		return Status{}, ErrNotRunning
	}
	if err := exp.Abort(); err != nil {
		return exp.Status(), err
	}
	return exp.Status(), nil
}

// Status returns the current or most recent experiment.
func (c *Controller) Status() (Status, bool) {
	c.mu.Lock()
	exp := c.current
	c.mu.Unlock()

	if exp == nil {
		return Status{}, false
	}
	return exp.Status(), true
}

// Running reports whether an experiment occupies the slot.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.State() != StateDone
}

// Wait blocks until the current experiment is Done.
func (c *Controller) Wait(ctx context.Context) (Status, error) {
	c.mu.Lock()
	exp := c.current
	c.mu.Unlock()

	if exp == nil {
		return Status{}, ErrNotRunning
	}
	return exp.Wait(ctx)
}
