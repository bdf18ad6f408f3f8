// Package orchestrate drives the same experiment on every driver host.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"loaddriver/internal/client"
	"loaddriver/internal/inventory"
	"loaddriver/internal/runner"
	"loaddriver/internal/traffic"
)

const (
	DefaultLimit        = 16
	DefaultReadyTimeout = 5 * time.Second
	DefaultPollInterval = time.Second
)

// Driver is the subset of the control client the orchestrator uses.
type Driver interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
	Submit(ctx context.Context, spec *traffic.TrafficSpec) (runner.Status, error)
	Abort(ctx context.Context) (runner.Status, error)
	Status(ctx context.Context) (runner.Status, error)
}

// Config configures an Orchestrator.
type Config struct {
	// Limit bounds concurrent requests.
	Limit        int
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

// Orchestrator fans operations out to a set of driver hosts.
type Orchestrator struct {
	cfg     Config
	hosts   []inventory.Host
	drivers map[string]Driver
	logger  *zap.Logger
}

// New builds an orchestrator over hosts with a control client per host.
func New(cfg Config, hosts []inventory.Host, logger *zap.Logger) *Orchestrator {
	return NewWithDrivers(cfg, hosts, func(h inventory.Host) Driver {
		return client.New(h.ControlAddr())
	}, logger)
}

// NewWithDrivers is New with a custom driver constructor.
func NewWithDrivers(cfg Config, hosts []inventory.Host, dial func(inventory.Host) Driver, logger *zap.Logger) *Orchestrator {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{cfg: cfg, hosts: hosts, drivers: make(map[string]Driver, len(hosts)), logger: logger}
	for _, h := range hosts {
		o.drivers[h.Name] = dial(h)
	}
	return o
}

// Result is the outcome of one operation on one host.
type Result struct {
	Host   string
	Status runner.Status
	Err    error
}

// Report collects per-host results, ordered by host name.
type Report struct {
	Op      string
	Results []Result
}

// Failed lists the hosts whose operation failed.
func (r *Report) Failed() []string {
	var names []string
	for _, res := range r.Results {
		if res.Err != nil {
			names = append(names, res.Host)
		}
	}
	return names
}

// Err joins every host error, or nil.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Host, res.Err))
		}
	}
	return errors.Join(errs...)
}

// Print writes one line per host and a final "Failed:" line when any host
// failed.
func (r *Report) Print(w io.Writer) {
	for _, res := range r.Results {
		if res.Err != nil {
			fmt.Fprintf(w, "%-12s %-6s error: %v\n", res.Host, r.Op, res.Err)
			continue
		}
		fmt.Fprintf(w, "%-12s %-6s %s id=%s", res.Host, r.Op, res.Status.State, res.Status.ID)
		if res.Status.EndReason != "" {
			fmt.Fprintf(w, " reason=%s", res.Status.EndReason)
		}
		fmt.Fprintln(w)
	}
	if failed := r.Failed(); len(failed) > 0 {
		fmt.Fprintf(w, "Failed: %s\n", strings.Join(failed, " "))
	}
}

// each runs op on every host with at most Limit in flight. Host errors land
// in the report; they never cancel the other hosts.
func (o *Orchestrator) each(ctx context.Context, name string, op func(context.Context, Driver) (runner.Status, error)) *Report {
	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(o.hosts))
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Limit)
	for _, h := range o.hosts {
		d := o.drivers[h.Name]
		g.Go(func() error {
			st, err := op(ctx, d)
			if err != nil {
				o.logger.Warn("driver operation failed",
					zap.String("op", name),
					zap.String("host", h.Name),
					zap.Error(err))
			} else {
				o.logger.Debug("driver operation done",
					zap.String("op", name),
					zap.String("host", h.Name),
					zap.String("state", st.State.String()))
			}
			mu.Lock()
			results = append(results, Result{Host: h.Name, Status: st, Err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Host < results[j].Host })
	return &Report{Op: name, Results: results}
}

// Start waits for every driver's control port, then submits spec.
func (o *Orchestrator) Start(ctx context.Context, spec *traffic.TrafficSpec) *Report {
	return o.each(ctx, "start", func(ctx context.Context, d Driver) (runner.Status, error) {
		if err := d.WaitReady(ctx, o.cfg.ReadyTimeout); err != nil {
			return runner.Status{}, err
		}
		return d.Submit(ctx, spec)
	})
}

// Abort stops the experiment on every driver. A driver with nothing running
// counts as success and is not contacted again: it may already be shutting
// down after the abort request.
func (o *Orchestrator) Abort(ctx context.Context) *Report {
	return o.each(ctx, "abort", func(ctx context.Context, d Driver) (runner.Status, error) {
		st, err := d.Abort(ctx)
		if errors.Is(err, runner.ErrNotRunning) {
			return runner.Status{State: runner.StateIdle}, nil
		}
		return st, err
	})
}

// Status collects the current status of every driver.
func (o *Orchestrator) Status(ctx context.Context) *Report {
	return o.each(ctx, "status", func(ctx context.Context, d Driver) (runner.Status, error) {
		return d.Status(ctx)
	})
}

// Wait polls every driver until its experiment reaches Done.
func (o *Orchestrator) Wait(ctx context.Context) *Report {
	return o.each(ctx, "wait", func(ctx context.Context, d Driver) (runner.Status, error) {
		ticker := time.NewTicker(o.cfg.PollInterval)
		defer ticker.Stop()
		for {
			st, err := d.Status(ctx)
			if err != nil {
				return st, err
			}
			if st.Finished() {
				return st, nil
			}
			select {
			case <-ctx.Done():
				return st, ctx.Err()
			case <-ticker.C:
			}
		}
	})
}
