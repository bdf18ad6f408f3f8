package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"loaddriver/internal/runner"
	"loaddriver/internal/traffic"
)

const defaultInterval = 200 * time.Millisecond

// Experiments is the local experiment slot Run drives.
type Experiments interface {
	Start(spec *traffic.TrafficSpec) (runner.Status, error)
	Abort() (runner.Status, error)
	Status() (runner.Status, bool)
}

// Options configures a headless run.
type Options struct {
	// Out, when set, receives the final status as JSON.
	Out      string
	Writer   io.Writer
	Interval time.Duration
}

// Run starts spec, prints a progress line until the experiment is done and
// then a summary. Cancelling ctx aborts the experiment.
func Run(ctx context.Context, ctrl Experiments, spec *traffic.TrafficSpec, opts Options) (runner.Status, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	printHeader(w, spec)

	st, err := ctrl.Start(spec)
	if err != nil {
		return st, err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := ctx.Done()
	for !st.Finished() {
		select {
		case <-done:
			done = nil
			fmt.Fprintf(w, "\n\nInterrupted, aborting experiment...\n")
			st, err = ctrl.Abort()
			if errors.Is(err, runner.ErrNotRunning) {
				st, _ = ctrl.Status()
			} else if err != nil {
				return st, err
			}
		case <-ticker.C:
			st, _ = ctrl.Status()
			printProgress(w, st)
		}
	}

	printSummary(w, st)
	if opts.Out != "" {
		if err := ExportJSON(st, opts.Out); err != nil {
			return st, fmt.Errorf("export summary: %w", err)
		}
		fmt.Fprintf(w, "\nSummary saved to %s\n", opts.Out)
	}
	return st, nil
}

func printHeader(w io.Writer, spec *traffic.TrafficSpec) {
	fmt.Fprintf(w, "\nSTARTING EXPERIMENT\n")
	fmt.Fprintf(w, "======================================================================\n")
	fmt.Fprintf(w, "Destination : %s\n", spec.Destination)
	fmt.Fprintf(w, "Sources     : %s\n", spec.Subnet())
	fmt.Fprintf(w, "Duration    : %s over %d phase(s)\n", spec.TotalDuration(), len(spec.Phases))
	for i, p := range spec.Phases {
		fmt.Fprintf(w, "  [%d] %-8s clients=%-4d rate=%-6s size=%s\n",
			i, p.Duration, p.Concurrency, p.Rate, p.Size)
	}
	fmt.Fprintf(w, "======================================================================\n\n")
}

// ProgressLine renders one status line.
func ProgressLine(st runner.Status) string {
	pct := 0.0
	if st.TotalSeconds > 0 {
		pct = st.ElapsedSeconds / st.TotalSeconds
	}
	if pct > 1.0 {
		pct = 1.0
	}
	elapsed := time.Duration(st.ElapsedSeconds * float64(time.Second)).Round(time.Second)
	total := time.Duration(st.TotalSeconds * float64(time.Second))

	return fmt.Sprintf("%s %3.0f%% | %s/%s | Phase: %d/%d | Live: %3d/%-3d | Exits: %d | Fail: %d",
		progressBar(pct, 20), pct*100,
		elapsed, total,
		st.Phase+1, st.PhaseCount,
		st.Workers.Live, st.Workers.Target,
		st.Workers.Exited,
		st.Workers.FailedExits,
	)
}

func printProgress(w io.Writer, st runner.Status) {
	if st.State == runner.StateAborting {
		fmt.Fprintf(w, "\r%s | Terminating %d workers...                ", progressBar(1.0, 20), st.Workers.Live)
		return
	}
	fmt.Fprintf(w, "\r%s", ProgressLine(st))
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

func printSummary(w io.Writer, st runner.Status) {
	ws := st.Workers
	fmt.Fprintf(w, "\n\nEXPERIMENT RESULTS\n")
	fmt.Fprintf(w, "======================================================================\n")
	fmt.Fprintf(w, "ID              : %s\n", st.ID)
	fmt.Fprintf(w, "End Reason      : %s\n", st.EndReason)
	fmt.Fprintf(w, "Elapsed         : %s\n", time.Duration(st.ElapsedSeconds*float64(time.Second)).Round(time.Millisecond))
	fmt.Fprintf(w, "Launched        : %d\n", ws.Launched)
	fmt.Fprintf(w, "Launch Failures : %d\n", ws.LaunchFailures)
	fmt.Fprintf(w, "Exited          : %d (failed %d, killed %d)\n", ws.Exited, ws.FailedExits, ws.Killed)
	fmt.Fprintf(w, "Degraded Slots  : %d\n", ws.Degraded)
	fmt.Fprintf(w, "\nWORKER LIFETIMES (ms)\n")
	fmt.Fprintf(w, "   P50 : %d\n", ws.P50LifetimeMs)
	fmt.Fprintf(w, "   P90 : %d\n", ws.P90LifetimeMs)
	fmt.Fprintf(w, "   P99 : %d\n", ws.P99LifetimeMs)
	fmt.Fprintf(w, "   Max : %d\n", ws.MaxLifetimeMs)
	if st.Error != "" {
		fmt.Fprintf(w, "\nERROR: %s\n", st.Error)
	}
	fmt.Fprintf(w, "======================================================================\n")
}
