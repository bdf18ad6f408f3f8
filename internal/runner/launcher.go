package runner

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"text/template"

	"go.uber.org/zap"
)

// Worker is one running client process.
type Worker interface {
	// ID is the process id, used for logging only.
	ID() int
	// Wait blocks until the worker exits. It is called exactly once.
	Wait() error
	// Kill terminates the worker and everything it spawned. It returns
	// os.ErrProcessDone when the worker is already gone.
	Kill() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, req WorkerRequest) (Worker, error)
}

// ExecConfig configures an ExecLauncher.
type ExecConfig struct {
	// Command is a text/template rendered per worker with TemplateData.
	// Empty selects DefaultCommand, or DryRunCommand when DryRun is set.
	Command string
	DryRun  bool
	// Shell runs the rendered line through /bin/sh -c. Otherwise the
	// template is split into words before rendering and each word becomes
	// exactly one argument.
	Shell bool

	Stdout io.Writer
	Stderr io.Writer
}

// ExecLauncher runs each worker as an external command in its own process
// group.
type ExecLauncher struct {
	engine *TemplateEngine
	tmpl   *template.Template   // shell mode
	words  []*template.Template // argv mode, one per word
	shell  bool
	stdout io.Writer
	stderr io.Writer
	logger *zap.Logger
}

func NewExecLauncher(cfg ExecConfig, logger *zap.Logger) (*ExecLauncher, error) {
	text := cfg.Command
	if text == "" {
		text = DefaultCommand
		if cfg.DryRun {
			text = DryRunCommand
		}
	}

	l := &ExecLauncher{
		engine: NewTemplateEngine(),
		shell:  cfg.Shell,
		stdout: cfg.Stdout,
		stderr: cfg.Stderr,
		logger: logger,
	}

	if cfg.Shell {
		tmpl, err := l.engine.Parse("worker", text)
		if err != nil {
			return nil, fmt.Errorf("parse worker command: %w", err)
		}
		l.tmpl = tmpl
		return l, nil
	}

	words := SplitWords(text)
	if len(words) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	for i, w := range words {
		tmpl, err := l.engine.Parse(fmt.Sprintf("worker[%d]", i), w)
		if err != nil {
			return nil, fmt.Errorf("parse worker command: %w", err)
		}
		l.words = append(l.words, tmpl)
	}
	return l, nil
}

// Command renders the argv for req.
func (l *ExecLauncher) Command(req WorkerRequest) ([]string, error) {
	data := newTemplateData(req)
	if l.shell {
		line, err := l.engine.Execute(l.tmpl, data)
		if err != nil {
			return nil, fmt.Errorf("render worker command: %w", err)
		}
		return []string{"/bin/sh", "-c", line}, nil
	}

	argv := make([]string, 0, len(l.words))
	for _, w := range l.words {
		arg, err := l.engine.Execute(w, data)
		if err != nil {
			return nil, fmt.Errorf("render worker command: %w", err)
		}
		// A word that renders empty is dropped, as whitespace splitting would.
		if arg != "" {
			argv = append(argv, arg)
		}
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	return argv, nil
}

func (l *ExecLauncher) Launch(ctx context.Context, req WorkerRequest) (Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv, err := l.Command(req)
	if err != nil {
		return nil, err
	}

	// Not CommandContext: the supervisor owns the kill path so it can
	// signal the whole process group and account for the exit.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	l.logger.Debug("worker process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("cmd", strings.Join(argv, " ")))
	return &procWorker{cmd: cmd}, nil
}

type procWorker struct {
	cmd *exec.Cmd
}

func (w *procWorker) ID() int { return w.cmd.Process.Pid }

func (w *procWorker) Wait() error { return w.cmd.Wait() }

func (w *procWorker) Kill() error { return killProcessGroup(w.cmd) }
