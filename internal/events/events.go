package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Type identifies a lifecycle event.
type Type string

const (
	ExperimentStarted  Type = "experiment.started"
	PhaseChanged       Type = "phase.changed"
	WorkerDegraded     Type = "worker.degraded"
	ExperimentFinished Type = "experiment.finished"
)

// Event is one experiment lifecycle notification.
type Event struct {
	Type         Type      `json:"type"`
	ExperimentID string    `json:"experimentId"`
	Time         time.Time `json:"time"`
	Phase        int       `json:"phase"`
	Target       int       `json:"target"`
	Live         int       `json:"live"`
	Reason       string    `json:"reason,omitempty"`
}

// Publisher delivers events somewhere. Publish must not block for long: it
// is called from the supervisor loop.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// LogPublisher writes events to a zap logger.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("experiment", ev.ExperimentID),
		zap.Int("phase", ev.Phase),
		zap.Int("target", ev.Target),
		zap.Int("live", ev.Live),
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	if ev.Type == WorkerDegraded {
		p.logger.Warn(string(ev.Type), fields...)
		return nil
	}
	p.logger.Info(string(ev.Type), fields...)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
