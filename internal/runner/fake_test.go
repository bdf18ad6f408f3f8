package runner

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"

	"loaddriver/internal/events"
)

var (
	errFork   = errors.New("fork: resource temporarily unavailable")
	errKilled = errors.New("signal: killed")
)

type fakeWorker struct {
	id  int
	req WorkerRequest

	ignoreKill bool
	kills      atomic.Int32

	once   sync.Once
	exited chan struct{}
	err    error
}

func (w *fakeWorker) ID() int { return w.id }

func (w *fakeWorker) Wait() error {
	<-w.exited
	return w.err
}

func (w *fakeWorker) Kill() error {
	if w.ignoreKill {
		return nil
	}
	if !w.exit(errKilled) {
		return os.ErrProcessDone
	}
	w.kills.Add(1)
	return nil
}

// exit ends the worker with err. It reports false if it had already ended.
func (w *fakeWorker) exit(err error) bool {
	fired := false
	w.once.Do(func() {
		w.err = err
		close(w.exited)
		fired = true
	})
	return fired
}

func (w *fakeWorker) alive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

type fakeLauncher struct {
	mu         sync.Mutex
	workers    []*fakeWorker
	attempts   int
	failNext   int
	failAll    bool
	ignoreKill bool
}

func (l *fakeLauncher) Launch(ctx context.Context, req WorkerRequest) (Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if l.failAll {
		return nil, errFork
	}
	if l.failNext > 0 {
		l.failNext--
		return nil, errFork
	}
	w := &fakeWorker{
		id:         1000 + len(l.workers),
		req:        req,
		ignoreKill: l.ignoreKill,
		exited:     make(chan struct{}),
	}
	l.workers = append(l.workers, w)
	return w, nil
}

func (l *fakeLauncher) all() []*fakeWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeWorker(nil), l.workers...)
}

func (l *fakeLauncher) launched() int { return len(l.all()) }

func (l *fakeLauncher) attemptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

func (l *fakeLauncher) live() []*fakeWorker {
	var out []*fakeWorker
	for _, w := range l.all() {
		if w.alive() {
			out = append(out, w)
		}
	}
	return out
}

func (l *fakeLauncher) liveCount() int { return len(l.live()) }

func (l *fakeLauncher) kills() int {
	n := 0
	for _, w := range l.all() {
		n += int(w.kills.Load())
	}
	return n
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func netipPrefix(s string) netip.Prefix { return netip.MustParsePrefix(s) }
