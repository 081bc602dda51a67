// Package queue dispatches deployment attempts to a fixed set of workers and
// redelivers rescheduled attempts after a delay.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"skald/model"
)

var ErrStopped = errors.New("queue stopped")

// Task kinds. The zero value is a deployment attempt.
const (
	KindDeploy  = ""
	KindCommand = "command" // run once, never retried
)

// Task is one attempt of one logical request. The attempt counter travels
// with the task and nowhere else.
type Task struct {
	Kind    string                  `json:"kind,omitempty"`
	Request model.DeploymentRequest `json:"request"`
	Attempt int                     `json:"attempt"`
	SagaID  string                  `json:"sagaId"`
}

// Next returns the task for the following attempt.
func (t Task) Next() Task {
	t.Attempt++
	return t
}

// Handler processes one task. It must not block on the pool.
type Handler func(ctx context.Context, t Task)

type pending struct {
	task  Task
	timer clockwork.Timer
}

type Pool struct {
	workers int
	clock   clockwork.Clock
	handler Handler
	log     *zap.Logger

	tasks chan Task
	done  chan struct{}

	mu      sync.Mutex
	timers  map[*pending]struct{}
	stopped bool
}

func New(workers, size int, clock clockwork.Clock, handler Handler, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if size < 0 {
		size = 0
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		workers: workers,
		clock:   clock,
		handler: handler,
		log:     log,
		tasks:   make(chan Task, size),
		done:    make(chan struct{}),
		timers:  make(map[*pending]struct{}),
	}
}

// Submit enqueues t for immediate processing.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	select {
	case p.tasks <- t:
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reschedule enqueues t once delay has elapsed. The caller's worker is free
// in the meantime.
func (p *Pool) Reschedule(ctx context.Context, t Task, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := &pending{task: t}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.timers[entry] = struct{}{}
	p.mu.Unlock()

	timer := p.clock.AfterFunc(delay, func() { p.fire(entry) })

	p.mu.Lock()
	entry.timer = timer
	if p.stopped {
		timer.Stop()
	}
	p.mu.Unlock()

	p.log.Debug("attempt rescheduled",
		zap.String("deployment", t.Request.ID),
		zap.Int("attempt", t.Attempt),
		zap.Duration("delay", delay))
	return nil
}

func (p *Pool) fire(entry *pending) {
	p.mu.Lock()
	if _, ok := p.timers[entry]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.timers, entry)
	p.mu.Unlock()

	select {
	case p.tasks <- entry.task:
	case <-p.done:
	}
}

// Pending returns the number of armed redelivery timers.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// Run starts the workers and blocks until ctx is cancelled. Pending
// redeliveries are dropped on the way out.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case t := <-p.tasks:
					p.handler(ctx, t)
				}
			}
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		p.stop()
		return nil
	})
	return g.Wait()
}

func (p *Pool) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.done)
	for entry := range p.timers {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(p.timers, entry)
	}
	if n := len(p.tasks); n > 0 {
		p.log.Warn("dropping queued attempts", zap.Int("count", n))
	}
}
