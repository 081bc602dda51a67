package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"skald/model"
)

type recorder struct {
	mu   sync.Mutex
	seen []Task
	ch   chan Task
}

func newRecorder() *recorder { return &recorder{ch: make(chan Task, 16)} }

func (r *recorder) handle(_ context.Context, t Task) {
	r.mu.Lock()
	r.seen = append(r.seen, t)
	r.mu.Unlock()
	r.ch <- t
}

func (r *recorder) next(t *testing.T) Task {
	t.Helper()
	select {
	case task := <-r.ch:
		return task
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task")
		return Task{}
	}
}

func startPool(t *testing.T, clock clockwork.Clock, h Handler) (*Pool, context.CancelFunc) {
	t.Helper()
	p := New(2, 8, clock, h, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return p, cancel
}

func task(id string, attempt int) Task {
	return Task{Request: model.DeploymentRequest{ID: id}, Attempt: attempt}
}

func TestTaskNext(t *testing.T) {
	next := task("d1", 1).Next()
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, "d1", next.Request.ID)
}

func TestSubmitDelivers(t *testing.T) {
	rec := newRecorder()
	p, _ := startPool(t, clockwork.NewFakeClock(), rec.handle)

	require.NoError(t, p.Submit(context.Background(), task("d1", 1)))
	assert.Equal(t, "d1", rec.next(t).Request.ID)
}

func TestRescheduleWaitsForDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	p, _ := startPool(t, clock, rec.handle)

	require.NoError(t, p.Reschedule(context.Background(), task("d1", 2), time.Minute))
	assert.Equal(t, 1, p.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(59 * time.Second)
	select {
	case <-rec.ch:
		t.Fatal("delivered before the delay elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Second)
	got := rec.next(t)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, 0, p.Pending())
}

func TestStopCancelsPendingTimers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	p := New(1, 1, clock, rec.handle, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.NoError(t, p.Reschedule(context.Background(), task("d1", 2), time.Minute))
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 0, p.Pending())
	clock.Advance(time.Hour)
	assert.Empty(t, rec.ch)

	assert.ErrorIs(t, p.Submit(context.Background(), task("d2", 1)), ErrStopped)
	assert.ErrorIs(t, p.Reschedule(context.Background(), task("d2", 2), time.Second), ErrStopped)
}

func TestSubmitRespectsContext(t *testing.T) {
	p := New(1, 0, clockwork.NewFakeClock(), func(context.Context, Task) {}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Submit(ctx, task("d1", 1)), context.Canceled)
}
