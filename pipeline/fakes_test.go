package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"skald/hub"
	"skald/model"
	"skald/queue"
	"skald/retry"
	"skald/saga"
	"skald/ssh"
	"skald/store"
	"skald/users"
)

type resolveResult struct {
	node model.Node
	err  error
}

// scriptedResolver replays results in order, repeating the last one.
type scriptedResolver struct {
	mu      sync.Mutex
	results []resolveResult
	calls   int
}

func (r *scriptedResolver) Resolve(_ context.Context, _ model.Account, nodeID string) (model.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.results[min(r.calls, len(r.results)-1)]
	r.calls++
	return res.node, res.err
}

type execResult struct {
	res model.AttemptResult
	err error
}

type scriptedExecutor struct {
	mu      sync.Mutex
	results []execResult
	targets []ssh.Target
}

func (e *scriptedExecutor) Execute(_ context.Context, t ssh.Target) (model.AttemptResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := e.results[min(len(e.targets), len(e.results)-1)]
	e.targets = append(e.targets, t)
	return res.res, res.err
}

type rescheduled struct {
	task  queue.Task
	delay time.Duration
}

// fakeDispatcher queues tasks for drain to deliver by hand.
type fakeDispatcher struct {
	mu          sync.Mutex
	pending     []queue.Task
	rescheduled []rescheduled
}

func (d *fakeDispatcher) Submit(_ context.Context, t queue.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, t)
	return nil
}

func (d *fakeDispatcher) Reschedule(_ context.Context, t queue.Task, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, t)
	d.rescheduled = append(d.rescheduled, rescheduled{task: t, delay: delay})
	return nil
}

func (d *fakeDispatcher) pop() (queue.Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return queue.Task{}, false
	}
	t := d.pending[0]
	d.pending = d.pending[1:]
	return t, true
}

type notice struct {
	to, subject, body string
}

type fakeNotifier struct {
	mu    sync.Mutex
	user  []notice
	admin []notice
}

func (n *fakeNotifier) NotifyUser(_ context.Context, identity, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.user = append(n.user, notice{identity, subject, body})
	return nil
}

func (n *fakeNotifier) NotifyAdmin(_ context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.admin = append(n.admin, notice{"admin", subject, body})
	return nil
}

func (n *fakeNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.user), len(n.admin)
}

type recordingHub struct {
	mu     sync.Mutex
	events []hub.Event
}

func (h *recordingHub) Broadcast(evt hub.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
}

func (h *recordingHub) count(typ string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type fakeArchive struct {
	stored map[string]string
}

func (a *fakeArchive) PutOutput(_ context.Context, id string, attempt int, output string) (string, error) {
	key := "s3://out/" + id
	a.stored[key] = output
	return key, nil
}

const testAccounts = `
users:
  - email: dev@example.com
    accounts:
      - id: acc
        provider: nomad
        endpoint: http://nomad.invalid:4646
`

type harness struct {
	p        *Pipeline
	resolver *scriptedResolver
	executor *scriptedExecutor
	dispatch *fakeDispatcher
	notifier *fakeNotifier
	ledger   *store.Memory
	sagas    *saga.MemoryStore
	hub      *recordingHub
}

func newHarness(t *testing.T, resolves []resolveResult, execs []execResult) *harness {
	t.Helper()
	u, err := users.Parse([]byte(testAccounts))
	require.NoError(t, err)

	h := &harness{
		resolver: &scriptedResolver{results: resolves},
		executor: &scriptedExecutor{results: execs},
		dispatch: &fakeDispatcher{},
		notifier: &fakeNotifier{},
		ledger:   store.NewMemory(),
		sagas:    saga.NewMemoryStore(),
		hub:      &recordingHub{},
	}
	h.p = &Pipeline{
		Resolver:   h.resolver,
		Executor:   h.executor,
		Policy:     retry.Default(),
		Notifier:   h.notifier,
		Dispatcher: h.dispatch,
		Ledger:     h.ledger,
		Users:      u,
		SagaStore:  h.sagas,
		WS:         h.hub,
		Clock:      clockwork.NewFakeClock(),
		Log:        zaptest.NewLogger(t),
	}
	return h
}

func (h *harness) submit(t *testing.T) *model.Deployment {
	t.Helper()
	d, err := h.p.Submit(context.Background(), model.DeploymentRequest{
		Requester: "dev@example.com",
		AccountID: "acc",
		NodeID:    "n1",
		Command:   "./deploy.sh",
	})
	require.NoError(t, err)
	return d
}

// drain delivers queued tasks until the queue is empty, ignoring delays.
func (h *harness) drain() []Outcome {
	var out []Outcome
	for {
		task, ok := h.dispatch.pop()
		if !ok {
			return out
		}
		out = append(out, h.p.Attempt(context.Background(), task))
	}
}

var (
	readyNode = resolveResult{node: model.Node{ID: "n1", Name: "web-1", PublicAddresses: []string{"10.0.0.5"}}}
	exitZero  = execResult{res: model.AttemptResult{ExitStatus: 0, Output: "ok\n", Duration: 1500 * time.Millisecond}}
)
