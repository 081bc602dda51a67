// Package pipeline runs logical deployment requests: resolve the node, run
// the command, notify once, and retry transient failures through the queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"skald/hub"
	"skald/model"
	"skald/notify"
	"skald/queue"
	"skald/resolver"
	"skald/retry"
	"skald/saga"
	"skald/ssh"
	"skald/users"
)

type NodeResolver interface {
	Resolve(ctx context.Context, account model.Account, nodeID string) (model.Node, error)
}

type CommandExecutor interface {
	Execute(ctx context.Context, t ssh.Target) (model.AttemptResult, error)
}

// Dispatcher is the task queue as seen by the pipeline. Delivery is at
// least once.
type Dispatcher interface {
	Submit(ctx context.Context, t queue.Task) error
	Reschedule(ctx context.Context, t queue.Task, delay time.Duration) error
}

// Ledger persists deployments and makes attempts and terminal transitions
// idempotent. It also remembers the attempt each deployment is waiting on
// so Recover can re-arm it after a restart.
type Ledger interface {
	InsertDeployment(ctx context.Context, d *model.Deployment) error
	Claim(ctx context.Context, id string, attempt int) (bool, error)
	SetStatus(ctx context.Context, id string, status model.DeployStatus, lastError string) error
	Settle(ctx context.Context, id string, s model.Settlement) (bool, error)
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	ListDeployments(ctx context.Context, requester string, limit int) ([]model.Deployment, error)
	SetPending(ctx context.Context, p model.PendingAttempt) error
	ListUnsettled(ctx context.Context) ([]model.Unsettled, error)
}

// OutputArchive keeps output too long to inline in a notice.
type OutputArchive interface {
	PutOutput(ctx context.Context, deploymentID string, attempt int, output string) (string, error)
}

type Pipeline struct {
	Resolver   NodeResolver
	Executor   CommandExecutor
	Policy     retry.Policy
	Notifier   notify.Notifier
	Dispatcher Dispatcher
	Ledger     Ledger
	Users      users.Provider
	SagaStore  saga.Store
	WS         hub.Broadcaster
	Archive    OutputArchive // optional
	Clock      clockwork.Clock
	Log        *zap.Logger

	InlineOutputLimit int
}

// Outcome of one attempt.
type Outcome int

const (
	OutcomeSucceeded     Outcome = iota
	OutcomeCommandFailed         // command ran and exited non-zero
	OutcomeRetrying
	OutcomeGaveUp // retry budget exhausted
	OutcomeFatal  // unclassified error
	OutcomeDuplicate
	OutcomeInterrupted // process shutting down, left for recovery
)

func (o Outcome) String() string {
	return [...]string{"succeeded", "command_failed", "retrying", "gave_up", "fatal", "duplicate", "interrupted"}[o]
}

// Submit validates and records req, then dispatches its first attempt.
func (p *Pipeline) Submit(ctx context.Context, req model.DeploymentRequest) (*model.Deployment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	u, err := p.Users.Lookup(ctx, req.Requester)
	if err != nil {
		return nil, err
	}
	if _, err := users.Account(u, req.AccountID); err != nil {
		return nil, err
	}

	req.ID = uuid.New().String()
	sg := saga.New(p.SagaStore, sagaSubject(req, categoryDeploy))
	d := &model.Deployment{
		ID:        req.ID,
		Requester: req.Requester,
		AccountID: req.AccountID,
		NodeID:    req.NodeID,
		Command:   req.Command,
		SagaID:    sg.ID,
		Status:    model.StatusQueued,
		StartedAt: p.clock().Now(),
	}
	if err := p.Ledger.InsertDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("insert deployment: %w", err)
	}

	p.sagaLog(ctx, sg, "deploy.queued", fmt.Sprintf("deploying to %s in %s", req.NodeID, req.AccountID), nil)
	p.broadcast("deploy.queued", req, map[string]string{"sagaId": sg.ID, "node": req.NodeID})

	first := queue.Task{Request: req, Attempt: 1, SagaID: sg.ID}
	p.setPending(ctx, first, p.clock().Now())
	if err := p.Dispatcher.Submit(ctx, first); err != nil {
		_, _ = p.Ledger.Settle(ctx, req.ID, model.Settlement{Status: model.StatusFailed, Error: err.Error()})
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return d, nil
}

// Handle adapts Attempt and RunCommand to queue.Handler.
func (p *Pipeline) Handle(ctx context.Context, t queue.Task) {
	if t.Kind == queue.KindCommand {
		p.RunCommand(ctx, t)
		return
	}
	p.Attempt(ctx, t)
}

// attempt carries what one unit of work has learned so far.
type attempt struct {
	task    queue.Task
	sg      *saga.Saga
	log     *zap.Logger
	account model.Account
	node    model.Node
}

func (p *Pipeline) newAttempt(t queue.Task, category string) *attempt {
	req := t.Request
	return &attempt{
		task: t,
		sg:   saga.Resume(p.SagaStore, t.SagaID, sagaSubject(req, category)),
		log: p.logger().With(
			zap.String("deployment", req.ID),
			zap.Int("attempt", t.Attempt),
			zap.String("node", req.NodeID)),
		node: model.Node{ID: req.NodeID, Name: req.NodeID},
	}
}

// Attempt runs one resolve and execute pass for t.
func (p *Pipeline) Attempt(ctx context.Context, t queue.Task) Outcome {
	req := t.Request
	a := p.newAttempt(t, categoryDeploy)

	claimed, err := p.Ledger.Claim(ctx, req.ID, t.Attempt)
	if err != nil {
		return p.failed(ctx, a, retry.ServiceUnavailable, fmt.Errorf("claim attempt: %w", err))
	}
	if !claimed {
		a.log.Info("ignoring duplicate or stale delivery")
		return OutcomeDuplicate
	}

	u, err := p.Users.Lookup(ctx, req.Requester)
	if err != nil {
		return p.failed(ctx, a, classify(err), err)
	}
	if a.account, err = users.Account(u, req.AccountID); err != nil {
		return p.failed(ctx, a, classify(err), err)
	}

	p.stepStart(ctx, a, "resolve")
	start := p.clock().Now()
	node, err := p.Resolver.Resolve(ctx, a.account, req.NodeID)
	if err != nil {
		p.stepFailed(ctx, a, "resolve", err)
		return p.failed(ctx, a, classify(err), err)
	}
	a.node = node
	p.stepComplete(ctx, a, "resolve", p.clock().Since(start))

	p.setStatus(ctx, a, model.StatusExecuting, "")
	p.stepStart(ctx, a, "execute")
	res, err := p.Executor.Execute(ctx, ssh.Target{Request: req, Node: node, Keys: u.Keys})
	if err != nil {
		p.stepFailed(ctx, a, "execute", err)
		return p.failed(ctx, a, classify(err), err)
	}
	p.stepComplete(ctx, a, "execute", res.Duration)

	return p.completed(ctx, a, res)
}

// classify maps an attempt error to its retry class.
func classify(err error) retry.Classification {
	switch {
	case errors.Is(err, resolver.ErrNotFound):
		return retry.NodeNotReady
	case errors.Is(err, resolver.ErrServiceUnavailable), errors.Is(err, ssh.ErrSessionUnavailable):
		return retry.ServiceUnavailable
	default:
		return retry.Fatal
	}
}

// completed settles a command that ran. Its exit status decides the
// notice; it is never retried.
func (p *Pipeline) completed(ctx context.Context, a *attempt, res model.AttemptResult) Outcome {
	req := a.task.Request
	status, outcome, verb := model.StatusSucceeded, OutcomeSucceeded, "succeeded"
	if res.ExitStatus != 0 {
		status, outcome, verb = model.StatusFailed, OutcomeCommandFailed, "failed"
	}
	exit := res.ExitStatus

	if !p.settle(ctx, a, model.Settlement{Status: status, ExitStatus: &exit}) {
		return OutcomeDuplicate
	}

	output := p.inlineOutput(ctx, a, res.Output)
	subject := fmt.Sprintf("[skald] Deployment script %s for machine %s (%s)", verb, a.node.Name, a.node.ID)
	p.notifyUser(ctx, a, subject, resultBody(req.Command, res, output))

	a.log.Info("deployment finished", zap.String("outcome", outcome.String()), zap.Int("exitStatus", exit), zap.Duration("duration", res.Duration))
	p.sagaLog(ctx, a.sg, "deploy."+string(status), fmt.Sprintf("command exited with %d", exit), map[string]string{"exitStatus": fmt.Sprint(exit)})
	p.finished(req, status)
	return outcome
}

// failed consults the policy and either reschedules or settles.
func (p *Pipeline) failed(ctx context.Context, a *attempt, class retry.Classification, cause error) Outcome {
	req := a.task.Request
	if ctx.Err() != nil {
		a.log.Warn("attempt interrupted", zap.Error(cause))
		return OutcomeInterrupted
	}

	decision := p.Policy.Decide(class, a.task.Attempt)
	if decision.Action == retry.Retry {
		next := a.task.Next()
		p.setPending(ctx, next, p.clock().Now().Add(decision.Delay))
		err := p.Dispatcher.Reschedule(ctx, next, decision.Delay)
		if err == nil {
			p.setStatus(ctx, a, model.StatusRetrying, cause.Error())
			a.log.Info("attempt failed, retrying",
				zap.String("class", class.String()), zap.Duration("delay", decision.Delay), zap.Error(cause))
			p.sagaLog(ctx, a.sg, "deploy.retrying", fmt.Sprintf("attempt %d failed, retrying in %s", a.task.Attempt, decision.Delay),
				map[string]string{"attempt": fmt.Sprint(a.task.Attempt), "error": cause.Error()})
			p.broadcast("deploy.retrying", req, map[string]string{
				"sagaId":      a.task.SagaID,
				"nextAttempt": fmt.Sprint(next.Attempt),
				"delay":       decision.Delay.String(),
				"error":       cause.Error(),
			})
			return OutcomeRetrying
		}
		a.log.Error("reschedule failed, giving up", zap.Error(err))
	}

	if class == retry.Fatal {
		return p.fatal(ctx, a, cause)
	}
	return p.gaveUp(ctx, a, cause)
}

func (p *Pipeline) gaveUp(ctx context.Context, a *attempt, cause error) Outcome {
	req := a.task.Request
	if !p.settle(ctx, a, model.Settlement{Status: model.StatusGaveUp, Error: cause.Error()}) {
		return OutcomeDuplicate
	}
	n := a.task.Attempt
	p.notifyUser(ctx, a,
		fmt.Sprintf("[skald] Deployment script failed for machine %s after %d attempts", req.NodeID, n),
		fmt.Sprintf("The machine could not be reached after %d attempts. The command was not run.\n\nCommand: %s\n", n, req.Command))
	p.notifyAdmin(ctx, a,
		fmt.Sprintf("[skald] Deployment script failed for machine %s in account %s by user %s after %d attempts", req.NodeID, req.AccountID, req.Requester, n),
		cause.Error())

	a.log.Warn("deployment gave up", zap.Error(cause))
	p.sagaLog(ctx, a.sg, "deploy.gave_up", fmt.Sprintf("gave up after %d attempts: %v", n, cause), nil)
	p.finished(req, model.StatusGaveUp)
	return OutcomeGaveUp
}

func (p *Pipeline) fatal(ctx context.Context, a *attempt, cause error) Outcome {
	req := a.task.Request
	if !p.settle(ctx, a, model.Settlement{Status: model.StatusFailed, Error: cause.Error()}) {
		return OutcomeDuplicate
	}
	p.notifyUser(ctx, a,
		fmt.Sprintf("[skald] Deployment script failed for machine %s", req.NodeID),
		"The deployment could not be completed because of an internal error. The operators have been notified.\n")
	p.notifyAdmin(ctx, a,
		fmt.Sprintf("[skald] Deployment script failed for machine %s in account %s by user %s: unexpected error", req.NodeID, req.AccountID, req.Requester),
		cause.Error())

	a.log.Error("deployment failed", zap.Error(cause))
	p.sagaLog(ctx, a.sg, "deploy.failed", "unexpected error: "+cause.Error(), nil)
	p.finished(req, model.StatusFailed)
	return OutcomeFatal
}

// settle reports whether this caller owns the terminal notices. A ledger
// error is logged and treated as owned so the requester is still told.
func (p *Pipeline) settle(ctx context.Context, a *attempt, s model.Settlement) bool {
	ok, err := p.Ledger.Settle(ctx, a.task.Request.ID, s)
	if err != nil {
		a.log.Error("settle deployment", zap.Error(err))
		return true
	}
	if !ok {
		a.log.Info("deployment already settled")
	}
	return ok
}

func (p *Pipeline) finished(req model.DeploymentRequest, status model.DeployStatus) {
	p.broadcast("deploy."+string(status), req, map[string]string{"node": req.NodeID})
	p.broadcast("session.update", req, map[string]any{"sections": []string{"deployments"}})
}

func (p *Pipeline) notifyUser(ctx context.Context, a *attempt, subject, body string) {
	if err := p.Notifier.NotifyUser(ctx, a.task.Request.Requester, subject, body); err != nil {
		a.log.Warn("notify user", zap.Error(err))
	}
}

func (p *Pipeline) notifyAdmin(ctx context.Context, a *attempt, subject, body string) {
	if err := p.Notifier.NotifyAdmin(ctx, subject, body); err != nil {
		a.log.Warn("notify admin", zap.Error(err))
	}
}

// setPending records t as the attempt the deployment waits on. A failure
// only costs recovery after a restart, so the attempt goes ahead.
func (p *Pipeline) setPending(ctx context.Context, t queue.Task, due time.Time) {
	err := p.Ledger.SetPending(ctx, model.PendingAttempt{Request: t.Request, Attempt: t.Attempt, SagaID: t.SagaID, Due: due})
	if err != nil {
		p.logger().Warn("record pending attempt",
			zap.String("deployment", t.Request.ID), zap.Int("attempt", t.Attempt), zap.Error(err))
	}
}

func (p *Pipeline) setStatus(ctx context.Context, a *attempt, status model.DeployStatus, lastError string) {
	if err := p.Ledger.SetStatus(ctx, a.task.Request.ID, status, lastError); err != nil {
		a.log.Warn("set deployment status", zap.String("status", string(status)), zap.Error(err))
	}
}

func (p *Pipeline) stepStart(ctx context.Context, a *attempt, step string) {
	p.stepLogged(a, step, a.sg.StepStart(ctx, step, a.task.Attempt))
	p.broadcastStep(a, step, "running")
}

func (p *Pipeline) stepComplete(ctx context.Context, a *attempt, step string, elapsed time.Duration) {
	p.stepLogged(a, step, a.sg.StepComplete(ctx, step, a.task.Attempt, elapsed))
	p.broadcastStep(a, step, "complete")
}

func (p *Pipeline) stepFailed(ctx context.Context, a *attempt, step string, err error) {
	p.stepLogged(a, step, a.sg.StepFailed(ctx, step, a.task.Attempt, err))
	p.broadcastStep(a, step, "failed")
}

func (p *Pipeline) stepLogged(a *attempt, step string, err error) {
	if err != nil {
		a.log.Warn("saga step", zap.String("step", step), zap.Error(err))
	}
}

func (p *Pipeline) broadcastStep(a *attempt, step, status string) {
	p.broadcast(a.sg.Category+".step", a.task.Request, map[string]string{
		"step":    step,
		"sagaId":  a.task.SagaID,
		"attempt": fmt.Sprint(a.task.Attempt),
		"status":  status,
	})
}

func (p *Pipeline) broadcast(typ string, req model.DeploymentRequest, payload any) {
	if p.WS == nil {
		return
	}
	p.WS.Broadcast(hub.Event{Type: typ, Deployment: req.ID, Requester: req.Requester, Payload: payload})
}

const (
	categoryDeploy  = "deploy"
	categoryCommand = "command"
)

func sagaSubject(req model.DeploymentRequest, category string) saga.Subject {
	return saga.Subject{Deployment: req.ID, Requester: req.Requester, Source: "pipeline", Category: category}
}

func (p *Pipeline) sagaLog(ctx context.Context, sg *saga.Saga, action, msg string, meta map[string]string) {
	if err := sg.Log(ctx, action, msg, meta); err != nil {
		p.logger().Warn("saga log", zap.String("action", action), zap.Error(err))
	}
}

func (p *Pipeline) clock() clockwork.Clock {
	if p.Clock == nil {
		return clockwork.NewRealClock()
	}
	return p.Clock
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}
