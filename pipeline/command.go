package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skald/model"
	"skald/queue"
	"skald/saga"
	"skald/ssh"
	"skald/users"
)

// RunAsync validates req and queues one fire-and-forget run of its command.
// No deployment record is kept; the saga is the only history.
func (p *Pipeline) RunAsync(ctx context.Context, req model.DeploymentRequest) (*model.CommandRun, error) {
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
	sg := saga.New(p.SagaStore, sagaSubject(req, categoryCommand))
	p.sagaLog(ctx, sg, "command.queued", fmt.Sprintf("running on %s in %s", req.NodeID, req.AccountID), nil)

	t := queue.Task{Kind: queue.KindCommand, Request: req, Attempt: 1, SagaID: sg.ID}
	if err := p.Dispatcher.Submit(ctx, t); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	p.broadcast("command.queued", req, map[string]string{"sagaId": sg.ID, "node": req.NodeID})
	return &model.CommandRun{ID: req.ID, SagaID: sg.ID}, nil
}

// RunCommand runs t's command once. The node is resolved unless the request
// names a host. The requester is only told when the command exits non-zero.
func (p *Pipeline) RunCommand(ctx context.Context, t queue.Task) Outcome {
	req := t.Request
	a := p.newAttempt(t, categoryCommand)

	u, err := p.Users.Lookup(ctx, req.Requester)
	if err != nil {
		return p.commandError(ctx, a, err)
	}
	if a.account, err = users.Account(u, req.AccountID); err != nil {
		return p.commandError(ctx, a, err)
	}

	if req.Host != "" {
		a.node = model.Node{ID: req.NodeID, Name: req.NodeID, PublicAddresses: []string{req.Host}}
	} else {
		p.stepStart(ctx, a, "resolve")
		start := p.clock().Now()
		node, err := p.Resolver.Resolve(ctx, a.account, req.NodeID)
		if err != nil {
			p.stepFailed(ctx, a, "resolve", err)
			return p.commandError(ctx, a, err)
		}
		a.node = node
		p.stepComplete(ctx, a, "resolve", p.clock().Since(start))
	}

	p.stepStart(ctx, a, "execute")
	res, err := p.Executor.Execute(ctx, ssh.Target{Request: req, Node: a.node, Keys: u.Keys})
	if err != nil {
		p.stepFailed(ctx, a, "execute", err)
		return p.commandError(ctx, a, err)
	}
	p.stepComplete(ctx, a, "execute", res.Duration)

	exit := res.ExitStatus
	meta := map[string]string{"exitStatus": fmt.Sprint(exit)}
	a.log.Info("command finished", zap.Int("exitStatus", exit), zap.Duration("duration", res.Duration))
	if exit == 0 {
		p.sagaLog(ctx, a.sg, "command.succeeded", "command exited with 0", meta)
		p.broadcast("command.succeeded", req, map[string]string{"node": req.NodeID})
		return OutcomeSucceeded
	}

	p.notifyUser(ctx, a,
		fmt.Sprintf("[skald] Async command failed for machine %s (%s)", req.NodeID, a.node.Address()),
		p.inlineOutput(ctx, a, res.Output))
	p.sagaLog(ctx, a.sg, "command.failed", fmt.Sprintf("command exited with %d", exit), meta)
	p.broadcast("command.failed", req, map[string]string{"node": req.NodeID, "exitStatus": fmt.Sprint(exit)})
	return OutcomeCommandFailed
}

// commandError records a run that never produced an exit status. Commands
// are not retried and nobody is notified.
func (p *Pipeline) commandError(ctx context.Context, a *attempt, err error) Outcome {
	if ctx.Err() != nil {
		a.log.Warn("command interrupted", zap.Error(err))
		return OutcomeInterrupted
	}
	a.log.Error("command did not run", zap.Error(err))
	p.sagaLog(ctx, a.sg, "command.error", err.Error(), nil)
	p.broadcast("command.error", a.task.Request, map[string]string{"node": a.task.Request.NodeID, "error": err.Error()})
	return OutcomeFatal
}
