package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"skald/model"
	"skald/queue"
)

var errInterrupted = errors.New("interrupted by restart")

// Recover picks up the deployments a previous process left unsettled. An
// attempt that was waiting in the queue is re-armed for what remains of its
// delay. A deployment that was mid-attempt is given up with the usual pair
// of notices, since the command may or may not have run.
func (p *Pipeline) Recover(ctx context.Context) (rearmed, abandoned int, err error) {
	open, err := p.Ledger.ListUnsettled(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list unsettled: %w", err)
	}
	now := p.clock().Now()
	for _, u := range open {
		if u.Rearmable() {
			t := queue.Task{Request: u.Pending.Request, Attempt: u.Pending.Attempt, SagaID: u.Pending.SagaID}
			delay := max(u.Pending.Due.Sub(now), 0)
			err := p.Dispatcher.Reschedule(ctx, t, delay)
			if err == nil {
				p.logger().Info("re-armed pending attempt",
					zap.String("deployment", u.ID), zap.Int("attempt", t.Attempt), zap.Duration("delay", delay))
				rearmed++
				continue
			}
			p.logger().Error("re-arm pending attempt", zap.String("deployment", u.ID), zap.Error(err))
		}
		p.abandon(ctx, u.Deployment)
		abandoned++
	}
	return rearmed, abandoned, nil
}

func (p *Pipeline) abandon(ctx context.Context, d model.Deployment) Outcome {
	req := model.DeploymentRequest{
		ID:        d.ID,
		Requester: d.Requester,
		AccountID: d.AccountID,
		NodeID:    d.NodeID,
		Command:   d.Command,
	}
	a := p.newAttempt(queue.Task{Request: req, Attempt: d.Attempts, SagaID: d.SagaID}, categoryDeploy)
	if !p.settle(ctx, a, model.Settlement{Status: model.StatusGaveUp, Error: errInterrupted.Error()}) {
		return OutcomeDuplicate
	}
	p.notifyUser(ctx, a,
		fmt.Sprintf("[skald] Deployment script failed for machine %s", req.NodeID),
		fmt.Sprintf("The deployment was interrupted by a service restart during attempt %d and was not retried. "+
			"The command may have run partially.\n\nCommand: %s\n", d.Attempts, req.Command))
	p.notifyAdmin(ctx, a,
		fmt.Sprintf("[skald] Deployment script interrupted for machine %s in account %s by user %s", req.NodeID, req.AccountID, req.Requester),
		fmt.Sprintf("%v during attempt %d (status %s)", errInterrupted, d.Attempts, d.Status))

	a.log.Warn("deployment abandoned", zap.String("status", string(d.Status)))
	p.sagaLog(ctx, a.sg, "deploy.gave_up", errInterrupted.Error(), map[string]string{"attempt": fmt.Sprint(d.Attempts)})
	p.finished(req, model.StatusGaveUp)
	return OutcomeGaveUp
}
