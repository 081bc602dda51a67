package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skald/model"
	"skald/queue"
	"skald/users"
)

func (h *harness) runAsync(t *testing.T, host string) *model.CommandRun {
	t.Helper()
	run, err := h.p.RunAsync(context.Background(), model.DeploymentRequest{
		Requester: "dev@example.com",
		AccountID: "acc",
		NodeID:    "n1",
		Command:   "df -h",
		Host:      host,
	})
	require.NoError(t, err)
	return run
}

func TestAsyncCommandFailureNotifiesRequester(t *testing.T) {
	h := newHarness(t, []resolveResult{readyNode},
		[]execResult{{res: model.AttemptResult{ExitStatus: 2, Output: "disk full\n"}}})
	run := h.runAsync(t, "")

	task, ok := h.dispatch.pop()
	require.True(t, ok)
	assert.Equal(t, queue.KindCommand, task.Kind)
	assert.Equal(t, run.ID, task.Request.ID)

	h.p.Handle(context.Background(), task)

	nUser, nAdmin := h.notifier.counts()
	require.Equal(t, 1, nUser)
	assert.Equal(t, 0, nAdmin)
	n := h.notifier.user[0]
	assert.Equal(t, "dev@example.com", n.to)
	assert.Equal(t, "[skald] Async command failed for machine n1 (10.0.0.5)", n.subject)
	assert.Equal(t, "disk full\n", n.body)

	_, err := h.ledger.GetDeployment(context.Background(), run.ID)
	assert.Error(t, err, "commands leave no deployment record")
	events, err := h.sagas.ListBySaga(context.Background(), run.SagaID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "command.failed", events[len(events)-1].Action)
	assert.Equal(t, "command", events[0].Category)
	assert.Equal(t, 1, h.hub.count("command.failed"))
}

func TestAsyncCommandSuccessIsSilent(t *testing.T) {
	h := newHarness(t, []resolveResult{readyNode}, []execResult{exitZero})
	h.runAsync(t, "")

	task, _ := h.dispatch.pop()
	assert.Equal(t, OutcomeSucceeded, h.p.RunCommand(context.Background(), task))
	nUser, _ := h.notifier.counts()
	assert.Equal(t, 0, nUser)
	assert.Equal(t, 1, h.hub.count("command.succeeded"))
}

func TestAsyncCommandWithHostSkipsResolve(t *testing.T) {
	h := newHarness(t, []resolveResult{notFound},
		[]execResult{{res: model.AttemptResult{ExitStatus: 1, Output: "nope"}}})
	h.runAsync(t, "192.0.2.7")

	task, _ := h.dispatch.pop()
	assert.Equal(t, OutcomeCommandFailed, h.p.RunCommand(context.Background(), task))
	assert.Equal(t, 0, h.resolver.calls)
	require.Len(t, h.executor.targets, 1)
	assert.Equal(t, "192.0.2.7", h.executor.targets[0].Node.Address())
	assert.Equal(t, "[skald] Async command failed for machine n1 (192.0.2.7)", h.notifier.user[0].subject)
}

func TestAsyncCommandIsNeverRetried(t *testing.T) {
	h := newHarness(t, []resolveResult{notFound}, []execResult{exitZero})
	run := h.runAsync(t, "")

	task, _ := h.dispatch.pop()
	assert.Equal(t, OutcomeFatal, h.p.RunCommand(context.Background(), task))
	assert.Empty(t, h.dispatch.rescheduled)
	assert.Empty(t, h.dispatch.pending)
	nUser, nAdmin := h.notifier.counts()
	assert.Equal(t, 0, nUser)
	assert.Equal(t, 0, nAdmin)

	events, err := h.sagas.ListBySaga(context.Background(), run.SagaID)
	require.NoError(t, err)
	assert.Equal(t, "command.error", events[len(events)-1].Action)
}

func TestAsyncCommandRejectsUnknownAccount(t *testing.T) {
	h := newHarness(t, []resolveResult{readyNode}, []execResult{exitZero})
	_, err := h.p.RunAsync(context.Background(), model.DeploymentRequest{
		Requester: "dev@example.com", AccountID: "nope", NodeID: "n1", Command: "ls",
	})
	assert.ErrorIs(t, err, users.ErrUnknownAccount)

	var invalid *model.InvalidRequestError
	_, err = h.p.RunAsync(context.Background(), model.DeploymentRequest{Requester: "dev@example.com"})
	assert.True(t, errors.As(err, &invalid))
	assert.Empty(t, h.dispatch.pending)
}
