package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"skald/model"
)

// Memory is an in-process ledger with the same guarantees as DB. Records do
// not survive a restart.
type Memory struct {
	mu          sync.Mutex
	deployments map[string]*model.Deployment
	pending     map[string]model.PendingAttempt
}

func NewMemory() *Memory {
	return &Memory{
		deployments: make(map[string]*model.Deployment),
		pending:     make(map[string]model.PendingAttempt),
	}
}

func (m *Memory) InsertDeployment(_ context.Context, d *model.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deployments[d.ID] = &cp
	return nil
}

func (m *Memory) Claim(_ context.Context, id string, attempt int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok || d.Status.Terminal() || d.Attempts >= attempt {
		return false, nil
	}
	d.Attempts = attempt
	d.Status = model.StatusResolving
	return true, nil
}

func (m *Memory) SetStatus(_ context.Context, id string, status model.DeployStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deployments[id]; ok && !d.Status.Terminal() {
		d.Status = status
		d.LastError = lastError
	}
	return nil
}

func (m *Memory) Settle(_ context.Context, id string, s model.Settlement) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	d, ok := m.deployments[id]
	if !ok || d.Status.Terminal() {
		return false, nil
	}
	now := time.Now()
	d.Status = s.Status
	d.ExitStatus = s.ExitStatus
	d.LastError = s.Error
	d.FinishedAt = &now
	return true, nil
}

func (m *Memory) GetDeployment(_ context.Context, id string) (*model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ListDeployments(_ context.Context, requester string, limit int) ([]model.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	var out []model.Deployment
	for _, d := range m.deployments {
		if requester == "" || d.Requester == requester {
			out = append(out, *d)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetPending(_ context.Context, p model.PendingAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[p.Request.ID]; !ok {
		return ErrNotFound
	}
	p.Request.Password = ""
	m.pending[p.Request.ID] = p
	return nil
}

func (m *Memory) ListUnsettled(context.Context) ([]model.Unsettled, error) {
	m.mu.Lock()
	var out []model.Unsettled
	for id, d := range m.deployments {
		if d.Status.Terminal() {
			continue
		}
		u := model.Unsettled{Deployment: *d}
		if p, ok := m.pending[id]; ok {
			u.Pending = &p
		}
		out = append(out, u)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) Healthy(context.Context) error {
	return nil
}
