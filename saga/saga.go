// Package saga keeps the append-only event history of each deployment.
package saga

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Event struct {
	ID         string            `json:"id"`
	SagaID     string            `json:"sagaId"`
	Timestamp  time.Time         `json:"timestamp"`
	Source     string            `json:"source"`
	Deployment string            `json:"deployment"`
	Requester  string            `json:"requester,omitempty"`
	Category   string            `json:"category"` // deploy, command, system
	Action     string            `json:"action"`   // step.start, step.complete, step.failed, deploy.*
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Store persists events. An empty requester in ListRecent means every
// requester.
type Store interface {
	Append(ctx context.Context, evt *Event) error
	ListBySaga(ctx context.Context, sagaID string) ([]Event, error)
	ListByDeployment(ctx context.Context, deploymentID string, limit int) ([]Event, error)
	ListRecent(ctx context.Context, requester string, limit int) ([]Event, error)
}

// Subject is what a saga's events are about and who may read them.
type Subject struct {
	Deployment string
	Requester  string
	Source     string
	Category   string
}

// Saga logs structured events for one logical deployment. Every attempt of
// the deployment logs to the same saga.
type Saga struct {
	ID string
	Subject
	store Store
}

func New(store Store, s Subject) *Saga {
	return Resume(store, uuid.New().String(), s)
}

// Resume returns a handle on an existing saga.
func Resume(store Store, id string, s Subject) *Saga {
	return &Saga{ID: id, Subject: s, store: store}
}

func (s *Saga) Log(ctx context.Context, action, message string, metadata map[string]string) error {
	return s.store.Append(ctx, &Event{
		ID:         uuid.New().String(),
		SagaID:     s.ID,
		Timestamp:  time.Now(),
		Source:     s.Source,
		Deployment: s.Deployment,
		Requester:  s.Requester,
		Category:   s.Category,
		Action:     action,
		Message:    message,
		Metadata:   metadata,
	})
}

func (s *Saga) StepStart(ctx context.Context, step string, attempt int) error {
	return s.Log(ctx, "step.start", step+" started", map[string]string{
		"step":    step,
		"attempt": strconv.Itoa(attempt),
	})
}

func (s *Saga) StepComplete(ctx context.Context, step string, attempt int, elapsed time.Duration) error {
	return s.Log(ctx, "step.complete", step+" completed", map[string]string{
		"step":       step,
		"attempt":    strconv.Itoa(attempt),
		"durationMs": strconv.FormatInt(elapsed.Milliseconds(), 10),
	})
}

func (s *Saga) StepFailed(ctx context.Context, step string, attempt int, err error) error {
	return s.Log(ctx, "step.failed", step+" failed: "+err.Error(), map[string]string{
		"step":    step,
		"attempt": strconv.Itoa(attempt),
		"error":   err.Error(),
	})
}

// VisibleTo reports whether every event may be shown to identity. An empty
// identity sees everything.
func VisibleTo(events []Event, identity string) bool {
	if identity == "" {
		return true
	}
	for _, e := range events {
		if e.Requester != identity {
			return false
		}
	}
	return true
}
