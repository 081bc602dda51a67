package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"skald/model"
	"skald/saga"
)

// Deployer accepts new deployment requests and one-off commands.
type Deployer interface {
	Submit(ctx context.Context, req model.DeploymentRequest) (*model.Deployment, error)
	RunAsync(ctx context.Context, req model.DeploymentRequest) (*model.CommandRun, error)
}

// Records reads persisted deployments.
type Records interface {
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	ListDeployments(ctx context.Context, requester string, limit int) ([]model.Deployment, error)
}

type HealthChecker interface {
	Healthy(ctx context.Context) error
}

type Handler struct {
	deployer  Deployer
	records   Records
	sagaStore saga.Store
	checks    map[string]HealthChecker
	log       *zap.Logger

	// AllowBodyRequester lets unauthenticated single-tenant setups name the
	// requester in the request body.
	AllowBodyRequester bool
}

func New(d Deployer, rec Records, ss saga.Store, checks map[string]HealthChecker, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		deployer:  d,
		records:   rec,
		sagaStore: ss,
		checks:    checks,
		log:       log,
	}
}

// Routes mounts the API under r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Post("/deployments", h.CreateDeployment)
		r.Get("/deployments", h.ListDeployments)
		r.Get("/deployments/{id}", h.GetDeployment)
		r.Get("/deployments/{id}/events", h.DeploymentEvents)
		r.Post("/commands", h.RunCommand)
		r.Get("/saga", h.ListRecentSaga)
		r.Get("/saga/{sagaId}", h.GetSagaEvents)
	})
}

func queryLimit(r *http.Request, fallback int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeStatusJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeStatusJSON(w, code, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}
