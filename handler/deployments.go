package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"skald/auth"
	"skald/model"
	"skald/store"
	"skald/users"
)

type createRequest struct {
	Requester string `json:"requester,omitempty"`
	AccountID string `json:"accountId"`
	NodeID    string `json:"nodeId"`
	Command   string `json:"command"`
	KeyID     string `json:"keyId,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	Port      int    `json:"port,omitempty"`
	Host      string `json:"host,omitempty"`
}

func (h *Handler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}
	req.Host = ""
	d, err := h.deployer.Submit(r.Context(), req)
	if err != nil {
		h.submitError(w, "submit deployment", err)
		return
	}
	writeStatusJSON(w, http.StatusAccepted, d)
}

// RunCommand queues a fire-and-forget command. The body may name a host to
// skip node resolution.
func (h *Handler) RunCommand(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}
	run, err := h.deployer.RunAsync(r.Context(), req)
	if err != nil {
		h.submitError(w, "run command", err)
		return
	}
	writeStatusJSON(w, http.StatusAccepted, run)
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (model.DeploymentRequest, bool) {
	var body createRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return model.DeploymentRequest{}, false
	}

	requester := auth.IdentityFrom(r.Context())
	if requester == "" && h.AllowBodyRequester {
		requester = body.Requester
	}
	if requester == "" {
		writeError(w, http.StatusUnauthorized, "no requester identity")
		return model.DeploymentRequest{}, false
	}
	return model.DeploymentRequest{
		Requester: requester,
		AccountID: body.AccountID,
		NodeID:    body.NodeID,
		Command:   body.Command,
		KeyID:     body.KeyID,
		Username:  body.Username,
		Password:  body.Password,
		Port:      body.Port,
		Host:      body.Host,
	}, true
}

func (h *Handler) submitError(w http.ResponseWriter, op string, err error) {
	var invalid *model.InvalidRequestError
	switch {
	case errors.Is(err, users.ErrUnknownUser):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, users.ErrUnknownAccount):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error(op, zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	deployments, err := h.records.ListDeployments(r.Context(), auth.IdentityFrom(r.Context()), queryLimit(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if deployments == nil {
		deployments = []model.Deployment{}
	}
	writeJSON(w, deployments)
}

func (h *Handler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	d, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, d)
}

// lookup loads the deployment named in the URL. Records of other
// requesters are reported as missing.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*model.Deployment, bool) {
	d, err := h.records.GetDeployment(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "deployment not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if id := auth.IdentityFrom(r.Context()); id != "" && id != d.Requester {
		writeError(w, http.StatusNotFound, "deployment not found")
		return nil, false
	}
	return d, true
}
