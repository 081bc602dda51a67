package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"skald/auth"
	"skald/saga"
)

// GetSagaEvents returns one saga. Sagas of other requesters are reported
// as missing.
func (h *Handler) GetSagaEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.sagaStore.ListBySaga(r.Context(), chi.URLParam(r, "sagaId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !saga.VisibleTo(events, auth.IdentityFrom(r.Context())) {
		writeError(w, http.StatusNotFound, "saga not found")
		return
	}
	h.writeEvents(w, r, events)
}

// DeploymentEvents returns the saga of one deployment.
func (h *Handler) DeploymentEvents(w http.ResponseWriter, r *http.Request) {
	d, ok := h.lookup(w, r)
	if !ok {
		return
	}
	events, err := h.sagaStore.ListBySaga(r.Context(), d.SagaID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeEvents(w, r, events)
}

// ListRecentSaga returns the caller's newest events, or those of one
// deployment or command with ?deployment=.
func (h *Handler) ListRecentSaga(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	identity := auth.IdentityFrom(r.Context())
	dep := r.URL.Query().Get("deployment")
	if dep == "" {
		events, err := h.sagaStore.ListRecent(r.Context(), identity, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.writeEvents(w, r, events)
		return
	}

	events, err := h.sagaStore.ListByDeployment(r.Context(), dep, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !saga.VisibleTo(events, identity) {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	h.writeEvents(w, r, events)
}

// writeEvents renders JSON, or plain text with ?format=text.
func (h *Handler) writeEvents(w http.ResponseWriter, r *http.Request, events []saga.Event) {
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte((&saga.PlainFormatter{}).Format(events)))
		return
	}
	if events == nil {
		events = []saga.Event{}
	}
	writeJSON(w, events)
}
