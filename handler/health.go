package handler

import (
	"net/http"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{}
	for name, c := range h.checks {
		if err := c.Healthy(r.Context()); err != nil {
			services[name] = "down"
		} else {
			services[name] = "up"
		}
	}

	status := "ok"
	for _, v := range services {
		if v == "down" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, map[string]any{
		"status":   status,
		"services": services,
	})
}
