package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleListModules returns a metrics snapshot of every running module.
func (s *Server) handleListModules(w http.ResponseWriter, _ *http.Request) {
	metrics := s.modules.Metrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"modules": metrics,
		"count":   len(metrics),
	})
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, m := range s.modules.Metrics() {
		if m.Name == name {
			writeJSON(w, http.StatusOK, m)
			return
		}
	}
	writeNotFound(w, "module not found: "+name)
}
