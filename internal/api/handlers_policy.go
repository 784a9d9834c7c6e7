package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/secretapproval/pkg/models"
)

const policyPath = "sys/policy"

func (s *Server) requireSudo(w http.ResponseWriter, r *http.Request, path string) bool {
	token := tokenFromCtx(r.Context())
	if err := s.policy.Check(r.Context(), token.Policies, models.CapSudo, path); err != nil {
		writeErr(w, r, err)
		return false
	}
	return true
}

// PolicyWriteHandler handles POST /v1/sys/policy/:name
func (s *Server) PolicyWriteHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireSudo(w, r, policyPath) {
		return
	}
	name := chi.URLParam(r, "name")

	var req struct {
		Rules map[string]models.PathRule `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if name == "root" {
		writeError(w, http.StatusBadRequest, "cannot modify built-in policy")
		return
	}

	pol := &models.Policy{
		Name:  name,
		Rules: req.Rules,
	}
	if err := s.store.WritePolicy(r.Context(), pol); err != nil {
		writeErr(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PolicyReadHandler handles GET /v1/sys/policy/:name
func (s *Server) PolicyReadHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireSudo(w, r, policyPath) {
		return
	}
	pol, err := s.store.GetPolicy(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": pol.Name, "rules": pol.Rules})
}

// PolicyDeleteHandler handles DELETE /v1/sys/policy/:name
func (s *Server) PolicyDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireSudo(w, r, policyPath) {
		return
	}
	if err := s.store.DeletePolicy(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PolicyListHandler handles GET /v1/sys/policy
func (s *Server) PolicyListHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireSudo(w, r, policyPath) {
		return
	}
	names, err := s.store.ListPolicies(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": names})
}
