package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListSecretsHandler handles GET /v1/workspaces/{workspace}/environments/{environment}/secrets
func (s *Server) ListSecretsHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	secrets, err := s.secrets.List(r.Context(), token, chi.URLParam(r, "workspace"), chi.URLParam(r, "environment"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": secrets})
}

// GetSecretHandler handles GET /v1/secrets/{id}
func (s *Server) GetSecretHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	sec, err := s.secrets.Get(r.Context(), token, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": sec})
}
