package api

import (
	"net/http"
	"time"

	"github.com/org/secretapproval/pkg/models"
)

const tokensPath = "sys/tokens"

// TokenCreateHandler handles POST /v1/auth/token/create. The new token is a
// child of the caller's and acts as user_id when it submits or votes.
func (s *Server) TokenCreateHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if err := s.policy.Check(r.Context(), token.Policies, models.CapSudo, tokensPath); err != nil {
		writeErr(w, r, err)
		return
	}

	var req struct {
		UserID      string   `json:"user_id"`
		DisplayName string   `json:"display_name"`
		Policies    []string `json:"policies"`
		TTL         string   `json:"ttl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		var err error
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil || ttl < 0 {
			writeError(w, http.StatusBadRequest, "invalid ttl format")
			return
		}
	}

	if len(req.Policies) == 0 {
		req.Policies = []string{"default"}
	}

	newToken, plaintext, err := s.tokens.CreateToken(r.Context(), req.UserID, req.DisplayName, req.Policies, ttl, &token.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"auth": map[string]any{
			"client_token":   plaintext,
			"accessor":       newToken.ID,
			"user_id":        newToken.UserID,
			"policies":       newToken.Policies,
			"lease_duration": int(newToken.TTL.Seconds()),
		},
	})
}

// TokenRevokeHandler handles POST /v1/auth/token/revoke. Callers may revoke
// their own token; revoking any other token needs sudo.
func (s *Server) TokenRevokeHandler(w http.ResponseWriter, r *http.Request) {
	caller := tokenFromCtx(r.Context())

	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tok, err := s.tokens.ValidateToken(r.Context(), req.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if tok.ID != caller.ID {
		if err := s.policy.Check(r.Context(), caller.Policies, models.CapSudo, tokensPath); err != nil {
			writeErr(w, r, err)
			return
		}
	}

	if err := s.tokens.RevokeToken(r.Context(), tok.ID); err != nil {
		writeErr(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TokenLookupSelfHandler handles GET /v1/auth/token/lookup-self
func (s *Server) TokenLookupSelfHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())

	data := map[string]any{
		"id":            token.ID,
		"user_id":       token.UserID,
		"display_name":  token.DisplayName,
		"policies":      token.Policies,
		"ttl":           int(token.TTL.Seconds()),
		"creation_time": token.CreatedAt.Unix(),
	}
	if !token.ExpiresAt.IsZero() {
		data["expire_time"] = token.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}
