package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// pinger is implemented by backends that can report reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	storageOK := true
	if p, ok := s.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("health check: storage unreachable")
			code = http.StatusServiceUnavailable
			storageOK = false
		}
	}
	writeJSON(w, code, map[string]any{
		"storage": storageOK,
		"version": s.cfg.Version,
	})
}
