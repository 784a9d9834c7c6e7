package api

import (
	"net/http"
	"time"

	"github.com/org/secretapproval/internal/storage"
)

// AuditLogHandler handles GET /v1/sys/audit-log
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireSudo(w, r, "sys/audit-log") {
		return
	}

	q := r.URL.Query()
	filter := storage.AuditFilter{Path: q.Get("path")}

	var err error
	if filter.Limit, err = queryInt(r, "limit", 100); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &t
	}

	entries, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}
