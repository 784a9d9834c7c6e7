package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/org/secretapproval/internal/approval"
	"github.com/org/secretapproval/internal/policy"
	"github.com/org/secretapproval/internal/secret"
	"github.com/org/secretapproval/internal/storage"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, approval.ErrValidation), errors.Is(err, storage.ErrBuiltinPolicy):
		return http.StatusBadRequest
	case errors.Is(err, approval.ErrNotAuthorized), errors.Is(err, policy.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, secret.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrAlreadyTerminal), errors.Is(err, approval.ErrConflict),
		errors.Is(err, storage.ErrRevisionConflict), errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with the status it maps to. Internal errors are
// logged and replaced by a generic message.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).Str("actor", actorFromCtx(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}
