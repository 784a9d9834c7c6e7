package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi/v5"

	"github.com/org/secretapproval/internal/approval"
	"github.com/org/secretapproval/internal/policy"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

var changeKinds = []string{string(models.ChangeCreate), string(models.ChangeUpdate), string(models.ChangeDelete)}

var decisions = []string{string(models.StatusApproved), string(models.StatusRejected)}

type changeBody struct {
	Kind      string   `json:"kind"`
	SecretID  string   `json:"secret_id"`
	Key       string   `json:"key"`
	Value     []byte   `json:"value"`
	Comment   string   `json:"comment"`
	Version   int64    `json:"version"`
	Approvers []string `json:"approvers"`
}

type submitBody struct {
	Workspace   string       `json:"workspace"`
	Environment string       `json:"environment"`
	Approvers   []string     `json:"approvers"`
	Changes     []changeBody `json:"changes"`
}

// SubmitHandler handles POST /v1/approvals
func (s *Server) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())

	var body submitBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// Policy paths are built from these.
	for name, v := range map[string]string{"workspace": body.Workspace, "environment": body.Environment} {
		if strings.TrimSpace(v) == "" || strings.Contains(v, "/") {
			writeError(w, http.StatusBadRequest, name+" must be a non-empty name without '/'")
			return
		}
	}
	for i, c := range body.Changes {
		if !govalidator.IsIn(c.Kind, changeKinds...) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("changes[%d]: kind must be one of create, update, delete", i))
			return
		}
		if c.SecretID != "" && !govalidator.IsUUID(c.SecretID) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("changes[%d]: secret_id must be a UUID", i))
			return
		}
	}

	if err := s.policy.Check(r.Context(), token.Policies, models.CapSubmit, policy.Path(body.Workspace, body.Environment)); err != nil {
		writeErr(w, r, err)
		return
	}

	in := approval.SubmitInput{
		Workspace:      body.Workspace,
		Environment:    body.Environment,
		RequestedBy:    token.UserID,
		Approvers:      body.Approvers,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	for _, c := range body.Changes {
		in.Changes = append(in.Changes, approval.ProposalInput{
			Kind:     models.ChangeKind(c.Kind),
			SecretID: c.SecretID,
			Snapshot: models.SecretSnapshot{
				Key:         c.Key,
				Value:       c.Value,
				Comment:     c.Comment,
				Workspace:   body.Workspace,
				Environment: body.Environment,
				Version:     c.Version,
			},
			Approvers: c.Approvers,
		})
	}

	req, err := s.engine.Submit(r.Context(), in)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": req})
}

// ListApprovalsHandler handles GET /v1/approvals. Requests in environments
// the caller cannot read are left out.
func (s *Server) ListApprovalsHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	q := r.URL.Query()

	filter := storage.RequestFilter{
		Workspace:   q.Get("workspace"),
		Environment: q.Get("environment"),
		Status:      models.ApprovalStatus(q.Get("status")),
		RequestedBy: q.Get("requested_by"),
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit", 100); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reqs, err := s.engine.List(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	visible := make([]*models.ApprovalRequest, 0, len(reqs))
	for _, req := range reqs {
		if s.policy.IsAllowed(r.Context(), token.Policies, models.CapRead, policy.Path(req.Workspace, req.Environment)) {
			visible = append(visible, req)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": visible})
}

// loadReadable fetches a request and checks read access on its environment.
func (s *Server) loadReadable(w http.ResponseWriter, r *http.Request) (*models.ApprovalRequest, bool) {
	token := tokenFromCtx(r.Context())
	req, err := s.engine.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return nil, false
	}
	if err := s.policy.Check(r.Context(), token.Policies, models.CapRead, policy.Path(req.Workspace, req.Environment)); err != nil {
		writeErr(w, r, err)
		return nil, false
	}
	return req, true
}

// GetApprovalHandler handles GET /v1/approvals/{id}
func (s *Server) GetApprovalHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.loadReadable(w, r)
	if !ok {
		return
	}
	token := tokenFromCtx(r.Context())
	caps := s.policy.GetEffectiveCapabilities(r.Context(), token.Policies, policy.Path(req.Workspace, req.Environment))
	writeJSON(w, http.StatusOK, map[string]any{"data": req, "capabilities": caps})
}

// DiffHandler handles GET /v1/approvals/{id}/diff
func (s *Server) DiffHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.loadReadable(w, r)
	if !ok {
		return
	}
	diffs, err := s.engine.Diff(r.Context(), req.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": diffs})
}

// VoteHandler handles POST /v1/approvals/{id}/votes
func (s *Server) VoteHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())

	var body struct {
		ProposalID string `json:"proposal_id"`
		Decision   string `json:"decision"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !govalidator.IsIn(body.Decision, decisions...) {
		writeError(w, http.StatusBadRequest, "decision must be approved or rejected")
		return
	}

	req, err := s.engine.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.policy.Check(r.Context(), token.Policies, models.CapApprove, policy.Path(req.Workspace, req.Environment)); err != nil {
		writeErr(w, r, err)
		return
	}

	res, err := s.engine.CastVote(r.Context(), approval.VoteInput{
		RequestID:  req.ID,
		ProposalID: body.ProposalID,
		VoterID:    token.UserID,
		Decision:   models.ApprovalStatus(body.Decision),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	out := map[string]any{"data": res.Request, "changed": res.Changed}
	if res.Merge != nil {
		out["merge"] = res.Merge
	}
	if res.MergeErr != nil {
		out["merge_error"] = res.MergeErr.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// MergeHandler handles POST /v1/approvals/{id}/merge
func (s *Server) MergeHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	req, err := s.engine.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.policy.Check(r.Context(), token.Policies, models.CapMerge, policy.Path(req.Workspace, req.Environment)); err != nil {
		writeErr(w, r, err)
		return
	}

	report, err := s.engine.MergeApprovedRequest(r.Context(), req.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": report})
}
