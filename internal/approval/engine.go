package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/internal/telemetry"
	"github.com/org/secretapproval/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Engine runs the approval workflow over a request store and the live
// secret store. It is safe for concurrent use.
type Engine struct {
	requests storage.RequestStore
	secrets  storage.SecretStore

	authz     Authorizer
	notifier  Notifier
	quorum    QuorumRule
	autoMerge bool
	retries   int
	backoff   Backoff
	locks     *Locker
	now       func() time.Time
}

// New returns an Engine with unanimous quorum, designated-approver
// authorization and no notifications.
func New(requests storage.RequestStore, secrets storage.SecretStore, opts ...Option) *Engine {
	e := &Engine{
		requests: requests,
		secrets:  secrets,
		authz:    DesignatedApprovers{},
		notifier: NopNotifier{},
		quorum:   Unanimous,
		retries:  5,
		backoff:  DefaultBackoff(),
		locks:    NewLocker(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProposalInput describes one requested change. For update, unset key,
// value and comment fall back to the live secret; a zero snapshot version
// means "based on the current live version".
type ProposalInput struct {
	Kind      models.ChangeKind     `json:"kind"`
	SecretID  string                `json:"secret_id,omitempty"`
	Snapshot  models.SecretSnapshot `json:"snapshot"`
	Approvers []string              `json:"approvers,omitempty"`
}

// SubmitInput is a batch of changes for one workspace environment.
type SubmitInput struct {
	Workspace      string          `json:"workspace"`
	Environment    string          `json:"environment"`
	RequestedBy    string          `json:"requested_by"`
	Approvers      []string        `json:"approvers"`
	Changes        []ProposalInput `json:"changes"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Submit validates and stores a new pending request. With an idempotency
// key, a repeated submission returns the request created the first time.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (req *models.ApprovalRequest, err error) {
	ctx, span := telemetry.StartSpan(ctx, "approval.Submit",
		attribute.String("workspace", in.Workspace),
		attribute.String("environment", in.Environment),
		attribute.Int("changes", len(in.Changes)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	approvers, err := validateSubmit(in)
	if err != nil {
		return nil, err
	}

	if in.IdempotencyKey != "" {
		prior, err := e.requests.FindRequestByIdempotencyKey(ctx, in.Workspace, in.IdempotencyKey)
		if err == nil {
			return prior, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("looking up idempotency key: %w", err)
		}
	}

	now := e.now().UTC()
	req = &models.ApprovalRequest{
		ID:             uuid.NewString(),
		Workspace:      in.Workspace,
		Environment:    in.Environment,
		RequestedBy:    in.RequestedBy,
		IdempotencyKey: in.IdempotencyKey,
		Approvers:      pendingVotes(approvers),
		Status:         models.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i, pin := range in.Changes {
		p, err := e.buildProposal(ctx, in, pin, approvers)
		if err != nil {
			return nil, fmt.Errorf("change %d: %w", i, err)
		}
		req.Changes = append(req.Changes, p)
	}
	recompute(req, e.quorum, now)

	if err := e.requests.CreateRequest(ctx, req); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) && in.IdempotencyKey != "" {
			prior, ferr := e.requests.FindRequestByIdempotencyKey(ctx, in.Workspace, in.IdempotencyKey)
			if ferr != nil {
				return nil, fmt.Errorf("looking up idempotency key: %w", ferr)
			}
			return prior, nil
		}
		return nil, fmt.Errorf("storing request: %w", err)
	}

	requestsSubmitted.Inc()
	log.Info().
		Str("request_id", req.ID).
		Str("reference", req.RequestID).
		Str("workspace", req.Workspace).
		Str("environment", req.Environment).
		Str("requested_by", req.RequestedBy).
		Int("changes", len(req.Changes)).
		Msg("approval request submitted")

	ev := newEvent(TopicSubmitted, req, now)
	ev.Actor = req.RequestedBy
	e.notify(ctx, ev)
	return req.Clone(), nil
}

func validateSubmit(in SubmitInput) ([]string, error) {
	if strings.TrimSpace(in.Workspace) == "" {
		return nil, validationf("workspace is required")
	}
	if strings.TrimSpace(in.Environment) == "" {
		return nil, validationf("environment is required")
	}
	if strings.TrimSpace(in.RequestedBy) == "" {
		return nil, validationf("requester is required")
	}
	if len(in.Changes) == 0 {
		return nil, validationf("at least one change is required")
	}
	approvers, err := normalizeApprovers(in.Approvers)
	if err != nil {
		return nil, err
	}
	if len(approvers) == 0 {
		return nil, validationf("at least one approver is required")
	}

	targets := make(map[string]int)
	for i, c := range in.Changes {
		switch c.Kind {
		case models.ChangeCreate:
			if c.SecretID != "" {
				return nil, validationf("change %d: create must not reference a secret", i)
			}
			if strings.TrimSpace(c.Snapshot.Key) == "" {
				return nil, validationf("change %d: create requires a key", i)
			}
		case models.ChangeUpdate, models.ChangeDelete:
			if c.SecretID == "" {
				return nil, validationf("change %d: %s requires a secret reference", i, c.Kind)
			}
		default:
			return nil, validationf("change %d: unknown change kind %q", i, c.Kind)
		}
		if c.Snapshot.Workspace != "" && c.Snapshot.Workspace != in.Workspace {
			return nil, validationf("change %d: snapshot workspace %q does not match %q", i, c.Snapshot.Workspace, in.Workspace)
		}
		if c.Snapshot.Environment != "" && c.Snapshot.Environment != in.Environment {
			return nil, validationf("change %d: snapshot environment %q does not match %q", i, c.Snapshot.Environment, in.Environment)
		}
		if c.Snapshot.Version < 0 {
			return nil, validationf("change %d: negative version", i)
		}
		if _, err := normalizeApprovers(c.Approvers); err != nil {
			return nil, fmt.Errorf("change %d: %w", i, err)
		}

		target := "id:" + c.SecretID
		if c.Kind == models.ChangeCreate {
			target = "key:" + c.Snapshot.Key
		}
		if j, dup := targets[target]; dup {
			return nil, validationf("changes %d and %d target the same secret", j, i)
		}
		targets[target] = i
	}
	return approvers, nil
}

// normalizeApprovers trims and de-duplicates ids, keeping first-seen order.
func normalizeApprovers(ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, validationf("approver id must not be empty")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// buildProposal resolves the live secret for update and delete and records
// it as the proposal's base.
func (e *Engine) buildProposal(ctx context.Context, in SubmitInput, pin ProposalInput, reqApprovers []string) (models.ChangeProposal, error) {
	approvers, _ := normalizeApprovers(pin.Approvers)
	if len(approvers) == 0 {
		approvers = reqApprovers
	}
	snap := pin.Snapshot.Clone()
	snap.Workspace = in.Workspace
	snap.Environment = in.Environment

	p := models.ChangeProposal{
		ID:        uuid.NewString(),
		Kind:      pin.Kind,
		SecretID:  pin.SecretID,
		Approvers: pendingVotes(approvers),
		Status:    models.StatusPending,
	}

	switch pin.Kind {
	case models.ChangeCreate:
		snap.Version = 0
	case models.ChangeUpdate, models.ChangeDelete:
		live, err := e.secrets.GetSecret(ctx, pin.SecretID)
		if errors.Is(err, storage.ErrNotFound) {
			return p, fmt.Errorf("%w: secret %s", ErrNotFound, pin.SecretID)
		}
		if err != nil {
			return p, fmt.Errorf("resolving secret %s: %w", pin.SecretID, err)
		}
		if live.Workspace != in.Workspace || live.Environment != in.Environment {
			return p, validationf("secret %s belongs to %s/%s", pin.SecretID, live.Workspace, live.Environment)
		}
		base := live.Snapshot()
		p.Base = &base

		baseline := pin.Snapshot.Version
		if baseline == 0 {
			baseline = live.Version
		}
		if pin.Kind == models.ChangeDelete {
			snap = live.Snapshot()
		} else {
			if snap.Key == "" {
				snap.Key = live.Key
			}
			if snap.Value == nil {
				snap.Value = append([]byte(nil), live.Value...)
			}
			if snap.Comment == "" {
				snap.Comment = live.Comment
			}
		}
		snap.Version = baseline
	default:
		return p, validationf("unknown change kind %q", pin.Kind)
	}
	p.Snapshot = snap
	return p, nil
}

// GetStatus returns a copy of the stored request.
func (e *Engine) GetStatus(ctx context.Context, requestID string) (*models.ApprovalRequest, error) {
	return e.load(ctx, requestID)
}

// List returns requests matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter storage.RequestFilter) ([]*models.ApprovalRequest, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, validationf("unknown status %q", filter.Status)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, validationf("limit and offset must not be negative")
	}
	reqs, err := e.requests.ListRequests(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	return reqs, nil
}

func (e *Engine) load(ctx context.Context, requestID string) (*models.ApprovalRequest, error) {
	req, err := e.requests.GetRequest(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading request %s: %w", requestID, err)
	}
	return req, nil
}

// VoteInput is one approver's decision. An empty ProposalID targets the
// request scope.
type VoteInput struct {
	RequestID  string                `json:"request_id"`
	ProposalID string                `json:"proposal_id,omitempty"`
	VoterID    string                `json:"voter_id"`
	Decision   models.ApprovalStatus `json:"decision"`
}

// VoteResult is the request after a vote. Changed is false when the same
// vote had already been recorded. Merge is set when the vote approved the
// request and auto-merge ran; MergeErr holds a store failure from that
// merge.
type VoteResult struct {
	Request  *models.ApprovalRequest
	Changed  bool
	Merge    *MergeReport
	MergeErr error
}

// CastVote records a vote and re-derives statuses from the full vote set.
func (e *Engine) CastVote(ctx context.Context, in VoteInput) (res *VoteResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "approval.CastVote",
		attribute.String("request_id", in.RequestID),
		attribute.String("proposal_id", in.ProposalID),
		attribute.String("decision", string(in.Decision)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	switch in.Decision {
	case models.StatusApproved, models.StatusRejected:
	case models.StatusPending:
		return nil, validationf("decision must be approved or rejected")
	default:
		return nil, validationf("unknown decision %q", in.Decision)
	}
	if strings.TrimSpace(in.VoterID) == "" {
		return nil, validationf("voter is required")
	}

	unlock := e.locks.Lock(in.RequestID)
	defer unlock()

	var (
		req     *models.ApprovalRequest
		prev    models.ApprovalStatus
		changed bool
	)
	for attempt := 1; ; attempt++ {
		req, prev, changed, err = e.applyVote(ctx, in)
		if !errors.Is(err, storage.ErrRevisionConflict) || attempt > e.retries {
			break
		}
		voteRetries.Inc()
		if serr := sleepCtx(ctx, e.backoff.Next(attempt)); serr != nil {
			err = serr
			break
		}
	}
	if err != nil {
		return nil, err
	}

	res = &VoteResult{Request: req, Changed: changed}
	if !changed {
		return res, nil
	}

	scope := "request"
	if in.ProposalID != "" {
		scope = "proposal"
	}
	votesCast.WithLabelValues(scope, string(in.Decision)).Inc()
	log.Info().
		Str("request_id", req.ID).
		Str("proposal_id", in.ProposalID).
		Str("voter", in.VoterID).
		Str("decision", string(in.Decision)).
		Str("status", string(req.Status)).
		Msg("vote recorded")

	at := req.UpdatedAt
	ev := newEvent(TopicVoteCast, req, at)
	ev.ProposalID = in.ProposalID
	ev.Actor = in.VoterID
	ev.Detail = string(in.Decision)
	e.notify(ctx, ev)

	if prev == req.Status || !req.Status.IsTerminal() {
		return res, nil
	}

	requestsDecided.WithLabelValues(string(req.Status)).Inc()
	log.Info().Str("request_id", req.ID).Str("status", string(req.Status)).Msg("approval request decided")
	switch req.Status {
	case models.StatusApproved:
		e.notify(ctx, newEvent(TopicApproved, req, at))
	case models.StatusRejected:
		e.notify(ctx, newEvent(TopicRejected, req, at))
	case models.StatusPending:
	}

	if req.Status == models.StatusApproved && e.autoMerge {
		report, merr := e.merge(ctx, req)
		if merr != nil {
			log.Error().Err(merr).Str("request_id", req.ID).Msg("auto-merge failed")
			res.MergeErr = merr
		}
		res.Merge = report
		res.Request = req.Clone()
	}
	return res, nil
}

// applyVote loads the request, applies one vote and commits it with a
// revision check. It returns the status before the vote.
func (e *Engine) applyVote(ctx context.Context, in VoteInput) (*models.ApprovalRequest, models.ApprovalStatus, bool, error) {
	req, err := e.load(ctx, in.RequestID)
	if err != nil {
		return nil, "", false, err
	}

	var p *models.ChangeProposal
	if in.ProposalID != "" {
		var ok bool
		if p, ok = req.Proposal(in.ProposalID); !ok {
			return nil, "", false, fmt.Errorf("%w: proposal %s", ErrNotFound, in.ProposalID)
		}
	}

	ok, err := e.authz.IsApprover(ctx, in.VoterID, Scope{Request: req, Proposal: p})
	if err != nil {
		return nil, "", false, fmt.Errorf("checking approver: %w", err)
	}
	votes, scopeStatus := scopeVotes(req, p, e.quorum)
	idx := findVote(votes, in.VoterID)
	if !ok || idx < 0 {
		return nil, "", false, fmt.Errorf("%w: %s is not an approver for this scope", ErrNotAuthorized, in.VoterID)
	}

	if req.Status.IsTerminal() || scopeStatus.IsTerminal() {
		if votes[idx].Status == in.Decision {
			return req, req.Status, false, nil
		}
		return nil, "", false, fmt.Errorf("%w: scope is %s", ErrAlreadyTerminal, terminalStatus(req.Status, scopeStatus))
	}
	if votes[idx].Status == in.Decision {
		return req, req.Status, false, nil
	}

	now := e.now().UTC()
	votes[idx].Status = in.Decision
	votes[idx].VotedAt = &now
	prev := recompute(req, e.quorum, now)
	req.UpdatedAt = now

	if err := e.requests.UpdateRequest(ctx, req, req.Revision); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", false, fmt.Errorf("%w: request %s", ErrNotFound, in.RequestID)
		}
		return nil, "", false, fmt.Errorf("saving vote: %w", err)
	}
	return req, prev, true, nil
}

func terminalStatus(request, scope models.ApprovalStatus) models.ApprovalStatus {
	if request.IsTerminal() {
		return request
	}
	return scope
}

func (e *Engine) notify(ctx context.Context, ev Event) {
	if err := e.notifier.Notify(ctx, ev); err != nil {
		log.Warn().Err(err).Str("topic", ev.Topic).Str("request_id", ev.RequestID).Msg("notifier failed")
	}
}
