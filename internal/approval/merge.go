package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/internal/telemetry"
	"github.com/org/secretapproval/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ProposalResult is the merge outcome of one proposal. Previous is true
// when the outcome was recorded by an earlier merge call.
type ProposalResult struct {
	ProposalID string              `json:"proposal_id"`
	Kind       models.ChangeKind   `json:"kind"`
	Outcome    models.MergeOutcome `json:"outcome"`
	SecretID   string              `json:"secret_id,omitempty"`
	Error      string              `json:"error,omitempty"`
	Previous   bool                `json:"previous,omitempty"`

	Conflict *ConflictError `json:"-"`
}

// MergeReport lists per-proposal outcomes in submission order.
type MergeReport struct {
	RequestID string           `json:"request_id"`
	Reference string           `json:"reference"`
	Results   []ProposalResult `json:"results"`
	Complete  bool             `json:"complete"`
}

// Merged returns the ids of merged proposals.
func (r *MergeReport) Merged() []string {
	return r.ids(models.OutcomeMerged)
}

// Conflicted returns the ids of conflicted proposals.
func (r *MergeReport) Conflicted() []string {
	return r.ids(models.OutcomeConflicted)
}

func (r *MergeReport) ids(o models.MergeOutcome) []string {
	var out []string
	for _, res := range r.Results {
		if res.Outcome == o {
			out = append(out, res.ProposalID)
		}
	}
	return out
}

// MergeApprovedRequest applies every approved proposal that has no merge
// outcome yet. Proposals merged or conflicted by an earlier call are
// reported but never reprocessed.
func (e *Engine) MergeApprovedRequest(ctx context.Context, requestID string) (*MergeReport, error) {
	unlock := e.locks.Lock(requestID)
	defer unlock()

	req, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return e.merge(ctx, req)
}

// merge must be called with the request's lock held. It updates req in
// place as outcomes are committed.
func (e *Engine) merge(ctx context.Context, req *models.ApprovalRequest) (report *MergeReport, err error) {
	ctx, span := telemetry.StartSpan(ctx, "approval.Merge", attribute.String("request_id", req.ID))
	defer func() { telemetry.EndSpan(span, err) }()

	switch req.Status {
	case models.StatusApproved:
	case models.StatusPending:
		return nil, validationf("request %s is not approved", req.RequestID)
	case models.StatusRejected:
		return nil, fmt.Errorf("%w: request %s was rejected", ErrAlreadyTerminal, req.RequestID)
	default:
		return nil, validationf("request %s has unknown status %q", req.RequestID, req.Status)
	}

	report = &MergeReport{RequestID: req.ID, Reference: req.RequestID}
	merged := 0
	for i := range req.Changes {
		p := req.Changes[i]
		if p.Outcome != models.OutcomeNone {
			report.Results = append(report.Results, resultOf(&p, true))
			continue
		}

		secretID, conflict, err := e.applyProposal(ctx, &p)
		if err != nil {
			report.Complete = false
			return report, fmt.Errorf("merging proposal %s: %w", p.ID, err)
		}

		now := e.now().UTC()
		p.MergedAt = &now
		if conflict != nil {
			p.Outcome = models.OutcomeConflicted
			p.MergeError = conflict.Error()
		} else {
			p.Outcome = models.OutcomeMerged
			p.MergedSecretID = secretID
		}
		req.Changes[i] = p
		req.UpdatedAt = now
		if allOutcomes(req) {
			req.MergedAt = &now
		}
		ours, err := e.saveOutcome(ctx, req, i)
		if err != nil {
			return report, err
		}
		if !ours {
			// Another merger recorded this proposal first; report what it
			// committed.
			report.Results = append(report.Results, resultOf(&req.Changes[i], true))
			continue
		}

		mergeOutcomes.WithLabelValues(string(p.Kind), string(p.Outcome)).Inc()
		res := resultOf(&req.Changes[i], false)
		res.Conflict = conflict
		report.Results = append(report.Results, res)

		if conflict == nil {
			merged++
			continue
		}
		log.Warn().
			Str("request_id", req.ID).
			Str("proposal_id", p.ID).
			Str("secret_id", conflict.SecretID).
			Int64("expected_version", conflict.Expected).
			Int64("live_version", conflict.Actual).
			Msg("merge conflict")
		ev := newEvent(TopicConflicted, req, now)
		ev.ProposalID = p.ID
		ev.Detail = conflict.Error()
		e.notify(ctx, ev)
	}
	report.Complete = req.MergedAt != nil

	if merged > 0 {
		log.Info().
			Str("request_id", req.ID).
			Int("merged", merged).
			Int("conflicted", len(report.Conflicted())).
			Msg("approval request merged")
		ev := newEvent(TopicMerged, req, req.UpdatedAt)
		ev.Detail = fmt.Sprintf("%d merged", merged)
		e.notify(ctx, ev)
	}
	return report, nil
}

func resultOf(p *models.ChangeProposal, previous bool) ProposalResult {
	secretID := p.MergedSecretID
	if secretID == "" {
		secretID = p.SecretID
	}
	return ProposalResult{
		ProposalID: p.ID,
		Kind:       p.Kind,
		Outcome:    p.Outcome,
		SecretID:   secretID,
		Error:      p.MergeError,
		Previous:   previous,
	}
}

func allOutcomes(req *models.ApprovalRequest) bool {
	for _, p := range req.Changes {
		if p.Outcome == models.OutcomeNone {
			return false
		}
	}
	return true
}

// applyProposal writes one proposal to the live store. A conflict leaves the
// live secret untouched and is returned as a value, not an error. The
// version check and the write are one conditional store call.
func (e *Engine) applyProposal(ctx context.Context, p *models.ChangeProposal) (string, *ConflictError, error) {
	switch p.Kind {
	case models.ChangeCreate:
		s, err := e.secrets.CreateSecret(ctx, p.Snapshot)
		if errors.Is(err, storage.ErrAlreadyExists) {
			return "", &ConflictError{ProposalID: p.ID, Key: p.Snapshot.Key, Reason: "key already exists"}, nil
		}
		if err != nil {
			return "", nil, err
		}
		return s.ID, nil, nil

	case models.ChangeUpdate, models.ChangeDelete:
		baseline := p.Snapshot.Version
		conflict := &ConflictError{ProposalID: p.ID, SecretID: p.SecretID, Key: p.Snapshot.Key, Expected: baseline}

		live, err := e.secrets.GetSecret(ctx, p.SecretID)
		if errors.Is(err, storage.ErrNotFound) {
			conflict.Reason = "secret no longer exists"
			return "", conflict, nil
		}
		if err != nil {
			return "", nil, err
		}
		if live.Version != baseline {
			conflict.Actual = live.Version
			return "", conflict, nil
		}

		if p.Kind == models.ChangeDelete {
			err = e.secrets.DeleteSecret(ctx, p.SecretID, baseline)
		} else {
			_, err = e.secrets.UpdateSecret(ctx, p.SecretID, p.Snapshot, baseline)
		}
		switch {
		case err == nil:
			return p.SecretID, nil, nil
		case errors.Is(err, storage.ErrVersionMismatch), errors.Is(err, storage.ErrNotFound):
			conflict.Actual = -1
			conflict.Reason = "secret changed during merge"
			return "", conflict, nil
		case errors.Is(err, storage.ErrAlreadyExists):
			conflict.Reason = "key already exists"
			return "", conflict, nil
		default:
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("unknown change kind %q", p.Kind)
}

// saveOutcome commits the outcome of proposal idx. When another writer
// moved the revision it copies the outcome onto a fresh copy and retries.
// It returns false when the fresh copy already holds an outcome for idx,
// in which case req is replaced by the committed state.
func (e *Engine) saveOutcome(ctx context.Context, req *models.ApprovalRequest, idx int) (bool, error) {
	for attempt := 1; ; attempt++ {
		err := e.requests.UpdateRequest(ctx, req, req.Revision)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, storage.ErrRevisionConflict) || attempt > e.retries {
			return false, fmt.Errorf("recording merge outcome: %w", err)
		}
		fresh, lerr := e.load(ctx, req.ID)
		if lerr != nil {
			return false, lerr
		}
		if idx >= len(fresh.Changes) || fresh.Changes[idx].Outcome != models.OutcomeNone {
			*req = *fresh
			return false, nil
		}
		fresh.Changes[idx] = req.Changes[idx].Clone()
		fresh.UpdatedAt = req.UpdatedAt
		if fresh.MergedAt == nil && allOutcomes(fresh) {
			t := req.UpdatedAt
			fresh.MergedAt = &t
		}
		*req = *fresh
		if serr := sleepCtx(ctx, e.backoff.Next(attempt)); serr != nil {
			return false, serr
		}
	}
}
