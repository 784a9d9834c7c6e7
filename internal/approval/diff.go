package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/org/secretapproval/internal/secret"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

// ProposalDiff is the rendered change of one proposal. Drifted is set when
// an unmerged update or delete no longer matches the live secret.
type ProposalDiff struct {
	ProposalID  string            `json:"proposal_id"`
	Kind        models.ChangeKind `json:"kind"`
	SecretID    string            `json:"secret_id,omitempty"`
	Key         string            `json:"key"`
	Diff        string            `json:"diff"`
	Stats       secret.DiffStats  `json:"stats"`
	Drifted     bool              `json:"drifted"`
	LiveVersion int64             `json:"live_version,omitempty"`
}

// Diff renders every proposal of a request against the state captured at
// submission, and reports drift against the live store.
func (e *Engine) Diff(ctx context.Context, requestID string) ([]ProposalDiff, error) {
	req, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}

	out := make([]ProposalDiff, 0, len(req.Changes))
	for _, p := range req.Changes {
		to := &p.Snapshot
		if p.Kind == models.ChangeDelete {
			to = nil
		}
		text, stats, err := secret.UnifiedDiff(p.Base, to, p.Snapshot.Key)
		if err != nil {
			return nil, fmt.Errorf("diffing proposal %s: %w", p.ID, err)
		}
		d := ProposalDiff{
			ProposalID: p.ID,
			Kind:       p.Kind,
			SecretID:   p.SecretID,
			Key:        p.Snapshot.Key,
			Diff:       text,
			Stats:      stats,
		}

		if p.Kind != models.ChangeCreate && p.Outcome == models.OutcomeNone {
			live, err := e.secrets.GetSecret(ctx, p.SecretID)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				d.Drifted = true
			case err != nil:
				return nil, fmt.Errorf("resolving secret %s: %w", p.SecretID, err)
			default:
				d.LiveVersion = live.Version
				d.Drifted = live.Version != p.Snapshot.Version
			}
		}
		out = append(out, d)
	}
	return out, nil
}
