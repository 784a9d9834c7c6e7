package approval

import (
	"time"

	"github.com/org/secretapproval/pkg/models"
)

// recompute re-derives every proposal status and the request status from
// the full vote set. A rejected proposal scope rejects the whole request.
// It returns the request status before recomputation.
func recompute(req *models.ApprovalRequest, rule QuorumRule, now time.Time) models.ApprovalStatus {
	prev := req.Status

	allApproved := true
	for i := range req.Changes {
		p := &req.Changes[i]
		p.Status = rule(p.Approvers)
		p.Approved = p.Status == models.StatusApproved
		if !p.Approved {
			allApproved = false
		}
	}

	if req.Blocked() {
		req.Status = models.StatusRejected
	} else {
		req.Status = requestStatus(rule(req.Approvers), allApproved)
	}

	if req.Status.IsTerminal() && req.DecidedAt == nil {
		t := now
		req.DecidedAt = &t
	}
	return prev
}

func requestStatus(scope models.ApprovalStatus, allApproved bool) models.ApprovalStatus {
	switch scope {
	case models.StatusRejected:
		return models.StatusRejected
	case models.StatusApproved:
		if allApproved {
			return models.StatusApproved
		}
	case models.StatusPending:
	}
	return models.StatusPending
}

// scopeVotes returns the vote list a voter targets and the scope's current
// status.
func scopeVotes(req *models.ApprovalRequest, p *models.ChangeProposal, rule QuorumRule) ([]models.ApproverVote, models.ApprovalStatus) {
	if p != nil {
		return p.Approvers, p.Status
	}
	return req.Approvers, rule(req.Approvers)
}

func findVote(votes []models.ApproverVote, userID string) int {
	for i, v := range votes {
		if v.UserID == userID {
			return i
		}
	}
	return -1
}

func pendingVotes(userIDs []string) []models.ApproverVote {
	out := make([]models.ApproverVote, len(userIDs))
	for i, id := range userIDs {
		out[i] = models.ApproverVote{UserID: id, Status: models.StatusPending}
	}
	return out
}
