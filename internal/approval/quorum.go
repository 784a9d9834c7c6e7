package approval

import "github.com/org/secretapproval/pkg/models"

// QuorumRule decides a scope's status from its designated approvers' votes.
type QuorumRule func(votes []models.ApproverVote) models.ApprovalStatus

// Unanimous rejects on any rejection and approves only when every approver
// has approved. A scope with no approvers stays pending.
func Unanimous(votes []models.ApproverVote) models.ApprovalStatus {
	if len(votes) == 0 {
		return models.StatusPending
	}
	approved := 0
	for _, v := range votes {
		switch v.Status {
		case models.StatusRejected:
			return models.StatusRejected
		case models.StatusApproved:
			approved++
		case models.StatusPending:
		}
	}
	if approved == len(votes) {
		return models.StatusApproved
	}
	return models.StatusPending
}

// Threshold approves once n approvers have approved. Any rejection still
// vetoes the scope.
func Threshold(n int) QuorumRule {
	return func(votes []models.ApproverVote) models.ApprovalStatus {
		if len(votes) == 0 {
			return models.StatusPending
		}
		need := n
		if need <= 0 || need > len(votes) {
			need = len(votes)
		}
		approved := 0
		for _, v := range votes {
			switch v.Status {
			case models.StatusRejected:
				return models.StatusRejected
			case models.StatusApproved:
				approved++
			case models.StatusPending:
			}
		}
		if approved >= need {
			return models.StatusApproved
		}
		return models.StatusPending
	}
}
