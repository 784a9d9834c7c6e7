package approval

import (
	"context"

	"github.com/org/secretapproval/pkg/models"
)

// Scope identifies what a vote targets. Proposal is nil for the request
// scope.
type Scope struct {
	Request  *models.ApprovalRequest
	Proposal *models.ChangeProposal
}

// Authorizer decides whether a user may vote on a scope.
type Authorizer interface {
	IsApprover(ctx context.Context, userID string, scope Scope) (bool, error)
}

// DesignatedApprovers allows exactly the approvers fixed at submission.
type DesignatedApprovers struct{}

func (DesignatedApprovers) IsApprover(_ context.Context, userID string, scope Scope) (bool, error) {
	votes := scope.Request.Approvers
	if scope.Proposal != nil {
		votes = scope.Proposal.Approvers
	}
	return findVote(votes, userID) >= 0, nil
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, userID string, scope Scope) (bool, error)

func (f AuthorizerFunc) IsApprover(ctx context.Context, userID string, scope Scope) (bool, error) {
	return f(ctx, userID, scope)
}
