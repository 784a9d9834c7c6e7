package models

import "time"

// ApprovalStatus is the consensus state of a request or proposal scope.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

// Valid reports whether s is one of the known statuses.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// IsTerminal returns true for approved and rejected.
func (s ApprovalStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected:
		return true
	case StatusPending:
		return false
	}
	return false
}

// ChangeKind is the operation a proposal performs on a secret.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Valid reports whether k is one of the known change kinds.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeCreate, ChangeUpdate, ChangeDelete:
		return true
	}
	return false
}

// MergeOutcome records what happened to a proposal at merge time.
// The zero value means the proposal has not been merged yet.
type MergeOutcome string

const (
	OutcomeNone       MergeOutcome = ""
	OutcomeMerged     MergeOutcome = "merged"
	OutcomeConflicted MergeOutcome = "conflicted"
)

// ApproverVote is one designated approver's vote within a scope.
type ApproverVote struct {
	UserID  string         `json:"user_id"`
	Status  ApprovalStatus `json:"status"`
	VotedAt *time.Time     `json:"voted_at,omitempty"`
}

// ChangeProposal is one create, update or delete of a single secret.
type ChangeProposal struct {
	ID       string     `json:"id"`
	Kind     ChangeKind `json:"kind"`
	SecretID string     `json:"secret_id,omitempty"` // empty for create

	// Snapshot is the desired post-change state. Its Version is the live
	// version the proposal was based on (zero for create).
	Snapshot SecretSnapshot `json:"snapshot"`
	// Base is the live state captured at submission, nil for create.
	Base *SecretSnapshot `json:"base,omitempty"`

	Approvers []ApproverVote `json:"approvers"`
	Status    ApprovalStatus `json:"status"`
	Approved  bool           `json:"is_approved"`

	Outcome        MergeOutcome `json:"outcome,omitempty"`
	MergeError     string       `json:"merge_error,omitempty"`
	MergedSecretID string       `json:"merged_secret_id,omitempty"`
	MergedAt       *time.Time   `json:"merged_at,omitempty"`
}

// Clone returns a deep copy of p.
func (p ChangeProposal) Clone() ChangeProposal {
	out := p
	out.Snapshot = p.Snapshot.Clone()
	if p.Base != nil {
		base := p.Base.Clone()
		out.Base = &base
	}
	out.Approvers = cloneVotes(p.Approvers)
	out.MergedAt = cloneTime(p.MergedAt)
	return out
}

// ApprovalRequest is a batch of proposals submitted together for one
// workspace environment.
type ApprovalRequest struct {
	ID             string           `json:"id"`
	RequestID      string           `json:"request_id"` // human reference, e.g. SR-12
	Number         int64            `json:"number"`
	Workspace      string           `json:"workspace"`
	Environment    string           `json:"environment"`
	RequestedBy    string           `json:"requested_by"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Changes        []ChangeProposal `json:"changes"`
	Approvers      []ApproverVote   `json:"approvers"`
	Status         ApprovalStatus   `json:"status"`
	Revision       int64            `json:"revision"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	DecidedAt      *time.Time       `json:"decided_at,omitempty"`
	MergedAt       *time.Time       `json:"merged_at,omitempty"`
}

// Proposal returns the proposal with the given id.
func (r *ApprovalRequest) Proposal(id string) (*ChangeProposal, bool) {
	for i := range r.Changes {
		if r.Changes[i].ID == id {
			return &r.Changes[i], true
		}
	}
	return nil, false
}

// IsMerged is true once every proposal has a merge outcome.
func (r *ApprovalRequest) IsMerged() bool {
	return r.MergedAt != nil
}

// Blocked is true when a proposal was rejected. Such a request is
// rejected as a whole.
func (r *ApprovalRequest) Blocked() bool {
	for _, p := range r.Changes {
		if p.Status == StatusRejected {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of r.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	out := *r
	out.Changes = make([]ChangeProposal, len(r.Changes))
	for i, p := range r.Changes {
		out.Changes[i] = p.Clone()
	}
	out.Approvers = cloneVotes(r.Approvers)
	out.DecidedAt = cloneTime(r.DecidedAt)
	out.MergedAt = cloneTime(r.MergedAt)
	return &out
}

func cloneVotes(in []ApproverVote) []ApproverVote {
	if in == nil {
		return nil
	}
	out := make([]ApproverVote, len(in))
	for i, v := range in {
		out[i] = v
		out[i].VotedAt = cloneTime(v.VotedAt)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
