package approval

import (
	"context"
	"errors"
	"time"

	"github.com/org/secretapproval/pkg/models"
)

// Event topics.
const (
	TopicSubmitted  = "approval.submitted"
	TopicVoteCast   = "approval.vote.cast"
	TopicApproved   = "approval.approved"
	TopicRejected   = "approval.rejected"
	TopicMerged     = "approval.merged"
	TopicConflicted = "approval.conflicted"
)

// Event is published after a lifecycle change has been committed.
type Event struct {
	Topic       string                `json:"topic"`
	RequestID   string                `json:"request_id"`
	Reference   string                `json:"reference"`
	Workspace   string                `json:"workspace"`
	Environment string                `json:"environment"`
	ProposalID  string                `json:"proposal_id,omitempty"`
	Actor       string                `json:"actor,omitempty"`
	Status      models.ApprovalStatus `json:"status,omitempty"`
	Detail      string                `json:"detail,omitempty"`
	At          time.Time             `json:"at"`
}

// Notifier receives lifecycle events. Delivery to people is up to the
// implementation.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

// Notifiers fans an event out to several notifiers and joins their errors.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range ns {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newEvent(topic string, req *models.ApprovalRequest, at time.Time) Event {
	return Event{
		Topic:       topic,
		RequestID:   req.ID,
		Reference:   req.RequestID,
		Workspace:   req.Workspace,
		Environment: req.Environment,
		Status:      req.Status,
		At:          at,
	}
}
