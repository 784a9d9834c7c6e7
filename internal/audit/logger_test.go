package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretapproval/internal/approval"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/internal/storage/memory"
	"github.com/org/secretapproval/pkg/models"
)

func TestNotifyWritesWorkflowEntry(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l := NewLogger(store)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.Notify(ctx, approval.Event{
		Topic:       approval.TopicConflicted,
		RequestID:   "r-1",
		Reference:   "SR-4",
		Workspace:   "acme",
		Environment: "prod",
		ProposalID:  "p-1",
		Status:      models.StatusApproved,
		Detail:      "key already exists",
		At:          at,
	}))

	entries, err := l.Query(ctx, storage.AuditFilter{Path: "workspaces/acme/environments/prod/approvals"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "workspaces/acme/environments/prod/approvals/r-1", e.Path)
	assert.Equal(t, approval.TopicConflicted, e.Operation)
	assert.Equal(t, "approved", e.Status)
	assert.Equal(t, at, e.Timestamp)
	assert.Equal(t, map[string]any{
		"reference":   "SR-4",
		"proposal_id": "p-1",
		"detail":      "key already exists",
	}, e.Metadata)
}

func TestLogRequestStampsTime(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l := NewLogger(store)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	l.LogRequest(ctx, &models.AuditEntry{Operation: "POST", Path: "/v1/approvals", ResponseCode: 201})
	l.LogRequest(ctx, &models.AuditEntry{Operation: "GET", Path: "/v1/approvals", ResponseCode: 200})

	entries, err := l.Query(ctx, storage.AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "GET", entries[0].Operation)
	assert.Equal(t, fixed, entries[0].Timestamp)
}
