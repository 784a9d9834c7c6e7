package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

func newRequest(ws, key string) *models.ApprovalRequest {
	return &models.ApprovalRequest{
		Workspace:      ws,
		Environment:    "prod",
		RequestedBy:    "alice",
		IdempotencyKey: key,
		Status:         models.StatusPending,
		Approvers:      []models.ApproverVote{{UserID: "bob", Status: models.StatusPending}},
		Changes: []models.ChangeProposal{{
			ID:       "p1",
			Kind:     models.ChangeCreate,
			Snapshot: models.SecretSnapshot{Key: "K", Value: []byte("v")},
			Status:   models.StatusPending,
		}},
		CreatedAt: time.Now(),
	}
}

func TestCreateRequestAssignsNumbers(t *testing.T) {
	b := New()
	ctx := context.Background()

	r1, r2, r3 := newRequest("acme", ""), newRequest("acme", ""), newRequest("globex", "")
	for _, r := range []*models.ApprovalRequest{r1, r2, r3} {
		require.NoError(t, b.CreateRequest(ctx, r))
	}
	assert.Equal(t, "SR-1", r1.RequestID)
	assert.Equal(t, "SR-2", r2.RequestID)
	assert.Equal(t, "SR-1", r3.RequestID)
	assert.Equal(t, int64(1), r1.Revision)
	assert.NotEmpty(t, r1.ID)
}

func TestIdempotencyKeyIsUniquePerWorkspace(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.CreateRequest(ctx, newRequest("acme", "k")))
	assert.ErrorIs(t, b.CreateRequest(ctx, newRequest("acme", "k")), storage.ErrAlreadyExists)
	require.NoError(t, b.CreateRequest(ctx, newRequest("globex", "k")))

	got, err := b.FindRequestByIdempotencyKey(ctx, "acme", "k")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Workspace)

	_, err = b.FindRequestByIdempotencyKey(ctx, "acme", "other")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateRequestChecksRevision(t *testing.T) {
	b := New()
	ctx := context.Background()
	req := newRequest("acme", "")
	require.NoError(t, b.CreateRequest(ctx, req))

	stale, err := b.GetRequest(ctx, req.ID)
	require.NoError(t, err)

	req.Status = models.StatusRejected
	require.NoError(t, b.UpdateRequest(ctx, req, 1))
	assert.Equal(t, int64(2), req.Revision)

	stale.Status = models.StatusApproved
	assert.ErrorIs(t, b.UpdateRequest(ctx, stale, stale.Revision), storage.ErrRevisionConflict)

	got, err := b.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.Status)

	missing := newRequest("acme", "")
	missing.ID = "nope"
	assert.ErrorIs(t, b.UpdateRequest(ctx, missing, 1), storage.ErrNotFound)
}

func TestRequestsAreCopied(t *testing.T) {
	b := New()
	ctx := context.Background()
	req := newRequest("acme", "")
	require.NoError(t, b.CreateRequest(ctx, req))

	req.Changes[0].Snapshot.Value[0] = 'X'
	got, err := b.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Changes[0].Snapshot.Value)

	got.Approvers[0].Status = models.StatusApproved
	again, err := b.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Approvers[0].Status)
}

func TestListRequestsFiltersAndPages(t *testing.T) {
	b := New()
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		r := newRequest("acme", "")
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if i%2 == 0 {
			r.Status = models.StatusApproved
		}
		require.NoError(t, b.CreateRequest(ctx, r))
	}

	all, err := b.ListRequests(ctx, storage.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "SR-5", all[0].RequestID, "newest first")

	approved, err := b.ListRequests(ctx, storage.RequestFilter{Status: models.StatusApproved})
	require.NoError(t, err)
	assert.Len(t, approved, 3)

	paged, err := b.ListRequests(ctx, storage.RequestFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, "SR-4", paged[0].RequestID)

	none, err := b.ListRequests(ctx, storage.RequestFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSecretConditionalWrites(t *testing.T) {
	b := New()
	ctx := context.Background()
	snap := models.SecretSnapshot{Workspace: "acme", Environment: "prod", Key: "K", Value: []byte("v1")}

	s, err := b.CreateSecret(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Version)

	_, err = b.CreateSecret(ctx, snap)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	_, err = b.UpdateSecret(ctx, s.ID, models.SecretSnapshot{Key: "K", Value: []byte("v2")}, 2)
	assert.ErrorIs(t, err, storage.ErrVersionMismatch)

	up, err := b.UpdateSecret(ctx, s.ID, models.SecretSnapshot{Key: "K", Value: []byte("v2")}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), up.Version)
	assert.Equal(t, "acme", up.Workspace)

	other, err := b.CreateSecret(ctx, models.SecretSnapshot{Workspace: "acme", Environment: "prod", Key: "OTHER"})
	require.NoError(t, err)
	_, err = b.UpdateSecret(ctx, other.ID, models.SecretSnapshot{Key: "K"}, 1)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	assert.ErrorIs(t, b.DeleteSecret(ctx, s.ID, 1), storage.ErrVersionMismatch)
	require.NoError(t, b.DeleteSecret(ctx, s.ID, 2))
	assert.ErrorIs(t, b.DeleteSecret(ctx, s.ID, 2), storage.ErrNotFound)

	_, err = b.UpdateSecret(ctx, s.ID, snap, 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := b.ListSecrets(ctx, "acme", "prod")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "OTHER", list[0].Key)
}

func TestTokensAndPolicies(t *testing.T) {
	b := New()
	ctx := context.Background()

	parent := &models.Token{ID: "p", UserID: "root", Policies: []string{"root"}}
	childID := "p"
	child := &models.Token{ID: "c", UserID: "bob", Policies: []string{"default"}, ParentID: &childID}
	require.NoError(t, b.WriteToken(ctx, parent, "hp"))
	require.NoError(t, b.WriteToken(ctx, child, "hc"))

	n, err := b.CountActiveTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, b.RevokeToken(ctx, "p"))
	require.NoError(t, b.RevokeTokenChildren(ctx, "p"))
	got, err := b.GetToken(ctx, "hc")
	require.NoError(t, err)
	assert.True(t, got.IsRevoked())

	n, err = b.CountActiveTokens(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	names, err := b.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "root"}, names)
	assert.ErrorIs(t, b.DeletePolicy(ctx, "root"), storage.ErrBuiltinPolicy)
	_, err = b.GetPolicy(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAuditQuery(t *testing.T) {
	b := New()
	ctx := context.Background()
	base := time.Now()
	for i, p := range []string{"workspaces/acme/a", "workspaces/acme/b", "sys/policy"} {
		require.NoError(t, b.WriteAuditEntry(ctx, &models.AuditEntry{Path: p, Timestamp: base.Add(time.Duration(i) * time.Minute)}))
	}

	acme, err := b.QueryAuditLog(ctx, storage.AuditFilter{Path: "workspaces/acme"})
	require.NoError(t, err)
	require.Len(t, acme, 2)
	assert.Equal(t, "workspaces/acme/b", acme[0].Path)

	since := base.Add(90 * time.Second)
	recent, err := b.QueryAuditLog(ctx, storage.AuditFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, int64(3), recent[0].ID)
}
