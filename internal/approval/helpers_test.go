package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/internal/storage/memory"
	"github.com/org/secretapproval/pkg/models"
)

const (
	ws  = "acme"
	env = "prod"
)

func fastBackoff() Option {
	return WithBackoff(ExponentialBackoff{Base: time.Microsecond, Max: time.Millisecond})
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memory.Backend) {
	t.Helper()
	store := memory.New()
	return New(store, store, append([]Option{fastBackoff()}, opts...)...), store
}

func seedSecret(t *testing.T, store storage.SecretStore, key, value string) *models.Secret {
	t.Helper()
	s, err := store.CreateSecret(context.Background(), models.SecretSnapshot{
		Workspace: ws, Environment: env, Key: key, Value: []byte(value),
	})
	require.NoError(t, err)
	return s
}

func createChange(key, value string) ProposalInput {
	return ProposalInput{
		Kind:     models.ChangeCreate,
		Snapshot: models.SecretSnapshot{Key: key, Value: []byte(value)},
	}
}

func updateChange(s *models.Secret, value string) ProposalInput {
	return ProposalInput{
		Kind:     models.ChangeUpdate,
		SecretID: s.ID,
		Snapshot: models.SecretSnapshot{Key: s.Key, Value: []byte(value), Version: s.Version},
	}
}

func deleteChange(s *models.Secret) ProposalInput {
	return ProposalInput{Kind: models.ChangeDelete, SecretID: s.ID}
}

func submit(t *testing.T, e *Engine, approvers []string, changes ...ProposalInput) *models.ApprovalRequest {
	t.Helper()
	req, err := e.Submit(context.Background(), SubmitInput{
		Workspace:   ws,
		Environment: env,
		RequestedBy: "requester",
		Approvers:   approvers,
		Changes:     changes,
	})
	require.NoError(t, err)
	return req
}

func vote(t *testing.T, e *Engine, req *models.ApprovalRequest, proposalID, voter string, d models.ApprovalStatus) *VoteResult {
	t.Helper()
	res, err := e.CastVote(context.Background(), VoteInput{
		RequestID: req.ID, ProposalID: proposalID, VoterID: voter, Decision: d,
	})
	require.NoError(t, err)
	return res
}

// approveAll casts an approving vote from every designated approver in
// every scope, request scope first.
func approveAll(t *testing.T, e *Engine, req *models.ApprovalRequest) *VoteResult {
	t.Helper()
	var last *VoteResult
	for _, v := range req.Approvers {
		last = vote(t, e, req, "", v.UserID, models.StatusApproved)
	}
	for _, p := range req.Changes {
		for _, v := range p.Approvers {
			last = vote(t, e, req, p.ID, v.UserID, models.StatusApproved)
		}
	}
	return last
}

// recorder collects notified events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Topic
	}
	return out
}

// flakyRequests fails the first n UpdateRequest calls with a revision
// conflict.
type flakyRequests struct {
	storage.RequestStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyRequests) UpdateRequest(ctx context.Context, req *models.ApprovalRequest, expected int64) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return storage.ErrRevisionConflict
	}
	return f.RequestStore.UpdateRequest(ctx, req, expected)
}

// hookedSecrets lets a test intercept secret store calls.
type hookedSecrets struct {
	storage.SecretStore
	onCreate func(models.SecretSnapshot) error
	onUpdate func(id string) error
}

func (h *hookedSecrets) CreateSecret(ctx context.Context, snap models.SecretSnapshot) (*models.Secret, error) {
	if h.onCreate != nil {
		if err := h.onCreate(snap); err != nil {
			return nil, err
		}
	}
	return h.SecretStore.CreateSecret(ctx, snap)
}

func (h *hookedSecrets) UpdateSecret(ctx context.Context, id string, snap models.SecretSnapshot, expected int64) (*models.Secret, error) {
	if h.onUpdate != nil {
		if err := h.onUpdate(id); err != nil {
			return nil, err
		}
	}
	return h.SecretStore.UpdateSecret(ctx, id, snap, expected)
}

func storageFilter() storage.RequestFilter { return storage.RequestFilter{} }

func storageFilterStatus(s models.ApprovalStatus) storage.RequestFilter {
	return storage.RequestFilter{Status: s}
}
