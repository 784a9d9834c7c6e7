// Package memory is an in-process storage.Backend for dev mode and tests.
// Records are deep-copied on the way in and out so callers never alias
// stored state.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

// Backend keeps every collection in maps guarded by one RWMutex.
type Backend struct {
	mu sync.RWMutex

	requests map[string]*models.ApprovalRequest
	numbers  map[string]int64 // workspace → last number
	secrets  map[string]*models.Secret
	tokens   map[string]*models.Token // token hash → token
	policies map[string]*models.Policy
	audit    []*models.AuditEntry

	now func() time.Time
}

// New returns an empty backend seeded with the built-in root and default
// policies.
func New() *Backend {
	b := &Backend{
		requests: make(map[string]*models.ApprovalRequest),
		numbers:  make(map[string]int64),
		secrets:  make(map[string]*models.Secret),
		tokens:   make(map[string]*models.Token),
		policies: make(map[string]*models.Policy),
		now:      time.Now,
	}
	now := b.now()
	b.policies["root"] = &models.Policy{
		Name:      "root",
		Rules:     map[string]models.PathRule{"*": {Capabilities: []string{models.CapSudo}}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.policies["default"] = &models.Policy{
		Name:      "default",
		Rules:     map[string]models.PathRule{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return b
}

func (b *Backend) Close() {}

// --- Approval requests ---

func (b *Backend) CreateRequest(_ context.Context, req *models.ApprovalRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.IdempotencyKey != "" {
		for _, r := range b.requests {
			if r.Workspace == req.Workspace && r.IdempotencyKey == req.IdempotencyKey {
				return storage.ErrAlreadyExists
			}
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, ok := b.requests[req.ID]; ok {
		return storage.ErrAlreadyExists
	}
	b.numbers[req.Workspace]++
	req.Number = b.numbers[req.Workspace]
	req.RequestID = fmt.Sprintf("%s%d", storage.RequestNumberPrefix, req.Number)
	req.Revision = 1
	b.requests[req.ID] = req.Clone()
	return nil
}

func (b *Backend) GetRequest(_ context.Context, id string) (*models.ApprovalRequest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.requests[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r.Clone(), nil
}

func (b *Backend) FindRequestByIdempotencyKey(_ context.Context, workspace, key string) (*models.ApprovalRequest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.requests {
		if key != "" && r.Workspace == workspace && r.IdempotencyKey == key {
			return r.Clone(), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (b *Backend) UpdateRequest(_ context.Context, req *models.ApprovalRequest, expectedRevision int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.requests[req.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Revision != expectedRevision {
		return storage.ErrRevisionConflict
	}
	next := req.Clone()
	next.Revision = expectedRevision + 1
	b.requests[req.ID] = next
	req.Revision = next.Revision
	return nil
}

func (b *Backend) ListRequests(_ context.Context, f storage.RequestFilter) ([]*models.ApprovalRequest, error) {
	b.mu.RLock()
	var out []*models.ApprovalRequest
	for _, r := range b.requests {
		if f.Workspace != "" && r.Workspace != f.Workspace {
			continue
		}
		if f.Environment != "" && r.Environment != f.Environment {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.RequestedBy != "" && r.RequestedBy != f.RequestedBy {
			continue
		}
		out = append(out, r.Clone())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if out[i].Workspace != out[j].Workspace {
			return out[i].Workspace < out[j].Workspace
		}
		return out[i].Number > out[j].Number
	})
	return page(out, f.Offset, f.Limit), nil
}

func page[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

// --- Secrets ---

func (b *Backend) GetSecret(_ context.Context, id string) (*models.Secret, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.secrets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.Clone(), nil
}

func (b *Backend) ListSecrets(_ context.Context, workspace, environment string) ([]*models.Secret, error) {
	b.mu.RLock()
	var out []*models.Secret
	for _, s := range b.secrets {
		if s.Workspace == workspace && s.Environment == environment {
			out = append(out, s.Clone())
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// keyTaken must be called with mu held.
func (b *Backend) keyTaken(workspace, environment, key, exceptID string) bool {
	for id, s := range b.secrets {
		if id != exceptID && s.Workspace == workspace && s.Environment == environment && s.Key == key {
			return true
		}
	}
	return false
}

func (b *Backend) CreateSecret(_ context.Context, snap models.SecretSnapshot) (*models.Secret, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.keyTaken(snap.Workspace, snap.Environment, snap.Key, "") {
		return nil, storage.ErrAlreadyExists
	}
	now := b.now()
	s := &models.Secret{
		ID:          uuid.NewString(),
		Workspace:   snap.Workspace,
		Environment: snap.Environment,
		Key:         snap.Key,
		Value:       append([]byte(nil), snap.Value...),
		Comment:     snap.Comment,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	b.secrets[s.ID] = s
	return s.Clone(), nil
}

func (b *Backend) UpdateSecret(_ context.Context, id string, snap models.SecretSnapshot, expectedVersion int64) (*models.Secret, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.secrets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return nil, storage.ErrVersionMismatch
	}
	if b.keyTaken(cur.Workspace, cur.Environment, snap.Key, id) {
		return nil, storage.ErrAlreadyExists
	}
	next := cur.Clone()
	next.Key = snap.Key
	next.Value = append([]byte(nil), snap.Value...)
	next.Comment = snap.Comment
	next.Version++
	next.UpdatedAt = b.now()
	b.secrets[id] = next
	return next.Clone(), nil
}

func (b *Backend) DeleteSecret(_ context.Context, id string, expectedVersion int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.secrets[id]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return storage.ErrVersionMismatch
	}
	delete(b.secrets, id)
	return nil
}

// --- Tokens ---

func (b *Backend) WriteToken(_ context.Context, token *models.Token, tokenHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for h, t := range b.tokens {
		if t.ID == token.ID && h != tokenHash {
			return storage.ErrAlreadyExists
		}
	}
	c := *token
	c.Policies = append([]string(nil), token.Policies...)
	b.tokens[tokenHash] = &c
	return nil
}

func (b *Backend) GetToken(_ context.Context, tokenHash string) (*models.Token, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tokens[tokenHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *t
	c.Policies = append([]string(nil), t.Policies...)
	return &c, nil
}

func (b *Backend) RevokeToken(_ context.Context, tokenID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for _, t := range b.tokens {
		if t.ID == tokenID {
			t.RevokedAt = &now
		}
	}
	return nil
}

func (b *Backend) RevokeTokenChildren(_ context.Context, parentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for _, t := range b.tokens {
		if t.ParentID != nil && *t.ParentID == parentID && t.RevokedAt == nil {
			t.RevokedAt = &now
		}
	}
	return nil
}

func (b *Backend) CountActiveTokens(_ context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n int64
	for _, t := range b.tokens {
		if !t.IsRevoked() && !t.IsExpired() {
			n++
		}
	}
	return n, nil
}

// --- Policies ---

func (b *Backend) WritePolicy(_ context.Context, p *models.Policy) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	c := clonePolicy(p)
	if prev, ok := b.policies[p.Name]; ok {
		c.CreatedAt = prev.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	b.policies[p.Name] = c
	return nil
}

func (b *Backend) GetPolicy(_ context.Context, name string) (*models.Policy, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.policies[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clonePolicy(p), nil
}

func (b *Backend) DeletePolicy(_ context.Context, name string) error {
	if name == "root" || name == "default" {
		return storage.ErrBuiltinPolicy
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.policies, name)
	return nil
}

func (b *Backend) ListPolicies(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.policies))
	for n := range b.policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func clonePolicy(p *models.Policy) *models.Policy {
	c := *p
	c.Rules = make(map[string]models.PathRule, len(p.Rules))
	for k, r := range p.Rules {
		c.Rules[k] = models.PathRule{Capabilities: append([]string(nil), r.Capabilities...)}
	}
	return &c
}

// --- Audit ---

func (b *Backend) WriteAuditEntry(_ context.Context, e *models.AuditEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := *e
	c.ID = int64(len(b.audit) + 1)
	b.audit = append(b.audit, &c)
	return nil
}

func (b *Backend) QueryAuditLog(_ context.Context, f storage.AuditFilter) ([]*models.AuditEntry, error) {
	b.mu.RLock()
	var out []*models.AuditEntry
	for i := len(b.audit) - 1; i >= 0; i-- {
		e := b.audit[i]
		if f.Path != "" && !strings.HasPrefix(e.Path, f.Path) {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	b.mu.RUnlock()
	return page(out, f.Offset, f.Limit), nil
}

var _ storage.Backend = (*Backend)(nil)
