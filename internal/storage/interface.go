package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/secretapproval/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// ErrRevisionConflict is returned by UpdateRequest when the stored revision
// no longer matches the one the caller read.
var ErrRevisionConflict = errors.New("request revision conflict")

// ErrVersionMismatch is returned by conditional secret writes when the live
// version differs from the expected one.
var ErrVersionMismatch = errors.New("secret version mismatch")

// RequestStore persists approval requests as single documents.
type RequestStore interface {
	// CreateRequest assigns Number, RequestID and Revision and stores req.
	// It returns ErrAlreadyExists if the idempotency key is already used in
	// the workspace.
	CreateRequest(ctx context.Context, req *models.ApprovalRequest) error
	GetRequest(ctx context.Context, id string) (*models.ApprovalRequest, error)
	FindRequestByIdempotencyKey(ctx context.Context, workspace, key string) (*models.ApprovalRequest, error)
	// UpdateRequest replaces the stored document only if its revision equals
	// expectedRevision. On success req.Revision is expectedRevision+1.
	UpdateRequest(ctx context.Context, req *models.ApprovalRequest, expectedRevision int64) error
	ListRequests(ctx context.Context, filter RequestFilter) ([]*models.ApprovalRequest, error)
}

// SecretStore is the authoritative live secret store.
type SecretStore interface {
	GetSecret(ctx context.Context, id string) (*models.Secret, error)
	ListSecrets(ctx context.Context, workspace, environment string) ([]*models.Secret, error)
	// CreateSecret inserts a new record at version 1. It returns
	// ErrAlreadyExists if the key is taken in the workspace environment.
	CreateSecret(ctx context.Context, snap models.SecretSnapshot) (*models.Secret, error)
	// UpdateSecret replaces key, value and comment and bumps the version in
	// a single conditional write.
	UpdateSecret(ctx context.Context, id string, snap models.SecretSnapshot, expectedVersion int64) (*models.Secret, error)
	DeleteSecret(ctx context.Context, id string, expectedVersion int64) error
}

// TokenStore persists auth tokens keyed by the hash of their plaintext.
type TokenStore interface {
	WriteToken(ctx context.Context, token *models.Token, tokenHash string) error
	GetToken(ctx context.Context, tokenHash string) (*models.Token, error)
	RevokeToken(ctx context.Context, tokenID string) error
	RevokeTokenChildren(ctx context.Context, parentID string) error
	CountActiveTokens(ctx context.Context) (int64, error)
}

// PolicyStore persists named policies.
type PolicyStore interface {
	WritePolicy(ctx context.Context, policy *models.Policy) error
	GetPolicy(ctx context.Context, name string) (*models.Policy, error)
	DeletePolicy(ctx context.Context, name string) error
	ListPolicies(ctx context.Context) ([]string, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)
}

// Backend is everything the server needs from persistence.
type Backend interface {
	RequestStore
	SecretStore
	TokenStore
	PolicyStore
	AuditStore

	Close()
}

// RequestFilter specifies query parameters for listing requests. Results
// are ordered newest first.
type RequestFilter struct {
	Workspace   string
	Environment string
	Status      models.ApprovalStatus
	RequestedBy string
	Limit       int
	Offset      int
}

// ErrBuiltinPolicy is returned when deleting the root or default policy.
var ErrBuiltinPolicy = errors.New("cannot delete built-in policy")

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Path   string
	Since  *time.Time
	Limit  int
	Offset int
}

// RequestNumberPrefix prefixes the human reference of a request.
const RequestNumberPrefix = "SR-"
