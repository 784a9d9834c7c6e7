package secret

import (
	"context"
	"errors"
	"fmt"

	"github.com/org/secretapproval/internal/policy"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

// ErrNotFound is returned for unknown secret ids.
var ErrNotFound = errors.New("secret not found")

// Reader is the read half of storage.SecretStore. Writes go through the
// approval merge only.
type Reader interface {
	GetSecret(ctx context.Context, id string) (*models.Secret, error)
	ListSecrets(ctx context.Context, workspace, environment string) ([]*models.Secret, error)
}

// Service serves live secret records to token holders with read access.
type Service struct {
	store  Reader
	policy *policy.Engine
}

// NewService creates a Service.
func NewService(store Reader, pol *policy.Engine) *Service {
	return &Service{store: store, policy: pol}
}

// List returns the secrets of a workspace environment ordered by key.
func (s *Service) List(ctx context.Context, token *models.Token, workspace, environment string) ([]*models.Secret, error) {
	if err := s.policy.Check(ctx, token.Policies, models.CapRead, policy.Path(workspace, environment)); err != nil {
		return nil, err
	}
	secrets, err := s.store.ListSecrets(ctx, workspace, environment)
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	return secrets, nil
}

// Get returns one secret. A token without read access on the secret's
// environment gets ErrPermissionDenied.
func (s *Service) Get(ctx context.Context, token *models.Token, id string) (*models.Secret, error) {
	sec, err := s.store.GetSecret(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if err := s.policy.Check(ctx, token.Policies, models.CapRead, policy.Path(sec.Workspace, sec.Environment)); err != nil {
		return nil, err
	}
	return sec, nil
}
