package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

const tokenPrefix = "sat_"

// RootUser is the identity of the bootstrap root token.
const RootUser = "root"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token has been revoked")
	ErrTokenExpired = errors.New("token has expired")
)

// DefaultCacheTTL is used when NewTokenService gets a non-positive TTL.
const DefaultCacheTTL = 5 * time.Second

// TokenService handles token creation, validation and revocation.
type TokenService struct {
	store storage.TokenStore
	cache gcache.Cache
	ttl   time.Duration
	sf    singleflight.Group
	now   func() time.Time
}

// NewTokenService creates a TokenService. cacheSize > 0 enables an LRU of
// validated tokens keyed by hash. Entries live for cacheTTL, which bounds
// how long a revocation made by another replica can go unnoticed here.
func NewTokenService(store storage.TokenStore, cacheSize int, cacheTTL time.Duration) *TokenService {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	s := &TokenService{store: store, ttl: cacheTTL, now: time.Now}
	if cacheSize > 0 {
		s.cache = gcache.New(cacheSize).LRU().Build()
	}
	return s
}

// CreateToken generates a new token for userID and persists its hash.
// Returns the token model and the plaintext token string (shown once to the caller).
func (s *TokenService) CreateToken(ctx context.Context, userID, displayName string, policies []string, ttl time.Duration, parentID *string) (*models.Token, string, error) {
	if userID == "" {
		return nil, "", errors.New("user id is required")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generating token: %w", err)
	}
	plaintext := tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	now := s.now().UTC()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	t := &models.Token{
		ID:          uuid.NewString(),
		UserID:      userID,
		DisplayName: displayName,
		Policies:    policies,
		TTL:         ttl,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		ParentID:    parentID,
	}
	if err := s.store.WriteToken(ctx, t, HashToken(plaintext)); err != nil {
		return nil, "", fmt.Errorf("persisting token: %w", err)
	}
	return t, plaintext, nil
}

// EnsureRootToken makes plaintext a valid, non-expiring root token. It is a
// no-op when the token already exists and is live.
func (s *TokenService) EnsureRootToken(ctx context.Context, plaintext string) (*models.Token, error) {
	if plaintext == "" {
		return nil, errors.New("root token must not be empty")
	}
	hash := HashToken(plaintext)
	existing, err := s.store.GetToken(ctx, hash)
	switch {
	case err == nil && !existing.IsRevoked():
		return existing, nil
	case err == nil:
		return nil, fmt.Errorf("configured root token %s was revoked", existing.ID)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	t := &models.Token{
		ID:          uuid.NewString(),
		UserID:      RootUser,
		DisplayName: "root",
		Policies:    []string{"root"},
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.WriteToken(ctx, t, hash); err != nil {
		return nil, fmt.Errorf("persisting root token: %w", err)
	}
	return t, nil
}

// ValidateToken looks up a token by its plaintext value.
// Returns error if not found, expired, or revoked.
func (s *TokenService) ValidateToken(ctx context.Context, plaintext string) (*models.Token, error) {
	hash := HashToken(plaintext)

	var token *models.Token
	if s.cache != nil {
		if v, err := s.cache.Get(hash); err == nil {
			token = v.(*models.Token)
		}
	}
	if token == nil {
		v, err, _ := s.sf.Do(hash, func() (any, error) {
			return s.store.GetToken(ctx, hash)
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrInvalidToken
			}
			return nil, err
		}
		token = v.(*models.Token)
		if s.cache != nil {
			_ = s.cache.SetWithExpire(hash, token, s.ttl)
		}
	}

	if token.IsRevoked() {
		return nil, ErrTokenRevoked
	}
	if token.IsExpired() {
		return nil, ErrTokenExpired
	}
	c := *token
	c.Policies = append([]string(nil), token.Policies...)
	return &c, nil
}

// RevokeToken revokes a token and all its children. Only this process's
// cache is purged; other replicas stop accepting the token once their
// cached entry expires.
func (s *TokenService) RevokeToken(ctx context.Context, tokenID string) error {
	if err := s.store.RevokeToken(ctx, tokenID); err != nil {
		return err
	}
	if err := s.store.RevokeTokenChildren(ctx, tokenID); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Purge()
	}
	return nil
}

// HashToken returns the SHA-256 hex hash of a plaintext token. Exported for use by middleware.
func HashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
