package apikey

import (
	"context"
	"fmt"
	"time"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/repository"
	"licensing-controlplane/pkg/security"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	repo repository.Repository[APIKey]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		repo: repository.ProvideStore[APIKey](p.DB),
	}
}

type CreateInput struct {
	TenantID  string
	KeyType   APIKeyType
	Scopes    []string
	CreatedBy *string
	ExpiresAt *time.Time
}

// Create mints a key pair and returns the plaintext secret exactly once.
func (s *Service) Create(ctx context.Context, in CreateInput) (*APIKey, string, error) {
	if in.TenantID == "" {
		return nil, "", errutil.BadRequest("tenant id is required", nil)
	}
	if in.KeyType == "" {
		in.KeyType = APIKeyTypeServer
	}

	secret, err := security.GenerateBase64Secret(32)
	if err != nil {
		return nil, "", errutil.Internal("failed to generate api key secret", err)
	}

	hash, err := security.HashArgon2(secret)
	if err != nil {
		return nil, "", errutil.Internal("failed to hash api key secret", err)
	}

	key := &APIKey{
		ID:         s.node.Generate().String(),
		TenantID:   in.TenantID,
		KeyID:      fmt.Sprintf("lic_%s_%s", in.KeyType, s.node.Generate().String()),
		KeyType:    in.KeyType,
		SecretHash: hash,
		Scopes:     in.Scopes,
		Status:     string(APIKeyStatusActive),
		CreatedBy:  in.CreatedBy,
		ExpiresAt:  in.ExpiresAt,
	}

	if err := s.repo.Create(ctx, key); err != nil {
		return nil, "", err
	}

	return key, secret, nil
}

// Verify checks keyID+secret and returns the key when it is active,
// unexpired, and the secret matches.
func (s *Service) Verify(ctx context.Context, keyID, secret string) (*APIKey, error) {
	key, err := s.repo.FindOne(ctx, &APIKey{KeyID: keyID})
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errutil.Unauthorized("unknown api key", nil)
	}
	if key.Status != string(APIKeyStatusActive) {
		return nil, errutil.Unauthorized("api key is not active", nil)
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now().UTC()) {
		return nil, errutil.Unauthorized("api key has expired", nil)
	}

	ok, err := security.VerifyArgon2(secret, key.SecretHash)
	if err != nil {
		return nil, errutil.Internal("failed to verify api key secret", err)
	}
	if !ok {
		return nil, errutil.Unauthorized("api key secret does not match", nil)
	}

	return key, nil
}

func (s *Service) Revoke(ctx context.Context, id string) error {
	key, err := s.repo.FindOne(ctx, &APIKey{ID: id})
	if err != nil {
		return err
	}
	if key == nil {
		return errutil.NotFound("api key not found", nil)
	}
	return s.repo.Update(ctx, id, map[string]any{"status": string(APIKeyStatusRevoked)})
}

func (s *Service) List(ctx context.Context, tenantID string) ([]*APIKey, error) {
	return s.repo.Find(ctx, &APIKey{TenantID: tenantID})
}
