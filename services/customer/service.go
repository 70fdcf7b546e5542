package customer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/repository"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	repo repository.Repository[Customer]
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
		repo: repository.ProvideStore[Customer](p.DB),
	}
}

type CreateInput struct {
	TenantID string
	Email    string
	Name     string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*Customer, error) {
	if in.TenantID == "" {
		return nil, errutil.BadRequest("tenant id is required", nil)
	}

	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" {
		return nil, errutil.BadRequest("email is required", nil)
	}

	exist, err := s.repo.FindOne(ctx, &Customer{TenantID: in.TenantID, Email: email})
	if err != nil {
		return nil, err
	}
	if exist != nil {
		return nil, errutil.Conflict(fmt.Sprintf("customer %s already exists", email), nil)
	}

	customer := &Customer{
		ID:        s.node.Generate().String(),
		TenantID:  in.TenantID,
		Email:     email,
		Name:      in.Name,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, customer); err != nil {
		return nil, err
	}

	return customer, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Customer, error) {
	customer, err := s.repo.FindOne(ctx, &Customer{ID: id})
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, errutil.NotFound("customer not found", nil)
	}
	return customer, nil
}

func (s *Service) List(ctx context.Context, tenantID string) ([]*Customer, error) {
	return s.repo.Find(ctx, &Customer{TenantID: tenantID})
}
