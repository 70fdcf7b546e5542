package product

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/repository"
	"licensing-controlplane/services/entitlement"
)

var codeRe = regexp.MustCompile(`^[A-Z0-9]{3}$`)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	repo repository.Repository[Product]
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
		repo: repository.ProvideStore[Product](p.DB),
	}
}

type CreateInput struct {
	TenantID         string
	Code             string
	Name             string
	Features         map[string]entitlement.Feature
	Metrics          []string
	DefaultSeatLimit int
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*Product, error) {
	if in.TenantID == "" {
		return nil, errutil.BadRequest("tenant id is required", nil)
	}
	if !codeRe.MatchString(in.Code) {
		return nil, errutil.InvalidProductCode(fmt.Sprintf("product code %q must be 3 chars of A-Z0-9", in.Code))
	}

	exist, err := s.repo.FindOne(ctx, &Product{TenantID: in.TenantID, Code: in.Code})
	if err != nil {
		return nil, err
	}
	if exist != nil {
		return nil, errutil.Conflict(fmt.Sprintf("product code %s already exists", in.Code), nil)
	}

	var features datatypes.JSON
	if in.Features != nil {
		features, err = entitlement.MarshalFeatures(in.Features)
		if err != nil {
			return nil, errutil.Internal("failed to encode product features", err)
		}
	}

	product := &Product{
		ID:               s.node.Generate().String(),
		TenantID:         in.TenantID,
		Code:             in.Code,
		Name:             in.Name,
		Features:         features,
		Metrics:          in.Metrics,
		DefaultSeatLimit: in.DefaultSeatLimit,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, product); err != nil {
		return nil, err
	}

	return product, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Product, error) {
	product, err := s.repo.FindOne(ctx, &Product{ID: id})
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, errutil.NotFound("product not found", nil)
	}
	return product, nil
}

func (s *Service) GetByCode(ctx context.Context, tenantID, code string) (*Product, error) {
	product, err := s.repo.FindOne(ctx, &Product{TenantID: tenantID, Code: code})
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, errutil.NotFound(fmt.Sprintf("product %s not found", code), nil)
	}
	return product, nil
}

func (s *Service) List(ctx context.Context, tenantID string) ([]*Product, error) {
	return s.repo.Find(ctx, &Product{TenantID: tenantID})
}

type UpdateInput struct {
	Name             *string
	Features         map[string]entitlement.Feature
	Metrics          []string
	DefaultSeatLimit *int
}

func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*Product, error) {
	product, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	values := map[string]any{"updated_at": time.Now().UTC()}
	if in.Name != nil {
		values["name"] = *in.Name
	}
	if in.Features != nil {
		features, err := entitlement.MarshalFeatures(in.Features)
		if err != nil {
			return nil, errutil.Internal("failed to encode product features", err)
		}
		values["features"] = features
	}
	if in.Metrics != nil {
		values["metrics"] = pq.StringArray(in.Metrics)
	}
	if in.DefaultSeatLimit != nil {
		values["default_seat_limit"] = *in.DefaultSeatLimit
	}

	if err := s.repo.Update(ctx, product.ID, values); err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

// FeatureLayer decodes the product's feature column for resolution.
func (s *Service) FeatureLayer(p *Product) (map[string]entitlement.Feature, error) {
	return entitlement.ParseFeatures(p.Features)
}
