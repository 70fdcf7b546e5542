package tenant

import (
	"context"
	"fmt"
	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/db/option"
	"licensing-controlplane/pkg/db/pagination"
	"licensing-controlplane/pkg/repository"
	"licensing-controlplane/pkg/security"
	"licensing-controlplane/pkg/sequence"
	"licensing-controlplane/pkg/task"
	"licensing-controlplane/services/apikey"
	"licensing-controlplane/services/entitlement"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	asynq  task.Enqueuer
	node   *snowflake.Node
	seq    sequence.Generator
	config *config.Config
	repo   repository.Repository[Tenant]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Asynq  task.Enqueuer `optional:"true"`
	Node   *snowflake.Node
	Seq    sequence.Generator
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		asynq:  p.Asynq,
		node:   p.Node,
		seq:    p.Seq,
		config: p.Config,
		repo:   repository.ProvideStore[Tenant](p.DB),
	}
}

type ListRequest struct {
	Limit int32
}

func (s *Service) ListTenants(ctx context.Context, req ListRequest) ([]*Tenant, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	spanID := span.SpanContext().SpanID().String()

	traceOpt := []zap.Field{
		zap.String("trace_id", traceID),
		zap.String("span_id", spanID),
	}

	zapLog := zap.L().With(traceOpt...)

	opts := []option.QueryOption{
		option.ApplyPagination(pagination.Pagination{
			Limit: int(req.Limit),
		}),
	}

	tenants, err := s.repo.Find(ctx, &Tenant{}, opts...)
	if err != nil {
		zapLog.Error("failed to list tenants", zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to list tenants")
	}

	return tenants, nil
}

type CreateRequest struct {
	Type        string
	Name        string
	Slug        string
	CountryCode string
	Timezone    string

	// DefaultEntitlements seeds the tenant-level entitlement layer.
	DefaultEntitlements map[string]entitlement.Feature
}

// CreateTenant provisions a tenant plus its first server API key in one
// transaction. The plaintext API key secret is logged nowhere and returned
// nowhere; operators rotate keys through the apikey service.
func (s *Service) CreateTenant(ctx context.Context, req CreateRequest) (*Tenant, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	spanID := span.SpanContext().SpanID().String()

	traceOpt := []zap.Field{
		zap.String("trace_id", traceID),
		zap.String("span_id", spanID),
	}

	zapLog := zap.L().With(traceOpt...)

	slugName := req.Slug
	if slugName == "" {
		slugName = slug.Make(req.Name)
	}

	exist, err := s.repo.FindOne(ctx, &Tenant{
		Slug: slugName,
	})
	if err != nil {
		zapLog.Error("failed query get tenant by slug", zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to check existing tenant")
	}

	if exist != nil {
		zapLog.Warn("tenant already exists", zap.String("slug", slugName))
		return nil, status.Error(codes.AlreadyExists, "tenant already exists")
	}

	tenantID := s.node.Generate().String()
	tenantCode, err := s.seq.NextTenantCode(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed create tenant")
	}

	var defaults []byte
	if req.DefaultEntitlements != nil {
		raw, err := entitlement.MarshalFeatures(req.DefaultEntitlements)
		if err != nil {
			zapLog.Error("failed to encode default entitlements", zap.Error(err))
			return nil, status.Error(codes.InvalidArgument, "invalid default entitlements")
		}
		defaults = raw
	}

	if err := s.db.Transaction(func(tx *gorm.DB) error {

		tenant := &Tenant{
			ID:                  tenantID,
			Type:                TenantType(req.Type),
			Name:                req.Name,
			Slug:                slugName,
			Code:                tenantCode,
			CountryCode:         req.CountryCode,
			Timezone:            req.Timezone,
			Status:              Active,
			DefaultEntitlements: defaults,
		}

		if err := tx.Create(tenant).Error; err != nil {
			return fmt.Errorf("failed to create tenant: %w", err)
		}

		secret, err := security.GenerateBase64Secret(32)
		if err != nil {
			return fmt.Errorf("failed to generate api key secret: %w", err)
		}

		hash, err := security.HashArgon2(secret)
		if err != nil {
			return fmt.Errorf("failed to hash api key secret: %w", err)
		}

		apiKeyID := s.node.Generate().String()
		apiKey := &apikey.APIKey{
			ID:         apiKeyID,
			TenantID:   tenantID,
			KeyID:      fmt.Sprintf("lic_server_%s", apiKeyID),
			KeyType:    apikey.APIKeyTypeServer,
			SecretHash: hash,
			Scopes:     []string{"*"},
			Status:     string(apikey.APIKeyStatusActive),
			CreatedAt:  time.Now(),
		}

		if err := tx.Create(apiKey).Error; err != nil {
			return fmt.Errorf("failed to create api key: %w", err)
		}

		return nil
	}); err != nil {
		zapLog.Error("failed to create tenant transaction", zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}

	return s.GetTenant(ctx, tenantID)
}

func (s *Service) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	spanID := span.SpanContext().SpanID().String()

	traceOpt := []zap.Field{
		zap.String("trace_id", traceID),
		zap.String("span_id", spanID),
	}

	zapLog := zap.L().With(traceOpt...)

	tenant, err := s.repo.FindOne(ctx, &Tenant{
		ID: tenantID,
	})
	if err != nil {
		zapLog.Error("failed query get tenant by id", zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to get tenant")
	}

	if tenant == nil {
		zapLog.Warn("failed get tenant, tenant not found", zap.String("tenant_id", tenantID))
		return nil, status.Error(codes.NotFound, "tenant not found")
	}

	return tenant, nil
}

// DefaultLayer decodes the tenant's default entitlements for resolution.
func (s *Service) DefaultLayer(t *Tenant) (map[string]entitlement.Feature, error) {
	return entitlement.ParseFeatures(t.DefaultEntitlements)
}
