package license

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/db/option"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/repository"
	"licensing-controlplane/pkg/sequence"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/entitlement"
	"licensing-controlplane/services/keygen"
	"licensing-controlplane/services/outbox"
	"licensing-controlplane/services/product"
	"licensing-controlplane/services/tenant"
)

// Service owns the license lifecycle: key issuance, state transitions,
// agents, and entitlement resolution.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	seq  sequence.Generator

	keys     *keygen.Service
	products *product.Service
	tenants  *tenant.Service
	audit    *audit.Service
	outbox   *outbox.Service

	licenses repository.Repository[License]
	agents   repository.Repository[Agent]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Seq      sequence.Generator `optional:"true"`
	Keys     *keygen.Service
	Products *product.Service
	Tenants  *tenant.Service
	Audit    *audit.Service
	Outbox   *outbox.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		seq:      p.Seq,
		keys:     p.Keys,
		products: p.Products,
		tenants:  p.Tenants,
		audit:    p.Audit,
		outbox:   p.Outbox,

		licenses: repository.ProvideStore[License](p.DB),
		agents:   repository.ProvideStore[Agent](p.DB),
	}
}

type CreateInput struct {
	TenantID   string
	ProductID  string
	CustomerID string
	SeatLimit  int // 0 falls back to the product default

	// KeyVersion pins the signing version; nil uses the keyring's current.
	KeyVersion *int

	Entitlements map[string]entitlement.Feature
	ExpiresAt    *time.Time
	Actor        string
}

// CreateResult carries the raw key exactly once. It is never persisted and
// cannot be recovered later.
type CreateResult struct {
	License *License
	RawKey  string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)

	prod, err := s.products.Get(ctx, in.ProductID)
	if err != nil {
		return nil, err
	}
	if prod.TenantID != in.TenantID {
		return nil, errutil.NotFound("product not found", nil)
	}

	version := s.keys.CurrentVersion()
	if in.KeyVersion != nil {
		version = *in.KeyVersion
	}

	rawKey, err := s.keys.Generate(prod.Code, version)
	if err != nil {
		return nil, err
	}

	seatLimit := in.SeatLimit
	if seatLimit == 0 {
		seatLimit = prod.DefaultSeatLimit
	}

	var overrides datatypes.JSON
	if in.Entitlements != nil {
		overrides, err = entitlement.MarshalFeatures(in.Entitlements)
		if err != nil {
			return nil, errutil.Internal("failed to encode license entitlements", err)
		}
	}

	code := ""
	if s.seq != nil {
		if code, err = s.seq.NextLicenseCode(ctx, in.TenantID); err != nil {
			zapLog.Warn("failed to allocate license code", zap.Error(err))
			code = ""
		}
	}

	lic := &License{
		ID:           s.node.Generate().String(),
		TenantID:     in.TenantID,
		ProductID:    prod.ID,
		CustomerID:   in.CustomerID,
		Code:         code,
		KeyHash:      keygen.KeyHash(rawKey),
		KeyVersion:   version,
		Status:       StatusCreated,
		SeatLimit:    seatLimit,
		Entitlements: overrides,
		ExpiresAt:    in.ExpiresAt,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(lic).Error; err != nil {
			return err
		}

		if _, err := s.audit.AppendTx(ctx, tx, audit.AppendInput{
			LicenseID: lic.ID,
			EventType: audit.EventLicenseCreated,
			Actor:     in.Actor,
			Detail: map[string]any{
				"product_id":  prod.ID,
				"key_version": version,
				"seat_limit":  seatLimit,
			},
		}); err != nil {
			return err
		}

		_, err := s.outbox.EmitTx(ctx, tx, outbox.EmitInput{
			TenantID:  lic.TenantID,
			EventType: outbox.LicenseCreated,
			EntityID:  lic.ID,
			Payload:   map[string]any{"license_id": lic.ID, "product_id": prod.ID},
		})
		return err
	}); err != nil {
		zapLog.Error("failed to create license", zap.Error(err))
		return nil, err
	}

	return &CreateResult{License: lic, RawKey: rawKey}, nil
}

func (s *Service) Get(ctx context.Context, id string) (*License, error) {
	lic, err := s.licenses.FindOne(ctx, &License{ID: id})
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, errutil.NotFound("license not found", nil)
	}
	return s.lazyExpire(ctx, lic)
}

// GetByKey validates the raw key cryptographically, then resolves it to the
// stored license. A key that verifies but matches no row is NotFound. A key
// that fails validation but hashes to a stored license leaves a security
// event on that license's audit trail.
func (s *Service) GetByKey(ctx context.Context, rawKey string) (*License, error) {
	lic, err := s.licenses.FindOne(ctx, &License{KeyHash: keygen.KeyHash(rawKey)})
	if err != nil {
		return nil, err
	}

	if _, err := s.keys.Validate(rawKey); err != nil {
		if lic != nil {
			reason := "signature_mismatch"
			if errutil.HasStatus(err, errutil.StatusUnknownKeyVersion) {
				reason = "unknown_key_version"
			}
			if _, aerr := s.audit.Append(ctx, audit.AppendInput{
				LicenseID: lic.ID,
				EventType: audit.EventSignatureRejected,
				Actor:     "system",
				Detail:    map[string]any{"reason": reason},
			}); aerr != nil {
				zap.L().Warn("failed to record rejected license key",
					zap.Error(aerr), zap.String("license_id", lic.ID))
			}
		}
		return nil, err
	}

	if lic == nil {
		return nil, errutil.NotFound("license not found", nil)
	}
	return s.lazyExpire(ctx, lic)
}

func (s *Service) List(ctx context.Context, tenantID string) ([]*License, error) {
	return s.licenses.Find(ctx, &License{TenantID: tenantID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "created_at",
		OrderBy: "desc",
		Allow:   map[string]bool{"created_at": true},
	}))
}

// UpdateOverrides replaces the license-level entitlement override layer.
func (s *Service) UpdateOverrides(ctx context.Context, id string, features map[string]entitlement.Feature, actor string) (*License, error) {
	lic, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if lic.Status == StatusExpired {
		return nil, errutil.LicenseExpired("expired license cannot be updated")
	}

	raw, err := entitlement.MarshalFeatures(features)
	if err != nil {
		return nil, errutil.Internal("failed to encode license entitlements", err)
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&License{}).Where("id = ?", lic.ID).
			Updates(map[string]any{"entitlements": raw, "updated_at": time.Now().UTC()}).Error; err != nil {
			return err
		}
		_, err := s.audit.AppendTx(ctx, tx, audit.AppendInput{
			LicenseID: lic.ID,
			EventType: "license.entitlements_updated",
			Actor:     actor,
		})
		return err
	}); err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

// validTransitions is the lifecycle state machine. Expired is terminal.
var validTransitions = map[Status][]Status{
	StatusCreated:     {StatusActive, StatusExpired},
	StatusActive:      {StatusDeactivated, StatusExpired},
	StatusDeactivated: {StatusActive, StatusExpired},
	StatusExpired:     {},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionTx moves a license to a new status inside the caller's
// transaction, appending the audit event and outbox notification. The
// caller must hold the license row lock.
func (s *Service) TransitionTx(ctx context.Context, tx *gorm.DB, lic *License, to Status, actor string) error {
	if lic.Status == to {
		return nil
	}
	if lic.Status == StatusExpired {
		return errutil.LicenseExpired("license is expired; expired is terminal")
	}
	if !canTransition(lic.Status, to) {
		return errutil.UnprocessableEntity(
			fmt.Sprintf("cannot transition license from %s to %s", lic.Status, to), nil)
	}

	from := lic.Status
	lic.Status = to
	lic.UpdatedAt = time.Now().UTC()

	if err := tx.Model(&License{}).Where("id = ?", lic.ID).
		Updates(map[string]any{"status": to, "updated_at": lic.UpdatedAt}).Error; err != nil {
		return err
	}

	eventType, outboxType := transitionEvents(to)
	if _, err := s.audit.AppendTx(ctx, tx, audit.AppendInput{
		LicenseID: lic.ID,
		EventType: eventType,
		Actor:     actor,
		Detail:    map[string]any{"from": string(from), "to": string(to)},
	}); err != nil {
		return err
	}

	_, err := s.outbox.EmitTx(ctx, tx, outbox.EmitInput{
		TenantID:  lic.TenantID,
		EventType: outboxType,
		EntityID:  lic.ID,
		Payload:   map[string]any{"license_id": lic.ID, "from": string(from), "to": string(to)},
	})
	return err
}

func transitionEvents(to Status) (auditType, outboxType string) {
	switch to {
	case StatusActive:
		return audit.EventLicenseActivated, outbox.LicenseActivated
	case StatusDeactivated:
		return audit.EventLicenseDeactivated, outbox.LicenseDeactivated
	default:
		return audit.EventLicenseExpired, outbox.LicenseExpired
	}
}

// Expire explicitly retires a license. Idempotent: expiring an expired
// license is a no-op.
func (s *Service) Expire(ctx context.Context, id, actor string) (*License, error) {
	lic, err := s.licenses.FindOne(ctx, &License{ID: id})
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, errutil.NotFound("license not found", nil)
	}
	if lic.Status == StatusExpired {
		return lic, nil
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.LockTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked.Status == StatusExpired {
			return nil
		}
		return s.TransitionTx(ctx, tx, locked, StatusExpired, actor)
	}); err != nil {
		return nil, err
	}

	return s.licenses.FindOne(ctx, &License{ID: id})
}

// ExpireDue sweeps licenses whose expiry has passed. Used by the worker.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	var due []*License
	err := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ? AND status <> ?", now, StatusExpired).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, lic := range due {
		if _, err := s.Expire(ctx, lic.ID, "system"); err != nil {
			zap.L().Error("failed to expire license", zap.String("license_id", lic.ID), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

// lazyExpire flips a past-due license to expired on read, so callers never
// observe an active-but-overdue license.
func (s *Service) lazyExpire(ctx context.Context, lic *License) (*License, error) {
	if lic.Status == StatusExpired || !lic.Expired(time.Now().UTC()) {
		return lic, nil
	}
	return s.Expire(ctx, lic.ID, "system")
}

// LockTx re-reads a license under FOR UPDATE inside tx. This is the
// serialization point for every per-license mutation.
func (s *Service) LockTx(ctx context.Context, tx *gorm.DB, id string) (*License, error) {
	var lic License
	err := tx.WithContext(ctx).
		Scopes(option.LockingUpdate).
		Where("id = ?", id).
		First(&lic).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errutil.NotFound("license not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return &lic, nil
}
