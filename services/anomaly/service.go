package anomaly

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/featureflags"
	"licensing-controlplane/pkg/repository"
	"licensing-controlplane/pkg/sequence"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/outbox"
)

const detectionFlag = "anomaly_detection"

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	seq      sequence.Generator
	detector Detector
	flags    featureflags.FeatureFlag

	audit  *audit.Service
	outbox *outbox.Service

	repo repository.Repository[Anomaly]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
	Seq    sequence.Generator       `optional:"true"`
	Flags  featureflags.FeatureFlag `optional:"true"`
	Audit  *audit.Service
	Outbox *outbox.Service
}

func NewService(p ServiceParams) *Service {
	window, minWindow := 0, 0
	if p.Config != nil {
		window = p.Config.Anomaly.WindowSize
		minWindow = p.Config.Anomaly.MinWindow
	}

	return &Service{
		db:       p.DB,
		node:     p.Node,
		seq:      p.Seq,
		detector: NewDetector(window, minWindow),
		flags:    p.Flags,
		audit:    p.Audit,
		outbox:   p.Outbox,
		repo:     repository.ProvideStore[Anomaly](p.DB),
	}
}

func (s *Service) Detector() Detector {
	return s.detector
}

// Enabled consults the per-tenant feature flag. With no flag client wired,
// detection is on.
func (s *Service) Enabled(ctx context.Context, tenantID string) bool {
	if s.flags == nil {
		return true
	}
	flags, err := s.flags.Flags(ctx, tenantID)
	if err != nil {
		zap.L().Warn("failed to read feature flags, assuming anomaly detection on", zap.Error(err))
		return true
	}
	enabled, err := flags.IsFeatureEnabled(detectionFlag)
	if err != nil {
		return true
	}
	return enabled
}

type ScanInput struct {
	TenantID  string
	LicenseID string
	Metric    string

	// History is the metric's prior samples, oldest first, excluding the
	// value under test.
	History []float64
	Value   float64
}

// ScanTx scores one sample inside the caller's transaction and opens a
// case when it is anomalous. Returns nil when the sample is ordinary.
func (s *Service) ScanTx(ctx context.Context, tx *gorm.DB, in ScanInput) (*Anomaly, error) {
	if !s.Enabled(ctx, in.TenantID) {
		return nil, nil
	}

	score := s.detector.Score(in.History, in.Value)
	if score.Severity == SeverityNone {
		return nil, nil
	}

	caseCode := ""
	if s.seq != nil {
		var err error
		if caseCode, err = s.seq.NextAnomalyCaseCode(ctx, in.TenantID); err != nil {
			zap.L().Warn("failed to allocate anomaly case code", zap.Error(err))
			caseCode = ""
		}
	}
	if caseCode == "" {
		caseCode = "ANM-" + s.node.Generate().String()
	}

	now := time.Now().UTC()
	anomaly := &Anomaly{
		ID:         s.node.Generate().String(),
		TenantID:   in.TenantID,
		LicenseID:  in.LicenseID,
		Metric:     in.Metric,
		CaseCode:   caseCode,
		Value:      in.Value,
		Mean:       score.Mean,
		StdDev:     score.StdDev,
		ZScore:     score.ZScore,
		Severity:   score.Severity,
		Status:     StatusOpen,
		DetectedAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := tx.WithContext(ctx).Create(anomaly).Error; err != nil {
		return nil, err
	}

	if _, err := s.audit.AppendTx(ctx, tx, audit.AppendInput{
		LicenseID: in.LicenseID,
		EventType: audit.EventAnomalyDetected,
		Actor:     "system",
		Detail: map[string]any{
			"metric":   in.Metric,
			"value":    in.Value,
			"z_score":  score.ZScore,
			"severity": string(score.Severity),
		},
	}); err != nil {
		return nil, err
	}

	if _, err := s.outbox.EmitTx(ctx, tx, outbox.EmitInput{
		TenantID:  in.TenantID,
		EventType: outbox.AnomalyDetected,
		EntityID:  anomaly.ID,
		Payload: map[string]any{
			"anomaly_id": anomaly.ID,
			"license_id": in.LicenseID,
			"metric":     in.Metric,
			"severity":   string(score.Severity),
		},
	}); err != nil {
		return nil, err
	}

	return anomaly, nil
}

// Resolve closes a case. Idempotent: resolving a resolved case returns it
// unchanged.
func (s *Service) Resolve(ctx context.Context, id, actor string) (*Anomaly, error) {
	anomaly, err := s.repo.FindOne(ctx, &Anomaly{ID: id})
	if err != nil {
		return nil, err
	}
	if anomaly == nil {
		return nil, errutil.NotFound("anomaly not found", nil)
	}
	if anomaly.Status == StatusResolved {
		return anomaly, nil
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Anomaly{}).Where("id = ?", id).Updates(map[string]any{
			"status":      StatusResolved,
			"resolved_at": &now,
			"resolved_by": actor,
			"updated_at":  now,
		}).Error; err != nil {
			return err
		}

		if _, err := s.audit.AppendTx(ctx, tx, audit.AppendInput{
			LicenseID: anomaly.LicenseID,
			EventType: audit.EventAnomalyResolved,
			Actor:     actor,
			Detail:    map[string]any{"anomaly_id": id},
		}); err != nil {
			return err
		}

		_, err := s.outbox.EmitTx(ctx, tx, outbox.EmitInput{
			TenantID:  anomaly.TenantID,
			EventType: outbox.AnomalyResolved,
			EntityID:  id,
			Payload:   map[string]any{"anomaly_id": id},
		})
		return err
	}); err != nil {
		return nil, err
	}

	return s.repo.FindOne(ctx, &Anomaly{ID: id})
}

type ListFilter struct {
	TenantID  string
	LicenseID string
	Status    Status
	Severity  Severity
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*Anomaly, error) {
	return s.repo.Find(ctx, &Anomaly{
		TenantID:  f.TenantID,
		LicenseID: f.LicenseID,
		Status:    f.Status,
		Severity:  f.Severity,
	})
}
