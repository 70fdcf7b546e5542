package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/repository"
	"licensing-controlplane/services/anomaly"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/license"
	"licensing-controlplane/services/outbox"
	"licensing-controlplane/services/product"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	licenses  *license.Service
	products  *product.Service
	anomalies *anomaly.Service
	audit     *audit.Service
	outbox    *outbox.Service

	records    repository.Repository[Record]
	aggregates repository.Repository[Aggregate]
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Licenses  *license.Service
	Products  *product.Service
	Anomalies *anomaly.Service
	Audit     *audit.Service
	Outbox    *outbox.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		node:       p.Node,
		licenses:   p.Licenses,
		products:   p.Products,
		anomalies:  p.Anomalies,
		audit:      p.Audit,
		outbox:     p.Outbox,
		records:    repository.ProvideStore[Record](p.DB),
		aggregates: repository.ProvideStore[Aggregate](p.DB),
	}
}

type RecordInput struct {
	LicenseID string
	AgentID   string
	Metric    string
	Amount    float64

	// Timestamp defaults to now. It picks the aggregation period.
	Timestamp time.Time
}

// Record meters one usage event against a license. Delegated usage
// (AgentID set) is attributed to the agent for reporting but counted
// against the delegating license's aggregate. A breach persists the
// rejected event and its audit entry, leaves the aggregate untouched, and
// returns LIMIT_EXCEEDED.
func (s *Service) Record(ctx context.Context, in RecordInput) (*Record, error) {
	if in.Metric == "" {
		return nil, errutil.BadRequest("metric is required", nil)
	}
	if in.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be positive", nil)
	}

	lic, err := s.licenses.Get(ctx, in.LicenseID)
	if err != nil {
		return nil, err
	}

	prod, err := s.products.Get(ctx, lic.ProductID)
	if err != nil {
		return nil, err
	}
	if !prod.HasMetric(in.Metric) {
		return nil, errutil.UnknownMetric(fmt.Sprintf("metric %q is not declared for product %s", in.Metric, prod.Code))
	}

	// License-level limits govern enforcement even for delegated usage.
	snapshot, err := s.licenses.Resolve(ctx, in.LicenseID, license.ResolveOptions{})
	if err != nil {
		return nil, err
	}

	if in.AgentID != "" {
		agentSnap, err := s.licenses.Resolve(ctx, in.LicenseID, license.ResolveOptions{
			AgentID:      in.AgentID,
			ForReporting: true,
		})
		if err != nil {
			return nil, err
		}
		if f, ok := agentSnap.Feature(in.Metric); ok && !f.Enabled {
			return nil, errutil.AgentNotEntitled(fmt.Sprintf("agent is not entitled to %q", in.Metric))
		}
	}

	at := in.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	period := PeriodOf(at)

	record := &Record{
		ID:         s.node.Generate().String(),
		TenantID:   lic.TenantID,
		LicenseID:  lic.ID,
		AgentID:    in.AgentID,
		Metric:     in.Metric,
		Amount:     in.Amount,
		RecordedAt: at,
		CreatedAt:  time.Now().UTC(),
	}

	limit, limited := snapshot.Limit(in.Metric)
	rejected := false

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Per-license serialization point.
		if _, err := s.licenses.LockTx(ctx, tx, lic.ID); err != nil {
			return err
		}

		history, err := s.priorHistoryTx(ctx, tx, lic.ID, in.Metric)
		if err != nil {
			return err
		}
		if _, err := s.anomalies.ScanTx(ctx, tx, anomaly.ScanInput{
			TenantID:  lic.TenantID,
			LicenseID: lic.ID,
			Metric:    in.Metric,
			History:   history,
			Value:     in.Amount,
		}); err != nil {
			return err
		}

		agg, err := s.aggregateTx(ctx, tx, lic.ID, in.Metric, period)
		if err != nil {
			return err
		}

		if limited && agg.Total+in.Amount > limit {
			rejected = true
			record.Rejected = true
			if err := tx.WithContext(ctx).Create(record).Error; err != nil {
				return err
			}
			if _, err := s.audit.AppendTx(ctx, tx, audit.AppendInput{
				LicenseID: lic.ID,
				EventType: audit.EventUsageLimitExceeded,
				Actor:     actorFor(in.AgentID),
				Detail: map[string]any{
					"metric":    in.Metric,
					"amount":    in.Amount,
					"aggregate": agg.Total,
					"limit":     limit,
				},
			}); err != nil {
				return err
			}
			_, err := s.outbox.EmitTx(ctx, tx, outbox.EmitInput{
				TenantID:  lic.TenantID,
				EventType: outbox.UsageLimitExceeded,
				EntityID:  lic.ID,
				Payload: map[string]any{
					"license_id": lic.ID,
					"metric":     in.Metric,
					"amount":     in.Amount,
					"limit":      limit,
				},
			})
			return err
		}

		if err := tx.WithContext(ctx).Create(record).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Model(&Aggregate{}).
			Where("id = ?", agg.ID).
			Updates(map[string]any{
				"total":      gorm.Expr("total + ?", in.Amount),
				"updated_at": time.Now().UTC(),
			}).Error; err != nil {
			return err
		}

		_, err = s.audit.AppendTx(ctx, tx, audit.AppendInput{
			LicenseID: lic.ID,
			EventType: audit.EventUsageRecorded,
			Actor:     actorFor(in.AgentID),
			Detail: map[string]any{
				"metric": in.Metric,
				"amount": in.Amount,
				"period": period,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if rejected {
		zap.L().Info("usage rejected over limit",
			zap.String("license_id", lic.ID),
			zap.String("metric", in.Metric),
			zap.Float64("amount", in.Amount),
		)
		return nil, errutil.LimitExceeded(fmt.Sprintf("recording %.0f %s would exceed the limit", in.Amount, in.Metric))
	}

	return record, nil
}

func actorFor(agentID string) string {
	if agentID == "" {
		return "license"
	}
	return "agent:" + agentID
}

// priorHistoryTx loads the recent accepted amounts for the metric, oldest
// first, excluding the event under test. Rejected attempts stay out of the
// baseline so a burst of refusals cannot normalize itself.
func (s *Service) priorHistoryTx(ctx context.Context, tx *gorm.DB, licenseID, metric string) ([]float64, error) {
	window := s.anomalies.Detector().WindowSize

	var recent []Record
	if err := tx.WithContext(ctx).
		Where("license_id = ? AND metric = ? AND rejected = ?", licenseID, metric, false).
		Order("created_at DESC, id DESC").
		Limit(window).
		Find(&recent).Error; err != nil {
		return nil, err
	}

	history := make([]float64, len(recent))
	for i, r := range recent {
		history[len(recent)-1-i] = r.Amount
	}
	return history, nil
}

func (s *Service) aggregateTx(ctx context.Context, tx *gorm.DB, licenseID, metric, period string) (*Aggregate, error) {
	var agg Aggregate
	err := tx.WithContext(ctx).
		Where("license_id = ? AND metric = ? AND period = ?", licenseID, metric, period).
		First(&agg).Error
	if err == nil {
		return &agg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	agg = Aggregate{
		ID:        s.node.Generate().String(),
		LicenseID: licenseID,
		Metric:    metric,
		Period:    period,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(&agg).Error; err != nil {
		return nil, err
	}
	return &agg, nil
}

// MetricSummary is one metric's standing for a period. Remaining is nil
// when the metric is unlimited.
type MetricSummary struct {
	Metric    string
	Period    string
	Total     float64
	Limit     *float64
	Remaining *float64
}

// Summary reports each declared entitlement metric's aggregate against its
// resolved limit for the period.
func (s *Service) Summary(ctx context.Context, licenseID, period string) ([]MetricSummary, error) {
	snapshot, err := s.licenses.Resolve(ctx, licenseID, license.ResolveOptions{ForReporting: true})
	if err != nil {
		return nil, err
	}

	aggs, err := s.aggregates.Find(ctx, &Aggregate{LicenseID: licenseID, Period: period})
	if err != nil {
		return nil, err
	}
	totals := make(map[string]float64, len(aggs))
	for _, agg := range aggs {
		totals[agg.Metric] = agg.Total
	}

	summaries := make([]MetricSummary, 0, len(totals))
	for metric, total := range totals {
		summary := MetricSummary{
			Metric: metric,
			Period: period,
			Total:  total,
		}
		if limit, ok := snapshot.Limit(metric); ok {
			remaining := limit - total
			if remaining < 0 {
				remaining = 0
			}
			summary.Limit = &limit
			summary.Remaining = &remaining
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// AgentUsage is one agent's share of a license's metered usage.
type AgentUsage struct {
	AgentID string
	Metric  string
	Total   float64
}

// AgentBreakdown sums accepted delegated usage per (agent, metric) for the
// period. Direct license usage appears under an empty AgentID.
func (s *Service) AgentBreakdown(ctx context.Context, licenseID, period string) ([]AgentUsage, error) {
	start, end, err := periodBounds(period)
	if err != nil {
		return nil, err
	}

	var rows []AgentUsage
	if err := s.db.WithContext(ctx).Model(&Record{}).
		Select("agent_id, metric, SUM(amount) AS total").
		Where("license_id = ? AND rejected = ? AND recorded_at >= ? AND recorded_at < ?",
			licenseID, false, start, end).
		Group("agent_id, metric").
		Order("agent_id, metric").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// List returns the raw event stream for a license metric, newest first.
func (s *Service) List(ctx context.Context, licenseID, metric string) ([]*Record, error) {
	var records []*Record
	if err := s.db.WithContext(ctx).
		Where("license_id = ? AND metric = ?", licenseID, metric).
		Order("created_at DESC, id DESC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func periodBounds(period string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, time.Time{}, errutil.BadRequest("period must look like 2006-01", err)
	}
	return start, start.AddDate(0, 1, 0), nil
}
