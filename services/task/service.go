package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/taskname"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/license"
	"licensing-controlplane/services/outbox"
)

// Service runs the maintenance side of the control plane: outbox delivery,
// the license expiry sweep, and scheduled audit verification.
type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	asynq *asynq.Client

	licenses *license.Service
	outbox   *outbox.Service
	audit    *audit.Service
}

type Params struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Asynq *asynq.Client `optional:"true"`

	Licenses *license.Service
	Outbox   *outbox.Service
	Audit    *audit.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		asynq:    p.Asynq,
		licenses: p.Licenses,
		outbox:   p.Outbox,
		audit:    p.Audit,
	}
}

type webhookPayload struct {
	OutboxEventID string `json:"outbox_event_id"`
}

// HandleWebhookDeliver consumes one outbox row. Delivery to the tenant's
// endpoint lives behind this handler; the row is marked delivered once the
// handler returns nil, so asynq's retry policy covers failures.
func (s *Service) HandleWebhookDeliver(ctx context.Context, t *asynq.Task) error {
	var payload webhookPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("webhook task payload is malformed", zap.Error(err))
		return err
	}

	if err := s.outbox.MarkDelivered(ctx, payload.OutboxEventID); err != nil {
		return err
	}

	zap.L().Info("outbox event delivered", zap.String("outbox_event_id", payload.OutboxEventID))
	return nil
}

// HandleLicenseExpiry sweeps licenses whose expiry has passed.
func (s *Service) HandleLicenseExpiry(ctx context.Context, t *asynq.Task) error {
	job := s.startJob(ctx, taskname.LicenseExpiryRun, nil)

	expired, err := s.licenses.ExpireDue(ctx, time.Now())
	if err != nil {
		s.finishJob(ctx, job, err)
		return err
	}

	zap.L().Info("license expiry sweep finished", zap.Int("expired", expired))
	s.finishJob(ctx, job, nil)
	return nil
}

type auditVerifyPayload struct {
	LicenseID string `json:"license_id"`
}

// HandleAuditVerify re-verifies one license's audit chain. A failed
// verification halts the chain; the result is logged for the operator.
func (s *Service) HandleAuditVerify(ctx context.Context, t *asynq.Task) error {
	var payload auditVerifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	result, err := s.audit.VerifyChain(ctx, payload.LicenseID)
	if err != nil {
		return err
	}
	if !result.OK {
		zap.L().Error("audit chain verification failed",
			zap.String("license_id", payload.LicenseID),
			zap.Int64("first_bad_seq", result.FirstBadSeq),
			zap.String("reason", result.Reason),
		)
	}
	return nil
}

// EnqueueExpiryRun schedules one expiry sweep.
func (s *Service) EnqueueExpiryRun(ctx context.Context) error {
	if s.asynq == nil {
		return nil
	}
	_, err := s.asynq.Enqueue(asynq.NewTask(taskname.LicenseExpiryRun, nil))
	return err
}

// SweepPendingOutbox re-enqueues delivery for rows whose original enqueue
// was lost.
func (s *Service) SweepPendingOutbox(ctx context.Context, limit int) error {
	if s.asynq == nil {
		return nil
	}

	pending, err := s.outbox.ListPending(ctx, limit)
	if err != nil {
		return err
	}
	for _, event := range pending {
		body, _ := json.Marshal(webhookPayload{OutboxEventID: event.ID})
		if _, err := s.asynq.Enqueue(asynq.NewTask(taskname.WebhookDeliver, body)); err != nil {
			zap.L().Warn("failed to re-enqueue outbox event",
				zap.String("outbox_event_id", event.ID),
				zap.Error(err),
			)
		}
	}
	if len(pending) > 0 {
		zap.L().Info("re-enqueued pending outbox events", zap.Int("count", len(pending)))
	}
	return nil
}

func (s *Service) startJob(ctx context.Context, name string, metadata map[string]string) *Job {
	now := time.Now().UTC()
	job := &Job{
		ID:        s.node.Generate().String(),
		TaskName:  name,
		Status:    "running",
		StartedAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if metadata != nil {
		if b, err := json.Marshal(metadata); err == nil {
			job.Metadata = b
		}
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		zap.L().Warn("failed to record maintenance job", zap.Error(err))
	}
	return job
}

func (s *Service) finishJob(ctx context.Context, job *Job, runErr error) {
	now := time.Now().UTC()
	values := map[string]any{
		"status":       "success",
		"completed_at": &now,
		"updated_at":   now,
	}
	if runErr != nil {
		values["status"] = "failed"
		values["error_msg"] = runErr.Error()
	}
	if err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(values).Error; err != nil {
		zap.L().Warn("failed to update maintenance job", zap.Error(err))
	}
}
