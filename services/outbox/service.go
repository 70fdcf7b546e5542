package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/repository"
	"licensing-controlplane/pkg/task"
	"licensing-controlplane/pkg/taskname"
)

// Service records outbound events transactionally and hands them to the
// worker for delivery. Retry and backoff live with the worker; the core
// only guarantees the row exists iff the state change committed.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	enqueuer task.Enqueuer

	events repository.Repository[Event]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Enqueuer task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		enqueuer: p.Enqueuer,

		events: repository.ProvideStore[Event](p.DB),
	}
}

type EmitInput struct {
	TenantID  string
	EventType string
	EntityID  string
	Payload   map[string]any
}

// EmitTx writes the event inside the caller's transaction and enqueues a
// delivery task. Enqueue failures are logged, not returned: the worker's
// sweep picks up undelivered rows.
func (s *Service) EmitTx(ctx context.Context, tx *gorm.DB, in EmitInput) (*Event, error) {
	var payload datatypes.JSON
	if in.Payload != nil {
		b, err := json.Marshal(in.Payload)
		if err != nil {
			return nil, errutil.Internal("failed to encode outbox payload", err)
		}
		payload = datatypes.JSON(b)
	}

	event := &Event{
		ID:        s.node.Generate().String(),
		TenantID:  in.TenantID,
		EventType: in.EventType,
		EntityID:  in.EntityID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	if err := tx.WithContext(ctx).Create(event).Error; err != nil {
		return nil, err
	}

	if s.enqueuer != nil {
		body, _ := json.Marshal(map[string]string{"outbox_event_id": event.ID})
		if _, err := s.enqueuer.Enqueue(asynq.NewTask(taskname.WebhookDeliver, body)); err != nil {
			zap.L().Warn("failed to enqueue webhook delivery",
				zap.String("outbox_event_id", event.ID),
				zap.Error(err),
			)
		}
	}

	return event, nil
}

// Emit is EmitTx in its own transaction, for emissions with no surrounding
// state change.
func (s *Service) Emit(ctx context.Context, in EmitInput) (*Event, error) {
	var event *Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		event, err = s.EmitTx(ctx, tx, in)
		return err
	})
	return event, err
}

func (s *Service) MarkDelivered(ctx context.Context, eventID string) error {
	now := time.Now().UTC()
	return s.events.Update(ctx, eventID, map[string]any{"delivered_at": &now})
}

// ListPending returns undelivered events, oldest first.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*Event, error) {
	var out []*Event
	err := s.db.WithContext(ctx).
		Where("delivered_at IS NULL").
		Order("created_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}
