package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"licensing-controlplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return nil, nil
}

func newTestService(t *testing.T, enq *fakeEnqueuer) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Event{})

	p := ServiceParams{
		DB:   db,
		Node: testutil.NewTestNode(t),
	}
	if enq != nil {
		p.Enqueuer = enq
	}
	return NewService(p)
}

func TestEmitPersistsAndEnqueues(t *testing.T) {
	enq := &fakeEnqueuer{}
	svc := newTestService(t, enq)
	ctx := context.Background()

	event, err := svc.Emit(ctx, EmitInput{
		TenantID:  "ten-1",
		EventType: LicenseCreated,
		EntityID:  "lic-1",
		Payload:   map[string]any{"license_id": "lic-1"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, event.ID)
	require.Nil(t, event.DeliveredAt)

	require.Len(t, enq.tasks, 1)
	require.Equal(t, "webhook:deliver", enq.tasks[0].Type())

	pending, err := svc.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestEnqueueFailureDoesNotFailEmit(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("redis down")}
	svc := newTestService(t, enq)

	event, err := svc.Emit(context.Background(), EmitInput{
		TenantID:  "ten-1",
		EventType: AnomalyDetected,
		EntityID:  "anm-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, event.ID)
}

func TestMarkDelivered(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	event, err := svc.Emit(ctx, EmitInput{TenantID: "ten-1", EventType: LicenseExpired, EntityID: "lic-9"})
	require.NoError(t, err)

	require.NoError(t, svc.MarkDelivered(ctx, event.ID))

	pending, err := svc.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}
