package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/taskname"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/keygen"
	"licensing-controlplane/services/license"
	"licensing-controlplane/services/outbox"
	"licensing-controlplane/services/product"
	"licensing-controlplane/services/tenant"
	"licensing-controlplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type testEnv struct {
	db       *gorm.DB
	svc      *Service
	licenses *license.Service
	outbox   *outbox.Service
	tenant   *tenant.Tenant
	product  *product.Product
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.NewTestDB(t,
		&tenant.Tenant{}, &product.Product{},
		&license.License{}, &license.Agent{},
		&Job{},
		&audit.Event{}, &audit.ChainState{},
		&outbox.Event{},
	)

	node := testutil.NewTestNode(t)
	keys := testutil.NewTestKeyring(t, 0)

	auditSvc := audit.NewService(audit.ServiceParams{DB: db, Node: node, Keys: keys})
	outboxSvc := outbox.NewService(outbox.ServiceParams{DB: db, Node: node})
	productSvc := product.NewService(product.ServiceParams{DB: db, Node: node})
	tenantSvc := tenant.NewService(tenant.ServiceParams{DB: db, Node: node, Config: &config.Config{}})
	licenseSvc := license.NewService(license.ServiceParams{
		DB:       db,
		Node:     node,
		Keys:     keygen.NewService(keys),
		Products: productSvc,
		Tenants:  tenantSvc,
		Audit:    auditSvc,
		Outbox:   outboxSvc,
	})

	svc := NewService(Params{
		DB:       db,
		Node:     node,
		Licenses: licenseSvc,
		Outbox:   outboxSvc,
		Audit:    auditSvc,
	})

	ten := &tenant.Tenant{
		ID:     node.Generate().String(),
		Name:   "Acme",
		Slug:   "acme",
		Status: tenant.Active,
	}
	require.NoError(t, db.Create(ten).Error)

	prod, err := productSvc.Create(context.Background(), product.CreateInput{
		TenantID:         ten.ID,
		Code:             "PRD",
		Name:             "Product",
		DefaultSeatLimit: 3,
	})
	require.NoError(t, err)

	return &testEnv{db: db, svc: svc, licenses: licenseSvc, outbox: outboxSvc, tenant: ten, product: prod}
}

func TestHandleWebhookDeliver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	event, err := env.outbox.Emit(ctx, outbox.EmitInput{
		TenantID:  env.tenant.ID,
		EventType: outbox.LicenseCreated,
		EntityID:  "lic-1",
	})
	require.NoError(t, err)
	require.Nil(t, event.DeliveredAt)

	body, err := json.Marshal(map[string]string{"outbox_event_id": event.ID})
	require.NoError(t, err)

	err = env.svc.HandleWebhookDeliver(ctx, asynq.NewTask(taskname.WebhookDeliver, body))
	require.NoError(t, err)

	var stored outbox.Event
	require.NoError(t, env.db.First(&stored, "id = ?", event.ID).Error)
	require.NotNil(t, stored.DeliveredAt)
}

func TestHandleWebhookDeliverBadPayload(t *testing.T) {
	env := newTestEnv(t)

	err := env.svc.HandleWebhookDeliver(context.Background(), asynq.NewTask(taskname.WebhookDeliver, []byte("{")))
	require.Error(t, err)
}

func TestHandleLicenseExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	res, err := env.licenses.Create(ctx, license.CreateInput{
		TenantID:  env.tenant.ID,
		ProductID: env.product.ID,
		ExpiresAt: &past,
		Actor:     "tester",
	})
	require.NoError(t, err)

	err = env.svc.HandleLicenseExpiry(ctx, asynq.NewTask(taskname.LicenseExpiryRun, nil))
	require.NoError(t, err)

	lic, err := env.licenses.Get(ctx, res.License.ID)
	require.NoError(t, err)
	require.Equal(t, license.StatusExpired, lic.Status)

	// the sweep leaves a job record
	var job Job
	require.NoError(t, env.db.First(&job, "task_name = ?", taskname.LicenseExpiryRun).Error)
	require.Equal(t, "success", job.Status)
	require.NotNil(t, job.CompletedAt)
}
