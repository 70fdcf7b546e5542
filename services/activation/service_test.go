package activation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
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
	license  *license.License
}

func newTestEnv(t *testing.T, seatLimit int, heartbeatTTL time.Duration) *testEnv {
	t.Helper()

	db := testutil.NewTestDB(t,
		&tenant.Tenant{}, &product.Product{},
		&license.License{}, &license.Agent{},
		&Activation{},
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

	ten := &tenant.Tenant{ID: node.Generate().String(), Slug: "acme", Status: tenant.Active}
	require.NoError(t, db.Create(ten).Error)

	prod, err := productSvc.Create(context.Background(), product.CreateInput{
		TenantID: ten.ID,
		Code:     "PRD",
	})
	require.NoError(t, err)

	res, err := licenseSvc.Create(context.Background(), license.CreateInput{
		TenantID:  ten.ID,
		ProductID: prod.ID,
		SeatLimit: seatLimit,
		Actor:     "tester",
	})
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Activation.HeartbeatTTL = heartbeatTTL

	svc := NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Licenses: licenseSvc,
		Audit:    auditSvc,
	})

	return &testEnv{db: db, svc: svc, licenses: licenseSvc, license: res.License}
}

func TestActivateMovesLicenseActive(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	ctx := context.Background()

	act, err := env.svc.Activate(ctx, ActivateInput{
		LicenseID:   env.license.ID,
		Fingerprint: "fp-1",
		Hostname:    "host-1",
		Actor:       "tester",
	})
	require.NoError(t, err)
	require.True(t, act.Active)

	lic, err := env.licenses.Get(ctx, env.license.ID)
	require.NoError(t, err)
	require.Equal(t, license.StatusActive, lic.Status)
}

func TestActivateIdempotentPerFingerprint(t *testing.T) {
	env := newTestEnv(t, 1, time.Hour)
	ctx := context.Background()

	first, err := env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "fp-1"})
	require.NoError(t, err)

	// same fingerprint again succeeds even though the seat limit is 1
	second, err := env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "fp-1"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestSeatLimitScenario(t *testing.T) {
	// seat limit 2: activate machines A and B, C is rejected; after
	// deactivating A, C activates
	env := newTestEnv(t, 2, time.Hour)
	ctx := context.Background()

	_, err := env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "machine-a"})
	require.NoError(t, err)
	_, err = env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "machine-b"})
	require.NoError(t, err)

	_, err = env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "machine-c"})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusSeatLimitExceeded))

	require.NoError(t, env.svc.Deactivate(ctx, env.license.ID, "machine-a", "tester"))

	_, err = env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "machine-c"})
	require.NoError(t, err)
}

func TestStaleActivationFreesSeat(t *testing.T) {
	env := newTestEnv(t, 1, time.Minute)
	ctx := context.Background()

	act, err := env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "fp-old"})
	require.NoError(t, err)

	// age the heartbeat past the ttl
	stale := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, env.db.Model(&Activation{}).Where("id = ?", act.ID).
		Update("last_heartbeat_at", stale).Error)

	live, err := env.svc.ListLive(ctx, env.license.ID)
	require.NoError(t, err)
	require.Empty(t, live)

	// the stale seat no longer blocks a new machine
	_, err = env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "fp-new"})
	require.NoError(t, err)
}

func TestStaleHeartbeatCannotRetakeSeat(t *testing.T) {
	// seat limit 1: machine A goes stale, machine B takes the freed seat.
	// A late heartbeat from A must not bring the license to two live seats.
	env := newTestEnv(t, 1, time.Minute)
	ctx := context.Background()

	actA, err := env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "machine-a"})
	require.NoError(t, err)

	stale := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, env.db.Model(&Activation{}).Where("id = ?", actA.ID).
		Update("last_heartbeat_at", stale).Error)

	_, err = env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "machine-b"})
	require.NoError(t, err)

	_, err = env.svc.Heartbeat(ctx, env.license.ID, "machine-a")
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusActivationNotFound))

	live, err := env.svc.ListLive(ctx, env.license.ID)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "machine-b", live[0].Fingerprint)
}

func TestDeactivateLastSeatDeactivatesLicense(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	ctx := context.Background()

	_, err := env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "fp-1"})
	require.NoError(t, err)

	require.NoError(t, env.svc.Deactivate(ctx, env.license.ID, "fp-1", "tester"))

	lic, err := env.licenses.Get(ctx, env.license.ID)
	require.NoError(t, err)
	require.Equal(t, license.StatusDeactivated, lic.Status)
}

func TestDeactivateUnknownFingerprint(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	ctx := context.Background()

	err := env.svc.Deactivate(ctx, env.license.ID, "fp-ghost", "tester")
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusActivationNotFound))

	// double deactivation also fails
	_, err = env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "fp-1"})
	require.NoError(t, err)
	require.NoError(t, env.svc.Deactivate(ctx, env.license.ID, "fp-1", "tester"))

	err = env.svc.Deactivate(ctx, env.license.ID, "fp-1", "tester")
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusActivationNotFound))
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	ctx := context.Background()

	_, err := env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "fp-1"})
	require.NoError(t, err)

	act, err := env.svc.Heartbeat(ctx, env.license.ID, "fp-1")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().UTC(), act.LastHeartbeatAt, 5*time.Second)

	// heartbeat for an unknown fingerprint
	_, err = env.svc.Heartbeat(ctx, env.license.ID, "fp-ghost")
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusActivationNotFound))

	// heartbeat against a non-active license
	require.NoError(t, env.svc.Deactivate(ctx, env.license.ID, "fp-1", "tester"))
	_, err = env.svc.Heartbeat(ctx, env.license.ID, "fp-1")
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusLicenseNotActive))
}

func TestActivateExpiredLicense(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	ctx := context.Background()

	_, err := env.licenses.Expire(ctx, env.license.ID, "tester")
	require.NoError(t, err)

	_, err = env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "fp-1"})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusLicenseExpired))
}

func TestDeactivateExpiredLicense(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	ctx := context.Background()

	_, err := env.svc.Activate(ctx, ActivateInput{LicenseID: env.license.ID, Fingerprint: "fp-1"})
	require.NoError(t, err)

	_, err = env.licenses.Expire(ctx, env.license.ID, "tester")
	require.NoError(t, err)

	err = env.svc.Deactivate(ctx, env.license.ID, "fp-1", "tester")
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusLicenseExpired))
}
