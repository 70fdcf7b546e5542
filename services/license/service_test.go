package license

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/keyring"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/entitlement"
	"licensing-controlplane/services/keygen"
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
	products *product.Service
	keys     *keyring.Holder
	tenant   *tenant.Tenant
	product  *product.Product
}

func limit(v float64) *float64 { return &v }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.NewTestDB(t,
		&tenant.Tenant{}, &product.Product{},
		&License{}, &Agent{},
		&audit.Event{}, &audit.ChainState{},
		&outbox.Event{},
	)

	node := testutil.NewTestNode(t)
	keys := testutil.NewTestKeyring(t, 0, 1)

	keygenSvc := keygen.NewService(keys)
	auditSvc := audit.NewService(audit.ServiceParams{DB: db, Node: node, Keys: keys})
	outboxSvc := outbox.NewService(outbox.ServiceParams{DB: db, Node: node})
	productSvc := product.NewService(product.ServiceParams{DB: db, Node: node})
	tenantSvc := tenant.NewService(tenant.ServiceParams{DB: db, Node: node, Config: &config.Config{}})

	svc := NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Keys:     keygenSvc,
		Products: productSvc,
		Tenants:  tenantSvc,
		Audit:    auditSvc,
		Outbox:   outboxSvc,
	})

	defaults, err := entitlement.MarshalFeatures(map[string]entitlement.Feature{
		"api_calls": {Enabled: true, Limit: limit(50), Compose: "sum"},
		"sso":       {Enabled: false},
	})
	require.NoError(t, err)

	ten := &tenant.Tenant{
		ID:                  node.Generate().String(),
		Name:                "Acme",
		Slug:                "acme",
		Status:              tenant.Active,
		DefaultEntitlements: defaults,
	}
	require.NoError(t, db.Create(ten).Error)

	prod, err := productSvc.Create(context.Background(), product.CreateInput{
		TenantID: ten.ID,
		Code:     "PRD",
		Name:     "Product",
		Features: map[string]entitlement.Feature{
			"api_calls": {Enabled: true, Limit: limit(100), Compose: "sum"},
			"export":    {Enabled: true},
		},
		Metrics:          []string{"api_calls"},
		DefaultSeatLimit: 3,
	})
	require.NoError(t, err)

	return &testEnv{db: db, svc: svc, products: productSvc, keys: keys, tenant: ten, product: prod}
}

func (e *testEnv) createLicense(t *testing.T, in CreateInput) *CreateResult {
	t.Helper()

	if in.TenantID == "" {
		in.TenantID = e.tenant.ID
	}
	if in.ProductID == "" {
		in.ProductID = e.product.ID
	}
	in.Actor = "tester"

	res, err := e.svc.Create(context.Background(), in)
	require.NoError(t, err)
	return res
}

func TestCreateLicense(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.createLicense(t, CreateInput{})

	require.NotEmpty(t, res.RawKey)
	require.Equal(t, StatusCreated, res.License.Status)
	require.Equal(t, 3, res.License.SeatLimit) // product default
	require.Equal(t, keygen.KeyHash(res.RawKey), res.License.KeyHash)

	// raw key is never stored
	var stored License
	require.NoError(t, env.db.First(&stored, "id = ?", res.License.ID).Error)
	require.NotContains(t, stored.KeyHash, res.RawKey)

	// creation leaves an audit event and an outbox event
	var auditCount, outboxCount int64
	require.NoError(t, env.db.Model(&audit.Event{}).Where("license_id = ?", res.License.ID).Count(&auditCount).Error)
	require.Equal(t, int64(1), auditCount)
	require.NoError(t, env.db.Model(&outbox.Event{}).Count(&outboxCount).Error)
	require.Equal(t, int64(1), outboxCount)

	got, err := env.svc.GetByKey(ctx, res.RawKey)
	require.NoError(t, err)
	require.Equal(t, res.License.ID, got.ID)
}

func TestGetByKeyRejectsTamperedKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.createLicense(t, CreateInput{})

	tampered := res.RawKey[:len(res.RawKey)-1] + "?"
	_, err := env.svc.GetByKey(ctx, tampered)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusMalformedKey))
}

func TestGetByKeyRecordsRejectedStoredKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.createLicense(t, CreateInput{})

	// rotate away the version the stored key was minted under
	other, err := keyring.New(5, map[int][]byte{5: []byte("rotated-secret")})
	require.NoError(t, err)
	env.keys.Swap(other)

	_, err = env.svc.GetByKey(ctx, res.RawKey)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusUnknownKeyVersion))

	// the key still hashes to a stored license, so the rejection lands on
	// its audit trail
	var rejected int64
	require.NoError(t, env.db.Model(&audit.Event{}).
		Where("license_id = ? AND event_type = ?", res.License.ID, audit.EventSignatureRejected).
		Count(&rejected).Error)
	require.EqualValues(t, 1, rejected)
}

func TestLifecycleTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.createLicense(t, CreateInput{})
	id := res.License.ID

	// created -> active
	require.NoError(t, env.db.Transaction(func(tx *gorm.DB) error {
		lic, err := env.svc.LockTx(ctx, tx, id)
		if err != nil {
			return err
		}
		return env.svc.TransitionTx(ctx, tx, lic, StatusActive, "tester")
	}))

	lic, err := env.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusActive, lic.Status)

	// active -> deactivated -> active
	require.NoError(t, env.db.Transaction(func(tx *gorm.DB) error {
		lic, err := env.svc.LockTx(ctx, tx, id)
		if err != nil {
			return err
		}
		return env.svc.TransitionTx(ctx, tx, lic, StatusDeactivated, "tester")
	}))
	require.NoError(t, env.db.Transaction(func(tx *gorm.DB) error {
		lic, err := env.svc.LockTx(ctx, tx, id)
		if err != nil {
			return err
		}
		return env.svc.TransitionTx(ctx, tx, lic, StatusActive, "tester")
	}))

	// expire is terminal
	_, err = env.svc.Expire(ctx, id, "tester")
	require.NoError(t, err)

	err = env.db.Transaction(func(tx *gorm.DB) error {
		lic, err := env.svc.LockTx(ctx, tx, id)
		if err != nil {
			return err
		}
		return env.svc.TransitionTx(ctx, tx, lic, StatusActive, "tester")
	})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusLicenseExpired))

	// expiring again is a no-op
	again, err := env.svc.Expire(ctx, id, "tester")
	require.NoError(t, err)
	require.Equal(t, StatusExpired, again.Status)
}

func TestLazyExpiryOnRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	res := env.createLicense(t, CreateInput{ExpiresAt: &past})

	lic, err := env.svc.Get(ctx, res.License.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, lic.Status)
}

func TestExpireDueSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	env.createLicense(t, CreateInput{ExpiresAt: &past})
	keep := env.createLicense(t, CreateInput{ExpiresAt: &future})

	n, err := env.svc.ExpireDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	lic, err := env.svc.Get(ctx, keep.License.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCreated, lic.Status)
}

func activate(t *testing.T, env *testEnv, id string) {
	t.Helper()
	require.NoError(t, env.db.Transaction(func(tx *gorm.DB) error {
		lic, err := env.svc.LockTx(context.Background(), tx, id)
		if err != nil {
			return err
		}
		return env.svc.TransitionTx(context.Background(), tx, lic, StatusActive, "tester")
	}))
}

func TestResolveLayering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.createLicense(t, CreateInput{
		Entitlements: map[string]entitlement.Feature{
			"sso": {Enabled: true},
		},
	})
	activate(t, env, res.License.ID)

	snap, err := env.svc.Resolve(ctx, res.License.ID, ResolveOptions{})
	require.NoError(t, err)

	// product layer overrides tenant layer
	v, ok := snap.Limit("api_calls")
	require.True(t, ok)
	require.Equal(t, float64(100), v)

	// license override beats tenant default
	f, ok := snap.Feature("sso")
	require.True(t, ok)
	require.True(t, f.Enabled)

	// product-only feature flows through
	f, ok = snap.Feature("export")
	require.True(t, ok)
	require.True(t, f.Enabled)
}

func TestResolveRequiresActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.createLicense(t, CreateInput{})

	_, err := env.svc.Resolve(ctx, res.License.ID, ResolveOptions{})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusLicenseNotActive))

	// reporting bypass still resolves
	_, err = env.svc.Resolve(ctx, res.License.ID, ResolveOptions{ForReporting: true})
	require.NoError(t, err)
}

func TestResolveAgentOverrides(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.createLicense(t, CreateInput{})
	activate(t, env, res.License.ID)

	agent, err := env.svc.CreateAgent(ctx, CreateAgentInput{
		LicenseID: res.License.ID,
		Code:      "agent-1",
		Entitlements: map[string]entitlement.Feature{
			"api_calls": {Enabled: true, Limit: limit(10)},
		},
	})
	require.NoError(t, err)

	snap, err := env.svc.Resolve(ctx, res.License.ID, ResolveOptions{AgentID: agent.ID})
	require.NoError(t, err)

	v, ok := snap.Limit("api_calls")
	require.True(t, ok)
	require.Equal(t, float64(10), v)

	// disabled agent loses entitlement entirely
	_, err = env.svc.SetAgentEnabled(ctx, res.License.ID, agent.ID, false)
	require.NoError(t, err)

	_, err = env.svc.Resolve(ctx, res.License.ID, ResolveOptions{AgentID: agent.ID})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusAgentNotEntitled))
}

func TestResolveComposed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.createLicense(t, CreateInput{
		Entitlements: map[string]entitlement.Feature{
			"api_calls": {Enabled: true, Limit: limit(100), Compose: "sum"},
		},
	})
	b := env.createLicense(t, CreateInput{
		Entitlements: map[string]entitlement.Feature{
			"api_calls": {Enabled: true, Limit: limit(40), Compose: "sum"},
		},
	})
	activate(t, env, a.License.ID)
	activate(t, env, b.License.ID)

	snap, err := env.svc.ResolveComposed(ctx, []string{a.License.ID, b.License.ID})
	require.NoError(t, err)

	v, ok := snap.Limit("api_calls")
	require.True(t, ok)
	require.Equal(t, float64(140), v)
}

func TestCreateAgentDuplicateCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.createLicense(t, CreateInput{})

	_, err := env.svc.CreateAgent(ctx, CreateAgentInput{LicenseID: res.License.ID, Code: "dup"})
	require.NoError(t, err)

	_, err = env.svc.CreateAgent(ctx, CreateAgentInput{LicenseID: res.License.ID, Code: "dup"})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))
}
