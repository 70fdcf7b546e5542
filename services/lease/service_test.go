package lease

import (
	"context"
	"encoding/base64"
	"encoding/json"
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
	keys     *keyring.Holder
	license  *license.License
}

func limit(v float64) *float64 { return &v }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.NewTestDB(t,
		&tenant.Tenant{}, &product.Product{},
		&license.License{}, &license.Agent{},
		&Lease{},
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

	cfg := &config.Config{}
	cfg.Lease.DefaultTTL = time.Minute

	svc := NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Keys:     keys,
		Config:   cfg,
		Licenses: licenseSvc,
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
		TenantID: ten.ID,
		Code:     "PRD",
		Name:     "Product",
		Features: map[string]entitlement.Feature{
			"api_calls": {Enabled: true, Limit: limit(100), Compose: "sum"},
		},
		Metrics:          []string{"api_calls"},
		DefaultSeatLimit: 3,
	})
	require.NoError(t, err)

	res, err := licenseSvc.Create(context.Background(), license.CreateInput{
		TenantID:  ten.ID,
		ProductID: prod.ID,
		Actor:     "tester",
	})
	require.NoError(t, err)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		lic, err := licenseSvc.LockTx(context.Background(), tx, res.License.ID)
		if err != nil {
			return err
		}
		return licenseSvc.TransitionTx(context.Background(), tx, lic, license.StatusActive, "tester")
	}))

	return &testEnv{db: db, svc: svc, licenses: licenseSvc, keys: keys, license: res.License}
}

func TestIssueAndVerify(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Issue(ctx, IssueInput{
		LicenseID: env.license.ID,
		Actor:     "tester",
		TTL:       60 * time.Second,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Token)
	require.NotContains(t, res.Lease.TokenHash, res.Token)

	payload, err := env.svc.Verify(ctx, res.Token, res.Payload.IssuedAt.Add(30*time.Second))
	require.NoError(t, err)
	require.Equal(t, env.license.ID, payload.LicenseID)

	lim, ok := payload.Snapshot.Limit("api_calls")
	require.True(t, ok)
	require.InDelta(t, 100, lim, 1e-9)

	var auditCount int64
	require.NoError(t, env.db.Model(&audit.Event{}).
		Where("license_id = ? AND event_type = ?", env.license.ID, audit.EventLeaseIssued).
		Count(&auditCount).Error)
	require.EqualValues(t, 1, auditCount)
}

func TestVerifyExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Issue(ctx, IssueInput{
		LicenseID: env.license.ID,
		Actor:     "tester",
		TTL:       60 * time.Second,
	})
	require.NoError(t, err)

	_, err = env.svc.Verify(ctx, res.Token, res.Payload.IssuedAt.Add(61*time.Second))
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusLeaseExpired))
}

func TestVerifyAtExpiryInstant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Issue(ctx, IssueInput{
		LicenseID: env.license.ID,
		Actor:     "tester",
		TTL:       60 * time.Second,
	})
	require.NoError(t, err)

	// the lease is good through its exact expiry instant
	_, err = env.svc.Verify(ctx, res.Token, res.Payload.ExpiresAt)
	require.NoError(t, err)

	_, err = env.svc.Verify(ctx, res.Token, res.Payload.ExpiresAt.Add(time.Second))
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusLeaseExpired))
}

func TestIssueAgentScopedLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent, err := env.licenses.CreateAgent(ctx, license.CreateAgentInput{
		LicenseID: env.license.ID,
		Code:      "agent-1",
		Entitlements: map[string]entitlement.Feature{
			"api_calls": {Enabled: true, Limit: limit(10)},
		},
	})
	require.NoError(t, err)

	res, err := env.svc.Issue(ctx, IssueInput{
		LicenseID: env.license.ID,
		AgentID:   agent.ID,
		Actor:     "tester",
	})
	require.NoError(t, err)

	payload, err := env.svc.Verify(ctx, res.Token, time.Now())
	require.NoError(t, err)
	require.Equal(t, agent.ID, payload.AgentID)

	// the agent's override is frozen into the token
	lim, ok := payload.Snapshot.Limit("api_calls")
	require.True(t, ok)
	require.InDelta(t, 10, lim, 1e-9)
}

func TestVerifyTamperedPayload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Issue(ctx, IssueInput{
		LicenseID: env.license.ID,
		Actor:     "tester",
	})
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(res.Token)
	require.NoError(t, err)
	var env2 envelope
	require.NoError(t, json.Unmarshal(raw, &env2))

	var payload Payload
	require.NoError(t, json.Unmarshal(env2.Payload, &payload))
	hundred := 100000.0
	payload.Snapshot.Features["api_calls"] = entitlement.Feature{Enabled: true, Limit: &hundred}
	env2.Payload, err = json.Marshal(payload)
	require.NoError(t, err)

	forged, err := json.Marshal(env2)
	require.NoError(t, err)

	_, err = env.svc.Verify(ctx, base64.RawURLEncoding.EncodeToString(forged), time.Now())
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusSignatureMismatch))
}

func TestVerifyUnknownKeyVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Issue(ctx, IssueInput{
		LicenseID: env.license.ID,
		Actor:     "tester",
	})
	require.NoError(t, err)

	// a ring without version 0 cannot verify the token
	other, err := keyring.New(5, map[int][]byte{5: []byte("other-secret")})
	require.NoError(t, err)
	env.keys.Swap(other)

	_, err = env.svc.Verify(ctx, res.Token, time.Now())
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusUnknownKeyVersion))

	// the rejection is attributed to the issued lease on the audit trail
	var rejected int64
	require.NoError(t, env.db.Model(&audit.Event{}).
		Where("license_id = ? AND event_type = ?", env.license.ID, audit.EventSignatureRejected).
		Count(&rejected).Error)
	require.EqualValues(t, 1, rejected)
}

func TestVerifyGarbageToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Verify(context.Background(), "not-a-token", time.Now())
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusSignatureMismatch))
}

func TestSnapshotIsFrozenAtIssue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Issue(ctx, IssueInput{LicenseID: env.license.ID, Actor: "tester"})
	require.NoError(t, err)

	// raising the license override after issue does not touch the lease
	_, err = env.licenses.UpdateOverrides(ctx, env.license.ID, map[string]entitlement.Feature{
		"api_calls": {Enabled: true, Limit: limit(500), Compose: "sum"},
	}, "tester")
	require.NoError(t, err)

	payload, err := env.svc.Verify(ctx, res.Token, time.Now())
	require.NoError(t, err)
	lim, ok := payload.Snapshot.Limit("api_calls")
	require.True(t, ok)
	require.InDelta(t, 100, lim, 1e-9)
}

func TestIssueInactiveLicense(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.db.Transaction(func(tx *gorm.DB) error {
		lic, err := env.licenses.LockTx(ctx, tx, env.license.ID)
		if err != nil {
			return err
		}
		return env.licenses.TransitionTx(ctx, tx, lic, license.StatusDeactivated, "tester")
	}))

	_, err := env.svc.Issue(ctx, IssueInput{LicenseID: env.license.ID, Actor: "tester"})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusLicenseNotActive))
}
