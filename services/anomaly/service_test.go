package anomaly

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/outbox"
	"licensing-controlplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &Anomaly{}, &audit.Event{}, &audit.ChainState{}, &outbox.Event{})
	node := testutil.NewTestNode(t)
	keys := testutil.NewTestKeyring(t, 0)

	cfg := &config.Config{}
	cfg.Anomaly.WindowSize = 30
	cfg.Anomaly.MinWindow = 5

	svc := NewService(ServiceParams{
		DB:     db,
		Node:   node,
		Config: cfg,
		Audit:  audit.NewService(audit.ServiceParams{DB: db, Node: node, Keys: keys}),
		Outbox: outbox.NewService(outbox.ServiceParams{DB: db, Node: node}),
	})
	return svc, db
}

// baseline has mean 10 and enough spread for a spike to register.
func baseline() []float64 {
	return []float64{10, 11, 9, 10, 12, 8, 10, 11, 9, 10}
}

func TestScanOpensCase(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	history := []float64{10, 11, 9, 10, 12, 8}

	var opened *Anomaly
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		opened, err = svc.ScanTx(ctx, tx, ScanInput{
			TenantID:  "ten-1",
			LicenseID: "lic-1",
			Metric:    "api_calls",
			History:   history,
			Value:     15,
		})
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, opened)
	require.Equal(t, SeverityHigh, opened.Severity)
	require.Equal(t, StatusOpen, opened.Status)
	require.InDelta(t, 10, opened.Mean, 1e-9)

	var auditCount, outboxCount int64
	require.NoError(t, db.Model(&audit.Event{}).Where("license_id = ?", "lic-1").Count(&auditCount).Error)
	require.NoError(t, db.Model(&outbox.Event{}).Where("event_type = ?", outbox.AnomalyDetected).Count(&outboxCount).Error)
	require.EqualValues(t, 1, auditCount)
	require.EqualValues(t, 1, outboxCount)
}

func TestScanOrdinarySampleIsSilent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		opened, err := svc.ScanTx(ctx, tx, ScanInput{
			TenantID:  "ten-1",
			LicenseID: "lic-1",
			Metric:    "api_calls",
			History:   []float64{10, 11, 9, 10, 12, 8},
			Value:     11,
		})
		require.NoError(t, err)
		require.Nil(t, opened)
		return nil
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&Anomaly{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestScanShortHistoryIsSilent(t *testing.T) {
	svc, db := newTestService(t)

	err := db.Transaction(func(tx *gorm.DB) error {
		opened, err := svc.ScanTx(context.Background(), tx, ScanInput{
			TenantID:  "ten-1",
			LicenseID: "lic-1",
			Metric:    "api_calls",
			History:   []float64{1, 2},
			Value:     1000,
		})
		require.NoError(t, err)
		require.Nil(t, opened)
		return nil
	})
	require.NoError(t, err)
}

func TestResolveIsIdempotent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	var opened *Anomaly
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		opened, err = svc.ScanTx(ctx, tx, ScanInput{
			TenantID:  "ten-1",
			LicenseID: "lic-1",
			Metric:    "api_calls",
			History:   baseline(),
			Value:     1000,
		})
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, opened)

	resolved, err := svc.Resolve(ctx, opened.ID, "ops@acme.test")
	require.NoError(t, err)
	require.Equal(t, StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	require.Equal(t, "ops@acme.test", resolved.ResolvedBy)

	firstResolvedAt := *resolved.ResolvedAt
	again, err := svc.Resolve(ctx, opened.ID, "someone-else")
	require.NoError(t, err)
	require.Equal(t, StatusResolved, again.Status)
	require.Equal(t, "ops@acme.test", again.ResolvedBy)
	require.Equal(t, firstResolvedAt.Unix(), again.ResolvedAt.Unix())

	// resolution itself lands on the audit trail once
	var auditCount int64
	require.NoError(t, db.Model(&audit.Event{}).
		Where("license_id = ? AND event_type = ?", "lic-1", audit.EventAnomalyResolved).
		Count(&auditCount).Error)
	require.EqualValues(t, 1, auditCount)
}

func TestResolveUnknownCase(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Resolve(context.Background(), "missing", "ops")
	require.Error(t, err)
}

func TestListFilters(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	spike := func(licenseID string, value float64) *Anomaly {
		var opened *Anomaly
		err := db.Transaction(func(tx *gorm.DB) error {
			var err error
			opened, err = svc.ScanTx(ctx, tx, ScanInput{
				TenantID:  "ten-1",
				LicenseID: licenseID,
				Metric:    "api_calls",
				History:   baseline(),
				Value:     value,
			})
			return err
		})
		require.NoError(t, err)
		require.NotNil(t, opened)
		return opened
	}

	first := spike("lic-1", 1000)
	spike("lic-2", 1000)

	_, err := svc.Resolve(ctx, first.ID, "ops")
	require.NoError(t, err)

	open, err := svc.List(ctx, ListFilter{TenantID: "ten-1", Status: StatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "lic-2", open[0].LicenseID)

	byLicense, err := svc.List(ctx, ListFilter{LicenseID: "lic-1"})
	require.NoError(t, err)
	require.Len(t, byLicense, 1)
	require.Equal(t, StatusResolved, byLicense[0].Status)
}
