package apikey

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"licensing-controlplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &APIKey{})
	return NewService(ServiceParams{
		DB:   db,
		Node: testutil.NewTestNode(t),
	})
}

func TestCreateAndVerify(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, secret, err := svc.Create(ctx, CreateInput{
		TenantID: "ten-1",
		KeyType:  APIKeyTypeServer,
		Scopes:   []string{"licenses.write", "usage.report"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	require.NotEqual(t, secret, key.SecretHash)

	got, err := svc.Verify(ctx, key.KeyID, secret)
	require.NoError(t, err)
	require.Equal(t, key.ID, got.ID)

	_, err = svc.Verify(ctx, key.KeyID, "wrong-secret")
	require.Error(t, err)
}

func TestVerifyUnknownKey(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Verify(context.Background(), "lic_server_missing", "whatever")
	require.Error(t, err)
}

func TestRevokedKeyFailsVerify(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, secret, err := svc.Create(ctx, CreateInput{TenantID: "ten-1"})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, key.ID))

	_, err = svc.Verify(ctx, key.KeyID, secret)
	require.Error(t, err)
}

func TestExpiredKeyFailsVerify(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	key, secret, err := svc.Create(ctx, CreateInput{TenantID: "ten-1", ExpiresAt: &past})
	require.NoError(t, err)

	_, err = svc.Verify(ctx, key.KeyID, secret)
	require.Error(t, err)
}
