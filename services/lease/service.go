package lease

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/keyring"
	"licensing-controlplane/pkg/rediskey"
	"licensing-controlplane/pkg/repository"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/entitlement"
	"licensing-controlplane/services/license"
)

const defaultTTL = 24 * time.Hour

// Payload is the signed body of a lease token. The snapshot is frozen at
// issue time; verification never re-resolves entitlements.
type Payload struct {
	LicenseID  string               `json:"license_id"`
	AgentID    string               `json:"agent_id,omitempty"`
	Snapshot   entitlement.Snapshot `json:"snapshot"`
	IssuedAt   time.Time            `json:"issued_at"`
	ExpiresAt  time.Time            `json:"expires_at"`
	KeyVersion int                  `json:"key_version"`
}

type envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	keys  *keyring.Holder
	redis *redis.Client
	ttl   time.Duration

	licenses *license.Service
	audit    *audit.Service

	leases repository.Repository[Lease]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Keys     *keyring.Holder
	Config   *config.Config
	Redis    *redis.Client `optional:"true"`
	Licenses *license.Service
	Audit    *audit.Service
}

func NewService(p ServiceParams) *Service {
	ttl := defaultTTL
	if p.Config != nil && p.Config.Lease.DefaultTTL > 0 {
		ttl = p.Config.Lease.DefaultTTL
	}

	return &Service{
		db:       p.DB,
		node:     p.Node,
		keys:     p.Keys,
		redis:    p.Redis,
		ttl:      ttl,
		licenses: p.Licenses,
		audit:    p.Audit,
		leases:   repository.ProvideStore[Lease](p.DB),
	}
}

type IssueInput struct {
	LicenseID string
	Actor     string

	// AgentID scopes the frozen snapshot to one agent's overrides.
	AgentID string

	// TTL defaults to the configured lease TTL.
	TTL time.Duration
}

type IssueResult struct {
	Lease   *Lease
	Payload Payload
	Token   string
}

// Issue freezes the license's resolved entitlements into a signed token a
// client can verify without calling home. Only active licenses qualify.
func (s *Service) Issue(ctx context.Context, in IssueInput) (*IssueResult, error) {
	snapshot, err := s.licenses.Resolve(ctx, in.LicenseID, license.ResolveOptions{AgentID: in.AgentID})
	if err != nil {
		return nil, err
	}

	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}

	ring := s.keys.Load()
	now := time.Now().UTC().Truncate(time.Second)
	payload := Payload{
		LicenseID:  in.LicenseID,
		AgentID:    in.AgentID,
		Snapshot:   snapshot,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
		KeyVersion: ring.CurrentVersion(),
	}

	token, err := seal(payload, ring.Current())
	if err != nil {
		return nil, errutil.Internal("failed to seal lease token", err)
	}

	tokenSum := sha256.Sum256([]byte(token))
	stored := &Lease{
		ID:         s.node.Generate().String(),
		LicenseID:  in.LicenseID,
		KeyVersion: payload.KeyVersion,
		TokenHash:  hex.EncodeToString(tokenSum[:]),
		IssuedAt:   payload.IssuedAt,
		ExpiresAt:  payload.ExpiresAt,
		CreatedAt:  now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(stored).Error; err != nil {
			return err
		}
		_, err := s.audit.AppendTx(ctx, tx, audit.AppendInput{
			LicenseID: in.LicenseID,
			EventType: audit.EventLeaseIssued,
			Actor:     in.Actor,
			Detail: map[string]any{
				"lease_id":    stored.ID,
				"key_version": payload.KeyVersion,
				"expires_at":  payload.ExpiresAt.Format(time.RFC3339),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, rediskey.BuildLeaseKey(in.LicenseID), token, ttl).Err(); err != nil {
			zap.L().Warn("failed to cache lease token", zap.Error(err), zap.String("license_id", in.LicenseID))
		}
	}

	return &IssueResult{Lease: stored, Payload: payload, Token: token}, nil
}

// Verify checks a lease token offline and returns its frozen payload.
// Checks run expiry first, then key version, then signature. The lease
// stays valid through its exact expiry instant.
func (s *Service) Verify(ctx context.Context, token string, now time.Time) (Payload, error) {
	var zero Payload

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return zero, errutil.SignatureMismatch("lease token is not valid base64")
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, errutil.SignatureMismatch("lease token envelope is malformed")
	}
	var payload Payload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return zero, errutil.SignatureMismatch("lease token payload is malformed")
	}

	if now.After(payload.ExpiresAt) {
		return zero, errutil.LeaseExpired("lease has expired")
	}

	secret, ok := s.keys.Load().Secret(payload.KeyVersion)
	if !ok {
		s.recordRejectedToken(ctx, token, "unknown_key_version", payload.KeyVersion)
		return zero, errutil.UnknownKeyVersion(fmt.Sprintf("unknown key version %d", payload.KeyVersion))
	}

	expected := sign(env.Payload, payload.ExpiresAt, secret)
	if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
		s.recordRejectedToken(ctx, token, "signature_mismatch", payload.KeyVersion)
		return zero, errutil.SignatureMismatch("lease signature does not verify")
	}

	return payload, nil
}

// recordRejectedToken writes a security event when a failed token can be
// attributed to a lease we actually issued. Tokens that match no stored
// lease carry no trustworthy license id, so they are only logged.
func (s *Service) recordRejectedToken(ctx context.Context, token, reason string, keyVersion int) {
	tokenSum := sha256.Sum256([]byte(token))
	tokenHash := hex.EncodeToString(tokenSum[:])

	var stored Lease
	err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&stored).Error
	if err == gorm.ErrRecordNotFound {
		zap.L().Warn("rejected lease token matches no issued lease",
			zap.String("reason", reason), zap.Int("key_version", keyVersion))
		return
	}
	if err != nil {
		zap.L().Warn("failed to look up rejected lease token", zap.Error(err))
		return
	}

	_, err = s.audit.Append(ctx, audit.AppendInput{
		LicenseID: stored.LicenseID,
		EventType: audit.EventSignatureRejected,
		Actor:     "system",
		Detail: map[string]any{
			"lease_id":    stored.ID,
			"reason":      reason,
			"key_version": keyVersion,
		},
	})
	if err != nil {
		zap.L().Warn("failed to record rejected lease token",
			zap.Error(err), zap.String("license_id", stored.LicenseID))
	}
}

// List returns the leases issued for a license, newest first.
func (s *Service) List(ctx context.Context, licenseID string) ([]*Lease, error) {
	var leases []*Lease
	if err := s.db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("issued_at DESC, id DESC").
		Find(&leases).Error; err != nil {
		return nil, err
	}
	return leases, nil
}

func seal(payload Payload, secret []byte) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	env := envelope{
		Payload:   body,
		Signature: sign(body, payload.ExpiresAt, secret),
	}
	sealed, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// sign authenticates the raw payload bytes, with the expiry bound in
// explicitly so it cannot be negotiated away.
func sign(payload json.RawMessage, expiresAt time.Time, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	mac.Write([]byte("|" + expiresAt.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(mac.Sum(nil))
}
