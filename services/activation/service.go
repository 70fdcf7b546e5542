package activation

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/repository"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/license"
)

const defaultHeartbeatTTL = 24 * time.Hour

// Service manages seat-limited machine activations. All mutations lock the
// license row first, so concurrent activations against the same license
// serialize and the seat limit cannot be oversubscribed.
type Service struct {
	db           *gorm.DB
	node         *snowflake.Node
	heartbeatTTL time.Duration

	licenses *license.Service
	audit    *audit.Service

	repo repository.Repository[Activation]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Licenses *license.Service
	Audit    *audit.Service
}

func NewService(p ServiceParams) *Service {
	ttl := defaultHeartbeatTTL
	if p.Config != nil && p.Config.Activation.HeartbeatTTL > 0 {
		ttl = p.Config.Activation.HeartbeatTTL
	}

	return &Service{
		db:           p.DB,
		node:         p.Node,
		heartbeatTTL: ttl,
		licenses:     p.Licenses,
		audit:        p.Audit,
		repo:         repository.ProvideStore[Activation](p.DB),
	}
}

type ActivateInput struct {
	LicenseID   string
	Fingerprint string
	Hostname    string
	Actor       string
}

// Activate registers a machine under the license. Idempotent per
// fingerprint: re-activating a live machine refreshes its heartbeat and
// succeeds. The first successful activation moves the license to active.
func (s *Service) Activate(ctx context.Context, in ActivateInput) (*Activation, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	if in.Fingerprint == "" {
		return nil, errutil.BadRequest("machine fingerprint is required", nil)
	}

	var out *Activation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lic, err := s.licenses.LockTx(ctx, tx, in.LicenseID)
		if err != nil {
			return err
		}
		if lic.Status == license.StatusExpired || lic.Expired(time.Now().UTC()) {
			return errutil.LicenseExpired("license is expired")
		}

		now := time.Now().UTC()

		var existing Activation
		err = tx.Where(&Activation{LicenseID: lic.ID, Fingerprint: in.Fingerprint}).First(&existing).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return err
		}
		found := err == nil

		if found && existing.Active {
			// idempotent re-activation refreshes the heartbeat
			existing.LastHeartbeatAt = now
			existing.UpdatedAt = now
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			out = &existing
			return nil
		}

		live, err := s.countLiveTx(tx, lic.ID, now)
		if err != nil {
			return err
		}
		if lic.SeatLimit > 0 && live >= int64(lic.SeatLimit) {
			return errutil.SeatLimitExceeded(
				fmt.Sprintf("license has %d of %d seats in use", live, lic.SeatLimit))
		}

		if found {
			existing.Active = true
			existing.Hostname = in.Hostname
			existing.LastHeartbeatAt = now
			existing.DeactivatedAt = nil
			existing.UpdatedAt = now
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			out = &existing
		} else {
			out = &Activation{
				ID:              s.node.Generate().String(),
				LicenseID:       lic.ID,
				Fingerprint:     in.Fingerprint,
				Hostname:        in.Hostname,
				Active:          true,
				LastHeartbeatAt: now,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := tx.Create(out).Error; err != nil {
				return err
			}
		}

		if _, err := s.audit.AppendTx(ctx, tx, audit.AppendInput{
			LicenseID: lic.ID,
			EventType: audit.EventMachineActivated,
			Actor:     in.Actor,
			Detail:    map[string]any{"fingerprint": in.Fingerprint, "hostname": in.Hostname},
		}); err != nil {
			return err
		}

		if lic.Status != license.StatusActive {
			return s.licenses.TransitionTx(ctx, tx, lic, license.StatusActive, in.Actor)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Deactivate releases a machine's seat. When the last live activation goes,
// the license drops back to deactivated.
func (s *Service) Deactivate(ctx context.Context, licenseID, fingerprint, actor string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lic, err := s.licenses.LockTx(ctx, tx, licenseID)
		if err != nil {
			return err
		}

		if lic.Status == license.StatusExpired || lic.Expired(time.Now().UTC()) {
			return errutil.LicenseExpired("license is expired")
		}

		var act Activation
		err = tx.Where(&Activation{LicenseID: lic.ID, Fingerprint: fingerprint}).First(&act).Error
		if err == gorm.ErrRecordNotFound {
			return errutil.ActivationNotFound(fmt.Sprintf("no activation for fingerprint %s", fingerprint))
		}
		if err != nil {
			return err
		}
		if !act.Active {
			return errutil.ActivationNotFound(fmt.Sprintf("activation for fingerprint %s is already inactive", fingerprint))
		}

		now := time.Now().UTC()
		act.Active = false
		act.DeactivatedAt = &now
		act.UpdatedAt = now
		if err := tx.Save(&act).Error; err != nil {
			return err
		}

		if _, err := s.audit.AppendTx(ctx, tx, audit.AppendInput{
			LicenseID: lic.ID,
			EventType: audit.EventMachineDeactivated,
			Actor:     actor,
			Detail:    map[string]any{"fingerprint": fingerprint},
		}); err != nil {
			return err
		}

		live, err := s.countLiveTx(tx, lic.ID, now)
		if err != nil {
			return err
		}
		if live == 0 && lic.Status == license.StatusActive {
			return s.licenses.TransitionTx(ctx, tx, lic, license.StatusDeactivated, actor)
		}
		return nil
	})
}

// Heartbeat refreshes a machine's liveness. Rejected when the license is
// not active or the activation is gone. A stale activation no longer holds
// its seat, so it cannot be revived by a late heartbeat; the machine has to
// re-activate and pass the seat check again. Runs under the license row
// lock so it serializes with Activate.
func (s *Service) Heartbeat(ctx context.Context, licenseID, fingerprint string) (*Activation, error) {
	var out *Activation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lic, err := s.licenses.LockTx(ctx, tx, licenseID)
		if err != nil {
			return err
		}
		if lic.Status == license.StatusExpired || lic.Expired(time.Now().UTC()) {
			return errutil.LicenseExpired("license is expired")
		}
		if lic.Status != license.StatusActive {
			return errutil.LicenseNotActive(fmt.Sprintf("license is %s", lic.Status))
		}

		var act Activation
		err = tx.Where(&Activation{LicenseID: lic.ID, Fingerprint: fingerprint}).First(&act).Error
		if err == gorm.ErrRecordNotFound {
			return errutil.ActivationNotFound(fmt.Sprintf("no active activation for fingerprint %s", fingerprint))
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if !act.Live(now, s.heartbeatTTL) {
			return errutil.ActivationNotFound(fmt.Sprintf("activation for fingerprint %s is no longer live", fingerprint))
		}

		act.LastHeartbeatAt = now
		act.UpdatedAt = now
		if err := tx.Save(&act).Error; err != nil {
			return err
		}

		out = &act
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListLive returns the activations currently holding seats. Stale
// heartbeats are excluded.
func (s *Service) ListLive(ctx context.Context, licenseID string) ([]*Activation, error) {
	all, err := s.repo.Find(ctx, &Activation{LicenseID: licenseID, Active: true})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]*Activation, 0, len(all))
	for _, a := range all {
		if a.Live(now, s.heartbeatTTL) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Service) countLiveTx(tx *gorm.DB, licenseID string, now time.Time) (int64, error) {
	var count int64
	err := tx.Model(&Activation{}).
		Where("license_id = ? AND active = ? AND last_heartbeat_at > ?",
			licenseID, true, now.Add(-s.heartbeatTTL)).
		Count(&count).Error
	if err != nil {
		zap.L().Error("failed to count live activations", zap.Error(err))
		return 0, err
	}
	return count, nil
}
