package license

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusCreated     Status = "created"
	StatusActive      Status = "active"
	StatusDeactivated Status = "deactivated"
	StatusExpired     Status = "expired"
)

func (s Status) String() string {
	switch s {
	case StatusCreated, StatusActive, StatusDeactivated, StatusExpired:
		return string(s)
	default:
		return ""
	}
}

// License is the issued grant. The raw key never lands here; KeyHash is its
// only persisted form. Entitlements holds license-level overrides on top of
// tenant defaults and product features.
type License struct {
	ID           string         `gorm:"column:id;primaryKey"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at"`
	TenantID     string         `gorm:"column:tenant_id;index"`
	ProductID    string         `gorm:"column:product_id;index"`
	CustomerID   string         `gorm:"column:customer_id;index"`
	Code         string         `gorm:"column:code"`
	KeyHash      string         `gorm:"column:key_hash;uniqueIndex"`
	KeyVersion   int            `gorm:"column:key_version"`
	Status       Status         `gorm:"column:status"`
	SeatLimit    int            `gorm:"column:seat_limit"`
	Entitlements datatypes.JSON `gorm:"column:entitlements"`
	ExpiresAt    *time.Time     `gorm:"column:expires_at"`
}

func (License) TableName() string { return "licenses" }

// Expired reports whether the license's expiry has passed at ref time.
func (l *License) Expired(ref time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(ref)
}

// Agent is a delegated identity acting under a license, with optional
// entitlement overrides of its own.
type Agent struct {
	ID           string         `gorm:"column:id;primaryKey"`
	LicenseID    string         `gorm:"column:license_id;uniqueIndex:idx_agent_license_code"`
	Code         string         `gorm:"column:code;uniqueIndex:idx_agent_license_code"`
	Enabled      bool           `gorm:"column:enabled"`
	Entitlements datatypes.JSON `gorm:"column:entitlements"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at"`
}

func (Agent) TableName() string { return "license_agents" }
