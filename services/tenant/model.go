package tenant

import (
	"time"

	"gorm.io/datatypes"
)

type TenantType string

var (
	Personal TenantType = "personal"
	Company  TenantType = "company"
)

func (t TenantType) String() string {
	switch t {
	case Personal, Company:
		return string(t)
	default:
		return ""
	}
}

type TenantStatus string

var (
	Pending   TenantStatus = "pending"
	Active    TenantStatus = "active"
	Suspended TenantStatus = "suspended"
	Archived  TenantStatus = "archived"
)

func (t TenantStatus) String() string {
	switch t {
	case Pending, Active, Suspended, Archived:
		return string(t)
	default:
		return ""
	}
}

type Tenant struct {
	ID          string       `gorm:"column:id;primaryKey"`
	CreatedAt   time.Time    `gorm:"column:created_at"`
	UpdatedAt   time.Time    `gorm:"column:updated_at"`
	Type        TenantType   `gorm:"column:type"`
	Name        string       `gorm:"column:name"`
	Slug        string       `gorm:"column:slug;uniqueIndex"`
	Code        string       `gorm:"column:code"`
	CountryCode string       `gorm:"column:country_code"`
	Timezone    string       `gorm:"column:timezone"`
	Status      TenantStatus `gorm:"column:status"`

	// DefaultEntitlements is the lowest-precedence entitlement layer for
	// every license under this tenant.
	DefaultEntitlements datatypes.JSON `gorm:"column:default_entitlements"`
}

func (Tenant) TableName() string { return "tenants" }
