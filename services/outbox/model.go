package outbox

import (
	"time"

	"gorm.io/datatypes"
)

// Event types surfaced to webhook consumers.
const (
	LicenseCreated     = "license.created"
	LicenseActivated   = "license.activated"
	LicenseDeactivated = "license.deactivated"
	LicenseExpired     = "license.expired"
	UsageLimitExceeded = "usage.limit_exceeded"
	AnomalyDetected    = "anomaly.detected"
	AnomalyResolved    = "anomaly.resolved"
)

// Event is one outbound notification, written in the same transaction as
// the state change it announces. Delivery happens out of band.
type Event struct {
	ID          string         `gorm:"column:id;primaryKey"`
	TenantID    string         `gorm:"column:tenant_id;index"`
	EventType   string         `gorm:"column:event_type"`
	EntityID    string         `gorm:"column:entity_id"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	DeliveredAt *time.Time     `gorm:"column:delivered_at"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
}

func (Event) TableName() string { return "outbox_events" }
