package lease

import "time"

// Lease records an issued offline grant. The token itself is handed to the
// client and only its digest is kept.
type Lease struct {
	ID         string    `gorm:"column:id;primaryKey"`
	LicenseID  string    `gorm:"column:license_id;index"`
	KeyVersion int       `gorm:"column:key_version"`
	TokenHash  string    `gorm:"column:token_hash"`
	IssuedAt   time.Time `gorm:"column:issued_at"`
	ExpiresAt  time.Time `gorm:"column:expires_at"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (Lease) TableName() string { return "leases" }
