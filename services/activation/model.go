package activation

import "time"

// Activation binds a license to one machine fingerprint. A license holds at
// most one activation row per fingerprint; re-activation flips the existing
// row back on.
type Activation struct {
	ID              string     `gorm:"column:id;primaryKey"`
	LicenseID       string     `gorm:"column:license_id;uniqueIndex:idx_activation_license_fp"`
	Fingerprint     string     `gorm:"column:fingerprint;uniqueIndex:idx_activation_license_fp"`
	Hostname        string     `gorm:"column:hostname"`
	Active          bool       `gorm:"column:active"`
	LastHeartbeatAt time.Time  `gorm:"column:last_heartbeat_at"`
	DeactivatedAt   *time.Time `gorm:"column:deactivated_at"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

func (Activation) TableName() string { return "activations" }

// Live reports whether the activation counts against the seat limit: it
// must be switched on and its heartbeat must be within ttl of ref.
func (a *Activation) Live(ref time.Time, ttl time.Duration) bool {
	if !a.Active {
		return false
	}
	if ttl <= 0 {
		return true
	}
	return a.LastHeartbeatAt.After(ref.Add(-ttl))
}
