package usage

import "time"

// Record is one metered usage event. Rows are immutable once written;
// rejected attempts are kept with Rejected set rather than dropped, so the
// anomaly scanner and the audit trail see the full stream.
type Record struct {
	ID         string    `gorm:"column:id;primaryKey"`
	TenantID   string    `gorm:"column:tenant_id;index"`
	LicenseID  string    `gorm:"column:license_id;index:idx_usage_license_metric"`
	AgentID    string    `gorm:"column:agent_id;index"`
	Metric     string    `gorm:"column:metric;index:idx_usage_license_metric"`
	Amount     float64   `gorm:"column:amount"`
	Rejected   bool      `gorm:"column:rejected"`
	RecordedAt time.Time `gorm:"column:recorded_at"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (Record) TableName() string { return "usage_records" }

// Aggregate is the running total per (license, metric, period). Period is
// the UTC month, e.g. "2026-08". Delegated usage lands here under the
// delegating license regardless of which agent produced it.
type Aggregate struct {
	ID        string    `gorm:"column:id;primaryKey"`
	LicenseID string    `gorm:"column:license_id;uniqueIndex:idx_usage_aggregate"`
	Metric    string    `gorm:"column:metric;uniqueIndex:idx_usage_aggregate"`
	Period    string    `gorm:"column:period;uniqueIndex:idx_usage_aggregate"`
	Total     float64   `gorm:"column:total"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Aggregate) TableName() string { return "usage_aggregates" }

// PeriodOf buckets a timestamp into its aggregation period.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}
