package anomaly

import "time"

type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Anomaly is one detected usage outlier, kept as an operator-facing case.
type Anomaly struct {
	ID         string     `gorm:"column:id;primaryKey"`
	TenantID   string     `gorm:"column:tenant_id;index"`
	LicenseID  string     `gorm:"column:license_id;index"`
	Metric     string     `gorm:"column:metric"`
	CaseCode   string     `gorm:"column:case_code"`
	Value      float64    `gorm:"column:value"`
	Mean       float64    `gorm:"column:mean"`
	StdDev     float64    `gorm:"column:std_dev"`
	ZScore     float64    `gorm:"column:z_score"`
	Severity   Severity   `gorm:"column:severity"`
	Status     Status     `gorm:"column:status"`
	DetectedAt time.Time  `gorm:"column:detected_at"`
	ResolvedAt *time.Time `gorm:"column:resolved_at"`
	ResolvedBy string     `gorm:"column:resolved_by"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at"`
}

func (Anomaly) TableName() string { return "anomalies" }
