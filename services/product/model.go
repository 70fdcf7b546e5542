package product

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Product is a sellable artifact. Code is the three-character prefix
// embedded in license keys; Metrics is the closed set of usage metric names
// licenses of this product may report.
type Product struct {
	ID               string         `gorm:"column:id;primaryKey"`
	TenantID         string         `gorm:"column:tenant_id;uniqueIndex:idx_product_tenant_code"`
	Code             string         `gorm:"column:code;uniqueIndex:idx_product_tenant_code"`
	Name             string         `gorm:"column:name"`
	Features         datatypes.JSON `gorm:"column:features"`
	Metrics          pq.StringArray `gorm:"column:metrics;type:text[]"`
	DefaultSeatLimit int            `gorm:"column:default_seat_limit"`
	CreatedAt        time.Time      `gorm:"column:created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at"`
}

func (Product) TableName() string { return "products" }

// HasMetric reports whether the metric is declared for this product.
func (p *Product) HasMetric(name string) bool {
	for _, m := range p.Metrics {
		if m == name {
			return true
		}
	}
	return false
}
