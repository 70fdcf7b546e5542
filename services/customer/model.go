package customer

import "time"

type Customer struct {
	ID        string    `gorm:"column:id;primaryKey"`
	TenantID  string    `gorm:"column:tenant_id;uniqueIndex:idx_customer_tenant_email"`
	Email     string    `gorm:"column:email;uniqueIndex:idx_customer_tenant_email"`
	Name      string    `gorm:"column:name"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Customer) TableName() string { return "customers" }
