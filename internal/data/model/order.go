package model

import "time"

// Order 订单表（一次支付尝试，状态只通过条件更新迁移）
type Order struct {
	OrderID             string     `gorm:"primaryKey;type:varchar(64)"`
	GatewayTradeNo      string     `gorm:"type:varchar(128);index"`
	ConfirmationID      *string    `gorm:"type:varchar(128);uniqueIndex"` // 允许多条 NULL
	ProductCode         string     `gorm:"type:varchar(64);not null"`
	Amount              float64    `gorm:"type:decimal(10,2);not null"`
	Currency            string     `gorm:"type:varchar(8);not null;default:'CNY'"`
	CustomerEmail       string     `gorm:"type:varchar(255)"`
	PaymentMethod       string     `gorm:"type:varchar(32)"`
	Status              string     `gorm:"type:varchar(32);not null;default:'PENDING';index:idx_order_status_pending,priority:1"`
	LicenseID           string     `gorm:"type:varchar(36);not null;default:''"`
	RefundRetryCount    int        `gorm:"not null;default:0"`
	RefundPending       bool       `gorm:"not null;default:false;index:idx_order_status_pending,priority:2"`
	RefundReason        string     `gorm:"type:varchar(512)"`
	GatewayRefundID     string     `gorm:"type:varchar(128)"`
	RetryTime           *time.Time `gorm:"index"`
	PaidAt              *time.Time
	RefundRequestedAt   *time.Time
	RefundCompletedAt   *time.Time
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time `gorm:"autoCreateTime"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (Order) TableName() string {
	return "orders"
}
