package model

import (
	"time"

	"gorm.io/datatypes"
)

// RefundRequest 退款申请表
type RefundRequest struct {
	RequestID       string    `gorm:"primaryKey;type:varchar(32)"`
	OrderNo         string    `gorm:"type:varchar(64);not null;index"`
	Status          string    `gorm:"type:varchar(16);not null;default:'processing'"`
	RetryCount      int       `gorm:"not null;default:0"`
	Reason          string    `gorm:"type:varchar(512)"`
	Actor           string    `gorm:"type:varchar(64)"`
	GatewaySnapshot string    `gorm:"type:text"`
	LastError       string    `gorm:"type:varchar(1024)"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (RefundRequest) TableName() string {
	return "refund_requests"
}

// ManualRefund 人工退款记录表（每个订单一条）
type ManualRefund struct {
	ID           uint           `gorm:"primaryKey;autoIncrement"`
	OrderID      string         `gorm:"type:varchar(64);not null;uniqueIndex"`
	LicenseCode  string         `gorm:"type:varchar(16)"`
	Amount       float64        `gorm:"type:decimal(10,2);not null"`
	Reason       string         `gorm:"type:varchar(512)"`
	Status       string         `gorm:"type:varchar(16);not null;default:'pending';index"`
	GatewayError string         `gorm:"type:text"`
	Detail       datatypes.JSON `gorm:"type:json"`
	CreatedAt    time.Time      `gorm:"autoCreateTime"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (ManualRefund) TableName() string {
	return "manual_refunds"
}
