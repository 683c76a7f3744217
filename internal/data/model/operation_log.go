package model

import (
	"time"

	"gorm.io/datatypes"
)

// OperationLog 操作日志表（只追加，不更新）
type OperationLog struct {
	LogID      string         `gorm:"primaryKey;type:varchar(36)"`
	Action     string         `gorm:"type:varchar(32);not null;index"`
	EntityType string         `gorm:"type:varchar(32);not null"`
	EntityID   string         `gorm:"type:varchar(64);not null"`
	OrderID    string         `gorm:"type:varchar(64);index"`
	Result     string         `gorm:"type:varchar(16);not null"`
	ErrorCode  string         `gorm:"type:varchar(64)"`
	Message    string         `gorm:"type:varchar(1024)"`
	Actor      string         `gorm:"type:varchar(64)"`
	Request    datatypes.JSON `gorm:"type:json"`
	Response   datatypes.JSON `gorm:"type:json"`
	CreatedAt  time.Time      `gorm:"not null;index"`
}

// TableName 指定表名
func (OperationLog) TableName() string {
	return "operation_logs"
}
