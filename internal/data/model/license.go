package model

import (
	"time"

	"gorm.io/datatypes"
)

// Device 设备激活记录（存为许可证行上的 JSON 列）
type Device struct {
	DeviceID    string    `json:"device_id"`
	DeviceName  string    `json:"device_name,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Status      string    `json:"status"`
	ActivatedAt time.Time `json:"activated_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// License 许可证表
// order_id 唯一索引保证每个订单最多签发一个许可证
type License struct {
	LicenseID     string                      `gorm:"primaryKey;type:varchar(36)"`
	Code          string                      `gorm:"type:varchar(16);not null;uniqueIndex"`
	OrderID       string                      `gorm:"type:varchar(64);not null;uniqueIndex"`
	ProductCode   string                      `gorm:"type:varchar(64);not null"`
	CustomerEmail string                      `gorm:"type:varchar(255)"`
	PaymentMethod string                      `gorm:"type:varchar(32)"`
	Status        string                      `gorm:"type:varchar(16);not null;default:'ACTIVE';index"`
	MaxDevices    int                         `gorm:"not null;default:-1"`
	Devices       datatypes.JSONSlice[Device] `gorm:"type:json"`
	Version       int                         `gorm:"not null;default:0"` // 设备列表乐观锁
	IssuedAt      time.Time                   `gorm:"not null"`
	LastUsedAt    *time.Time
	ExpiresAt     *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (License) TableName() string {
	return "licenses"
}
