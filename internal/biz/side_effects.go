package biz

import (
	"context"
	"time"
)

// VerificationEntry 校验索引条目（Redis 反范式副本，数据库为准）
type VerificationEntry struct {
	Code          string `json:"code"`
	LicenseID     string `json:"license_id"`
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	ProductCode   string `json:"product_code"`
	PaymentMethod string `json:"payment_method"`
	MaxDevices    int    `json:"max_devices"`
}

// VerificationIndex 激活码快速校验索引
// Get 未命中返回 (nil, nil)
type VerificationIndex interface {
	Put(ctx context.Context, entry *VerificationEntry) error
	SetStatus(ctx context.Context, code, status string) error
	Get(ctx context.Context, code string) (*VerificationEntry, error)
	Delete(ctx context.Context, code string) error
}

// Notifier 通知事件发布（发后即忘）
type Notifier interface {
	Notify(ctx context.Context, event *NotifyEvent) error
}

// RunLocker 对账任务互斥锁，acquired 为 false 表示其他实例正在运行
type RunLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), acquired bool, err error)
}
