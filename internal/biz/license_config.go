package biz

import (
	"crypto/subtle"
	"time"

	"license-service/internal/conf"
	licenseErrors "license-service/internal/errors"
)

// LicenseConfig 许可证与退款策略配置
type LicenseConfig struct {
	DefaultMaxDevices int
	ProductDevices    map[string]int
	CodeLength        int

	RefundWindow time.Duration // 退款期限（按支付时间计算）
	RetryLimit   int           // 自动重试上限，达到后转人工
	BatchDelay   time.Duration // 批量退款两次网关调用的最小间隔

	PendingBatch int           // 对账：待确认退款每轮处理数
	FailedBatch  int           // 对账：失败退款每轮重排数
	StaleAfter   time.Duration // 对账：处理中超过该时长视为中断
	RunTimeout   time.Duration
	LockTTL      time.Duration

	GatewayTimeout time.Duration
	AdminKey       string
}

// NewLicenseConfig 从配置创建 LicenseConfig
func NewLicenseConfig(c *conf.Bootstrap) *LicenseConfig {
	config := &LicenseConfig{
		DefaultMaxDevices: -1,
		ProductDevices:    make(map[string]int),
		CodeLength:        12,
		RefundWindow:      7 * 24 * time.Hour,
		RetryLimit:        3,
		BatchDelay:        time.Second,
		PendingBatch:      50,
		FailedBatch:       10,
		StaleAfter:        10 * time.Minute,
		RunTimeout:        4 * time.Minute,
		LockTTL:           5 * time.Minute,
		GatewayTimeout:    30 * time.Second,
	}
	if c == nil {
		return config
	}
	if c.License != nil {
		if c.License.DefaultMaxDevices != 0 {
			config.DefaultMaxDevices = int(c.License.DefaultMaxDevices)
		}
		for k, v := range c.License.Products {
			config.ProductDevices[k] = int(v)
		}
		if c.License.CodeLength == 11 || c.License.CodeLength == 12 {
			config.CodeLength = int(c.License.CodeLength)
		}
	}
	if c.Refund != nil {
		if d := c.Refund.Window.AsDuration(); d > 0 {
			config.RefundWindow = d
		}
		if c.Refund.RetryLimit > 0 {
			config.RetryLimit = int(c.Refund.RetryLimit)
		}
		if c.Refund.BatchDelay != nil {
			config.BatchDelay = c.Refund.BatchDelay.AsDuration()
		}
	}
	if c.Reconcile != nil {
		if c.Reconcile.PendingBatch > 0 {
			config.PendingBatch = int(c.Reconcile.PendingBatch)
		}
		if c.Reconcile.FailedBatch > 0 {
			config.FailedBatch = int(c.Reconcile.FailedBatch)
		}
		if d := c.Reconcile.StaleAfter.AsDuration(); d > 0 {
			config.StaleAfter = d
		}
		if d := c.Reconcile.RunTimeout.AsDuration(); d > 0 {
			config.RunTimeout = d
		}
		if d := c.Reconcile.LockTtl.AsDuration(); d > 0 {
			config.LockTTL = d
		}
	}
	if c.Gateway != nil {
		if d := c.Gateway.Timeout.AsDuration(); d > 0 {
			config.GatewayTimeout = d
		}
	}
	if c.Admin != nil {
		config.AdminKey = c.Admin.Key
	}
	return config
}

// MaxDevicesFor 产品对应的设备上限，未配置的产品使用默认值
func (c *LicenseConfig) MaxDevicesFor(productCode string) int {
	if n, ok := c.ProductDevices[productCode]; ok {
		return n
	}
	return c.DefaultMaxDevices
}

// CheckAdminKey 校验管理员密钥；未配置密钥时一律拒绝
func (c *LicenseConfig) CheckAdminKey(key string) error {
	if c.AdminKey == "" || key == "" {
		return licenseErrors.ErrInsufficientPermission
	}
	if subtle.ConstantTimeCompare([]byte(c.AdminKey), []byte(key)) != 1 {
		return licenseErrors.ErrInsufficientPermission
	}
	return nil
}
