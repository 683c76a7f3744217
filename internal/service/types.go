package service

import "time"

// VerifyLicenseRequest 校验激活码
type VerifyLicenseRequest struct {
	Code     string `json:"licenseKey" validate:"required,max=32"`
	DeviceID string `json:"deviceId" validate:"max=128"`
}

// LicenseInfo 许可证摘要（不含设备明细）
type LicenseInfo struct {
	ProductCode   string     `json:"product_code"`
	Status        string     `json:"status"`
	MaxDevices    int        `json:"max_devices"`
	ActiveDevices int        `json:"active_devices"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// VerifyLicenseReply 校验结果，valid=false 时 reason 为机器可读原因
type VerifyLicenseReply struct {
	Success bool         `json:"success"`
	Valid   bool         `json:"valid"`
	Reason  string       `json:"reason"`
	License *LicenseInfo `json:"license,omitempty"`
}

// ActivateDeviceRequest 激活设备
type ActivateDeviceRequest struct {
	Code        string `json:"licenseKey" validate:"required,max=32"`
	DeviceID    string `json:"deviceId" validate:"required,max=128"`
	DeviceName  string `json:"deviceName" validate:"max=128"`
	Fingerprint string `json:"fingerprint" validate:"max=256"`
	Platform    string `json:"platform" validate:"max=32"`
}

// DeactivateDeviceRequest 注销设备
type DeactivateDeviceRequest struct {
	Code     string `json:"licenseKey" validate:"required,max=32"`
	DeviceID string `json:"deviceId" validate:"required,max=128"`
}

// DeviceReply 设备激活/注销结果
type DeviceReply struct {
	Success          bool      `json:"success"`
	DeviceID         string    `json:"device_id"`
	Status           string    `json:"status"`
	AlreadyActivated bool      `json:"already_activated"`
	ActivatedAt      time.Time `json:"activated_at"`
	TotalDevices     int       `json:"total_devices"`
	MaxDevices       int       `json:"max_devices"`
}

// RefundLicenseRequest 申请退款，access_code 与 order_no 二选一
type RefundLicenseRequest struct {
	AccessCode string `json:"access_code" validate:"required_without=OrderNo,max=32"`
	OrderNo    string `json:"order_no" validate:"required_without=AccessCode,max=64"`
	Reason     string `json:"reason" validate:"max=512"`
}

// RefundReply 退款结果
// refund_type=manual_processing 表示已转人工处理，对用户仍是成功
type RefundReply struct {
	Success         bool    `json:"success"`
	OrderNo         string  `json:"order_no"`
	AccessCode      string  `json:"access_code,omitempty"`
	RequestID       string  `json:"request_id,omitempty"`
	Status          string  `json:"status"`
	RefundType      string  `json:"refund_type"`
	GatewayRefundID string  `json:"gateway_refund_id,omitempty"`
	Amount          float64 `json:"amount"`
	Message         string  `json:"message,omitempty"`
}

// BatchRefundRequest 批量退款（管理员）
type BatchRefundRequest struct {
	AdminKey string                  `json:"admin_key"`
	Items    []*RefundLicenseRequest `json:"items" validate:"required,min=1,max=200,dive,required"`
}

// BatchRefundItemReply 批量退款单条结果
type BatchRefundItemReply struct {
	Index      int          `json:"index"`
	OrderNo    string       `json:"order_no,omitempty"`
	AccessCode string       `json:"access_code,omitempty"`
	Success    bool         `json:"success"`
	Code       string       `json:"code,omitempty"`
	Message    string       `json:"message,omitempty"`
	Refund     *RefundReply `json:"refund,omitempty"`
}

// BatchRefundReply 批量退款汇总
type BatchRefundReply struct {
	Success      bool                    `json:"success"`
	Total        int                     `json:"total"`
	SuccessCount int                     `json:"success_count"`
	FailCount    int                     `json:"fail_count"`
	Items        []*BatchRefundItemReply `json:"items"`
}

// PurgeLicenseRequest 清除许可证（管理员）
type PurgeLicenseRequest struct {
	AdminKey string `json:"admin_key"`
	Code     string `json:"code" validate:"required,max=32"`
}

// AdminRequest 只需要管理员密钥的请求
type AdminRequest struct {
	AdminKey string `json:"admin_key"`
}

// ListManualRefundsRequest 查询人工退款队列（管理员）
type ListManualRefundsRequest struct {
	AdminKey string `json:"admin_key"`
	Status   string `json:"status" validate:"omitempty,oneof=pending resolved"`
	Limit    int    `json:"limit" validate:"gte=0,lte=200"`
}

// ManualRefundItem 人工退款记录
type ManualRefundItem struct {
	OrderNo      string                 `json:"order_no"`
	AccessCode   string                 `json:"access_code,omitempty"`
	Amount       float64                `json:"amount"`
	Reason       string                 `json:"reason,omitempty"`
	Status       string                 `json:"status"`
	GatewayError string                 `json:"gateway_error,omitempty"`
	Detail       map[string]interface{} `json:"detail,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ListManualRefundsReply 人工退款队列
type ListManualRefundsReply struct {
	Success bool                `json:"success"`
	Items   []*ManualRefundItem `json:"items"`
}

// SimpleReply 只有成功标记的响应
type SimpleReply struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// WebhookReply Webhook 处理结果
// Ack 非空时按纯文本返回（ZPay 要求应答 "success"）
type WebhookReply struct {
	Received    bool   `json:"received"`
	Provider    string `json:"provider"`
	Ignored     bool   `json:"ignored,omitempty"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	LicenseCode string `json:"-"`
	Ack         string `json:"-"`
}
