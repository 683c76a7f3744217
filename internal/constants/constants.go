package constants

// 订单状态常量
const (
	// OrderStatusPending 待支付
	OrderStatusPending = "PENDING"
	// OrderStatusPaid 已支付
	OrderStatusPaid = "PAID"
	// OrderStatusFailed 支付失败
	OrderStatusFailed = "FAILED"
	// OrderStatusRefundPending 退款待处理
	OrderStatusRefundPending = "REFUND_PENDING"
	// OrderStatusRefundProcessing 退款处理中（已被某个处理者认领）
	OrderStatusRefundProcessing = "REFUND_PROCESSING"
	// OrderStatusRefunded 已退款
	OrderStatusRefunded = "REFUNDED"
	// OrderStatusRefundFailed 退款失败（可重试）
	OrderStatusRefundFailed = "REFUND_FAILED"
	// OrderStatusManualReview 人工处理
	OrderStatusManualReview = "MANUAL_REVIEW"
)

// 许可证状态常量
const (
	// LicenseStatusActive 有效
	LicenseStatusActive = "ACTIVE"
	// LicenseStatusRefunded 已退款
	LicenseStatusRefunded = "REFUNDED"
	// LicenseStatusRevoked 已吊销
	LicenseStatusRevoked = "REVOKED"
	// LicenseStatusSuspended 已暂停
	LicenseStatusSuspended = "SUSPENDED"
)

// 设备状态常量
const (
	DeviceStatusActive      = "ACTIVE"
	DeviceStatusDeactivated = "DEACTIVATED"
)

// 退款申请状态常量
const (
	// RefundRequestStatusProcessing 处理中
	RefundRequestStatusProcessing = "processing"
	// RefundRequestStatusCompleted 已完成
	RefundRequestStatusCompleted = "completed"
	// RefundRequestStatusFailed 失败
	RefundRequestStatusFailed = "failed"
)

// 人工退款记录状态
const (
	ManualRefundStatusPending  = "pending"
	ManualRefundStatusResolved = "resolved"
)

// 退款类型（返回给调用方）
const (
	// RefundTypeAutomatic 网关自动退款
	RefundTypeAutomatic = "automatic"
	// RefundTypeManualProcessing 已转人工处理
	RefundTypeManualProcessing = "manual_processing"
)

// 校验失败原因（机器可读）
const (
	VerifyReasonOK                 = "OK"
	VerifyReasonNotFound           = "LICENSE_NOT_FOUND"
	VerifyReasonRefunded           = "LICENSE_REFUNDED"
	VerifyReasonRevoked            = "LICENSE_REVOKED"
	VerifyReasonSuspended          = "LICENSE_SUSPENDED"
	VerifyReasonExpired            = "LICENSE_EXPIRED"
	VerifyReasonDeviceNotActivated = "DEVICE_NOT_ACTIVATED"
)

// 操作日志动作
const (
	ActionConfirmPayment   = "confirm_payment"
	ActionIssueLicense     = "issue_license"
	ActionActivateDevice   = "activate_device"
	ActionDeactivateDevice = "deactivate_device"
	ActionRequestRefund    = "request_refund"
	ActionGatewayRefund    = "gateway_refund"
	ActionGatewayQuery     = "gateway_query"
	ActionManualReview     = "manual_review"
	ActionPurgeLicense     = "purge_license"
	ActionReconcileRun     = "reconcile_run"
	ActionRetrySchedule    = "retry_schedule"
)

// 操作日志结果
const (
	ResultSuccess   = "SUCCESS"
	ResultFailure   = "FAILURE"
	ResultDuplicate = "DUPLICATE"
	ResultRejected  = "REJECTED"
	ResultUnknown   = "UNKNOWN"
)

// 操作者
const (
	ActorSystem    = "system"
	ActorWebhook   = "webhook"
	ActorUser      = "user"
	ActorAdmin     = "admin"
	ActorReconcile = "reconcile"
	ActorMQ        = "mq"
)

// Redis Key 前缀常量
const (
	// RedisKeyVerifyIndex 校验索引 key 前缀
	RedisKeyVerifyIndex = "license:verify:"
	// RedisKeyReconcileLock 对账任务锁
	RedisKeyReconcileLock = "license:reconcile:lock"
)

// 通知事件标签
const (
	NotifyLicenseIssued        = "license.issued"
	NotifyRefundCompleted      = "refund.completed"
	NotifyRefundManualReview   = "refund.manual_review"
	NotifyRefundRetryExhausted = "refund.retry_exhausted"
)

// 支付通道
const (
	PaymentMethodZpay   = "zpay"
	PaymentMethodStripe = "stripe"
)

// ZPay 通知常量
const (
	// ZpayTradeSuccess 支付成功状态
	ZpayTradeSuccess = "TRADE_SUCCESS"
	// ZpaySignTypeMD5 签名方式
	ZpaySignTypeMD5 = "MD5"
	// ZpayNotifyAck 通知应答
	ZpayNotifyAck = "success"
)

// AdminKeyHeader 管理员密钥请求头（也可放在请求体 admin_key 字段）
const AdminKeyHeader = "X-Admin-Key"

// 分布式锁获取结果（指标标签）
const (
	LockResultAcquired = "acquired"
	LockResultBusy     = "busy"
	LockResultError    = "error"
)
