package errors

import (
	"github.com/go-kratos/kratos/v2/errors"
)

// License Service 错误定义
// Reason 即接口返回的机器可读 code，HTTP 状态码用于区分错误类别：
//   400: 参数错误（不记录为事故）
//   403: 权限不足
//   404: 记录不存在
//   409/422: 业务规则拒绝（记录审计日志，不重试）
//   502/503: 网关或基础设施暂时失败（由对账任务重试）

// 通用
const (
	ReasonInvalidArgument        = "INVALID_ARGUMENT"
	ReasonInsufficientPermission = "INSUFFICIENT_PERMISSION"
	ReasonInternal               = "INTERNAL_ERROR"
)

// 订单 / 退款
const (
	ReasonOrderNotFound      = "ORDER_NOT_FOUND"
	ReasonAlreadyRefunded    = "ALREADY_REFUNDED"
	ReasonInvalidOrderStatus = "INVALID_ORDER_STATUS"
	ReasonRefundTimeExpired  = "REFUND_TIME_EXPIRED"
	ReasonRefundInProgress   = "REFUND_IN_PROGRESS"
	ReasonZpayRefundFailed   = "ZPAY_REFUND_FAILED"
	ReasonZpayAPIError       = "ZPAY_API_ERROR"
)

// 许可证 / 设备
const (
	ReasonLicenseNotFound      = "LICENSE_NOT_FOUND"
	ReasonLicenseInactive      = "LICENSE_INACTIVE"
	ReasonDeviceLimitExceeded  = "DEVICE_LIMIT_EXCEEDED"
	ReasonLicenseIssueFailed   = "LICENSE_ISSUE_FAILED"
	ReasonLicenseNotPurgeable  = "LICENSE_NOT_PURGEABLE"
	ReasonConcurrentUpdate     = "CONCURRENT_UPDATE"
	ReasonWebhookSignature     = "WEBHOOK_SIGNATURE_INVALID"
	ReasonWebhookUnknownSource = "WEBHOOK_UNKNOWN_PROVIDER"
)

var (
	// ErrInvalidArgument 参数缺失或格式错误
	ErrInvalidArgument = errors.BadRequest(ReasonInvalidArgument, "invalid argument")
	// ErrInsufficientPermission 管理员密钥缺失或不匹配
	ErrInsufficientPermission = errors.Forbidden(ReasonInsufficientPermission, "insufficient permission")
	// ErrInternal 内部错误
	ErrInternal = errors.InternalServer(ReasonInternal, "internal error")

	// ErrOrderNotFound 订单不存在
	ErrOrderNotFound = errors.NotFound(ReasonOrderNotFound, "order not found")
	// ErrAlreadyRefunded 订单已退款
	ErrAlreadyRefunded = errors.Conflict(ReasonAlreadyRefunded, "order already refunded")
	// ErrInvalidOrderStatus 订单状态不允许该操作
	ErrInvalidOrderStatus = errors.Conflict(ReasonInvalidOrderStatus, "invalid order status")
	// ErrRefundTimeExpired 超出退款期限
	ErrRefundTimeExpired = errors.New(422, ReasonRefundTimeExpired, "refund window expired")
	// ErrRefundInProgress 退款正被其他处理者处理
	ErrRefundInProgress = errors.Conflict(ReasonRefundInProgress, "refund already in progress")
	// ErrZpayRefundFailed 网关拒绝退款（业务失败，可重试）
	ErrZpayRefundFailed = errors.New(502, ReasonZpayRefundFailed, "gateway refund failed")
	// ErrZpayAPIError 网关不可达或响应异常（结果未知，由对账任务确认）
	ErrZpayAPIError = errors.ServiceUnavailable(ReasonZpayAPIError, "gateway unavailable")

	// ErrLicenseNotFound 激活码不存在
	ErrLicenseNotFound = errors.NotFound(ReasonLicenseNotFound, "license not found")
	// ErrLicenseInactive 许可证不可用（已退款/吊销/暂停/过期）
	ErrLicenseInactive = errors.Forbidden(ReasonLicenseInactive, "license is not active")
	// ErrDeviceLimitExceeded 设备数已满
	ErrDeviceLimitExceeded = errors.Conflict(ReasonDeviceLimitExceeded, "device limit exceeded")
	// ErrLicenseIssueFailed 生成激活码失败
	ErrLicenseIssueFailed = errors.InternalServer(ReasonLicenseIssueFailed, "license issuance failed")
	// ErrLicenseNotPurgeable 只有已退款/已吊销的许可证才能清除
	ErrLicenseNotPurgeable = errors.Conflict(ReasonLicenseNotPurgeable, "license cannot be purged")
	// ErrConcurrentUpdate 乐观锁重试耗尽
	ErrConcurrentUpdate = errors.Conflict(ReasonConcurrentUpdate, "concurrent update, please retry")

	// ErrWebhookSignature Webhook 签名校验失败
	ErrWebhookSignature = errors.BadRequest(ReasonWebhookSignature, "webhook signature invalid")
	// ErrWebhookUnknownSource 无法识别的 Webhook 来源
	ErrWebhookUnknownSource = errors.BadRequest(ReasonWebhookUnknownSource, "unrecognized webhook provider")
)

// IsRetryable 网关类错误由调用方或对账任务重试
func IsRetryable(err error) bool {
	return errors.Is(err, ErrZpayRefundFailed) || errors.Is(err, ErrZpayAPIError)
}
