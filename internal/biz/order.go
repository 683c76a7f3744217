package biz

import (
	"context"
	"time"

	"license-service/internal/constants"
)

// Order 订单领域对象（一次支付尝试）
type Order struct {
	OrderID        string // 业务订单号（out_trade_no），调用方生成
	GatewayTradeNo string // 网关交易号
	ConfirmationID string // 支付确认幂等键（网关事件ID/会话ID）
	ProductCode    string
	Amount         float64
	Currency       string
	CustomerEmail  string
	PaymentMethod  string
	Status         string
	LicenseID      string // 关联许可证，只写一次

	RefundRetryCount    int
	RefundPending       bool // 已发起网关退款但结果未确认
	RefundReason        string
	GatewayRefundID     string
	RetryTime           *time.Time
	PaidAt              *time.Time
	RefundRequestedAt   *time.Time
	RefundCompletedAt   *time.Time
	ProcessingStartedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsRefundState 订单是否已进入退款流程
func (o *Order) IsRefundState() bool {
	switch o.Status {
	case constants.OrderStatusRefundPending, constants.OrderStatusRefundProcessing,
		constants.OrderStatusRefunded, constants.OrderStatusRefundFailed, constants.OrderStatusManualReview:
		return true
	}
	return false
}

// OrderPatch 状态迁移时一并写入的字段，nil 表示不修改
type OrderPatch struct {
	GatewayTradeNo      *string
	ConfirmationID      *string
	PaymentMethod       *string
	PaidAt              *time.Time
	RefundReason        *string
	GatewayRefundID     *string
	RefundPending       *bool
	RetryTime           *time.Time
	RefundRequestedAt   *time.Time
	RefundCompletedAt   *time.Time
	ProcessingStartedAt *time.Time
	IncrRetryCount      bool
}

// OrderRepo 订单数据层接口（定义在 biz 层）
// 所有状态变更都是条件更新：只有当前状态在 from 中时才会生效
type OrderRepo interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOrderByConfirmationID(ctx context.Context, confirmationID string) (*Order, error)
	TransitionStatus(ctx context.Context, orderID string, from []string, to string, patch OrderPatch) (bool, error)
	// ClaimStaleProcessing 认领处理中但已超时的订单（处理者崩溃后的恢复）
	ClaimStaleProcessing(ctx context.Context, orderID string, staleBefore, now time.Time) (bool, error)
	// LinkLicense 关联许可证，license_id 为空时才会写入（先写者胜）
	LinkLicense(ctx context.Context, orderID, licenseID string) (bool, error)
	ListRefundPending(ctx context.Context, limit int) ([]*Order, error)
	ListRefundFailed(ctx context.Context, limit int) ([]*Order, error)
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func timePtr(t time.Time) *time.Time { return &t }
