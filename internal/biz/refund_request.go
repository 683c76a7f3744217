package biz

import (
	"context"
	"time"
)

// RefundRequest 退款申请（审计/工作队列，与订单上的退款字段相互独立）
type RefundRequest struct {
	RequestID       string
	OrderNo         string
	Status          string // processing / completed / failed
	RetryCount      int    // 单调不减
	Reason          string
	Actor           string
	GatewaySnapshot string // 最近一次网关原始响应
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RefundRequestUpdate 退款申请更新
type RefundRequestUpdate struct {
	Status          string
	GatewaySnapshot string
	LastError       string
	IncrRetry       bool
}

// RefundRequestRepo 退款申请数据层接口
type RefundRequestRepo interface {
	CreateRefundRequest(ctx context.Context, req *RefundRequest) error
	// GetOpenRefundRequest 订单最近一条未完成的退款申请，没有返回 (nil, nil)
	GetOpenRefundRequest(ctx context.Context, orderNo string) (*RefundRequest, error)
	UpdateRefundRequest(ctx context.Context, requestID string, upd RefundRequestUpdate) error
}

// ManualRefund 人工退款记录（每个订单一条）
type ManualRefund struct {
	OrderID      string
	LicenseCode  string
	Amount       float64
	Reason       string
	Status       string
	GatewayError string // 网关错误原文
	Detail       map[string]interface{}
	CreatedAt    time.Time
}

// ManualRefundRepo 人工退款记录数据层接口
type ManualRefundRepo interface {
	// CreateManualRefund 同一订单重复写入视为成功
	CreateManualRefund(ctx context.Context, record *ManualRefund) error
	ListManualRefunds(ctx context.Context, status string, limit int) ([]*ManualRefund, error)
}

// IDGenerator 分布式 ID 生成器
type IDGenerator interface {
	NextID() string
}
