package biz

import "context"

// GatewayClient 支付网关客户端接口（定义在 biz 层）
//
// 返回 error 表示传输失败（网络错误、超时、非 JSON 响应），此时网关侧结果未知，
// 不得在同一次调用中重试，由对账任务查询后确认。
// 网关明确拒绝时 error 为 nil，Success 为 false。
type GatewayClient interface {
	Refund(ctx context.Context, req *GatewayRefundRequest) (*GatewayRefundReply, error)
	QueryOrder(ctx context.Context, orderID string) (*GatewayOrderStatus, error)
}

// GatewayRefundRequest 网关退款请求
type GatewayRefundRequest struct {
	OrderID string  // 商户订单号 out_trade_no
	TradeNo string  // 网关交易号（可选）
	Amount  float64 // 退款金额（全额）
	Reason  string
}

// GatewayRefundReply 网关退款响应（已归一化）
type GatewayRefundReply struct {
	Success       bool
	OrderNotFound bool   // 网关不认识该订单，只能人工退款
	RefundID      string // 网关退款单号（如有）
	Code          string
	Message       string
	Raw           string // 原始响应，写入审计日志
}

// GatewayOrderStatus 网关订单查询结果
type GatewayOrderStatus struct {
	Found     bool // 网关是否存在该订单
	Paid      bool
	Refunded  bool
	TradeNo   string
	Amount    float64
	RawStatus string
	Raw       string
}
