package biz

import "time"

// PaymentConfirmation 支付确认（Webhook 与 RocketMQ 消息统一走 ConfirmPayment）
type PaymentConfirmation struct {
	OrderID        string    `json:"order_id"`
	GatewayTradeNo string    `json:"gateway_trade_no"`
	ConfirmationID string    `json:"confirmation_id"`
	PaymentMethod  string    `json:"payment_method"`
	Amount         float64   `json:"amount"`
	PaidAt         time.Time `json:"paid_at"`
}

// NotifyEvent 通知事件（邮件等下游服务订阅，发送失败不影响主流程）
type NotifyEvent struct {
	Type          string            `json:"type"`
	OrderID       string            `json:"order_id"`
	LicenseCode   string            `json:"license_code,omitempty"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	ProductCode   string            `json:"product_code,omitempty"`
	Amount        float64           `json:"amount,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}
