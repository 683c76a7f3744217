package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LicenseMetrics 许可证服务指标
type LicenseMetrics struct {
	// 支付确认相关指标
	ConfirmPaymentTotal    *prometheus.CounterVec   // 支付确认总数（按结果：success/duplicate/failed）
	ConfirmPaymentDuration prometheus.Histogram     // 支付确认耗时
	LicenseIssuedTotal     *prometheus.CounterVec   // 许可证签发总数（按产品）
	PaidAmount             *prometheus.CounterVec   // 已确认收入（按支付通道），重复回调不计入

	// 设备与校验相关指标
	DeviceActivationTotal *prometheus.CounterVec // 设备激活总数（按结果）
	VerifyTotal           *prometheus.CounterVec // 校验总数（按原因）

	// 退款相关指标
	RefundTotal           *prometheus.CounterVec   // 退款总数（按结果）
	RefundAmount          *prometheus.CounterVec   // 退款金额（按结果）
	GatewayCallDuration   *prometheus.HistogramVec // 网关调用耗时（按操作）
	GatewayCallTotal      *prometheus.CounterVec   // 网关调用总数（按操作、结果）
	BatchRefundItemsTotal *prometheus.CounterVec   // 批量退款条目数（按结果）

	// 对账任务相关指标
	ReconcileRunTotal    *prometheus.CounterVec // 对账运行次数（按结果）
	ReconcileOrdersTotal *prometheus.CounterVec // 对账处理订单数（按结果）
	ReconcileRunDuration prometheus.Histogram   // 对账运行耗时
	ManualReviewOrders   prometheus.Counter     // 转人工订单数

	// 分布式锁相关指标
	LockAcquireTotal *prometheus.CounterVec // 锁获取总数（按结果）
}

// NewLicenseMetrics 创建许可证服务指标
func NewLicenseMetrics() *LicenseMetrics {
	return &LicenseMetrics{
		ConfirmPaymentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_confirm_payment_total",
				Help: "Total number of payment confirmations",
			},
			[]string{"result"}, // result: success/duplicate/failed
		),
		ConfirmPaymentDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "license_confirm_payment_duration_seconds",
				Help:    "Duration of payment confirmation",
				Buckets: prometheus.DefBuckets,
			},
		),
		LicenseIssuedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_issued_total",
				Help: "Total number of licenses issued",
			},
			[]string{"product"},
		),
		PaidAmount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_paid_amount_total",
				Help: "Total confirmed revenue",
			},
			[]string{"method"},
		),

		DeviceActivationTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_device_activation_total",
				Help: "Total number of device activation attempts",
			},
			[]string{"result"}, // result: new/refresh/capacity/rejected/deactivated
		),
		VerifyTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_verify_total",
				Help: "Total number of license verifications",
			},
			[]string{"reason"},
		),

		RefundTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_refund_total",
				Help: "Total number of refund attempts",
			},
			[]string{"result"}, // result: refunded/manual_review/failed/unknown/rejected
		),
		RefundAmount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_refund_amount_total",
				Help: "Total amount refunded",
			},
			[]string{"result"},
		),
		GatewayCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "license_gateway_call_duration_seconds",
				Help:    "Duration of payment gateway calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		GatewayCallTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_gateway_call_total",
				Help: "Total number of payment gateway calls",
			},
			[]string{"operation", "result"}, // result: success/business_failure/transport_failure
		),
		BatchRefundItemsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_batch_refund_items_total",
				Help: "Total number of batch refund items",
			},
			[]string{"result"},
		),

		ReconcileRunTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_reconcile_run_total",
				Help: "Total number of reconciliation runs",
			},
			[]string{"result"}, // result: completed/skipped/failed
		),
		ReconcileOrdersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_reconcile_orders_total",
				Help: "Total number of orders touched by reconciliation",
			},
			[]string{"result"}, // result: succeeded/failed/retry_scheduled/escalated
		),
		ReconcileRunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "license_reconcile_run_duration_seconds",
				Help:    "Duration of reconciliation runs",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
		),
		ManualReviewOrders: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "license_manual_review_orders_total",
				Help: "Total number of orders routed to manual review",
			},
		),

		LockAcquireTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_lock_acquire_total",
				Help: "Total number of lock acquisition attempts",
			},
			[]string{"result"}, // result: acquired/busy/error
		),
	}
}

// 全局指标实例（promauto 注册到默认 registry，只能创建一次）
var (
	defaultMetrics *LicenseMetrics
	initOnce       sync.Once
)

// InitMetrics 初始化全局指标
func InitMetrics() {
	initOnce.Do(func() {
		defaultMetrics = NewLicenseMetrics()
	})
}

// GetMetrics 获取全局指标实例
func GetMetrics() *LicenseMetrics {
	InitMetrics()
	return defaultMetrics
}
