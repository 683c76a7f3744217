package biz

import (
	"context"
	"fmt"
	"time"

	"license-service/internal/constants"
	"license-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// RunReport 对账运行报告
type RunReport struct {
	StartedAt      time.Time `json:"started_at"`
	Duration       string    `json:"duration"`
	Skipped        bool      `json:"skipped"` // 其他实例持有运行锁
	Processed      int       `json:"processed"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	Unknown        int       `json:"unknown"`
	ManualReview   int       `json:"manual_review"`
	RetryScheduled int       `json:"retry_scheduled"`
	Escalated      int       `json:"escalated"`
	Released       int       `json:"released"` // 网关查询失败，放回原状态
}

// ReconcileUseCase 退款对账：重新驱动卡住或失败的退款
type ReconcileUseCase struct {
	orders  OrderRepo
	refunds *RefundUseCase
	locker  RunLocker
	audit   *auditLogger
	conf    *LicenseConfig
	log     *log.Helper
	metrics *metrics.LicenseMetrics
	now     func() time.Time
}

// NewReconcileUseCase 创建对账 UseCase，locker 可以为 nil（仅依赖条件更新）
func NewReconcileUseCase(
	orders OrderRepo,
	refunds *RefundUseCase,
	locker RunLocker,
	oplogs OperationLogRepo,
	conf *LicenseConfig,
	logger log.Logger,
) *ReconcileUseCase {
	helper := log.NewHelper(logger)
	return &ReconcileUseCase{
		orders:  orders,
		refunds: refunds,
		locker:  locker,
		audit:   newAuditLogger(oplogs, helper),
		conf:    conf,
		log:     helper,
		metrics: metrics.GetMetrics(),
		now:     time.Now,
	}
}

// Run 执行一轮对账
//
// 1. 处理带 refundPending 标记的订单：认领后先向网关查询，只有网关明确未退款时才重新发起退款；
// 2. 明确失败且未达上限的订单重新排队（REFUND_PENDING），达到上限的转人工；
// 3. 汇总写入一条操作日志。
// 每次修改都是条件更新，重叠运行不会对同一订单重复调用网关。
func (uc *ReconcileUseCase) Run(ctx context.Context) (*RunReport, error) {
	startTime := uc.now()
	report := &RunReport{StartedAt: startTime}

	if uc.conf.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.conf.RunTimeout)
		defer cancel()
	}

	if uc.locker != nil {
		unlock, acquired, err := uc.locker.TryLock(ctx, constants.RedisKeyReconcileLock, uc.conf.LockTTL)
		switch {
		case err != nil:
			// 锁只是额外保护，拿不到锁服务时照常运行
			uc.log.Warnf("[CRON] reconcile lock unavailable, running without it: %v", err)
		case !acquired:
			report.Skipped = true
			report.Duration = time.Since(startTime).String()
			uc.log.Infof("[CRON] reconcile skipped: another run holds the lock")
			if uc.metrics != nil {
				uc.metrics.ReconcileRunTotal.WithLabelValues("skipped").Inc()
			}
			return report, nil
		default:
			defer unlock()
		}
	}

	// 本轮刚处理失败的订单留到下一轮再排队，两次重试之间至少间隔一个调度周期
	touched := make(map[string]bool)
	pendingErr := uc.drivePending(ctx, report, touched)
	failedErr := uc.requeueFailed(ctx, report, touched)

	elapsed := time.Since(startTime)
	report.Duration = elapsed.String()
	result := "completed"
	summaryResult := constants.ResultSuccess
	var runErr error
	if pendingErr != nil || failedErr != nil {
		result = "failed"
		summaryResult = constants.ResultFailure
		runErr = fmt.Errorf("reconcile: pending=%v, failed=%v", pendingErr, failedErr)
	}
	if uc.metrics != nil {
		uc.metrics.ReconcileRunTotal.WithLabelValues(result).Inc()
		uc.metrics.ReconcileRunDuration.Observe(elapsed.Seconds())
	}
	uc.audit.append(ctx, &OperationLog{
		Action:     constants.ActionReconcileRun,
		EntityType: "reconcile",
		EntityID:   startTime.UTC().Format(time.RFC3339),
		Result:     summaryResult,
		Message: fmt.Sprintf("processed=%d succeeded=%d failed=%d unknown=%d manual_review=%d retry_scheduled=%d escalated=%d released=%d",
			report.Processed, report.Succeeded, report.Failed, report.Unknown, report.ManualReview,
			report.RetryScheduled, report.Escalated, report.Released),
		Actor:    constants.ActorReconcile,
		Response: report,
	})
	uc.log.Infof("[CRON] reconcile finished: processed=%d, succeeded=%d, failed=%d, unknown=%d, manual_review=%d, retry_scheduled=%d, escalated=%d, released=%d, duration=%s",
		report.Processed, report.Succeeded, report.Failed, report.Unknown, report.ManualReview,
		report.RetryScheduled, report.Escalated, report.Released, report.Duration)
	return report, runErr
}

// RunWithAdminKey 管理员手动触发一轮对账
func (uc *ReconcileUseCase) RunWithAdminKey(ctx context.Context, adminKey string) (*RunReport, error) {
	if err := uc.conf.CheckAdminKey(adminKey); err != nil {
		return nil, err
	}
	return uc.Run(ctx)
}

// drivePending 第一步：结果未确认的退款
func (uc *ReconcileUseCase) drivePending(ctx context.Context, report *RunReport, touched map[string]bool) error {
	orders, err := uc.orders.ListRefundPending(ctx, uc.conf.PendingBatch)
	if err != nil {
		uc.log.Errorf("[CRON] list refund pending orders failed: %v", err)
		return err
	}
	for _, order := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		previous, claimed, err := uc.claim(ctx, order)
		if err != nil {
			uc.log.Errorf("[CRON] claim order failed: order_id=%s, error=%v", order.OrderID, err)
			continue
		}
		if !claimed {
			continue
		}
		report.Processed++
		touched[order.OrderID] = true
		uc.count(uc.reconcileOrder(ctx, order, previous), report)
	}
	return nil
}

// claim 认领订单：REFUND_PENDING/REFUND_FAILED 直接认领，REFUND_PROCESSING 只认领超时的
func (uc *ReconcileUseCase) claim(ctx context.Context, order *Order) (string, bool, error) {
	now := uc.now()
	if order.Status == constants.OrderStatusRefundProcessing {
		ok, err := uc.orders.ClaimStaleProcessing(ctx, order.OrderID, now.Add(-uc.conf.StaleAfter), now)
		return constants.OrderStatusRefundPending, ok, err
	}
	if order.Status != constants.OrderStatusRefundPending && order.Status != constants.OrderStatusRefundFailed {
		return "", false, nil
	}
	ok, err := uc.orders.TransitionStatus(ctx, order.OrderID, []string{order.Status},
		constants.OrderStatusRefundProcessing, OrderPatch{ProcessingStartedAt: timePtr(now)})
	return order.Status, ok, err
}

type reconcileResult int

const (
	reconcileSucceeded reconcileResult = iota
	reconcileFailed
	reconcileUnknown
	reconcileManual
	reconcileReleased
)

// reconcileOrder 已认领订单：先查询网关，再决定完成、转人工还是重新退款
func (uc *ReconcileUseCase) reconcileOrder(ctx context.Context, order *Order, previous string) reconcileResult {
	r := uc.refunds
	order.Status = constants.OrderStatusRefundProcessing

	callCtx, cancel := context.WithTimeout(ctx, uc.conf.GatewayTimeout)
	startTime := time.Now()
	status, err := r.gateway.QueryOrder(callCtx, order.OrderID)
	cancel()
	if err != nil {
		r.countGateway("query", "transport_failure", startTime)
		uc.release(ctx, order, previous, err)
		return reconcileReleased
	}
	r.countGateway("query", "success", startTime)
	uc.audit.append(ctx, &OperationLog{
		Action:     constants.ActionGatewayQuery,
		EntityType: "order",
		EntityID:   order.OrderID,
		OrderID:    order.OrderID,
		Result:     constants.ResultSuccess,
		Message:    fmt.Sprintf("found=%v refunded=%v status=%s", status.Found, status.Refunded, status.RawStatus),
		Actor:      constants.ActorReconcile,
		Response:   status.Raw,
	})

	rr, err := r.openRefundRequest(ctx, order.OrderID, order.RefundReason, constants.ActorReconcile)
	if err != nil {
		uc.log.Warnf("[CRON] open refund request failed: order_id=%s, error=%v", order.OrderID, err)
		rr = nil
	}

	switch {
	case status.Refunded:
		// 之前超时的那次调用其实已经成功
		r.completeRefund(ctx, order, rr, "", status.Raw, constants.ActorReconcile)
		return reconcileSucceeded
	case !status.Found:
		r.routeManualReview(ctx, order, rr, &GatewayRefundReply{
			OrderNotFound: true,
			Message:       "order not found at gateway",
			Raw:           status.Raw,
		}, constants.ActorReconcile)
		return reconcileManual
	case order.RefundRetryCount >= uc.conf.RetryLimit:
		if rr != nil {
			r.updateRequest(ctx, rr, RefundRequestUpdate{
				Status:    constants.RefundRequestStatusFailed,
				LastError: "retry limit reached",
			})
		}
		if _, err := r.escalate(ctx, order, nil, constants.ActorReconcile, "retry limit reached"); err != nil {
			uc.log.Errorf("[CRON] escalate order failed: order_id=%s, error=%v", order.OrderID, err)
			return reconcileFailed
		}
		return reconcileManual
	}

	if err := r.countAttempt(ctx, order, rr); err != nil {
		uc.log.Errorf("[CRON] count refund attempt failed: order_id=%s, error=%v", order.OrderID, err)
		return reconcileFailed
	}
	outcome, err := r.executeRefund(ctx, order, rr, constants.ActorReconcile, true)
	switch {
	case err != nil && isUnknownOutcome(err):
		return reconcileUnknown
	case err != nil:
		return reconcileFailed
	case outcome.RefundType == constants.RefundTypeManualProcessing:
		return reconcileManual
	default:
		return reconcileSucceeded
	}
}

// release 网关查询失败：放回原状态，等待下一轮
func (uc *ReconcileUseCase) release(ctx context.Context, order *Order, previous string, cause error) {
	if previous == "" {
		previous = constants.OrderStatusRefundPending
	}
	ok, err := uc.orders.TransitionStatus(ctx, order.OrderID,
		[]string{constants.OrderStatusRefundProcessing}, previous,
		OrderPatch{RefundPending: boolPtr(true)})
	if err != nil || !ok {
		// 未能放回的订单会在超时后被重新认领
		uc.log.Errorf("[CRON] release order failed: order_id=%s, ok=%v, error=%v", order.OrderID, ok, err)
	}
	uc.audit.append(ctx, &OperationLog{
		Action:     constants.ActionGatewayQuery,
		EntityType: "order",
		EntityID:   order.OrderID,
		OrderID:    order.OrderID,
		Result:     constants.ResultUnknown,
		Message:    cause.Error(),
		Actor:      constants.ActorReconcile,
	})
	uc.log.Warnf("[CRON] gateway query failed, order released: order_id=%s, error=%v", order.OrderID, cause)
}

// requeueFailed 第二步：明确失败的退款重新排队，达到上限的转人工
func (uc *ReconcileUseCase) requeueFailed(ctx context.Context, report *RunReport, touched map[string]bool) error {
	orders, err := uc.orders.ListRefundFailed(ctx, uc.conf.FailedBatch)
	if err != nil {
		uc.log.Errorf("[CRON] list refund failed orders failed: %v", err)
		return err
	}
	for _, order := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if order.RefundPending || touched[order.OrderID] {
			continue
		}
		if order.RefundRetryCount >= uc.conf.RetryLimit {
			if _, err := uc.refunds.escalate(ctx, order, nil, constants.ActorReconcile, "retry limit reached"); err != nil {
				uc.log.Warnf("[CRON] escalate order failed: order_id=%s, error=%v", order.OrderID, err)
				continue
			}
			report.Escalated++
			uc.countOrders("escalated")
			continue
		}

		now := uc.now()
		ok, err := uc.orders.TransitionStatus(ctx, order.OrderID,
			[]string{constants.OrderStatusRefundFailed}, constants.OrderStatusRefundPending,
			OrderPatch{RetryTime: timePtr(now), RefundPending: boolPtr(true)})
		if err != nil {
			uc.log.Warnf("[CRON] requeue order failed: order_id=%s, error=%v", order.OrderID, err)
			continue
		}
		if !ok {
			continue
		}
		report.RetryScheduled++
		uc.countOrders("retry_scheduled")
		uc.audit.append(ctx, &OperationLog{
			Action:     constants.ActionRetrySchedule,
			EntityType: "order",
			EntityID:   order.OrderID,
			OrderID:    order.OrderID,
			Result:     constants.ResultSuccess,
			Message:    fmt.Sprintf("retry %d of %d scheduled", order.RefundRetryCount+1, uc.conf.RetryLimit),
			Actor:      constants.ActorReconcile,
		})
	}
	return nil
}

func (uc *ReconcileUseCase) count(result reconcileResult, report *RunReport) {
	switch result {
	case reconcileSucceeded:
		report.Succeeded++
		uc.countOrders("succeeded")
	case reconcileFailed:
		report.Failed++
		uc.countOrders("failed")
	case reconcileUnknown:
		report.Unknown++
		uc.countOrders("unknown")
	case reconcileManual:
		report.ManualReview++
		uc.countOrders("manual_review")
	case reconcileReleased:
		report.Released++
		uc.countOrders("released")
	}
}

func (uc *ReconcileUseCase) countOrders(result string) {
	if uc.metrics != nil {
		uc.metrics.ReconcileOrdersTotal.WithLabelValues(result).Inc()
	}
}
