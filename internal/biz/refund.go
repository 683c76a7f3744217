package biz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"license-service/internal/constants"
	licenseErrors "license-service/internal/errors"
	"license-service/internal/metrics"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/time/rate"
)

// RefundInput 退款请求（订单号与激活码二选一）
type RefundInput struct {
	OrderID     string
	LicenseCode string
	Reason      string
	Actor       string
}

// RefundOutcome 退款结果
type RefundOutcome struct {
	OrderID         string
	LicenseCode     string
	RequestID       string
	Status          string // 订单最新状态
	RefundType      string // automatic / manual_processing
	GatewayRefundID string
	Amount          float64
	Message         string
}

// BatchRefundItem 批量退款条目
type BatchRefundItem struct {
	OrderID     string
	LicenseCode string
	Reason      string
}

// BatchItemOutcome 批量退款单条结果
type BatchItemOutcome struct {
	Index       int
	OrderID     string
	LicenseCode string
	Success     bool
	Outcome     *RefundOutcome
	Code        string
	Message     string
}

// BatchRefundReport 批量退款汇总
type BatchRefundReport struct {
	Items        []*BatchItemOutcome
	SuccessCount int
	FailCount    int
}

// RefundUseCase 退款状态机
type RefundUseCase struct {
	orders   OrderRepo
	licenses LicenseRepo
	requests RefundRequestRepo
	manuals  ManualRefundRepo
	gateway  GatewayClient
	index    VerificationIndex
	notifier Notifier
	ids      IDGenerator
	audit    *auditLogger
	conf     *LicenseConfig
	log      *log.Helper
	metrics  *metrics.LicenseMetrics
	limiter  *rate.Limiter // 批量退款串行限速，所有批次共享
	now      func() time.Time
}

// NewRefundUseCase 创建退款 UseCase
func NewRefundUseCase(
	orders OrderRepo,
	licenses LicenseRepo,
	requests RefundRequestRepo,
	manuals ManualRefundRepo,
	oplogs OperationLogRepo,
	gateway GatewayClient,
	index VerificationIndex,
	notifier Notifier,
	ids IDGenerator,
	conf *LicenseConfig,
	logger log.Logger,
) *RefundUseCase {
	helper := log.NewHelper(logger)
	limit := rate.Inf
	if conf.BatchDelay > 0 {
		limit = rate.Every(conf.BatchDelay)
	}
	return &RefundUseCase{
		orders:   orders,
		licenses: licenses,
		requests: requests,
		manuals:  manuals,
		gateway:  gateway,
		index:    index,
		notifier: notifier,
		ids:      ids,
		audit:    newAuditLogger(oplogs, helper),
		conf:     conf,
		log:      helper,
		metrics:  metrics.GetMetrics(),
		limiter:  rate.NewLimiter(limit, 1),
		now:      time.Now,
	}
}

// RequestRefund 发起退款
//
// 状态机：PAID/REFUND_FAILED -> REFUND_PENDING -> REFUND_PROCESSING -> REFUNDED | REFUND_FAILED | MANUAL_REVIEW。
// 网关超时视为结果未知：订单标记 REFUND_FAILED 且保留 refundPending，本次不重试，由对账任务先查询再决定。
func (uc *RefundUseCase) RequestRefund(ctx context.Context, in *RefundInput) (*RefundOutcome, error) {
	if in == nil || (in.OrderID == "" && in.LicenseCode == "") {
		return nil, licenseErrors.ErrInvalidArgument
	}
	actor := in.Actor
	if actor == "" {
		actor = constants.ActorUser
	}

	order, err := uc.resolveOrder(ctx, in)
	if err != nil {
		return nil, err
	}
	if order == nil {
		uc.rejectRefund(ctx, in.OrderID, actor, licenseErrors.ReasonOrderNotFound, "order not found", in)
		return nil, licenseErrors.ErrOrderNotFound
	}

	if order.Status == constants.OrderStatusManualReview {
		// 已转人工，重复申请返回同样的结果
		return uc.manualOutcome(ctx, order, "", "refund is being processed manually"), nil
	}

	fromStatus := order.Status
	switch {
	case order.Status == constants.OrderStatusPaid:
		if err := uc.checkWindow(ctx, order, actor, in); err != nil {
			return nil, err
		}
	case order.Status == constants.OrderStatusRefundFailed && !order.RefundPending:
		// 明确失败的退款允许再次申请，退款期限与重试上限仍然生效
		if err := uc.checkWindow(ctx, order, actor, in); err != nil {
			return nil, err
		}
		if order.RefundRetryCount >= uc.conf.RetryLimit {
			return uc.escalate(ctx, order, nil, actor, "retry limit reached")
		}
	default:
		return nil, uc.rejectForStatus(ctx, order, actor, in)
	}

	now := uc.now()
	patch := OrderPatch{RefundPending: boolPtr(true)}
	if in.Reason != "" {
		patch.RefundReason = strPtr(in.Reason)
	}
	if fromStatus == constants.OrderStatusPaid {
		patch.RefundRequestedAt = timePtr(now)
	}
	ok, err := uc.orders.TransitionStatus(ctx, order.OrderID, []string{fromStatus}, constants.OrderStatusRefundPending, patch)
	if err != nil {
		uc.log.Errorf("mark refund pending failed: order_id=%s, error=%v", order.OrderID, err)
		return nil, err
	}
	if !ok {
		fresh, err := uc.orders.GetOrder(ctx, order.OrderID)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			return nil, licenseErrors.ErrOrderNotFound
		}
		return nil, uc.rejectForStatus(ctx, fresh, actor, in)
	}

	rr, err := uc.openRefundRequest(ctx, order.OrderID, in.Reason, actor)
	if err != nil {
		// 订单已进入 REFUND_PENDING 且带 refundPending 标记，对账任务会接手
		uc.log.Errorf("open refund request failed: order_id=%s, error=%v", order.OrderID, err)
		return nil, err
	}

	claimed, err := uc.orders.TransitionStatus(ctx, order.OrderID,
		[]string{constants.OrderStatusRefundPending}, constants.OrderStatusRefundProcessing,
		OrderPatch{ProcessingStartedAt: timePtr(uc.now())})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, licenseErrors.ErrRefundInProgress
	}
	order.Status = constants.OrderStatusRefundProcessing
	if in.Reason != "" {
		order.RefundReason = in.Reason
	}

	uc.audit.append(ctx, &OperationLog{
		Action:     constants.ActionRequestRefund,
		EntityType: "order",
		EntityID:   order.OrderID,
		OrderID:    order.OrderID,
		Result:     constants.ResultSuccess,
		Message:    "refund accepted from " + fromStatus,
		Actor:      actor,
		Request:    in,
	})
	return uc.executeRefund(ctx, order, rr, actor, false)
}

// RequestRefundBatch 管理员批量退款：逐条串行处理并限速，单条失败不影响其他条目
func (uc *RefundUseCase) RequestRefundBatch(ctx context.Context, items []*BatchRefundItem, adminKey string) (*BatchRefundReport, error) {
	if err := uc.conf.CheckAdminKey(adminKey); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, licenseErrors.ErrInvalidArgument
	}

	report := &BatchRefundReport{Items: make([]*BatchItemOutcome, 0, len(items))}
	for i, item := range items {
		result := &BatchItemOutcome{Index: i}
		if item != nil {
			result.OrderID = item.OrderID
			result.LicenseCode = item.LicenseCode
		}
		if err := uc.limiter.Wait(ctx); err != nil {
			// 调用方取消：剩余条目标记失败，已处理的结果照常返回
			result.Code = licenseErrors.ReasonInternal
			result.Message = err.Error()
			report.Items = append(report.Items, result)
			report.FailCount++
			uc.countBatchItem("failed")
			continue
		}

		var outcome *RefundOutcome
		var err error
		if item == nil {
			err = licenseErrors.ErrInvalidArgument
		} else {
			outcome, err = uc.RequestRefund(ctx, &RefundInput{
				OrderID:     item.OrderID,
				LicenseCode: item.LicenseCode,
				Reason:      item.Reason,
				Actor:       constants.ActorAdmin,
			})
		}
		if err != nil {
			e := kerrors.FromError(err)
			result.Code = e.Reason
			result.Message = e.Message
			if result.Code == "" {
				result.Code = licenseErrors.ReasonInternal
			}
			report.FailCount++
			uc.countBatchItem("failed")
		} else {
			result.Success = true
			result.Outcome = outcome
			if result.OrderID == "" {
				result.OrderID = outcome.OrderID
			}
			report.SuccessCount++
			uc.countBatchItem("success")
		}
		report.Items = append(report.Items, result)
	}

	uc.log.Infof("[REFUND] batch finished: total=%d, success=%d, failed=%d", len(items), report.SuccessCount, report.FailCount)
	return report, nil
}

// ListManualRefunds 查询人工退款工作队列
func (uc *RefundUseCase) ListManualRefunds(ctx context.Context, adminKey, status string, limit int) ([]*ManualRefund, error) {
	if err := uc.conf.CheckAdminKey(adminKey); err != nil {
		return nil, err
	}
	if status == "" {
		status = constants.ManualRefundStatusPending
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return uc.manuals.ListManualRefunds(ctx, status, limit)
}

// executeRefund 调用网关并按结果迁移状态，调用前订单必须已被认领为 REFUND_PROCESSING
// attemptCounted 为 true 时本次尝试已由 countAttempt 计入重试次数，业务失败不再重复累加
func (uc *RefundUseCase) executeRefund(ctx context.Context, order *Order, rr *RefundRequest, actor string, attemptCounted bool) (*RefundOutcome, error) {
	req := &GatewayRefundRequest{
		OrderID: order.OrderID,
		TradeNo: order.GatewayTradeNo,
		Amount:  order.Amount,
		Reason:  order.RefundReason,
	}

	callCtx, cancel := context.WithTimeout(ctx, uc.conf.GatewayTimeout)
	startTime := time.Now()
	reply, callErr := uc.gateway.Refund(callCtx, req)
	cancel()

	// 网关调用之后的写入不受调用方取消影响
	writeCtx := context.WithoutCancel(ctx)

	var raw interface{}
	result := constants.ResultUnknown
	switch {
	case callErr != nil:
		raw = callErr.Error()
		uc.countGateway("refund", "transport_failure", startTime)
	case reply.Success:
		raw = reply.Raw
		result = constants.ResultSuccess
		uc.countGateway("refund", "success", startTime)
	default:
		raw = reply.Raw
		result = constants.ResultFailure
		uc.countGateway("refund", "business_failure", startTime)
	}
	uc.audit.append(writeCtx, &OperationLog{
		Action:     constants.ActionGatewayRefund,
		EntityType: "order",
		EntityID:   order.OrderID,
		OrderID:    order.OrderID,
		Result:     result,
		Actor:      actor,
		Request:    req,
		Response:   raw,
	})

	if callErr != nil {
		return nil, uc.markUnknown(writeCtx, order, rr, callErr)
	}
	if reply.Success {
		return uc.completeRefund(writeCtx, order, rr, reply.RefundID, reply.Raw, actor), nil
	}
	if reply.OrderNotFound {
		return uc.routeManualReview(writeCtx, order, rr, reply, actor), nil
	}
	return uc.markFailed(writeCtx, order, rr, reply, actor, attemptCounted)
}

// countAttempt 对账任务重新发起退款前先累加重试次数，超时不会绕过重试上限
func (uc *RefundUseCase) countAttempt(ctx context.Context, order *Order, rr *RefundRequest) error {
	ok, err := uc.orders.TransitionStatus(ctx, order.OrderID,
		[]string{constants.OrderStatusRefundProcessing}, constants.OrderStatusRefundProcessing,
		OrderPatch{IncrRetryCount: true})
	if err != nil {
		return err
	}
	if !ok {
		return licenseErrors.ErrRefundInProgress
	}
	order.RefundRetryCount++
	if rr != nil {
		uc.updateRequest(ctx, rr, RefundRequestUpdate{
			Status:    constants.RefundRequestStatusProcessing,
			IncrRetry: true,
		})
	}
	return nil
}

// markUnknown 网关结果未知：保留 refundPending，重试次数不变
func (uc *RefundUseCase) markUnknown(ctx context.Context, order *Order, rr *RefundRequest, callErr error) error {
	ok, err := uc.orders.TransitionStatus(ctx, order.OrderID,
		[]string{constants.OrderStatusRefundProcessing}, constants.OrderStatusRefundFailed,
		OrderPatch{RefundPending: boolPtr(true)})
	if err != nil || !ok {
		uc.log.Errorf("[REFUND] mark unknown outcome failed: order_id=%s, ok=%v, error=%v", order.OrderID, ok, err)
	}
	if rr != nil {
		if err := uc.requests.UpdateRefundRequest(ctx, rr.RequestID, RefundRequestUpdate{
			Status:    constants.RefundRequestStatusProcessing,
			LastError: callErr.Error(),
		}); err != nil {
			uc.log.Warnf("update refund request failed: request_id=%s, error=%v", rr.RequestID, err)
		}
	}
	if uc.metrics != nil {
		uc.metrics.RefundTotal.WithLabelValues("unknown").Inc()
	}
	uc.log.Warnf("[REFUND] gateway outcome unknown, deferred to reconciliation: order_id=%s, error=%v", order.OrderID, callErr)
	return licenseErrors.ErrZpayAPIError.WithCause(callErr)
}

// markFailed 网关业务失败：重试次数加一，达到上限转人工
func (uc *RefundUseCase) markFailed(ctx context.Context, order *Order, rr *RefundRequest, reply *GatewayRefundReply, actor string, attemptCounted bool) (*RefundOutcome, error) {
	incr := !attemptCounted
	retries := order.RefundRetryCount
	if incr {
		retries++
	}
	if retries >= uc.conf.RetryLimit {
		if rr != nil {
			uc.updateRequest(ctx, rr, RefundRequestUpdate{
				Status:          constants.RefundRequestStatusFailed,
				GatewaySnapshot: reply.Raw,
				LastError:       reply.Message,
				IncrRetry:       incr,
			})
		}
		order.RefundRetryCount = retries
		return uc.escalate(ctx, order, &OrderPatch{IncrRetryCount: incr}, actor, "retry limit reached: "+reply.Message)
	}

	ok, err := uc.orders.TransitionStatus(ctx, order.OrderID,
		[]string{constants.OrderStatusRefundProcessing}, constants.OrderStatusRefundFailed,
		OrderPatch{RefundPending: boolPtr(false), IncrRetryCount: incr})
	if err != nil || !ok {
		uc.log.Errorf("[REFUND] mark refund failed failed: order_id=%s, ok=%v, error=%v", order.OrderID, ok, err)
	}
	if rr != nil {
		uc.updateRequest(ctx, rr, RefundRequestUpdate{
			Status:          constants.RefundRequestStatusFailed,
			GatewaySnapshot: reply.Raw,
			LastError:       reply.Message,
			IncrRetry:       incr,
		})
	}
	if uc.metrics != nil {
		uc.metrics.RefundTotal.WithLabelValues("failed").Inc()
	}
	uc.log.Warnf("[REFUND] gateway refused refund: order_id=%s, retries=%d, code=%s, msg=%s",
		order.OrderID, retries, reply.Code, reply.Message)
	return nil, licenseErrors.ErrZpayRefundFailed.WithCause(errors.New(reply.Message))
}

// escalate 转人工（重试耗尽），不再自动重试
func (uc *RefundUseCase) escalate(ctx context.Context, order *Order, patch *OrderPatch, actor, message string) (*RefundOutcome, error) {
	p := OrderPatch{RefundPending: boolPtr(false)}
	if patch != nil {
		p.IncrRetryCount = patch.IncrRetryCount
	}
	ok, err := uc.orders.TransitionStatus(ctx, order.OrderID,
		[]string{constants.OrderStatusRefundProcessing, constants.OrderStatusRefundFailed},
		constants.OrderStatusManualReview, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, licenseErrors.ErrRefundInProgress
	}
	uc.audit.append(ctx, &OperationLog{
		Action:     constants.ActionManualReview,
		EntityType: "order",
		EntityID:   order.OrderID,
		OrderID:    order.OrderID,
		Result:     constants.ResultFailure,
		Message:    message,
		Actor:      actor,
	})
	if uc.metrics != nil {
		uc.metrics.ManualReviewOrders.Inc()
		uc.metrics.RefundTotal.WithLabelValues("manual_review").Inc()
	}
	uc.notify(ctx, &NotifyEvent{
		Type:          constants.NotifyRefundRetryExhausted,
		OrderID:       order.OrderID,
		CustomerEmail: order.CustomerEmail,
		Amount:        order.Amount,
		Extra:         map[string]string{"retry_count": fmt.Sprint(order.RefundRetryCount)},
		OccurredAt:    uc.now(),
	})
	uc.log.Warnf("[REFUND] order escalated to manual review: order_id=%s, retries=%d", order.OrderID, order.RefundRetryCount)
	order.Status = constants.OrderStatusManualReview
	return uc.manualOutcome(ctx, order, "", message), nil
}

// routeManualReview 网关不认识该订单（通常是走了其他支付通道）：转人工并返回成功形态的结果
func (uc *RefundUseCase) routeManualReview(ctx context.Context, order *Order, rr *RefundRequest, reply *GatewayRefundReply, actor string) *RefundOutcome {
	ok, err := uc.orders.TransitionStatus(ctx, order.OrderID,
		[]string{constants.OrderStatusRefundProcessing}, constants.OrderStatusManualReview,
		OrderPatch{RefundPending: boolPtr(false)})
	if err != nil || !ok {
		uc.log.Errorf("[REFUND] route manual review failed: order_id=%s, ok=%v, error=%v", order.OrderID, ok, err)
	}

	code := ""
	if license, _ := uc.licenseFor(ctx, order); license != nil {
		code = license.Code
	}
	record := &ManualRefund{
		OrderID:      order.OrderID,
		LicenseCode:  code,
		Amount:       order.Amount,
		Reason:       order.RefundReason,
		Status:       constants.ManualRefundStatusPending,
		GatewayError: reply.Message,
		Detail: map[string]interface{}{
			"gateway_code":     reply.Code,
			"gateway_response": reply.Raw,
			"payment_method":   order.PaymentMethod,
			"gateway_trade_no": order.GatewayTradeNo,
		},
		CreatedAt: uc.now(),
	}
	if err := uc.manuals.CreateManualRefund(ctx, record); err != nil {
		uc.log.Errorf("[REFUND] create manual refund record failed: order_id=%s, error=%v", order.OrderID, err)
	}
	if rr != nil {
		uc.updateRequest(ctx, rr, RefundRequestUpdate{
			Status:          constants.RefundRequestStatusFailed,
			GatewaySnapshot: reply.Raw,
			LastError:       reply.Message,
		})
	}
	uc.audit.append(ctx, &OperationLog{
		Action:     constants.ActionManualReview,
		EntityType: "order",
		EntityID:   order.OrderID,
		OrderID:    order.OrderID,
		Result:     constants.ResultSuccess,
		Message:    "gateway does not know the order: " + reply.Message,
		Actor:      actor,
		Response:   reply.Raw,
	})
	if uc.metrics != nil {
		uc.metrics.ManualReviewOrders.Inc()
		uc.metrics.RefundTotal.WithLabelValues("manual_review").Inc()
	}
	uc.notify(ctx, &NotifyEvent{
		Type:          constants.NotifyRefundManualReview,
		OrderID:       order.OrderID,
		LicenseCode:   code,
		CustomerEmail: order.CustomerEmail,
		Amount:        order.Amount,
		OccurredAt:    uc.now(),
	})
	uc.log.Warnf("[REFUND] order unknown to gateway, queued for manual refund: order_id=%s", order.OrderID)

	order.Status = constants.OrderStatusManualReview
	outcome := uc.manualOutcome(ctx, order, code, "refund will be processed manually")
	if rr != nil {
		outcome.RequestID = rr.RequestID
	}
	return outcome
}

// completeRefund 网关确认退款成功：订单 -> 许可证 -> 校验索引，依次写入
func (uc *RefundUseCase) completeRefund(ctx context.Context, order *Order, rr *RefundRequest, refundID, raw, actor string) *RefundOutcome {
	now := uc.now()
	patch := OrderPatch{
		RefundPending:     boolPtr(false),
		RefundCompletedAt: timePtr(now),
	}
	if refundID != "" {
		patch.GatewayRefundID = strPtr(refundID)
	}
	ok, err := uc.orders.TransitionStatus(ctx, order.OrderID, []string{
		constants.OrderStatusRefundProcessing,
		constants.OrderStatusRefundPending,
		constants.OrderStatusRefundFailed,
	}, constants.OrderStatusRefunded, patch)
	if err != nil || !ok {
		uc.log.Errorf("[REFUND] mark order refunded failed: order_id=%s, ok=%v, error=%v", order.OrderID, ok, err)
	}

	license := uc.revokeLicense(ctx, order, actor)
	code := ""
	if license != nil {
		code = license.Code
	}

	if rr != nil {
		uc.updateRequest(ctx, rr, RefundRequestUpdate{
			Status:          constants.RefundRequestStatusCompleted,
			GatewaySnapshot: raw,
		})
	}
	uc.audit.append(ctx, &OperationLog{
		Action:     constants.ActionRequestRefund,
		EntityType: "order",
		EntityID:   order.OrderID,
		OrderID:    order.OrderID,
		Result:     constants.ResultSuccess,
		Message:    "refunded",
		Actor:      actor,
		Response:   raw,
	})
	if uc.metrics != nil {
		uc.metrics.RefundTotal.WithLabelValues("refunded").Inc()
		uc.metrics.RefundAmount.WithLabelValues("refunded").Add(order.Amount)
	}
	uc.notify(ctx, &NotifyEvent{
		Type:          constants.NotifyRefundCompleted,
		OrderID:       order.OrderID,
		LicenseCode:   code,
		CustomerEmail: order.CustomerEmail,
		Amount:        order.Amount,
		OccurredAt:    now,
	})
	uc.log.Infof("[REFUND] refund completed: order_id=%s, refund_id=%s, amount=%.2f", order.OrderID, refundID, order.Amount)

	outcome := &RefundOutcome{
		OrderID:         order.OrderID,
		LicenseCode:     code,
		Status:          constants.OrderStatusRefunded,
		RefundType:      constants.RefundTypeAutomatic,
		GatewayRefundID: refundID,
		Amount:          order.Amount,
		Message:         "refund completed",
	}
	if rr != nil {
		outcome.RequestID = rr.RequestID
	}
	return outcome
}

// revokeLicense 许可证置为 REFUNDED 并使校验索引失效（可重复执行）
func (uc *RefundUseCase) revokeLicense(ctx context.Context, order *Order, actor string) *License {
	license, err := uc.licenseFor(ctx, order)
	if err != nil {
		uc.log.Errorf("[REFUND] load license failed: order_id=%s, error=%v", order.OrderID, err)
		return nil
	}
	if license == nil {
		return nil
	}
	if license.Status != constants.LicenseStatusRefunded {
		var updateErr error
		for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
			if _, updateErr = uc.licenses.UpdateLicenseStatus(ctx, license.LicenseID,
				[]string{constants.LicenseStatusActive, constants.LicenseStatusSuspended},
				constants.LicenseStatusRefunded); updateErr == nil {
				break
			}
		}
		if updateErr != nil {
			uc.log.Errorf("[REFUND] mark license refunded failed: license_id=%s, error=%v", license.LicenseID, updateErr)
			uc.audit.append(ctx, &OperationLog{
				Action:     constants.ActionRequestRefund,
				EntityType: "license",
				EntityID:   license.LicenseID,
				OrderID:    order.OrderID,
				Result:     constants.ResultFailure,
				Message:    updateErr.Error(),
				Actor:      actor,
			})
			return license
		}
		license.Status = constants.LicenseStatusRefunded
	}
	if uc.index != nil {
		if err := uc.index.SetStatus(ctx, license.Code, constants.LicenseStatusRefunded); err != nil {
			uc.log.Warnf("invalidate verification index failed: license_id=%s, error=%v", license.LicenseID, err)
		}
	}
	return license
}

// rejectForStatus 当前状态不允许发起退款
func (uc *RefundUseCase) rejectForStatus(ctx context.Context, order *Order, actor string, in *RefundInput) error {
	switch {
	case order.Status == constants.OrderStatusRefunded:
		// 顺带修复：订单已退款但许可证未失效（上次处理在两次写入之间中断）
		uc.revokeLicense(context.WithoutCancel(ctx), order, actor)
		uc.rejectRefund(ctx, order.OrderID, actor, licenseErrors.ReasonAlreadyRefunded, "order already refunded", in)
		return licenseErrors.ErrAlreadyRefunded
	case order.Status == constants.OrderStatusRefundPending,
		order.Status == constants.OrderStatusRefundProcessing,
		order.Status == constants.OrderStatusRefundFailed && order.RefundPending:
		uc.rejectRefund(ctx, order.OrderID, actor, licenseErrors.ReasonRefundInProgress, "refund in progress", in)
		return licenseErrors.ErrRefundInProgress
	default:
		uc.rejectRefund(ctx, order.OrderID, actor, licenseErrors.ReasonInvalidOrderStatus, "order status "+order.Status, in)
		return licenseErrors.ErrInvalidOrderStatus
	}
}

// checkWindow 退款期限从支付时间起算
func (uc *RefundUseCase) checkWindow(ctx context.Context, order *Order, actor string, in *RefundInput) error {
	paidAt := order.CreatedAt
	if order.PaidAt != nil {
		paidAt = *order.PaidAt
	}
	if uc.now().Sub(paidAt) <= uc.conf.RefundWindow {
		return nil
	}
	uc.rejectRefund(ctx, order.OrderID, actor, licenseErrors.ReasonRefundTimeExpired,
		fmt.Sprintf("paid at %s, window %s", paidAt.Format(time.RFC3339), uc.conf.RefundWindow), in)
	return licenseErrors.ErrRefundTimeExpired
}

func (uc *RefundUseCase) rejectRefund(ctx context.Context, orderID, actor, reason, message string, in *RefundInput) {
	if uc.metrics != nil {
		uc.metrics.RefundTotal.WithLabelValues("rejected").Inc()
	}
	uc.audit.append(ctx, &OperationLog{
		Action:     constants.ActionRequestRefund,
		EntityType: "order",
		EntityID:   orderID,
		OrderID:    orderID,
		Result:     constants.ResultRejected,
		ErrorCode:  reason,
		Message:    message,
		Actor:      actor,
		Request:    in,
	})
	uc.log.Infof("refund rejected: order_id=%s, reason=%s", orderID, reason)
}

// resolveOrder 按订单号查找，或通过激活码找到许可证再找订单
func (uc *RefundUseCase) resolveOrder(ctx context.Context, in *RefundInput) (*Order, error) {
	if in.OrderID != "" {
		return uc.orders.GetOrder(ctx, in.OrderID)
	}
	license, err := uc.licenses.GetLicenseByCode(ctx, NormalizeCode(in.LicenseCode))
	if err != nil || license == nil {
		return nil, err
	}
	return uc.orders.GetOrder(ctx, license.OrderID)
}

// openRefundRequest 复用订单未完成的退款申请，没有则新建
func (uc *RefundUseCase) openRefundRequest(ctx context.Context, orderID, reason, actor string) (*RefundRequest, error) {
	rr, err := uc.requests.GetOpenRefundRequest(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if rr != nil {
		if rr.Status != constants.RefundRequestStatusProcessing {
			uc.updateRequest(ctx, rr, RefundRequestUpdate{Status: constants.RefundRequestStatusProcessing})
			rr.Status = constants.RefundRequestStatusProcessing
		}
		return rr, nil
	}
	now := uc.now()
	rr = &RefundRequest{
		RequestID: uc.ids.NextID(),
		OrderNo:   orderID,
		Status:    constants.RefundRequestStatusProcessing,
		Reason:    reason,
		Actor:     actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := uc.requests.CreateRefundRequest(ctx, rr); err != nil {
		return nil, err
	}
	return rr, nil
}

func (uc *RefundUseCase) updateRequest(ctx context.Context, rr *RefundRequest, upd RefundRequestUpdate) {
	if err := uc.requests.UpdateRefundRequest(ctx, rr.RequestID, upd); err != nil {
		uc.log.Warnf("update refund request failed: request_id=%s, error=%v", rr.RequestID, err)
		return
	}
	if upd.Status != "" {
		rr.Status = upd.Status
	}
	if upd.IncrRetry {
		rr.RetryCount++
	}
}

func (uc *RefundUseCase) manualOutcome(ctx context.Context, order *Order, code, message string) *RefundOutcome {
	if code == "" {
		if license, _ := uc.licenseFor(ctx, order); license != nil {
			code = license.Code
		}
	}
	return &RefundOutcome{
		OrderID:     order.OrderID,
		LicenseCode: code,
		Status:      constants.OrderStatusManualReview,
		RefundType:  constants.RefundTypeManualProcessing,
		Amount:      order.Amount,
		Message:     message,
	}
}

func (uc *RefundUseCase) licenseFor(ctx context.Context, order *Order) (*License, error) {
	if order.LicenseID != "" {
		license, err := uc.licenses.GetLicenseByID(ctx, order.LicenseID)
		if err != nil || license != nil {
			return license, err
		}
	}
	return uc.licenses.GetLicenseByOrderID(ctx, order.OrderID)
}

func (uc *RefundUseCase) notify(ctx context.Context, event *NotifyEvent) {
	if uc.notifier == nil {
		return
	}
	if err := uc.notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		uc.log.Warnf("notify failed: type=%s, order_id=%s, error=%v", event.Type, event.OrderID, err)
	}
}

func (uc *RefundUseCase) countGateway(operation, result string, startTime time.Time) {
	if uc.metrics != nil {
		uc.metrics.GatewayCallTotal.WithLabelValues(operation, result).Inc()
		uc.metrics.GatewayCallDuration.WithLabelValues(operation).Observe(time.Since(startTime).Seconds())
	}
}

func (uc *RefundUseCase) countBatchItem(result string) {
	if uc.metrics != nil {
		uc.metrics.BatchRefundItemsTotal.WithLabelValues(result).Inc()
	}
}

// isUnknownOutcome 网关结果未知（传输失败或超时）
func isUnknownOutcome(err error) bool {
	return errors.Is(err, licenseErrors.ErrZpayAPIError)
}
