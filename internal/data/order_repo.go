package data

import (
	"context"
	"errors"
	"time"

	"license-service/internal/biz"
	"license-service/internal/constants"
	"license-service/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// orderRepo 订单相关数据访问
type orderRepo struct {
	data *Data
	log  *log.Helper
}

// NewOrderRepo 创建订单 repo（返回 biz.OrderRepo 接口）
func NewOrderRepo(data *Data, logger log.Logger) biz.OrderRepo {
	return &orderRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// CreateOrder 创建订单（由下单流程写入，状态默认为 PENDING）
func (r *orderRepo) CreateOrder(ctx context.Context, order *biz.Order) error {
	m := toOrderModel(order)
	if m.Status == "" {
		m.Status = constants.OrderStatusPending
	}
	if err := r.data.db.WithContext(ctx).Create(m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return biz.ErrDuplicateKey
		}
		return err
	}
	return nil
}

// GetOrder 通过订单号查询订单
func (r *orderRepo) GetOrder(ctx context.Context, orderID string) (*biz.Order, error) {
	return r.first(ctx, "order_id = ?", orderID)
}

// GetOrderByConfirmationID 通过支付确认幂等键查询订单
func (r *orderRepo) GetOrderByConfirmationID(ctx context.Context, confirmationID string) (*biz.Order, error) {
	if confirmationID == "" {
		return nil, nil
	}
	return r.first(ctx, "confirmation_id = ?", confirmationID)
}

func (r *orderRepo) first(ctx context.Context, query string, args ...interface{}) (*biz.Order, error) {
	var m model.Order
	if err := r.data.db.WithContext(ctx).Where(query, args...).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toOrderBiz(&m), nil
}

// TransitionStatus 条件更新订单状态，只有当前状态在 from 中时生效
// 返回 false 表示状态已被其他处理者改变
func (r *orderRepo) TransitionStatus(ctx context.Context, orderID string, from []string, to string, patch biz.OrderPatch) (bool, error) {
	updates := patchColumns(patch)
	updates["status"] = to

	result := r.data.db.WithContext(ctx).Model(&model.Order{}).
		Where("order_id = ? AND status IN ?", orderID, from).
		Updates(updates)
	if result.Error != nil {
		r.log.Errorf("TransitionStatus failed: order_id=%s, from=%v, to=%s, error=%v", orderID, from, to, result.Error)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ClaimStaleProcessing 认领超时的 REFUND_PROCESSING 订单
// processing_started_at 作为认领时间戳，多个实例同时认领时只有一个能更新成功
func (r *orderRepo) ClaimStaleProcessing(ctx context.Context, orderID string, staleBefore, now time.Time) (bool, error) {
	result := r.data.db.WithContext(ctx).Model(&model.Order{}).
		Where("order_id = ? AND status = ? AND refund_pending = ?", orderID, constants.OrderStatusRefundProcessing, true).
		Where("(processing_started_at IS NULL OR processing_started_at <= ?)", staleBefore).
		Update("processing_started_at", now)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// LinkLicense 关联许可证，先写者胜
func (r *orderRepo) LinkLicense(ctx context.Context, orderID, licenseID string) (bool, error) {
	result := r.data.db.WithContext(ctx).Model(&model.Order{}).
		Where("order_id = ? AND license_id = ?", orderID, "").
		Update("license_id", licenseID)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListRefundPending 网关结果未确认的退款订单（对账任务驱动）
func (r *orderRepo) ListRefundPending(ctx context.Context, limit int) ([]*biz.Order, error) {
	var ms []model.Order
	err := r.data.db.WithContext(ctx).
		Where("refund_pending = ? AND status IN ?", true, []string{
			constants.OrderStatusRefundPending,
			constants.OrderStatusRefundFailed,
			constants.OrderStatusRefundProcessing,
		}).
		Order("updated_at ASC").
		Limit(limit).
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	return toOrderBizList(ms), nil
}

// ListRefundFailed 明确失败、等待重新排队的退款订单
func (r *orderRepo) ListRefundFailed(ctx context.Context, limit int) ([]*biz.Order, error) {
	var ms []model.Order
	err := r.data.db.WithContext(ctx).
		Where("status = ? AND refund_pending = ?", constants.OrderStatusRefundFailed, false).
		Order("updated_at ASC").
		Limit(limit).
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	return toOrderBizList(ms), nil
}

// patchColumns 把 OrderPatch 转换为更新列，nil 字段不更新
func patchColumns(p biz.OrderPatch) map[string]interface{} {
	updates := make(map[string]interface{})
	if p.GatewayTradeNo != nil {
		updates["gateway_trade_no"] = *p.GatewayTradeNo
	}
	if p.ConfirmationID != nil {
		updates["confirmation_id"] = *p.ConfirmationID
	}
	if p.PaymentMethod != nil {
		updates["payment_method"] = *p.PaymentMethod
	}
	if p.PaidAt != nil {
		updates["paid_at"] = *p.PaidAt
	}
	if p.RefundReason != nil {
		updates["refund_reason"] = *p.RefundReason
	}
	if p.GatewayRefundID != nil {
		updates["gateway_refund_id"] = *p.GatewayRefundID
	}
	if p.RefundPending != nil {
		updates["refund_pending"] = *p.RefundPending
	}
	if p.RetryTime != nil {
		updates["retry_time"] = *p.RetryTime
	}
	if p.RefundRequestedAt != nil {
		updates["refund_requested_at"] = *p.RefundRequestedAt
	}
	if p.RefundCompletedAt != nil {
		updates["refund_completed_at"] = *p.RefundCompletedAt
	}
	if p.ProcessingStartedAt != nil {
		updates["processing_started_at"] = *p.ProcessingStartedAt
	}
	if p.IncrRetryCount {
		updates["refund_retry_count"] = gorm.Expr("refund_retry_count + ?", 1)
	}
	return updates
}

func toOrderModel(o *biz.Order) *model.Order {
	m := &model.Order{
		OrderID:             o.OrderID,
		GatewayTradeNo:      o.GatewayTradeNo,
		ProductCode:         o.ProductCode,
		Amount:              o.Amount,
		Currency:            o.Currency,
		CustomerEmail:       o.CustomerEmail,
		PaymentMethod:       o.PaymentMethod,
		Status:              o.Status,
		LicenseID:           o.LicenseID,
		RefundRetryCount:    o.RefundRetryCount,
		RefundPending:       o.RefundPending,
		RefundReason:        o.RefundReason,
		GatewayRefundID:     o.GatewayRefundID,
		RetryTime:           o.RetryTime,
		PaidAt:              o.PaidAt,
		RefundRequestedAt:   o.RefundRequestedAt,
		RefundCompletedAt:   o.RefundCompletedAt,
		ProcessingStartedAt: o.ProcessingStartedAt,
	}
	if o.ConfirmationID != "" {
		id := o.ConfirmationID
		m.ConfirmationID = &id
	}
	if m.Currency == "" {
		m.Currency = "CNY"
	}
	return m
}

func toOrderBiz(m *model.Order) *biz.Order {
	o := &biz.Order{
		OrderID:             m.OrderID,
		GatewayTradeNo:      m.GatewayTradeNo,
		ProductCode:         m.ProductCode,
		Amount:              m.Amount,
		Currency:            m.Currency,
		CustomerEmail:       m.CustomerEmail,
		PaymentMethod:       m.PaymentMethod,
		Status:              m.Status,
		LicenseID:           m.LicenseID,
		RefundRetryCount:    m.RefundRetryCount,
		RefundPending:       m.RefundPending,
		RefundReason:        m.RefundReason,
		GatewayRefundID:     m.GatewayRefundID,
		RetryTime:           m.RetryTime,
		PaidAt:              m.PaidAt,
		RefundRequestedAt:   m.RefundRequestedAt,
		RefundCompletedAt:   m.RefundCompletedAt,
		ProcessingStartedAt: m.ProcessingStartedAt,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
	if m.ConfirmationID != nil {
		o.ConfirmationID = *m.ConfirmationID
	}
	return o
}

func toOrderBizList(ms []model.Order) []*biz.Order {
	out := make([]*biz.Order, 0, len(ms))
	for i := range ms {
		out = append(out, toOrderBiz(&ms[i]))
	}
	return out
}
