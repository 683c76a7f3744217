package data

import (
	"context"
	"errors"
	"fmt"

	"license-service/internal/biz"
	"license-service/internal/constants"
	"license-service/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// refundRequestRepo 退款申请数据访问
type refundRequestRepo struct {
	data *Data
	log  *log.Helper
}

// NewRefundRequestRepo 创建退款申请 repo（返回 biz.RefundRequestRepo 接口）
func NewRefundRequestRepo(data *Data, logger log.Logger) biz.RefundRequestRepo {
	return &refundRequestRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// CreateRefundRequest 创建退款申请
func (r *refundRequestRepo) CreateRefundRequest(ctx context.Context, req *biz.RefundRequest) error {
	m := model.RefundRequest{
		RequestID:       req.RequestID,
		OrderNo:         req.OrderNo,
		Status:          req.Status,
		RetryCount:      req.RetryCount,
		Reason:          req.Reason,
		Actor:           req.Actor,
		GatewaySnapshot: req.GatewaySnapshot,
		LastError:       req.LastError,
	}
	if m.Status == "" {
		m.Status = constants.RefundRequestStatusProcessing
	}
	return r.data.db.WithContext(ctx).Create(&m).Error
}

// GetOpenRefundRequest 订单最近一条未完成的退款申请
func (r *refundRequestRepo) GetOpenRefundRequest(ctx context.Context, orderNo string) (*biz.RefundRequest, error) {
	var m model.RefundRequest
	err := r.data.db.WithContext(ctx).
		Where("order_no = ? AND status <> ?", orderNo, constants.RefundRequestStatusCompleted).
		Order("created_at DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &biz.RefundRequest{
		RequestID:       m.RequestID,
		OrderNo:         m.OrderNo,
		Status:          m.Status,
		RetryCount:      m.RetryCount,
		Reason:          m.Reason,
		Actor:           m.Actor,
		GatewaySnapshot: m.GatewaySnapshot,
		LastError:       m.LastError,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}, nil
}

// UpdateRefundRequest 更新退款申请，retry_count 只增不减
func (r *refundRequestRepo) UpdateRefundRequest(ctx context.Context, requestID string, upd biz.RefundRequestUpdate) error {
	updates := make(map[string]interface{})
	if upd.Status != "" {
		updates["status"] = upd.Status
	}
	if upd.GatewaySnapshot != "" {
		updates["gateway_snapshot"] = upd.GatewaySnapshot
	}
	if upd.LastError != "" {
		updates["last_error"] = truncate(upd.LastError, 1024)
	}
	if upd.IncrRetry {
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}
	if len(updates) == 0 {
		return nil
	}
	result := r.data.db.WithContext(ctx).Model(&model.RefundRequest{}).
		Where("request_id = ?", requestID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// MySQL 在值未变化时也返回 0，需要再确认记录是否存在
		var count int64
		if err := r.data.db.WithContext(ctx).Model(&model.RefundRequest{}).Where("request_id = ?", requestID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("refund request %s not found", requestID)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
