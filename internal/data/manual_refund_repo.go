package data

import (
	"context"
	"encoding/json"

	"license-service/internal/biz"
	"license-service/internal/constants"
	"license-service/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

// manualRefundRepo 人工退款记录数据访问
type manualRefundRepo struct {
	data *Data
	log  *log.Helper
}

// NewManualRefundRepo 创建人工退款 repo（返回 biz.ManualRefundRepo 接口）
func NewManualRefundRepo(data *Data, logger log.Logger) biz.ManualRefundRepo {
	return &manualRefundRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// CreateManualRefund 写入人工退款记录，同一订单已存在时忽略
func (r *manualRefundRepo) CreateManualRefund(ctx context.Context, record *biz.ManualRefund) error {
	detail, err := json.Marshal(record.Detail)
	if err != nil {
		return err
	}
	m := model.ManualRefund{
		OrderID:      record.OrderID,
		LicenseCode:  record.LicenseCode,
		Amount:       record.Amount,
		Reason:       record.Reason,
		Status:       record.Status,
		GatewayError: record.GatewayError,
		Detail:       datatypes.JSON(detail),
	}
	if m.Status == "" {
		m.Status = constants.ManualRefundStatusPending
	}
	return r.data.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "order_id"}}, DoNothing: true}).
		Create(&m).Error
}

// ListManualRefunds 按状态查询人工退款记录（最早的在前）
func (r *manualRefundRepo) ListManualRefunds(ctx context.Context, status string, limit int) ([]*biz.ManualRefund, error) {
	var ms []model.ManualRefund
	err := r.data.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	out := make([]*biz.ManualRefund, 0, len(ms))
	for _, m := range ms {
		var detail map[string]interface{}
		if len(m.Detail) > 0 {
			if err := json.Unmarshal(m.Detail, &detail); err != nil {
				r.log.Warnf("ListManualRefunds: bad detail json: order_id=%s, error=%v", m.OrderID, err)
			}
		}
		out = append(out, &biz.ManualRefund{
			OrderID:      m.OrderID,
			LicenseCode:  m.LicenseCode,
			Amount:       m.Amount,
			Reason:       m.Reason,
			Status:       m.Status,
			GatewayError: m.GatewayError,
			Detail:       detail,
			CreatedAt:    m.CreatedAt,
		})
	}
	return out, nil
}
