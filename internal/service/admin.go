package service

import (
	"context"

	"license-service/internal/biz"
	"license-service/internal/constants"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-playground/validator/v10"
)

// AdminService 管理接口，全部需要管理员密钥
type AdminService struct {
	licenseUC   *biz.LicenseUseCase
	refundUC    *biz.RefundUseCase
	reconcileUC *biz.ReconcileUseCase
	validate    *validator.Validate
	log         *log.Helper
}

// NewAdminService 创建 AdminService
func NewAdminService(
	licenseUC *biz.LicenseUseCase,
	refundUC *biz.RefundUseCase,
	reconcileUC *biz.ReconcileUseCase,
	v *validator.Validate,
	logger log.Logger,
) *AdminService {
	return &AdminService{
		licenseUC:   licenseUC,
		refundUC:    refundUC,
		reconcileUC: reconcileUC,
		validate:    v,
		log:         log.NewHelper(logger),
	}
}

// BatchRefund 批量退款，单条失败不影响其他条目
func (s *AdminService) BatchRefund(ctx context.Context, req *BatchRefundRequest) (*BatchRefundReply, error) {
	if err := validate(s.validate, req); err != nil {
		return nil, err
	}
	items := make([]*biz.BatchRefundItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, &biz.BatchRefundItem{
			OrderID:     it.OrderNo,
			LicenseCode: it.AccessCode,
			Reason:      it.Reason,
		})
	}
	report, err := s.refundUC.RequestRefundBatch(ctx, items, adminKeyFrom(ctx, req.AdminKey))
	if err != nil {
		return nil, err
	}

	reply := &BatchRefundReply{
		Success:      true,
		Total:        len(report.Items),
		SuccessCount: report.SuccessCount,
		FailCount:    report.FailCount,
		Items:        make([]*BatchRefundItemReply, 0, len(report.Items)),
	}
	for _, it := range report.Items {
		reply.Items = append(reply.Items, &BatchRefundItemReply{
			Index:      it.Index,
			OrderNo:    it.OrderID,
			AccessCode: it.LicenseCode,
			Success:    it.Success,
			Code:       it.Code,
			Message:    it.Message,
			Refund:     toRefundReply(it.Outcome),
		})
	}
	s.log.Infof("[REFUND] batch refund finished: total=%d, success=%d, fail=%d", reply.Total, reply.SuccessCount, reply.FailCount)
	return reply, nil
}

// PurgeLicense 清除已退款/已吊销的许可证
func (s *AdminService) PurgeLicense(ctx context.Context, req *PurgeLicenseRequest) (*SimpleReply, error) {
	if err := validate(s.validate, req); err != nil {
		return nil, err
	}
	if err := s.licenseUC.PurgeLicense(ctx, req.Code, adminKeyFrom(ctx, req.AdminKey), actorFrom(ctx, constants.ActorAdmin)); err != nil {
		return nil, err
	}
	return &SimpleReply{Success: true}, nil
}

// Reconcile 立即执行一次退款对账
func (s *AdminService) Reconcile(ctx context.Context, req *AdminRequest) (*biz.RunReport, error) {
	return s.reconcileUC.RunWithAdminKey(ctx, adminKeyFrom(ctx, req.AdminKey))
}

// ListManualRefunds 查询人工退款队列
func (s *AdminService) ListManualRefunds(ctx context.Context, req *ListManualRefundsRequest) (*ListManualRefundsReply, error) {
	if err := validate(s.validate, req); err != nil {
		return nil, err
	}
	records, err := s.refundUC.ListManualRefunds(ctx, adminKeyFrom(ctx, req.AdminKey), req.Status, req.Limit)
	if err != nil {
		return nil, err
	}
	reply := &ListManualRefundsReply{Success: true, Items: make([]*ManualRefundItem, 0, len(records))}
	for _, r := range records {
		reply.Items = append(reply.Items, &ManualRefundItem{
			OrderNo:      r.OrderID,
			AccessCode:   r.LicenseCode,
			Amount:       r.Amount,
			Reason:       r.Reason,
			Status:       r.Status,
			GatewayError: r.GatewayError,
			Detail:       r.Detail,
			CreatedAt:    r.CreatedAt,
		})
	}
	return reply, nil
}
