package service

import (
	"context"

	"license-service/internal/biz"
	"license-service/internal/constants"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-playground/validator/v10"
)

// RefundService 用户退款
type RefundService struct {
	uc       *biz.RefundUseCase
	validate *validator.Validate
	log      *log.Helper
}

// NewRefundService 创建 RefundService
func NewRefundService(uc *biz.RefundUseCase, v *validator.Validate, logger log.Logger) *RefundService {
	return &RefundService{
		uc:       uc,
		validate: v,
		log:      log.NewHelper(logger),
	}
}

// Refund 申请退款
// 网关不认识订单时返回成功，refund_type=manual_processing
func (s *RefundService) Refund(ctx context.Context, req *RefundLicenseRequest) (*RefundReply, error) {
	if err := validate(s.validate, req); err != nil {
		return nil, err
	}
	outcome, err := s.uc.RequestRefund(ctx, &biz.RefundInput{
		OrderID:     req.OrderNo,
		LicenseCode: req.AccessCode,
		Reason:      req.Reason,
		Actor:       actorFrom(ctx, constants.ActorUser),
	})
	if err != nil {
		s.log.Warnf("[REFUND] refund rejected: order_no=%s, access_code=%s, error=%v", req.OrderNo, req.AccessCode, err)
		return nil, err
	}
	return toRefundReply(outcome), nil
}

func toRefundReply(o *biz.RefundOutcome) *RefundReply {
	if o == nil {
		return nil
	}
	return &RefundReply{
		Success:         true,
		OrderNo:         o.OrderID,
		AccessCode:      o.LicenseCode,
		RequestID:       o.RequestID,
		Status:          o.Status,
		RefundType:      o.RefundType,
		GatewayRefundID: o.GatewayRefundID,
		Amount:          o.Amount,
		Message:         o.Message,
	}
}
