package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"license-service/internal/biz"
	"license-service/internal/conf"
	"license-service/internal/constants"
	licenseErrors "license-service/internal/errors"
	"license-service/internal/zpay"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	providerStripe = constants.PaymentMethodStripe
	providerZpay   = constants.PaymentMethodZpay

	stripeSignatureHeader = "Stripe-Signature"
)

// WebhookService 支付通知入口，Stripe 与 ZPay 统一转换为 PaymentConfirmation
type WebhookService struct {
	uc                  *biz.LicenseUseCase
	stripeWebhookSecret string
	zpayMerchantID      string
	zpayMerchantKey     string
	log                 *log.Helper
}

// NewWebhookService 创建 WebhookService
func NewWebhookService(uc *biz.LicenseUseCase, c *conf.Bootstrap, logger log.Logger) *WebhookService {
	s := &WebhookService{
		uc:  uc,
		log: log.NewHelper(logger),
	}
	if c.Stripe != nil {
		s.stripeWebhookSecret = c.Stripe.WebhookSecret
	}
	if c.Gateway != nil {
		s.zpayMerchantID = c.Gateway.MerchantId
		s.zpayMerchantKey = c.Gateway.MerchantKey
	}
	return s
}

// HandlePayment 处理支付通知
// 签名错误返回 400；业务拒绝（订单不存在、金额不符等）记录日志后照常应答，避免网关无限重投；
// 基础设施错误返回 5xx，由网关重投
func (s *WebhookService) HandlePayment(ctx context.Context, header http.Header, query url.Values, body []byte) (*WebhookReply, error) {
	if sig := header.Get(stripeSignatureHeader); sig != "" {
		return s.handleStripe(ctx, body, sig)
	}

	params := make(map[string]string)
	for k := range query {
		params[k] = query.Get(k)
	}
	if len(body) > 0 {
		if form, err := url.ParseQuery(string(body)); err == nil {
			for k := range form {
				params[k] = form.Get(k)
			}
		}
	}
	if params["sign"] != "" && params["out_trade_no"] != "" {
		return s.handleZpay(ctx, params)
	}

	s.log.Warnf("[WEBHOOK] unrecognized payment notification: body_size=%d", len(body))
	return nil, licenseErrors.ErrWebhookUnknownSource
}

func (s *WebhookService) handleStripe(ctx context.Context, body []byte, signature string) (*WebhookReply, error) {
	event, err := webhook.ConstructEventWithOptions(body, signature, s.stripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.log.Warnf("[WEBHOOK] stripe signature verification failed: %v", err)
		return nil, licenseErrors.ErrWebhookSignature.WithCause(err)
	}

	reply := &WebhookReply{Received: true, Provider: providerStripe}
	if event.Type != "checkout.session.completed" {
		s.log.Infof("[WEBHOOK] stripe event ignored: id=%s, type=%s", event.ID, event.Type)
		reply.Ignored = true
		return reply, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, kerrors.BadRequest(licenseErrors.ReasonInvalidArgument, "invalid checkout session payload").WithCause(err)
	}
	if sess.PaymentStatus != "" && sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		s.log.Infof("[WEBHOOK] stripe session not paid: session_id=%s, payment_status=%s", sess.ID, sess.PaymentStatus)
		reply.Ignored = true
		return reply, nil
	}

	orderID := sess.ClientReferenceID
	if orderID == "" {
		orderID = sess.Metadata["order_id"]
	}
	pc := &biz.PaymentConfirmation{
		OrderID:        orderID,
		ConfirmationID: sess.ID,
		PaymentMethod:  constants.PaymentMethodStripe,
		Amount:         float64(sess.AmountTotal) / 100,
		PaidAt:         time.Unix(event.Created, 0),
	}
	if sess.PaymentIntent != nil {
		pc.GatewayTradeNo = sess.PaymentIntent.ID
	}
	return s.confirm(ctx, pc, reply)
}

func (s *WebhookService) handleZpay(ctx context.Context, params map[string]string) (*WebhookReply, error) {
	if !zpay.Verify(params, s.zpayMerchantKey) {
		s.log.Warnf("[WEBHOOK] zpay signature verification failed: out_trade_no=%s", params["out_trade_no"])
		return nil, licenseErrors.ErrWebhookSignature
	}
	if s.zpayMerchantID != "" && params["pid"] != "" && params["pid"] != s.zpayMerchantID {
		s.log.Warnf("[WEBHOOK] zpay merchant mismatch: pid=%s", params["pid"])
		return nil, licenseErrors.ErrWebhookSignature
	}

	reply := &WebhookReply{Received: true, Provider: providerZpay, Ack: constants.ZpayNotifyAck}
	if params["trade_status"] != constants.ZpayTradeSuccess {
		s.log.Infof("[WEBHOOK] zpay notification ignored: out_trade_no=%s, trade_status=%s", params["out_trade_no"], params["trade_status"])
		reply.Ignored = true
		return reply, nil
	}

	amount, err := strconv.ParseFloat(params["money"], 64)
	if err != nil {
		s.log.Warnf("[WEBHOOK] zpay invalid money: out_trade_no=%s, money=%s", params["out_trade_no"], params["money"])
		reply.Ignored = true
		return reply, nil
	}
	pc := &biz.PaymentConfirmation{
		OrderID:        params["out_trade_no"],
		GatewayTradeNo: params["trade_no"],
		ConfirmationID: params["trade_no"],
		PaymentMethod:  constants.PaymentMethodZpay,
		Amount:         amount,
		PaidAt:         time.Now(),
	}
	if pc.ConfirmationID == "" {
		pc.ConfirmationID = providerZpay + ":" + pc.OrderID
	}
	return s.confirm(ctx, pc, reply)
}

func (s *WebhookService) confirm(ctx context.Context, pc *biz.PaymentConfirmation, reply *WebhookReply) (*WebhookReply, error) {
	result, err := s.uc.ConfirmPayment(ctx, pc, constants.ActorWebhook)
	if err != nil {
		if se := kerrors.FromError(err); se != nil && se.Code < http.StatusInternalServerError {
			s.log.Warnf("[WEBHOOK] payment confirmation rejected: provider=%s, order_id=%s, reason=%s, message=%s",
				reply.Provider, pc.OrderID, se.Reason, se.Message)
			reply.Ignored = true
			return reply, nil
		}
		s.log.Errorf("[WEBHOOK] payment confirmation failed: provider=%s, order_id=%s, error=%v", reply.Provider, pc.OrderID, err)
		return nil, err
	}
	reply.Duplicate = result.Duplicate
	if result.License != nil {
		reply.LicenseCode = result.License.Code
	}
	s.log.Infof("[WEBHOOK] payment confirmed: provider=%s, order_id=%s, duplicate=%v", reply.Provider, pc.OrderID, result.Duplicate)
	return reply, nil
}
