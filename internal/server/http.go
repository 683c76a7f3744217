package server

import (
	"context"
	"io"
	nethttp "net/http"

	"license-service/internal/conf"
	licenseErrors "license-service/internal/errors"
	"license-service/internal/service"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/logging"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/middleware/tracing"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Webhook 请求体上限
const maxWebhookBody = 1 << 20

// errorBody 统一错误响应
type errorBody struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewHTTPServer 创建 HTTP 服务器
func NewHTTPServer(
	c *conf.Bootstrap,
	licenseService *service.LicenseService,
	refundService *service.RefundService,
	adminService *service.AdminService,
	webhookService *service.WebhookService,
	logger log.Logger,
) *http.Server {
	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			tracing.Server(),
			logging.Server(logger),
		),
		http.ErrorEncoder(encodeError),
	}
	if c.Server != nil && c.Server.Http != nil {
		if c.Server.Http.Network != "" {
			opts = append(opts, http.Network(c.Server.Http.Network))
		}
		if c.Server.Http.Addr != "" {
			opts = append(opts, http.Address(c.Server.Http.Addr))
		}
		if c.Server.Http.Timeout != nil {
			opts = append(opts, http.Timeout(c.Server.Http.Timeout.AsDuration()))
		}
	}
	srv := http.NewServer(opts...)
	srv.Handle("/metrics", promhttp.Handler())

	r := srv.Route("/")
	r.POST("/license/verify", handle("/license/verify", licenseService.VerifyLicense))
	r.POST("/license/activate", handle("/license/activate", licenseService.ActivateDevice))
	r.POST("/license/deactivate", handle("/license/deactivate", licenseService.DeactivateDevice))
	r.POST("/refund", handle("/refund", refundService.Refund))
	r.POST("/admin/refund/batch", handle("/admin/refund/batch", adminService.BatchRefund))
	r.POST("/admin/refund/manual", handle("/admin/refund/manual", adminService.ListManualRefunds))
	r.POST("/admin/license/purge", handle("/admin/license/purge", adminService.PurgeLicense))
	r.POST("/admin/reconcile", handle("/admin/reconcile", adminService.Reconcile))

	// ZPay 异步通知为 POST 表单，部分商户配置为 GET 回调
	webhook := webhookHandler(webhookService)
	r.POST("/webhook/payment", webhook)
	r.GET("/webhook/payment", webhook)
	return srv
}

// handle JSON 请求 -> service 方法 -> JSON 响应，经过服务器中间件链
func handle[Req any, Reply any](operation string, fn func(context.Context, *Req) (*Reply, error)) http.HandlerFunc {
	return func(ctx http.Context) error {
		var in Req
		if err := ctx.Bind(&in); err != nil {
			return kerrors.BadRequest(licenseErrors.ReasonInvalidArgument, "invalid request body").WithCause(err)
		}
		http.SetOperation(ctx, operation)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return fn(ctx, req.(*Req))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(nethttp.StatusOK, out)
	}
}

// webhookHandler 签名校验需要原始请求体，不经过 Bind
func webhookHandler(s *service.WebhookService) http.HandlerFunc {
	return func(ctx http.Context) error {
		req := ctx.Request()
		body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
		if err != nil {
			return kerrors.BadRequest(licenseErrors.ReasonInvalidArgument, "read webhook body failed").WithCause(err)
		}
		http.SetOperation(ctx, "/webhook/payment")
		h := ctx.Middleware(func(c context.Context, _ interface{}) (interface{}, error) {
			return s.HandlePayment(c, req.Header, req.URL.Query(), body)
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		reply := out.(*service.WebhookReply)
		if reply.Ack != "" {
			return ctx.String(nethttp.StatusOK, reply.Ack)
		}
		return ctx.Result(nethttp.StatusOK, reply)
	}
}

// encodeError 错误响应：{success:false, code, message}，HTTP 状态码取 kratos 错误码
func encodeError(w nethttp.ResponseWriter, r *nethttp.Request, err error) {
	se := kerrors.FromError(err)
	body := &errorBody{Code: se.Reason, Message: se.Message}
	if body.Code == "" {
		body.Code = licenseErrors.ReasonInternal
		body.Message = "internal error"
	}
	codec, _ := http.CodecForRequest(r, "Accept")
	data, mErr := codec.Marshal(body)
	if mErr != nil {
		w.WriteHeader(nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/"+codec.Name())
	w.WriteHeader(int(se.Code))
	_, _ = w.Write(data)
}
