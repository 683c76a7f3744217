package data

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"license-service/internal/biz"
	"license-service/internal/conf"
	"license-service/internal/zpay"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/middleware/tracing"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
)

const (
	zpayActRefund = "refund"
	zpayActOrder  = "order"

	zpayFormContentType = "application/x-www-form-urlencoded"

	// 响应体最多读取 1MB
	zpayMaxBody = 1 << 20
)

// 网关返回"订单不存在"类错误时的关键字
var zpayNotFoundHints = []string{"订单不存在", "order not found", "order not exist", "不存在该订单", "no such order"}

// zpayClient ZPay 网关客户端（实现 biz.GatewayClient）
type zpayClient struct {
	client      *khttp.Client
	basePath    string
	merchantID  string
	merchantKey string
	log         *log.Helper
}

// zpayResponse 网关响应：字段类型不固定，同时保留原始报文用于审计
type zpayResponse struct {
	raw    string
	fields map[string]interface{}
}

// NewZpayClient 创建 ZPay 客户端，商户配置由构造参数注入
func NewZpayClient(c *conf.Bootstrap, logger log.Logger) (biz.GatewayClient, error) {
	if c.Gateway == nil || c.Gateway.BaseUrl == "" {
		return nil, fmt.Errorf("gateway config is nil")
	}
	timeout := c.Gateway.Timeout.AsDuration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client, err := newZpayClient(c.Gateway.BaseUrl, c.Gateway.MerchantId, c.Gateway.MerchantKey, timeout, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newZpayClient(baseURL, merchantID, merchantKey string, timeout time.Duration, logger log.Logger) (*zpayClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse gateway base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid gateway base url: %s", baseURL)
	}

	client, err := khttp.NewClient(
		context.Background(),
		khttp.WithEndpoint(u.Scheme+"://"+u.Host),
		khttp.WithTimeout(timeout),
		khttp.WithMiddleware(
			recovery.Recovery(),
			tracing.Client(),
		),
		khttp.WithRequestEncoder(encodeZpayForm),
		khttp.WithResponseDecoder(decodeZpayResponse),
		khttp.WithErrorDecoder(decodeZpayStatus),
	)
	if err != nil {
		return nil, fmt.Errorf("create gateway http client: %w", err)
	}

	return &zpayClient{
		client:      client,
		basePath:    u.Path,
		merchantID:  merchantID,
		merchantKey: merchantKey,
		log:         log.NewHelper(logger),
	}, nil
}

// Refund 发起全额退款
// 传输失败（网络错误、超时、HTTP 非 2xx、非 JSON 响应）返回 error，此时网关侧结果未知
func (c *zpayClient) Refund(ctx context.Context, req *biz.GatewayRefundRequest) (*biz.GatewayRefundReply, error) {
	params := map[string]string{
		"pid":          c.merchantID,
		"out_trade_no": req.OrderID,
		"money":        strconv.FormatFloat(req.Amount, 'f', 2, 64),
	}
	if req.TradeNo != "" {
		params["trade_no"] = req.TradeNo
	}

	resp, err := c.post(ctx, zpayActRefund, params)
	if err != nil {
		c.log.Errorf("[REFUND] zpay refund transport failure: order_id=%s, error=%v", req.OrderID, err)
		return nil, err
	}

	reply := &biz.GatewayRefundReply{
		Code:    stringField(resp.fields, "code"),
		Message: stringField(resp.fields, "msg"),
		Raw:     resp.raw,
	}
	if reply.Code == "1" {
		reply.Success = true
		reply.RefundID = firstNonEmpty(stringField(resp.fields, "refund_no"), stringField(resp.fields, "trade_no"))
		c.log.Infof("[REFUND] zpay refund success: order_id=%s, refund_id=%s", req.OrderID, reply.RefundID)
		return reply, nil
	}

	reply.OrderNotFound = isOrderNotFound(reply.Message)
	c.log.Warnf("[REFUND] zpay refund rejected: order_id=%s, code=%s, msg=%s", req.OrderID, reply.Code, reply.Message)
	return reply, nil
}

// QueryOrder 查询网关订单状态（对账任务在重新发起退款前确认上一次的结果）
func (c *zpayClient) QueryOrder(ctx context.Context, orderID string) (*biz.GatewayOrderStatus, error) {
	params := map[string]string{
		"pid":          c.merchantID,
		"out_trade_no": orderID,
	}
	resp, err := c.post(ctx, zpayActOrder, params)
	if err != nil {
		return nil, err
	}
	body := resp.fields

	status := &biz.GatewayOrderStatus{Raw: resp.raw}
	if stringField(body, "code") != "1" {
		if isOrderNotFound(stringField(body, "msg")) {
			return status, nil
		}
		// 其他错误无法判断订单是否存在，按传输失败处理
		return nil, fmt.Errorf("zpay query order %s: code=%s msg=%s", orderID, stringField(body, "code"), stringField(body, "msg"))
	}

	status.Found = true
	status.TradeNo = stringField(body, "trade_no")
	status.RawStatus = stringField(body, "status")
	status.Amount, _ = strconv.ParseFloat(stringField(body, "money"), 64)
	// status: 0 未支付，1 已支付，2 已退款；部分商户版本另外返回 refund_status
	switch status.RawStatus {
	case "1":
		status.Paid = true
	case "2":
		status.Paid = true
		status.Refunded = true
	}
	if rs := stringField(body, "refund_status"); rs == "1" || strings.EqualFold(rs, "success") {
		status.Refunded = true
	}
	return status, nil
}

// post 签名后以表单提交，操作名用于链路追踪
func (c *zpayClient) post(ctx context.Context, act string, params map[string]string) (*zpayResponse, error) {
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("sign", zpay.Sign(params, c.merchantKey))
	form.Set("sign_type", "MD5")

	resp := &zpayResponse{}
	path := fmt.Sprintf("%s/api.php?act=%s", c.basePath, act)
	err := c.client.Invoke(ctx, http.MethodPost, path, form, resp,
		khttp.ContentType(zpayFormContentType),
		khttp.Operation("/zpay/"+act),
	)
	if err != nil {
		return nil, fmt.Errorf("zpay %s: %w", act, err)
	}
	return resp, nil
}

// encodeZpayForm 网关只接受表单请求
func encodeZpayForm(_ context.Context, _ string, in interface{}) ([]byte, error) {
	form, ok := in.(url.Values)
	if !ok {
		return nil, fmt.Errorf("unexpected gateway request type %T", in)
	}
	return []byte(form.Encode()), nil
}

// decodeZpayResponse 网关经常以 text/html 返回 JSON，忽略 Content-Type 直接按 JSON 解析
func decodeZpayResponse(_ context.Context, res *http.Response, out interface{}) error {
	reply, ok := out.(*zpayResponse)
	if !ok {
		return fmt.Errorf("unexpected gateway reply type %T", out)
	}
	b, err := io.ReadAll(io.LimitReader(res.Body, zpayMaxBody))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	reply.raw = string(b)

	dec := json.NewDecoder(strings.NewReader(reply.raw))
	dec.UseNumber()
	if err := dec.Decode(&reply.fields); err != nil {
		return fmt.Errorf("non-json response: %w", err)
	}
	return nil
}

// decodeZpayStatus HTTP 非 2xx 视为传输失败
func decodeZpayStatus(_ context.Context, res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode <= 299 {
		return nil
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, zpayMaxBody))
	return fmt.Errorf("http status %d", res.StatusCode)
}

// stringField 网关字段可能是字符串也可能是数字
func stringField(body map[string]interface{}, key string) string {
	switch v := body[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func isOrderNotFound(msg string) bool {
	lower := strings.ToLower(msg)
	for _, hint := range zpayNotFoundHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
