package biz

import (
	"context"
	"errors"
	"testing"
	"time"

	"license-service/internal/constants"
	licenseErrors "license-service/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	businessFailure = gatewayStep{reply: &GatewayRefundReply{Code: "0", Message: "merchant balance insufficient", Raw: `{"code":0,"msg":"merchant balance insufficient"}`}}
	orderUnknown    = gatewayStep{reply: &GatewayRefundReply{Code: "0", OrderNotFound: true, Message: "订单不存在", Raw: `{"code":-1,"msg":"订单不存在"}`}}
	transportError  = gatewayStep{err: errors.New("context deadline exceeded")}
)

func refund(h *harness, orderID string) (*RefundOutcome, error) {
	return h.refundUC.RequestRefund(context.Background(), &RefundInput{OrderID: orderID, Reason: "changed my mind"})
}

func TestRequestRefund_Success(t *testing.T) {
	h := newHarness(pendingOrder("ORD1", 39.9, "standard"))
	lic := confirm(t, h, "ORD1", "EVT1").License

	out, err := refund(h, "ORD1")

	require.NoError(t, err)
	assert.Equal(t, constants.RefundTypeAutomatic, out.RefundType)
	assert.Equal(t, constants.OrderStatusRefunded, out.Status)
	assert.Equal(t, "RF-ORD1", out.GatewayRefundID)
	assert.Equal(t, lic.Code, out.LicenseCode)

	order := h.orders.get("ORD1")
	assert.Equal(t, constants.OrderStatusRefunded, order.Status)
	assert.False(t, order.RefundPending)
	assert.Equal(t, "changed my mind", order.RefundReason)
	assert.NotNil(t, order.RefundRequestedAt)
	assert.NotNil(t, order.RefundCompletedAt)

	stored, _ := h.licenses.GetLicenseByCode(context.Background(), lic.Code)
	assert.Equal(t, constants.LicenseStatusRefunded, stored.Status)
	entry, _ := h.index.Get(context.Background(), lic.Code)
	assert.Equal(t, constants.LicenseStatusRefunded, entry.Status)

	rrs := h.requests.forOrder("ORD1")
	require.Len(t, rrs, 1)
	assert.Equal(t, constants.RefundRequestStatusCompleted, rrs[0].Status)
	assert.Equal(t, out.RequestID, rrs[0].RequestID)

	verify, err := h.licenseUC.VerifyLicense(context.Background(), lic.Code, "")
	require.NoError(t, err)
	assert.False(t, verify.Valid)
	assert.Equal(t, constants.VerifyReasonRefunded, verify.Reason)
	assert.Contains(t, h.notifier.types(), constants.NotifyRefundCompleted)
}

func TestRequestRefund_ByLicenseCode(t *testing.T) {
	h := newHarness(pendingOrder("ORD1", 39.9, "standard"))
	lic := confirm(t, h, "ORD1", "EVT1").License

	out, err := h.refundUC.RequestRefund(context.Background(), &RefundInput{LicenseCode: lic.Code})

	require.NoError(t, err)
	assert.Equal(t, "ORD1", out.OrderID)
	assert.Equal(t, constants.OrderStatusRefunded, h.orders.get("ORD1").Status)
}

func TestRequestRefund_AlreadyRefundedSkipsGateway(t *testing.T) {
	h := newHarness(pendingOrder("ORD1", 39.9, "standard"))
	confirm(t, h, "ORD1", "EVT1")
	_, err := refund(h, "ORD1")
	require.NoError(t, err)

	_, err = refund(h, "ORD1")

	assert.True(t, errors.Is(err, licenseErrors.ErrAlreadyRefunded))
	refunds, _ := h.gateway.calls()
	assert.Equal(t, 1, refunds)
}

func TestRequestRefund_AlreadyRefundedRepairsLicense(t *testing.T) {
	h := newHarness(pendingOrder("ORD1", 39.9, "standard"))
	lic := confirm(t, h, "ORD1", "EVT1").License
	// 模拟：订单已退款但许可证仍有效
	_, err := h.orders.TransitionStatus(context.Background(), "ORD1",
		[]string{constants.OrderStatusPaid}, constants.OrderStatusRefunded, OrderPatch{})
	require.NoError(t, err)

	_, err = refund(h, "ORD1")

	assert.True(t, errors.Is(err, licenseErrors.ErrAlreadyRefunded))
	stored, _ := h.licenses.GetLicenseByCode(context.Background(), lic.Code)
	assert.Equal(t, constants.LicenseStatusRefunded, stored.Status)
}

func TestRequestRefund_WindowExpired(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.orders.CreateOrder(context.Background(), paidOrder("OLD", h.now.Add(-8*24*time.Hour))))

	_, err := refund(h, "OLD")

	assert.True(t, errors.Is(err, licenseErrors.ErrRefundTimeExpired))
	refunds, _ := h.gateway.calls()
	assert.Zero(t, refunds)
	assert.Equal(t, constants.OrderStatusPaid, h.orders.get("OLD").Status)
	rejected := h.oplogs.find(constants.ActionRequestRefund, constants.ResultRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, licenseErrors.ReasonRefundTimeExpired, rejected[0].ErrorCode)
}

func TestRequestRefund_WindowAppliesToFailedRetry(t *testing.T) {
	failed := paidOrder("OLD", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	failed.Status = constants.OrderStatusRefundFailed
	failed.RefundRetryCount = 1
	h := newHarness(failed)

	_, err := refund(h, "OLD")

	assert.True(t, errors.Is(err, licenseErrors.ErrRefundTimeExpired))
	refunds, _ := h.gateway.calls()
	assert.Zero(t, refunds)
	order := h.orders.get("OLD")
	assert.Equal(t, constants.OrderStatusRefundFailed, order.Status)
	assert.Equal(t, 1, order.RefundRetryCount)
}

func TestRequestRefund_WindowBoundary(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.orders.CreateOrder(context.Background(), paidOrder("EDGE", h.now.Add(-7*24*time.Hour+time.Minute))))

	_, err := refund(h, "EDGE")

	assert.NoError(t, err)
}

func TestRequestRefund_OrderUnknownToGateway(t *testing.T) {
	h := newHarness(pendingOrder("ORD1", 39.9, "standard"))
	lic := confirm(t, h, "ORD1", "EVT1").License
	h.gateway.refunds = []gatewayStep{orderUnknown}

	out, err := refund(h, "ORD1")

	require.NoError(t, err)
	assert.Equal(t, constants.RefundTypeManualProcessing, out.RefundType)
	assert.Equal(t, constants.OrderStatusManualReview, h.orders.get("ORD1").Status)
	record := h.manuals.records["ORD1"]
	require.NotNil(t, record)
	assert.Equal(t, "订单不存在", record.GatewayError)
	assert.Equal(t, lic.Code, record.LicenseCode)
	assert.Equal(t, 39.9, record.Amount)
	assert.Contains(t, h.notifier.types(), constants.NotifyRefundManualReview)

	// 再次申请：同样的结果，不再调用网关
	again, err := refund(h, "ORD1")
	require.NoError(t, err)
	assert.Equal(t, constants.RefundTypeManualProcessing, again.RefundType)
	refunds, _ := h.gateway.calls()
	assert.Equal(t, 1, refunds)
}

func TestRequestRefund_BusinessFailure(t *testing.T) {
	h := newHarness(pendingOrder("ORD1", 39.9, "standard"))
	confirm(t, h, "ORD1", "EVT1")
	h.gateway.refunds = []gatewayStep{businessFailure}

	_, err := refund(h, "ORD1")

	assert.True(t, errors.Is(err, licenseErrors.ErrZpayRefundFailed))
	order := h.orders.get("ORD1")
	assert.Equal(t, constants.OrderStatusRefundFailed, order.Status)
	assert.Equal(t, 1, order.RefundRetryCount)
	assert.False(t, order.RefundPending)
	rrs := h.requests.forOrder("ORD1")
	require.Len(t, rrs, 1)
	assert.Equal(t, 1, rrs[0].RetryCount)
	assert.Equal(t, constants.RefundRequestStatusFailed, rrs[0].Status)
}

func TestRequestRefund_TransportFailureIsUnknownOutcome(t *testing.T) {
	h := newHarness(pendingOrder("ORD1", 39.9, "standard"))
	lic := confirm(t, h, "ORD1", "EVT1").License
	h.gateway.refunds = []gatewayStep{transportError}

	_, err := refund(h, "ORD1")

	assert.True(t, errors.Is(err, licenseErrors.ErrZpayAPIError))
	order := h.orders.get("ORD1")
	assert.Equal(t, constants.OrderStatusRefundFailed, order.Status)
	assert.True(t, order.RefundPending)
	assert.Zero(t, order.RefundRetryCount)
	refunds, _ := h.gateway.calls()
	assert.Equal(t, 1, refunds, "must not retry within the same invocation")
	stored, _ := h.licenses.GetLicenseByCode(context.Background(), lic.Code)
	assert.Equal(t, constants.LicenseStatusActive, stored.Status)

	// 结果未知时用户再次申请不会盲目重试
	_, err = refund(h, "ORD1")
	assert.True(t, errors.Is(err, licenseErrors.ErrRefundInProgress))
	refunds, _ = h.gateway.calls()
	assert.Equal(t, 1, refunds)
}

func TestRequestRefund_RetryCeilingRoutesToManualReview(t *testing.T) {
	h := newHarness(pendingOrder("ORD1", 39.9, "standard"))
	confirm(t, h, "ORD1", "EVT1")
	h.gateway.refunds = []gatewayStep{businessFailure}

	for i := 1; i < h.conf.RetryLimit; i++ {
		_, err := refund(h, "ORD1")
		require.True(t, errors.Is(err, licenseErrors.ErrZpayRefundFailed))
	}
	out, err := refund(h, "ORD1")
	require.NoError(t, err)
	assert.Equal(t, constants.RefundTypeManualProcessing, out.RefundType)

	order := h.orders.get("ORD1")
	assert.Equal(t, constants.OrderStatusManualReview, order.Status)
	assert.Equal(t, h.conf.RetryLimit, order.RefundRetryCount)
	rrs := h.requests.forOrder("ORD1")
	require.Len(t, rrs, 1)
	assert.Equal(t, h.conf.RetryLimit, rrs[0].RetryCount)

	_, err = refund(h, "ORD1")
	require.NoError(t, err)
	refunds, _ := h.gateway.calls()
	assert.Equal(t, h.conf.RetryLimit, refunds)
}

func TestRequestRefund_StatusRejections(t *testing.T) {
	processing := paidOrder("PROC", time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	processing.Status = constants.OrderStatusRefundProcessing
	h := newHarness(pendingOrder("PEND", 10, "standard"), processing)

	_, err := refund(h, "PEND")
	assert.True(t, errors.Is(err, licenseErrors.ErrInvalidOrderStatus))

	_, err = refund(h, "PROC")
	assert.True(t, errors.Is(err, licenseErrors.ErrRefundInProgress))

	_, err = refund(h, "MISSING")
	assert.True(t, errors.Is(err, licenseErrors.ErrOrderNotFound))

	_, err = h.refundUC.RequestRefund(context.Background(), &RefundInput{LicenseCode: "NOSUCHCODE12"})
	assert.True(t, errors.Is(err, licenseErrors.ErrOrderNotFound))

	_, err = h.refundUC.RequestRefund(context.Background(), &RefundInput{})
	assert.True(t, errors.Is(err, licenseErrors.ErrInvalidArgument))

	refunds, _ := h.gateway.calls()
	assert.Zero(t, refunds)
}

func TestRequestRefundBatch_PartialFailure(t *testing.T) {
	h := newHarness(pendingOrder("A", 10, "standard"), pendingOrder("C", 20, "standard"))
	confirm(t, h, "A", "EVT-A")
	confirm(t, h, "C", "EVT-C")

	report, err := h.refundUC.RequestRefundBatch(context.Background(), []*BatchRefundItem{
		{OrderID: "A"},
		{OrderID: "B-MISSING"},
		{OrderID: "C"},
	}, "admin-secret")

	require.NoError(t, err)
	assert.Equal(t, 2, report.SuccessCount)
	assert.Equal(t, 1, report.FailCount)
	require.Len(t, report.Items, 3)
	assert.True(t, report.Items[0].Success)
	assert.False(t, report.Items[1].Success)
	assert.Equal(t, licenseErrors.ReasonOrderNotFound, report.Items[1].Code)
	assert.True(t, report.Items[2].Success)
	assert.Equal(t, []string{"A", "C"}, h.gateway.refundOrders)
}

func TestRequestRefundBatch_RequiresAdminKey(t *testing.T) {
	h := newHarness(pendingOrder("A", 10, "standard"))
	confirm(t, h, "A", "EVT-A")

	for _, key := range []string{"", "wrong"} {
		_, err := h.refundUC.RequestRefundBatch(context.Background(), []*BatchRefundItem{{OrderID: "A"}}, key)
		assert.True(t, errors.Is(err, licenseErrors.ErrInsufficientPermission))
	}
	assert.Equal(t, constants.OrderStatusPaid, h.orders.get("A").Status)
}

func TestRequestRefundBatch_RateLimited(t *testing.T) {
	h := newHarness(pendingOrder("A", 10, "standard"), pendingOrder("B", 10, "standard"))
	confirm(t, h, "A", "EVT-A")
	confirm(t, h, "B", "EVT-B")
	h.conf.BatchDelay = 50 * time.Millisecond
	h.build(nil)

	start := time.Now()
	report, err := h.refundUC.RequestRefundBatch(context.Background(), []*BatchRefundItem{{OrderID: "A"}, {OrderID: "B"}}, "admin-secret")

	require.NoError(t, err)
	assert.Equal(t, 2, report.SuccessCount)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestListManualRefunds(t *testing.T) {
	h := newHarness(pendingOrder("ORD1", 39.9, "standard"))
	confirm(t, h, "ORD1", "EVT1")
	h.gateway.refunds = []gatewayStep{orderUnknown}
	_, err := refund(h, "ORD1")
	require.NoError(t, err)

	_, err = h.refundUC.ListManualRefunds(context.Background(), "nope", "", 10)
	assert.True(t, errors.Is(err, licenseErrors.ErrInsufficientPermission))

	list, err := h.refundUC.ListManualRefunds(context.Background(), "admin-secret", "", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ORD1", list[0].OrderID)
}
