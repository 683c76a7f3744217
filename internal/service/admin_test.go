package service

import (
	"context"
	"errors"
	"testing"

	"license-service/internal/biz"
	"license-service/internal/constants"
	licenseErrors "license-service/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminService_RequiresAdminKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.admin.BatchRefund(ctx, &BatchRefundRequest{Items: []*RefundLicenseRequest{{OrderNo: "ORD1"}}})
	assert.ErrorIs(t, err, licenseErrors.ErrInsufficientPermission)

	_, err = env.admin.Reconcile(ctx, &AdminRequest{AdminKey: "wrong"})
	assert.ErrorIs(t, err, licenseErrors.ErrInsufficientPermission)

	_, err = env.admin.ListManualRefunds(ctx, &ListManualRefundsRequest{})
	assert.ErrorIs(t, err, licenseErrors.ErrInsufficientPermission)

	_, err = env.admin.PurgeLicense(ctx, &PurgeLicenseRequest{Code: "ABCDEFGHJKLM"})
	assert.ErrorIs(t, err, licenseErrors.ErrInsufficientPermission)
}

func TestAdminService_BatchRefundIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.paidLicense(t, "ORD1", "standard", 39.9)
	env.paidLicense(t, "ORD2", "standard", 39.9)

	reply, err := env.admin.BatchRefund(ctx, &BatchRefundRequest{
		AdminKey: testAdminKey,
		Items: []*RefundLicenseRequest{
			{AccessCode: code},
			{OrderNo: "MISSING"},
			{OrderNo: "ORD2", Reason: "duplicate purchase"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, reply.Total)
	assert.Equal(t, 2, reply.SuccessCount)
	assert.Equal(t, 1, reply.FailCount)

	require.Len(t, reply.Items, 3)
	assert.True(t, reply.Items[0].Success)
	assert.Equal(t, "ORD1", reply.Items[0].OrderNo)
	require.NotNil(t, reply.Items[0].Refund)
	assert.Equal(t, constants.RefundTypeAutomatic, reply.Items[0].Refund.RefundType)

	assert.False(t, reply.Items[1].Success)
	assert.Equal(t, licenseErrors.ReasonOrderNotFound, reply.Items[1].Code)
	assert.Nil(t, reply.Items[1].Refund)

	assert.True(t, reply.Items[2].Success)
	assert.Equal(t, constants.OrderStatusRefunded, env.order(t, "ORD2").Status)
}

func TestAdminService_PurgeRefundedLicense(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.paidLicense(t, "ORD1", "standard", 39.9)

	_, err := env.admin.PurgeLicense(ctx, &PurgeLicenseRequest{AdminKey: testAdminKey, Code: code})
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotPurgeable)

	_, err = env.refund.Refund(ctx, &RefundLicenseRequest{AccessCode: code})
	require.NoError(t, err)

	reply, err := env.admin.PurgeLicense(ctx, &PurgeLicenseRequest{AdminKey: testAdminKey, Code: code})
	require.NoError(t, err)
	assert.True(t, reply.Success)

	verify, err := env.license.VerifyLicense(ctx, &VerifyLicenseRequest{Code: code})
	require.NoError(t, err)
	assert.False(t, verify.Valid)
	assert.Equal(t, constants.VerifyReasonNotFound, verify.Reason)
}

func TestAdminService_ListManualRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.paidLicense(t, "ORD1", "standard", 39.9)
	env.gateway.refund = func(req *biz.GatewayRefundRequest) (*biz.GatewayRefundReply, error) {
		return &biz.GatewayRefundReply{Code: "-1", Message: "order not found", OrderNotFound: true, Raw: `{"code":-1}`}, nil
	}
	_, err := env.refund.Refund(ctx, &RefundLicenseRequest{OrderNo: "ORD1", Reason: "paid twice"})
	require.NoError(t, err)

	reply, err := env.admin.ListManualRefunds(ctx, &ListManualRefundsRequest{AdminKey: testAdminKey})
	require.NoError(t, err)
	require.Len(t, reply.Items, 1)
	item := reply.Items[0]
	assert.Equal(t, "ORD1", item.OrderNo)
	assert.Equal(t, code, item.AccessCode)
	assert.Equal(t, constants.ManualRefundStatusPending, item.Status)
	assert.Equal(t, "order not found", item.GatewayError)
	assert.Equal(t, "paid twice", item.Reason)

	resolved, err := env.admin.ListManualRefunds(ctx, &ListManualRefundsRequest{AdminKey: testAdminKey, Status: constants.ManualRefundStatusResolved})
	require.NoError(t, err)
	assert.Empty(t, resolved.Items)
}

func TestAdminService_ReconcileConfirmsUnknownRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.paidLicense(t, "ORD1", "standard", 39.9)

	env.gateway.refund = func(req *biz.GatewayRefundRequest) (*biz.GatewayRefundReply, error) {
		return nil, errors.New("read: connection reset by peer")
	}
	_, err := env.refund.Refund(ctx, &RefundLicenseRequest{OrderNo: "ORD1"})
	require.ErrorIs(t, err, licenseErrors.ErrZpayAPIError)

	// 网关实际上已经退款
	env.gateway.query = func(orderID string) (*biz.GatewayOrderStatus, error) {
		return &biz.GatewayOrderStatus{Found: true, Paid: true, Refunded: true, RawStatus: "2"}, nil
	}
	report, err := env.admin.Reconcile(ctx, &AdminRequest{AdminKey: testAdminKey})
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Succeeded)

	order := env.order(t, "ORD1")
	assert.Equal(t, constants.OrderStatusRefunded, order.Status)
	assert.False(t, order.RefundPending)
	// 对账只查询不重发
	assert.Len(t, env.gateway.refundCalls(), 1)

	verify, err := env.license.VerifyLicense(ctx, &VerifyLicenseRequest{Code: code})
	require.NoError(t, err)
	assert.Equal(t, constants.VerifyReasonRefunded, verify.Reason)
}
