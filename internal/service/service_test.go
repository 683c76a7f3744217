package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"license-service/internal/biz"
	"license-service/internal/conf"
	"license-service/internal/constants"
	"license-service/internal/data"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testAdminKey     = "admin-secret"
	testMerchantID   = "1001"
	testMerchantKey  = "merchant-secret"
	testStripeSecret = "whsec_test"
)

var testLogger = log.NewStdLogger(os.Stdout)

// stubGateway 可编程的网关替身
type stubGateway struct {
	mu      sync.Mutex
	refund  func(req *biz.GatewayRefundRequest) (*biz.GatewayRefundReply, error)
	query   func(orderID string) (*biz.GatewayOrderStatus, error)
	refunds []string
}

func (g *stubGateway) Refund(_ context.Context, req *biz.GatewayRefundRequest) (*biz.GatewayRefundReply, error) {
	g.mu.Lock()
	g.refunds = append(g.refunds, req.OrderID)
	fn := g.refund
	g.mu.Unlock()
	if fn == nil {
		return &biz.GatewayRefundReply{Success: true, Code: "1", RefundID: "RF-" + req.OrderID}, nil
	}
	return fn(req)
}

func (g *stubGateway) QueryOrder(_ context.Context, orderID string) (*biz.GatewayOrderStatus, error) {
	g.mu.Lock()
	fn := g.query
	g.mu.Unlock()
	if fn == nil {
		return &biz.GatewayOrderStatus{Found: true, Paid: true, RawStatus: "1"}, nil
	}
	return fn(orderID)
}

func (g *stubGateway) refundCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.refunds...)
}

type testEnv struct {
	license *LicenseService
	refund  *RefundService
	admin   *AdminService
	webhook *WebhookService
	orders  biz.OrderRepo
	gateway *stubGateway
	mr      *miniredis.Miniredis
}

// newTestEnv 真实数据层（内存 SQLite + miniredis）+ 网关替身
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bc := &conf.Bootstrap{
		Gateway: &conf.Gateway{BaseUrl: "http://zpay.invalid", MerchantId: testMerchantID, MerchantKey: testMerchantKey},
		Stripe:  &conf.Stripe{WebhookSecret: testStripeSecret},
		License: &conf.License{DefaultMaxDevices: -1, CodeLength: 12, Products: map[string]int32{"personal": 2}},
		Refund:  &conf.Refund{RetryLimit: 3, BatchDelay: conf.NewDuration(0)},
		Admin:   &conf.Admin{Key: testAdminKey},
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, data.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	d, cleanup, err := data.NewData(bc, testLogger, db, rdb, nil)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	ids, err := data.NewIDGenerator(bc)
	require.NoError(t, err)

	orders := data.NewOrderRepo(d, testLogger)
	licenses := data.NewLicenseRepo(d, testLogger)
	oplogs := data.NewOperationLogRepo(d, testLogger)
	index := data.NewVerificationIndex(d, testLogger)
	notifier := data.NewNotifier(bc, d, testLogger)
	locker := data.NewRunLocker(redsync.New(goredis.NewPool(rdb)), testLogger)
	gateway := &stubGateway{}

	lc := biz.NewLicenseConfig(bc)
	licenseUC := biz.NewLicenseUseCase(orders, licenses, oplogs, index, notifier, biz.NewCodeGenerator(lc), lc, testLogger)
	refundUC := biz.NewRefundUseCase(orders, licenses, data.NewRefundRequestRepo(d, testLogger), data.NewManualRefundRepo(d, testLogger),
		oplogs, gateway, index, notifier, ids, lc, testLogger)
	reconcileUC := biz.NewReconcileUseCase(orders, refundUC, locker, oplogs, lc, testLogger)

	v := NewValidator()
	return &testEnv{
		license: NewLicenseService(licenseUC, v, testLogger),
		refund:  NewRefundService(refundUC, v, testLogger),
		admin:   NewAdminService(licenseUC, refundUC, reconcileUC, v, testLogger),
		webhook: NewWebhookService(licenseUC, bc, testLogger),
		orders:  orders,
		gateway: gateway,
		mr:      mr,
	}
}

// placeOrder 写入待支付订单（下单流程由上游完成）
func (e *testEnv) placeOrder(t *testing.T, orderID, product string, amount float64) {
	t.Helper()
	require.NoError(t, e.orders.CreateOrder(context.Background(), &biz.Order{
		OrderID:       orderID,
		ProductCode:   product,
		Amount:        amount,
		CustomerEmail: "buyer@example.com",
		Status:        constants.OrderStatusPending,
	}))
}

// paidLicense 下单并通过 ZPay 通知完成支付，返回激活码
func (e *testEnv) paidLicense(t *testing.T, orderID, product string, amount float64) string {
	t.Helper()
	e.placeOrder(t, orderID, product, amount)
	reply, err := e.webhook.HandlePayment(context.Background(), nil, zpayNotify(orderID, "T"+orderID, amount), nil)
	require.NoError(t, err)
	require.False(t, reply.Ignored)
	require.NotEmpty(t, reply.LicenseCode)
	return reply.LicenseCode
}

func (e *testEnv) order(t *testing.T, orderID string) *biz.Order {
	t.Helper()
	o, err := e.orders.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}
