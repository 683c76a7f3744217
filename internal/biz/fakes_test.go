package biz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// 内存实现，模拟数据库的条件更新语义

type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func newFakeOrderRepo(orders ...*Order) *fakeOrderRepo {
	r := &fakeOrderRepo{orders: make(map[string]*Order)}
	for _, o := range orders {
		cp := *o
		r.orders[o.OrderID] = &cp
	}
	return r
}

func (r *fakeOrderRepo) CreateOrder(_ context.Context, order *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.OrderID]; ok {
		return ErrDuplicateKey
	}
	cp := *order
	r.orders[order.OrderID] = &cp
	return nil
}

func (r *fakeOrderRepo) GetOrder(_ context.Context, orderID string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (r *fakeOrderRepo) GetOrderByConfirmationID(_ context.Context, confirmationID string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.ConfirmationID == confirmationID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeOrderRepo) TransitionStatus(_ context.Context, orderID string, from []string, to string, patch OrderPatch) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || !contains(from, o.Status) {
		return false, nil
	}
	o.Status = to
	applyPatch(o, patch)
	return true, nil
}

func (r *fakeOrderRepo) ClaimStaleProcessing(_ context.Context, orderID string, staleBefore, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.Status != "REFUND_PROCESSING" || !o.RefundPending {
		return false, nil
	}
	if o.ProcessingStartedAt != nil && o.ProcessingStartedAt.After(staleBefore) {
		return false, nil
	}
	o.ProcessingStartedAt = &now
	return true, nil
}

func (r *fakeOrderRepo) LinkLicense(_ context.Context, orderID, licenseID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.LicenseID != "" {
		return false, nil
	}
	o.LicenseID = licenseID
	return true, nil
}

func (r *fakeOrderRepo) ListRefundPending(_ context.Context, limit int) ([]*Order, error) {
	return r.list(limit, func(o *Order) bool {
		return o.RefundPending && (o.Status == "REFUND_PENDING" || o.Status == "REFUND_FAILED" || o.Status == "REFUND_PROCESSING")
	}), nil
}

func (r *fakeOrderRepo) ListRefundFailed(_ context.Context, limit int) ([]*Order, error) {
	return r.list(limit, func(o *Order) bool {
		return o.Status == "REFUND_FAILED" && !o.RefundPending
	}), nil
}

func (r *fakeOrderRepo) list(limit int, match func(*Order) bool) []*Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Order
	for _, o := range r.orders {
		if match(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *fakeOrderRepo) get(orderID string) *Order {
	o, _ := r.GetOrder(context.Background(), orderID)
	return o
}

func applyPatch(o *Order, p OrderPatch) {
	if p.GatewayTradeNo != nil {
		o.GatewayTradeNo = *p.GatewayTradeNo
	}
	if p.ConfirmationID != nil {
		o.ConfirmationID = *p.ConfirmationID
	}
	if p.PaymentMethod != nil {
		o.PaymentMethod = *p.PaymentMethod
	}
	if p.PaidAt != nil {
		o.PaidAt = p.PaidAt
	}
	if p.RefundReason != nil {
		o.RefundReason = *p.RefundReason
	}
	if p.GatewayRefundID != nil {
		o.GatewayRefundID = *p.GatewayRefundID
	}
	if p.RefundPending != nil {
		o.RefundPending = *p.RefundPending
	}
	if p.RetryTime != nil {
		o.RetryTime = p.RetryTime
	}
	if p.RefundRequestedAt != nil {
		o.RefundRequestedAt = p.RefundRequestedAt
	}
	if p.RefundCompletedAt != nil {
		o.RefundCompletedAt = p.RefundCompletedAt
	}
	if p.ProcessingStartedAt != nil {
		o.ProcessingStartedAt = p.ProcessingStartedAt
	}
	if p.IncrRetryCount {
		o.RefundRetryCount++
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type fakeLicenseRepo struct {
	mu       sync.Mutex
	licenses map[string]*License
	// createHook 在写入前调用，用于模拟并发或故障
	createHook func(*License) error
}

func newFakeLicenseRepo() *fakeLicenseRepo {
	return &fakeLicenseRepo{licenses: make(map[string]*License)}
}

func cloneLicense(l *License) *License {
	cp := *l
	cp.Devices = append([]DeviceActivation(nil), l.Devices...)
	return &cp
}

func (r *fakeLicenseRepo) CreateLicense(_ context.Context, license *License) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createHook != nil {
		if err := r.createHook(license); err != nil {
			return err
		}
	}
	for _, l := range r.licenses {
		if l.OrderID == license.OrderID || l.Code == license.Code {
			return ErrDuplicateKey
		}
	}
	r.licenses[license.LicenseID] = cloneLicense(license)
	return nil
}

func (r *fakeLicenseRepo) find(match func(*License) bool) *License {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.licenses {
		if match(l) {
			return cloneLicense(l)
		}
	}
	return nil
}

func (r *fakeLicenseRepo) GetLicenseByID(_ context.Context, licenseID string) (*License, error) {
	return r.find(func(l *License) bool { return l.LicenseID == licenseID }), nil
}

func (r *fakeLicenseRepo) GetLicenseByCode(_ context.Context, code string) (*License, error) {
	return r.find(func(l *License) bool { return l.Code == code }), nil
}

func (r *fakeLicenseRepo) GetLicenseByOrderID(_ context.Context, orderID string) (*License, error) {
	return r.find(func(l *License) bool { return l.OrderID == orderID }), nil
}

func (r *fakeLicenseRepo) CodeExists(_ context.Context, code string) (bool, error) {
	return r.find(func(l *License) bool { return l.Code == code }) != nil, nil
}

func (r *fakeLicenseRepo) UpdateDevices(_ context.Context, licenseID string, devices []DeviceActivation, version int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.licenses[licenseID]
	if !ok || l.Version != version {
		return false, nil
	}
	l.Devices = append([]DeviceActivation(nil), devices...)
	l.Version++
	return true, nil
}

func (r *fakeLicenseRepo) UpdateLicenseStatus(_ context.Context, licenseID string, from []string, to string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.licenses[licenseID]
	if !ok || !contains(from, l.Status) {
		return false, nil
	}
	l.Status = to
	return true, nil
}

func (r *fakeLicenseRepo) TouchLastUsed(_ context.Context, licenseID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.licenses[licenseID]; ok {
		l.LastUsedAt = &at
	}
	return nil
}

func (r *fakeLicenseRepo) DeleteLicense(_ context.Context, licenseID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.licenses, licenseID)
	return nil
}

func (r *fakeLicenseRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.licenses)
}

type fakeRefundRequestRepo struct {
	mu       sync.Mutex
	requests map[string]*RefundRequest
}

func newFakeRefundRequestRepo() *fakeRefundRequestRepo {
	return &fakeRefundRequestRepo{requests: make(map[string]*RefundRequest)}
}

func (r *fakeRefundRequestRepo) CreateRefundRequest(_ context.Context, req *RefundRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *req
	r.requests[req.RequestID] = &cp
	return nil
}

func (r *fakeRefundRequestRepo) GetOpenRefundRequest(_ context.Context, orderNo string) (*RefundRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rr := range r.requests {
		if rr.OrderNo == orderNo && rr.Status != "completed" {
			cp := *rr
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRefundRequestRepo) UpdateRefundRequest(_ context.Context, requestID string, upd RefundRequestUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rr, ok := r.requests[requestID]
	if !ok {
		return fmt.Errorf("refund request %s not found", requestID)
	}
	if upd.Status != "" {
		rr.Status = upd.Status
	}
	if upd.GatewaySnapshot != "" {
		rr.GatewaySnapshot = upd.GatewaySnapshot
	}
	if upd.LastError != "" {
		rr.LastError = upd.LastError
	}
	if upd.IncrRetry {
		rr.RetryCount++
	}
	return nil
}

func (r *fakeRefundRequestRepo) forOrder(orderNo string) []*RefundRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*RefundRequest
	for _, rr := range r.requests {
		if rr.OrderNo == orderNo {
			cp := *rr
			out = append(out, &cp)
		}
	}
	return out
}

type fakeManualRefundRepo struct {
	mu      sync.Mutex
	records map[string]*ManualRefund
}

func newFakeManualRefundRepo() *fakeManualRefundRepo {
	return &fakeManualRefundRepo{records: make(map[string]*ManualRefund)}
}

func (r *fakeManualRefundRepo) CreateManualRefund(_ context.Context, record *ManualRefund) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[record.OrderID]; ok {
		return nil
	}
	cp := *record
	r.records[record.OrderID] = &cp
	return nil
}

func (r *fakeManualRefundRepo) ListManualRefunds(_ context.Context, status string, limit int) ([]*ManualRefund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ManualRefund
	for _, m := range r.records {
		if m.Status == status && len(out) < limit {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeOperationLogRepo struct {
	mu      sync.Mutex
	entries []*OperationLog
	fail    bool
}

func (r *fakeOperationLogRepo) AppendOperationLog(_ context.Context, entry *OperationLog) error {
	if r.fail {
		return errors.New("log store down")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	r.entries = append(r.entries, &cp)
	return nil
}

func (r *fakeOperationLogRepo) ListOperationLogs(_ context.Context, orderID string, limit int) ([]*OperationLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*OperationLog
	for _, e := range r.entries {
		if e.OrderID == orderID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeOperationLogRepo) find(action, result string) []*OperationLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*OperationLog
	for _, e := range r.entries {
		if e.Action == action && (result == "" || e.Result == result) {
			out = append(out, e)
		}
	}
	return out
}

type fakeIndex struct {
	mu      sync.Mutex
	entries map[string]*VerificationEntry
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: make(map[string]*VerificationEntry)}
}

func (f *fakeIndex) Put(_ context.Context, entry *VerificationEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *entry
	f.entries[entry.Code] = &cp
	return nil
}

func (f *fakeIndex) SetStatus(_ context.Context, code, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[code]; ok {
		e.Status = status
		return nil
	}
	f.entries[code] = &VerificationEntry{Code: code, Status: status}
	return nil
}

func (f *fakeIndex) Get(_ context.Context, code string) (*VerificationEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[code]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *fakeIndex) Delete(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, code)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*NotifyEvent
}

func (n *fakeNotifier) Notify(_ context.Context, event *NotifyEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

// fakeGateway 按顺序返回预设结果，用完后重复最后一个
type fakeGateway struct {
	mu           sync.Mutex
	refunds      []gatewayStep
	queries      []queryStep
	refundCalls  int
	queryCalls   int
	refundOrders []string
}

type gatewayStep struct {
	reply *GatewayRefundReply
	err   error
}

type queryStep struct {
	status *GatewayOrderStatus
	err    error
}

func (g *fakeGateway) Refund(_ context.Context, req *GatewayRefundRequest) (*GatewayRefundReply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	g.refundOrders = append(g.refundOrders, req.OrderID)
	if len(g.refunds) == 0 {
		return &GatewayRefundReply{Success: true, RefundID: "RF-" + req.OrderID, Raw: `{"code":1}`}, nil
	}
	step := g.refunds[0]
	if len(g.refunds) > 1 {
		g.refunds = g.refunds[1:]
	}
	return step.reply, step.err
}

func (g *fakeGateway) QueryOrder(_ context.Context, orderID string) (*GatewayOrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	if len(g.queries) == 0 {
		return &GatewayOrderStatus{Found: true, Paid: true}, nil
	}
	step := g.queries[0]
	if len(g.queries) > 1 {
		g.queries = g.queries[1:]
	}
	return step.status, step.err
}

func (g *fakeGateway) calls() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refundCalls, g.queryCalls
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("RR%04d", s.n)
}

type fixedCodes struct {
	mu    sync.Mutex
	codes []string
	n     int
}

func (f *fixedCodes) Generate() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n < len(f.codes) {
		c := f.codes[f.n]
		f.n++
		return c, nil
	}
	f.n++
	return fmt.Sprintf("CODE%08d", f.n), nil
}

type fakeLocker struct {
	held bool
	err  error
}

func (f *fakeLocker) TryLock(_ context.Context, _ string, _ time.Duration) (func(), bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if f.held {
		return nil, false, nil
	}
	f.held = true
	return func() { f.held = false }, true, nil
}

// harness 组装所有用例和内存依赖
type harness struct {
	now       time.Time
	conf      *LicenseConfig
	orders    *fakeOrderRepo
	licenses  *fakeLicenseRepo
	requests  *fakeRefundRequestRepo
	manuals   *fakeManualRefundRepo
	oplogs    *fakeOperationLogRepo
	index     *fakeIndex
	notifier  *fakeNotifier
	gateway   *fakeGateway
	licenseUC *LicenseUseCase
	refundUC  *RefundUseCase
	reconUC   *ReconcileUseCase
}

func newHarness(orders ...*Order) *harness {
	h := &harness{
		now:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		conf:     NewLicenseConfig(nil),
		orders:   newFakeOrderRepo(orders...),
		licenses: newFakeLicenseRepo(),
		requests: newFakeRefundRequestRepo(),
		manuals:  newFakeManualRefundRepo(),
		oplogs:   &fakeOperationLogRepo{},
		index:    newFakeIndex(),
		notifier: &fakeNotifier{},
		gateway:  &fakeGateway{},
	}
	h.conf.BatchDelay = 0
	h.conf.AdminKey = "admin-secret"
	h.conf.ProductDevices["personal"] = 2
	h.build(nil)
	return h
}

func (h *harness) build(locker RunLocker) {
	logger := log.DefaultLogger
	clock := func() time.Time { return h.now }
	h.licenseUC = NewLicenseUseCase(h.orders, h.licenses, h.oplogs, h.index, h.notifier, &fixedCodes{}, h.conf, logger)
	h.licenseUC.now = clock
	h.refundUC = NewRefundUseCase(h.orders, h.licenses, h.requests, h.manuals, h.oplogs, h.gateway, h.index, h.notifier, &seqIDs{}, h.conf, logger)
	h.refundUC.now = clock
	h.reconUC = NewReconcileUseCase(h.orders, h.refundUC, locker, h.oplogs, h.conf, logger)
	h.reconUC.now = clock
}

func pendingOrder(id string, amount float64, product string) *Order {
	return &Order{
		OrderID:       id,
		ProductCode:   product,
		Amount:        amount,
		Currency:      "CNY",
		CustomerEmail: "buyer@example.com",
		PaymentMethod: "zpay",
		Status:        "PENDING",
		CreatedAt:     time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
	}
}

func paidOrder(id string, paidAt time.Time) *Order {
	o := pendingOrder(id, 39.9, "standard")
	o.Status = "PAID"
	o.PaidAt = &paidAt
	return o
}
