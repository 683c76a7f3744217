package biz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"license-service/internal/constants"
	licenseErrors "license-service/internal/errors"
	"license-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// ErrDuplicateKey 唯一索引冲突（数据层将驱动错误转换为该错误）
var ErrDuplicateKey = errors.New("duplicate key")

// 激活码碰撞时的最大重试次数
const maxCodeAttempts = 5

// License 许可证（激活码）领域对象
type License struct {
	LicenseID     string
	Code          string
	OrderID       string // 签发幂等键，唯一
	ProductCode   string
	CustomerEmail string
	PaymentMethod string
	Status        string
	MaxDevices    int // -1 表示不限
	Devices       []DeviceActivation
	IssuedAt      time.Time
	LastUsedAt    *time.Time
	ExpiresAt     *time.Time // nil 表示永久
	Version       int
}

// Unlimited 是否不限设备数
func (l *License) Unlimited() bool {
	return l.MaxDevices < 0
}

// Expired 是否已过期
func (l *License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// LicenseRepo 许可证数据层接口（定义在 biz 层）
type LicenseRepo interface {
	// CreateLicense 唯一索引冲突（order_id 或 code）时返回 ErrDuplicateKey
	CreateLicense(ctx context.Context, license *License) error
	GetLicenseByID(ctx context.Context, licenseID string) (*License, error)
	GetLicenseByCode(ctx context.Context, code string) (*License, error)
	GetLicenseByOrderID(ctx context.Context, orderID string) (*License, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	// UpdateDevices 乐观锁更新设备列表，版本不匹配返回 false
	UpdateDevices(ctx context.Context, licenseID string, devices []DeviceActivation, version int) (bool, error)
	UpdateLicenseStatus(ctx context.Context, licenseID string, from []string, to string) (bool, error)
	TouchLastUsed(ctx context.Context, licenseID string, at time.Time) error
	DeleteLicense(ctx context.Context, licenseID string) error
}

// ConfirmResult 支付确认结果
type ConfirmResult struct {
	License   *License
	Duplicate bool // 重复投递，返回的是已签发的许可证
}

// VerifyResult 校验结果
type VerifyResult struct {
	Valid   bool
	Reason  string
	License *License
}

// LicenseUseCase 订单与许可证业务逻辑
type LicenseUseCase struct {
	orders   OrderRepo
	licenses LicenseRepo
	index    VerificationIndex
	notifier Notifier
	codes    CodeGenerator
	audit    *auditLogger
	conf     *LicenseConfig
	log      *log.Helper
	metrics  *metrics.LicenseMetrics
	now      func() time.Time
}

// NewLicenseUseCase 创建许可证 UseCase
func NewLicenseUseCase(
	orders OrderRepo,
	licenses LicenseRepo,
	oplogs OperationLogRepo,
	index VerificationIndex,
	notifier Notifier,
	codes CodeGenerator,
	conf *LicenseConfig,
	logger log.Logger,
) *LicenseUseCase {
	helper := log.NewHelper(logger)
	return &LicenseUseCase{
		orders:   orders,
		licenses: licenses,
		index:    index,
		notifier: notifier,
		codes:    codes,
		audit:    newAuditLogger(oplogs, helper),
		conf:     conf,
		log:      helper,
		metrics:  metrics.GetMetrics(),
		now:      time.Now,
	}
}

// ConfirmPayment 确认支付并签发许可证（幂等）
//
// 同一 confirmationId / orderId 重复投递时返回已签发的许可证，不会重复签发，也不会重复计入收入。
// 订单先于许可证写入：PAID 之后、许可证落库之前崩溃，重投时按 orderId 幂等补签。
func (uc *LicenseUseCase) ConfirmPayment(ctx context.Context, pc *PaymentConfirmation, actor string) (*ConfirmResult, error) {
	startTime := uc.now()
	defer func() {
		if uc.metrics != nil {
			uc.metrics.ConfirmPaymentDuration.Observe(time.Since(startTime).Seconds())
		}
	}()

	if pc == nil || pc.OrderID == "" || pc.ConfirmationID == "" {
		return nil, licenseErrors.ErrInvalidArgument
	}

	order, err := uc.orders.GetOrder(ctx, pc.OrderID)
	if err != nil {
		uc.log.Errorf("GetOrder failed: order_id=%s, error=%v", pc.OrderID, err)
		uc.countConfirm("failed")
		return nil, err
	}
	if order == nil {
		uc.rejectConfirm(ctx, pc, actor, licenseErrors.ReasonOrderNotFound, "order not found")
		return nil, licenseErrors.ErrOrderNotFound
	}

	// 同一 confirmationId 不允许确认另一笔订单
	if other, err := uc.orders.GetOrderByConfirmationID(ctx, pc.ConfirmationID); err != nil {
		uc.countConfirm("failed")
		return nil, err
	} else if other != nil && other.OrderID != order.OrderID {
		uc.rejectConfirm(ctx, pc, actor, licenseErrors.ReasonInvalidArgument, "confirmation id belongs to order "+other.OrderID)
		return nil, licenseErrors.ErrInvalidArgument.WithCause(fmt.Errorf("confirmation %s already used", pc.ConfirmationID))
	}

	if existing, err := uc.linkedLicense(ctx, order); err != nil {
		uc.countConfirm("failed")
		return nil, err
	} else if existing != nil {
		return uc.duplicateConfirm(ctx, pc, order, existing, actor), nil
	}

	transitioned := false
	switch order.Status {
	case constants.OrderStatusPending:
		if pc.Amount > 0 && !amountEqual(pc.Amount, order.Amount) {
			uc.rejectConfirm(ctx, pc, actor, licenseErrors.ReasonInvalidArgument,
				fmt.Sprintf("amount mismatch: paid=%.2f, expected=%.2f", pc.Amount, order.Amount))
			return nil, licenseErrors.ErrInvalidArgument.WithCause(fmt.Errorf("amount mismatch"))
		}
		paidAt := pc.PaidAt
		if paidAt.IsZero() {
			paidAt = uc.now()
		}
		patch := OrderPatch{
			ConfirmationID: strPtr(pc.ConfirmationID),
			PaidAt:         timePtr(paidAt),
		}
		if pc.GatewayTradeNo != "" {
			patch.GatewayTradeNo = strPtr(pc.GatewayTradeNo)
		}
		if pc.PaymentMethod != "" {
			patch.PaymentMethod = strPtr(pc.PaymentMethod)
		}
		ok, err := uc.orders.TransitionStatus(ctx, order.OrderID,
			[]string{constants.OrderStatusPending}, constants.OrderStatusPaid, patch)
		if err != nil {
			uc.log.Errorf("mark order paid failed: order_id=%s, error=%v", order.OrderID, err)
			uc.countConfirm("failed")
			return nil, err
		}
		if ok {
			transitioned = true
		}
		// 无论是否抢到，都以数据库中的最新状态为准
		if order, err = uc.orders.GetOrder(ctx, order.OrderID); err != nil {
			uc.countConfirm("failed")
			return nil, err
		}
		if order == nil {
			return nil, licenseErrors.ErrOrderNotFound
		}
		if !ok {
			// 并发确认已经胜出
			if existing, err := uc.linkedLicense(ctx, order); err != nil {
				uc.countConfirm("failed")
				return nil, err
			} else if existing != nil {
				return uc.duplicateConfirm(ctx, pc, order, existing, actor), nil
			}
			if order.Status != constants.OrderStatusPaid {
				uc.rejectConfirm(ctx, pc, actor, licenseErrors.ReasonInvalidOrderStatus, "order status "+order.Status)
				return nil, licenseErrors.ErrInvalidOrderStatus
			}
		}
	case constants.OrderStatusPaid:
		// 已支付但许可证未签发：上次处理在两次写入之间中断，继续补签
		uc.log.Warnf("order paid without license, resuming issuance: order_id=%s", order.OrderID)
	default:
		uc.rejectConfirm(ctx, pc, actor, licenseErrors.ReasonInvalidOrderStatus, "order status "+order.Status)
		return nil, licenseErrors.ErrInvalidOrderStatus
	}

	license, created, err := uc.issueLicense(ctx, order)
	if err != nil {
		uc.countConfirm("failed")
		uc.audit.append(ctx, &OperationLog{
			Action:     constants.ActionIssueLicense,
			EntityType: "order",
			EntityID:   order.OrderID,
			OrderID:    order.OrderID,
			Result:     constants.ResultFailure,
			ErrorCode:  licenseErrors.ReasonLicenseIssueFailed,
			Message:    err.Error(),
			Actor:      actor,
		})
		return nil, err
	}

	linked, err := uc.orders.LinkLicense(ctx, order.OrderID, license.LicenseID)
	if err != nil {
		uc.log.Errorf("LinkLicense failed: order_id=%s, license_id=%s, error=%v", order.OrderID, license.LicenseID, err)
		uc.countConfirm("failed")
		return nil, err
	}
	if !linked {
		// 先写者胜：以订单上已关联的许可证为准
		if fresh, err := uc.orders.GetOrder(ctx, order.OrderID); err == nil && fresh != nil && fresh.LicenseID != "" && fresh.LicenseID != license.LicenseID {
			uc.log.Warnf("order already linked to another license: order_id=%s, linked=%s, issued=%s",
				order.OrderID, fresh.LicenseID, license.LicenseID)
			if winner, err := uc.licenses.GetLicenseByID(ctx, fresh.LicenseID); err == nil && winner != nil {
				return uc.duplicateConfirm(ctx, pc, fresh, winner, actor), nil
			}
		}
	}
	order.LicenseID = license.LicenseID

	// 以下为反范式副作用，失败不影响结果
	uc.putIndex(ctx, license)
	if created {
		uc.notify(ctx, &NotifyEvent{
			Type:          constants.NotifyLicenseIssued,
			OrderID:       order.OrderID,
			LicenseCode:   license.Code,
			CustomerEmail: order.CustomerEmail,
			ProductCode:   order.ProductCode,
			Amount:        order.Amount,
			OccurredAt:    uc.now(),
		})
	}

	if uc.metrics != nil {
		uc.metrics.ConfirmPaymentTotal.WithLabelValues("success").Inc()
		if created {
			uc.metrics.LicenseIssuedTotal.WithLabelValues(license.ProductCode).Inc()
		}
		if transitioned {
			uc.metrics.PaidAmount.WithLabelValues(order.PaymentMethod).Add(order.Amount)
		}
	}
	uc.audit.append(ctx, &OperationLog{
		Action:     constants.ActionConfirmPayment,
		EntityType: "order",
		EntityID:   order.OrderID,
		OrderID:    order.OrderID,
		Result:     constants.ResultSuccess,
		Message:    fmt.Sprintf("license %s issued", license.LicenseID),
		Actor:      actor,
		Request:    pc,
	})
	uc.log.Infof("payment confirmed: order_id=%s, confirmation_id=%s, license_id=%s, created=%v",
		order.OrderID, pc.ConfirmationID, license.LicenseID, created)

	return &ConfirmResult{License: license, Duplicate: !transitioned && !created}, nil
}

// IssueLicense 为已支付订单签发许可证（按 orderId 幂等，所有签发入口都走这里）
func (uc *LicenseUseCase) IssueLicense(ctx context.Context, orderID string) (*License, error) {
	order, err := uc.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, licenseErrors.ErrOrderNotFound
	}
	if order.Status != constants.OrderStatusPaid {
		return nil, licenseErrors.ErrInvalidOrderStatus
	}
	license, _, err := uc.issueLicense(ctx, order)
	if err != nil {
		return nil, err
	}
	if _, err := uc.orders.LinkLicense(ctx, order.OrderID, license.LicenseID); err != nil {
		return nil, err
	}
	uc.putIndex(ctx, license)
	return license, nil
}

// issueLicense 按 orderId 幂等签发，created 表示本次新建
func (uc *LicenseUseCase) issueLicense(ctx context.Context, order *Order) (*License, bool, error) {
	existing, err := uc.licenses.GetLicenseByOrderID(ctx, order.OrderID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := uc.codes.Generate()
		if err != nil {
			return nil, false, licenseErrors.ErrLicenseIssueFailed.WithCause(err)
		}
		exists, err := uc.licenses.CodeExists(ctx, code)
		if err != nil {
			return nil, false, err
		}
		if exists {
			uc.log.Warnf("license code collision, regenerating: attempt=%d", attempt+1)
			continue
		}

		license := &License{
			LicenseID:     uuid.New().String(),
			Code:          code,
			OrderID:       order.OrderID,
			ProductCode:   order.ProductCode,
			CustomerEmail: order.CustomerEmail,
			PaymentMethod: order.PaymentMethod,
			Status:        constants.LicenseStatusActive,
			MaxDevices:    uc.conf.MaxDevicesFor(order.ProductCode),
			Devices:       []DeviceActivation{},
			IssuedAt:      uc.now(),
			Version:       1,
		}
		err = uc.licenses.CreateLicense(ctx, license)
		if err == nil {
			return license, true, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return nil, false, err
		}
		// 唯一索引冲突：要么并发签发已成功（order_id），要么激活码撞了（code）
		existing, err := uc.licenses.GetLicenseByOrderID(ctx, order.OrderID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	return nil, false, licenseErrors.ErrLicenseIssueFailed
}

// linkedLicense 订单已关联（或已签发未关联）的许可证，没有返回 nil
func (uc *LicenseUseCase) linkedLicense(ctx context.Context, order *Order) (*License, error) {
	if order.LicenseID != "" {
		license, err := uc.licenses.GetLicenseByID(ctx, order.LicenseID)
		if err != nil || license != nil {
			return license, err
		}
	}
	if order.Status == constants.OrderStatusPending {
		return nil, nil
	}
	license, err := uc.licenses.GetLicenseByOrderID(ctx, order.OrderID)
	if err != nil || license == nil {
		return nil, err
	}
	// 修复未完成的关联
	if order.LicenseID == "" {
		if _, err := uc.orders.LinkLicense(ctx, order.OrderID, license.LicenseID); err != nil {
			uc.log.Warnf("repair license link failed: order_id=%s, error=%v", order.OrderID, err)
		}
	}
	return license, nil
}

func (uc *LicenseUseCase) duplicateConfirm(ctx context.Context, pc *PaymentConfirmation, order *Order, license *License, actor string) *ConfirmResult {
	uc.countConfirm("duplicate")
	uc.audit.append(ctx, &OperationLog{
		Action:     constants.ActionConfirmPayment,
		EntityType: "order",
		EntityID:   order.OrderID,
		OrderID:    order.OrderID,
		Result:     constants.ResultDuplicate,
		Message:    fmt.Sprintf("duplicate confirmation, license %s", license.LicenseID),
		Actor:      actor,
		Request:    pc,
	})
	uc.log.Infof("duplicate payment confirmation: order_id=%s, confirmation_id=%s, license_id=%s",
		order.OrderID, pc.ConfirmationID, license.LicenseID)
	return &ConfirmResult{License: license, Duplicate: true}
}

func (uc *LicenseUseCase) rejectConfirm(ctx context.Context, pc *PaymentConfirmation, actor, reason, message string) {
	uc.countConfirm("failed")
	uc.audit.append(ctx, &OperationLog{
		Action:     constants.ActionConfirmPayment,
		EntityType: "order",
		EntityID:   pc.OrderID,
		OrderID:    pc.OrderID,
		Result:     constants.ResultRejected,
		ErrorCode:  reason,
		Message:    message,
		Actor:      actor,
		Request:    pc,
	})
	uc.log.Warnf("payment confirmation rejected: order_id=%s, reason=%s, message=%s", pc.OrderID, reason, message)
}

func (uc *LicenseUseCase) countConfirm(result string) {
	if uc.metrics != nil {
		uc.metrics.ConfirmPaymentTotal.WithLabelValues(result).Inc()
	}
}

// VerifyLicense 校验激活码，任何异常都判为无效
// 成功时只更新 lastUsedAt，不修改状态
func (uc *LicenseUseCase) VerifyLicense(ctx context.Context, code, deviceID string) (*VerifyResult, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, licenseErrors.ErrInvalidArgument
	}

	// 索引已标记为退款/吊销的直接拒绝；其余以数据库为准
	if uc.index != nil {
		if entry, err := uc.index.Get(ctx, code); err != nil {
			uc.log.Warnf("verification index lookup failed: error=%v", err)
		} else if entry != nil &&
			(entry.Status == constants.LicenseStatusRefunded || entry.Status == constants.LicenseStatusRevoked) {
			return uc.verifyResult(&VerifyResult{Valid: false, Reason: statusReason(entry.Status)}), nil
		}
	}

	license, err := uc.licenses.GetLicenseByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if license == nil {
		return uc.verifyResult(&VerifyResult{Valid: false, Reason: constants.VerifyReasonNotFound}), nil
	}
	if reason := statusReason(license.Status); reason != constants.VerifyReasonOK {
		return uc.verifyResult(&VerifyResult{Valid: false, Reason: reason, License: license}), nil
	}
	now := uc.now()
	if license.Expired(now) {
		return uc.verifyResult(&VerifyResult{Valid: false, Reason: constants.VerifyReasonExpired, License: license}), nil
	}
	if deviceID != "" && findDevice(license.Devices, deviceID) < 0 {
		return uc.verifyResult(&VerifyResult{Valid: false, Reason: constants.VerifyReasonDeviceNotActivated, License: license}), nil
	}

	if err := uc.licenses.TouchLastUsed(ctx, license.LicenseID, now); err != nil {
		uc.log.Warnf("TouchLastUsed failed: license_id=%s, error=%v", license.LicenseID, err)
	} else {
		license.LastUsedAt = timePtr(now)
	}
	return uc.verifyResult(&VerifyResult{Valid: true, Reason: constants.VerifyReasonOK, License: license}), nil
}

func (uc *LicenseUseCase) verifyResult(r *VerifyResult) *VerifyResult {
	if uc.metrics != nil {
		uc.metrics.VerifyTotal.WithLabelValues(r.Reason).Inc()
	}
	return r
}

func statusReason(status string) string {
	switch status {
	case constants.LicenseStatusActive:
		return constants.VerifyReasonOK
	case constants.LicenseStatusRefunded:
		return constants.VerifyReasonRefunded
	case constants.LicenseStatusRevoked:
		return constants.VerifyReasonRevoked
	case constants.LicenseStatusSuspended:
		return constants.VerifyReasonSuspended
	}
	return constants.VerifyReasonRevoked
}

// PurgeLicense 管理员清除已退款/已吊销的许可证，同时移除校验索引
func (uc *LicenseUseCase) PurgeLicense(ctx context.Context, code, adminKey, actor string) error {
	if err := uc.conf.CheckAdminKey(adminKey); err != nil {
		return err
	}
	code = NormalizeCode(code)
	if code == "" {
		return licenseErrors.ErrInvalidArgument
	}
	license, err := uc.licenses.GetLicenseByCode(ctx, code)
	if err != nil {
		return err
	}
	if license == nil {
		return licenseErrors.ErrLicenseNotFound
	}
	if license.Status != constants.LicenseStatusRefunded && license.Status != constants.LicenseStatusRevoked {
		uc.audit.append(ctx, &OperationLog{
			Action:     constants.ActionPurgeLicense,
			EntityType: "license",
			EntityID:   license.LicenseID,
			OrderID:    license.OrderID,
			Result:     constants.ResultRejected,
			ErrorCode:  licenseErrors.ReasonLicenseNotPurgeable,
			Message:    "license status " + license.Status,
			Actor:      actor,
		})
		return licenseErrors.ErrLicenseNotPurgeable
	}

	// 先删索引：即使删行失败，该激活码也无法再通过快速校验
	if uc.index != nil {
		if err := uc.index.Delete(ctx, license.Code); err != nil {
			uc.log.Warnf("delete verification index failed: license_id=%s, error=%v", license.LicenseID, err)
		}
	}
	if err := uc.licenses.DeleteLicense(ctx, license.LicenseID); err != nil {
		uc.log.Errorf("DeleteLicense failed: license_id=%s, error=%v", license.LicenseID, err)
		return err
	}
	uc.audit.append(ctx, &OperationLog{
		Action:     constants.ActionPurgeLicense,
		EntityType: "license",
		EntityID:   license.LicenseID,
		OrderID:    license.OrderID,
		Result:     constants.ResultSuccess,
		Message:    "license purged, status " + license.Status,
		Actor:      actor,
	})
	uc.log.Infof("license purged: license_id=%s, order_id=%s", license.LicenseID, license.OrderID)
	return nil
}

// putIndex 写校验索引（最佳努力）
func (uc *LicenseUseCase) putIndex(ctx context.Context, license *License) {
	if uc.index == nil {
		return
	}
	indexCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	err := uc.index.Put(indexCtx, &VerificationEntry{
		Code:          license.Code,
		LicenseID:     license.LicenseID,
		OrderID:       license.OrderID,
		Status:        license.Status,
		ProductCode:   license.ProductCode,
		PaymentMethod: license.PaymentMethod,
		MaxDevices:    license.MaxDevices,
	})
	if err != nil {
		uc.log.Warnf("put verification index failed: license_id=%s, error=%v", license.LicenseID, err)
	}
}

func (uc *LicenseUseCase) notify(ctx context.Context, event *NotifyEvent) {
	if uc.notifier == nil {
		return
	}
	if err := uc.notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		uc.log.Warnf("notify failed: type=%s, order_id=%s, error=%v", event.Type, event.OrderID, err)
	}
}

// amountEqual 金额按分比较
func amountEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}
