package data

import (
	"context"
	"errors"
	"time"

	"license-service/internal/biz"
	"license-service/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// licenseRepo 许可证相关数据访问
type licenseRepo struct {
	data *Data
	log  *log.Helper
}

// NewLicenseRepo 创建许可证 repo（返回 biz.LicenseRepo 接口）
func NewLicenseRepo(data *Data, logger log.Logger) biz.LicenseRepo {
	return &licenseRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// CreateLicense 创建许可证，order_id 或 code 冲突时返回 biz.ErrDuplicateKey
func (r *licenseRepo) CreateLicense(ctx context.Context, license *biz.License) error {
	m := toLicenseModel(license)
	if err := r.data.db.WithContext(ctx).Create(m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return biz.ErrDuplicateKey
		}
		r.log.Errorf("CreateLicense failed: order_id=%s, error=%v", license.OrderID, err)
		return err
	}
	license.Version = m.Version
	return nil
}

// GetLicenseByID 通过许可证ID查询
func (r *licenseRepo) GetLicenseByID(ctx context.Context, licenseID string) (*biz.License, error) {
	return r.first(ctx, "license_id = ?", licenseID)
}

// GetLicenseByCode 通过激活码查询
func (r *licenseRepo) GetLicenseByCode(ctx context.Context, code string) (*biz.License, error) {
	return r.first(ctx, "code = ?", code)
}

// GetLicenseByOrderID 通过订单号查询
func (r *licenseRepo) GetLicenseByOrderID(ctx context.Context, orderID string) (*biz.License, error) {
	return r.first(ctx, "order_id = ?", orderID)
}

func (r *licenseRepo) first(ctx context.Context, query string, args ...interface{}) (*biz.License, error) {
	var m model.License
	if err := r.data.db.WithContext(ctx).Where(query, args...).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toLicenseBiz(&m), nil
}

// CodeExists 激活码是否已被占用
func (r *licenseRepo) CodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	if err := r.data.db.WithContext(ctx).Model(&model.License{}).Where("code = ?", code).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateDevices 乐观锁更新设备列表
func (r *licenseRepo) UpdateDevices(ctx context.Context, licenseID string, devices []biz.DeviceActivation, version int) (bool, error) {
	result := r.data.db.WithContext(ctx).Model(&model.License{}).
		Where("license_id = ? AND version = ?", licenseID, version).
		Updates(map[string]interface{}{
			"devices": toDeviceModels(devices),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		r.log.Errorf("UpdateDevices failed: license_id=%s, version=%d, error=%v", licenseID, version, result.Error)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateLicenseStatus 条件更新许可证状态
func (r *licenseRepo) UpdateLicenseStatus(ctx context.Context, licenseID string, from []string, to string) (bool, error) {
	result := r.data.db.WithContext(ctx).Model(&model.License{}).
		Where("license_id = ? AND status IN ?", licenseID, from).
		Update("status", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// TouchLastUsed 更新最后使用时间（不影响设备列表版本号）
func (r *licenseRepo) TouchLastUsed(ctx context.Context, licenseID string, at time.Time) error {
	return r.data.db.WithContext(ctx).Model(&model.License{}).
		Where("license_id = ?", licenseID).
		UpdateColumn("last_used_at", at).Error
}

// DeleteLicense 删除许可证
func (r *licenseRepo) DeleteLicense(ctx context.Context, licenseID string) error {
	return r.data.db.WithContext(ctx).Where("license_id = ?", licenseID).Delete(&model.License{}).Error
}

func toLicenseModel(l *biz.License) *model.License {
	return &model.License{
		LicenseID:     l.LicenseID,
		Code:          l.Code,
		OrderID:       l.OrderID,
		ProductCode:   l.ProductCode,
		CustomerEmail: l.CustomerEmail,
		PaymentMethod: l.PaymentMethod,
		Status:        l.Status,
		MaxDevices:    l.MaxDevices,
		Devices:       toDeviceModels(l.Devices),
		Version:       l.Version,
		IssuedAt:      l.IssuedAt,
		LastUsedAt:    l.LastUsedAt,
		ExpiresAt:     l.ExpiresAt,
	}
}

func toLicenseBiz(m *model.License) *biz.License {
	devices := make([]biz.DeviceActivation, 0, len(m.Devices))
	for _, d := range m.Devices {
		devices = append(devices, biz.DeviceActivation{
			DeviceID:    d.DeviceID,
			DeviceName:  d.DeviceName,
			Fingerprint: d.Fingerprint,
			Platform:    d.Platform,
			Status:      d.Status,
			ActivatedAt: d.ActivatedAt,
			LastSeenAt:  d.LastSeenAt,
		})
	}
	return &biz.License{
		LicenseID:     m.LicenseID,
		Code:          m.Code,
		OrderID:       m.OrderID,
		ProductCode:   m.ProductCode,
		CustomerEmail: m.CustomerEmail,
		PaymentMethod: m.PaymentMethod,
		Status:        m.Status,
		MaxDevices:    m.MaxDevices,
		Devices:       devices,
		IssuedAt:      m.IssuedAt,
		LastUsedAt:    m.LastUsedAt,
		ExpiresAt:     m.ExpiresAt,
		Version:       m.Version,
	}
}

func toDeviceModels(devices []biz.DeviceActivation) datatypes.JSONSlice[model.Device] {
	out := make(datatypes.JSONSlice[model.Device], 0, len(devices))
	for _, d := range devices {
		out = append(out, model.Device{
			DeviceID:    d.DeviceID,
			DeviceName:  d.DeviceName,
			Fingerprint: d.Fingerprint,
			Platform:    d.Platform,
			Status:      d.Status,
			ActivatedAt: d.ActivatedAt,
			LastSeenAt:  d.LastSeenAt,
		})
	}
	return out
}
