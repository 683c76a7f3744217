package biz

import (
	"context"
	"time"

	"license-service/internal/constants"
	licenseErrors "license-service/internal/errors"
)

// 乐观锁冲突时的最大重试次数
const maxOptimisticRetries = 3

// DeviceActivation 设备激活记录（内嵌在许可证中，按 DeviceID 唯一）
type DeviceActivation struct {
	DeviceID    string    `json:"device_id"`
	DeviceName  string    `json:"device_name,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Status      string    `json:"status"`
	ActivatedAt time.Time `json:"activated_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// DeviceMetadata 激活时客户端上报的设备信息
type DeviceMetadata struct {
	DeviceName  string
	Fingerprint string
	Platform    string
}

// ActivationResult 设备激活结果
type ActivationResult struct {
	Device       DeviceActivation
	AlreadyKnown bool // 设备已激活，本次只刷新 lastSeenAt
	TotalDevices int
	MaxDevices   int
}

// ActivateDevice 激活设备，同一 (code, deviceId) 幂等
// 设备数已满时返回 DEVICE_LIMIT_EXCEEDED，不修改任何数据
func (uc *LicenseUseCase) ActivateDevice(ctx context.Context, code, deviceID string, meta DeviceMetadata, actor string) (*ActivationResult, error) {
	code = NormalizeCode(code)
	if code == "" || deviceID == "" {
		return nil, licenseErrors.ErrInvalidArgument
	}

	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		license, err := uc.licenses.GetLicenseByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		if license == nil {
			uc.countActivation("rejected")
			return nil, licenseErrors.ErrLicenseNotFound
		}
		now := uc.now()
		if license.Status != constants.LicenseStatusActive || license.Expired(now) {
			uc.countActivation("rejected")
			return nil, licenseErrors.ErrLicenseInactive
		}

		devices := append([]DeviceActivation(nil), license.Devices...)
		idx := findDevice(devices, deviceID)
		known := idx >= 0
		if known {
			// 已激活设备只刷新最后使用时间，首次激活时记录的设备信息保持不变
			devices[idx].LastSeenAt = now
		} else {
			if !license.Unlimited() && len(devices) >= license.MaxDevices {
				uc.countActivation("capacity")
				uc.audit.append(ctx, &OperationLog{
					Action:     constants.ActionActivateDevice,
					EntityType: "license",
					EntityID:   license.LicenseID,
					OrderID:    license.OrderID,
					Result:     constants.ResultRejected,
					ErrorCode:  licenseErrors.ReasonDeviceLimitExceeded,
					Message:    "device " + deviceID,
					Actor:      actor,
				})
				return nil, licenseErrors.ErrDeviceLimitExceeded
			}
			devices = append(devices, DeviceActivation{
				DeviceID:    deviceID,
				DeviceName:  meta.DeviceName,
				Fingerprint: meta.Fingerprint,
				Platform:    meta.Platform,
				Status:      constants.DeviceStatusActive,
				ActivatedAt: now,
				LastSeenAt:  now,
			})
			idx = len(devices) - 1
		}

		ok, err := uc.licenses.UpdateDevices(ctx, license.LicenseID, devices, license.Version)
		if err != nil {
			uc.log.Errorf("UpdateDevices failed: license_id=%s, error=%v", license.LicenseID, err)
			return nil, err
		}
		if !ok {
			uc.log.Infof("device update conflict, retrying: license_id=%s, attempt=%d", license.LicenseID, attempt+1)
			continue
		}

		if known {
			uc.countActivation("refresh")
		} else {
			uc.countActivation("new")
			uc.audit.append(ctx, &OperationLog{
				Action:     constants.ActionActivateDevice,
				EntityType: "license",
				EntityID:   license.LicenseID,
				OrderID:    license.OrderID,
				Result:     constants.ResultSuccess,
				Message:    "device " + deviceID,
				Actor:      actor,
				Request:    meta,
			})
		}
		return &ActivationResult{
			Device:       devices[idx],
			AlreadyKnown: known,
			TotalDevices: len(devices),
			MaxDevices:   license.MaxDevices,
		}, nil
	}
	return nil, licenseErrors.ErrConcurrentUpdate
}

// DeactivateDevice 移除设备，设备不存在时不报错
func (uc *LicenseUseCase) DeactivateDevice(ctx context.Context, code, deviceID, actor string) (*ActivationResult, error) {
	code = NormalizeCode(code)
	if code == "" || deviceID == "" {
		return nil, licenseErrors.ErrInvalidArgument
	}

	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		license, err := uc.licenses.GetLicenseByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		if license == nil {
			return nil, licenseErrors.ErrLicenseNotFound
		}

		idx := findDevice(license.Devices, deviceID)
		if idx < 0 {
			return &ActivationResult{
				Device:       DeviceActivation{DeviceID: deviceID, Status: constants.DeviceStatusDeactivated},
				TotalDevices: len(license.Devices),
				MaxDevices:   license.MaxDevices,
			}, nil
		}

		removed := license.Devices[idx]
		removed.Status = constants.DeviceStatusDeactivated
		devices := make([]DeviceActivation, 0, len(license.Devices)-1)
		devices = append(devices, license.Devices[:idx]...)
		devices = append(devices, license.Devices[idx+1:]...)

		ok, err := uc.licenses.UpdateDevices(ctx, license.LicenseID, devices, license.Version)
		if err != nil {
			uc.log.Errorf("UpdateDevices failed: license_id=%s, error=%v", license.LicenseID, err)
			return nil, err
		}
		if !ok {
			continue
		}

		uc.countActivation("deactivated")
		uc.audit.append(ctx, &OperationLog{
			Action:     constants.ActionDeactivateDevice,
			EntityType: "license",
			EntityID:   license.LicenseID,
			OrderID:    license.OrderID,
			Result:     constants.ResultSuccess,
			Message:    "device " + deviceID,
			Actor:      actor,
		})
		return &ActivationResult{
			Device:       removed,
			TotalDevices: len(devices),
			MaxDevices:   license.MaxDevices,
		}, nil
	}
	return nil, licenseErrors.ErrConcurrentUpdate
}

func (uc *LicenseUseCase) countActivation(result string) {
	if uc.metrics != nil {
		uc.metrics.DeviceActivationTotal.WithLabelValues(result).Inc()
	}
}

func findDevice(devices []DeviceActivation, deviceID string) int {
	for i := range devices {
		if devices[i].DeviceID == deviceID {
			return i
		}
	}
	return -1
}
