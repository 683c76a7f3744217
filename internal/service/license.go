package service

import (
	"context"

	"license-service/internal/biz"
	"license-service/internal/constants"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-playground/validator/v10"
)

// LicenseService 面向客户端的激活码校验与设备管理
type LicenseService struct {
	uc       *biz.LicenseUseCase
	validate *validator.Validate
	log      *log.Helper
}

// NewLicenseService 创建 LicenseService
func NewLicenseService(uc *biz.LicenseUseCase, v *validator.Validate, logger log.Logger) *LicenseService {
	return &LicenseService{
		uc:       uc,
		validate: v,
		log:      log.NewHelper(logger),
	}
}

// VerifyLicense 校验激活码（可选校验设备是否已激活）
func (s *LicenseService) VerifyLicense(ctx context.Context, req *VerifyLicenseRequest) (*VerifyLicenseReply, error) {
	if err := validate(s.validate, req); err != nil {
		return nil, err
	}
	result, err := s.uc.VerifyLicense(ctx, req.Code, req.DeviceID)
	if err != nil {
		s.log.Errorf("VerifyLicense failed: %v", err)
		return nil, err
	}
	reply := &VerifyLicenseReply{
		Success: true,
		Valid:   result.Valid,
		Reason:  result.Reason,
	}
	if l := result.License; l != nil {
		reply.License = &LicenseInfo{
			ProductCode:   l.ProductCode,
			Status:        l.Status,
			MaxDevices:    l.MaxDevices,
			ActiveDevices: len(l.Devices),
			ExpiresAt:     l.ExpiresAt,
		}
	}
	return reply, nil
}

// ActivateDevice 激活设备
func (s *LicenseService) ActivateDevice(ctx context.Context, req *ActivateDeviceRequest) (*DeviceReply, error) {
	if err := validate(s.validate, req); err != nil {
		return nil, err
	}
	result, err := s.uc.ActivateDevice(ctx, req.Code, req.DeviceID, biz.DeviceMetadata{
		DeviceName:  req.DeviceName,
		Fingerprint: req.Fingerprint,
		Platform:    req.Platform,
	}, actorFrom(ctx, constants.ActorUser))
	if err != nil {
		return nil, err
	}
	return toDeviceReply(result), nil
}

// DeactivateDevice 注销设备，释放名额
func (s *LicenseService) DeactivateDevice(ctx context.Context, req *DeactivateDeviceRequest) (*DeviceReply, error) {
	if err := validate(s.validate, req); err != nil {
		return nil, err
	}
	result, err := s.uc.DeactivateDevice(ctx, req.Code, req.DeviceID, actorFrom(ctx, constants.ActorUser))
	if err != nil {
		return nil, err
	}
	return toDeviceReply(result), nil
}

func toDeviceReply(r *biz.ActivationResult) *DeviceReply {
	return &DeviceReply{
		Success:          true,
		DeviceID:         r.Device.DeviceID,
		Status:           r.Device.Status,
		AlreadyActivated: r.AlreadyKnown,
		ActivatedAt:      r.Device.ActivatedAt,
		TotalDevices:     r.TotalDevices,
		MaxDevices:       r.MaxDevices,
	}
}
