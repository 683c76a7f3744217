package service

import (
	"context"
	"strings"

	"license-service/internal/constants"
	licenseErrors "license-service/internal/errors"

	pkgUtils "github.com/gaoyong06/go-pkg/utils"
	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-playground/validator/v10"
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(
	NewValidator,
	NewLicenseService,
	NewRefundService,
	NewAdminService,
	NewWebhookService,
)

// NewValidator 请求参数校验器
func NewValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// validate 校验请求，失败时返回 INVALID_ARGUMENT，message 为第一个不合法字段
func validate(v *validator.Validate, req interface{}) error {
	if err := v.Struct(req); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return kerrors.BadRequest(licenseErrors.ReasonInvalidArgument, "invalid field "+fe.Namespace()+": "+fe.Tag()).WithCause(err)
		}
		return licenseErrors.ErrInvalidArgument.WithCause(err)
	}
	return nil
}

// actorFrom 操作者标识：角色 + 客户端 IP，写入审计日志
func actorFrom(ctx context.Context, role string) string {
	if ip := pkgUtils.GetClientIP(ctx); ip != "" {
		return role + "@" + ip
	}
	return role
}

// adminKeyFrom 管理员密钥：请求体优先，其次 X-Admin-Key 请求头
func adminKeyFrom(ctx context.Context, bodyKey string) string {
	if bodyKey != "" {
		return bodyKey
	}
	if tr, ok := transport.FromServerContext(ctx); ok {
		return strings.TrimSpace(tr.RequestHeader().Get(constants.AdminKeyHeader))
	}
	return ""
}
