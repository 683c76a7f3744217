package service

import (
	"context"
	"testing"

	"license-service/internal/constants"
	licenseErrors "license-service/internal/errors"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLicenseService_VerifyAndDevices(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	code := env.paidLicense(t, "ORD1", "personal", 19.9)

	verify, err := env.license.VerifyLicense(ctx, &VerifyLicenseRequest{Code: code})
	require.NoError(t, err)
	assert.True(t, verify.Valid)
	assert.Equal(t, constants.VerifyReasonOK, verify.Reason)
	require.NotNil(t, verify.License)
	assert.Equal(t, 2, verify.License.MaxDevices)

	// 未激活的设备
	verify, err = env.license.VerifyLicense(ctx, &VerifyLicenseRequest{Code: code, DeviceID: "dev-a"})
	require.NoError(t, err)
	assert.False(t, verify.Valid)
	assert.Equal(t, constants.VerifyReasonDeviceNotActivated, verify.Reason)

	activated, err := env.license.ActivateDevice(ctx, &ActivateDeviceRequest{Code: code, DeviceID: "dev-a", Platform: "macos"})
	require.NoError(t, err)
	assert.False(t, activated.AlreadyActivated)
	assert.Equal(t, 1, activated.TotalDevices)

	again, err := env.license.ActivateDevice(ctx, &ActivateDeviceRequest{Code: code, DeviceID: "dev-a"})
	require.NoError(t, err)
	assert.True(t, again.AlreadyActivated)
	assert.Equal(t, 1, again.TotalDevices)

	_, err = env.license.ActivateDevice(ctx, &ActivateDeviceRequest{Code: code, DeviceID: "dev-b"})
	require.NoError(t, err)
	_, err = env.license.ActivateDevice(ctx, &ActivateDeviceRequest{Code: code, DeviceID: "dev-c"})
	assert.ErrorIs(t, err, licenseErrors.ErrDeviceLimitExceeded)

	verify, err = env.license.VerifyLicense(ctx, &VerifyLicenseRequest{Code: code, DeviceID: "dev-a"})
	require.NoError(t, err)
	assert.True(t, verify.Valid)
	assert.Equal(t, 2, verify.License.ActiveDevices)

	// 注销后释放名额
	_, err = env.license.DeactivateDevice(ctx, &DeactivateDeviceRequest{Code: code, DeviceID: "dev-a"})
	require.NoError(t, err)
	_, err = env.license.ActivateDevice(ctx, &ActivateDeviceRequest{Code: code, DeviceID: "dev-c"})
	require.NoError(t, err)
}

func TestLicenseService_VerifyUnknownCode(t *testing.T) {
	env := newTestEnv(t)

	verify, err := env.license.VerifyLicense(context.Background(), &VerifyLicenseRequest{Code: "NOSUCHCODE01"})
	require.NoError(t, err)
	assert.False(t, verify.Valid)
	assert.Equal(t, constants.VerifyReasonNotFound, verify.Reason)
}

func TestLicenseService_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.license.VerifyLicense(ctx, &VerifyLicenseRequest{})
	require.Error(t, err)
	assert.Equal(t, licenseErrors.ReasonInvalidArgument, kerrors.FromError(err).Reason)

	_, err = env.license.ActivateDevice(ctx, &ActivateDeviceRequest{Code: "ABC"})
	require.Error(t, err)
	se := kerrors.FromError(err)
	assert.Equal(t, licenseErrors.ReasonInvalidArgument, se.Reason)
	assert.Contains(t, se.Message, "DeviceID")
}
