package data

import (
	"context"
	"strconv"

	"license-service/internal/biz"
	"license-service/internal/constants"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
)

// setStatusScript 只在条目存在时更新状态，避免为已删除的激活码重新建出残缺条目
const setStatusScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    redis.call('HSET', KEYS[1], 'status', ARGV[1])
    return 1
end
return 0
`

// verificationIndex 激活码校验索引（Redis Hash，数据库为准）
type verificationIndex struct {
	data      *Data
	log       *log.Helper
	setStatus *redis.Script
}

// NewVerificationIndex 创建校验索引（返回 biz.VerificationIndex 接口）
func NewVerificationIndex(data *Data, logger log.Logger) biz.VerificationIndex {
	return &verificationIndex{
		data:      data,
		log:       log.NewHelper(logger),
		setStatus: redis.NewScript(setStatusScript),
	}
}

func verifyKey(code string) string {
	return constants.RedisKeyVerifyIndex + code
}

// Put 写入（覆盖）索引条目
func (r *verificationIndex) Put(ctx context.Context, entry *biz.VerificationEntry) error {
	return r.data.rdb.HSet(ctx, verifyKey(entry.Code), map[string]interface{}{
		"code":           entry.Code,
		"license_id":     entry.LicenseID,
		"order_id":       entry.OrderID,
		"status":         entry.Status,
		"product_code":   entry.ProductCode,
		"payment_method": entry.PaymentMethod,
		"max_devices":    entry.MaxDevices,
	}).Err()
}

// SetStatus 更新索引中的状态，条目不存在时忽略
func (r *verificationIndex) SetStatus(ctx context.Context, code, status string) error {
	return r.setStatus.Run(ctx, r.data.rdb, []string{verifyKey(code)}, status).Err()
}

// Get 读取索引条目，未命中返回 (nil, nil)
func (r *verificationIndex) Get(ctx context.Context, code string) (*biz.VerificationEntry, error) {
	values, err := r.data.rdb.HGetAll(ctx, verifyKey(code)).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	maxDevices, err := strconv.Atoi(values["max_devices"])
	if err != nil {
		r.log.Warnf("verification index: bad max_devices for code=%s: %q", code, values["max_devices"])
	}
	return &biz.VerificationEntry{
		Code:          values["code"],
		LicenseID:     values["license_id"],
		OrderID:       values["order_id"],
		Status:        values["status"],
		ProductCode:   values["product_code"],
		PaymentMethod: values["payment_method"],
		MaxDevices:    maxDevices,
	}, nil
}

// Delete 删除索引条目
func (r *verificationIndex) Delete(ctx context.Context, code string) error {
	return r.data.rdb.Del(ctx, verifyKey(code)).Err()
}
