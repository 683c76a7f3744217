package data

import (
	"context"
	"encoding/json"

	"license-service/internal/biz"
	"license-service/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/datatypes"
)

// operationLogRepo 操作日志数据访问（只追加）
type operationLogRepo struct {
	data *Data
	log  *log.Helper
}

// NewOperationLogRepo 创建操作日志 repo（返回 biz.OperationLogRepo 接口）
func NewOperationLogRepo(data *Data, logger log.Logger) biz.OperationLogRepo {
	return &operationLogRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// AppendOperationLog 追加一条操作日志
func (r *operationLogRepo) AppendOperationLog(ctx context.Context, entry *biz.OperationLog) error {
	m := model.OperationLog{
		LogID:      entry.LogID,
		Action:     entry.Action,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		OrderID:    entry.OrderID,
		Result:     entry.Result,
		ErrorCode:  entry.ErrorCode,
		Message:    truncate(entry.Message, 1024),
		Actor:      entry.Actor,
		Request:    toJSON(entry.Request),
		Response:   toJSON(entry.Response),
		CreatedAt:  entry.CreatedAt,
	}
	return r.data.db.WithContext(ctx).Create(&m).Error
}

// ListOperationLogs 查询订单的操作日志（按时间正序）
func (r *operationLogRepo) ListOperationLogs(ctx context.Context, orderID string, limit int) ([]*biz.OperationLog, error) {
	var ms []model.OperationLog
	err := r.data.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Limit(limit).
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	out := make([]*biz.OperationLog, 0, len(ms))
	for _, m := range ms {
		out = append(out, &biz.OperationLog{
			LogID:      m.LogID,
			Action:     m.Action,
			EntityType: m.EntityType,
			EntityID:   m.EntityID,
			OrderID:    m.OrderID,
			Result:     m.Result,
			ErrorCode:  m.ErrorCode,
			Message:    m.Message,
			Actor:      m.Actor,
			Request:    fromJSON(m.Request),
			Response:   fromJSON(m.Response),
			CreatedAt:  m.CreatedAt,
		})
	}
	return out, nil
}

// toJSON 请求/响应快照，字符串若本身是 JSON 则原样保存
func toJSON(v interface{}) datatypes.JSON {
	switch value := v.(type) {
	case nil:
		return nil
	case string:
		if value == "" {
			return nil
		}
		if json.Valid([]byte(value)) {
			return datatypes.JSON(value)
		}
	case []byte:
		if json.Valid(value) {
			return datatypes.JSON(value)
		}
		v = string(value)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func fromJSON(b datatypes.JSON) interface{} {
	if len(b) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return string(b)
	}
	return v
}
