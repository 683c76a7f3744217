package biz

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// OperationLog 操作审计日志（只追加）
type OperationLog struct {
	LogID      string
	Action     string
	EntityType string // order / license / refund_request / reconcile
	EntityID   string
	OrderID    string
	Result     string
	ErrorCode  string
	Message    string
	Actor      string
	Request    interface{} // 因果输入（如网关请求参数）
	Response   interface{} // 因果输出（如网关原始响应）
	CreatedAt  time.Time
}

// OperationLogRepo 操作日志数据层接口
type OperationLogRepo interface {
	AppendOperationLog(ctx context.Context, entry *OperationLog) error
	ListOperationLogs(ctx context.Context, orderID string, limit int) ([]*OperationLog, error)
}

// auditLogger 审计日志写入，失败只打日志，不影响主流程
type auditLogger struct {
	repo OperationLogRepo
	log  *log.Helper
	now  func() time.Time
}

func newAuditLogger(repo OperationLogRepo, logger *log.Helper) *auditLogger {
	return &auditLogger{repo: repo, log: logger, now: time.Now}
}

func (a *auditLogger) append(ctx context.Context, entry *OperationLog) {
	if a == nil || a.repo == nil {
		return
	}
	if entry.LogID == "" {
		entry.LogID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.now()
	}
	// 请求 ctx 可能已经超时（如网关调用超时），审计写入使用独立的短超时
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.repo.AppendOperationLog(writeCtx, entry); err != nil {
		a.log.Warnf("append operation log failed: action=%s, entity=%s/%s, result=%s, error=%v",
			entry.Action, entry.EntityType, entry.EntityID, entry.Result, err)
	}
}
