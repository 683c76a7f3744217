package data

import (
	"context"
	"errors"
	"time"

	"license-service/internal/biz"
	"license-service/internal/constants"
	"license-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redsync/redsync/v4"
)

// runLocker 基于 redsync 的对账任务互斥锁
type runLocker struct {
	sync    *redsync.Redsync
	log     *log.Helper
	metrics *metrics.LicenseMetrics
}

// NewRunLocker 创建对账任务锁（返回 biz.RunLocker 接口）
func NewRunLocker(sync *redsync.Redsync, logger log.Logger) biz.RunLocker {
	return &runLocker{
		sync:    sync,
		log:     log.NewHelper(logger),
		metrics: metrics.GetMetrics(),
	}
}

// TryLock 尝试获取锁，只尝试一次
// 锁被其他实例持有时 acquired=false 且 err=nil；Redis 不可用时返回 err
func (l *runLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	mutex := l.sync.NewMutex(key, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			l.countLock(constants.LockResultBusy)
			return nil, false, nil
		}
		l.countLock(constants.LockResultError)
		return nil, false, err
	}
	l.countLock(constants.LockResultAcquired)

	unlock := func() {
		// 任务 ctx 可能已超时，释放锁使用独立的短超时
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			l.log.Warnf("Failed to unlock %s: %v", key, err)
		}
	}
	return unlock, true, nil
}

func (l *runLocker) countLock(result string) {
	if l.metrics != nil {
		l.metrics.LockAcquireTotal.WithLabelValues(result).Inc()
	}
}
