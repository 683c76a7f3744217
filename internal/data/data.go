package data

import (
	"fmt"
	"strings"
	"time"

	"license-service/internal/biz"
	"license-service/internal/conf"
	"license-service/internal/data/model"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/google/wire"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewDB,
	NewRedis,
	NewRedsync,
	NewProducer,
	NewData,
	NewIDGenerator,
	NewOrderRepo,
	NewLicenseRepo,
	NewRefundRequestRepo,
	NewManualRefundRepo,
	NewOperationLogRepo,
	NewVerificationIndex,
	NewNotifier,
	NewRunLocker,
	NewZpayClient,
)

// Data 数据层结构体
type Data struct {
	db  *gorm.DB
	rdb *redis.Client
	mq  rocketmq.Producer // 未启用 RocketMQ 时为 nil
}

// NewDB 创建数据库连接
// driver 为 sqlite 时用于本地开发，生产环境使用 mysql
func NewDB(c *conf.Bootstrap) (*gorm.DB, error) {
	if c.Data == nil || c.Data.Database == nil {
		return nil, fmt.Errorf("database config is nil")
	}
	var dialector gorm.Dialector
	switch strings.ToLower(c.Data.Database.Driver) {
	case "", "mysql":
		dialector = mysql.Open(c.Data.Database.Source)
	case "sqlite":
		dialector = sqlite.Open(c.Data.Database.Source)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", c.Data.Database.Driver)
	}
	// TranslateError 把唯一索引冲突统一转换为 gorm.ErrDuplicatedKey
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	if c.Data.Database.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return db, nil
}

// Migrate 创建/更新表结构
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Order{},
		&model.License{},
		&model.RefundRequest{},
		&model.ManualRefund{},
		&model.OperationLog{},
	)
}

// NewRedis 创建 Redis 连接
func NewRedis(c *conf.Bootstrap) (*redis.Client, error) {
	if c.Data == nil || c.Data.Redis == nil {
		return nil, fmt.Errorf("redis config is nil")
	}

	var readTimeout, writeTimeout time.Duration
	if c.Data.Redis.ReadTimeout != nil {
		readTimeout = c.Data.Redis.ReadTimeout.AsDuration()
	}
	if c.Data.Redis.WriteTimeout != nil {
		writeTimeout = c.Data.Redis.WriteTimeout.AsDuration()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         c.Data.Redis.Addr,
		Password:     c.Data.Redis.Password,
		DB:           c.Data.Redis.Db,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// 测试连接
	if err := rdb.Ping(rdb.Context()).Err(); err != nil {
		return nil, err
	}

	return rdb, nil
}

// NewRedsync 基于同一个 Redis 连接创建分布式锁
func NewRedsync(rdb *redis.Client) *redsync.Redsync {
	return redsync.New(goredis.NewPool(rdb))
}

// NewProducer 创建 RocketMQ 生产者，未启用时返回 nil
func NewProducer(c *conf.Bootstrap, logger log.Logger) (rocketmq.Producer, error) {
	if c.Data == nil || c.Data.Rocketmq == nil || !c.Data.Rocketmq.Enabled {
		log.NewHelper(logger).Info("rocketmq producer disabled, notifications will only be logged")
		return nil, nil
	}
	mq := c.Data.Rocketmq
	p, err := rocketmq.NewProducer(
		producer.WithNsResolver(primitive.NewPassthroughResolver(mq.NameServers)),
		producer.WithGroupName(mq.ProducerGroup),
		producer.WithRetry(int(mq.RetryTimes)),
	)
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewData 创建数据层实例
func NewData(c *conf.Bootstrap, logger log.Logger, db *gorm.DB, rdb *redis.Client, mq rocketmq.Producer) (*Data, func(), error) {
	cleanup := func() {
		log.NewHelper(logger).Info("closing the data resources")
		if mq != nil {
			if err := mq.Shutdown(); err != nil {
				log.NewHelper(logger).Errorf("failed to shutdown rocketmq producer: %v", err)
			}
		}
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
		if err := rdb.Close(); err != nil {
			log.NewHelper(logger).Errorf("failed to close redis: %v", err)
		}
	}

	return &Data{
		db:  db,
		rdb: rdb,
		mq:  mq,
	}, cleanup, nil
}

// snowflakeIDs 退款申请号生成（按节点号区分实例）
type snowflakeIDs struct {
	node *snowflake.Node
}

// NewIDGenerator 创建雪花 ID 生成器
func NewIDGenerator(c *conf.Bootstrap) (biz.IDGenerator, error) {
	var nodeID int64
	if c.Data != nil && c.Data.Snowflake != nil {
		nodeID = c.Data.Snowflake.Node
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &snowflakeIDs{node: node}, nil
}

// NextID 实现 biz.IDGenerator
func (g *snowflakeIDs) NextID() string {
	return g.node.Generate().String()
}
