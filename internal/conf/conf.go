package conf

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Bootstrap 服务启动配置（对应 configs/config.yaml）
type Bootstrap struct {
	Server    *Server    `json:"server"`
	Data      *Data      `json:"data"`
	Gateway   *Gateway   `json:"gateway"`
	Stripe    *Stripe    `json:"stripe"`
	License   *License   `json:"license"`
	Refund    *Refund    `json:"refund"`
	Reconcile *Reconcile `json:"reconcile"`
	Admin     *Admin     `json:"admin"`
}

// Server HTTP 服务配置
type Server struct {
	Http *Server_HTTP `json:"http"`
}

// Server_HTTP HTTP 监听配置
type Server_HTTP struct {
	Network string    `json:"network"`
	Addr    string    `json:"addr"`
	Timeout *Duration `json:"timeout"`
}

// Data 数据层配置
type Data struct {
	Database  *Data_Database  `json:"database"`
	Redis     *Data_Redis     `json:"redis"`
	Rocketmq  *Data_Rocketmq  `json:"rocketmq"`
	Snowflake *Data_Snowflake `json:"snowflake"`
}

// Data_Database 数据库配置
type Data_Database struct {
	Driver      string `json:"driver"`
	Source      string `json:"source"`
	AutoMigrate bool   `json:"auto_migrate"`
}

// Data_Redis Redis 配置
type Data_Redis struct {
	Addr         string    `json:"addr"`
	Password     string    `json:"password"`
	Db           int       `json:"db"`
	ReadTimeout  *Duration `json:"read_timeout"`
	WriteTimeout *Duration `json:"write_timeout"`
}

// Data_Rocketmq RocketMQ 配置
type Data_Rocketmq struct {
	Enabled       bool     `json:"enabled"`
	NameServers   []string `json:"name_servers"`
	GroupName     string   `json:"group_name"`
	ProducerGroup string   `json:"producer_group"`
	RetryTimes    int32    `json:"retry_times"`
	// PaymentTopic 其他支付通道投递的支付成功事件
	PaymentTopic string `json:"payment_topic"`
	// NotifyTopic 通知事件（邮件等由下游服务发送）
	NotifyTopic string `json:"notify_topic"`
}

// Data_Snowflake 雪花 ID 节点配置
type Data_Snowflake struct {
	Node int64 `json:"node"`
}

// Gateway ZPay 网关配置
type Gateway struct {
	BaseUrl     string    `json:"base_url"`
	MerchantId  string    `json:"merchant_id"`
	MerchantKey string    `json:"merchant_key"`
	Timeout     *Duration `json:"timeout"`
}

// Stripe Stripe Webhook 配置
type Stripe struct {
	WebhookSecret string `json:"webhook_secret"`
}

// License 许可证配置
type License struct {
	// DefaultMaxDevices 默认设备数，-1 表示不限
	DefaultMaxDevices int32 `json:"default_max_devices"`
	// Products 产品编码 -> 设备数
	Products map[string]int32 `json:"products"`
	// CodeLength 激活码长度（11 或 12）
	CodeLength int32 `json:"code_length"`
}

// Refund 退款策略配置
type Refund struct {
	Window     *Duration `json:"window"`
	RetryLimit int32     `json:"retry_limit"`
	BatchDelay *Duration `json:"batch_delay"`
}

// Reconcile 对账任务配置
type Reconcile struct {
	Cron         string    `json:"cron"`
	PendingBatch int32     `json:"pending_batch"`
	FailedBatch  int32     `json:"failed_batch"`
	StaleAfter   *Duration `json:"stale_after"`
	RunTimeout   *Duration `json:"run_timeout"`
	LockTtl      *Duration `json:"lock_ttl"`
}

// Admin 管理接口配置
type Admin struct {
	Key string `json:"key"`
}

// Duration 配置中的时长，支持 "30s"、"10m" 形式
type Duration struct {
	time.Duration
}

// AsDuration 返回 time.Duration，nil 时返回 0
func (d *Duration) AsDuration() time.Duration {
	if d == nil {
		return 0
	}
	return d.Duration
}

// UnmarshalJSON 解析字符串或纳秒数
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration: %s", string(b))
	}
}

// MarshalJSON 输出为字符串
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// NewDuration 构造 *Duration
func NewDuration(d time.Duration) *Duration {
	return &Duration{Duration: d}
}

// secrets 环境变量覆盖项
type secrets struct {
	DatabaseSource      string `envconfig:"DATABASE_SOURCE"`
	RedisAddr           string `envconfig:"REDIS_ADDR"`
	RedisPassword       string `envconfig:"REDIS_PASSWORD"`
	ZpayMerchantID      string `envconfig:"ZPAY_MERCHANT_ID"`
	ZpayMerchantKey     string `envconfig:"ZPAY_MERCHANT_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	AdminKey            string `envconfig:"ADMIN_KEY"`
}

// ApplyEnv 使用 LICENSE_ 前缀的环境变量覆盖密钥类配置
func ApplyEnv(bc *Bootstrap) error {
	var s secrets
	if err := envconfig.Process("LICENSE", &s); err != nil {
		return err
	}
	if bc.Data == nil {
		bc.Data = &Data{}
	}
	if s.DatabaseSource != "" {
		if bc.Data.Database == nil {
			bc.Data.Database = &Data_Database{}
		}
		bc.Data.Database.Source = s.DatabaseSource
	}
	if s.RedisAddr != "" || s.RedisPassword != "" {
		if bc.Data.Redis == nil {
			bc.Data.Redis = &Data_Redis{}
		}
		if s.RedisAddr != "" {
			bc.Data.Redis.Addr = s.RedisAddr
		}
		if s.RedisPassword != "" {
			bc.Data.Redis.Password = s.RedisPassword
		}
	}
	if s.ZpayMerchantID != "" || s.ZpayMerchantKey != "" {
		if bc.Gateway == nil {
			bc.Gateway = &Gateway{}
		}
		if s.ZpayMerchantID != "" {
			bc.Gateway.MerchantId = s.ZpayMerchantID
		}
		if s.ZpayMerchantKey != "" {
			bc.Gateway.MerchantKey = s.ZpayMerchantKey
		}
	}
	if s.StripeWebhookSecret != "" {
		if bc.Stripe == nil {
			bc.Stripe = &Stripe{}
		}
		bc.Stripe.WebhookSecret = s.StripeWebhookSecret
	}
	if s.AdminKey != "" {
		if bc.Admin == nil {
			bc.Admin = &Admin{}
		}
		bc.Admin.Key = s.AdminKey
	}
	return nil
}
