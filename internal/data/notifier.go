package data

import (
	"context"
	"encoding/json"

	"license-service/internal/biz"
	"license-service/internal/conf"

	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/go-kratos/kratos/v2/log"
)

// notifier 通知事件发布，邮件等由下游服务订阅 RocketMQ 后发送
type notifier struct {
	data  *Data
	topic string
	log   *log.Helper
}

// NewNotifier 创建通知发布器（返回 biz.Notifier 接口），未启用 RocketMQ 时只记录日志
func NewNotifier(c *conf.Bootstrap, data *Data, logger log.Logger) biz.Notifier {
	topic := "license_notify"
	if c.Data != nil && c.Data.Rocketmq != nil && c.Data.Rocketmq.NotifyTopic != "" {
		topic = c.Data.Rocketmq.NotifyTopic
	}
	return &notifier{
		data:  data,
		topic: topic,
		log:   log.NewHelper(logger),
	}
}

// Notify 发送通知事件
func (n *notifier) Notify(ctx context.Context, event *biz.NotifyEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if n.data.mq == nil {
		n.log.Infof("notify (mq disabled): type=%s, order_id=%s, body=%s", event.Type, event.OrderID, string(body))
		return nil
	}

	msg := primitive.NewMessage(n.topic, body)
	msg.WithTag(event.Type)
	msg.WithKeys([]string{event.OrderID})
	result, err := n.data.mq.SendSync(ctx, msg)
	if err != nil {
		return err
	}
	n.log.Infof("notify sent: type=%s, order_id=%s, msg_id=%s", event.Type, event.OrderID, result.MsgID)
	return nil
}
