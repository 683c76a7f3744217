package server

import (
	"context"
	"encoding/json"
	nethttp "net/http"

	"license-service/internal/biz"
	"license-service/internal/conf"
	"license-service/internal/constants"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// PaymentConfirmer 支付确认入口（biz.LicenseUseCase）
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, pc *biz.PaymentConfirmation, actor string) (*biz.ConfirmResult, error)
}

// MQConsumerServer 消费其他支付通道投递的支付成功事件
type MQConsumerServer struct {
	c       rocketmq.PushConsumer
	confirm PaymentConfirmer
	topic   string
	log     *log.Helper
	enabled bool
}

// NewMQConsumerServer 创建 RocketMQ 消费者，未启用时 Start/Stop 为空操作
func NewMQConsumerServer(c *conf.Bootstrap, uc *biz.LicenseUseCase, logger log.Logger) *MQConsumerServer {
	helper := log.NewHelper(logger)
	if c.Data == nil || c.Data.Rocketmq == nil || !c.Data.Rocketmq.Enabled {
		return &MQConsumerServer{confirm: uc, log: helper, enabled: false}
	}
	mq := c.Data.Rocketmq
	topic := mq.PaymentTopic
	if topic == "" {
		topic = "payment_confirmed"
	}

	r, err := rocketmq.NewPushConsumer(
		consumer.WithNsResolver(primitive.NewPassthroughResolver(mq.NameServers)),
		consumer.WithGroupName(mq.GroupName),
		consumer.WithRetry(int(mq.RetryTimes)),
		consumer.WithConsumeMessageBatchMaxSize(16),
	)
	if err != nil {
		helper.Errorf("init consumer error: %v", err)
		return &MQConsumerServer{confirm: uc, log: helper, enabled: false}
	}

	return &MQConsumerServer{
		c:       r,
		confirm: uc,
		topic:   topic,
		log:     helper,
		enabled: true,
	}
}

// Start starts the consumer
func (s *MQConsumerServer) Start(ctx context.Context) error {
	if !s.enabled || s.c == nil {
		s.log.Infof("MQConsumerServer is disabled, skipping startup")
		return nil
	}

	s.log.Infof("Starting MQConsumerServer, topic: %s", s.topic)
	if err := s.c.Subscribe(s.topic, consumer.MessageSelector{}, s.handler); err != nil {
		// RocketMQ 不可用时不影响 HTTP 服务启动
		s.log.Errorf("Failed to subscribe to topic %s: %v", s.topic, err)
		return nil
	}
	if err := s.c.Start(); err != nil {
		s.log.Errorf("Failed to start RocketMQ consumer: %v", err)
		return nil
	}
	return nil
}

// Stop stops the consumer
func (s *MQConsumerServer) Stop(ctx context.Context) error {
	if !s.enabled || s.c == nil {
		return nil
	}
	s.log.Info("Stopping MQConsumerServer")
	return s.c.Shutdown()
}

// handler 逐条确认支付；只有暂时性错误才要求重投，业务拒绝直接丢弃
func (s *MQConsumerServer) handler(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	for _, msg := range msgs {
		var pc biz.PaymentConfirmation
		if err := json.Unmarshal(msg.Body, &pc); err != nil {
			s.log.Errorf("Unmarshal payment message failed: msg_id=%s, error=%v, body=%s", msg.MsgId, err, string(msg.Body))
			continue
		}
		result, err := s.confirm.ConfirmPayment(ctx, &pc, constants.ActorMQ)
		if err != nil {
			if se := kerrors.FromError(err); se.Code < nethttp.StatusInternalServerError {
				s.log.Warnf("payment message rejected: msg_id=%s, order_id=%s, reason=%s", msg.MsgId, pc.OrderID, se.Reason)
				continue
			}
			s.log.Errorf("ConfirmPayment failed, retry later: msg_id=%s, order_id=%s, error=%v", msg.MsgId, pc.OrderID, err)
			return consumer.ConsumeRetryLater, nil
		}
		s.log.Infof("payment message consumed: msg_id=%s, order_id=%s, duplicate=%v", msg.MsgId, pc.OrderID, result.Duplicate)
	}
	return consumer.ConsumeSuccess, nil
}
