package consumer

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"

	"chatgate/apps/gateway/model"
	"chatgate/apps/gateway/service"
	"chatgate/pkg/kafka"
	"chatgate/pkg/logger"
)

// IngestConsumer 消息事件消费者
// 存储侧落库后把已提交的消息写入message-events，网关消费并实时扇出；
// 与入站new-message事件是同一条扇出路径的两个入口
type IngestConsumer struct {
	svc      *service.Service
	consumer *kafka.Consumer
	log      logger.Logger
}

// NewIngestConsumer 创建消息事件消费者
func NewIngestConsumer(cfg kafka.Config, svc *service.Service, log logger.Logger) (*IngestConsumer, error) {
	ic := &IngestConsumer{svc: svc, log: log}
	c, err := kafka.NewConsumer(cfg, ic)
	if err != nil {
		return nil, err
	}
	ic.consumer = c
	return ic, nil
}

// Start 启动消费
func (ic *IngestConsumer) Start(ctx context.Context) error {
	return ic.consumer.StartConsuming(ctx)
}

// Close 关闭消费者
func (ic *IngestConsumer) Close() error {
	return ic.consumer.Close()
}

// HandleMessage kafka.MessageHandler实现
// 解析失败的记录标记跳过，避免毒丸消息阻塞分区
func (ic *IngestConsumer) HandleMessage(msg *sarama.ConsumerMessage) error {
	ctx := context.Background()

	var payload model.NewMessagePayload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		ic.log.Warn(ctx, "Unparseable message event skipped",
			logger.F("topic", msg.Topic),
			logger.F("partition", msg.Partition),
			logger.F("offset", msg.Offset),
			logger.F("error", err.Error()))
		return nil
	}

	if err := ic.svc.FanOutMessage(ctx, &payload); err != nil {
		// 缺口已在扇出路径记录上报，消息本身不重试
		ic.log.Warn(ctx, "Ingested message fanout incomplete",
			logger.F("chat_id", payload.ChatID),
			logger.F("message_id", payload.MessageID),
			logger.F("error", err.Error()))
	}
	return nil
}
