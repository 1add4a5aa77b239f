package kafka

import (
	"context"
	"log"

	"github.com/IBM/sarama"
)

// Config Kafka配置
type Config struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// Producer 生产者
type Producer struct {
	asyncProducer sarama.AsyncProducer
}

// NewProducer 初始化生产者
func NewProducer(brokers []string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return newProducer(producer), nil
}

// newProducer 包装异步生产者并排空回执通道
// Successes/Errors不排空会在通道缓冲写满后把Input()一起堵死
func newProducer(asyncProducer sarama.AsyncProducer) *Producer {
	p := &Producer{asyncProducer: asyncProducer}
	go func() {
		for range asyncProducer.Successes() {
		}
	}()
	go func() {
		for err := range asyncProducer.Errors() {
			log.Printf("kafka producer error: %v", err)
		}
	}()
	return p
}

// SendMessage 发送消息
func (p *Producer) SendMessage(topic string, key, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	p.asyncProducer.Input() <- msg
	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.asyncProducer.Close()
}

// MessageHandler 消费回调
type MessageHandler interface {
	HandleMessage(msg *sarama.ConsumerMessage) error
}

// Consumer 消费者组
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	ready   chan bool
	handler MessageHandler
}

// NewConsumer 初始化消费者
func NewConsumer(cfg Config, handler MessageHandler) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		group:   group,
		topics:  cfg.Topics,
		ready:   make(chan bool),
		handler: handler,
	}, nil
}

// StartConsuming 启动消费
func (c *Consumer) StartConsuming(ctx context.Context) error {
	go func() {
		for {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				log.Printf("kafka consumer error: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	<-c.ready
	return nil
}

// Close 关闭消费者组
func (c *Consumer) Close() error {
	return c.group.Close()
}

// Setup sarama.ConsumerGroupHandler
func (c *Consumer) Setup(_ sarama.ConsumerGroupSession) error {
	close(c.ready)
	return nil
}

// Cleanup sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 消费消息
func (c *Consumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := c.handler.HandleMessage(msg); err == nil {
			sess.MarkMessage(msg, "")
		}
	}
	return nil
}
