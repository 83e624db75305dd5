// Package kafka 发布内容哈希状态变更事件
//
// Topic: contenthash-status
//   - Partition Key: node (为空时用 tx_hash)，同一 node 的事件保持有序
//   - 消息格式: model.ContentHashStatusEvent
//   - 只在进入 pinned / failed / notfound 时发送，发送失败不影响状态迁移
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/dwebhost/dweb-alpha/internal/metrics"
	"github.com/dwebhost/dweb-alpha/internal/model"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

// TopicContentHashStatus 状态事件默认 Topic
const TopicContentHashStatus = "contenthash-status"

var errProducerClosed = errors.New("producer is closed")

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	Topic        string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
	SASL         *SASLConfig
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	if err := applySASL(config, cfg.SASL); err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducerWithClient(producer, cfg.Topic), nil
}

// NewProducerWithClient 使用已有的 SyncProducer
func NewProducerWithClient(producer sarama.SyncProducer, topic string) *Producer {
	if topic == "" {
		topic = TopicContentHashStatus
	}
	return &Producer{producer: producer, topic: topic}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errProducerClosed
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		metrics.KafkaMessagesProduced.WithLabelValues(p.topic, "error").Inc()
		logger.Error("failed to send kafka message",
			zap.String("topic", p.topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	metrics.KafkaMessagesProduced.WithLabelValues(p.topic, "success").Inc()

	logger.Debug("kafka message sent",
		zap.String("topic", p.topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// PublishStatus 发送状态变更事件
func (p *Producer) PublishStatus(ctx context.Context, evt *model.ContentHashStatusEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	key := evt.Node
	if key == "" {
		key = evt.TxHash
	}
	return p.send(key, data)
}
