package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/Nyx/config"
	"github.com/Gopher0727/Nyx/utils/bloom"
)

// Kafka 每个节点使用独立的消费者组, 因此每个节点都会收到全部事件.
// Kafka 是至少一次投递, 用布隆过滤器丢弃重复的 envelope
type Kafka struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	topic    string
	nodeID   string
	seen     *bloom.Rotating
	log      *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewKafkaFromConfig 连接 broker 并创建生产者与消费者组
func NewKafkaFromConfig(cfg *config.KafkaConfig, nodeID string, log *zap.Logger) (*Kafka, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = cfg.MaxRetries
	sc.Producer.Retry.Backoff = time.Duration(cfg.RetryBackoffMs) * time.Millisecond
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Net.DialTimeout = 10 * time.Second
	sc.Metadata.Retry.Max = 3
	sc.Metadata.Retry.Backoff = 250 * time.Millisecond
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	// 新节点只关心启动之后的事件
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupPrefix+"-"+nodeID, sc)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}
	return NewKafka(producer, group, cfg.Topic, nodeID, log), nil
}

func NewKafka(producer sarama.SyncProducer, group sarama.ConsumerGroup, topic, nodeID string, log *zap.Logger) *Kafka {
	if log == nil {
		log = zap.NewNop()
	}
	return &Kafka{
		producer: producer,
		group:    group,
		topic:    topic,
		nodeID:   nodeID,
		seen:     bloom.NewRotating(1<<16, 0.001),
		log:      log.Named("relay.kafka"),
	}
}

func (k *Kafka) Name() string { return "kafka" }

// Publish 以 chatID 为 key, 同一会话的事件落在同一分区, 保持顺序
func (k *Kafka) Publish(_ context.Context, env *Envelope) error {
	env.Origin = k.nodeID
	data, err := encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Value: sarama.ByteEncoder(data),
	}
	if env.ChatID != "" {
		msg.Key = sarama.StringEncoder(env.ChatID)
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", k.topic, err)
	}
	return nil
}

func (k *Kafka) Start(ctx context.Context, d Deliverer) error {
	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	handler := &consumerHandler{relay: k, deliverer: d}

	k.wg.Go(func() {
		for {
			// Consume 在 rebalance 后返回, 需要循环调用
			if err := k.group.Consume(ctx, []string{k.topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				k.log.Error("kafka consume failed", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	})
	k.wg.Go(func() {
		for err := range k.group.Errors() {
			k.log.Warn("kafka consumer error", zap.Error(err))
		}
	})
	return nil
}

func (k *Kafka) Close() error {
	if k.cancel != nil {
		k.cancel()
	}
	err := errors.Join(k.producer.Close(), k.group.Close())
	k.wg.Wait()
	return err
}

// deliver 去重后投递, 返回是否投递
func (k *Kafka) deliver(d Deliverer, data []byte) bool {
	env, err := decode(data)
	if err != nil {
		k.log.Warn("drop malformed envelope", zap.Error(err))
		return false
	}
	if env.ID != "" && k.seen.Seen(env.ID) {
		k.log.Debug("drop duplicate envelope", zap.String("id", env.ID))
		return false
	}
	d.Deliver(env)
	return true
}

type consumerHandler struct {
	relay     *Kafka
	deliverer Deliverer
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.relay.deliver(h.deliverer, message.Value)
			session.MarkMessage(message, "")
		}
	}
}
