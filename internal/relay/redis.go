package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisChannel 是 Redis 转发使用的 pub/sub 频道
const DefaultRedisChannel = "nyx:relay"

// Redis 通过 Pub/Sub 广播到其他节点, 至多一次投递.
// 本节点的事件在发布时直接本地投递, 不依赖订阅连接; 订阅收到的自身事件被跳过
type Redis struct {
	client  *redis.Client
	channel string
	nodeID  string
	log     *zap.Logger
	local   atomic.Pointer[Deliverer]

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedis(client *redis.Client, channel, nodeID string, log *zap.Logger) *Redis {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, channel: channel, nodeID: nodeID, log: log.Named("relay.redis")}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Publish(ctx context.Context, env *Envelope) error {
	env.Origin = r.nodeID
	data, err := encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	d := r.local.Load()
	if d == nil {
		return r.client.Publish(ctx, r.channel, data).Err()
	}
	(*d).Deliver(env)
	// 本地已投递, 调用方的兜底也只是本地投递, 因此只记录失败
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.log.Warn("publish to other nodes failed", zap.String("event", env.Event),
			zap.String("id", env.ID), zap.Error(err))
	}
	return nil
}

// Start 订阅频道; 订阅确认后返回, 接收循环在后台运行
func (r *Redis) Start(ctx context.Context, d Deliverer) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	r.local.Store(&d)
	r.mu.Lock()
	r.pubsub = pubsub
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, err := decode([]byte(msg.Payload))
				if err != nil {
					r.log.Warn("drop malformed envelope", zap.Error(err))
					continue
				}
				if env.Origin == r.nodeID {
					continue
				}
				d.Deliver(env)
			}
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	pubsub, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
