package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Gopher0727/Nyx/utils/consistenthash"
)

const presenceKeyPrefix = "nyx:presence:"

// Location 描述用户在集群中的在线位置
type Location struct {
	// Node 是持有该用户连接的节点
	Node string
	// Home 是一致性哈希为该用户选出的归属节点
	Home string
}

// RedisMirror 以 Hash 形式保存 nyx:presence:<user> = {node, home}, 带 TTL
type RedisMirror struct {
	client *redis.Client
	nodeID string
	ring   *consistenthash.Ring
	ttl    time.Duration
}

// NewRedisMirror ring 可以为 nil, 此时 home 等于本节点
func NewRedisMirror(client *redis.Client, nodeID string, ring *consistenthash.Ring, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{client: client, nodeID: nodeID, ring: ring, ttl: ttl}
}

func (m *RedisMirror) TTL() time.Duration { return m.ttl }

func (m *RedisMirror) home(userID string) string {
	if m.ring != nil {
		if n := m.ring.Get(userID); n != "" {
			return n
		}
	}
	return m.nodeID
}

func (m *RedisMirror) SetOnline(ctx context.Context, userID string) error {
	key := presenceKeyPrefix + userID
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, key, "node", m.nodeID, "home", m.home(userID))
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set online %s: %w", userID, err)
	}
	return nil
}

// SetOffline 只删除本节点写入的记录, 避免覆盖其他节点上的在线状态
func (m *RedisMirror) SetOffline(ctx context.Context, userID string) error {
	key := presenceKeyPrefix + userID
	node, err := m.client.HGet(ctx, key, "node").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("set offline %s: %w", userID, err)
	}
	if node != m.nodeID {
		return nil
	}
	return m.client.Del(ctx, key).Err()
}

func (m *RedisMirror) Refresh(ctx context.Context, userIDs []string) error {
	pipe := m.client.Pipeline()
	for _, u := range userIDs {
		key := presenceKeyPrefix + u
		pipe.HSet(ctx, key, "node", m.nodeID, "home", m.home(u))
		pipe.Expire(ctx, key, m.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Lookup 查询用户在集群中的位置
func (m *RedisMirror) Lookup(ctx context.Context, userID string) (Location, bool, error) {
	vals, err := m.client.HGetAll(ctx, presenceKeyPrefix+userID).Result()
	if err != nil {
		return Location{}, false, err
	}
	if len(vals) == 0 {
		return Location{}, false, nil
	}
	return Location{Node: vals["node"], Home: vals["home"]}, true, nil
}
