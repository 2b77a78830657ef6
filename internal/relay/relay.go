// Package relay 在网关节点之间转发需要推送给客户端的事件.
//
// 每条事件以 Envelope 发布, 所有节点(包括发布者自身)收到后交给本地 Deliverer
// 推送到各自持有的连接上.
package relay

import (
	"context"
	"encoding/json"
	"errors"
)

// Envelope 是跨节点传递的事件
type Envelope struct {
	// ID 用于去重, 消息事件使用消息 ID
	ID     string `json:"id"`
	Origin string `json:"origin,omitempty"`
	// ChatID 非空时推送给该房间内所有连接
	ChatID string `json:"chatId,omitempty"`
	// UserIDs 非空时推送给这些用户的所有连接, 优先于 ChatID
	UserIDs []string `json:"userIds,omitempty"`
	// All 为 true 时推送给所有已认证的连接
	All   bool            `json:"all,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	// Exclude 是不接收本事件的连接
	Exclude string `json:"exclude,omitempty"`
}

// Deliverer 将事件推送到本节点的连接
type Deliverer interface {
	Deliver(env *Envelope)
}

// Relay 发布事件并把收到的事件交给 Deliverer
type Relay interface {
	Publish(ctx context.Context, env *Envelope) error
	// Start 开始接收事件, 直到 ctx 取消或 Close
	Start(ctx context.Context, d Deliverer) error
	Close() error
	Name() string
}

var ErrNotStarted = errors.New("relay not started")

func encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, errors.New("envelope without event")
	}
	return &env, nil
}
