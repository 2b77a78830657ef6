// Package rooms 维护连接与会话房间之间的订阅关系
package rooms

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// MembershipSource 提供用户持久化的会话参与关系
type MembershipSource interface {
	ChatIDsForUser(ctx context.Context, userID string) ([]string, error)
}

type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{} // chatID -> connIDs
	byConn map[string]map[string]struct{} // connID -> chatIDs

	source MembershipSource
	log    *zap.Logger
}

func NewManager(source MembershipSource, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		rooms:  make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
		source: source,
		log:    log.Named("rooms"),
	}
}

// Join 将连接加入房间, 幂等
func (m *Manager) Join(connID, chatID string) {
	if connID == "" || chatID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joinLocked(connID, chatID)
}

func (m *Manager) joinLocked(connID, chatID string) {
	conns, ok := m.rooms[chatID]
	if !ok {
		conns = make(map[string]struct{})
		m.rooms[chatID] = conns
	}
	conns[connID] = struct{}{}

	chats, ok := m.byConn[connID]
	if !ok {
		chats = make(map[string]struct{})
		m.byConn[connID] = chats
	}
	chats[chatID] = struct{}{}
}

// Leave 将连接移出房间, 幂等
func (m *Manager) Leave(connID, chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.rooms[chatID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(m.rooms, chatID)
		}
	}
	if chats, ok := m.byConn[connID]; ok {
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(m.byConn, connID)
		}
	}
}

// SubscribeAllPersistedChats 将连接加入用户参与的所有会话.
// 读取失败时记录日志且不加入任何房间, 错误返回给调用方; 连接仍可用
func (m *Manager) SubscribeAllPersistedChats(ctx context.Context, connID, userID string) ([]string, error) {
	chatIDs, err := m.source.ChatIDsForUser(ctx, userID)
	if err != nil {
		m.log.Error("load persisted chats failed",
			zap.String("connId", connID),
			zap.String("userId", userID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("load chats of %s: %w", userID, err)
	}

	m.mu.Lock()
	for _, chatID := range chatIDs {
		m.joinLocked(connID, chatID)
	}
	m.mu.Unlock()

	slices.Sort(chatIDs)
	return chatIDs, nil
}

// Drop 丢弃连接的全部订阅
func (m *Manager) Drop(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for chatID := range m.byConn[connID] {
		if conns, ok := m.rooms[chatID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(m.rooms, chatID)
			}
		}
	}
	delete(m.byConn, connID)
}

// Subscribers 返回房间内的连接, 按 connID 排序
func (m *Manager) Subscribers(chatID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.rooms[chatID])
}

func (m *Manager) RoomsOf(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.byConn[connID])
}

func (m *Manager) IsSubscribed(connID, chatID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[chatID][connID]
	return ok
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
