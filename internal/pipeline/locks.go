package pipeline

import (
	"sync"

	"github.com/twmb/murmur3"
)

// stripedLock 按会话 ID 哈希到固定数量的互斥锁上.
// 同一会话总是映射到同一把锁; 不同会话可能共享一把锁, 只影响并发度
type stripedLock struct {
	stripes []sync.Mutex
}

func newStripedLock(n int) *stripedLock {
	if n <= 0 {
		n = 256
	}
	return &stripedLock{stripes: make([]sync.Mutex, n)}
}

func (s *stripedLock) get(key string) *sync.Mutex {
	return &s.stripes[murmur3.StringSum32(key)%uint32(len(s.stripes))]
}
