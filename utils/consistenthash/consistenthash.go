// Package consistenthash 将用户映射到其 home 网关节点
package consistenthash

import (
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/twmb/murmur3"
)

// Hash 定义哈希函数
type Hash func(data []byte) uint32

// DefaultReplicas 是权重为 1 的节点的虚拟节点数
const DefaultReplicas = 64

// Ring 一致性哈希环, 支持按权重分配虚拟节点
type Ring struct {
	mu       sync.RWMutex
	hash     Hash
	replicas int
	keys     []uint32          // 排序的哈希环位置
	hashMap  map[uint32]string // 哈希值 -> 节点
	weights  map[string]int    // 节点 -> 权重
}

// New 创建哈希环; fn 为 nil 时使用 murmur3
func New(replicas int, fn Hash) *Ring {
	if fn == nil {
		fn = murmur3.Sum32
	}
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &Ring{
		hash:     fn,
		replicas: replicas,
		hashMap:  make(map[uint32]string),
		weights:  make(map[string]int),
	}
}

// FromWeights 根据 gateway.nodes 配置构建哈希环
func FromWeights(replicas int, nodes map[string]int) *Ring {
	r := New(replicas, nil)
	for node, w := range nodes {
		r.AddWeighted(node, w)
	}
	return r
}

// Add 以权重 1 添加节点
func (r *Ring) Add(nodes ...string) {
	for _, node := range nodes {
		r.AddWeighted(node, 1)
	}
}

// AddWeighted 添加节点, 虚拟节点数 = replicas * weight
// 已存在的节点会按新权重重建
func (r *Ring) AddWeighted(node string, weight int) {
	if node == "" {
		return
	}
	if weight <= 0 {
		weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.weights[node]; ok {
		r.removeLocked(node)
	}
	r.weights[node] = weight
	for i := 0; i < r.replicas*weight; i++ {
		h := r.hash([]byte(node + "#" + strconv.Itoa(i)))
		// 哈希冲突时保留先占位的节点
		if _, taken := r.hashMap[h]; taken {
			continue
		}
		r.hashMap[h] = node
	}
	r.rebuildKeys()
}

// Remove 从哈希环中移除节点
func (r *Ring) Remove(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range nodes {
		if _, ok := r.weights[node]; ok {
			r.removeLocked(node)
		}
	}
	r.rebuildKeys()
}

func (r *Ring) removeLocked(node string) {
	delete(r.weights, node)
	for h, n := range r.hashMap {
		if n == node {
			delete(r.hashMap, h)
		}
	}
}

func (r *Ring) rebuildKeys() {
	r.keys = r.keys[:0]
	for k := range r.hashMap {
		r.keys = append(r.keys, k)
	}
	slices.Sort(r.keys)
}

// Get 返回顺时针方向最近的节点, 空环返回 ""
func (r *Ring) Get(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return ""
	}
	return r.hashMap[r.keys[r.search(key)]]
}

// GetN 返回 key 对应的 n 个不同节点
func (r *Ring) GetN(key string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 || n <= 0 {
		return nil
	}
	n = min(n, len(r.weights))

	start := r.search(key)
	result := make([]string, 0, n)
	seen := make(map[string]bool, n)
	for i := 0; i < len(r.keys) && len(result) < n; i++ {
		node := r.hashMap[r.keys[(start+i)%len(r.keys)]]
		if !seen[node] {
			seen[node] = true
			result = append(result, node)
		}
	}
	return result
}

func (r *Ring) search(key string) int {
	h := r.hash([]byte(key))
	idx := sort.Search(len(r.keys), func(i int) bool { return r.keys[i] >= h })
	if idx == len(r.keys) {
		idx = 0
	}
	return idx
}

// Nodes 返回排序后的真实节点列表
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.weights))
	for node := range r.weights {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	return nodes
}

func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.weights)
}

func (r *Ring) IsEmpty() bool { return r.Size() == 0 }
