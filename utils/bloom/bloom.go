// Package bloom 实现用于消息去重的布隆过滤器
package bloom

import (
	"math"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/twmb/murmur3"
)

// Filter 标准布隆过滤器, k 个哈希由 murmur3 128 位结果双重哈希得到
type Filter struct {
	bits *bitset.BitSet
	m    uint
	k    uint
}

// New 按期望元素数 n 与误判率 p 计算 m 和 k
func New(n uint, p float64) *Filter {
	if n == 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := uint(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	k := uint(math.Max(1, math.Round(float64(m)/float64(n)*math.Ln2)))
	return &Filter{bits: bitset.New(m), m: m, k: k}
}

func (f *Filter) locations(key string) []uint {
	h1, h2 := murmur3.StringSum128(key)
	locs := make([]uint, f.k)
	for i := range f.k {
		locs[i] = uint((h1 + uint64(i)*h2) % uint64(f.m))
	}
	return locs
}

func (f *Filter) Add(key string) {
	for _, l := range f.locations(key) {
		f.bits.Set(l)
	}
}

func (f *Filter) Test(key string) bool {
	for _, l := range f.locations(key) {
		if !f.bits.Test(l) {
			return false
		}
	}
	return true
}

// TestAndAdd 返回 key 之前是否(可能)存在, 并加入 key
func (f *Filter) TestAndAdd(key string) bool {
	present := true
	for _, l := range f.locations(key) {
		if !f.bits.Test(l) {
			present = false
			f.bits.Set(l)
		}
	}
	return present
}

func (f *Filter) Reset() { f.bits.ClearAll() }

// Rotating 由两代过滤器组成: 当前代写满 capacity 后变为上一代,
// 因此总能记住最近 capacity..2*capacity 个 key
type Rotating struct {
	mu       sync.Mutex
	current  *Filter
	previous *Filter
	count    uint
	capacity uint
}

func NewRotating(capacity uint, p float64) *Rotating {
	if capacity == 0 {
		capacity = 1 << 16
	}
	return &Rotating{
		current:  New(capacity, p),
		previous: New(capacity, p),
		capacity: capacity,
	}
}

// Seen 报告 key 是否见过, 未见过则记录
func (r *Rotating) Seen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.previous.Test(key) {
		return true
	}
	if r.current.TestAndAdd(key) {
		return true
	}
	r.count++
	if r.count >= r.capacity {
		r.previous, r.current = r.current, r.previous
		r.current.Reset()
		r.count = 0
	}
	return false
}
