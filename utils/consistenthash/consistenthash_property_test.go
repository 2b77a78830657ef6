package consistenthash

import (
	"fmt"
	"slices"
	"testing"

	"pgregory.net/rapid"
)

// 任意节点集合下: 环上位置有序, 每个 key 都落在存活节点上
func TestProperty_RingMembership(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		replicas := rapid.IntRange(1, 64).Draw(rt, "replicas")
		n := rapid.IntRange(1, 8).Draw(rt, "nodes")

		r := New(replicas, nil)
		live := make([]string, 0, n)
		for i := range n {
			node := fmt.Sprintf("node-%d", i)
			r.AddWeighted(node, rapid.IntRange(1, 4).Draw(rt, "weight"))
			live = append(live, node)
		}

		if drop := rapid.IntRange(0, n-1).Draw(rt, "drop"); drop > 0 {
			r.Remove(live[:drop]...)
			live = live[drop:]
		}

		if !slices.IsSorted(r.keys) {
			rt.Fatalf("ring positions not sorted")
		}
		if r.Size() != len(live) {
			rt.Fatalf("size = %d, want %d", r.Size(), len(live))
		}

		key := rapid.StringMatching(`NYX-[A-Z0-9]{8}`).Draw(rt, "key")
		if got := r.Get(key); !slices.Contains(live, got) {
			rt.Fatalf("key %s mapped to %q, not a live node", key, got)
		}
	})
}
