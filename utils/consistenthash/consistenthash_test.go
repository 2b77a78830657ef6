package consistenthash

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_Empty(t *testing.T) {
	r := New(0, nil)
	assert.True(t, r.IsEmpty())
	assert.Equal(t, "", r.Get("NYX-AAAAAAAA"))
	assert.Nil(t, r.GetN("NYX-AAAAAAAA", 2))
}

func TestRing_GetIsStable(t *testing.T) {
	r := New(32, nil)
	r.Add("node-1", "node-2", "node-3")

	for i := range 100 {
		key := fmt.Sprintf("NYX-%08d", i)
		assert.Equal(t, r.Get(key), r.Get(key))
	}
}

func TestRing_RemoveOnlyMovesKeysOfRemovedNode(t *testing.T) {
	r := New(32, nil)
	r.Add("node-1", "node-2", "node-3")

	before := make(map[string]string)
	for i := range 500 {
		key := fmt.Sprintf("user-%d", i)
		before[key] = r.Get(key)
	}

	r.Remove("node-2")
	assert.Equal(t, 2, r.Size())

	for key, node := range before {
		after := r.Get(key)
		assert.NotEqual(t, "node-2", after)
		if node != "node-2" {
			assert.Equal(t, node, after, key)
		}
	}
}

func TestRing_Weights(t *testing.T) {
	r := FromWeights(64, map[string]int{"big": 4, "small": 1})
	assert.Equal(t, []string{"big", "small"}, r.Nodes())

	counts := map[string]int{}
	for i := range 5000 {
		counts[r.Get(fmt.Sprintf("k%d", i))]++
	}
	assert.Greater(t, counts["big"], counts["small"])
}

func TestRing_ReAddChangesWeight(t *testing.T) {
	r := New(8, nil)
	r.AddWeighted("a", 1)
	require.Len(t, r.keys, 8)

	r.AddWeighted("a", 3)
	assert.Len(t, r.keys, 24)
	assert.Equal(t, 1, r.Size())
}

func TestRing_GetN(t *testing.T) {
	r := New(16, nil)
	r.Add("a", "b", "c")

	nodes := r.GetN("key", 5)
	assert.Len(t, nodes, 3)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, nodes)
	assert.Equal(t, r.Get("key"), nodes[0])
}

func TestRing_CustomHash(t *testing.T) {
	calls := 0
	r := New(1, func(b []byte) uint32 { calls++; return uint32(len(b)) })
	r.Add("x")
	assert.Equal(t, "x", r.Get("anything"))
	assert.Positive(t, calls)
}
