package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestFilter_AddTest(t *testing.T) {
	f := New(1000, 0.01)
	f.Add("msg_0000000000000000001")

	assert.True(t, f.Test("msg_0000000000000000001"))
	assert.False(t, f.TestAndAdd("msg_0000000000000000002"))
	assert.True(t, f.TestAndAdd("msg_0000000000000000002"))

	f.Reset()
	assert.False(t, f.Test("msg_0000000000000000001"))
}

func TestFilter_FalsePositiveRate(t *testing.T) {
	f := New(10000, 0.01)
	for i := range 10000 {
		f.Add(fmt.Sprintf("in-%d", i))
	}
	fp := 0
	for i := range 10000 {
		if f.Test(fmt.Sprintf("out-%d", i)) {
			fp++
		}
	}
	assert.Less(t, fp, 300)
}

func TestRotating_ForgetsOldGenerations(t *testing.T) {
	r := NewRotating(4, 0.001)
	assert.False(t, r.Seen("a"))
	assert.True(t, r.Seen("a"))

	for i := range 8 {
		r.Seen(fmt.Sprintf("fill-%d", i))
	}
	assert.False(t, r.Seen("a"), "two rotations later the key is forgotten")
}

// 已加入的 key 永远不会漏判
func TestProperty_NoFalseNegatives(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		keys := rapid.SliceOfNDistinct(rapid.String(), 1, 200, rapid.ID[string]).Draw(rt, "keys")
		f := New(uint(len(keys)), 0.01)
		for _, k := range keys {
			f.Add(k)
		}
		for _, k := range keys {
			if !f.Test(k) {
				rt.Fatalf("false negative for %q", k)
			}
		}
	})
}
