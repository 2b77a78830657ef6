package snowflake

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_IDsUniqueAcrossNodes(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("generators with different node ids never collide", prop.ForAll(
		func(node1, node2 int64, count int) bool {
			if node1 == node2 {
				return true
			}
			g1, err := NewGenerator(Config{NodeID: node1})
			if err != nil {
				return false
			}
			g2, err := NewGenerator(Config{NodeID: node2})
			if err != nil {
				return false
			}

			ids := make(map[int64]bool)
			for range count {
				for _, g := range []*Generator{g1, g2} {
					id, err := g.NextID()
					if err != nil || ids[id] {
						return false
					}
					ids[id] = true
				}
			}
			return len(ids) == 2*count
		},
		gen.Int64Range(0, 1023),
		gen.Int64Range(0, 1023),
		gen.IntRange(50, 200),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestProperty_MessageIDsSortLikeIDs(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("concurrently generated message ids are unique and parse back", prop.ForAll(
		func(goroutines, perGoroutine int) bool {
			g, err := NewGenerator(Config{NodeID: 7})
			if err != nil {
				return false
			}

			out := make(chan string, goroutines*perGoroutine)
			var wg sync.WaitGroup
			for range goroutines {
				wg.Go(func() {
					for range perGoroutine {
						id, err := g.NextMessageID()
						if err != nil {
							return
						}
						out <- id
					}
				})
			}
			wg.Wait()
			close(out)

			seen := make(map[string]bool)
			for s := range out {
				if seen[s] {
					return false
				}
				seen[s] = true
				n, err := ParseMessageID(s)
				if err != nil || FormatMessageID(n) != s {
					return false
				}
			}
			return len(seen) == goroutines*perGoroutine
		},
		gen.IntRange(2, 10),
		gen.IntRange(20, 100),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
