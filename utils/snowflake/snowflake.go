// Package snowflake generates coordination-free, time-ordered message IDs.
//
// Layout (63 bits): 41 bits of milliseconds since Epoch, NodeBits of node id,
// SequenceBits of per-millisecond sequence.
package snowflake

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/twmb/murmur3"
)

const (
	// Epoch is the custom epoch (January 1, 2024 00:00:00 UTC)
	Epoch int64 = 1704067200000 // milliseconds

	DefaultNodeBits     uint8 = 10
	DefaultSequenceBits uint8 = 12

	// DefaultMaxDrift is how far the wall clock may step back before NextID
	// gives up instead of continuing on the logical clock.
	DefaultMaxDrift = 5 * time.Second

	// MessageIDPrefix prefixes string message IDs.
	MessageIDPrefix = "msg_"
)

var (
	ErrInvalidNodeID        = errors.New("node ID exceeds maximum value")
	ErrClockMovedBackwards  = errors.New("clock moved backwards beyond tolerated drift")
	ErrInvalidBitAllocation = errors.New("invalid bit allocation: node + sequence bits must be within 1..22")
	ErrMalformedMessageID   = errors.New("malformed message ID")
)

type Config struct {
	Epoch        int64
	NodeID       int64
	NodeBits     uint8
	SequenceBits uint8
	MaxDrift     time.Duration
	// Now overrides the wall clock, mainly for tests.
	Now func() time.Time
}

// Generator is safe for concurrent use. IDs from one generator are strictly
// increasing even if the wall clock steps back by less than MaxDrift.
type Generator struct {
	mu sync.Mutex

	epoch    int64
	nodeID   int64
	maxDrift int64
	now      func() time.Time

	nodeShift    uint8
	timeShift    uint8
	sequenceMask int64
	nodeMask     int64

	sequence      int64
	lastTimestamp int64
}

func NewGenerator(config Config) (*Generator, error) {
	if config.NodeBits == 0 {
		config.NodeBits = DefaultNodeBits
	}
	if config.SequenceBits == 0 {
		config.SequenceBits = DefaultSequenceBits
	}
	if config.Epoch == 0 {
		config.Epoch = Epoch
	}
	if config.MaxDrift == 0 {
		config.MaxDrift = DefaultMaxDrift
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if total := config.NodeBits + config.SequenceBits; total > 22 {
		return nil, ErrInvalidBitAllocation
	}

	g := &Generator{
		epoch:        config.Epoch,
		nodeID:       config.NodeID,
		maxDrift:     config.MaxDrift.Milliseconds(),
		now:          config.Now,
		nodeShift:    config.SequenceBits,
		timeShift:    config.SequenceBits + config.NodeBits,
		sequenceMask: -1 ^ (-1 << config.SequenceBits),
		nodeMask:     -1 ^ (-1 << config.NodeBits),
	}
	if g.nodeID < 0 || g.nodeID > g.nodeMask {
		return nil, ErrInvalidNodeID
	}
	return g, nil
}

// NodeIDFromName maps a gateway node name onto the node id space.
func NodeIDFromName(name string, bits uint8) int64 {
	if bits == 0 {
		bits = DefaultNodeBits
	}
	mask := int64(-1 ^ (-1 << bits))
	return int64(murmur3.StringSum32(name)) & mask
}

func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := g.now().UnixMilli()

	if timestamp < g.lastTimestamp {
		if g.lastTimestamp-timestamp > g.maxDrift {
			return 0, fmt.Errorf("%w: %dms", ErrClockMovedBackwards, g.lastTimestamp-timestamp)
		}
		// 时钟小幅回拨: 沿用上一个时间戳, 保证单调
		timestamp = g.lastTimestamp
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & g.sequenceMask
		if g.sequence == 0 {
			// 序列号耗尽, 借用下一毫秒
			timestamp = g.lastTimestamp + 1
		}
	} else {
		g.sequence = 0
	}

	g.lastTimestamp = timestamp

	id := ((timestamp - g.epoch) << g.timeShift) |
		(g.nodeID << g.nodeShift) |
		g.sequence
	return id, nil
}

// NextMessageID returns "msg_" followed by a zero-padded 19-digit ID, so that
// lexical order of message IDs equals numeric order.
func (g *Generator) NextMessageID() (string, error) {
	id, err := g.NextID()
	if err != nil {
		return "", err
	}
	return FormatMessageID(id), nil
}

func FormatMessageID(id int64) string {
	return fmt.Sprintf("%s%019d", MessageIDPrefix, id)
}

func ParseMessageID(s string) (int64, error) {
	digits, ok := strings.CutPrefix(s, MessageIDPrefix)
	if !ok || len(digits) != 19 {
		return 0, ErrMalformedMessageID
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || id < 0 {
		return 0, ErrMalformedMessageID
	}
	return id, nil
}

// Parse extracts the components from an ID.
func (g *Generator) Parse(id int64) (timestamp, nodeID, sequence int64) {
	sequence = id & g.sequenceMask
	nodeID = (id >> g.nodeShift) & g.nodeMask
	timestamp = (id >> g.timeShift) + g.epoch
	return
}

// Time returns the wall-clock instant embedded in id.
func (g *Generator) Time(id int64) time.Time {
	ts, _, _ := g.Parse(id)
	return time.UnixMilli(ts)
}
