package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	timestampBits    = 41
	datacenterIdBits = 5
	workerIdBits     = 5
	sequenceBits     = 12

	MaxDatacenterId int64 = -1 ^ (-1 << datacenterIdBits) // 31
	MaxWorkerId     int64 = -1 ^ (-1 << workerIdBits)     // 31
	maxSequence     int64 = -1 ^ (-1 << sequenceBits)     // 4095
	maxTimestamp    int64 = -1 ^ (-1 << timestampBits)

	workerIdShift     = sequenceBits
	datacenterIdShift = sequenceBits + workerIdBits
	timestampShift    = sequenceBits + workerIdBits + datacenterIdBits

	// DefaultEpoch is 2024-01-01T00:00:00Z expressed in milliseconds.
	DefaultEpoch int64 = 1704067200000
)

var (
	ErrInvalidWorkerId     = errors.New("worker id must be between 0 and 31")
	ErrInvalidDatacenterId = errors.New("datacenter id must be between 0 and 31")
	ErrInvalidEpoch        = errors.New("epoch must be a non negative timestamp not in the future")
	ErrClockMovedBackwards = errors.New("clock moved backwards")
	ErrTimestampOverflow   = errors.New("timestamp does not fit in 41 bits")
)

// Config holds the identity of a generator. Each deployed instance must use a
// unique (DatacenterId, WorkerId) pair.
type Config struct {
	Epoch        int64 // custom epoch in milliseconds since the Unix epoch
	DatacenterId int64 // 0..31
	WorkerId     int64 // 0..31
}

// Components is the decoded form of an identifier.
type Components struct {
	Timestamp    int64 // milliseconds since the Unix epoch
	DatacenterId int64
	WorkerId     int64
	Sequence     int64
}

// Time returns the generation time encoded in the identifier.
func (c Components) Time() time.Time {
	return time.UnixMilli(c.Timestamp).UTC()
}

// Generator mints 64 bit identifiers made of a 41 bit millisecond timestamp,
// a 5 bit datacenter id, a 5 bit worker id and a 12 bit sequence. It is safe
// for concurrent use.
type Generator struct {
	mu            sync.Mutex
	epoch         int64
	datacenterId  int64
	workerId      int64
	sequence      int64
	lastTimestamp int64
	clock         func() int64
}

// Option allows optional configuration.
type Option func(g *Generator)

// WithClock replaces the wall clock (milliseconds since the Unix epoch).
func WithClock(clock func() int64) Option {
	return func(g *Generator) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// New validates the configuration and returns a ready to use generator.
func New(cfg Config, options ...Option) (*Generator, error) {
	g := &Generator{
		epoch:         cfg.Epoch,
		datacenterId:  cfg.DatacenterId,
		workerId:      cfg.WorkerId,
		lastTimestamp: -1,
		clock:         func() int64 { return time.Now().UnixMilli() },
	}
	for _, o := range options {
		o(g)
	}

	if cfg.WorkerId < 0 || cfg.WorkerId > MaxWorkerId {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWorkerId, cfg.WorkerId)
	}
	if cfg.DatacenterId < 0 || cfg.DatacenterId > MaxDatacenterId {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDatacenterId, cfg.DatacenterId)
	}
	if cfg.Epoch < 0 || cfg.Epoch > g.clock() {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidEpoch, cfg.Epoch)
	}

	return g, nil
}

// NextId returns a new unique identifier. It fails when the clock goes
// backwards instead of risking a duplicate.
func (g *Generator) NextId() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := g.clock()
	if timestamp < g.lastTimestamp {
		return 0, fmt.Errorf("%w: refusing to generate id for %d milliseconds", ErrClockMovedBackwards, g.lastTimestamp-timestamp)
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			timestamp = g.waitNextMillis(g.lastTimestamp)
		}
	} else {
		g.sequence = 0
	}

	elapsed := timestamp - g.epoch
	if elapsed > maxTimestamp {
		return 0, ErrTimestampOverflow
	}

	g.lastTimestamp = timestamp

	return uint64(elapsed<<timestampShift |
		g.datacenterId<<datacenterIdShift |
		g.workerId<<workerIdShift |
		g.sequence), nil
}

// Parse decodes an identifier minted by this generator.
func (g *Generator) Parse(id uint64) Components {
	return Parse(id, g.epoch)
}

// Parse decodes an identifier using the given epoch.
func Parse(id uint64, epoch int64) Components {
	v := int64(id)
	return Components{
		Timestamp:    (v >> timestampShift) + epoch,
		DatacenterId: (v >> datacenterIdShift) & MaxDatacenterId,
		WorkerId:     (v >> workerIdShift) & MaxWorkerId,
		Sequence:     v & maxSequence,
	}
}

// waitNextMillis polls the clock until it moves past last.
func (g *Generator) waitNextMillis(last int64) int64 {
	timestamp := g.clock()
	for timestamp <= last {
		timestamp = g.clock()
	}
	return timestamp
}
