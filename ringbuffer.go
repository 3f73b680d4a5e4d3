package dastream

import (
	"fmt"
	"math"
)

// RingBuffer is a fixed-capacity circular store of interleaved scans, organized
// as numBlocks equal blocks of samplesPerBlock scans each. Cursors move one whole
// block at a time and are offsets (in float64 values) into the store.
//
// The read cursor takes the reserved value size when the buffer is full. That is
// how full is told apart from empty (read == write) without a flag or a wasted block.
//
// A RingBuffer supports one producer and one consumer. It has no locking of its own.
type RingBuffer struct {
	channels        int
	samplesPerBlock int
	numBlocks       int
	blocksize       int // float64 values per block
	size            int // float64 values in the store

	store   []float64
	scratch []float64 // tentative write target while the buffer is full
	write   int
	read    int
	pending bool // a BeginWrite has not yet been committed or discarded
	staged  bool // the last write slot handed out was scratch

	samplesStreamed int64 // scans committed
	samplesRead     int64 // scans consumed
	samplesOverrun  int64 // scans overwritten before they were read
}

// BufferCounters holds the cumulative scan counts of a RingBuffer.
type BufferCounters struct {
	Streamed int64
	Read     int64
	Overrun  int64
}

// NewRingBuffer allocates a buffer of numBlocks blocks, refusing when the store
// would take more than DefaultMemoryFraction of the available system memory.
func NewRingBuffer(channels, samplesPerBlock, numBlocks int) (*RingBuffer, error) {
	return newRingBuffer(channels, samplesPerBlock, numBlocks, AvailableMemory, DefaultMemoryFraction)
}

func newRingBuffer(channels, samplesPerBlock, numBlocks int, probe MemoryProbe, fraction float64) (*RingBuffer, error) {
	switch {
	case channels <= 0:
		return nil, fmt.Errorf("%w: channels=%d, must be positive", ErrBadConfig, channels)
	case samplesPerBlock <= 0:
		return nil, fmt.Errorf("%w: samples per block=%d, must be positive", ErrBadConfig, samplesPerBlock)
	case numBlocks <= 0:
		return nil, fmt.Errorf("%w: number of blocks=%d, must be positive", ErrBadConfig, numBlocks)
	}
	blocksize := uint64(channels) * uint64(samplesPerBlock)
	if blocksize > math.MaxInt/uint64(numBlocks+1) {
		return nil, fmt.Errorf("%w: %d blocks of %d values overflows", ErrOutOfMemory, numBlocks, blocksize)
	}
	// The scratch block is part of the footprint.
	nbytes := 8 * blocksize * uint64(numBlocks+1)
	if err := checkAllocation(nbytes, probe, fraction); err != nil {
		return nil, err
	}

	rb := &RingBuffer{
		channels:        channels,
		samplesPerBlock: samplesPerBlock,
		numBlocks:       numBlocks,
		blocksize:       int(blocksize),
		size:            int(blocksize) * numBlocks,
	}
	rb.store = make([]float64, rb.size)
	rb.scratch = make([]float64, rb.blocksize)
	return rb, nil
}

// Full reports whether every block holds unread data.
func (rb *RingBuffer) Full() bool {
	return rb.store != nil && rb.read == rb.size
}

// Empty reports whether there is nothing to read.
func (rb *RingBuffer) Empty() bool {
	return rb.store == nil || rb.read == rb.write
}

// Capacity returns the number of scans the buffer can hold.
func (rb *RingBuffer) Capacity() int {
	return rb.samplesPerBlock * rb.numBlocks
}

// Waiting returns the number of scans written but not yet read.
func (rb *RingBuffer) Waiting() int {
	if rb.store == nil {
		return 0
	}
	if rb.read == rb.size {
		return rb.Capacity()
	}
	values := (rb.write - rb.read + rb.size) % rb.size
	return values / rb.channels
}

// Counters returns the cumulative scan counts.
func (rb *RingBuffer) Counters() BufferCounters {
	return BufferCounters{Streamed: rb.samplesStreamed, Read: rb.samplesRead, Overrun: rb.samplesOverrun}
}

// WriteSlot returns the block the producer should fill next, or nil if the buffer
// has no storage. While the buffer is full this is a scratch block; the oldest
// unread block is only replaced when the write is committed.
func (rb *RingBuffer) WriteSlot() []float64 {
	if rb.store == nil {
		return nil
	}
	rb.staged = rb.read == rb.size
	if rb.staged {
		return rb.scratch
	}
	return rb.store[rb.write : rb.write+rb.blocksize]
}

// BeginWrite opens a tentative write and returns the slot to fill. The write must
// be finished with CommitWrite or DiscardWrite.
func (rb *RingBuffer) BeginWrite() []float64 {
	slot := rb.WriteSlot()
	rb.pending = slot != nil
	return slot
}

// DiscardWrite abandons a tentative write. Cursors and counters are exactly as
// they were before BeginWrite.
func (rb *RingBuffer) DiscardWrite() {
	rb.pending = false
	rb.staged = false
}

// Pending reports whether a tentative write is open.
func (rb *RingBuffer) Pending() bool {
	return rb.pending
}

// CommitWrite makes the block in the write slot readable and advances the write
// cursor by one block. When this fills the buffer, read is set to the full marker
// rather than letting write run over unread data. Committing into a full buffer
// replaces the oldest block, which is counted as overrun.
func (rb *RingBuffer) CommitWrite() {
	rb.pending = false
	if rb.store == nil {
		return
	}
	if rb.staged {
		copy(rb.store[rb.write:rb.write+rb.blocksize], rb.scratch)
		rb.staged = false
	}
	wasFull := rb.read == rb.size
	if wasFull {
		rb.samplesOverrun += int64(rb.samplesPerBlock)
	}
	rb.write += rb.blocksize
	if rb.write+rb.blocksize > rb.size {
		rb.write = 0
	}
	rb.samplesStreamed += int64(rb.samplesPerBlock)
	if !wasFull && rb.write == rb.read {
		rb.read = rb.size
	}
}

// ReadSlot returns the oldest unread block, or nil if the buffer is empty.
// When full, the oldest data begin exactly where the next write would land.
func (rb *RingBuffer) ReadSlot() []float64 {
	if rb.store == nil {
		return nil
	}
	switch rb.read {
	case rb.size:
		return rb.store[rb.write : rb.write+rb.blocksize]
	case rb.write:
		return nil
	}
	return rb.store[rb.read : rb.read+rb.blocksize]
}

// CommitRead releases the block last returned by ReadSlot.
func (rb *RingBuffer) CommitRead() {
	if rb.store == nil {
		return
	}
	switch rb.read {
	case rb.size:
		rb.read = rb.next(rb.write)
	case rb.write:
		return
	default:
		rb.read = rb.next(rb.read)
	}
	rb.samplesRead += int64(rb.samplesPerBlock)
}

func (rb *RingBuffer) next(cursor int) int {
	cursor += rb.blocksize
	if cursor >= rb.size {
		return 0
	}
	return cursor
}

// Reset releases the storage and zeroes all cursors and counters.
func (rb *RingBuffer) Reset() {
	rb.store = nil
	rb.scratch = nil
	rb.write = 0
	rb.read = 0
	rb.pending = false
	rb.staged = false
	rb.samplesStreamed = 0
	rb.samplesRead = 0
	rb.samplesOverrun = 0
}
