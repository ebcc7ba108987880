package cqlite

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// minBufferClass and maxBufferClass bound the power-of-two size classes the
// pool buckets buffers into (spec.md §4.J: "a size-class-bucketed free list
// of byte buffers (power-of-two sizes)").
const (
	minBufferClass = 256        // 2^8
	maxBufferClass = 1 << 22    // 4 MiB; larger requests bypass the pool entirely
	minBufferShift = 8
)

// BufferPool is a size-class-bucketed free list of reusable byte buffers,
// grounded on the teacher's sync.Pool-backed Entry reuse in memtable.go,
// generalized from one fixed shape to the spec's power-of-two size classes
// and a hard outstanding-memory ceiling.
type BufferPool struct {
	classes   []sync.Pool
	maxMemory int64
	allocated atomic.Int64
}

// NewBufferPool builds a pool that prefers reuse but falls back to a fresh,
// unpooled allocation once outstanding memory would exceed maxMemory (0
// means unbounded).
func NewBufferPool(maxMemory int64) *BufferPool {
	numClasses := bits.Len(uint(maxBufferClass)) - minBufferShift + 1
	p := &BufferPool{classes: make([]sync.Pool, numClasses), maxMemory: maxMemory}
	for i := range p.classes {
		size := classSize(i)
		p.classes[i].New = func() any { return make([]byte, 0, size) }
	}
	return p
}

func classSize(classIndex int) int { return minBufferClass << uint(classIndex) }

// classFor returns the smallest size class index able to hold n bytes, or
// -1 if n exceeds the largest pooled class (the caller allocates directly).
func classFor(n int) int {
	if n > maxBufferClass {
		return -1
	}
	size := minBufferClass
	idx := 0
	for size < n {
		size <<= 1
		idx++
	}
	return idx
}

// Allocate returns a buffer of length n, reused from the smallest sufficient
// size class when available and within budget, or freshly allocated
// otherwise. Total outstanding memory is tracked so the pool never grows
// without bound; exceeding maxMemory just means "stop pooling", not "fail".
func (p *BufferPool) Allocate(n int) []byte {
	idx := classFor(n)
	if idx < 0 {
		return make([]byte, n)
	}
	if p.maxMemory > 0 && p.allocated.Load()+int64(classSize(idx)) > p.maxMemory {
		return make([]byte, n)
	}
	buf := p.classes[idx].Get().([]byte)
	p.allocated.Add(int64(cap(buf)))
	return buf[:n]
}

// Deallocate clears b and returns it to its size class's free list. Buffers
// not originally sized to a pooled class (n > maxBufferClass) are dropped.
func (p *BufferPool) Deallocate(b []byte) {
	idx := classFor(cap(b))
	if idx < 0 || classSize(idx) != cap(b) {
		return
	}
	p.allocated.Add(-int64(cap(b)))
	for i := range b {
		b[i] = 0
	}
	p.classes[idx].Put(b[:0])
}

// Allocated reports current outstanding (checked-out) pool memory in bytes.
func (p *BufferPool) Allocated() int64 { return p.allocated.Load() }
