// Package pool provides reusable byte buffers for the hashing and copy paths.
//
// sync.Pool caches allocated but unused objects for later reuse, relieving
// pressure on the garbage collector. Items in the pool are dropped during
// garbage collection, so it suits short-lived buffers only.
package pool

import (
	"sync"
)

// BlockSize is the streaming block size used for hashing and copying.
const BlockSize int64 = 64 * 1024

// FixedBufferPool hands out byte slices of one fixed size.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBuffer creates a pool of size-byte buffers. size must be positive.
func NewFixedBuffer(size int64) *FixedBufferPool {
	if size <= 0 {
		panic("buffer size must be positive")
	}
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, int(size))
				return &b
			},
		},
	}
}

// Size returns the length of the buffers handed out by the pool.
func (fp *FixedBufferPool) Size() int64 {
	return fp.size
}

// Get retrieves a buffer of exactly Size bytes.
func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool.
func (fp *FixedBufferPool) Put(b *[]byte) {
	// Only put it back if it's the right size.
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
