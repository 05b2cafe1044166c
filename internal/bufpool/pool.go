// Package bufpool provides sized byte slices backed by reusable buffers to
// reduce GC churn on the camera session's single reader goroutine, which
// allocates one scratch buffer per wire record: a fixed 36-byte reply body
// on every VIDEO_ON_REPLY/AUDIO_ON_REPLY, and a variable-length chunk on
// every VIDEO_DATA/AUDIO_DATA record.
package bufpool

import (
	"sync"

	"github.com/jcharest/foscam-gateway/internal/foscam/wire"
)

// sizeClasses are chosen from the shapes actually seen on the wire:
// wire.ReplyBodySize covers every VIDEO_ON_REPLY/AUDIO_ON_REPLY exactly, the
// middle class comfortably holds a PCM AUDIO_DATA chunk, and the largest
// covers a single H.264 VIDEO_DATA burst without falling back to an
// unpooled allocation on the common case.
var sizeClasses = []int{wire.ReplyBodySize, 4096, 65536}

type classPool struct {
	size int
	pool *sync.Pool
}

// Pool provides sized byte slices backed by reusable buffers to reduce GC churn.
type Pool struct {
	pools []classPool
}

var defaultPool = New()

// Get acquires a buffer from the package-level default pool.
func Get(size int) []byte {
	return defaultPool.Get(size)
}

// Put releases a buffer back to the package-level default pool.
func Put(buf []byte) {
	defaultPool.Put(buf)
}

// GetReply acquires a buffer sized exactly for a VIDEO_ON_REPLY or
// AUDIO_ON_REPLY body from the package-level default pool. It never falls
// through to an unpooled allocation, unlike Get, because the reply body
// size is a wire-protocol constant rather than a caller-supplied value.
func GetReply() []byte {
	return defaultPool.Get(wire.ReplyBodySize)
}

// PutReply releases a reply-body buffer acquired from GetReply.
func PutReply(buf []byte) {
	defaultPool.Put(buf)
}

// New creates a buffer pool with predefined size classes tailored for the
// camera session reader's reply bodies and fan-out chunks.
func New() *Pool {
	pools := make([]classPool, len(sizeClasses))
	for i, classSize := range sizeClasses {
		size := classSize
		pools[i] = classPool{
			size: size,
			pool: &sync.Pool{
				New: func() any {
					return make([]byte, size)
				},
			},
		}
	}
	return &Pool{pools: pools}
}

// Get returns a byte slice whose length matches the requested size and whose capacity is the
// nearest predefined size class that can accommodate the request. Requests larger than the
// maximum size class allocate a fresh slice without pooling.
func (p *Pool) Get(size int) []byte {
	if p == nil || size <= 0 {
		return nil
	}

	for i := range p.pools {
		class := &p.pools[i]
		if size <= class.size {
			buf := class.pool.Get().([]byte)
			return buf[:size]
		}
	}

	return make([]byte, size)
}

// Put returns the provided buffer to the pool if its capacity matches a predefined size class.
// Buffers that do not match any class are discarded. The buffer is zeroed before reuse to avoid
// leaking data across callers.
func (p *Pool) Put(buf []byte) {
	if p == nil || buf == nil {
		return
	}

	capBuf := cap(buf)
	for i := range p.pools {
		class := &p.pools[i]
		if capBuf == class.size {
			full := buf[:class.size]
			clear(full)
			class.pool.Put(full)
			return
		}
	}
}
