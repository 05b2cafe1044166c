// Package pipe implements the bounded, thread-safe byte FIFO shared by the
// camera session (producer) and the subscriber streams / remux worker
// (consumers). One Pipe instance is single-producer/single-consumer.
package pipe

import (
	"sync"
	"time"
)

// DefaultCapacity is the soft upper bound on buffered bytes when none is
// configured explicitly.
const DefaultCapacity = 1 << 20 // 1 MiB

// drainWait bounds how long Push blocks a producer trying to make room in a
// full pipe before it falls back to dropping the incoming chunk. Backpressure
// is applied identically for video and audio pipes, per the wire protocol's
// fan-out contract.
const drainWait = 50 * time.Millisecond

// Pipe is an ordered byte queue with a soft capacity. Push never blocks the
// caller indefinitely: it waits briefly for the consumer to drain, then
// drops the chunk and marks the pipe lagging rather than growing unbounded
// or corrupting ordering. Pipe never returns an error; a dropped producer or
// a dropped chunk is observable only as a consumer that stops advancing or
// as Lagging() becoming true.
type Pipe struct {
	mu    sync.Mutex
	cond  *sync.Cond
	buf   []byte
	limit int

	lagging  bool
	dropped  uint64
	pushed   uint64
	consumed uint64
}

// New creates a Pipe with the given capacity in bytes. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Pipe {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Pipe{limit: capacity}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Push appends data to the pipe. If there is not enough room, Push waits up
// to drainWait for the consumer to make space; if the pipe is still full
// afterward, the whole chunk is dropped and the pipe is marked lagging. Push
// never reorders or splits a chunk: either all of it is enqueued or none of
// it is. It reports whether this call dropped its chunk, so callers can
// attribute the drop (e.g. to a metrics counter) without polling Lagging.
func (p *Pipe) Push(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf)+len(data) > p.limit {
		deadline := time.Now().Add(drainWait)
		for len(p.buf)+len(data) > p.limit && time.Now().Before(deadline) {
			p.waitUntil(deadline)
		}
		if len(p.buf)+len(data) > p.limit {
			p.lagging = true
			p.dropped++
			return true
		}
	}

	p.buf = append(p.buf, data...)
	p.pushed++
	p.cond.Signal()
	return false
}

// waitUntil blocks on the condition variable until signaled or deadline
// passes. Must be called with p.mu held.
func (p *Pipe) waitUntil(deadline time.Time) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}
	done := make(chan struct{})
	timer := time.AfterFunc(remaining, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
		close(done)
	})
	p.cond.Wait()
	timer.Stop()
	select {
	case <-done:
	default:
	}
}

// ReadAvailable returns an instantaneous estimate of buffered bytes. It may
// be stale the instant it returns, but is monotone between completed writes.
func (p *Pipe) ReadAvailable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Lagging reports whether this pipe has ever dropped a pushed chunk because
// its consumer could not keep up.
func (p *Pipe) Lagging() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lagging
}

// TryPop copies up to len(dst) buffered bytes into dst without blocking,
// returning the number of bytes copied.
func (p *Pipe) TryPop(dst []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.popLocked(dst)
}

// WaitAndPop blocks up to timeout for at least one byte to appear, then
// copies up to len(dst) bytes. It returns the number of bytes copied, which
// is 0 only if timeout elapsed with the pipe empty.
func (p *Pipe) WaitAndPop(dst []byte, timeout time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		deadline := time.Now().Add(timeout)
		p.waitUntil(deadline)
	}
	return p.popLocked(dst)
}

// popLocked copies buffered bytes into dst and compacts the backing slice.
// Must be called with p.mu held.
func (p *Pipe) popLocked(dst []byte) int {
	if len(p.buf) == 0 || len(dst) == 0 {
		return 0
	}
	n := copy(dst, p.buf)
	remaining := len(p.buf) - n
	copy(p.buf, p.buf[n:])
	p.buf = p.buf[:remaining]
	p.consumed += uint64(n)
	p.cond.Signal()
	return n
}
