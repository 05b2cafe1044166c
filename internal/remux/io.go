package remux

import (
	"time"

	astiav "github.com/asticode/go-astiav"

	"github.com/jcharest/foscam-gateway/internal/pipe"
)

// ioBufferSize is the AVIOContext internal buffer size for every
// pipe-backed context the worker opens.
const ioBufferSize = 4096

// readPollInterval bounds each wait inside a demuxer read callback, so the
// callback rechecks the worker's stop signal at least this often while its
// pipe is empty. An empty pipe is not reported to libavformat: the callback
// keeps polling until data arrives or stop fires.
const readPollInterval = 20 * time.Millisecond

// newInputIOContext opens a read-only AVIOContext backed by p. The camera
// session never touches the filesystem, so every demuxer in this package
// is opened over a pipe rather than astiav.OpenIOContext's file path
// constructor.
func newInputIOContext(p *pipe.Pipe, stop <-chan struct{}) (*astiav.IOContext, error) {
	return astiav.AllocIOContext(ioBufferSize, false, pipeReadFunc(p, stop), nil, nil)
}

// newOutputIOContext opens a write-only AVIOContext backed by p, used for
// the fragmented MP4 muxer's output.
func newOutputIOContext(p *pipe.Pipe) (*astiav.IOContext, error) {
	return astiav.AllocIOContext(ioBufferSize, true, nil, pipeWriteFunc(p), nil)
}

// pipeReadFunc adapts a Pipe into the read callback AVIOContext expects. A
// live camera pipe never truly runs dry, so a readPollInterval timeout with
// nothing to read is not reported to the caller at all: the loop just polls
// again. The callback only returns once it has at least one byte to hand
// back, or once stop fires, in which case it reports astiav.ErrEof so the
// demuxer unwinds cleanly instead of blocking forever on a worker that is
// being torn down.
func pipeReadFunc(p *pipe.Pipe, stop <-chan struct{}) func([]byte) (int, error) {
	return func(buf []byte) (int, error) {
		for {
			select {
			case <-stop:
				return 0, astiav.ErrEof
			default:
			}
			if n := p.WaitAndPop(buf, readPollInterval); n > 0 {
				return n, nil
			}
		}
	}
}

// pipeWriteFunc adapts a Pipe into the write callback AVIOContext expects.
func pipeWriteFunc(p *pipe.Pipe) func([]byte) (int, error) {
	return func(buf []byte) (int, error) {
		p.Push(buf)
		return len(buf), nil
	}
}
