// Package stream implements the per-viewer subscriber: three byte pipes
// bound to a dedicated remux worker, registered with the camera session's
// fan-out set for the lifetime of one viewer connection.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jcharest/foscam-gateway/internal/foscam/session"
	"github.com/jcharest/foscam-gateway/internal/logger"
	"github.com/jcharest/foscam-gateway/internal/metrics"
	"github.com/jcharest/foscam-gateway/internal/pipe"
)

// getVideoStreamDataTimeout bounds how long GetVideoStreamData waits for
// remuxed output before returning zero bytes.
const getVideoStreamDataTimeout = 100 * time.Millisecond

// ErrSessionLost is returned by New when the camera session has already
// torn down; there is nothing left to subscribe to.
var ErrSessionLost = errors.New("camera session is no longer connected")

// RemuxWorker is the narrow seam Stream needs from internal/remux, kept as
// an interface so tests can exercise fan-out and teardown without
// depending on astiav/cgo. Stop blocks until Run's goroutine has returned.
type RemuxWorker interface {
	Run()
	Stop()
}

// WorkerFactory builds the remux worker bound to a subscriber's three
// pipes. internal/remux's constructors take the same parameters but return
// *remux.Worker, so cmd/foscam-gateway adapts them with a closure; tests
// substitute a fake.
type WorkerFactory func(videoIn, audioIn, remuxedOut *pipe.Pipe, framerate int, log *slog.Logger) RemuxWorker

// Stream is one subscriber: a viewer's fragmented-MP4 output fed by a
// dedicated remux worker consuming this camera session's fan-out.
type Stream struct {
	id string

	videoIn    *pipe.Pipe
	audioIn    *pipe.Pipe
	remuxedOut *pipe.Pipe

	worker     RemuxWorker
	unregister func()

	log *slog.Logger
}

var idCounter uint64

func nextID() string {
	return fmt.Sprintf("sub-%d", atomic.AddUint64(&idCounter, 1))
}

// New allocates a subscriber's pipes, constructs its remux worker, starts
// the worker, and registers the subscriber with sess's fan-out set. It
// returns ErrSessionLost if sess has already disconnected, mirroring the
// teacher's sentinel-error pattern for rejecting registration against a
// dead resource. The pipe capacity governs backpressure per
// internal/pipe's policy.
func New(sess *session.Session, pipeCapacity int, buildWorker WorkerFactory) (*Stream, error) {
	if sess.State() == session.Disconnected {
		return nil, ErrSessionLost
	}

	id := nextID()
	log := logger.WithSubscriber(logger.Logger(), id)

	s := &Stream{
		id:         id,
		videoIn:    pipe.New(pipeCapacity),
		audioIn:    pipe.New(pipeCapacity),
		remuxedOut: pipe.New(pipeCapacity),
		log:        log,
	}
	s.worker = buildWorker(s.videoIn, s.audioIn, s.remuxedOut, sess.Framerate(), log)
	s.unregister = sess.Register(s)

	go s.worker.Run()

	log.Info("subscriber stream created")
	return s, nil
}

// ID returns the subscriber's opaque identifier, used for logging.
func (s *Stream) ID() string { return s.id }

// PushVideo implements session.Subscriber, forwarding camera VIDEO_DATA
// bytes into this subscriber's video pipe.
func (s *Stream) PushVideo(data []byte) {
	if s.videoIn.Push(data) {
		metrics.RecordPipeDrop("video")
	}
}

// PushAudio implements session.Subscriber, forwarding camera AUDIO_DATA
// PCM bytes into this subscriber's audio pipe.
func (s *Stream) PushAudio(data []byte) {
	if s.audioIn.Push(data) {
		metrics.RecordPipeDrop("audio")
	}
}

// GetVideoStreamData copies up to len(dst) bytes of remuxed fragmented MP4
// output into dst, waiting up to 100ms for data to arrive. It returns 0 if
// no data arrived within the timeout; this is not an error, the caller
// should simply retry.
func (s *Stream) GetVideoStreamData(dst []byte) int {
	return s.remuxedOut.WaitAndPop(dst, getVideoStreamDataTimeout)
}

// Close deregisters the subscriber from the session's fan-out set, stops
// and joins the remux worker, and releases the pipes.
func (s *Stream) Close() {
	if s.unregister != nil {
		s.unregister()
	}
	s.worker.Stop()
	s.log.Info("subscriber stream closed")
}
