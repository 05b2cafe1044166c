// Package remux implements the per-subscriber H.264 stream-copy / G.711-to-
// AC3 transcode pipeline that turns a camera session's raw video_in/audio_in
// byte streams into fragmented MP4 written to remuxed_out. It is built on
// github.com/asticode/go-astiav, the Go binding for ffmpeg's libav*
// libraries, which plays the role of the "codec facility" external
// collaborator.
package remux

import (
	"log/slog"
	"time"

	astiav "github.com/asticode/go-astiav"

	"github.com/jcharest/foscam-gateway/internal/metrics"
	"github.com/jcharest/foscam-gateway/internal/pipe"
)

// probeSize is the default minimum number of buffered bytes in video_in
// before the worker attempts to open a demuxer on it. NewWithProbeSize
// overrides it per gateway configuration.
const probeSize = 256 * 1024

// idleSleep is how long the steady-state loop sleeps when neither demuxer
// produced a packet and both input pipes are empty, to avoid busy-spinning.
const idleSleep = 10 * time.Millisecond

const (
	outputSampleRate = 8000
	outputChannels   = 1
)

// Worker is one subscriber's dedicated remux pipeline. It owns no state
// shared with other subscribers: a codec failure here never affects the
// camera session or any other viewer.
type Worker struct {
	videoIn    *pipe.Pipe
	audioIn    *pipe.Pipe
	remuxedOut *pipe.Pipe
	framerate  int
	probeSize  int
	log        *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// New constructs a Worker bound to a subscriber's three pipes, using the
// default probe threshold. Its parameters match
// internal/foscam/stream.WorkerFactory; it returns *Worker, so a
// WorkerFactory wraps it in a closure.
func New(videoIn, audioIn, remuxedOut *pipe.Pipe, framerate int, log *slog.Logger) *Worker {
	return NewWithProbeSize(videoIn, audioIn, remuxedOut, framerate, log, probeSize)
}

// NewWithProbeSize is New with an explicit probe threshold, for gateways
// that expose -probe-size as a configuration knob. cmd/foscam-gateway
// closes over the configured value to build a stream.WorkerFactory.
func NewWithProbeSize(videoIn, audioIn, remuxedOut *pipe.Pipe, framerate int, log *slog.Logger, probe int) *Worker {
	if probe <= 0 {
		probe = probeSize
	}
	return &Worker{
		videoIn:    videoIn,
		audioIn:    audioIn,
		remuxedOut: remuxedOut,
		framerate:  framerate,
		probeSize:  probe,
		log:        log,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run executes the worker's single cooperative loop until Stop is called or
// initialization fails. It always releases every codec resource it
// acquired, on every exit path.
func (w *Worker) Run() {
	defer close(w.done)

	if !w.waitForProbeThreshold() {
		return
	}

	sess, err := w.initialize()
	if err != nil {
		w.log.Error("remux initialization failed", "error", err)
		metrics.RecordRemuxError("init")
		return
	}
	defer sess.release()

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		videoProgressed, videoErr := w.remuxVideo(sess)
		if videoErr != nil {
			w.log.Error("video remux failed, stopping worker", "error", videoErr)
			metrics.RecordRemuxError("runtime")
			return
		}
		audioProgressed, audioErr := w.transcodeAudio(sess)
		if audioErr != nil {
			w.log.Error("audio transcode failed, stopping worker", "error", audioErr)
			metrics.RecordRemuxError("runtime")
			return
		}

		if !videoProgressed && !audioProgressed {
			if w.videoIn.ReadAvailable() == 0 && w.audioIn.ReadAvailable() == 0 {
				select {
				case <-w.stop:
					return
				case <-time.After(idleSleep):
				}
			}
		}
	}
}

// Stop signals the worker to exit its steady-state loop and blocks until
// Run has returned, ensuring codec resources are released before Stop
// itself returns.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// waitForProbeThreshold blocks until video_in has buffered at least
// probeSize bytes, or Stop is signaled first.
func (w *Worker) waitForProbeThreshold() bool {
	for {
		select {
		case <-w.stop:
			return false
		default:
		}
		if w.videoIn.ReadAvailable() >= w.probeSize {
			return true
		}
		select {
		case <-w.stop:
			return false
		case <-time.After(idleSleep):
		}
	}
}

// releaser is a LIFO of cleanup functions. Every astiav object this worker
// acquires is pushed here on successful acquisition and unwound
// unconditionally on exit, so a partial failure during initialize never
// leaks a demuxer, decoder, resampler, or FIFO.
type releaser struct {
	fns []func()
}

func (r *releaser) push(fn func()) { r.fns = append(r.fns, fn) }

func (r *releaser) release() {
	for i := len(r.fns) - 1; i >= 0; i-- {
		r.fns[i]()
	}
}

// remuxSession holds every astiav object live for the worker's steady state,
// plus the releaser that tears them all down.
type remuxSession struct {
	releaser releaser

	videoIn  *astiav.FormatContext
	videoStr *astiav.Stream

	audioIn  *astiav.FormatContext
	audioStr *astiav.Stream
	audioDec *astiav.CodecContext
	decFrame *astiav.Frame

	out           *astiav.FormatContext
	outVideoStr   *astiav.Stream
	outAudioStr   *astiav.Stream
	headerWritten bool

	audioEnc  *astiav.CodecContext
	encFrame  *astiav.Frame
	resampler *astiav.SoftwareResampleContext
	audioFifo *astiav.AudioFifo

	videoPkt *astiav.Packet
	audioPkt *astiav.Packet
	encPkt   *astiav.Packet
}

func (s *remuxSession) release() {
	if s.headerWritten && s.out != nil {
		_ = s.out.WriteTrailer()
	}
	s.releaser.release()
}
