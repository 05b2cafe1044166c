package stream

import (
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jcharest/foscam-gateway/internal/foscam/session"
	"github.com/jcharest/foscam-gateway/internal/foscam/wire"
	"github.com/jcharest/foscam-gateway/internal/pipe"
)

// fakeWorker stands in for internal/remux.Worker: it copies whatever
// appears on videoIn straight to remuxedOut so tests can observe fan-out
// without depending on astiav/cgo.
type fakeWorker struct {
	videoIn, remuxedOut *pipe.Pipe

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

func newFakeWorker(videoIn, _, remuxedOut *pipe.Pipe, _ int, _ *slog.Logger) RemuxWorker {
	return &fakeWorker{videoIn: videoIn, remuxedOut: remuxedOut, done: make(chan struct{})}
}

func (w *fakeWorker) Run() {
	defer close(w.done)
	buf := make([]byte, 4096)
	for {
		w.mu.Lock()
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return
		}
		if n := w.videoIn.WaitAndPop(buf, 20*time.Millisecond); n > 0 {
			w.remuxedOut.Push(append([]byte(nil), buf[:n]...))
		}
	}
}

func (w *fakeWorker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	<-w.done
}

func newTestSessionForStream(t *testing.T) *session.Session {
	t.Helper()
	_, server := net.Pipe()
	t.Cleanup(func() { server.Close() })
	return session.NewOverConn(server, "camera.local", 88, 1, "admin", "secret", wire.MainStream, 15)
}

func TestNewRegistersWithSessionAndStartsWorker(t *testing.T) {
	sess := newTestSessionForStream(t)
	s, err := New(sess, 4096, newFakeWorker)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer s.Close()

	s.PushVideo([]byte("frame-bytes"))

	dst := make([]byte, 64)
	n := s.GetVideoStreamData(dst)
	if n == 0 {
		t.Fatalf("expected remuxed output, got 0 bytes")
	}
	if string(dst[:n]) != "frame-bytes" {
		t.Fatalf("unexpected output: %q", dst[:n])
	}
}

func TestGetVideoStreamDataTimesOutWithoutData(t *testing.T) {
	sess := newTestSessionForStream(t)
	s, err := New(sess, 4096, newFakeWorker)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer s.Close()

	dst := make([]byte, 16)
	start := time.Now()
	n := s.GetVideoStreamData(dst)
	elapsed := time.Since(start)
	if n != 0 {
		t.Fatalf("expected 0 bytes with no input, got %d", n)
	}
	if elapsed < 80*time.Millisecond {
		t.Fatalf("expected GetVideoStreamData to wait close to 100ms, elapsed=%s", elapsed)
	}
}

func TestNewRejectsDisconnectedSession(t *testing.T) {
	_, server := net.Pipe()
	sess := session.NewOverConn(server, "camera.local", 88, 1, "admin", "secret", wire.MainStream, 15)
	server.Close()
	sess.Connect()

	// Wait for the reader loop to observe the closed pipe and terminate.
	for i := 0; i < 100 && sess.State() != session.Disconnected; i++ {
		time.Sleep(time.Millisecond)
	}

	if _, err := New(sess, 4096, newFakeWorker); err != ErrSessionLost {
		t.Fatalf("expected ErrSessionLost, got %v", err)
	}
}

func TestCloseStopsWorkerAndDeregisters(t *testing.T) {
	sess := newTestSessionForStream(t)
	s, err := New(sess, 4096, newFakeWorker)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	fw := s.worker.(*fakeWorker)
	s.Close()

	select {
	case <-fw.done:
	default:
		t.Fatalf("expected worker to have stopped after Close")
	}
}
