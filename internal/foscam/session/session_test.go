package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jcharest/foscam-gateway/internal/ferrors"
	"github.com/jcharest/foscam-gateway/internal/foscam/wire"
)

// fakeSubscriber records everything pushed to it, guarded by a mutex since
// the reader's fan-out step may run concurrently with test assertions.
type fakeSubscriber struct {
	mu    sync.Mutex
	video [][]byte
	audio [][]byte
}

func (f *fakeSubscriber) PushVideo(data []byte) {
	cp := append([]byte(nil), data...)
	f.mu.Lock()
	f.video = append(f.video, cp)
	f.mu.Unlock()
}

func (f *fakeSubscriber) PushAudio(data []byte) {
	cp := append([]byte(nil), data...)
	f.mu.Lock()
	f.audio = append(f.audio, cp)
	f.mu.Unlock()
}

func (f *fakeSubscriber) videoLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.video)
}

func (f *fakeSubscriber) audioLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func (f *fakeSubscriber) videoAt(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.video[i]
}

func (f *fakeSubscriber) audioAt(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio[i]
}

func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	s := newSession(server, "camera.local", 88, 1, "admin", "secret")
	s.streamType = wire.MainStream
	s.framerate = 15
	return s, client
}

func writeRecord(t *testing.T, conn net.Conn, cmd wire.CommandType, body []byte) {
	t.Helper()
	if _, err := conn.Write(wire.EncodeHeader(cmd, uint32(len(body)))); err != nil {
		t.Fatalf("writing header: %v", err)
	}
	if _, err := conn.Write(body); err != nil {
		t.Fatalf("writing body: %v", err)
	}
}

func TestVideoOnSuccessAdvancesState(t *testing.T) {
	s, client := newTestSession(t)
	s.Connect()

	done := make(chan error, 1)
	go func() {
		done <- s.VideoOn(context.Background())
	}()

	// Drain the outgoing VIDEO_ON_REQUEST the client side would receive.
	drainRecord(t, client)

	writeRecord(t, client, wire.VideoOnReply, wire.ReplyBody{Failed: false}.Encode())

	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.State(); got != VideoOn {
		t.Fatalf("expected state VideoOn, got %v", got)
	}
}

func TestVideoOnFailureReturnsCameraError(t *testing.T) {
	s, client := newTestSession(t)
	s.Connect()

	done := make(chan error, 1)
	go func() {
		done <- s.VideoOn(context.Background())
	}()

	drainRecord(t, client)
	writeRecord(t, client, wire.VideoOnReply, wire.ReplyBody{Failed: true}.Encode())

	err := <-done
	if err == nil {
		t.Fatalf("expected camera error")
	}
	var camErr *ferrors.CameraError
	if ce, ok := err.(*ferrors.CameraError); ok {
		camErr = ce
	}
	if camErr == nil || camErr.Kind != "video" {
		t.Fatalf("expected CameraError(video), got %v (%T)", err, err)
	}
}

func TestAudioOnBeforeVideoOnStaysConnectedThenCombines(t *testing.T) {
	s, client := newTestSession(t)
	s.Connect()

	audioDone := make(chan error, 1)
	go func() { audioDone <- s.AudioOn(context.Background()) }()
	drainRecord(t, client)
	writeRecord(t, client, wire.AudioOnReply, wire.ReplyBody{Failed: false}.Encode())
	if err := <-audioDone; err != nil {
		t.Fatalf("unexpected audio error: %v", err)
	}
	if got := s.State(); got != Connected {
		t.Fatalf("expected state to remain Connected after audio-only success, got %v", got)
	}

	videoDone := make(chan error, 1)
	go func() { videoDone <- s.VideoOn(context.Background()) }()
	drainRecord(t, client)
	writeRecord(t, client, wire.VideoOnReply, wire.ReplyBody{Failed: false}.Encode())
	if err := <-videoDone; err != nil {
		t.Fatalf("unexpected video error: %v", err)
	}
	if got := s.State(); got != VideoAudioOn {
		t.Fatalf("expected state VideoAudioOn, got %v", got)
	}
}

func TestVideoDataFansOutToAllSubscribers(t *testing.T) {
	s, client := newTestSession(t)
	s.Connect()

	sub1 := &fakeSubscriber{}
	sub2 := &fakeSubscriber{}
	unreg1 := s.Register(sub1)
	unreg2 := s.Register(sub2)
	defer unreg1()
	defer unreg2()

	payload := []byte("nal-unit-bytes")
	writeRecord(t, client, wire.VideoData, payload)

	waitForCondition(t, func() bool {
		return sub1.videoLen() == 1 && sub2.videoLen() == 1
	})
	if string(sub1.videoAt(0)) != string(payload) || string(sub2.videoAt(0)) != string(payload) {
		t.Fatalf("subscribers did not receive identical video payload")
	}
}

func TestAudioDataSkipsSubHeaderAndFansOut(t *testing.T) {
	s, client := newTestSession(t)
	s.Connect()

	sub := &fakeSubscriber{}
	unreg := s.Register(sub)
	defer unreg()

	subHeader := make([]byte, wire.AudioDataSubHeaderSize)
	pcm := []byte("pcm-samples")
	body := append(append([]byte(nil), subHeader...), pcm...)
	writeRecord(t, client, wire.AudioData, body)

	waitForCondition(t, func() bool { return sub.audioLen() == 1 })
	if string(sub.audioAt(0)) != string(pcm) {
		t.Fatalf("expected audio payload %q without sub-header, got %q", pcm, sub.audioAt(0))
	}
}

func TestUnknownRecordTypeResyncsWithoutTerminating(t *testing.T) {
	s, client := newTestSession(t)
	s.Connect()

	writeRecord(t, client, wire.CommandType(0xEE), []byte("ignored-garbage"))
	writeRecord(t, client, wire.VideoData, []byte("after-resync"))

	sub := &fakeSubscriber{}
	unreg := s.Register(sub)
	defer unreg()

	// net.Pipe writes return only once the reader has consumed them, so the
	// unknown record has been discarded by now; the subscriber registered
	// above receives at least the next frame.
	writeRecord(t, client, wire.VideoData, []byte("second-frame"))
	waitForCondition(t, func() bool { return sub.videoLen() >= 1 })
}

func TestSocketCloseTerminatesSessionAndWakesWaiters(t *testing.T) {
	s, client := newTestSession(t)
	s.Connect()

	done := make(chan error, 1)
	go func() { done <- s.VideoOn(context.Background()) }()
	drainRecord(t, client)

	client.Close()

	err := <-done
	if !ferrors.IsProtocolError(err) {
		t.Fatalf("expected SessionLost classified as protocol error, got %v", err)
	}
	waitForCondition(t, func() bool { return s.State() == Disconnected })
}

func TestDisconnectWritesCloseConnectionRecord(t *testing.T) {
	s, client := newTestSession(t)
	s.Connect()

	go func() { _ = s.Disconnect() }()

	h, body := readRecord(t, client)
	if h.Type != wire.CloseConnection {
		t.Fatalf("expected CLOSE_CONNECTION, got %v", h.Type)
	}
	cc, err := wire.DecodeCloseConnectionBody(body)
	if err != nil {
		t.Fatalf("decoding close body: %v", err)
	}
	if cc.Username != "admin" || cc.Password != "secret" {
		t.Fatalf("unexpected credentials in close record: %+v", cc)
	}
}

// drainRecord reads and discards exactly one header+body off conn.
func drainRecord(t *testing.T, conn net.Conn) {
	t.Helper()
	readRecord(t, conn)
}

func readRecord(t *testing.T, conn net.Conn) (wire.Header, []byte) {
	t.Helper()
	hb := make([]byte, wire.HeaderSize)
	if _, err := readFull(conn, hb); err != nil {
		t.Fatalf("reading header: %v", err)
	}
	h, err := wire.DecodeHeader(hb)
	if err != nil {
		t.Fatalf("decoding header: %v", err)
	}
	body := make([]byte, h.Size)
	if _, err := readFull(conn, body); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return h, body
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
