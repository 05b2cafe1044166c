// Package session implements the camera-facing half of the server-push
// protocol: dialing the camera, resolving its stream metadata over CGI,
// driving the VideoOn/AudioOn/Disconnect handshake, and running the single
// reader loop that fans VIDEO_DATA/AUDIO_DATA out to every registered
// subscriber.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jcharest/foscam-gateway/internal/bufpool"
	"github.com/jcharest/foscam-gateway/internal/ferrors"
	"github.com/jcharest/foscam-gateway/internal/foscam/cgi"
	"github.com/jcharest/foscam-gateway/internal/foscam/wire"
	"github.com/jcharest/foscam-gateway/internal/logger"
	"github.com/jcharest/foscam-gateway/internal/metrics"
)

// State is the camera session's lifecycle state.
type State uint8

const (
	Disconnected State = iota
	Connected
	VideoOn
	VideoAudioOn
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case VideoOn:
		return "video_on"
	case VideoAudioOn:
		return "video_audio_on"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Subscriber is the narrow interface the reader's fan-out step needs. The
// concrete subscriber stream type lives in internal/foscam/stream, which
// depends on this package (not the reverse), so the dependency is kept
// interface-shaped here to avoid a cycle.
type Subscriber interface {
	PushVideo(data []byte)
	PushAudio(data []byte)
}

// Session is one camera server-push connection.
type Session struct {
	host     string
	port     uint16
	uid      uint32
	user     string
	password string

	conn net.Conn
	log  *slog.Logger

	cgiClient  *cgi.Client
	streamType wire.Videostream
	framerate  int

	writeMu sync.Mutex

	stateMu sync.Mutex
	state   State

	subMu     sync.Mutex
	subs      map[uint64]Subscriber
	nextSubID uint64

	waitMu    sync.Mutex
	videoWait chan error
	audioWait chan error

	videoEnabled bool
	audioEnabled bool

	connectOnce sync.Once
	closed      chan struct{}
	closeOnce   sync.Once
}

// New resolves, connects, primes, and resolves stream metadata via CGI. The
// returned session's reader is not yet running; call Connect to start it.
func New(ctx context.Context, host string, port uint16, uid uint32, user, password string) (*Session, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ferrors.NewConnectError("session.dial", err)
	}

	priming := fmt.Sprintf("SERVERPUSH / HTTP/1.0\r\nHost: %s:%d\r\nAccept: */*\r\nConnection: close\r\n\r\n", host, port)
	if err := conn.SetWriteDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		_ = conn.Close()
		return nil, ferrors.NewConnectError("session.primingDeadline", err)
	}
	if _, err := conn.Write([]byte(priming)); err != nil {
		_ = conn.Close()
		return nil, ferrors.NewConnectError("session.priming", err)
	}
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, ferrors.NewConnectError("session.clearDeadline", err)
	}

	s := newSession(conn, host, port, uid, user, password)
	s.cgiClient = cgi.New(host, port, user, password)

	streamType, err := s.cgiClient.StreamType(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	rate, err := s.cgiClient.FrameRate(ctx, streamType)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.streamType = streamType
	s.framerate = rate

	s.log.Info("camera session established", "stream_type", streamType, "framerate", rate)
	return s, nil
}

// NewOverConn builds a Session over an already-established connection,
// skipping the dial/priming/CGI steps. It exists for tests in this module
// (e.g. internal/foscam/stream) that need a Session fan-out target wired
// to a net.Pipe fake without a real camera or CGI endpoint.
func NewOverConn(conn net.Conn, host string, port uint16, uid uint32, user, password string, streamType wire.Videostream, framerate int) *Session {
	s := newSession(conn, host, port, uid, user, password)
	s.streamType = streamType
	s.framerate = framerate
	return s
}

// newSession builds a Session over an already-established connection,
// skipping the dial/priming/CGI steps. Used by New and, with a net.Pipe
// fake, by tests driving the reader loop and state machine directly.
func newSession(conn net.Conn, host string, port uint16, uid uint32, user, password string) *Session {
	return &Session{
		host:     host,
		port:     port,
		uid:      uid,
		user:     user,
		password: password,
		conn:     conn,
		log:      logger.WithSession(logger.Logger(), host, port),
		subs:     make(map[uint64]Subscriber),
		closed:   make(chan struct{}),
		state:    Connected,
	}
}

// Connect starts the asynchronous reader loop. Idempotent after the first
// successful call.
func (s *Session) Connect() {
	s.connectOnce.Do(func() {
		go s.readLoop()
	})
}

// Framerate returns the frame rate resolved for the session's video stream.
func (s *Session) Framerate() int { return s.framerate }

// StreamType returns which camera video stream this session carries.
func (s *Session) StreamType() wire.Videostream { return s.streamType }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Done returns a channel closed once the reader loop has exited, whether
// from a camera-initiated close or a protocol error. Callers supervising
// the session's lifetime (e.g. a reconnect loop) select on it instead of
// polling State.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
	s.log.Debug("session state transition", "state", st.String())
}

// Register adds sub to the fan-out set. It returns a function that removes
// it; callers (internal/foscam/stream) must call the returned function on
// teardown.
func (s *Session) Register(sub Subscriber) (unregister func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = sub
	count := len(s.subs)
	s.subMu.Unlock()
	metrics.SetSubscriberCount(count)

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		count := len(s.subs)
		s.subMu.Unlock()
		metrics.SetSubscriberCount(count)
	}
}

// VideoOn requests the VIDEO_DATA stream be enabled and blocks until the
// camera replies.
func (s *Session) VideoOn(ctx context.Context) error {
	body := wire.VideoOnRequestBody{Stream: s.streamType, Username: s.user, Password: s.password, UID: s.uid}
	return s.sendAndWait(ctx, wire.VideoOnRequest, body.Encode(), s.registerVideoWait)
}

// AudioOn requests the AUDIO_DATA stream be enabled and blocks until the
// camera replies. It may precede or follow VideoOn.
func (s *Session) AudioOn(ctx context.Context) error {
	body := wire.AudioOnRequestBody{Username: s.user, Password: s.password}
	return s.sendAndWait(ctx, wire.AudioOnRequest, body.Encode(), s.registerAudioWait)
}

func (s *Session) registerVideoWait() chan error {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	ch := make(chan error, 1)
	s.videoWait = ch
	return ch
}

func (s *Session) registerAudioWait() chan error {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	ch := make(chan error, 1)
	s.audioWait = ch
	return ch
}

func (s *Session) sendAndWait(ctx context.Context, cmd wire.CommandType, body []byte, register func() chan error) error {
	ch := register()
	if err := s.writeRecord(cmd, body); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ferrors.NewSessionLost(io.ErrClosedPipe)
	}
}

// Disconnect serializes a CLOSE_CONNECTION record using stored credentials.
// Safe to call multiple times; the reader observes the remote close and
// exits on its own.
func (s *Session) Disconnect() error {
	s.setState(Closing)
	body := wire.CloseConnectionBody{Username: s.user, Password: s.password}
	return s.writeRecord(wire.CloseConnection, body.Encode())
}

func (s *Session) writeRecord(cmd wire.CommandType, body []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	header := wire.EncodeHeader(cmd, uint32(len(body)))
	if _, err := s.conn.Write(header); err != nil {
		return ferrors.NewConnectError("session.writeHeader", err)
	}
	if _, err := s.conn.Write(body); err != nil {
		return ferrors.NewConnectError("session.writeBody", err)
	}
	return nil
}

// readLoop is the session's single logical reader: it never performs
// blocking work inside the fan-out step other than copying bytes into
// subscriber pipes.
func (s *Session) readLoop() {
	defer s.terminate(nil)

	headerBuf := make([]byte, wire.HeaderSize)
	audioSubHeader := make([]byte, wire.AudioDataSubHeaderSize)

	for {
		if _, err := io.ReadFull(s.conn, headerBuf); err != nil {
			s.terminate(err)
			return
		}
		h, err := wire.DecodeHeader(headerBuf)
		if err != nil {
			s.terminate(ferrors.NewProtocolError("readLoop.header", err))
			return
		}

		switch h.Type {
		case wire.VideoOnReply:
			if err := s.handleReply(h, s.videoWaitChan()); err != nil {
				s.terminate(err)
				return
			}
		case wire.AudioOnReply:
			if err := s.handleReply(h, s.audioWaitChan()); err != nil {
				s.terminate(err)
				return
			}
		case wire.VideoData:
			if err := s.fanOutData(h.Size, func(chunk []byte) {
				for _, sub := range s.subscriberSnapshot() {
					sub.PushVideo(chunk)
				}
			}); err != nil {
				s.terminate(err)
				return
			}
		case wire.AudioData:
			if h.Size < wire.AudioDataSubHeaderSize {
				s.terminate(ferrors.NewProtocolError("readLoop.audioSubHeader", wire.ErrInvalidLength))
				return
			}
			if _, err := io.ReadFull(s.conn, audioSubHeader); err != nil {
				s.terminate(err)
				return
			}
			remaining := h.Size - wire.AudioDataSubHeaderSize
			if err := s.fanOutData(remaining, func(chunk []byte) {
				for _, sub := range s.subscriberSnapshot() {
					sub.PushAudio(chunk)
				}
			}); err != nil {
				s.terminate(err)
				return
			}
		default:
			s.log.Warn("unknown record type, discarding to resync", "type", h.Type, "size", h.Size)
			if _, err := io.CopyN(io.Discard, s.conn, int64(h.Size)); err != nil {
				s.terminate(err)
				return
			}
		}
	}
}

// subscriberSnapshot copies the current subscriber set under lock so the
// fan-out step below never holds subMu while calling into subscriber code.
func (s *Session) subscriberSnapshot() []Subscriber {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (s *Session) videoWaitChan() chan error {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.videoWait
}

func (s *Session) audioWaitChan() chan error {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.audioWait
}

// handleReply reads a VIDEO_ON_REPLY/AUDIO_ON_REPLY body, advances state on
// success, and notifies the waiter either way. The declared size is checked
// against wire.ReplyBodySize before any bytes are read: handleReply always
// consumes a fixed-size pooled buffer via bufpool.GetReply, so a header that
// declares anything else would desync the stream if taken at face value.
func (s *Session) handleReply(h wire.Header, waiter chan error) error {
	if h.Size != wire.ReplyBodySize {
		return ferrors.NewProtocolError("reply.size",
			fmt.Errorf("declared size %d, want %d: %w", h.Size, wire.ReplyBodySize, wire.ErrInvalidLength))
	}

	buf := bufpool.GetReply()
	defer bufpool.PutReply(buf)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return err
	}
	reply, err := wire.DecodeReplyBody(buf)
	if err != nil {
		return ferrors.NewProtocolError("reply.decode", err)
	}

	var result error
	if reply.Failed {
		kind := "video"
		if h.Type == wire.AudioOnReply {
			kind = "audio"
		}
		result = ferrors.NewCameraError(kind)
	} else {
		s.advanceOnSuccess(h.Type)
	}

	if waiter != nil {
		select {
		case waiter <- result:
		default:
		}
	}
	return nil
}

// advanceOnSuccess moves the state machine forward after a successful
// VIDEO_ON_REPLY or AUDIO_ON_REPLY. AudioOn may be granted before VideoOn;
// since the state machine has no audio-only state, that case leaves the
// session in Connected until VideoOn also succeeds.
func (s *Session) advanceOnSuccess(replyType wire.CommandType) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch replyType {
	case wire.VideoOnReply:
		s.videoEnabled = true
	case wire.AudioOnReply:
		s.audioEnabled = true
	}
	switch {
	case s.videoEnabled && s.audioEnabled:
		s.state = VideoAudioOn
	case s.videoEnabled:
		s.state = VideoOn
	}
	s.log.Debug("session state transition", "state", s.state.String())
}

// fanOutData reads exactly n bytes into a scratch buffer and invokes fn with
// it before the next iteration reuses the buffer.
func (s *Session) fanOutData(n uint32, fn func([]byte)) error {
	if n == 0 {
		return nil
	}
	buf := bufpool.Get(int(n))
	defer bufpool.Put(buf)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return err
	}
	fn(buf)
	return nil
}

// terminate closes the socket, wakes any in-flight waiters with
// SessionLost, and marks the session Disconnected. Safe to call more than
// once; only the first call has effect.
func (s *Session) terminate(cause error) {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.closed)
		s.setState(Disconnected)

		lost := ferrors.NewSessionLost(cause)
		if errors.Is(cause, io.EOF) {
			s.log.Info("camera closed connection")
		} else if cause != nil {
			s.log.Error("camera session terminated", "error", cause)
		}

		s.waitMu.Lock()
		vw, aw := s.videoWait, s.audioWait
		s.waitMu.Unlock()
		if vw != nil {
			select {
			case vw <- lost:
			default:
			}
		}
		if aw != nil {
			select {
			case aw <- lost:
			default:
			}
		}
	})
}
