// Package wire implements deterministic, layout-exact encode/decode of the
// Foscam server-push protocol's little-endian fixed-layout records: the
// 12-byte header and each command's fixed-size body.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the wire size of a protocol record header.
const HeaderSize = 12

// Magic is the ASCII "FOSC" constant every header must carry.
const Magic uint32 = 0x43534F46

// Errors returned by Decode* functions. ShortBuffer means fewer bytes than
// declared were available; InvalidMagic/InvalidLength indicate a malformed
// header or fixed-size body respectively.
var (
	ErrShortBuffer   = errors.New("wire: short buffer")
	ErrInvalidMagic  = errors.New("wire: invalid magic")
	ErrInvalidLength = errors.New("wire: invalid body length")
)

// CommandType identifies the kind of protocol record. Values match the
// camera's wire encoding exactly.
type CommandType uint32

const (
	VideoOnRequest  CommandType = 0x00
	CloseConnection CommandType = 0x01
	AudioOnRequest  CommandType = 0x02
	VideoOnReply    CommandType = 0x10
	AudioOnReply    CommandType = 0x12
	VideoData       CommandType = 0x1A
	AudioData       CommandType = 0x1B
)

func (t CommandType) String() string {
	switch t {
	case VideoOnRequest:
		return "VIDEO_ON_REQUEST"
	case CloseConnection:
		return "CLOSE_CONNECTION"
	case AudioOnRequest:
		return "AUDIO_ON_REQUEST"
	case VideoOnReply:
		return "VIDEO_ON_REPLY"
	case AudioOnReply:
		return "AUDIO_ON_REPLY"
	case VideoData:
		return "VIDEO_DATA"
	case AudioData:
		return "AUDIO_DATA"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint32(t))
	}
}

// Videostream selects which of the camera's two encoded video streams a
// command refers to.
type Videostream uint8

const (
	MainStream Videostream = 0
	SubStream  Videostream = 1
)

// Fixed-size body lengths per §3 of the protocol.
const (
	VideoOnRequestBodySize  = 161
	CloseConnectionBodySize = 129
	AudioOnRequestBodySize  = 161
	ReplyBodySize           = 36
	AudioDataSubHeaderSize  = 36
)

const (
	usernameFieldSize = 64
	passwordFieldSize = 64
)

// Header is the 12-byte record header preceding every command body.
type Header struct {
	Type CommandType
	Size uint32
}

// EncodeHeader serializes a 12-byte header for a body of the given size.
func EncodeHeader(t CommandType, size uint32) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(t))
	binary.LittleEndian.PutUint32(b[4:8], Magic)
	binary.LittleEndian.PutUint32(b[8:12], size)
	return b
}

// DecodeHeader parses a 12-byte header. It fails with ErrShortBuffer if
// fewer than HeaderSize bytes are available, or ErrInvalidMagic if the FOSC
// constant is violated.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	typ := binary.LittleEndian.Uint32(b[0:4])
	magic := binary.LittleEndian.Uint32(b[4:8])
	size := binary.LittleEndian.Uint32(b[8:12])
	if magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	return Header{Type: CommandType(typ), Size: size}, nil
}

// putFixedString writes s into dst, null-padding the remainder. s is
// truncated to len(dst)-1 bytes if necessary; the final byte is always
// zero.
func putFixedString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	n := len(s)
	if n > len(dst)-1 {
		n = len(dst) - 1
	}
	copy(dst, s[:n])
}

// getFixedString reads a null-terminated (or null-padded) string out of src.
func getFixedString(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}

// VideoOnRequestBody is the 161-byte VIDEO_ON_REQUEST body.
type VideoOnRequestBody struct {
	Stream   Videostream
	Username string
	Password string
	UID      uint32
}

// Encode serializes the body to VideoOnRequestBodySize bytes.
func (r VideoOnRequestBody) Encode() []byte {
	b := make([]byte, VideoOnRequestBodySize)
	b[0] = byte(r.Stream)
	putFixedString(b[1:1+usernameFieldSize], r.Username)
	off := 1 + usernameFieldSize
	putFixedString(b[off:off+passwordFieldSize], r.Password)
	off += passwordFieldSize
	binary.LittleEndian.PutUint32(b[off:off+4], r.UID)
	// remaining 28 reserved bytes are already zero
	return b
}

// DecodeVideoOnRequestBody parses a VIDEO_ON_REQUEST body.
func DecodeVideoOnRequestBody(b []byte) (VideoOnRequestBody, error) {
	if len(b) != VideoOnRequestBodySize {
		return VideoOnRequestBody{}, ErrInvalidLength
	}
	off := 1 + usernameFieldSize
	return VideoOnRequestBody{
		Stream:   Videostream(b[0]),
		Username: getFixedString(b[1 : 1+usernameFieldSize]),
		Password: getFixedString(b[off : off+passwordFieldSize]),
		UID:      binary.LittleEndian.Uint32(b[off+passwordFieldSize : off+passwordFieldSize+4]),
	}, nil
}

// CloseConnectionBody is the 129-byte CLOSE_CONNECTION body.
type CloseConnectionBody struct {
	Username string
	Password string
}

// Encode serializes the body to CloseConnectionBodySize bytes.
func (r CloseConnectionBody) Encode() []byte {
	b := make([]byte, CloseConnectionBodySize)
	// b[0] is a single reserved byte, already zero.
	putFixedString(b[1:1+usernameFieldSize], r.Username)
	putFixedString(b[1+usernameFieldSize:1+usernameFieldSize+passwordFieldSize], r.Password)
	return b
}

// DecodeCloseConnectionBody parses a CLOSE_CONNECTION body.
func DecodeCloseConnectionBody(b []byte) (CloseConnectionBody, error) {
	if len(b) != CloseConnectionBodySize {
		return CloseConnectionBody{}, ErrInvalidLength
	}
	return CloseConnectionBody{
		Username: getFixedString(b[1 : 1+usernameFieldSize]),
		Password: getFixedString(b[1+usernameFieldSize : 1+usernameFieldSize+passwordFieldSize]),
	}, nil
}

// AudioOnRequestBody is the 161-byte AUDIO_ON_REQUEST body.
type AudioOnRequestBody struct {
	Username string
	Password string
}

// Encode serializes the body to AudioOnRequestBodySize bytes.
func (r AudioOnRequestBody) Encode() []byte {
	b := make([]byte, AudioOnRequestBodySize)
	putFixedString(b[1:1+usernameFieldSize], r.Username)
	putFixedString(b[1+usernameFieldSize:1+usernameFieldSize+passwordFieldSize], r.Password)
	return b
}

// DecodeAudioOnRequestBody parses an AUDIO_ON_REQUEST body.
func DecodeAudioOnRequestBody(b []byte) (AudioOnRequestBody, error) {
	if len(b) != AudioOnRequestBodySize {
		return AudioOnRequestBody{}, ErrInvalidLength
	}
	return AudioOnRequestBody{
		Username: getFixedString(b[1 : 1+usernameFieldSize]),
		Password: getFixedString(b[1+usernameFieldSize : 1+usernameFieldSize+passwordFieldSize]),
	}, nil
}

// ReplyBody is the shared 36-byte shape of VIDEO_ON_REPLY and
// AUDIO_ON_REPLY: a single status byte (0 = success) followed by reserved
// bytes.
type ReplyBody struct {
	Failed bool
}

// Encode serializes the body to ReplyBodySize bytes.
func (r ReplyBody) Encode() []byte {
	b := make([]byte, ReplyBodySize)
	if r.Failed {
		b[0] = 1
	}
	return b
}

// DecodeReplyBody parses a VIDEO_ON_REPLY/AUDIO_ON_REPLY body.
func DecodeReplyBody(b []byte) (ReplyBody, error) {
	if len(b) != ReplyBodySize {
		return ReplyBody{}, ErrInvalidLength
	}
	return ReplyBody{Failed: b[0] != 0}, nil
}
