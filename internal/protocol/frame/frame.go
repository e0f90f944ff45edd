package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/addonlink/internal/protocol"
)

const (
	// ChannelLen is the size of the leading network-order channel word.
	ChannelLen = 4
	// ReplyHeaderLen follows the requested-response and status channel words.
	ReplyHeaderLen = 8
	// RequestHeaderLen follows any other channel word.
	RequestHeaderLen = 12
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrShortPayload    = errors.New("frame: short payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Header is the decoded channel word plus the fixed header that follows it.
//
// For requested responses Serial is the answered request serial; for status
// packets Op carries the status operation; for requests both are set.
type Header struct {
	Channel    uint32
	Serial     uint32
	Op         uint32
	PayloadLen uint32
}

// IsReply reports whether the channel word announces a reply-shaped header.
func IsReply(channel uint32) bool {
	return channel == protocol.ChannelRequestedResponse || channel == protocol.ChannelStatus
}

// HeaderLen returns the fixed header size that follows channel.
func HeaderLen(channel uint32) int {
	if IsReply(channel) {
		return ReplyHeaderLen
	}
	return RequestHeaderLen
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// EncodeHeader returns the channel word and fixed header for h.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, ChannelLen, ChannelLen+RequestHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Channel)
	switch h.Channel {
	case protocol.ChannelRequestedResponse:
		buf = binary.BigEndian.AppendUint32(buf, h.Serial)
	case protocol.ChannelStatus:
		buf = binary.BigEndian.AppendUint32(buf, h.Op)
	default:
		buf = binary.BigEndian.AppendUint32(buf, h.Serial)
		buf = binary.BigEndian.AppendUint32(buf, h.Op)
	}
	return binary.BigEndian.AppendUint32(buf, h.PayloadLen)
}

// DecodeHeader parses the fixed header b that followed channel.
func DecodeHeader(channel uint32, b []byte) (Header, error) {
	if len(b) != HeaderLen(channel) {
		return Header{}, fmt.Errorf("%w: channel=%d len=%d", ErrShortHeader, channel, len(b))
	}
	h := Header{Channel: channel}
	switch channel {
	case protocol.ChannelRequestedResponse:
		h.Serial = binary.BigEndian.Uint32(b[0:4])
		h.PayloadLen = binary.BigEndian.Uint32(b[4:8])
	case protocol.ChannelStatus:
		h.Op = binary.BigEndian.Uint32(b[0:4])
		h.PayloadLen = binary.BigEndian.Uint32(b[4:8])
	default:
		h.Serial = binary.BigEndian.Uint32(b[0:4])
		h.Op = binary.BigEndian.Uint32(b[4:8])
		h.PayloadLen = binary.BigEndian.Uint32(b[8:12])
	}
	return h, nil
}

// Marshal serializes f into one buffer so it can be written with a single call.
func Marshal(f Frame, limits Limits) ([]byte, error) {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return nil, ErrPayloadTooLarge
	}
	h := f.Header
	h.PayloadLen = uint32(len(f.Payload))
	buf := EncodeHeader(h)
	return append(buf, f.Payload...), nil
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var word [ChannelLen]byte
	if _, err := io.ReadFull(r, word[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	channel := binary.BigEndian.Uint32(word[:])

	fixed := make([]byte, HeaderLen(channel))
	if _, err := io.ReadFull(r, fixed); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(channel, fixed)
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return Frame{}, ErrShortPayload
			}
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	buf, err := Marshal(f, limits)
	if err != nil {
		return err
	}
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}
