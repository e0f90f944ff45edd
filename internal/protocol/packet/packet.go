package packet

import (
	"fmt"

	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/protocol/frame"
)

// Request is an outbound request packet. Arguments are pushed in wire order
// through the embedded Encoder.
type Request struct {
	Encoder
	Channel  uint32
	Serial   uint32
	Op       protocol.OpCode
	Trailing []byte
}

func NewRequest(channel, serial uint32, op protocol.OpCode) *Request {
	return &Request{Channel: channel, Serial: serial, Op: op}
}

func (r *Request) Frame() frame.Frame {
	return frame.Frame{
		Header: frame.Header{
			Channel: r.Channel,
			Serial:  r.Serial,
			Op:      uint32(r.Op),
		},
		Payload: encodePayload(r.Args(), r.Trailing),
	}
}

// Bytes serializes the request. The returned buffer is not shared with r.
func (r *Request) Bytes(limits frame.Limits) ([]byte, error) {
	return frame.Marshal(r.Frame(), limits)
}

// Reply is an outbound requested response or status packet.
type Reply struct {
	Encoder
	Channel  uint32
	Serial   uint32
	Op       protocol.OpCode
	Trailing []byte
}

// NewReply answers the request carrying serial.
func NewReply(serial uint32) *Reply {
	return &Reply{Channel: protocol.ChannelRequestedResponse, Serial: serial}
}

// NewStatus builds an unsolicited status packet for op.
func NewStatus(op protocol.OpCode) *Reply {
	return &Reply{Channel: protocol.ChannelStatus, Op: op}
}

// NewCodeReply answers serial with a single status code.
func NewCodeReply(serial uint32, code protocol.Code) *Reply {
	r := NewReply(serial)
	r.PushUint32(uint32(code))
	return r
}

func (r *Reply) Frame() frame.Frame {
	return frame.Frame{
		Header: frame.Header{
			Channel: r.Channel,
			Serial:  r.Serial,
			Op:      uint32(r.Op),
		},
		Payload: encodePayload(r.Args(), r.Trailing),
	}
}

func (r *Reply) Bytes(limits frame.Limits) ([]byte, error) {
	return frame.Marshal(r.Frame(), limits)
}

// Message is a decoded inbound packet: a requested response, a status notice
// or a request. Values are popped in strict FIFO order through the embedded
// Decoder.
type Message struct {
	Decoder
	Channel  uint32
	Serial   uint32
	Op       protocol.OpCode
	Trailing []byte
}

func Parse(f frame.Frame) (*Message, error) {
	args, trailing, err := SplitPayload(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("channel=%d serial=%d: %w", f.Header.Channel, f.Header.Serial, err)
	}
	return &Message{
		Decoder:  NewDecoder(args),
		Channel:  f.Header.Channel,
		Serial:   f.Header.Serial,
		Op:       protocol.OpCode(f.Header.Op),
		Trailing: trailing,
	}, nil
}

// IsResponse reports whether m answers a request.
func (m *Message) IsResponse() bool {
	return m.Channel == protocol.ChannelRequestedResponse
}

// IsStatus reports whether m is an unsolicited status notice.
func (m *Message) IsStatus() bool {
	return m.Channel == protocol.ChannelStatus
}

// PopCode pops the leading status code of a response.
func (m *Message) PopCode() (protocol.Code, error) {
	v, err := m.PopUint32()
	if err != nil {
		return protocol.ErrUnknown, err
	}
	return protocol.Code(v), nil
}
