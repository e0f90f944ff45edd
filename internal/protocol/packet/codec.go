package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/danmuck/addonlink/internal/protocol"
)

var (
	ErrShortRead       = errors.New("packet: read past end of arguments")
	ErrTypeMismatch    = errors.New("packet: datatype mismatch")
	ErrUnsupportedType = errors.New("packet: unsupported datatype")
	ErrInvalidString   = errors.New("packet: string contains NUL")
	ErrInvalidValue    = errors.New("packet: invalid value")
	ErrInvalidPayload  = errors.New("packet: invalid payload")
)

const (
	tagSize     = 4
	argsLenSize = 4
)

// Encoder appends typed arguments in wire order.
type Encoder struct {
	buf []byte
}

func (e *Encoder) tag(dt protocol.Datatype) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(dt))
}

func (e *Encoder) PushUint8(v uint8) {
	e.tag(protocol.TypeUint8)
	e.buf = append(e.buf, v)
}

func (e *Encoder) PushUint16(v uint16) {
	e.tag(protocol.TypeUint16)
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) PushUint32(v uint32) {
	e.tag(protocol.TypeUint32)
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) PushUint64(v uint64) {
	e.tag(protocol.TypeUint64)
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) PushInt8(v int8) {
	e.tag(protocol.TypeInt8)
	e.buf = append(e.buf, byte(v))
}

func (e *Encoder) PushInt16(v int16) {
	e.tag(protocol.TypeInt16)
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(v))
}

func (e *Encoder) PushInt32(v int32) {
	e.tag(protocol.TypeInt32)
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

func (e *Encoder) PushInt64(v int64) {
	e.tag(protocol.TypeInt64)
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

// PushInt appends a host "int", which is always 32 bits on the wire.
func (e *Encoder) PushInt(v int32) {
	e.tag(protocol.TypeInt)
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

func (e *Encoder) PushFloat(v float32) {
	e.tag(protocol.TypeFloat)
	e.buf = binary.BigEndian.AppendUint32(e.buf, math.Float32bits(v))
}

func (e *Encoder) PushDouble(v float64) {
	e.tag(protocol.TypeDouble)
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(v))
}

func (e *Encoder) PushBool(v bool) {
	e.tag(protocol.TypeBoolean)
	b := byte(0)
	if v {
		b = 1
	}
	e.buf = append(e.buf, b)
}

// PushString appends a NUL terminated string.
func (e *Encoder) PushString(v string) error {
	if strings.IndexByte(v, 0) >= 0 {
		return ErrInvalidString
	}
	e.tag(protocol.TypeString)
	e.buf = append(e.buf, v...)
	e.buf = append(e.buf, 0)
	return nil
}

// PushPacked appends an opaque structured blob with its element count.
func (e *Encoder) PushPacked(count uint32, blob []byte) {
	e.tag(protocol.TypePacked)
	e.buf = binary.BigEndian.AppendUint32(e.buf, count)
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(blob)))
	e.buf = append(e.buf, blob...)
}

// Packed is the decoded form of a TypePacked argument.
type Packed struct {
	Count uint32
	Data  []byte
}

// Push appends v tagged as dt. v must have the Go type matching dt.
func (e *Encoder) Push(dt protocol.Datatype, v any) error {
	switch dt {
	case protocol.TypeUint8:
		x, ok := v.(uint8)
		if !ok {
			return mismatch(dt, v)
		}
		e.PushUint8(x)
	case protocol.TypeUint16:
		x, ok := v.(uint16)
		if !ok {
			return mismatch(dt, v)
		}
		e.PushUint16(x)
	case protocol.TypeUint32:
		x, ok := v.(uint32)
		if !ok {
			return mismatch(dt, v)
		}
		e.PushUint32(x)
	case protocol.TypeUint64:
		x, ok := v.(uint64)
		if !ok {
			return mismatch(dt, v)
		}
		e.PushUint64(x)
	case protocol.TypeInt8:
		x, ok := v.(int8)
		if !ok {
			return mismatch(dt, v)
		}
		e.PushInt8(x)
	case protocol.TypeInt16:
		x, ok := v.(int16)
		if !ok {
			return mismatch(dt, v)
		}
		e.PushInt16(x)
	case protocol.TypeInt32:
		x, ok := v.(int32)
		if !ok {
			return mismatch(dt, v)
		}
		e.PushInt32(x)
	case protocol.TypeInt64:
		x, ok := v.(int64)
		if !ok {
			return mismatch(dt, v)
		}
		e.PushInt64(x)
	case protocol.TypeInt:
		switch x := v.(type) {
		case int32:
			e.PushInt(x)
		case int:
			if x < math.MinInt32 || x > math.MaxInt32 {
				return fmt.Errorf("%w: int %d overflows 32 bits", ErrInvalidValue, x)
			}
			e.PushInt(int32(x))
		default:
			return mismatch(dt, v)
		}
	case protocol.TypeFloat:
		x, ok := v.(float32)
		if !ok {
			return mismatch(dt, v)
		}
		e.PushFloat(x)
	case protocol.TypeDouble:
		x, ok := v.(float64)
		if !ok {
			return mismatch(dt, v)
		}
		e.PushDouble(x)
	case protocol.TypeBoolean:
		x, ok := v.(bool)
		if !ok {
			return mismatch(dt, v)
		}
		e.PushBool(x)
	case protocol.TypeString:
		x, ok := v.(string)
		if !ok {
			return mismatch(dt, v)
		}
		return e.PushString(x)
	case protocol.TypePacked:
		switch x := v.(type) {
		case Packed:
			e.PushPacked(x.Count, x.Data)
		case []byte:
			e.PushPacked(1, x)
		default:
			return mismatch(dt, v)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
	}
	return nil
}

// Args returns the encoded argument bytes.
func (e *Encoder) Args() []byte {
	return e.buf
}

func mismatch(dt protocol.Datatype, v any) error {
	return fmt.Errorf("%w: %s cannot hold %T", ErrTypeMismatch, dt, v)
}

// Decoder consumes typed arguments in strict FIFO order.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder returns a decoder over encoded argument bytes.
func NewDecoder(args []byte) Decoder {
	return Decoder{buf: args}
}

// Remaining reports the number of undecoded argument bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

// Next returns the datatype of the next argument without consuming it.
func (d *Decoder) Next() (protocol.Datatype, error) {
	if d.Remaining() < tagSize {
		return protocol.TypeNull, ErrShortRead
	}
	return protocol.Datatype(binary.BigEndian.Uint32(d.buf[d.off:])), nil
}

func (d *Decoder) take(dt protocol.Datatype, n int) ([]byte, error) {
	got, err := d.Next()
	if err != nil {
		return nil, err
	}
	if got != dt {
		return nil, fmt.Errorf("%w: want %s got %s", ErrTypeMismatch, dt, got)
	}
	if d.Remaining() < tagSize+n {
		return nil, ErrShortRead
	}
	start := d.off + tagSize
	d.off = start + n
	return d.buf[start:d.off], nil
}

func (d *Decoder) PopUint8() (uint8, error) {
	b, err := d.take(protocol.TypeUint8, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) PopUint16() (uint16, error) {
	b, err := d.take(protocol.TypeUint16, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Decoder) PopUint32() (uint32, error) {
	b, err := d.take(protocol.TypeUint32, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Decoder) PopUint64() (uint64, error) {
	b, err := d.take(protocol.TypeUint64, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *Decoder) PopInt8() (int8, error) {
	b, err := d.take(protocol.TypeInt8, 1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

func (d *Decoder) PopInt16() (int16, error) {
	b, err := d.take(protocol.TypeInt16, 2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

func (d *Decoder) PopInt32() (int32, error) {
	b, err := d.take(protocol.TypeInt32, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (d *Decoder) PopInt64() (int64, error) {
	b, err := d.take(protocol.TypeInt64, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (d *Decoder) PopInt() (int32, error) {
	b, err := d.take(protocol.TypeInt, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (d *Decoder) PopFloat() (float32, error) {
	b, err := d.take(protocol.TypeFloat, 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

func (d *Decoder) PopDouble() (float64, error) {
	b, err := d.take(protocol.TypeDouble, 8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (d *Decoder) PopBool() (bool, error) {
	b, err := d.take(protocol.TypeBoolean, 1)
	if err != nil {
		return false, err
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: bool byte %d", ErrInvalidValue, b[0])
	}
}

func (d *Decoder) PopString() (string, error) {
	got, err := d.Next()
	if err != nil {
		return "", err
	}
	if got != protocol.TypeString {
		return "", fmt.Errorf("%w: want %s got %s", ErrTypeMismatch, protocol.TypeString, got)
	}
	start := d.off + tagSize
	end := bytes.IndexByte(d.buf[start:], 0)
	if end < 0 {
		return "", ErrShortRead
	}
	s := string(d.buf[start : start+end])
	d.off = start + end + 1
	return s, nil
}

func (d *Decoder) PopPacked() (Packed, error) {
	got, err := d.Next()
	if err != nil {
		return Packed{}, err
	}
	if got != protocol.TypePacked {
		return Packed{}, fmt.Errorf("%w: want %s got %s", ErrTypeMismatch, protocol.TypePacked, got)
	}
	start := d.off + tagSize
	if len(d.buf)-start < 8 {
		return Packed{}, ErrShortRead
	}
	count := binary.BigEndian.Uint32(d.buf[start:])
	n := int(binary.BigEndian.Uint32(d.buf[start+4:]))
	start += 8
	if len(d.buf)-start < n {
		return Packed{}, ErrShortRead
	}
	data := make([]byte, n)
	copy(data, d.buf[start:start+n])
	d.off = start + n
	return Packed{Count: count, Data: data}, nil
}

// Pop decodes the next argument as dt into out, which must be a pointer to the
// Go type matching dt.
func (d *Decoder) Pop(dt protocol.Datatype, out any) error {
	var err error
	switch dt {
	case protocol.TypeUint8:
		p, ok := out.(*uint8)
		if !ok {
			return mismatch(dt, out)
		}
		*p, err = d.PopUint8()
	case protocol.TypeUint16:
		p, ok := out.(*uint16)
		if !ok {
			return mismatch(dt, out)
		}
		*p, err = d.PopUint16()
	case protocol.TypeUint32:
		p, ok := out.(*uint32)
		if !ok {
			return mismatch(dt, out)
		}
		*p, err = d.PopUint32()
	case protocol.TypeUint64:
		p, ok := out.(*uint64)
		if !ok {
			return mismatch(dt, out)
		}
		*p, err = d.PopUint64()
	case protocol.TypeInt8:
		p, ok := out.(*int8)
		if !ok {
			return mismatch(dt, out)
		}
		*p, err = d.PopInt8()
	case protocol.TypeInt16:
		p, ok := out.(*int16)
		if !ok {
			return mismatch(dt, out)
		}
		*p, err = d.PopInt16()
	case protocol.TypeInt32:
		p, ok := out.(*int32)
		if !ok {
			return mismatch(dt, out)
		}
		*p, err = d.PopInt32()
	case protocol.TypeInt64:
		p, ok := out.(*int64)
		if !ok {
			return mismatch(dt, out)
		}
		*p, err = d.PopInt64()
	case protocol.TypeInt:
		switch p := out.(type) {
		case *int32:
			*p, err = d.PopInt()
		case *int:
			var v int32
			v, err = d.PopInt()
			*p = int(v)
		default:
			return mismatch(dt, out)
		}
	case protocol.TypeFloat:
		p, ok := out.(*float32)
		if !ok {
			return mismatch(dt, out)
		}
		*p, err = d.PopFloat()
	case protocol.TypeDouble:
		p, ok := out.(*float64)
		if !ok {
			return mismatch(dt, out)
		}
		*p, err = d.PopDouble()
	case protocol.TypeBoolean:
		p, ok := out.(*bool)
		if !ok {
			return mismatch(dt, out)
		}
		*p, err = d.PopBool()
	case protocol.TypeString:
		p, ok := out.(*string)
		if !ok {
			return mismatch(dt, out)
		}
		*p, err = d.PopString()
	case protocol.TypePacked:
		p, ok := out.(*Packed)
		if !ok {
			return mismatch(dt, out)
		}
		*p, err = d.PopPacked()
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
	}
	return err
}

func encodePayload(args, trailing []byte) []byte {
	buf := make([]byte, 0, argsLenSize+len(args)+len(trailing))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(args)))
	buf = append(buf, args...)
	buf = append(buf, trailing...)
	return buf
}

// SplitPayload separates a frame payload into argument bytes and the raw
// trailing buffer.
func SplitPayload(payload []byte) (args, trailing []byte, err error) {
	if len(payload) == 0 {
		return nil, nil, nil
	}
	if len(payload) < argsLenSize {
		return nil, nil, ErrInvalidPayload
	}
	n := binary.BigEndian.Uint32(payload)
	if uint64(n) > uint64(len(payload)-argsLenSize) {
		return nil, nil, fmt.Errorf("%w: args length %d exceeds payload", ErrInvalidPayload, n)
	}
	args = payload[argsLenSize : argsLenSize+int(n)]
	if rest := payload[argsLenSize+int(n):]; len(rest) > 0 {
		trailing = rest
	}
	return args, trailing, nil
}
