package mailbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/danmuck/addonlink/internal/protocol"
)

// Segment header, native endianness:
//
//	0  magic      u32
//	4  version    u32
//	8  size       u32
//	12 connection u32
//
// Two slots follow, AddonToHost then HostToAddon, each half of the
// remaining 8-byte aligned space.
const (
	Magic   uint32 = 0x4B4D4258
	Version uint32 = 1

	HeaderSize = 16

	DefaultSize = 2 * 1024 * 1024
	MinSize     = 4096
)

// Slot layout, native endianness:
//
//	0   request   u32 turn word
//	4   response  u32 turn word
//	8   messageId u32
//	12  dataLen   u32
//	16  values    6 x {tag u32, reserved u32, bits u64}
//	112 data      raw bytes up to the end of the slot
const (
	offRequest  = 0
	offResponse = 4
	offMessage  = 8
	offDataLen  = 12
	offValues   = 16
	valueSize   = 16
	offData     = offValues + ValueSlots*valueSize

	// ValueSlots counts value1..value5 plus the return value.
	ValueSlots = 6
	// ReturnSlot is the index of the return value.
	ReturnSlot = ValueSlots - 1
)

var (
	ErrBadMagic        = errors.New("mailbox: bad segment magic")
	ErrBadVersion      = errors.New("mailbox: unsupported segment version")
	ErrSizeMismatch    = errors.New("mailbox: segment size mismatch")
	ErrSegmentTooSmall = errors.New("mailbox: segment too small")
	ErrDataTooLarge    = errors.New("mailbox: data exceeds slot buffer")
	ErrValueType       = errors.New("mailbox: value type mismatch")
	ErrValueIndex      = errors.New("mailbox: value index out of range")
	ErrUnaligned       = errors.New("mailbox: segment memory not aligned")
)

var native = binary.NativeEndian

func slotSize(size int) int {
	return ((size - HeaderSize) / 2) &^ 7
}

func formatHeader(mem []byte, conn uint32) {
	native.PutUint32(mem[0:], Magic)
	native.PutUint32(mem[4:], Version)
	native.PutUint32(mem[8:], uint32(len(mem)))
	native.PutUint32(mem[12:], conn)
}

func checkHeader(mem []byte, conn uint32) error {
	if got := native.Uint32(mem[0:]); got != Magic {
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, got)
	}
	if got := native.Uint32(mem[4:]); got != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, got)
	}
	if got := native.Uint32(mem[8:]); int(got) != len(mem) {
		return fmt.Errorf("%w: header=%d mapped=%d", ErrSizeMismatch, got, len(mem))
	}
	if got := native.Uint32(mem[12:]); got != conn {
		return fmt.Errorf("mailbox: segment belongs to connection %d, want %d", got, conn)
	}
	return nil
}

// Value is one tagged scalar slot.
type Value struct {
	Type protocol.Datatype
	Bits uint64
}

func Int(v int32) Value {
	return Value{Type: protocol.TypeInt, Bits: uint64(uint32(v))}
}

func Uint32(v uint32) Value {
	return Value{Type: protocol.TypeUint32, Bits: uint64(v)}
}

func Bool(v bool) Value {
	if v {
		return Value{Type: protocol.TypeBoolean, Bits: 1}
	}
	return Value{Type: protocol.TypeBoolean}
}

func Double(v float64) Value {
	return Value{Type: protocol.TypeDouble, Bits: math.Float64bits(v)}
}

func (v Value) AsInt() (int32, error) {
	if v.Type != protocol.TypeInt {
		return 0, fmt.Errorf("%w: want %s got %s", ErrValueType, protocol.TypeInt, v.Type)
	}
	return int32(uint32(v.Bits)), nil
}

func (v Value) AsUint32() (uint32, error) {
	if v.Type != protocol.TypeUint32 {
		return 0, fmt.Errorf("%w: want %s got %s", ErrValueType, protocol.TypeUint32, v.Type)
	}
	return uint32(v.Bits), nil
}

func (v Value) AsBool() (bool, error) {
	if v.Type != protocol.TypeBoolean {
		return false, fmt.Errorf("%w: want %s got %s", ErrValueType, protocol.TypeBoolean, v.Type)
	}
	return v.Bits != 0, nil
}

func (v Value) AsDouble() (float64, error) {
	if v.Type != protocol.TypeDouble {
		return 0, fmt.Errorf("%w: want %s got %s", ErrValueType, protocol.TypeDouble, v.Type)
	}
	return math.Float64frombits(v.Bits), nil
}

// Slot is one single-message mailbox with its request/response turn pair.
// The writer fills the message, posts Request and waits Response; the reader
// waits Request, handles the message and posts Response.
type Slot struct {
	mem []byte

	Request  Turn
	Response Turn
}

func newSlot(mem []byte) *Slot {
	return &Slot{
		mem:      mem,
		Request:  Turn{word: word(mem, offRequest)},
		Response: Turn{word: word(mem, offResponse)},
	}
}

func word(mem []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// Capacity is the size of the raw data buffer.
func (s *Slot) Capacity() int {
	return len(s.mem) - offData
}

// Reset clears the message id, values and data length.
func (s *Slot) Reset() {
	clear(s.mem[offMessage:offData])
}

func (s *Slot) SetMessage(op protocol.OpCode) {
	native.PutUint32(s.mem[offMessage:], uint32(op))
}

func (s *Slot) Message() protocol.OpCode {
	return protocol.OpCode(native.Uint32(s.mem[offMessage:]))
}

// SetValue stores v in value slot i (0 based, ReturnSlot is the return value).
func (s *Slot) SetValue(i int, v Value) error {
	if i < 0 || i >= ValueSlots {
		return fmt.Errorf("%w: %d", ErrValueIndex, i)
	}
	off := offValues + i*valueSize
	native.PutUint32(s.mem[off:], uint32(v.Type))
	native.PutUint32(s.mem[off+4:], 0)
	native.PutUint64(s.mem[off+8:], v.Bits)
	return nil
}

func (s *Slot) Value(i int) (Value, error) {
	if i < 0 || i >= ValueSlots {
		return Value{}, fmt.Errorf("%w: %d", ErrValueIndex, i)
	}
	off := offValues + i*valueSize
	return Value{
		Type: protocol.Datatype(native.Uint32(s.mem[off:])),
		Bits: native.Uint64(s.mem[off+8:]),
	}, nil
}

func (s *Slot) SetReturn(v Value) {
	_ = s.SetValue(ReturnSlot, v)
}

func (s *Slot) Return() Value {
	v, _ := s.Value(ReturnSlot)
	return v
}

func (s *Slot) SetData(b []byte) error {
	if len(b) > s.Capacity() {
		return fmt.Errorf("%w: %d > %d", ErrDataTooLarge, len(b), s.Capacity())
	}
	copy(s.mem[offData:], b)
	native.PutUint32(s.mem[offDataLen:], uint32(len(b)))
	return nil
}

// Data returns a copy of the raw data buffer.
func (s *Slot) Data() []byte {
	n := int(native.Uint32(s.mem[offDataLen:]))
	if n > s.Capacity() {
		n = s.Capacity()
	}
	out := make([]byte, n)
	copy(out, s.mem[offData:offData+n])
	return out
}

// Turn is a binary semaphore word living in the shared segment.
type Turn struct {
	word *uint32
}

// Post hands the turn to the waiting side.
func (t Turn) Post() {
	atomic.StoreUint32(t.word, 1)
}

// TryWait takes the turn if it has been posted.
func (t Turn) TryWait() bool {
	return atomic.CompareAndSwapUint32(t.word, 1, 0)
}
