package protocol

import (
	"fmt"
	"time"
)

const (
	// APILevel is the channel protocol level this add-on requires from the host.
	APILevel uint32 = 2
	// APIVersion is the version string sent during Login-Verify.
	APIVersion = "2.0.0"

	// ConnectionPort is the well-known host TCP port.
	ConnectionPort = 34687
	// ConnectionTimeout bounds the initial connect retry loop.
	ConnectionTimeout = 3 * time.Second

	// MinConnection is the lowest connection number a host may assign. Smaller
	// values are reserved channel words.
	MinConnection = 16
)

// OpCode identifies a request operation.
type OpCode uint32

const (
	OpNoop            OpCode = 0
	OpLoginVerify     OpCode = 1
	OpLogout          OpCode = 2
	OpPing            OpCode = 3
	OpLog             OpCode = 4
	OpCreateSubThread OpCode = 5
	OpDeleteSubThread OpCode = 6
)

func (o OpCode) String() string {
	switch o {
	case OpNoop:
		return "noop"
	case OpLoginVerify:
		return "login-verify"
	case OpLogout:
		return "logout"
	case OpPing:
		return "ping"
	case OpLog:
		return "log"
	case OpCreateSubThread:
		return "create-subthread"
	case OpDeleteSubThread:
		return "delete-subthread"
	default:
		return fmt.Sprintf("op(%d)", uint32(o))
	}
}

// Reserved channel words. Any other channel word carries a request addressed
// to (or from) the connection with that number.
const (
	ChannelRequestedResponse uint32 = 1
	ChannelStatus            uint32 = 2
)

// Datatype tags one packet argument or mailbox value slot.
type Datatype uint32

const (
	TypeNull    Datatype = 0x00000000
	TypeInt     Datatype = 0x00000201
	TypeFloat   Datatype = 0x00000501
	TypeDouble  Datatype = 0x00000511
	TypeInt8    Datatype = 0x00000701
	TypeInt16   Datatype = 0x00000702
	TypeInt32   Datatype = 0x00000703
	TypeInt64   Datatype = 0x00000704
	TypeUint8   Datatype = 0x00000801
	TypeUint16  Datatype = 0x00000802
	TypeUint32  Datatype = 0x00000803
	TypeUint64  Datatype = 0x00000804
	TypeBoolean Datatype = 0x00000901
	TypeString  Datatype = 0x00000911
	TypePacked  Datatype = 0x00001001
)

// Size returns the encoded width of a fixed size datatype, or -1 for variable
// length types.
func (d Datatype) Size() int {
	switch d {
	case TypeInt8, TypeUint8, TypeBoolean:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt, TypeInt32, TypeUint32, TypeFloat:
		return 4
	case TypeInt64, TypeUint64, TypeDouble:
		return 8
	case TypeNull:
		return 0
	default:
		return -1
	}
}

func (d Datatype) String() string {
	switch d {
	case TypeNull:
		return "null"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeBoolean:
		return "bool"
	case TypeString:
		return "string"
	case TypePacked:
		return "packed"
	default:
		return fmt.Sprintf("datatype(0x%08x)", uint32(d))
	}
}

// LogLevel is the severity carried by a Log request.
type LogLevel uint32

const (
	LogDebug LogLevel = iota
	LogInfo
	LogNotice
	LogWarning
	LogError
	LogSevere
	LogFatal
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogNotice:
		return "notice"
	case LogWarning:
		return "warning"
	case LogError:
		return "error"
	case LogSevere:
		return "severe"
	case LogFatal:
		return "fatal"
	default:
		return fmt.Sprintf("level(%d)", uint32(l))
	}
}
