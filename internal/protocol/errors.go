package protocol

import "fmt"

// Code is a host status code. Non-success codes are errors and print their
// error table name.
type Code uint32

const (
	Success       Code = 0
	ErrBuffer     Code = 1
	ErrCount      Code = 2
	ErrType       Code = 3
	ErrTag        Code = 4
	ErrComm       Code = 5
	ErrRank       Code = 6
	ErrRoot       Code = 7
	ErrGroup      Code = 8
	ErrOp         Code = 9
	ErrTopology   Code = 10
	ErrDims       Code = 11
	ErrArg        Code = 12
	ErrUnknown    Code = 13
	ErrTruncate   Code = 14
	ErrOther      Code = 15
	ErrIntern     Code = 16
	ErrInStatus   Code = 17
	ErrPending    Code = 18
	ErrRequest    Code = 19
	ErrConnection Code = 20
	ErrLastCode   Code = 21
)

var errorNames = [...]string{
	Success:       "No error",
	ErrBuffer:     "Invalid buffer pointer",
	ErrCount:      "Invalid count argument",
	ErrType:       "Invalid datatype argument",
	ErrTag:        "Invalid tag argument",
	ErrComm:       "Invalid communicator",
	ErrRank:       "Invalid rank",
	ErrRoot:       "Invalid root",
	ErrGroup:      "Null group passed to function",
	ErrOp:         "Invalid operation",
	ErrTopology:   "Invalid topology",
	ErrDims:       "Illegal dimension argument",
	ErrArg:        "Invalid argument",
	ErrUnknown:    "Unknown error",
	ErrTruncate:   "Message truncated on receive",
	ErrOther:      "Other error; use Error_string",
	ErrIntern:     "Internal error code",
	ErrInStatus:   "Look in status for error value",
	ErrPending:    "Pending request",
	ErrRequest:    "Illegal API_request handle",
	ErrConnection: "Failed to connect",
	ErrLastCode:   "Last error code",
}

// Name returns the error table entry for c.
func (c Code) Name() string {
	if int(c) < len(errorNames) {
		return errorNames[c]
	}
	return fmt.Sprintf("Unknown error code %d", uint32(c))
}

func (c Code) String() string {
	return c.Name()
}

func (c Code) Error() string {
	return "protocol: " + c.Name()
}

// OK reports whether c is the success code.
func (c Code) OK() bool {
	return c == Success
}
