package protocol

import "time"

// Op is a link operation carried by a frame.
type Op uint8

const (
	OpCreateLink  Op = 1
	OpDestroyLink Op = 2
	OpWrite       Op = 3
	OpRead        Op = 4
	OpClear       Op = 5
	OpDoCmd       Op = 6
)

func (o Op) String() string {
	switch o {
	case OpCreateLink:
		return "create_link"
	case OpDestroyLink:
		return "destroy_link"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpClear:
		return "clear"
	case OpDoCmd:
		return "docmd"
	default:
		return "unknown"
	}
}

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	return o >= OpCreateLink && o <= OpDoCmd
}

// frame constants
const (
	Magic              = 0x5658
	RequestHeaderSize  = 24
	ResponseHeaderSize = 20
	DefaultMaxPayload  = 1 << 20
)

// Request is one link operation sent by a client.
type Request struct {
	Op      Op
	Flags   uint8
	Link    uint32
	Timeout time.Duration
	// Arg is the requested size for OpRead and the command code for OpDoCmd.
	Arg          uint32
	TermChar     byte
	NetworkOrder bool
	DataSize     uint16
	// Payload is the device name for OpCreateLink, the data for OpWrite and
	// the input bytes for OpDoCmd.
	Payload []byte
}

// Response answers a Request.
type Response struct {
	Op      Op
	Error   uint32
	Link    uint32
	Reason  uint32
	Payload []byte
}

// ActivityRecord describes one completed link operation. It is published on
// the activity feed.
type ActivityRecord struct {
	Session   string        `json:"session" cbor:"1,keyasint"`
	Device    string        `json:"device" cbor:"2,keyasint"`
	Link      uint32        `json:"link" cbor:"3,keyasint"`
	Op        string        `json:"op" cbor:"4,keyasint"`
	Command   string        `json:"command,omitempty" cbor:"5,keyasint,omitempty"`
	Error     string        `json:"error" cbor:"6,keyasint"`
	ErrorCode uint32        `json:"error_code" cbor:"7,keyasint"`
	Sent      []byte        `json:"sent,omitempty" cbor:"8,keyasint,omitempty"`
	Received  []byte        `json:"received,omitempty" cbor:"9,keyasint,omitempty"`
	Timestamp time.Time     `json:"timestamp" cbor:"10,keyasint"`
	Duration  time.Duration `json:"duration_ns" cbor:"11,keyasint"`
}
