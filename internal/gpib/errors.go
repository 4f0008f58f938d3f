package gpib

import (
	"errors"
	"fmt"
)

// ErrNotSupported is returned by backends that lack a primitive.
var ErrNotSupported = errors.New("gpib operation not supported by backend")

// Kind classifies a bus failure for diagnostics. Callers at the protocol
// boundary collapse every kind into one error code.
type Kind int

const (
	KindUnknown Kind = iota
	KindDriver
	KindNotCIC
	KindNoListener
	KindAddressing
	KindArgument
	KindNotSystemController
	KindTimeout
	KindNoBoard
	KindNotCapable
	KindFileSystem
	KindBus
	KindSerialPollQueue
	KindSRQStuck
	KindTable
	KindNotOpen
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindDriver:              "driver",
	KindNotCIC:              "not_cic",
	KindNoListener:          "no_listener",
	KindAddressing:          "addressing",
	KindArgument:            "argument",
	KindNotSystemController: "not_system_controller",
	KindTimeout:             "timeout",
	KindNoBoard:             "no_board",
	KindNotCapable:          "not_capable",
	KindFileSystem:          "file_system",
	KindBus:                 "bus",
	KindSerialPollQueue:     "serial_poll_queue",
	KindSRQStuck:            "srq_stuck",
	KindTable:               "table",
	KindNotOpen:             "not_open",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindFromIberr maps a linux-gpib iberr value to a Kind.
func KindFromIberr(iberr int) Kind {
	switch iberr {
	case 0: // EDVR
		return KindDriver
	case 1: // ECIC
		return KindNotCIC
	case 2: // ENOL
		return KindNoListener
	case 3: // EADR
		return KindAddressing
	case 4: // EARG
		return KindArgument
	case 5: // ESAC
		return KindNotSystemController
	case 6: // EABO
		return KindTimeout
	case 7: // ENEB
		return KindNoBoard
	case 11: // ECAP
		return KindNotCapable
	case 12: // EFSO
		return KindFileSystem
	case 14: // EBUS
		return KindBus
	case 15: // ESTB
		return KindSerialPollQueue
	case 16: // ESRQ
		return KindSRQStuck
	case 20: // ETAB
		return KindTable
	default:
		return KindUnknown
	}
}

// Error is a failed bus call.
type Error struct {
	Op   string
	Kind Kind
	// Code is the driver specific error number, if any.
	Code int
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gpib %s: %s", e.Op, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the call ran into the board timeout.
func (e *Error) Timeout() bool { return e.Kind == KindTimeout }

// KindOf returns the Kind of err, or KindUnknown if err is not a bus error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}
